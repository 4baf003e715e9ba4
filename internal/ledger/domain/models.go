package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// EntryKind classifies a ledger movement.
type EntryKind string

const (
	KindEarn          EntryKind = "earn"
	KindSpend         EntryKind = "spend"
	KindRefund        EntryKind = "refund"
	KindBonus         EntryKind = "bonus"
	KindTransferIn    EntryKind = "transfer_in"
	KindTransferOut   EntryKind = "transfer_out"
	KindStreamRevenue EntryKind = "stream_revenue"

	KindSaccoDeposit    EntryKind = "sacco_deposit"
	KindSaccoWithdrawal EntryKind = "sacco_withdrawal"
	KindSharePurchase   EntryKind = "share_purchase"
	KindLoanDisbursed   EntryKind = "loan_disbursement"
	KindLoanRepayment   EntryKind = "loan_repayment"
)

var validKinds = map[EntryKind]struct{}{
	KindEarn:            {},
	KindSpend:           {},
	KindRefund:          {},
	KindBonus:           {},
	KindTransferIn:      {},
	KindTransferOut:     {},
	KindStreamRevenue:   {},
	KindSaccoDeposit:    {},
	KindSaccoWithdrawal: {},
	KindSharePurchase:   {},
	KindLoanDisbursed:   {},
	KindLoanRepayment:   {},
}

func (k EntryKind) Valid() bool {
	_, ok := validKinds[k]
	return ok
}

// LedgerEntry is an immutable movement against one owner's balance. Entries are
// never updated or deleted; corrections are new offsetting entries.
type LedgerEntry struct {
	ID             snowflake.ID      `gorm:"primaryKey"`
	OwnerID        snowflake.ID      `gorm:"not null;index;uniqueIndex:ux_ledger_entries_owner_reference,priority:1"`
	Kind           EntryKind         `gorm:"type:text;not null;index"`
	Amount         decimal.Decimal   `gorm:"type:decimal(20,4);not null"`
	BalanceAfter   decimal.Decimal   `gorm:"type:decimal(20,4);not null"`
	Currency       string            `gorm:"type:text;not null"`
	Source         string            `gorm:"type:text;not null"`
	Reference      string            `gorm:"type:text;not null;uniqueIndex:ux_ledger_entries_owner_reference,priority:2"`
	RelatedOwnerID *snowflake.ID     `gorm:"index"`
	Metadata       datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt      time.Time         `gorm:"not null;index"`
}

func (LedgerEntry) TableName() string { return "ledger_entries" }

// WalletBalance is the cached spendable balance for one owner. It is derived
// state: replaying the owner's entries must always reproduce Balance.
type WalletBalance struct {
	OwnerID   snowflake.ID    `gorm:"primaryKey"`
	Balance   decimal.Decimal `gorm:"type:decimal(20,4);not null"`
	UpdatedAt time.Time       `gorm:"not null"`
}

func (WalletBalance) TableName() string { return "wallet_balances" }

// RecordInput describes one ledger movement to apply.
type RecordInput struct {
	OwnerID        snowflake.ID
	Kind           EntryKind
	Amount         decimal.Decimal
	Source         string
	Reference      string
	RelatedOwnerID *snowflake.ID
	Metadata       map[string]any
}

// TransferInput moves Amount from one owner to another as a paired entry.
type TransferInput struct {
	FromOwnerID snowflake.ID
	ToOwnerID   snowflake.ID
	Amount      decimal.Decimal
	Source      string
	Reference   string
}

type Service interface {
	// WithTx returns a view of the service whose writes join the given
	// transaction, so a caller can commit a ledger movement together with its
	// own rows.
	WithTx(tx *gorm.DB) Service
	// Record applies one movement atomically with its wallet update. A repeated
	// (owner, reference) pair returns the already-applied entry together with
	// ErrDuplicateReference.
	Record(ctx context.Context, in RecordInput) (*LedgerEntry, error)
	// Reverse appends an offsetting refund entry for a previously recorded reference.
	Reverse(ctx context.Context, ownerID snowflake.ID, originalReference string, source string) (*LedgerEntry, error)
	Transfer(ctx context.Context, in TransferInput) (out *LedgerEntry, inEntry *LedgerEntry, err error)
	// Balance returns the cached balance; it never aggregates entries.
	Balance(ctx context.Context, ownerID snowflake.ID) (decimal.Decimal, error)
	// Reconcile recomputes the balance by replaying entries and repairs drift.
	Reconcile(ctx context.Context, ownerID snowflake.ID) (decimal.Decimal, error)
	Entries(ctx context.Context, ownerID snowflake.ID, limit, offset int) ([]LedgerEntry, error)
}

var (
	ErrDuplicateReference = errors.New("duplicate_reference")
	ErrInsufficientFunds  = errors.New("insufficient_funds")
	ErrInvalidOwner       = errors.New("invalid_owner")
	ErrInvalidKind        = errors.New("invalid_kind")
	ErrInvalidAmount      = errors.New("invalid_amount")
	ErrInvalidReference   = errors.New("invalid_reference")
	ErrEntryNotFound      = errors.New("entry_not_found")
)
