package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	ledgerdomain "github.com/sautistream/ledgercore/internal/ledger/domain"
	"github.com/shopspring/decimal"
)

type AccountType string

const (
	AccountTypeSavings AccountType = "savings"
	AccountTypeShares  AccountType = "shares"
)

func (t AccountType) Valid() bool {
	return t == AccountTypeSavings || t == AccountTypeShares
}

// Account is one member's sub-ledger for a single account type. Its snowflake
// ID doubles as the owner key of a dedicated ledger stream, so every deposit
// and withdrawal is an ordinary ledger entry with the sacco kinds.
type Account struct {
	ID        snowflake.ID `gorm:"primaryKey"`
	MemberID  snowflake.ID `gorm:"not null;uniqueIndex:ux_sacco_accounts_member_type,priority:1"`
	Type      AccountType  `gorm:"type:text;not null;uniqueIndex:ux_sacco_accounts_member_type,priority:2"`
	CreatedAt time.Time    `gorm:"not null"`
	UpdatedAt time.Time    `gorm:"not null"`
}

func (Account) TableName() string { return "sacco_accounts" }

type LoanStatus string

const (
	LoanStatusPendingApproval LoanStatus = "pending_approval"
	LoanStatusApproved        LoanStatus = "approved"
	LoanStatusDisbursed       LoanStatus = "disbursed"
	LoanStatusActive          LoanStatus = "active"
	LoanStatusCompleted       LoanStatus = "completed"
	LoanStatusDefaulted       LoanStatus = "defaulted"
	LoanStatusWrittenOff      LoanStatus = "written_off"
)

// Loan tracks one member obligation. Its ID is also the owner key of the
// loan's own ledger stream: disbursement and repayments land there, never on
// the savings account.
type Loan struct {
	ID                snowflake.ID    `gorm:"primaryKey"`
	MemberID          snowflake.ID    `gorm:"not null;index"`
	PrincipalAmount   decimal.Decimal `gorm:"type:decimal(20,4);not null"`
	Balance           decimal.Decimal `gorm:"type:decimal(20,4);not null"`
	InterestRate      decimal.Decimal `gorm:"type:decimal(20,4);not null"`
	InstallmentsTotal int             `gorm:"not null"`
	InstallmentsPaid  int             `gorm:"not null"`
	DueDate           *time.Time
	Status            LoanStatus `gorm:"type:text;not null;index"`
	ApprovedAt        *time.Time
	DisbursedAt       *time.Time
	CreatedAt         time.Time `gorm:"not null"`
	UpdatedAt         time.Time `gorm:"not null"`
}

func (Loan) TableName() string { return "sacco_loans" }

type LoanApplication struct {
	MemberID          snowflake.ID
	PrincipalAmount   decimal.Decimal
	InterestRate      decimal.Decimal
	InstallmentsTotal int
	DueDate           time.Time
}

// LoanStanding is the on-read view of a loan's health. LateFee is computed
// from days overdue at read time and never persisted, so it cannot drift when
// a background job runs late.
type LoanStanding struct {
	Loan        Loan
	Overdue     bool
	DaysOverdue int
	LateFee     decimal.Decimal
	TotalOwed   decimal.Decimal
}

type Service interface {
	OpenAccount(ctx context.Context, actor string, memberID snowflake.ID, accountType AccountType) (*Account, error)
	Deposit(ctx context.Context, actor string, accountID snowflake.ID, amount decimal.Decimal, reference string) (*ledgerdomain.LedgerEntry, error)
	Withdraw(ctx context.Context, actor string, accountID snowflake.ID, amount decimal.Decimal, reference string) (*ledgerdomain.LedgerEntry, error)
	AccountBalance(ctx context.Context, actor string, accountID snowflake.ID) (decimal.Decimal, error)

	ApplyForLoan(ctx context.Context, actor string, in LoanApplication) (*Loan, error)
	ApproveLoan(ctx context.Context, actor string, loanID snowflake.ID) (*Loan, error)
	DisburseLoan(ctx context.Context, actor string, loanID snowflake.ID, reference string) (*Loan, error)
	RepayLoan(ctx context.Context, actor string, loanID snowflake.ID, amount decimal.Decimal, reference string) (*Loan, error)
	LoanStanding(ctx context.Context, actor string, loanID snowflake.ID) (*LoanStanding, error)
	OverdueLoans(ctx context.Context, limit int) ([]Loan, error)
}

var (
	ErrAccountExists    = errors.New("account_exists")
	ErrAccountNotFound  = errors.New("account_not_found")
	ErrLoanNotFound     = errors.New("loan_not_found")
	ErrInvalidAccount   = errors.New("invalid_account")
	ErrInvalidLoan      = errors.New("invalid_loan")
	ErrNotAccountOwner  = errors.New("not_account_owner")
	ErrInvalidLoanState = errors.New("invalid_loan_state")
)
