package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
	StatusRefunded   Status = "refunded"
)

// CanTransition reports whether moving from s to next is a legal step:
// pending→processing→{completed|failed|cancelled}, completed→refunded, and
// pending may fail or cancel before processing starts.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusProcessing || next == StatusFailed || next == StatusCancelled
	case StatusProcessing:
		return next == StatusCompleted || next == StatusFailed || next == StatusCancelled
	case StatusCompleted:
		return next == StatusRefunded
	default:
		return false
	}
}

type PayableKind string

const (
	PayableKindTicket       PayableKind = "ticket"
	PayableKindSubscription PayableKind = "subscription"
	PayableKindStoreOrder   PayableKind = "store_order"
)

func (k PayableKind) Valid() bool {
	switch k {
	case PayableKindTicket, PayableKindSubscription, PayableKindStoreOrder:
		return true
	default:
		return false
	}
}

// Payable is the closed set of things a payment can settle. The unexported
// method keeps the union sealed to this package.
type Payable interface {
	Kind() PayableKind
	TargetID() snowflake.ID
	sealed()
}

type PayableTicket struct{ TicketID snowflake.ID }

func (p PayableTicket) Kind() PayableKind      { return PayableKindTicket }
func (p PayableTicket) TargetID() snowflake.ID { return p.TicketID }
func (PayableTicket) sealed()                  {}

type PayableSubscription struct{ SubscriptionID snowflake.ID }

func (p PayableSubscription) Kind() PayableKind      { return PayableKindSubscription }
func (p PayableSubscription) TargetID() snowflake.ID { return p.SubscriptionID }
func (PayableSubscription) sealed()                  {}

type PayableStoreOrder struct{ OrderID snowflake.ID }

func (p PayableStoreOrder) Kind() PayableKind      { return PayableKindStoreOrder }
func (p PayableStoreOrder) TargetID() snowflake.ID { return p.OrderID }
func (PayableStoreOrder) sealed()                  {}

// NewPayable rebuilds the union from its stored kind and id.
func NewPayable(kind PayableKind, targetID snowflake.ID) (Payable, error) {
	switch kind {
	case PayableKindTicket:
		return PayableTicket{TicketID: targetID}, nil
	case PayableKindSubscription:
		return PayableSubscription{SubscriptionID: targetID}, nil
	case PayableKindStoreOrder:
		return PayableStoreOrder{OrderID: targetID}, nil
	default:
		return nil, ErrInvalidPayment
	}
}

// Confirmer is implemented by the module owning a payable target. On
// completion the payment service calls it so a pending reservation (ticket,
// subscription, order) confirms itself.
type Confirmer interface {
	Confirm(ctx context.Context, payable Payable) error
}

// Payment is a read-only view of one external payment. Its guarded fields
// (status, amount, provider identifiers, timestamps) change only through the
// service's transition methods; nothing outside the repository can write them.
type Payment struct {
	id                    snowflake.ID
	userID                snowflake.ID
	payableKind           PayableKind
	payableID             snowflake.ID
	status                Status
	amount                decimal.Decimal
	currency              string
	provider              string
	providerTransactionID string
	failureReason         string
	reference             string
	initiatedAt           *time.Time
	completedAt           *time.Time
	failedAt              *time.Time
	refundedAt            *time.Time
	createdAt             time.Time
	updatedAt             time.Time
}

func (p *Payment) ID() snowflake.ID              { return p.id }
func (p *Payment) UserID() snowflake.ID          { return p.userID }
func (p *Payment) PayableKind() PayableKind      { return p.payableKind }
func (p *Payment) PayableID() snowflake.ID       { return p.payableID }
func (p *Payment) Status() Status                { return p.status }
func (p *Payment) Amount() decimal.Decimal       { return p.amount }
func (p *Payment) Currency() string              { return p.currency }
func (p *Payment) Provider() string              { return p.provider }
func (p *Payment) ProviderTransactionID() string { return p.providerTransactionID }
func (p *Payment) FailureReason() string         { return p.failureReason }
func (p *Payment) Reference() string             { return p.reference }
func (p *Payment) InitiatedAt() *time.Time       { return p.initiatedAt }
func (p *Payment) CompletedAt() *time.Time       { return p.completedAt }
func (p *Payment) FailedAt() *time.Time          { return p.failedAt }
func (p *Payment) RefundedAt() *time.Time        { return p.refundedAt }
func (p *Payment) CreatedAt() time.Time          { return p.createdAt }
func (p *Payment) UpdatedAt() time.Time          { return p.updatedAt }

// Payable rebuilds the payment's target union value.
func (p *Payment) Payable() (Payable, error) {
	return NewPayable(p.payableKind, p.payableID)
}

// Record carries one payment's stored fields between the repository and the
// read-only view. It exists so the repository can hydrate a Payment without
// the guarded fields being writable anywhere else.
type Record struct {
	ID                    snowflake.ID
	UserID                snowflake.ID
	PayableKind           PayableKind
	PayableID             snowflake.ID
	Status                Status
	Amount                decimal.Decimal
	Currency              string
	Provider              string
	ProviderTransactionID string
	FailureReason         string
	Reference             string
	InitiatedAt           *time.Time
	CompletedAt           *time.Time
	FailedAt              *time.Time
	RefundedAt            *time.Time
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

func NewPaymentView(rec Record) *Payment {
	return &Payment{
		id:                    rec.ID,
		userID:                rec.UserID,
		payableKind:           rec.PayableKind,
		payableID:             rec.PayableID,
		status:                rec.Status,
		amount:                rec.Amount,
		currency:              rec.Currency,
		provider:              rec.Provider,
		providerTransactionID: rec.ProviderTransactionID,
		failureReason:         rec.FailureReason,
		reference:             rec.Reference,
		initiatedAt:           rec.InitiatedAt,
		completedAt:           rec.CompletedAt,
		failedAt:              rec.FailedAt,
		refundedAt:            rec.RefundedAt,
		createdAt:             rec.CreatedAt,
		updatedAt:             rec.UpdatedAt,
	}
}

type CreateInput struct {
	UserID   snowflake.ID
	Payable  Payable
	Amount   decimal.Decimal
	Currency string
	Provider string
	// Reference is the caller-supplied idempotency key. A retry with the same
	// reference returns the existing payment instead of charging twice.
	Reference string
}

type Service interface {
	Create(ctx context.Context, in CreateInput) (*Payment, error)
	Get(ctx context.Context, id snowflake.ID) (*Payment, error)
	MarkProcessing(ctx context.Context, id snowflake.ID) (*Payment, error)
	// MarkCompleted records the provider outcome and asks the payable target
	// to confirm itself.
	MarkCompleted(ctx context.Context, id snowflake.ID, providerRef string, providerData map[string]any) (*Payment, error)
	MarkFailed(ctx context.Context, id snowflake.ID, reason string) (*Payment, error)
	MarkCancelled(ctx context.Context, id snowflake.ID) (*Payment, error)
	// MarkRefunded flips a completed payment only. It does not reverse the
	// underlying ledger entry; callers issue the refund entry separately.
	MarkRefunded(ctx context.Context, id snowflake.ID) (*Payment, error)
}

var (
	ErrInvalidPayment         = errors.New("invalid_payment")
	ErrPaymentNotFound        = errors.New("payment_not_found")
	ErrDuplicateReference     = errors.New("duplicate_reference")
	ErrInvalidStateTransition = errors.New("invalid_state_transition")
)
