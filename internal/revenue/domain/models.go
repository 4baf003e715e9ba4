package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

type RevenueType string

const (
	RevenueTypeStream       RevenueType = "stream"
	RevenueTypeDownload     RevenueType = "download"
	RevenueTypeDistribution RevenueType = "distribution"
	RevenueTypeTip          RevenueType = "tip"
	RevenueTypeSale         RevenueType = "sale"
)

func (t RevenueType) Valid() bool {
	switch t {
	case RevenueTypeStream, RevenueTypeDownload, RevenueTypeDistribution, RevenueTypeTip, RevenueTypeSale:
		return true
	default:
		return false
	}
}

type AccrualStatus string

const (
	AccrualStatusPending   AccrualStatus = "pending"
	AccrualStatusConfirmed AccrualStatus = "confirmed"
	AccrualStatusPaid      AccrualStatus = "paid"
)

// RevenueAccrual is a tentative revenue record. It enters the system as
// pending and only becomes payable once confirmed by distribution; it is
// never reflected in a wallet until the payout sweep credits it.
type RevenueAccrual struct {
	ID          snowflake.ID    `gorm:"primaryKey"`
	SongID      snowflake.ID    `gorm:"not null;index"`
	ArtistID    snowflake.ID    `gorm:"not null;index"`
	RevenueType RevenueType     `gorm:"type:text;not null"`
	GrossAmount decimal.Decimal `gorm:"type:decimal(20,4);not null"`
	PlatformFee decimal.Decimal `gorm:"type:decimal(20,4);not null"`
	NetAmount   decimal.Decimal `gorm:"type:decimal(20,4);not null"`
	Status      AccrualStatus   `gorm:"type:text;not null;index"`
	Territory   string          `gorm:"type:text;not null"`
	Reference   string          `gorm:"type:text;not null;uniqueIndex:ux_revenue_accruals_reference"`
	RevenueDate time.Time       `gorm:"not null"`
	// FlaggedAt marks an accrual that distribution refused to process (for
	// example an over-allocated song). Flagged rows wait for an operator
	// instead of being retried every sweep.
	FlaggedAt *time.Time `gorm:"index"`
	CreatedAt time.Time  `gorm:"not null"`
	UpdatedAt time.Time  `gorm:"not null"`
}

func (RevenueAccrual) TableName() string { return "revenue_accruals" }

// PlayEvent is the staging queue row for a tracked play. Rows are written on
// the hot path and drained into accruals by the background scheduler, so a
// failed drain is retried rather than lost.
type PlayEvent struct {
	ID              snowflake.ID `gorm:"primaryKey"`
	SongID          snowflake.ID `gorm:"not null;index"`
	ArtistID        snowflake.ID `gorm:"not null"`
	ListenerID      snowflake.ID `gorm:"not null"`
	PremiumListener bool         `gorm:"not null"`
	Country         string       `gorm:"type:text;not null"`
	ListenedSeconds int          `gorm:"not null"`
	DurationSeconds int          `gorm:"not null"`
	Reference       string       `gorm:"type:text;not null;uniqueIndex:ux_play_events_reference"`
	EnqueuedAt      time.Time    `gorm:"not null"`
	ProcessedAt     *time.Time   `gorm:"index"`
}

func (PlayEvent) TableName() string { return "play_events" }

// PlayInput describes one tracked play reported by the play-tracking collaborator.
type PlayInput struct {
	SongID          snowflake.ID
	ArtistID        snowflake.ID
	ListenerID      snowflake.ID
	PremiumListener bool
	Country         string
	ListenedSeconds int
	DurationSeconds int
	Reference       string
}

// DirectInput records non-play revenue (tips, sales, distribution income).
type DirectInput struct {
	SongID      snowflake.ID
	ArtistID    snowflake.ID
	RevenueType RevenueType
	GrossAmount decimal.Decimal
	Territory   string
	Reference   string
}

type Service interface {
	// Enqueue stages a play for asynchronous accrual. Re-enqueueing the same
	// reference is a no-op.
	Enqueue(ctx context.Context, in PlayInput) error
	// AccruePlay converts one qualifying play into a pending accrual. An
	// unqualified play returns (nil, nil).
	AccruePlay(ctx context.Context, in PlayInput) (*RevenueAccrual, error)
	// DrainPlays processes up to batchSize staged plays and returns how many
	// rows were handled.
	DrainPlays(ctx context.Context, batchSize int) (int, error)
	RecordDirect(ctx context.Context, in DirectInput) (*RevenueAccrual, error)
	PendingAccruals(ctx context.Context, limit int) ([]RevenueAccrual, error)
	// MarkPaid flips the artist's confirmed accruals to paid after a payout sweep.
	MarkPaid(ctx context.Context, artistID snowflake.ID) (int, error)
}

var (
	ErrInvalidPlay      = errors.New("invalid_play")
	ErrInvalidRevenue   = errors.New("invalid_revenue")
	ErrInvalidReference = errors.New("invalid_reference")
)
