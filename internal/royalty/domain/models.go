package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	revenuedomain "github.com/sautistream/ledgercore/internal/revenue/domain"
	"github.com/shopspring/decimal"
)

type Role string

const (
	RoleArtist         Role = "artist"
	RoleSongwriter     Role = "songwriter"
	RoleProducer       Role = "producer"
	RolePublisher      Role = "publisher"
	RoleComposer       Role = "composer"
	RoleFeaturedArtist Role = "featured_artist"
)

func (r Role) Valid() bool {
	switch r {
	case RoleArtist, RoleSongwriter, RoleProducer, RolePublisher, RoleComposer, RoleFeaturedArtist:
		return true
	default:
		return false
	}
}

type SplitType string

const (
	SplitTypePercentage SplitType = "percentage"
	SplitTypeFixed      SplitType = "fixed"
	SplitTypeHybrid     SplitType = "hybrid"
)

func (t SplitType) Valid() bool {
	switch t {
	case SplitTypePercentage, SplitTypeFixed, SplitTypeHybrid:
		return true
	default:
		return false
	}
}

type SplitStatus string

const (
	SplitStatusPendingApproval SplitStatus = "pending_approval"
	SplitStatusActive          SplitStatus = "active"
	SplitStatusDisputed        SplitStatus = "disputed"
	SplitStatusSuspended       SplitStatus = "suspended"
	SplitStatusTerminated      SplitStatus = "terminated"
)

type PayoutFrequency string

const (
	PayoutFrequencyRealtime  PayoutFrequency = "realtime"
	PayoutFrequencyDaily     PayoutFrequency = "daily"
	PayoutFrequencyWeekly    PayoutFrequency = "weekly"
	PayoutFrequencyMonthly   PayoutFrequency = "monthly"
	PayoutFrequencyQuarterly PayoutFrequency = "quarterly"
)

func (f PayoutFrequency) Valid() bool {
	switch f {
	case PayoutFrequencyRealtime, PayoutFrequencyDaily, PayoutFrequencyWeekly,
		PayoutFrequencyMonthly, PayoutFrequencyQuarterly:
		return true
	default:
		return false
	}
}

// RoyaltySplit is one recipient's contractual share of a song's revenue.
// pending_payout is a running total accumulated by distribution; it becomes a
// ledger credit only when the payout sweep executes it.
type RoyaltySplit struct {
	ID          snowflake.ID `gorm:"primaryKey"`
	SongID      snowflake.ID `gorm:"not null;index"`
	RecipientID snowflake.ID `gorm:"not null;index"`
	Role        Role         `gorm:"type:text;not null"`

	SplitType   SplitType       `gorm:"type:text;not null"`
	Percentage  decimal.Decimal `gorm:"type:decimal(20,4);not null"`
	FixedAmount decimal.Decimal `gorm:"type:decimal(20,4);not null"`

	AppliesToStreams       bool `gorm:"not null"`
	AppliesToDownloads     bool `gorm:"not null"`
	AppliesToDistributions bool `gorm:"not null"`
	AppliesToTips          bool `gorm:"not null"`
	AppliesToSales         bool `gorm:"not null"`

	// TerritorialScope is a comma-separated list of ISO country codes; empty
	// means worldwide.
	TerritorialScope string      `gorm:"type:text;not null"`
	Status           SplitStatus `gorm:"type:text;not null;index"`

	PendingPayout decimal.Decimal `gorm:"type:decimal(20,4);not null"`
	TotalPaidOut  decimal.Decimal `gorm:"type:decimal(20,4);not null"`

	MinimumPayoutAmount decimal.Decimal `gorm:"type:decimal(20,4);not null"`
	PayoutFrequency     PayoutFrequency `gorm:"type:text;not null"`
	MinimumPlays        int64           `gorm:"not null"`
	MinimumRevenue      decimal.Decimal `gorm:"type:decimal(20,4);not null"`
	AutoPayoutEnabled   bool            `gorm:"not null"`
	LastPayoutAt        *time.Time

	EffectiveFrom time.Time `gorm:"not null"`
	ExpiresAt     *time.Time

	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

func (RoyaltySplit) TableName() string { return "royalty_splits" }

// AppliesTo reports whether the split covers the given revenue type.
func (s RoyaltySplit) AppliesTo(t revenuedomain.RevenueType) bool {
	switch t {
	case revenuedomain.RevenueTypeStream:
		return s.AppliesToStreams
	case revenuedomain.RevenueTypeDownload:
		return s.AppliesToDownloads
	case revenuedomain.RevenueTypeDistribution:
		return s.AppliesToDistributions
	case revenuedomain.RevenueTypeTip:
		return s.AppliesToTips
	case revenuedomain.RevenueTypeSale:
		return s.AppliesToSales
	default:
		return false
	}
}

type CreateSplitInput struct {
	SongID      snowflake.ID
	RecipientID snowflake.ID
	Role        Role
	SplitType   SplitType
	Percentage  decimal.Decimal
	FixedAmount decimal.Decimal

	AppliesToStreams       bool
	AppliesToDownloads     bool
	AppliesToDistributions bool
	AppliesToTips          bool
	AppliesToSales         bool

	TerritorialScope string

	MinimumPayoutAmount decimal.Decimal
	PayoutFrequency     PayoutFrequency
	MinimumPlays        int64
	MinimumRevenue      decimal.Decimal
	AutoPayoutEnabled   bool

	EffectiveFrom time.Time
	ExpiresAt     *time.Time
}

// Share is one recipient's computed cut of a distributed accrual.
type Share struct {
	SplitID     snowflake.ID
	RecipientID snowflake.ID
	Role        Role
	Amount      decimal.Decimal
}

// SongSummary aggregates a song's qualifying plays and cumulative revenue.
type SongSummary struct {
	SongID          snowflake.ID
	QualifyingPlays int64
	GrossRevenue    decimal.Decimal
	NetRevenue      decimal.Decimal
}

type Service interface {
	CreateSplit(ctx context.Context, in CreateSplitInput) (*RoyaltySplit, error)
	ApproveSplit(ctx context.Context, id snowflake.ID) (*RoyaltySplit, error)
	SuspendSplit(ctx context.Context, id snowflake.ID) (*RoyaltySplit, error)
	TerminateSplit(ctx context.Context, id snowflake.ID) (*RoyaltySplit, error)
	// Distribute apportions a pending accrual's net amount across the song's
	// active splits and marks the accrual confirmed, all in one transaction.
	// An accrual that is no longer pending returns (nil, nil).
	Distribute(ctx context.Context, accrualID snowflake.ID) ([]Share, error)
	SongSplits(ctx context.Context, songID snowflake.ID) ([]RoyaltySplit, error)
	SongSummary(ctx context.Context, songID snowflake.ID) (*SongSummary, error)
}

var (
	ErrInvalidSplit        = errors.New("invalid_split")
	ErrSplitNotFound       = errors.New("split_not_found")
	ErrSplitOverAllocation = errors.New("split_over_allocation")
	ErrAccrualNotFound     = errors.New("accrual_not_found")
)
