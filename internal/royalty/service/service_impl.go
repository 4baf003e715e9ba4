package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/sautistream/ledgercore/internal/clock"
	obsmetrics "github.com/sautistream/ledgercore/internal/observability/metrics"
	revenuedomain "github.com/sautistream/ledgercore/internal/revenue/domain"
	royaltydomain "github.com/sautistream/ledgercore/internal/royalty/domain"
	"github.com/shopspring/decimal"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var oneHundred = decimal.NewFromInt(100)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) royaltydomain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("royalty.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		obsMetrics: p.ObsMetrics,
	}
}

func (s *Service) CreateSplit(ctx context.Context, in royaltydomain.CreateSplitInput) (*royaltydomain.RoyaltySplit, error) {
	if err := validateSplitInput(&in); err != nil {
		return nil, err
	}

	now := s.clock.Now()
	effective := in.EffectiveFrom
	if effective.IsZero() {
		effective = now
	}

	split := royaltydomain.RoyaltySplit{
		ID:          s.genID.Generate(),
		SongID:      in.SongID,
		RecipientID: in.RecipientID,
		Role:        in.Role,

		SplitType:   in.SplitType,
		Percentage:  in.Percentage,
		FixedAmount: in.FixedAmount,

		AppliesToStreams:       in.AppliesToStreams,
		AppliesToDownloads:     in.AppliesToDownloads,
		AppliesToDistributions: in.AppliesToDistributions,
		AppliesToTips:          in.AppliesToTips,
		AppliesToSales:         in.AppliesToSales,

		TerritorialScope: normalizeScope(in.TerritorialScope),
		Status:           royaltydomain.SplitStatusPendingApproval,

		PendingPayout: decimal.Zero,
		TotalPaidOut:  decimal.Zero,

		MinimumPayoutAmount: in.MinimumPayoutAmount,
		PayoutFrequency:     in.PayoutFrequency,
		MinimumPlays:        in.MinimumPlays,
		MinimumRevenue:      in.MinimumRevenue,
		AutoPayoutEnabled:   in.AutoPayoutEnabled,

		EffectiveFrom: effective,
		ExpiresAt:     in.ExpiresAt,

		CreatedAt: now,
		UpdatedAt: now,
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Both pending and active splits count against the song's percentage
		// budget, so an over-allocated contract is rejected before approval.
		exposure, err := s.percentageExposure(tx, in.SongID,
			royaltydomain.SplitStatusPendingApproval, royaltydomain.SplitStatusActive)
		if err != nil {
			return err
		}
		if split.SplitType != royaltydomain.SplitTypeFixed {
			if exposure.Add(split.Percentage).GreaterThan(oneHundred) {
				return royaltydomain.ErrSplitOverAllocation
			}
		}
		return tx.Create(&split).Error
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("royalty split created",
		zap.Int64("split_id", split.ID.Int64()),
		zap.Int64("song_id", split.SongID.Int64()),
		zap.String("role", string(split.Role)),
		zap.String("split_type", string(split.SplitType)),
	)
	return &split, nil
}

func (s *Service) ApproveSplit(ctx context.Context, id snowflake.ID) (*royaltydomain.RoyaltySplit, error) {
	return s.transition(ctx, id, func(tx *gorm.DB, split *royaltydomain.RoyaltySplit) error {
		switch split.Status {
		case royaltydomain.SplitStatusActive:
			return nil
		case royaltydomain.SplitStatusPendingApproval, royaltydomain.SplitStatusSuspended:
		default:
			return royaltydomain.ErrInvalidSplit
		}

		if split.SplitType != royaltydomain.SplitTypeFixed {
			exposure, err := s.percentageExposure(tx, split.SongID, royaltydomain.SplitStatusActive)
			if err != nil {
				return err
			}
			if exposure.Add(split.Percentage).GreaterThan(oneHundred) {
				return royaltydomain.ErrSplitOverAllocation
			}
		}

		split.Status = royaltydomain.SplitStatusActive
		return nil
	})
}

func (s *Service) SuspendSplit(ctx context.Context, id snowflake.ID) (*royaltydomain.RoyaltySplit, error) {
	return s.transition(ctx, id, func(_ *gorm.DB, split *royaltydomain.RoyaltySplit) error {
		switch split.Status {
		case royaltydomain.SplitStatusSuspended:
			return nil
		case royaltydomain.SplitStatusActive, royaltydomain.SplitStatusDisputed, royaltydomain.SplitStatusPendingApproval:
		default:
			return royaltydomain.ErrInvalidSplit
		}
		split.Status = royaltydomain.SplitStatusSuspended
		return nil
	})
}

func (s *Service) TerminateSplit(ctx context.Context, id snowflake.ID) (*royaltydomain.RoyaltySplit, error) {
	return s.transition(ctx, id, func(_ *gorm.DB, split *royaltydomain.RoyaltySplit) error {
		if split.Status == royaltydomain.SplitStatusTerminated {
			return nil
		}
		split.Status = royaltydomain.SplitStatusTerminated
		return nil
	})
}

func (s *Service) Distribute(ctx context.Context, accrualID snowflake.ID) ([]royaltydomain.Share, error) {
	var shares []royaltydomain.Share

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var accrual revenuedomain.RevenueAccrual
		if err := lockForUpdate(tx).
			Where("id = ?", accrualID).
			Take(&accrual).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return royaltydomain.ErrAccrualNotFound
			}
			return err
		}
		if accrual.Status != revenuedomain.AccrualStatusPending || accrual.FlaggedAt != nil {
			return nil
		}

		var splits []royaltydomain.RoyaltySplit
		if err := lockForUpdate(tx).
			Where("song_id = ? AND status = ?", accrual.SongID, royaltydomain.SplitStatusActive).
			Order("id ASC").
			Find(&splits).Error; err != nil {
			return err
		}

		// Write-time validation should make this unreachable; re-check here so
		// a bad contract state fails closed instead of overpaying.
		exposure := decimal.Zero
		for _, split := range splits {
			if split.SplitType != royaltydomain.SplitTypeFixed {
				exposure = exposure.Add(split.Percentage)
			}
		}
		if exposure.GreaterThan(oneHundred) {
			return royaltydomain.ErrSplitOverAllocation
		}

		summary, err := songSummary(tx, accrual.SongID)
		if err != nil {
			return err
		}

		now := s.clock.Now()
		for i := range splits {
			split := &splits[i]
			if !s.eligible(*split, accrual, *summary, now) {
				continue
			}

			amount := shareAmount(*split, accrual.NetAmount)
			if !amount.IsPositive() {
				continue
			}

			if err := tx.Model(&royaltydomain.RoyaltySplit{}).
				Where("id = ?", split.ID).
				Updates(map[string]any{
					"pending_payout": split.PendingPayout.Add(amount),
					"updated_at":     now,
				}).Error; err != nil {
				return err
			}

			shares = append(shares, royaltydomain.Share{
				SplitID:     split.ID,
				RecipientID: split.RecipientID,
				Role:        split.Role,
				Amount:      amount,
			})
		}

		return tx.Model(&revenuedomain.RevenueAccrual{}).
			Where("id = ? AND status = ?", accrual.ID, revenuedomain.AccrualStatusPending).
			Updates(map[string]any{
				"status":     revenuedomain.AccrualStatusConfirmed,
				"updated_at": now,
			}).Error
	})

	if errors.Is(err, royaltydomain.ErrSplitOverAllocation) {
		s.flagAccrual(ctx, accrualID)
		return nil, err
	}
	if err != nil {
		return nil, err
	}

	if len(shares) > 0 && s.obsMetrics != nil {
		s.obsMetrics.RecordDistribution(ctx, len(shares))
	}
	return shares, nil
}

func (s *Service) SongSplits(ctx context.Context, songID snowflake.ID) ([]royaltydomain.RoyaltySplit, error) {
	var splits []royaltydomain.RoyaltySplit
	err := s.db.WithContext(ctx).
		Where("song_id = ?", songID).
		Order("created_at ASC, id ASC").
		Find(&splits).Error
	return splits, err
}

func (s *Service) SongSummary(ctx context.Context, songID snowflake.ID) (*royaltydomain.SongSummary, error) {
	return songSummary(s.db.WithContext(ctx), songID)
}

// transition loads the split under lock, applies mutate, and persists the
// status change. mutate leaving the status unchanged is treated as an
// idempotent no-op.
func (s *Service) transition(
	ctx context.Context,
	id snowflake.ID,
	mutate func(tx *gorm.DB, split *royaltydomain.RoyaltySplit) error,
) (*royaltydomain.RoyaltySplit, error) {
	var split royaltydomain.RoyaltySplit

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := lockForUpdate(tx).
			Where("id = ?", id).
			Take(&split).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return royaltydomain.ErrSplitNotFound
			}
			return err
		}

		before := split.Status
		if err := mutate(tx, &split); err != nil {
			return err
		}
		if split.Status == before {
			return nil
		}

		split.UpdatedAt = s.clock.Now()
		return tx.Model(&royaltydomain.RoyaltySplit{}).
			Where("id = ?", split.ID).
			Updates(map[string]any{
				"status":     split.Status,
				"updated_at": split.UpdatedAt,
			}).Error
	})
	if err != nil {
		return nil, err
	}
	return &split, nil
}

func (s *Service) eligible(
	split royaltydomain.RoyaltySplit,
	accrual revenuedomain.RevenueAccrual,
	summary royaltydomain.SongSummary,
	now time.Time,
) bool {
	if now.Before(split.EffectiveFrom) {
		return false
	}
	if split.ExpiresAt != nil && !now.Before(*split.ExpiresAt) {
		return false
	}
	if !split.AppliesTo(accrual.RevenueType) {
		return false
	}
	if !matchesTerritory(split.TerritorialScope, accrual.Territory) {
		return false
	}
	// Threshold gating is on the song's cumulative totals, not this accrual.
	if split.MinimumPlays > 0 && summary.QualifyingPlays < split.MinimumPlays {
		return false
	}
	if split.MinimumRevenue.IsPositive() && summary.GrossRevenue.LessThan(split.MinimumRevenue) {
		return false
	}
	return true
}

func (s *Service) flagAccrual(ctx context.Context, accrualID snowflake.ID) {
	now := s.clock.Now()
	if err := s.db.WithContext(ctx).Model(&revenuedomain.RevenueAccrual{}).
		Where("id = ? AND flagged_at IS NULL", accrualID).
		Update("flagged_at", now).Error; err != nil {
		s.log.Error("failed to flag over-allocated accrual",
			zap.Int64("accrual_id", accrualID.Int64()),
			zap.Error(err),
		)
		return
	}
	s.log.Error("song splits exceed 100%, accrual flagged for review",
		zap.Int64("accrual_id", accrualID.Int64()),
	)
}

// percentageExposure sums the committed percentage of the song's non-fixed
// splits in the given statuses. Amounts are summed in Go so decimals stored as
// text stay exact.
func (s *Service) percentageExposure(
	tx *gorm.DB,
	songID snowflake.ID,
	statuses ...royaltydomain.SplitStatus,
) (decimal.Decimal, error) {
	var splits []royaltydomain.RoyaltySplit
	if err := lockForUpdate(tx).
		Where("song_id = ? AND status IN ? AND split_type <> ?",
			songID, statuses, royaltydomain.SplitTypeFixed).
		Find(&splits).Error; err != nil {
		return decimal.Zero, err
	}

	total := decimal.Zero
	for _, split := range splits {
		total = total.Add(split.Percentage)
	}
	return total, nil
}

// shareAmount computes one split's cut of the accrual's net pool. Fixed
// amounts are capped at the pool; hybrid takes the lesser of its two legs.
func shareAmount(split royaltydomain.RoyaltySplit, net decimal.Decimal) decimal.Decimal {
	percentageShare := net.Mul(split.Percentage).Div(oneHundred).Round(4)
	fixedShare := decimal.Min(split.FixedAmount, net)

	switch split.SplitType {
	case royaltydomain.SplitTypePercentage:
		return percentageShare
	case royaltydomain.SplitTypeFixed:
		return fixedShare
	case royaltydomain.SplitTypeHybrid:
		return decimal.Min(percentageShare, fixedShare)
	default:
		return decimal.Zero
	}
}

func songSummary(tx *gorm.DB, songID snowflake.ID) (*royaltydomain.SongSummary, error) {
	var accruals []revenuedomain.RevenueAccrual
	if err := tx.
		Where("song_id = ?", songID).
		Find(&accruals).Error; err != nil {
		return nil, err
	}

	summary := royaltydomain.SongSummary{
		SongID:       songID,
		GrossRevenue: decimal.Zero,
		NetRevenue:   decimal.Zero,
	}
	for _, accrual := range accruals {
		if accrual.RevenueType == revenuedomain.RevenueTypeStream {
			summary.QualifyingPlays++
		}
		summary.GrossRevenue = summary.GrossRevenue.Add(accrual.GrossAmount)
		summary.NetRevenue = summary.NetRevenue.Add(accrual.NetAmount)
	}
	return &summary, nil
}

func matchesTerritory(scope, territory string) bool {
	scope = strings.TrimSpace(scope)
	if scope == "" || strings.EqualFold(scope, "worldwide") {
		return true
	}
	for _, code := range strings.Split(scope, ",") {
		if strings.EqualFold(strings.TrimSpace(code), strings.TrimSpace(territory)) {
			return true
		}
	}
	return false
}

func normalizeScope(scope string) string {
	scope = strings.TrimSpace(scope)
	if strings.EqualFold(scope, "worldwide") {
		return ""
	}
	codes := make([]string, 0, 4)
	for _, code := range strings.Split(scope, ",") {
		code = strings.ToUpper(strings.TrimSpace(code))
		if code != "" {
			codes = append(codes, code)
		}
	}
	return strings.Join(codes, ",")
}

func validateSplitInput(in *royaltydomain.CreateSplitInput) error {
	if in.SongID == 0 || in.RecipientID == 0 {
		return royaltydomain.ErrInvalidSplit
	}
	if !in.Role.Valid() || !in.SplitType.Valid() {
		return royaltydomain.ErrInvalidSplit
	}

	switch in.SplitType {
	case royaltydomain.SplitTypePercentage:
		if !in.Percentage.IsPositive() || in.Percentage.GreaterThan(oneHundred) {
			return royaltydomain.ErrInvalidSplit
		}
		in.FixedAmount = decimal.Zero
	case royaltydomain.SplitTypeFixed:
		if !in.FixedAmount.IsPositive() {
			return royaltydomain.ErrInvalidSplit
		}
		in.Percentage = decimal.Zero
	case royaltydomain.SplitTypeHybrid:
		if !in.Percentage.IsPositive() || in.Percentage.GreaterThan(oneHundred) {
			return royaltydomain.ErrInvalidSplit
		}
		if !in.FixedAmount.IsPositive() {
			return royaltydomain.ErrInvalidSplit
		}
	}

	if in.PayoutFrequency == "" {
		in.PayoutFrequency = royaltydomain.PayoutFrequencyMonthly
	}
	if !in.PayoutFrequency.Valid() {
		return royaltydomain.ErrInvalidSplit
	}
	if in.MinimumPlays < 0 || in.MinimumRevenue.IsNegative() || in.MinimumPayoutAmount.IsNegative() {
		return royaltydomain.ErrInvalidSplit
	}
	return nil
}

func lockForUpdate(tx *gorm.DB) *gorm.DB {
	switch tx.Dialector.Name() {
	case "postgres", "mysql":
		return tx.Clauses(clause.Locking{Strength: "UPDATE"})
	default:
		return tx
	}
}
