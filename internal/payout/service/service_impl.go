package service

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/oklog/ulid/v2"
	"github.com/sautistream/ledgercore/internal/authorization"
	"github.com/sautistream/ledgercore/internal/clock"
	"github.com/sautistream/ledgercore/internal/config"
	ledgerdomain "github.com/sautistream/ledgercore/internal/ledger/domain"
	obsmetrics "github.com/sautistream/ledgercore/internal/observability/metrics"
	payoutdomain "github.com/sautistream/ledgercore/internal/payout/domain"
	revenuedomain "github.com/sautistream/ledgercore/internal/revenue/domain"
	royaltydomain "github.com/sautistream/ledgercore/internal/royalty/domain"
	"github.com/shopspring/decimal"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	Clock      clock.Clock
	Cfg        config.Config
	Ledger     ledgerdomain.Service
	Revenue    revenuedomain.Service
	Authz      authorization.Service
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db             *gorm.DB
	log            *zap.Logger
	clock          clock.Clock
	defaultMinimum decimal.Decimal
	ledger         ledgerdomain.Service
	revenue        revenuedomain.Service
	authz          authorization.Service
	obsMetrics     *obsmetrics.Metrics
}

func NewService(p Params) payoutdomain.Service {
	return &Service{
		db:             p.DB,
		log:            p.Log.Named("payout.service"),
		clock:          p.Clock,
		defaultMinimum: p.Cfg.Payout.DefaultMinimumAmount,
		ledger:         p.Ledger,
		revenue:        p.Revenue,
		authz:          p.Authz,
		obsMetrics:     p.ObsMetrics,
	}
}

func (s *Service) FindDueRecipients(ctx context.Context, limit int) ([]royaltydomain.RoyaltySplit, error) {
	if limit <= 0 {
		limit = 500
	}

	// Decimals are stored as text, so the threshold comparison happens in Go
	// rather than in SQL.
	var candidates []royaltydomain.RoyaltySplit
	if err := s.db.WithContext(ctx).
		Where("status = ?", royaltydomain.SplitStatusActive).
		Order("id ASC").
		Limit(limit).
		Find(&candidates).Error; err != nil {
		return nil, err
	}

	now := s.clock.Now()
	due := make([]royaltydomain.RoyaltySplit, 0, len(candidates))
	for _, split := range candidates {
		if s.due(split, now) {
			due = append(due, split)
		}
	}
	return due, nil
}

func (s *Service) ExecutePayout(ctx context.Context, actor string, splitID snowflake.ID) (*ledgerdomain.LedgerEntry, error) {
	if err := s.authz.Authorize(ctx, actor, authorization.ObjectPayout, authorization.ActionPayoutExecute); err != nil {
		return nil, err
	}

	var entry *ledgerdomain.LedgerEntry
	var recipientID snowflake.ID

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var split royaltydomain.RoyaltySplit
		query := tx
		switch tx.Dialector.Name() {
		case "postgres", "mysql":
			query = tx.Clauses(clause.Locking{Strength: "UPDATE"})
		}
		if err := query.Where("id = ?", splitID).Take(&split).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return royaltydomain.ErrSplitNotFound
			}
			return err
		}

		amount := split.PendingPayout
		if !amount.IsPositive() {
			return nil
		}

		now := s.clock.Now()
		reference := "payout:" + ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String()

		recorded, err := s.ledger.WithTx(tx).Record(ctx, ledgerdomain.RecordInput{
			OwnerID:   split.RecipientID,
			Kind:      ledgerdomain.KindStreamRevenue,
			Amount:    amount,
			Source:    "royalty_payout",
			Reference: reference,
			Metadata: map[string]any{
				"split_id": split.ID.String(),
				"song_id":  split.SongID.String(),
				"role":     string(split.Role),
			},
		})
		if err != nil && !errors.Is(err, ledgerdomain.ErrDuplicateReference) {
			return err
		}

		// Zeroing pending_payout in the same transaction as the credit is what
		// makes a re-run of the sweep pay nobody twice.
		if err := tx.Model(&royaltydomain.RoyaltySplit{}).
			Where("id = ?", split.ID).
			Updates(map[string]any{
				"pending_payout": decimal.Zero,
				"total_paid_out": split.TotalPaidOut.Add(amount),
				"last_payout_at": now,
				"updated_at":     now,
			}).Error; err != nil {
			return err
		}

		entry = recorded
		recipientID = split.RecipientID
		return nil
	})
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, nil
	}

	// Confirmed accruals owned by this recipient as an artist are now paid.
	if _, err := s.revenue.MarkPaid(ctx, recipientID); err != nil && !errors.Is(err, revenuedomain.ErrInvalidRevenue) {
		s.log.Warn("failed to mark accruals paid after payout",
			zap.Int64("recipient_id", recipientID.Int64()),
			zap.Error(err),
		)
	}

	if s.obsMetrics != nil {
		s.obsMetrics.RecordPayout(ctx)
	}
	s.log.Info("payout executed",
		zap.Int64("split_id", splitID.Int64()),
		zap.Int64("recipient_id", recipientID.Int64()),
		zap.String("amount", entry.Amount.String()),
	)
	return entry, nil
}

func (s *Service) RunSweep(ctx context.Context, actor string) (*payoutdomain.SweepResult, error) {
	due, err := s.FindDueRecipients(ctx, 0)
	if err != nil {
		return nil, err
	}

	result := payoutdomain.SweepResult{
		Examined:  len(due),
		TotalPaid: decimal.Zero,
	}
	var sweepErr error
	for _, split := range due {
		if ctx.Err() != nil {
			sweepErr = errors.Join(sweepErr, ctx.Err())
			break
		}
		entry, err := s.ExecutePayout(ctx, actor, split.ID)
		if err != nil {
			sweepErr = errors.Join(sweepErr, err)
			s.log.Warn("payout failed, recipient stays pending",
				zap.Int64("split_id", split.ID.Int64()),
				zap.Error(err),
			)
			continue
		}
		if entry != nil {
			result.Paid++
			result.TotalPaid = result.TotalPaid.Add(entry.Amount)
		}
	}
	return &result, sweepErr
}

// due applies the payout policy: the pending amount must reach the effective
// minimum, and either auto payout is on or the split has gone stale for its
// configured frequency.
func (s *Service) due(split royaltydomain.RoyaltySplit, now time.Time) bool {
	minimum := split.MinimumPayoutAmount
	if minimum.IsZero() {
		minimum = s.defaultMinimum
	}
	if split.PendingPayout.LessThan(minimum) {
		return false
	}
	if split.AutoPayoutEnabled {
		return true
	}
	if split.LastPayoutAt == nil {
		return true
	}
	return !now.Before(nextPayoutAfter(*split.LastPayoutAt, split.PayoutFrequency))
}

func nextPayoutAfter(last time.Time, frequency royaltydomain.PayoutFrequency) time.Time {
	switch frequency {
	case royaltydomain.PayoutFrequencyRealtime:
		return last.Add(5 * time.Minute)
	case royaltydomain.PayoutFrequencyDaily:
		return last.AddDate(0, 0, 1)
	case royaltydomain.PayoutFrequencyWeekly:
		return last.AddDate(0, 0, 7)
	case royaltydomain.PayoutFrequencyQuarterly:
		return last.AddDate(0, 3, 0)
	default: // monthly
		return last.AddDate(0, 1, 0)
	}
}
