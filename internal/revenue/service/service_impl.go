package service

import (
	"context"
	"errors"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/sautistream/ledgercore/internal/clock"
	"github.com/sautistream/ledgercore/internal/config"
	obsmetrics "github.com/sautistream/ledgercore/internal/observability/metrics"
	revenuedomain "github.com/sautistream/ledgercore/internal/revenue/domain"
	"github.com/shopspring/decimal"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Cfg        config.Config
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	cfg        config.RevenueConfig
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) revenuedomain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("revenue.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		cfg:        p.Cfg.Revenue,
		obsMetrics: p.ObsMetrics,
	}
}

func (s *Service) Enqueue(ctx context.Context, in revenuedomain.PlayInput) error {
	if err := validatePlay(&in); err != nil {
		return err
	}

	event := revenuedomain.PlayEvent{
		ID:              s.genID.Generate(),
		SongID:          in.SongID,
		ArtistID:        in.ArtistID,
		ListenerID:      in.ListenerID,
		PremiumListener: in.PremiumListener,
		Country:         in.Country,
		ListenedSeconds: in.ListenedSeconds,
		DurationSeconds: in.DurationSeconds,
		Reference:       in.Reference,
		EnqueuedAt:      s.clock.Now(),
	}
	err := s.db.WithContext(ctx).Create(&event).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return nil
	}
	return err
}

// qualifies reports whether a play earns revenue: it must reach the configured
// minimum listen seconds or the configured share of the track's duration.
func (s *Service) qualifies(in revenuedomain.PlayInput) bool {
	if in.ListenedSeconds >= s.cfg.MinListenSeconds {
		return true
	}
	if in.DurationSeconds <= 0 {
		return false
	}
	listened := decimal.NewFromInt(int64(in.ListenedSeconds))
	duration := decimal.NewFromInt(int64(in.DurationSeconds))
	return listened.GreaterThanOrEqual(duration.Mul(s.cfg.MinListenRatio))
}

func (s *Service) AccruePlay(ctx context.Context, in revenuedomain.PlayInput) (*revenuedomain.RevenueAccrual, error) {
	if err := validatePlay(&in); err != nil {
		return nil, err
	}
	if !s.qualifies(in) {
		return nil, nil
	}

	gross := s.streamRate(in)
	return s.createAccrual(ctx, accrualSeed{
		songID:      in.SongID,
		artistID:    in.ArtistID,
		revenueType: revenuedomain.RevenueTypeStream,
		gross:       gross,
		territory:   in.Country,
		reference:   "play:" + in.Reference,
	})
}

func (s *Service) DrainPlays(ctx context.Context, batchSize int) (int, error) {
	if batchSize <= 0 {
		batchSize = 100
	}

	var events []revenuedomain.PlayEvent
	if err := s.db.WithContext(ctx).
		Where("processed_at IS NULL").
		Order("enqueued_at ASC, id ASC").
		Limit(batchSize).
		Find(&events).Error; err != nil {
		return 0, err
	}

	processed := 0
	var drainErr error
	for _, event := range events {
		if ctx.Err() != nil {
			drainErr = errors.Join(drainErr, ctx.Err())
			break
		}

		_, err := s.AccruePlay(ctx, revenuedomain.PlayInput{
			SongID:          event.SongID,
			ArtistID:        event.ArtistID,
			ListenerID:      event.ListenerID,
			PremiumListener: event.PremiumListener,
			Country:         event.Country,
			ListenedSeconds: event.ListenedSeconds,
			DurationSeconds: event.DurationSeconds,
			Reference:       event.Reference,
		})
		if err != nil {
			drainErr = errors.Join(drainErr, err)
			s.log.Warn("play accrual failed, will retry",
				zap.String("play_reference", event.Reference),
				zap.Error(err),
			)
			continue
		}

		now := s.clock.Now()
		if err := s.db.WithContext(ctx).Model(&revenuedomain.PlayEvent{}).
			Where("id = ? AND processed_at IS NULL", event.ID).
			Update("processed_at", now).Error; err != nil {
			drainErr = errors.Join(drainErr, err)
			continue
		}
		processed++
	}

	return processed, drainErr
}

func (s *Service) RecordDirect(ctx context.Context, in revenuedomain.DirectInput) (*revenuedomain.RevenueAccrual, error) {
	if in.SongID == 0 || in.ArtistID == 0 {
		return nil, revenuedomain.ErrInvalidRevenue
	}
	if !in.RevenueType.Valid() || in.RevenueType == revenuedomain.RevenueTypeStream {
		return nil, revenuedomain.ErrInvalidRevenue
	}
	if !in.GrossAmount.IsPositive() {
		return nil, revenuedomain.ErrInvalidRevenue
	}
	reference := strings.TrimSpace(in.Reference)
	if reference == "" {
		return nil, revenuedomain.ErrInvalidReference
	}

	return s.createAccrual(ctx, accrualSeed{
		songID:      in.SongID,
		artistID:    in.ArtistID,
		revenueType: in.RevenueType,
		gross:       in.GrossAmount,
		territory:   in.Territory,
		reference:   reference,
	})
}

func (s *Service) PendingAccruals(ctx context.Context, limit int) ([]revenuedomain.RevenueAccrual, error) {
	if limit <= 0 {
		limit = 100
	}
	var accruals []revenuedomain.RevenueAccrual
	if err := s.db.WithContext(ctx).
		Where("status = ? AND flagged_at IS NULL", revenuedomain.AccrualStatusPending).
		Order("created_at ASC, id ASC").
		Limit(limit).
		Find(&accruals).Error; err != nil {
		return nil, err
	}
	return accruals, nil
}

func (s *Service) MarkPaid(ctx context.Context, artistID snowflake.ID) (int, error) {
	if artistID == 0 {
		return 0, revenuedomain.ErrInvalidRevenue
	}
	result := s.db.WithContext(ctx).Model(&revenuedomain.RevenueAccrual{}).
		Where("artist_id = ? AND status = ?", artistID, revenuedomain.AccrualStatusConfirmed).
		Updates(map[string]any{
			"status":     revenuedomain.AccrualStatusPaid,
			"updated_at": s.clock.Now(),
		})
	return int(result.RowsAffected), result.Error
}

type accrualSeed struct {
	songID      snowflake.ID
	artistID    snowflake.ID
	revenueType revenuedomain.RevenueType
	gross       decimal.Decimal
	territory   string
	reference   string
}

func (s *Service) createAccrual(ctx context.Context, seed accrualSeed) (*revenuedomain.RevenueAccrual, error) {
	fee := seed.gross.Mul(s.cfg.PlatformFeePercent).Div(decimal.NewFromInt(100)).Round(4)
	net := seed.gross.Sub(fee)
	now := s.clock.Now()

	accrual := revenuedomain.RevenueAccrual{
		ID:          s.genID.Generate(),
		SongID:      seed.songID,
		ArtistID:    seed.artistID,
		RevenueType: seed.revenueType,
		GrossAmount: seed.gross,
		PlatformFee: fee,
		NetAmount:   net,
		Status:      revenuedomain.AccrualStatusPending,
		Territory:   strings.ToUpper(strings.TrimSpace(seed.territory)),
		Reference:   seed.reference,
		RevenueDate: now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	err := s.db.WithContext(ctx).Create(&accrual).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		var existing revenuedomain.RevenueAccrual
		if lookupErr := s.db.WithContext(ctx).
			Where("reference = ?", seed.reference).
			Take(&existing).Error; lookupErr == nil {
			return &existing, nil
		}
		return nil, err
	}
	if err != nil {
		return nil, err
	}

	if s.obsMetrics != nil {
		s.obsMetrics.RecordAccrual(ctx, string(seed.revenueType))
	}
	return &accrual, nil
}

func (s *Service) streamRate(in revenuedomain.PlayInput) decimal.Decimal {
	country := strings.ToUpper(strings.TrimSpace(in.Country))
	if rate, ok := s.cfg.CountryRates[country]; ok {
		return rate
	}
	if in.PremiumListener {
		return s.cfg.PremiumStreamRate
	}
	return s.cfg.FreeStreamRate
}

func validatePlay(in *revenuedomain.PlayInput) error {
	if in.SongID == 0 || in.ArtistID == 0 || in.ListenerID == 0 {
		return revenuedomain.ErrInvalidPlay
	}
	if in.ListenedSeconds < 0 || in.DurationSeconds < 0 {
		return revenuedomain.ErrInvalidPlay
	}
	in.Reference = strings.TrimSpace(in.Reference)
	if in.Reference == "" {
		return revenuedomain.ErrInvalidReference
	}
	in.Country = strings.ToUpper(strings.TrimSpace(in.Country))
	return nil
}
