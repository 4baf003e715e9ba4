package service_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/sautistream/ledgercore/internal/authorization"
	"github.com/sautistream/ledgercore/internal/clock"
	"github.com/sautistream/ledgercore/internal/config"
	ledgerdomain "github.com/sautistream/ledgercore/internal/ledger/domain"
	ledgerservice "github.com/sautistream/ledgercore/internal/ledger/service"
	payoutdomain "github.com/sautistream/ledgercore/internal/payout/domain"
	payoutservice "github.com/sautistream/ledgercore/internal/payout/service"
	revenuedomain "github.com/sautistream/ledgercore/internal/revenue/domain"
	revenueservice "github.com/sautistream/ledgercore/internal/revenue/service"
	royaltydomain "github.com/sautistream/ledgercore/internal/royalty/domain"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := filepath.Join(t.TempDir(), "payout_test.db") + "?_pragma=busy_timeout(10000)"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	require.NoError(t, err)

	require.NoError(t, db.AutoMigrate(
		&royaltydomain.RoyaltySplit{},
		&revenuedomain.RevenueAccrual{},
		&revenuedomain.PlayEvent{},
		&ledgerdomain.LedgerEntry{},
		&ledgerdomain.WalletBalance{},
	))
	return db
}

func newService(t *testing.T, db *gorm.DB) (payoutdomain.Service, *clock.FakeClock) {
	t.Helper()

	node, err := snowflake.NewNode(6)
	require.NoError(t, err)

	fake := clock.NewFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	log := zap.NewNop()
	cfg := config.Config{
		Ledger: config.LedgerConfig{Currency: "UGX"},
		Payout: config.PayoutConfig{DefaultMinimumAmount: decimal.NewFromInt(5000)},
		Revenue: config.RevenueConfig{
			MinListenSeconds:   30,
			MinListenRatio:     decimal.RequireFromString("0.8"),
			PlatformFeePercent: decimal.NewFromInt(30),
			PremiumStreamRate:  decimal.RequireFromString("7.5"),
			FreeStreamRate:     decimal.RequireFromString("2.5"),
		},
	}

	ledgerSvc := ledgerservice.NewService(ledgerservice.Params{
		DB:    db,
		Log:   log,
		GenID: node,
		Clock: fake,
		Cfg:   cfg,
	})
	revenueSvc := revenueservice.NewService(revenueservice.Params{
		DB:    db,
		Log:   log,
		GenID: node,
		Clock: fake,
		Cfg:   cfg,
	})

	enforcer, err := authorization.NewEnforcer(db)
	require.NoError(t, err)
	authz := authorization.NewService(authorization.Params{
		Log:      log,
		Enforcer: enforcer,
	})

	svc := payoutservice.NewService(payoutservice.Params{
		DB:      db,
		Log:     log,
		Clock:   fake,
		Cfg:     cfg,
		Ledger:  ledgerSvc,
		Revenue: revenueSvc,
		Authz:   authz,
	})
	return svc, fake
}

func insertSplit(t *testing.T, db *gorm.DB, id, recipient snowflake.ID, mutate func(*royaltydomain.RoyaltySplit)) *royaltydomain.RoyaltySplit {
	t.Helper()
	split := royaltydomain.RoyaltySplit{
		ID:                  id,
		SongID:              snowflake.ID(11),
		RecipientID:         recipient,
		Role:                royaltydomain.RoleArtist,
		SplitType:           royaltydomain.SplitTypePercentage,
		Percentage:          decimal.NewFromInt(70),
		FixedAmount:         decimal.Zero,
		AppliesToStreams:    true,
		Status:              royaltydomain.SplitStatusActive,
		PendingPayout:       decimal.NewFromInt(8000),
		TotalPaidOut:        decimal.Zero,
		MinimumPayoutAmount: decimal.Zero,
		PayoutFrequency:     royaltydomain.PayoutFrequencyMonthly,
		AutoPayoutEnabled:   true,
		EffectiveFrom:       time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		CreatedAt:           time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		UpdatedAt:           time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	if mutate != nil {
		mutate(&split)
	}
	require.NoError(t, db.Create(&split).Error)
	return &split
}

func TestFindDueRecipientsThresholdAndPolicy(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	svc, fake := newService(t, db)

	// Above default minimum, auto payout on.
	insertSplit(t, db, 1, 101, nil)

	// Below the default minimum.
	insertSplit(t, db, 2, 102, func(s *royaltydomain.RoyaltySplit) {
		s.PendingPayout = decimal.NewFromInt(1000)
	})

	// Own minimum lower than the default.
	insertSplit(t, db, 3, 103, func(s *royaltydomain.RoyaltySplit) {
		s.PendingPayout = decimal.NewFromInt(1000)
		s.MinimumPayoutAmount = decimal.NewFromInt(500)
	})

	// Auto payout off, paid recently on a monthly schedule: not yet stale.
	recent := fake.Now().Add(-7 * 24 * time.Hour)
	insertSplit(t, db, 4, 104, func(s *royaltydomain.RoyaltySplit) {
		s.AutoPayoutEnabled = false
		s.LastPayoutAt = &recent
	})

	// Auto payout off but a month has passed.
	stale := fake.Now().AddDate(0, -2, 0)
	insertSplit(t, db, 5, 105, func(s *royaltydomain.RoyaltySplit) {
		s.AutoPayoutEnabled = false
		s.LastPayoutAt = &stale
	})

	// Suspended splits never pay out.
	insertSplit(t, db, 6, 106, func(s *royaltydomain.RoyaltySplit) {
		s.Status = royaltydomain.SplitStatusSuspended
	})

	due, err := svc.FindDueRecipients(ctx, 0)
	require.NoError(t, err)

	ids := make([]snowflake.ID, 0, len(due))
	for _, split := range due {
		ids = append(ids, split.ID)
	}
	require.ElementsMatch(t, []snowflake.ID{1, 3, 5}, ids)
}

func TestExecutePayoutCreditsWalletAtomically(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	svc, _ := newService(t, db)

	split := insertSplit(t, db, 1, 101, nil)

	entry, err := svc.ExecutePayout(ctx, authorization.ActorSystem, split.ID)
	require.NoError(t, err)
	require.NotNil(t, entry)
	require.Equal(t, ledgerdomain.KindStreamRevenue, entry.Kind)
	require.True(t, entry.Amount.Equal(decimal.NewFromInt(8000)))
	require.True(t, entry.BalanceAfter.Equal(decimal.NewFromInt(8000)))

	var reloaded royaltydomain.RoyaltySplit
	require.NoError(t, db.Take(&reloaded, "id = ?", split.ID).Error)
	require.True(t, reloaded.PendingPayout.IsZero())
	require.True(t, reloaded.TotalPaidOut.Equal(decimal.NewFromInt(8000)))
	require.NotNil(t, reloaded.LastPayoutAt)

	// Re-running immediately pays nothing.
	entry, err = svc.ExecutePayout(ctx, authorization.ActorSystem, split.ID)
	require.NoError(t, err)
	require.Nil(t, entry)
}

func TestExecutePayoutRequiresAuthorization(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	svc, _ := newService(t, db)

	split := insertSplit(t, db, 1, 101, nil)

	_, err := svc.ExecutePayout(ctx, authorization.ActorMember(101), split.ID)
	require.ErrorIs(t, err, authorization.ErrForbidden)
}

func TestRunSweepIdempotent(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	svc, _ := newService(t, db)

	insertSplit(t, db, 1, 101, nil)
	insertSplit(t, db, 2, 102, func(s *royaltydomain.RoyaltySplit) {
		s.PendingPayout = decimal.NewFromInt(6000)
	})

	result, err := svc.RunSweep(ctx, authorization.ActorSystem)
	require.NoError(t, err)
	require.Equal(t, 2, result.Paid)
	require.True(t, result.TotalPaid.Equal(decimal.NewFromInt(14000)))

	// Sweep again: nobody is paid twice.
	result, err = svc.RunSweep(ctx, authorization.ActorSystem)
	require.NoError(t, err)
	require.Equal(t, 0, result.Paid)

	var entries []ledgerdomain.LedgerEntry
	require.NoError(t, db.Find(&entries).Error)
	require.Len(t, entries, 2)
}

func TestPayoutMarksConfirmedAccrualsPaid(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	svc, _ := newService(t, db)

	split := insertSplit(t, db, 1, 101, nil)

	accrual := revenuedomain.RevenueAccrual{
		ID:          2001,
		SongID:      split.SongID,
		ArtistID:    split.RecipientID,
		RevenueType: revenuedomain.RevenueTypeStream,
		GrossAmount: decimal.NewFromInt(10),
		PlatformFee: decimal.NewFromInt(3),
		NetAmount:   decimal.NewFromInt(7),
		Status:      revenuedomain.AccrualStatusConfirmed,
		Territory:   "UG",
		Reference:   "play:p1",
		RevenueDate: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
		CreatedAt:   time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
		UpdatedAt:   time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
	}
	require.NoError(t, db.Create(&accrual).Error)

	_, err := svc.ExecutePayout(ctx, authorization.ActorSystem, split.ID)
	require.NoError(t, err)

	var reloaded revenuedomain.RevenueAccrual
	require.NoError(t, db.Take(&reloaded, "id = ?", accrual.ID).Error)
	require.Equal(t, revenuedomain.AccrualStatusPaid, reloaded.Status)
}
