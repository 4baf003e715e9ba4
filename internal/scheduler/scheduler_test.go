package scheduler

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
	payoutservice "github.com/sautistream/ledgercore/internal/payout/service"
	revenuedomain "github.com/sautistream/ledgercore/internal/revenue/domain"
	revenueservice "github.com/sautistream/ledgercore/internal/revenue/service"
	royaltydomain "github.com/sautistream/ledgercore/internal/royalty/domain"
	royaltyservice "github.com/sautistream/ledgercore/internal/royalty/service"
	saccodomain "github.com/sautistream/ledgercore/internal/sacco/domain"
	saccoservice "github.com/sautistream/ledgercore/internal/sacco/service"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type testEnv struct {
	db    *gorm.DB
	sched *Scheduler
	fake  *clock.FakeClock
}

func setupScheduler(t *testing.T, cfg Config) testEnv {
	t.Helper()

	dsn := filepath.Join(t.TempDir(), "scheduler_test.db") + "?_pragma=busy_timeout(10000)"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	require.NoError(t, err)

	require.NoError(t, db.AutoMigrate(
		&ledgerdomain.LedgerEntry{},
		&ledgerdomain.WalletBalance{},
		&revenuedomain.PlayEvent{},
		&revenuedomain.RevenueAccrual{},
		&royaltydomain.RoyaltySplit{},
		&saccodomain.Account{},
		&saccodomain.Loan{},
	))

	node, err := snowflake.NewNode(7)
	require.NoError(t, err)

	fake := clock.NewFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	log := zap.NewNop()
	appCfg := config.Config{
		Ledger: config.LedgerConfig{Currency: "UGX"},
		Payout: config.PayoutConfig{DefaultMinimumAmount: decimal.NewFromInt(100)},
		Sacco:  config.SaccoConfig{DailyLateFeeRate: decimal.RequireFromString("0.005")},
		Revenue: config.RevenueConfig{
			MinListenSeconds:   30,
			MinListenRatio:     decimal.RequireFromString("0.8"),
			PlatformFeePercent: decimal.NewFromInt(30),
			PremiumStreamRate:  decimal.RequireFromString("7.5"),
			FreeStreamRate:     decimal.RequireFromString("2.5"),
		},
	}

	ledgerSvc := ledgerservice.NewService(ledgerservice.Params{
		DB: db, Log: log, GenID: node, Clock: fake, Cfg: appCfg,
	})
	revenueSvc := revenueservice.NewService(revenueservice.Params{
		DB: db, Log: log, GenID: node, Clock: fake, Cfg: appCfg,
	})
	royaltySvc := royaltyservice.NewService(royaltyservice.Params{
		DB: db, Log: log, GenID: node, Clock: fake,
	})

	enforcer, err := authorization.NewEnforcer(db)
	require.NoError(t, err)
	authz := authorization.NewService(authorization.Params{Log: log, Enforcer: enforcer})

	payoutSvc := payoutservice.NewService(payoutservice.Params{
		DB: db, Log: log, Clock: fake, Cfg: appCfg,
		Ledger: ledgerSvc, Revenue: revenueSvc, Authz: authz,
	})
	saccoSvc := saccoservice.NewService(saccoservice.Params{
		DB: db, Log: log, GenID: node, Clock: fake, Cfg: appCfg,
		Ledger: ledgerSvc, Authz: authz,
	})

	sched, err := New(Params{
		DB:         db,
		Log:        log,
		Clock:      fake,
		RevenueSvc: revenueSvc,
		RoyaltySvc: royaltySvc,
		PayoutSvc:  payoutSvc,
		LedgerSvc:  ledgerSvc,
		SaccoSvc:   saccoSvc,
		AuthzSvc:   authz,
		Config:     cfg,
	})
	require.NoError(t, err)

	return testEnv{db: db, sched: sched, fake: fake}
}

func TestRunOncePipelineEndToEnd(t *testing.T) {
	ctx := context.Background()
	env := setupScheduler(t, Config{})

	songID := snowflake.ID(11)
	artistID := snowflake.ID(101)
	producerID := snowflake.ID(102)

	splits := []royaltydomain.RoyaltySplit{
		{
			ID: 1, SongID: songID, RecipientID: artistID,
			Role: royaltydomain.RoleArtist, SplitType: royaltydomain.SplitTypePercentage,
			Percentage: decimal.NewFromInt(60), FixedAmount: decimal.Zero,
			AppliesToStreams: true, Status: royaltydomain.SplitStatusActive,
			PendingPayout: decimal.Zero, TotalPaidOut: decimal.Zero,
			MinimumPayoutAmount: decimal.Zero,
			PayoutFrequency:     royaltydomain.PayoutFrequencyMonthly,
			AutoPayoutEnabled:   true,
			EffectiveFrom:       time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
			CreatedAt:           env.fake.Now(), UpdatedAt: env.fake.Now(),
		},
		{
			ID: 2, SongID: songID, RecipientID: producerID,
			Role: royaltydomain.RoleProducer, SplitType: royaltydomain.SplitTypePercentage,
			Percentage: decimal.NewFromInt(40), FixedAmount: decimal.Zero,
			AppliesToStreams: true, Status: royaltydomain.SplitStatusActive,
			PendingPayout: decimal.Zero, TotalPaidOut: decimal.Zero,
			MinimumPayoutAmount: decimal.Zero,
			PayoutFrequency:     royaltydomain.PayoutFrequencyMonthly,
			AutoPayoutEnabled:   true,
			EffectiveFrom:       time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
			CreatedAt:           env.fake.Now(), UpdatedAt: env.fake.Now(),
		},
	}
	for i := range splits {
		require.NoError(t, env.db.Create(&splits[i]).Error)
	}

	// Stage 1000 gross worth of plays: 100 premium plays at 7.5 would be
	// unwieldy, one qualifying premium play of 7.5 gross is enough to walk
	// the whole pipeline.
	require.NoError(t, env.sched.revenueSvc.Enqueue(ctx, revenuedomain.PlayInput{
		SongID: songID, ArtistID: artistID, ListenerID: 501,
		PremiumListener: true, Country: "UG",
		ListenedSeconds: 120, DurationSeconds: 180,
		Reference: "play:e2e-1",
	}))

	// One tick drains the play into a pending accrual and distributes it;
	// net 5.25 split 60/40 stays below the payout minimum of 100.
	require.NoError(t, env.sched.RunOnce(ctx))

	var accruals []revenuedomain.RevenueAccrual
	require.NoError(t, env.db.Find(&accruals).Error)
	require.Len(t, accruals, 1)
	require.Equal(t, revenuedomain.AccrualStatusConfirmed, accruals[0].Status)
	require.True(t, accruals[0].NetAmount.Equal(decimal.RequireFromString("5.25")))

	var artistSplit royaltydomain.RoyaltySplit
	require.NoError(t, env.db.Take(&artistSplit, "id = ?", 1).Error)
	require.True(t, artistSplit.PendingPayout.Equal(decimal.RequireFromString("3.15")))

	// Top the artist up past the payout minimum and tick again.
	require.NoError(t, env.db.Model(&royaltydomain.RoyaltySplit{}).
		Where("id = ?", 1).
		Update("pending_payout", decimal.NewFromInt(500)).Error)

	require.NoError(t, env.sched.RunOnce(ctx))

	require.NoError(t, env.db.Take(&artistSplit, "id = ?", 1).Error)
	require.True(t, artistSplit.PendingPayout.IsZero())

	var entries []ledgerdomain.LedgerEntry
	require.NoError(t, env.db.Where("owner_id = ?", artistID).Find(&entries).Error)
	require.Len(t, entries, 1)
	require.True(t, entries[0].Amount.Equal(decimal.NewFromInt(500)))

	// The third tick finds nothing to do and must not double-pay.
	require.NoError(t, env.sched.RunOnce(ctx))
	require.NoError(t, env.db.Where("owner_id = ?", artistID).Find(&entries).Error)
	require.Len(t, entries, 1)
}

func TestRunOnceSkipsDisabledJobs(t *testing.T) {
	ctx := context.Background()
	env := setupScheduler(t, Config{EnabledJobs: []string{"drain_plays"}})

	require.NoError(t, env.sched.revenueSvc.Enqueue(ctx, revenuedomain.PlayInput{
		SongID: 11, ArtistID: 101, ListenerID: 501,
		PremiumListener: true, Country: "UG",
		ListenedSeconds: 120, DurationSeconds: 180,
		Reference: "play:skip-1",
	}))

	require.NoError(t, env.sched.RunOnce(ctx))

	// Drain ran, distribution did not: the accrual is still pending.
	var accruals []revenuedomain.RevenueAccrual
	require.NoError(t, env.db.Find(&accruals).Error)
	require.Len(t, accruals, 1)
	require.Equal(t, revenuedomain.AccrualStatusPending, accruals[0].Status)
}

func TestIsJobEnabled(t *testing.T) {
	env := setupScheduler(t, Config{})
	require.True(t, env.sched.isJobEnabled("payout_sweep"))

	env = setupScheduler(t, Config{EnabledJobs: []string{"Reconcile", "loan_overdue"}})
	require.True(t, env.sched.isJobEnabled("reconcile"))
	require.True(t, env.sched.isJobEnabled("loan_overdue"))
	require.False(t, env.sched.isJobEnabled("distribute"))
}

func TestLoanOverdueJobOnlyObserves(t *testing.T) {
	ctx := context.Background()
	env := setupScheduler(t, Config{})

	due := env.fake.Now().Add(-5 * 24 * time.Hour)
	loan := saccodomain.Loan{
		ID: 9001, MemberID: 61,
		PrincipalAmount:   decimal.NewFromInt(100000),
		Balance:           decimal.NewFromInt(40000),
		InterestRate:      decimal.NewFromInt(10),
		InstallmentsTotal: 4, InstallmentsPaid: 2,
		DueDate:   &due,
		Status:    saccodomain.LoanStatusActive,
		CreatedAt: env.fake.Now(), UpdatedAt: env.fake.Now(),
	}
	require.NoError(t, env.db.Create(&loan).Error)

	require.NoError(t, env.sched.LoanOverdueJob(ctx))

	// Observing an overdue loan never mutates it.
	var reloaded saccodomain.Loan
	require.NoError(t, env.db.Take(&reloaded, "id = ?", loan.ID).Error)
	require.True(t, reloaded.Balance.Equal(decimal.NewFromInt(40000)))
	require.Equal(t, saccodomain.LoanStatusActive, reloaded.Status)
}

func TestRunForeverStopsOnContextCancel(t *testing.T) {
	env := setupScheduler(t, Config{RunInterval: 10 * time.Millisecond, EnabledJobs: []string{"loan_overdue"}})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		env.sched.RunForever(ctx)
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop after cancellation")
	}
}
