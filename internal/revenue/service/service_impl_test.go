package service_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/sautistream/ledgercore/internal/clock"
	"github.com/sautistream/ledgercore/internal/config"
	revenuedomain "github.com/sautistream/ledgercore/internal/revenue/domain"
	revenueservice "github.com/sautistream/ledgercore/internal/revenue/service"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := filepath.Join(t.TempDir(), "revenue_test.db") + "?_pragma=busy_timeout(10000)"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	require.NoError(t, err)

	require.NoError(t, db.AutoMigrate(
		&revenuedomain.RevenueAccrual{},
		&revenuedomain.PlayEvent{},
	))
	return db
}

func newService(t *testing.T, db *gorm.DB) revenuedomain.Service {
	t.Helper()

	node, err := snowflake.NewNode(2)
	require.NoError(t, err)

	cfg := config.Config{
		Revenue: config.RevenueConfig{
			MinListenSeconds:   30,
			MinListenRatio:     decimal.RequireFromString("0.8"),
			PlatformFeePercent: decimal.NewFromInt(30),
			PremiumStreamRate:  decimal.RequireFromString("7.5"),
			FreeStreamRate:     decimal.RequireFromString("2.5"),
			CountryRates: map[string]decimal.Decimal{
				"KE": decimal.RequireFromString("6.0"),
			},
			DownloadRate: decimal.NewFromInt(50),
		},
	}

	return revenueservice.NewService(revenueservice.Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Clock: clock.NewFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)),
		Cfg:   cfg,
	})
}

func play(ref string, listened, duration int) revenuedomain.PlayInput {
	return revenuedomain.PlayInput{
		SongID:          snowflake.ID(11),
		ArtistID:        snowflake.ID(21),
		ListenerID:      snowflake.ID(31),
		PremiumListener: true,
		Country:         "UG",
		ListenedSeconds: listened,
		DurationSeconds: duration,
		Reference:       ref,
	}
}

func TestAccruePlayQualificationThresholds(t *testing.T) {
	ctx := context.Background()
	svc := newService(t, setupTestDB(t))

	// 10s of a 200s track: under both thresholds.
	accrual, err := svc.AccruePlay(ctx, play("p1", 10, 200))
	require.NoError(t, err)
	require.Nil(t, accrual)

	// 35s of a 200s track: over the absolute threshold.
	accrual, err = svc.AccruePlay(ctx, play("p2", 35, 200))
	require.NoError(t, err)
	require.NotNil(t, accrual)

	// 16s of a 20s jingle: 80% of duration qualifies even under 30s.
	accrual, err = svc.AccruePlay(ctx, play("p3", 16, 20))
	require.NoError(t, err)
	require.NotNil(t, accrual)
}

func TestAccruePlayRateAndFee(t *testing.T) {
	ctx := context.Background()
	svc := newService(t, setupTestDB(t))

	accrual, err := svc.AccruePlay(ctx, play("p1", 60, 200))
	require.NoError(t, err)
	require.NotNil(t, accrual)

	require.True(t, accrual.GrossAmount.Equal(decimal.RequireFromString("7.5")))
	require.True(t, accrual.PlatformFee.Equal(decimal.RequireFromString("2.25")))
	require.True(t, accrual.NetAmount.Equal(decimal.RequireFromString("5.25")))
	require.Equal(t, revenuedomain.AccrualStatusPending, accrual.Status)
}

func TestAccruePlayFreeListenerAndCountryOverride(t *testing.T) {
	ctx := context.Background()
	svc := newService(t, setupTestDB(t))

	free := play("p1", 60, 200)
	free.PremiumListener = false
	accrual, err := svc.AccruePlay(ctx, free)
	require.NoError(t, err)
	require.True(t, accrual.GrossAmount.Equal(decimal.RequireFromString("2.5")))

	kenya := play("p2", 60, 200)
	kenya.Country = "ke"
	accrual, err = svc.AccruePlay(ctx, kenya)
	require.NoError(t, err)
	require.True(t, accrual.GrossAmount.Equal(decimal.RequireFromString("6.0")))
	require.Equal(t, "KE", accrual.Territory)
}

func TestAccruePlayIdempotentPerReference(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	svc := newService(t, db)

	first, err := svc.AccruePlay(ctx, play("p1", 60, 200))
	require.NoError(t, err)
	second, err := svc.AccruePlay(ctx, play("p1", 60, 200))
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)

	var count int64
	require.NoError(t, db.Model(&revenuedomain.RevenueAccrual{}).Count(&count).Error)
	require.EqualValues(t, 1, count)
}

func TestEnqueueAndDrainPlays(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	svc := newService(t, db)

	require.NoError(t, svc.Enqueue(ctx, play("p1", 60, 200)))
	require.NoError(t, svc.Enqueue(ctx, play("p2", 5, 200))) // will not qualify
	// Re-enqueueing an already staged play is a no-op.
	require.NoError(t, svc.Enqueue(ctx, play("p1", 60, 200)))

	processed, err := svc.DrainPlays(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, 2, processed)

	var accrualCount int64
	require.NoError(t, db.Model(&revenuedomain.RevenueAccrual{}).Count(&accrualCount).Error)
	require.EqualValues(t, 1, accrualCount)

	// A second drain finds nothing left.
	processed, err = svc.DrainPlays(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, 0, processed)
}

func TestRecordDirectTip(t *testing.T) {
	ctx := context.Background()
	svc := newService(t, setupTestDB(t))

	accrual, err := svc.RecordDirect(ctx, revenuedomain.DirectInput{
		SongID:      snowflake.ID(11),
		ArtistID:    snowflake.ID(21),
		RevenueType: revenuedomain.RevenueTypeTip,
		GrossAmount: decimal.NewFromInt(1000),
		Territory:   "UG",
		Reference:   "tip_1",
	})
	require.NoError(t, err)
	require.True(t, accrual.NetAmount.Equal(decimal.NewFromInt(700)))

	_, err = svc.RecordDirect(ctx, revenuedomain.DirectInput{
		SongID:      snowflake.ID(11),
		ArtistID:    snowflake.ID(21),
		RevenueType: revenuedomain.RevenueTypeStream,
		GrossAmount: decimal.NewFromInt(10),
		Reference:   "tip_2",
	})
	require.ErrorIs(t, err, revenuedomain.ErrInvalidRevenue)
}

func TestMarkPaidFlipsConfirmedOnly(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	svc := newService(t, db)

	accrual, err := svc.AccruePlay(ctx, play("p1", 60, 200))
	require.NoError(t, err)

	// Pending accruals are not swept.
	flipped, err := svc.MarkPaid(ctx, accrual.ArtistID)
	require.NoError(t, err)
	require.Equal(t, 0, flipped)

	require.NoError(t, db.Model(&revenuedomain.RevenueAccrual{}).
		Where("id = ?", accrual.ID).
		Update("status", revenuedomain.AccrualStatusConfirmed).Error)

	flipped, err = svc.MarkPaid(ctx, accrual.ArtistID)
	require.NoError(t, err)
	require.Equal(t, 1, flipped)
}
