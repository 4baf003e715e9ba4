package service_test

import (
	"context"
	"fmt"
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
	saccodomain "github.com/sautistream/ledgercore/internal/sacco/domain"
	saccoservice "github.com/sautistream/ledgercore/internal/sacco/service"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	memberID  = snowflake.ID(61)
	officerID = snowflake.ID(71)
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := filepath.Join(t.TempDir(), "sacco_test.db") + "?_pragma=busy_timeout(10000)"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	require.NoError(t, err)

	require.NoError(t, db.AutoMigrate(
		&saccodomain.Account{},
		&saccodomain.Loan{},
		&ledgerdomain.LedgerEntry{},
		&ledgerdomain.WalletBalance{},
	))
	return db
}

func newService(t *testing.T, db *gorm.DB) (saccodomain.Service, *clock.FakeClock) {
	t.Helper()

	node, err := snowflake.NewNode(5)
	require.NoError(t, err)

	fake := clock.NewFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	log := zap.NewNop()
	cfg := config.Config{
		Ledger: config.LedgerConfig{Currency: "UGX"},
		Sacco:  config.SaccoConfig{DailyLateFeeRate: decimal.RequireFromString("0.005")},
	}

	ledgerSvc := ledgerservice.NewService(ledgerservice.Params{
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

	svc := saccoservice.NewService(saccoservice.Params{
		DB:     db,
		Log:    log,
		GenID:  node,
		Clock:  fake,
		Cfg:    cfg,
		Ledger: ledgerSvc,
		Authz:  authz,
	})
	return svc, fake
}

func member() string  { return authorization.ActorMember(memberID) }
func officer() string { return authorization.ActorOfficer(officerID) }

func openSavings(t *testing.T, ctx context.Context, svc saccodomain.Service) *saccodomain.Account {
	t.Helper()
	account, err := svc.OpenAccount(ctx, member(), memberID, saccodomain.AccountTypeSavings)
	require.NoError(t, err)
	return account
}

func TestOpenAccountUniquePerMemberAndType(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t, setupTestDB(t))

	first := openSavings(t, ctx, svc)

	again, err := svc.OpenAccount(ctx, member(), memberID, saccodomain.AccountTypeSavings)
	require.ErrorIs(t, err, saccodomain.ErrAccountExists)
	require.Equal(t, first.ID, again.ID)

	shares, err := svc.OpenAccount(ctx, member(), memberID, saccodomain.AccountTypeShares)
	require.NoError(t, err)
	require.NotEqual(t, first.ID, shares.ID)
}

func TestDepositAndWithdrawFlowThroughLedger(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t, setupTestDB(t))
	account := openSavings(t, ctx, svc)

	entry, err := svc.Deposit(ctx, member(), account.ID, decimal.NewFromInt(50000), "dep_1")
	require.NoError(t, err)
	require.Equal(t, ledgerdomain.KindSaccoDeposit, entry.Kind)
	require.True(t, entry.BalanceAfter.Equal(decimal.NewFromInt(50000)))

	// Replay applies once.
	entry, err = svc.Deposit(ctx, member(), account.ID, decimal.NewFromInt(50000), "dep_1")
	require.NoError(t, err)
	require.True(t, entry.BalanceAfter.Equal(decimal.NewFromInt(50000)))

	entry, err = svc.Withdraw(ctx, member(), account.ID, decimal.NewFromInt(20000), "wd_1")
	require.NoError(t, err)
	require.Equal(t, ledgerdomain.KindSaccoWithdrawal, entry.Kind)
	require.True(t, entry.Amount.Equal(decimal.NewFromInt(-20000)))

	balance, err := svc.AccountBalance(ctx, member(), account.ID)
	require.NoError(t, err)
	require.True(t, balance.Equal(decimal.NewFromInt(30000)))

	_, err = svc.Withdraw(ctx, member(), account.ID, decimal.NewFromInt(999999), "wd_2")
	require.ErrorIs(t, err, ledgerdomain.ErrInsufficientFunds)
}

func TestSharesCannotBeWithdrawn(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t, setupTestDB(t))

	shares, err := svc.OpenAccount(ctx, member(), memberID, saccodomain.AccountTypeShares)
	require.NoError(t, err)

	entry, err := svc.Deposit(ctx, member(), shares.ID, decimal.NewFromInt(10000), "sh_1")
	require.NoError(t, err)
	require.Equal(t, ledgerdomain.KindSharePurchase, entry.Kind)

	_, err = svc.Withdraw(ctx, member(), shares.ID, decimal.NewFromInt(1000), "sh_wd")
	require.ErrorIs(t, err, saccodomain.ErrInvalidAccount)
}

func TestMemberCannotTouchForeignAccount(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t, setupTestDB(t))
	account := openSavings(t, ctx, svc)

	intruder := authorization.ActorMember(snowflake.ID(62))
	_, err := svc.Deposit(ctx, intruder, account.ID, decimal.NewFromInt(100), "dep_x")
	require.ErrorIs(t, err, saccodomain.ErrNotAccountOwner)

	_, err = svc.OpenAccount(ctx, intruder, memberID, saccodomain.AccountTypeShares)
	require.ErrorIs(t, err, saccodomain.ErrNotAccountOwner)
}

func TestMemberCannotApproveLoan(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t, setupTestDB(t))

	loan, err := svc.ApplyForLoan(ctx, member(), saccodomain.LoanApplication{
		MemberID:          memberID,
		PrincipalAmount:   decimal.NewFromInt(100000),
		InterestRate:      decimal.RequireFromString("0.12"),
		InstallmentsTotal: 10,
		DueDate:           time.Date(2025, 12, 1, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)

	_, err = svc.ApproveLoan(ctx, member(), loan.ID)
	require.ErrorIs(t, err, authorization.ErrForbidden)
}

func TestLoanLifecycle(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	svc, _ := newService(t, db)

	loan, err := svc.ApplyForLoan(ctx, member(), saccodomain.LoanApplication{
		MemberID:          memberID,
		PrincipalAmount:   decimal.NewFromInt(100000),
		InterestRate:      decimal.RequireFromString("0.12"),
		InstallmentsTotal: 4,
		DueDate:           time.Date(2025, 12, 1, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	require.Equal(t, saccodomain.LoanStatusPendingApproval, loan.Status)

	// Disbursing before approval is illegal.
	_, err = svc.DisburseLoan(ctx, officer(), loan.ID, "disb_1")
	require.ErrorIs(t, err, saccodomain.ErrInvalidLoanState)

	loan, err = svc.ApproveLoan(ctx, officer(), loan.ID)
	require.NoError(t, err)
	require.Equal(t, saccodomain.LoanStatusApproved, loan.Status)
	require.NotNil(t, loan.ApprovedAt)

	loan, err = svc.DisburseLoan(ctx, officer(), loan.ID, "disb_1")
	require.NoError(t, err)
	require.Equal(t, saccodomain.LoanStatusDisbursed, loan.Status)
	require.True(t, loan.Balance.Equal(decimal.NewFromInt(100000)))

	// The disbursement lands on the loan's own ledger stream.
	var entry ledgerdomain.LedgerEntry
	require.NoError(t, db.Take(&entry, "owner_id = ?", loan.ID).Error)
	require.Equal(t, ledgerdomain.KindLoanDisbursed, entry.Kind)

	loan, err = svc.RepayLoan(ctx, member(), loan.ID, decimal.NewFromInt(25000), "rep_1")
	require.NoError(t, err)
	require.Equal(t, saccodomain.LoanStatusActive, loan.Status)
	require.True(t, loan.Balance.Equal(decimal.NewFromInt(75000)))
	require.Equal(t, 1, loan.InstallmentsPaid)

	for i := 0; i < 3; i++ {
		loan, err = svc.RepayLoan(ctx, member(), loan.ID, decimal.NewFromInt(25000), fmt.Sprintf("rep_%d", i+2))
		require.NoError(t, err)
	}
	require.Equal(t, saccodomain.LoanStatusCompleted, loan.Status)
	require.True(t, loan.Balance.IsZero())
	require.Equal(t, 4, loan.InstallmentsPaid)
}

func TestLoanStandingLateFeeComputedOnRead(t *testing.T) {
	ctx := context.Background()
	svc, fake := newService(t, setupTestDB(t))

	due := fake.Now().Add(10 * 24 * time.Hour)
	loan, err := svc.ApplyForLoan(ctx, member(), saccodomain.LoanApplication{
		MemberID:          memberID,
		PrincipalAmount:   decimal.NewFromInt(100000),
		InterestRate:      decimal.RequireFromString("0.12"),
		InstallmentsTotal: 4,
		DueDate:           due,
	})
	require.NoError(t, err)
	_, err = svc.ApproveLoan(ctx, officer(), loan.ID)
	require.NoError(t, err)
	loan, err = svc.DisburseLoan(ctx, officer(), loan.ID, "disb_1")
	require.NoError(t, err)

	standing, err := svc.LoanStanding(ctx, member(), loan.ID)
	require.NoError(t, err)
	require.False(t, standing.Overdue)
	require.True(t, standing.LateFee.IsZero())
	require.True(t, standing.TotalOwed.Equal(decimal.NewFromInt(100000)))

	// 15 days past due: fee = 100000 * 0.005 * 5.
	fake.Advance(15 * 24 * time.Hour)
	standing, err = svc.LoanStanding(ctx, member(), loan.ID)
	require.NoError(t, err)
	require.True(t, standing.Overdue)
	require.Equal(t, 5, standing.DaysOverdue)
	require.True(t, standing.LateFee.Equal(decimal.NewFromInt(2500)))
	require.True(t, standing.TotalOwed.Equal(decimal.NewFromInt(102500)))

	// Nothing was persisted by the read.
	loans, err := svc.OverdueLoans(ctx, 10)
	require.NoError(t, err)
	require.Len(t, loans, 1)
	require.True(t, loans[0].Balance.Equal(decimal.NewFromInt(100000)))
}

func TestRepayReplayAppliesOnce(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t, setupTestDB(t))

	loan, err := svc.ApplyForLoan(ctx, member(), saccodomain.LoanApplication{
		MemberID:          memberID,
		PrincipalAmount:   decimal.NewFromInt(100000),
		InterestRate:      decimal.Zero,
		InstallmentsTotal: 4,
		DueDate:           time.Date(2025, 12, 1, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	_, err = svc.ApproveLoan(ctx, officer(), loan.ID)
	require.NoError(t, err)
	_, err = svc.DisburseLoan(ctx, officer(), loan.ID, "disb_1")
	require.NoError(t, err)

	_, err = svc.RepayLoan(ctx, member(), loan.ID, decimal.NewFromInt(25000), "rep_1")
	require.NoError(t, err)
	loan, err = svc.RepayLoan(ctx, member(), loan.ID, decimal.NewFromInt(25000), "rep_1")
	require.NoError(t, err)
	require.True(t, loan.Balance.Equal(decimal.NewFromInt(75000)))
	require.Equal(t, 1, loan.InstallmentsPaid)
}
