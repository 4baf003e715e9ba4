package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sautistream/ledgercore/internal/authorization"
	"github.com/sautistream/ledgercore/internal/clock"
	ledgerdomain "github.com/sautistream/ledgercore/internal/ledger/domain"
	obsmetrics "github.com/sautistream/ledgercore/internal/observability/metrics"
	payoutdomain "github.com/sautistream/ledgercore/internal/payout/domain"
	"github.com/sautistream/ledgercore/internal/ratelimit"
	revenuedomain "github.com/sautistream/ledgercore/internal/revenue/domain"
	royaltydomain "github.com/sautistream/ledgercore/internal/royalty/domain"
	saccodomain "github.com/sautistream/ledgercore/internal/sacco/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var ErrInvalidConfig = errors.New("scheduler: invalid configuration")

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	Clock      clock.Clock
	RevenueSvc revenuedomain.Service
	RoyaltySvc royaltydomain.Service
	PayoutSvc  payoutdomain.Service
	LedgerSvc  ledgerdomain.Service
	SaccoSvc   saccodomain.Service
	AuthzSvc   authorization.Service
	Locker     *ratelimit.Locker `optional:"true"`
	Config     Config            `optional:"true"`
}

type Scheduler struct {
	db         *gorm.DB
	log        *zap.Logger
	cfg        Config
	clock      clock.Clock
	revenueSvc revenuedomain.Service
	royaltySvc royaltydomain.Service
	payoutSvc  payoutdomain.Service
	ledgerSvc  ledgerdomain.Service
	saccoSvc   saccodomain.Service
	authzSvc   authorization.Service
	locker     *ratelimit.Locker
}

func New(p Params) (*Scheduler, error) {
	if p.DB == nil || p.Log == nil || p.Clock == nil || p.RevenueSvc == nil ||
		p.RoyaltySvc == nil || p.PayoutSvc == nil || p.LedgerSvc == nil ||
		p.SaccoSvc == nil || p.AuthzSvc == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		db:         p.DB,
		log:        p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:        p.Config.withDefaults(),
		clock:      p.Clock,
		revenueSvc: p.RevenueSvc,
		royaltySvc: p.RoyaltySvc,
		payoutSvc:  p.PayoutSvc,
		ledgerSvc:  p.LedgerSvc,
		saccoSvc:   p.SaccoSvc,
		authzSvc:   p.AuthzSvc,
		locker:     p.Locker,
	}, nil
}

func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	timeout time.Duration,
	fn func(ctx context.Context) error,
) error {
	start := time.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	log := s.log.With(zap.String("job", name))
	schedMetrics := obsmetrics.Scheduler()
	schedMetrics.IncJobRun(name)

	err := fn(ctx)
	schedMetrics.ObserveJobDuration(name, time.Since(start))
	if err == nil {
		return nil
	}

	isTimeout := errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
	if isTimeout {
		schedMetrics.IncJobTimeout(name)
		log.Warn("job timed out",
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
		return nil
	}

	schedMetrics.IncJobError(name)
	log.Warn("job failed", zap.Error(err))
	return fmt.Errorf("%s: %w", name, err)
}

func (s *Scheduler) RunOnce(parent context.Context) error {
	var err error

	jobs := []struct {
		Name    string
		Enabled bool
		Run     func(context.Context) error
	}{
		{"drain_plays", s.isJobEnabled("drain_plays"), func(ctx context.Context) error {
			return s.runJob(ctx, "drain_plays", 30*time.Second, s.DrainPlaysJob)
		}},
		{"distribute", s.isJobEnabled("distribute"), func(ctx context.Context) error {
			return s.runJob(ctx, "distribute", 30*time.Second, s.DistributeJob)
		}},
		{"payout_sweep", s.isJobEnabled("payout_sweep"), func(ctx context.Context) error {
			return s.runJob(ctx, "payout_sweep", time.Minute, s.PayoutSweepJob)
		}},
		{"reconcile", s.isJobEnabled("reconcile"), func(ctx context.Context) error {
			return s.runJob(ctx, "reconcile", 30*time.Second, s.ReconcileJob)
		}},
		{"loan_overdue", s.isJobEnabled("loan_overdue"), func(ctx context.Context) error {
			return s.runJob(ctx, "loan_overdue", 30*time.Second, s.LoanOverdueJob)
		}},
	}

	for _, job := range jobs {
		if job.Enabled {
			err = errors.Join(err, job.Run(parent))
		}
	}
	return err
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()
	nextRun := s.clock.Now().Add(s.cfg.RunInterval)
	schedMetrics := obsmetrics.Scheduler()

	for {
		runLag := time.Since(nextRun)
		if runLag > 0 {
			schedMetrics.ObserveRunLoopLag(runLag)
		}
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}
		nextRun = nextRun.Add(s.cfg.RunInterval)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) isJobEnabled(jobName string) bool {
	// Empty EnabledJobs means every job runs (monolith mode).
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if strings.EqualFold(enabled, jobName) {
			return true
		}
	}
	return false
}

// DrainPlaysJob moves staged play events into pending revenue accruals.
func (s *Scheduler) DrainPlaysJob(ctx context.Context) error {
	if err := s.authzSvc.Authorize(ctx, authorization.ActorSystem, authorization.ObjectRevenue, authorization.ActionRevenueAccrue); err != nil {
		return err
	}

	var jobErr error
	for {
		if ctx.Err() != nil {
			return errors.Join(jobErr, ctx.Err())
		}
		processed, err := s.revenueSvc.DrainPlays(ctx, s.cfg.DrainBatchSize)
		if err != nil {
			jobErr = errors.Join(jobErr, err)
		}
		obsmetrics.Scheduler().AddJobProcessed("drain_plays", processed)
		if processed == 0 {
			break
		}
	}
	return jobErr
}

// DistributeJob apportions pending accruals across royalty splits.
func (s *Scheduler) DistributeJob(ctx context.Context) error {
	if err := s.authzSvc.Authorize(ctx, authorization.ActorSystem, authorization.ObjectRoyaltySplit, authorization.ActionRoyaltyDistribute); err != nil {
		return err
	}

	var jobErr error
	for {
		if ctx.Err() != nil {
			return errors.Join(jobErr, ctx.Err())
		}
		accruals, err := s.revenueSvc.PendingAccruals(ctx, s.cfg.DistributeBatchSize)
		if err != nil {
			return errors.Join(jobErr, err)
		}
		if len(accruals) == 0 {
			break
		}

		processed := 0
		for _, accrual := range accruals {
			if ctx.Err() != nil {
				return errors.Join(jobErr, ctx.Err())
			}
			if _, err := s.royaltySvc.Distribute(ctx, accrual.ID); err != nil {
				jobErr = errors.Join(jobErr, err)
				continue
			}
			processed++
		}
		obsmetrics.Scheduler().AddJobProcessed("distribute", processed)
		if processed == 0 {
			// Everything left in this batch failed; stop instead of spinning.
			break
		}
	}
	return jobErr
}

const payoutSweepLockKey = "payout:sweep:lock"

// PayoutSweepJob pays every due recipient. With multiple replicas a redis
// lock keeps one sweep running at a time; payouts are idempotent, so losing
// the lock only costs duplicate scanning.
func (s *Scheduler) PayoutSweepJob(ctx context.Context) error {
	if s.locker != nil {
		token, acquired, err := s.locker.TryLock(ctx, payoutSweepLockKey, 5*time.Minute)
		if err != nil {
			s.log.Warn("payout sweep lock unavailable, running unlocked", zap.Error(err))
		} else if !acquired {
			return nil
		} else {
			defer func() {
				if err := s.locker.Release(ctx, payoutSweepLockKey, token); err != nil {
					s.log.Warn("failed to release payout sweep lock", zap.Error(err))
				}
			}()
		}
	}

	result, err := s.payoutSvc.RunSweep(ctx, authorization.ActorSystem)
	if result != nil {
		obsmetrics.Scheduler().AddJobProcessed("payout_sweep", result.Paid)
		if result.Paid > 0 {
			s.log.Info("payout sweep finished",
				zap.Int("examined", result.Examined),
				zap.Int("paid", result.Paid),
				zap.String("total", result.TotalPaid.String()),
			)
		}
	}
	return err
}

// ReconcileJob replays recently written wallets and repairs drift.
func (s *Scheduler) ReconcileJob(ctx context.Context) error {
	if err := s.authzSvc.Authorize(ctx, authorization.ActorSystem, authorization.ObjectWallet, authorization.ActionWalletReconcile); err != nil {
		return err
	}

	var wallets []ledgerdomain.WalletBalance
	if err := s.db.WithContext(ctx).
		Order("updated_at DESC").
		Limit(s.cfg.ReconcileBatchSize).
		Find(&wallets).Error; err != nil {
		return err
	}

	var jobErr error
	processed := 0
	for _, wallet := range wallets {
		if ctx.Err() != nil {
			return errors.Join(jobErr, ctx.Err())
		}
		if _, err := s.ledgerSvc.Reconcile(ctx, wallet.OwnerID); err != nil {
			jobErr = errors.Join(jobErr, err)
			continue
		}
		processed++
	}
	obsmetrics.Scheduler().AddJobProcessed("reconcile", processed)
	return jobErr
}

// LoanOverdueJob surfaces overdue loans for operators. Late fees themselves
// are computed on read, so this job only observes.
func (s *Scheduler) LoanOverdueJob(ctx context.Context) error {
	loans, err := s.saccoSvc.OverdueLoans(ctx, s.cfg.OverdueBatchSize)
	if err != nil {
		return err
	}
	obsmetrics.Scheduler().AddJobProcessed("loan_overdue", len(loans))

	for _, loan := range loans {
		s.log.Warn("loan overdue",
			zap.Int64("loan_id", loan.ID.Int64()),
			zap.Int64("member_id", loan.MemberID.Int64()),
			zap.String("balance", loan.Balance.String()),
			zap.Timep("due_date", loan.DueDate),
		)
	}
	return nil
}
