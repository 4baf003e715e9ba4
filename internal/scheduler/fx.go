package scheduler

import (
	"context"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("scheduler",
	fx.Provide(ProvideConfig),
	fx.Provide(New),
	fx.Invoke(NewScheduler),
)

// ProvideConfig builds the scheduler configuration from the environment.
func ProvideConfig() Config {
	cfg := DefaultConfig()
	if raw := strings.TrimSpace(os.Getenv("SCHEDULER_RUN_INTERVAL")); raw != "" {
		if d, err := time.ParseDuration(raw); err == nil && d > 0 {
			cfg.RunInterval = d
		}
	}
	if raw := strings.TrimSpace(os.Getenv("SCHEDULER_ENABLED_JOBS")); raw != "" {
		for _, job := range strings.Split(raw, ",") {
			if job = strings.TrimSpace(job); job != "" {
				cfg.EnabledJobs = append(cfg.EnabledJobs, job)
			}
		}
	}
	cfg.DrainBatchSize = envInt("SCHEDULER_DRAIN_BATCH_SIZE", cfg.DrainBatchSize)
	cfg.DistributeBatchSize = envInt("SCHEDULER_DISTRIBUTE_BATCH_SIZE", cfg.DistributeBatchSize)
	cfg.PayoutBatchSize = envInt("SCHEDULER_PAYOUT_BATCH_SIZE", cfg.PayoutBatchSize)
	cfg.ReconcileBatchSize = envInt("SCHEDULER_RECONCILE_BATCH_SIZE", cfg.ReconcileBatchSize)
	cfg.OverdueBatchSize = envInt("SCHEDULER_OVERDUE_BATCH_SIZE", cfg.OverdueBatchSize)
	return cfg
}

func envInt(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil || parsed <= 0 {
		return def
	}
	return parsed
}

// NewScheduler launches the run loop when the app starts and stops it on
// shutdown.
func NewScheduler(lc fx.Lifecycle, sched *Scheduler, log *zap.Logger) {
	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			log.Info("starting scheduler",
				zap.Duration("run_interval", sched.cfg.RunInterval),
				zap.Strings("enabled_jobs", sched.cfg.EnabledJobs),
			)
			go func() {
				defer close(done)
				sched.RunForever(runCtx)
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			cancel()
			select {
			case <-done:
			case <-ctx.Done():
				return ctx.Err()
			}
			return nil
		},
	})
}
