package scheduler

import (
	"time"
)

// Config controls scheduler intervals and batch sizes.
type Config struct {
	RunInterval         time.Duration
	EnabledJobs         []string
	DrainBatchSize      int
	DistributeBatchSize int
	PayoutBatchSize     int
	ReconcileBatchSize  int
	OverdueBatchSize    int
}

func DefaultConfig() Config {
	return Config{
		RunInterval:         time.Minute,
		DrainBatchSize:      200,
		DistributeBatchSize: 100,
		PayoutBatchSize:     100,
		ReconcileBatchSize:  50,
		OverdueBatchSize:    100,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.RunInterval <= 0 {
		c.RunInterval = defaults.RunInterval
	}
	if c.DrainBatchSize <= 0 {
		c.DrainBatchSize = defaults.DrainBatchSize
	}
	if c.DistributeBatchSize <= 0 {
		c.DistributeBatchSize = defaults.DistributeBatchSize
	}
	if c.PayoutBatchSize <= 0 {
		c.PayoutBatchSize = defaults.PayoutBatchSize
	}
	if c.ReconcileBatchSize <= 0 {
		c.ReconcileBatchSize = defaults.ReconcileBatchSize
	}
	if c.OverdueBatchSize <= 0 {
		c.OverdueBatchSize = defaults.OverdueBatchSize
	}
	return c
}
