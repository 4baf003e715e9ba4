package ratelimit

import (
	"context"
	"fmt"

	redis "github.com/redis/go-redis/v9"
	"github.com/sautistream/ledgercore/internal/config"
	"go.uber.org/fx"
)

const (
	keyPlayIngestListener = "plays:ingest:listener:%s"
	keyPlayIngestGlobal   = "plays:ingest:global"
)

// PlayIngestLimiter throttles the play tracking endpoint. A listener replaying
// a song cannot report plays faster than real time, so a tight per-listener
// bucket mostly catches scripted fraud.
type PlayIngestLimiter struct {
	enabled bool

	bucket *TokenBucket

	listenerRate  float64
	listenerBurst int
	globalRate    float64
	globalBurst   int
}

type PlayIngestParams struct {
	fx.In

	Cfg   config.Config
	Redis *redis.Client `optional:"true"`
}

func NewPlayIngestLimiter(p PlayIngestParams) *PlayIngestLimiter {
	limitCfg := p.Cfg.RateLimit
	if !limitCfg.Enabled || p.Redis == nil {
		return nil
	}

	return &PlayIngestLimiter{
		enabled:       true,
		bucket:        NewTokenBucket(p.Redis),
		listenerRate:  limitCfg.PlayListenerRate,
		listenerBurst: limitCfg.PlayListenerBurst,
		globalRate:    limitCfg.PlayGlobalRate,
		globalBurst:   limitCfg.PlayGlobalBurst,
	}
}

func (l *PlayIngestLimiter) Enabled() bool {
	return l != nil && l.enabled
}

func (l *PlayIngestLimiter) AllowListener(ctx context.Context, listenerID string) (bool, error) {
	if !l.Enabled() {
		return true, nil
	}
	return l.bucket.Allow(ctx, fmt.Sprintf(keyPlayIngestListener, listenerID), l.listenerRate, l.listenerBurst)
}

func (l *PlayIngestLimiter) AllowGlobal(ctx context.Context) (bool, error) {
	if !l.Enabled() {
		return true, nil
	}
	return l.bucket.Allow(ctx, keyPlayIngestGlobal, l.globalRate, l.globalBurst)
}
