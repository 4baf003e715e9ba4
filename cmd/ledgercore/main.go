package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/sautistream/ledgercore/internal/audit"
	"github.com/sautistream/ledgercore/internal/authorization"
	"github.com/sautistream/ledgercore/internal/cache"
	"github.com/sautistream/ledgercore/internal/clock"
	"github.com/sautistream/ledgercore/internal/config"
	"github.com/sautistream/ledgercore/internal/ledger"
	"github.com/sautistream/ledgercore/internal/logger"
	"github.com/sautistream/ledgercore/internal/migration"
	"github.com/sautistream/ledgercore/internal/observability"
	"github.com/sautistream/ledgercore/internal/payment"
	"github.com/sautistream/ledgercore/internal/payout"
	"github.com/sautistream/ledgercore/internal/ratelimit"
	"github.com/sautistream/ledgercore/internal/revenue"
	"github.com/sautistream/ledgercore/internal/royalty"
	"github.com/sautistream/ledgercore/internal/sacco"
	"github.com/sautistream/ledgercore/internal/scheduler"
	"github.com/sautistream/ledgercore/internal/server"
	"github.com/sautistream/ledgercore/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// Core infrastructure
		config.Module,
		logger.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		cache.Module,
		ratelimit.Module,
		clock.Module,
		migration.Module,

		// Functional domains
		audit.Module,
		authorization.Module,
		ledger.Module,
		revenue.Module,
		royalty.Module,
		payment.Module,
		sacco.Module,
		payout.Module,

		// Surfaces
		scheduler.Module,
		server.Module,
	)
	app.Run()
}

func RegisterSnowflake() (*snowflake.Node, error) {
	return snowflake.NewNode(1)
}
