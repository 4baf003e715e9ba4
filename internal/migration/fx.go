package migration

import (
	auditdomain "github.com/sautistream/ledgercore/internal/audit/domain"
	"github.com/sautistream/ledgercore/internal/config"
	ledgerdomain "github.com/sautistream/ledgercore/internal/ledger/domain"
	paymentrepo "github.com/sautistream/ledgercore/internal/payment/repository"
	revenuedomain "github.com/sautistream/ledgercore/internal/revenue/domain"
	royaltydomain "github.com/sautistream/ledgercore/internal/royalty/domain"
	saccodomain "github.com/sautistream/ledgercore/internal/sacco/domain"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config) error {
		if cfg.DBType != "postgres" {
			// sqlite and mysql are local/dev setups; let gorm derive the
			// schema from the models instead of the postgres DDL.
			return conn.AutoMigrate(
				&ledgerdomain.LedgerEntry{},
				&ledgerdomain.WalletBalance{},
				&revenuedomain.PlayEvent{},
				&revenuedomain.RevenueAccrual{},
				&royaltydomain.RoyaltySplit{},
				paymentrepo.Model(),
				&saccodomain.Account{},
				&saccodomain.Loan{},
				&auditdomain.AuditLog{},
			)
		}

		sqlDB, err := conn.DB()
		if err != nil {
			return err
		}
		return RunMigrations(sqlDB)
	}),
)
