package migration

import (
	accountdomain "github.com/meterbill/meterbill/internal/account/domain"
	billingdomain "github.com/meterbill/meterbill/internal/billing/domain"
	"github.com/meterbill/meterbill/internal/config"
	ledgerdomain "github.com/meterbill/meterbill/internal/ledger/domain"
	reconciledomain "github.com/meterbill/meterbill/internal/reconcile/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func run(cfg config.Config, gdb *gorm.DB, log *zap.Logger) error {
	if cfg.DBType != "postgres" {
		// sqlite deployments (dev, tests) rely on AutoMigrate; the SQL
		// migrations are written for postgres.
		return gdb.AutoMigrate(
			&accountdomain.Account{},
			&billingdomain.UsageCache{},
			&ledgerdomain.LedgerEntry{},
			&reconciledomain.Anomaly{},
		)
	}

	sqlDB, err := gdb.DB()
	if err != nil {
		return err
	}
	if err := RunMigrations(sqlDB); err != nil {
		return err
	}
	log.Info("migrations applied")
	return nil
}

// Module applies schema migrations at startup.
var Module = fx.Module("migration",
	fx.Invoke(run),
)
