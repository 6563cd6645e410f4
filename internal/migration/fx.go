package migration

import (
	apikeydomain "github.com/smallbiznis/meterly/internal/apikey/domain"
	"github.com/smallbiznis/meterly/internal/config"
	customerdomain "github.com/smallbiznis/meterly/internal/customer/domain"
	invoicedomain "github.com/smallbiznis/meterly/internal/invoice/domain"
	metricdomain "github.com/smallbiznis/meterly/internal/metric/domain"
	plandomain "github.com/smallbiznis/meterly/internal/plan/domain"
	subscriptiondomain "github.com/smallbiznis/meterly/internal/subscription/domain"
	taxdomain "github.com/smallbiznis/meterly/internal/tax/domain"
	usagedomain "github.com/smallbiznis/meterly/internal/usage/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Models lists every persisted table, in dependency order.
func Models() []any {
	return []any{
		&customerdomain.Customer{},
		&apikeydomain.APIKey{},
		&usagedomain.Event{},
		&metricdomain.Metric{},
		&plandomain.PlanVersion{},
		&plandomain.PlanComponent{},
		&subscriptiondomain.Record{},
		&taxdomain.TaxDefinition{},
		&invoicedomain.Invoice{},
		&invoicedomain.LineItem{},
	}
}

// Module applies the embedded SQL migrations on postgres. Other dialects
// only get a schema when DATABASE_AUTO_MIGRATE is set.
var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config, log *zap.Logger) error {
		if cfg.DBType != "postgres" {
			if !cfg.DBAutoMigrate {
				return nil
			}
			log.Info("auto-migrating schema", zap.String("dialect", cfg.DBType))
			return conn.AutoMigrate(Models()...)
		}
		sqlDB, err := conn.DB()
		if err != nil {
			return err
		}
		return RunMigrations(sqlDB)
	}),
)
