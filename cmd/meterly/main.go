package main

import (
	"github.com/smallbiznis/meterly/internal/access"
	"github.com/smallbiznis/meterly/internal/apikey"
	"github.com/smallbiznis/meterly/internal/cache"
	"github.com/smallbiznis/meterly/internal/clock"
	"github.com/smallbiznis/meterly/internal/config"
	"github.com/smallbiznis/meterly/internal/customer"
	"github.com/smallbiznis/meterly/internal/invoice"
	"github.com/smallbiznis/meterly/internal/lock"
	"github.com/smallbiznis/meterly/internal/logger"
	"github.com/smallbiznis/meterly/internal/metric"
	"github.com/smallbiznis/meterly/internal/migration"
	"github.com/smallbiznis/meterly/internal/observability"
	"github.com/smallbiznis/meterly/internal/plan"
	"github.com/smallbiznis/meterly/internal/rating"
	"github.com/smallbiznis/meterly/internal/scheduler"
	"github.com/smallbiznis/meterly/internal/subscription"
	"github.com/smallbiznis/meterly/internal/usage"
	"github.com/smallbiznis/meterly/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
)

func main() {
	app := fx.New(
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log.Named("fx")}
		}),

		// Core infrastructure
		config.Module,
		logger.Module,
		observability.Module,
		clock.Module,
		db.Module,
		migration.Module,
		lock.Module,
		cache.Module,

		// Domains
		apikey.Module,
		customer.Module,
		metric.Module,
		usage.Module,
		plan.Module,
		subscription.Module,
		rating.Module,
		invoice.Module,
		access.Module,

		scheduler.Module,
	)
	app.Run()
}
