package observability

import (
	"github.com/smallbiznis/meterly/internal/observability/metrics"
	"github.com/smallbiznis/meterly/pkg/telemetry"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/fx"
)

var Module = fx.Module("observability",
	telemetry.Module,
	fx.Provide(
		MetricsConfig,
		metrics.NewProvider,
		metrics.New,
		metrics.SchedulerWithConfig,
	),
	fx.Invoke(func(*sdktrace.TracerProvider) {}),
)
