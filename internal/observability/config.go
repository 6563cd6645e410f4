package observability

import (
	"strings"

	"github.com/smallbiznis/meterly/internal/config"
	"github.com/smallbiznis/meterly/internal/observability/metrics"
)

// MetricsConfig derives the OTel metrics exporter settings. METRICS_EXPORTER
// selects grpc or http; an empty exporter or endpoint disables export.
func MetricsConfig(cfg config.Config) metrics.Config {
	protocol := strings.ToLower(strings.TrimSpace(cfg.MetricsExporter))
	return metrics.Config{
		Enabled:          protocol != "" && cfg.OTLPEndpoint != "",
		ExporterEndpoint: cfg.OTLPEndpoint,
		ExporterProtocol: protocol,
		ServiceName:      cfg.AppName,
		Environment:      cfg.Environment,
	}
}
