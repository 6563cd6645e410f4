package observability

import (
	"testing"

	"github.com/smallbiznis/meterly/internal/config"
	"github.com/stretchr/testify/assert"
)

func TestMetricsConfig(t *testing.T) {
	cfg := MetricsConfig(config.Config{AppName: "meterly", MetricsExporter: "HTTP", OTLPEndpoint: "collector:4318"})
	assert.True(t, cfg.Enabled)
	assert.Equal(t, "http", cfg.ExporterProtocol)

	assert.False(t, MetricsConfig(config.Config{MetricsExporter: "grpc"}).Enabled)
	assert.False(t, MetricsConfig(config.Config{OTLPEndpoint: "collector:4317"}).Enabled)
}
