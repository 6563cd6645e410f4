package metrics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Config configures the metrics provider.
type Config struct {
	Enabled          bool
	ExporterEndpoint string
	ExporterProtocol string
	ServiceName      string
	Environment      string
}

// Metrics exposes billing domain instruments.
type Metrics struct {
	usageIngest       metric.Int64Counter
	usageDuplicates   metric.Int64Counter
	invoicesGenerated metric.Int64Counter
	invoiceAmount     metric.Float64Histogram
	lockContention    metric.Int64Counter
}

// NewProvider configures and registers the meter provider.
func NewProvider(lc fx.Lifecycle, cfg Config, log *zap.Logger) (metric.MeterProvider, error) {
	if !cfg.Enabled {
		provider := noop.NewMeterProvider()
		otel.SetMeterProvider(provider)
		return provider, nil
	}

	exporter, err := newExporter(cfg.ExporterProtocol, cfg.ExporterEndpoint)
	if err != nil {
		return nil, err
	}

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(10*time.Second))
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetMeterProvider(provider)

	if lc != nil {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				log.Info("shutting down meter provider")
				return provider.Shutdown(ctx)
			},
		})
	}

	log.Info("metrics initialized",
		zap.String("endpoint", cfg.ExporterEndpoint),
		zap.String("protocol", cfg.ExporterProtocol),
	)

	return provider, nil
}

// New configures the domain metrics instruments.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "meterly"
	}
	meter := provider.Meter(name)

	usageIngest, err := meter.Int64Counter("meterly_usage_ingest_total")
	if err != nil {
		return nil, err
	}
	usageDuplicates, err := meter.Int64Counter("meterly_usage_duplicates_total")
	if err != nil {
		return nil, err
	}
	invoicesGenerated, err := meter.Int64Counter("meterly_invoices_generated_total")
	if err != nil {
		return nil, err
	}
	invoiceAmount, err := meter.Float64Histogram("meterly_invoice_amount_due")
	if err != nil {
		return nil, err
	}
	lockContention, err := meter.Int64Counter("meterly_lock_contention_total")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		usageIngest:       usageIngest,
		usageDuplicates:   usageDuplicates,
		invoicesGenerated: invoicesGenerated,
		invoiceAmount:     invoiceAmount,
		lockContention:    lockContention,
	}, nil
}

// NewNoop returns instruments backed by the noop provider.
func NewNoop() *Metrics {
	m, _ := New(Config{}, noop.NewMeterProvider())
	return m
}

// RecordUsageIngest counts accepted and deduplicated events separately.
func (m *Metrics) RecordUsageIngest(ctx context.Context, eventName string, duplicate bool) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("event_name", strings.TrimSpace(eventName)))
	if duplicate {
		m.usageDuplicates.Add(ctx, 1, metric.WithAttributes(attrs...))
		return
	}
	m.usageIngest.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordInvoice counts generated invoices by status and records amount due.
func (m *Metrics) RecordInvoice(ctx context.Context, status, currency string, amountDue float64) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("status", strings.TrimSpace(status)),
		attribute.String("currency", strings.ToUpper(strings.TrimSpace(currency))),
	)
	m.invoicesGenerated.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.invoiceAmount.Record(ctx, amountDue, metric.WithAttributes(attrs...))
}

func (m *Metrics) RecordLockContention(ctx context.Context, resource string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("resource", strings.TrimSpace(resource)))
	m.lockContention.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	protocol = strings.ToLower(strings.TrimSpace(protocol))
	switch protocol {
	case "http", "http/protobuf":
		opts := []otlpmetrichttp.Option{otlpmetrichttp.WithInsecure()}
		if endpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(endpoint))
		}
		return otlpmetrichttp.New(context.Background(), opts...)
	case "grpc", "grpc/protobuf", "":
		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithInsecure()}
		if endpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(endpoint))
		}
		return otlpmetricgrpc.New(context.Background(), opts...)
	default:
		return nil, fmt.Errorf("unsupported OTLP protocol %q", protocol)
	}
}

var allowedLabelKeys = map[attribute.Key]struct{}{
	"org_id":     {},
	"event_name": {},
	"status":     {},
	"currency":   {},
	"resource":   {},
	"job":        {},
	"reason":     {},
}

// FilterAttributes strips disallowed labels to keep metrics low-cardinality.
func FilterAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	filtered := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		if _, ok := allowedLabelKeys[attr.Key]; !ok {
			continue
		}
		filtered = append(filtered, attr)
	}
	return filtered
}
