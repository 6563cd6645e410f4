package metrics

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.opentelemetry.io/otel/attribute"
)

func TestFilterAttributesDropsForbiddenLabels(t *testing.T) {
	attrs := FilterAttributes(
		attribute.String("org_id", "123"),
		attribute.String("customer_id", "456"),
		attribute.String("event_name", "api_call"),
	)
	assert.Len(t, attrs, 2)
	keys := []attribute.Key{attrs[0].Key, attrs[1].Key}
	assert.Contains(t, keys, attribute.Key("org_id"))
	assert.Contains(t, keys, attribute.Key("event_name"))
}

func TestNoopMetricsAcceptRecords(t *testing.T) {
	m := NewNoop()
	ctx := context.Background()
	m.RecordUsageIngest(ctx, "api_call", false)
	m.RecordUsageIngest(ctx, "api_call", true)
	m.RecordInvoice(ctx, "finalized", "usd", 12.5)
	m.RecordLockContention(ctx, "invoice_finalize")

	var nilMetrics *Metrics
	nilMetrics.RecordUsageIngest(ctx, "api_call", false)
}
