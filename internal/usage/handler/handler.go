// Package handler turns matching usage events into usage tables. Each
// metric kind has its own Handler, selected through a Registry.
package handler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/meterly/internal/granularity"
	metricdomain "github.com/smallbiznis/meterly/internal/metric/domain"
	"github.com/smallbiznis/meterly/internal/metric/predicate"
	usagedomain "github.com/smallbiznis/meterly/internal/usage/domain"
	"github.com/smallbiznis/meterly/internal/usage/query"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	ErrUnsupportedMetricKind = errors.New("unsupported_metric_kind")
	ErrMisconfiguredMetric   = errors.New("misconfigured_metric")
	ErrInvalidRange          = errors.New("invalid_range")
)

// IsConfigurationError reports errors caused by how a metric was authored
// rather than by the data or the store.
func IsConfigurationError(err error) bool {
	return errors.Is(err, ErrUnsupportedMetricKind) || errors.Is(err, ErrMisconfiguredMetric)
}

type Request struct {
	Metric     metricdomain.Metric
	CustomerID *snowflake.ID
	Start      time.Time
	End        time.Time
	// Granularity overrides the metric's own sampling grid when set.
	Granularity  granularity.Granularity
	GroupBy      []string
	Filters      map[string]string
	BillableOnly bool
}

func (r Request) granularity() granularity.Granularity {
	if r.Granularity != "" {
		return r.Granularity
	}
	if r.Metric.Granularity != "" {
		return r.Metric.Granularity
	}
	return granularity.Total
}

func (r Request) builder() *query.Builder {
	return query.For(r.Metric).
		Customer(r.CustomerID).
		Narrow(r.Filters).
		GroupBy(r.GroupBy).
		Granularity(r.granularity())
}

// bucketKey returns the start of the clipped bucket an instant belongs to.
// Total collapses every instant onto the range start.
func (r Request) bucketKey(ts time.Time) time.Time {
	g := r.granularity()
	start := r.Start.UTC()
	if g.IsTotal() {
		return start
	}
	if key := g.Truncate(ts); key.After(start) {
		return key
	}
	return start
}

type Handler interface {
	Compute(ctx context.Context, req Request) (usagedomain.Table, error)
}

type Registry struct {
	handlers map[string]Handler
}

func registryKey(kind metricdomain.Kind, eventType metricdomain.EventType) string {
	if kind == metricdomain.KindStateful {
		return string(kind) + "/" + string(eventType)
	}
	return string(kind)
}

// NewRegistry wires every built-in handler to the given store.
func NewRegistry(store usagedomain.EventStore) *Registry {
	r := &Registry{handlers: map[string]Handler{}}
	r.Register(metricdomain.KindCounter, "", &Counter{store: store})
	r.Register(metricdomain.KindStateful, metricdomain.EventTypeTotal, &StatefulTotal{store: store})
	r.Register(metricdomain.KindStateful, metricdomain.EventTypeDelta, &StatefulDelta{store: store})
	r.Register(metricdomain.KindRate, "", &Rate{store: store})
	return r
}

func (r *Registry) Register(kind metricdomain.Kind, eventType metricdomain.EventType, h Handler) {
	r.handlers[registryKey(kind, eventType)] = h
}

func (r *Registry) For(m metricdomain.Metric) (Handler, error) {
	h, ok := r.handlers[registryKey(m.Kind, m.EventType)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedMetricKind, registryKey(m.Kind, m.EventType))
	}
	return h, nil
}

var tracer = otel.Tracer("github.com/smallbiznis/meterly/internal/usage/handler")

// Compute validates the request, dispatches to the metric's handler and
// records a span around the computation.
func (r *Registry) Compute(ctx context.Context, req Request) (usagedomain.Table, error) {
	ctx, span := tracer.Start(ctx, "usage.compute", trace.WithAttributes(
		attribute.String("metric.code", req.Metric.Code),
		attribute.String("metric.kind", string(req.Metric.Kind)),
		attribute.String("granularity", string(req.granularity())),
	))
	defer span.End()

	if !req.End.After(req.Start) {
		return nil, ErrInvalidRange
	}
	if req.Metric.NeedsProperty() && req.Metric.PropertyName == "" {
		return nil, fmt.Errorf("%w: property_name required for %s", ErrMisconfiguredMetric, req.Metric.Code)
	}
	h, err := r.For(req.Metric)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	table, err := h.Compute(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int("groups", len(table)))
	return table, nil
}

// propertyValue reads and coerces the metric's property. Events failing
// coercion are excluded from the aggregation.
func propertyValue(m metricdomain.Metric, ev usagedomain.Event) (decimal.Decimal, bool) {
	raw, ok := ev.Properties[m.PropertyName]
	if !ok {
		return decimal.Zero, false
	}
	return predicate.Coerce(raw)
}

// groupEvents partitions ordered events by group key, keeping order.
func groupEvents(plan query.Plan, events []usagedomain.Event) map[string][]usagedomain.Event {
	out := map[string][]usagedomain.Event{}
	for _, ev := range events {
		key := plan.GroupKey(ev.Properties)
		out[key] = append(out[key], ev)
	}
	return out
}

// Provide builds the registry over the durable event store.
func Provide(repo usagedomain.Repository) *Registry {
	return NewRegistry(repo)
}
