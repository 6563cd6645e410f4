// Package query builds backend-agnostic event query plans. Stores push down
// the scalar parts (organization, event name, customer, time range, order)
// and evaluate property predicates with Plan.Matches.
package query

import (
	"sort"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/samber/lo"
	"github.com/smallbiznis/meterly/internal/granularity"
	metricdomain "github.com/smallbiznis/meterly/internal/metric/domain"
	"github.com/smallbiznis/meterly/internal/metric/predicate"
)

type Plan struct {
	OrgID       snowflake.ID
	EventName   string
	CustomerID  *snowflake.ID
	Start       time.Time // zero means unbounded history
	End         time.Time
	Predicates  []predicate.Predicate
	GroupBy     []string
	Granularity granularity.Granularity
}

// Matches applies every property predicate.
func (p Plan) Matches(props map[string]any) bool {
	for _, pred := range p.Predicates {
		if !pred.Match(props) {
			return false
		}
	}
	return true
}

func (p Plan) GroupKey(props map[string]any) string {
	return predicate.GroupKey(props, p.GroupBy)
}

// Contains reports whether ts falls inside the plan's half-open range.
func (p Plan) Contains(ts time.Time) bool {
	if !p.Start.IsZero() && ts.Before(p.Start) {
		return false
	}
	return ts.Before(p.End)
}

type Builder struct {
	plan Plan
}

// For starts a plan from a metric's event name, filters and group-by.
func For(m metricdomain.Metric) *Builder {
	return &Builder{plan: Plan{
		OrgID:       m.OrgID,
		EventName:   m.EventName,
		Predicates:  predicate.FromMetric(m),
		GroupBy:     append([]string(nil), m.GroupBy...),
		Granularity: m.Granularity,
	}}
}

func (b *Builder) Customer(id *snowflake.ID) *Builder {
	if id != nil && *id != 0 {
		v := *id
		b.plan.CustomerID = &v
	}
	return b
}

func (b *Builder) Between(start, end time.Time) *Builder {
	b.plan.Start = start.UTC()
	b.plan.End = end.UTC()
	return b
}

// Since drops the lower bound so pre-window history is returned.
func (b *Builder) Since(start time.Time) *Builder {
	if start.IsZero() {
		b.plan.Start = time.Time{}
		return b
	}
	b.plan.Start = start.UTC()
	return b
}

func (b *Builder) Where(preds ...predicate.Predicate) *Builder {
	b.plan.Predicates = append(b.plan.Predicates, preds...)
	return b
}

// Narrow adds equality filters, sorted by property so plans are stable.
func (b *Builder) Narrow(filters map[string]string) *Builder {
	keys := lo.Keys(filters)
	sort.Strings(keys)
	for _, k := range keys {
		b.plan.Predicates = append(b.plan.Predicates, predicate.Equals(k, filters[k]))
	}
	return b
}

// GroupBy overrides the metric's own group-by when keys is non-empty.
func (b *Builder) GroupBy(keys []string) *Builder {
	if len(keys) > 0 {
		b.plan.GroupBy = lo.Uniq(keys)
	}
	return b
}

func (b *Builder) Granularity(g granularity.Granularity) *Builder {
	if g != "" {
		b.plan.Granularity = g
	}
	return b
}

func (b *Builder) Build() Plan {
	out := b.plan
	out.Predicates = append([]predicate.Predicate(nil), b.plan.Predicates...)
	return out
}
