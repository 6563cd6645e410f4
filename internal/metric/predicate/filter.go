// Package predicate evaluates metric filters and resolves group keys
// against event property bags.
package predicate

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	metricdomain "github.com/smallbiznis/meterly/internal/metric/domain"
)

// Predicate decides whether an event's properties pass a filter.
type Predicate interface {
	Match(props map[string]any) bool
}

// Func adapts a plain function to Predicate.
type Func func(props map[string]any) bool

func (f Func) Match(props map[string]any) bool { return f(props) }

type numeric struct {
	filter metricdomain.NumericFilter
}

// Numeric builds a predicate that fails closed: an absent or non-coercible
// property never matches.
func Numeric(f metricdomain.NumericFilter) Predicate {
	return numeric{filter: f}
}

func (p numeric) Match(props map[string]any) bool {
	raw, ok := props[p.filter.Property]
	if !ok {
		return false
	}
	value, ok := Coerce(raw)
	if !ok {
		return false
	}
	cmp := value.Cmp(p.filter.Value)
	switch p.filter.Operator {
	case metricdomain.OpEq:
		return cmp == 0
	case metricdomain.OpNeq:
		return cmp != 0
	case metricdomain.OpGt:
		return cmp > 0
	case metricdomain.OpGte:
		return cmp >= 0
	case metricdomain.OpLt:
		return cmp < 0
	case metricdomain.OpLte:
		return cmp <= 0
	default:
		return false
	}
}

type categorical struct {
	property string
	negate   bool
	values   map[string]struct{}
}

// Categorical builds an is-in / is-not-in predicate. An absent property is
// not in any set.
func Categorical(f metricdomain.CategoricalFilter) Predicate {
	values := make(map[string]struct{}, len(f.Values))
	for _, v := range f.Values {
		values[v] = struct{}{}
	}
	return categorical{
		property: f.Property,
		negate:   f.Operator == metricdomain.OpIsNotIn,
		values:   values,
	}
}

func (p categorical) Match(props map[string]any) bool {
	raw, ok := props[p.property]
	if !ok || raw == nil {
		return p.negate
	}
	_, in := p.values[Stringify(raw)]
	if p.negate {
		return !in
	}
	return in
}

// Equals matches when the property equals value. Subscription narrowing
// filters are expressed this way.
func Equals(property, value string) Predicate {
	return Categorical(metricdomain.CategoricalFilter{
		Property: property,
		Operator: metricdomain.OpIsIn,
		Values:   []string{value},
	})
}

// All combines predicates with AND. An empty set matches everything.
func All(preds ...Predicate) Predicate {
	preds = lo.Filter(preds, func(p Predicate, _ int) bool { return p != nil })
	return Func(func(props map[string]any) bool {
		for _, p := range preds {
			if !p.Match(props) {
				return false
			}
		}
		return true
	})
}

// FromMetric returns the metric's declared numeric and categorical filters.
func FromMetric(m metricdomain.Metric) []Predicate {
	out := make([]Predicate, 0, len(m.NumericFilters)+len(m.CategoricalFilters))
	for _, f := range m.NumericFilters {
		out = append(out, Numeric(f))
	}
	for _, f := range m.CategoricalFilters {
		out = append(out, Categorical(f))
	}
	return out
}

// Coerce converts a JSON property value to a decimal.
func Coerce(raw any) (decimal.Decimal, bool) {
	switch v := raw.(type) {
	case nil:
		return decimal.Zero, false
	case decimal.Decimal:
		return v, true
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return decimal.Zero, false
		}
		return decimal.NewFromFloat(v), true
	case float32:
		return decimal.NewFromFloat32(v), true
	case int:
		return decimal.NewFromInt(int64(v)), true
	case int32:
		return decimal.NewFromInt32(v), true
	case int64:
		return decimal.NewFromInt(v), true
	case uint64:
		d, err := decimal.NewFromString(strconv.FormatUint(v, 10))
		return d, err == nil
	case json.Number:
		d, err := decimal.NewFromString(v.String())
		return d, err == nil
	case string:
		d, err := decimal.NewFromString(strings.TrimSpace(v))
		return d, err == nil
	case bool:
		if v {
			return decimal.NewFromInt(1), true
		}
		return decimal.Zero, true
	default:
		return decimal.Zero, false
	}
}

// Stringify renders a property value for categorical comparison and group
// keys. Integral floats print without a fraction so 3 and 3.0 compare equal.
func Stringify(raw any) string {
	switch v := raw.(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		if v == math.Trunc(v) && math.Abs(v) < 1e15 {
			return strconv.FormatInt(int64(v), 10)
		}
		return strconv.FormatFloat(v, 'f', -1, 64)
	case decimal.Decimal:
		return v.String()
	default:
		return fmt.Sprint(v)
	}
}
