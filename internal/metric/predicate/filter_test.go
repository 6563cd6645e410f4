package predicate

import (
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
	metricdomain "github.com/smallbiznis/meterly/internal/metric/domain"
	"github.com/stretchr/testify/assert"
)

func TestNumericFailsClosed(t *testing.T) {
	p := Numeric(metricdomain.NumericFilter{Property: "tokens", Operator: metricdomain.OpGte, Value: decimal.NewFromInt(10)})

	assert.True(t, p.Match(map[string]any{"tokens": float64(10)}))
	assert.True(t, p.Match(map[string]any{"tokens": "12.5"}))
	assert.True(t, p.Match(map[string]any{"tokens": json.Number("11")}))
	assert.False(t, p.Match(map[string]any{"tokens": float64(9)}))
	assert.False(t, p.Match(map[string]any{}), "absent property")
	assert.False(t, p.Match(map[string]any{"tokens": "lots"}), "non-coercible property")
	assert.False(t, p.Match(map[string]any{"tokens": map[string]any{"n": 1}}))
}

func TestNumericOperators(t *testing.T) {
	props := map[string]any{"n": float64(5)}
	cases := map[metricdomain.NumericOperator]bool{
		metricdomain.OpEq:  true,
		metricdomain.OpNeq: false,
		metricdomain.OpGt:  false,
		metricdomain.OpGte: true,
		metricdomain.OpLt:  false,
		metricdomain.OpLte: true,
	}
	for op, want := range cases {
		p := Numeric(metricdomain.NumericFilter{Property: "n", Operator: op, Value: decimal.NewFromInt(5)})
		assert.Equal(t, want, p.Match(props), string(op))
	}
}

func TestCategorical(t *testing.T) {
	in := Categorical(metricdomain.CategoricalFilter{Property: "region", Operator: metricdomain.OpIsIn, Values: []string{"us", "eu"}})
	notIn := Categorical(metricdomain.CategoricalFilter{Property: "region", Operator: metricdomain.OpIsNotIn, Values: []string{"us"}})

	assert.True(t, in.Match(map[string]any{"region": "eu"}))
	assert.False(t, in.Match(map[string]any{"region": "apac"}))
	assert.False(t, in.Match(map[string]any{}))

	assert.True(t, notIn.Match(map[string]any{"region": "eu"}))
	assert.False(t, notIn.Match(map[string]any{"region": "us"}))
	assert.True(t, notIn.Match(map[string]any{}))
}

func TestCategoricalNumericValues(t *testing.T) {
	p := Equals("tier", "3")
	assert.True(t, p.Match(map[string]any{"tier": float64(3)}))
	assert.False(t, p.Match(map[string]any{"tier": 3.5}))
}

func TestAll(t *testing.T) {
	p := All(Equals("a", "x"), nil, Equals("b", "y"))
	assert.True(t, p.Match(map[string]any{"a": "x", "b": "y"}))
	assert.False(t, p.Match(map[string]any{"a": "x"}))
	assert.True(t, All().Match(nil))
}

func TestGroupKey(t *testing.T) {
	props := map[string]any{"region": "us", "shard": float64(2)}

	assert.Equal(t, "", GroupKey(props, nil))
	assert.Equal(t, "region=us|shard=2", GroupKey(props, []string{"region", "shard"}))
	assert.Equal(t, "shard=2|region=us", GroupKey(props, []string{"shard", "region"}))
	assert.Equal(t, "zone=", GroupKey(props, []string{"zone"}))

	assert.Equal(t, map[string]string{"region": "us", "shard": "2"}, ParseGroupKey("region=us|shard=2"))
	assert.Empty(t, ParseGroupKey(""))
}
