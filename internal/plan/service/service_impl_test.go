package service

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/meterly/internal/clock"
	"github.com/smallbiznis/meterly/internal/granularity"
	metricdomain "github.com/smallbiznis/meterly/internal/metric/domain"
	metricrepository "github.com/smallbiznis/meterly/internal/metric/repository"
	metricservice "github.com/smallbiznis/meterly/internal/metric/service"
	"github.com/smallbiznis/meterly/internal/plan/domain"
	"github.com/smallbiznis/meterly/internal/plan/repository"
	"github.com/smallbiznis/meterly/internal/pricetier"
	"github.com/smallbiznis/meterly/pkg/db/dbtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const orgID snowflake.ID = 1001

type fixture struct {
	svc    domain.Service
	metric *metricdomain.Metric
	clock  *clock.FakeClock
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	db := dbtest.Open(t, &metricdomain.Metric{}, &domain.PlanVersion{}, &domain.PlanComponent{})
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	clk := clock.NewFakeClock(time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC))

	metrics := metricservice.New(metricservice.Params{
		DB: db, Log: zap.NewNop(), GenID: node, Clock: clk, Repo: metricrepository.Provide(),
	})
	m, err := metrics.Create(context.Background(), metricdomain.CreateRequest{
		OrgID:        orgID,
		Code:         "words",
		EventName:    "document_translated",
		PropertyName: "words",
		Aggregation:  metricdomain.AggregationSum,
		Kind:         metricdomain.KindCounter,
	})
	require.NoError(t, err)

	svc := New(Params{
		DB: db, Log: zap.NewNop(), GenID: node, Clock: clk, Repo: repository.Provide(), MetricSvc: metrics,
	})
	return fixture{svc: svc, metric: m, clock: clk}
}

func wordTiers() []pricetier.Tier {
	return []pricetier.Tier{
		{RangeStart: decimal.Zero, RangeEnd: lo.ToPtr(decimal.NewFromInt(2000)), Kind: pricetier.KindFree},
		{RangeStart: decimal.NewFromInt(2000), Kind: pricetier.KindPerUnit, CostPerBatch: decimal.NewFromInt(5), UnitsPerBatch: lo.ToPtr(decimal.NewFromInt(100)), BatchRounding: pricetier.RoundUp},
	}
}

func (f fixture) request() domain.CreateVersionRequest {
	return domain.CreateVersionRequest{
		OrgID:    orgID,
		PlanCode: "translate",
		Name:     "Translate",
		Cadence:  granularity.Monthly,
		Currency: "usd",
		Charges: []domain.RecurringCharge{
			{Name: "Platform fee", Amount: decimal.NewFromInt(49), Timing: domain.TimingAdvance, Behavior: domain.BehaviorProrate},
		},
		Adjustment: &domain.PriceAdjustment{Kind: domain.AdjustmentPercentage, Amount: decimal.NewFromInt(10)},
		Features:   []string{"sso", "", "sso", "audit"},
		Components: []domain.ComponentRequest{
			{MetricID: f.metric.ID, Name: "Words", Tiers: wordTiers()},
		},
	}
}

func TestCreateVersionRoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	plan, err := f.svc.CreateVersion(ctx, f.request())
	require.NoError(t, err)
	assert.Equal(t, 1, plan.Version)
	assert.Equal(t, domain.StatusDraft, plan.Status)
	assert.Equal(t, "USD", plan.Currency)

	got, err := f.svc.Get(ctx, orgID, plan.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"sso", "audit"}, []string(got.Features))
	require.NotNil(t, got.Adjustment)
	assert.Equal(t, domain.AdjustmentPercentage, got.Adjustment.Kind)
	require.Len(t, got.Charges, 1)
	assert.True(t, decimal.NewFromInt(49).Equal(got.Charges[0].Amount))

	require.Len(t, got.Components, 1)
	c := got.Components[0]
	assert.Equal(t, granularity.Total, c.ProrationGranularity)
	require.Len(t, c.Tiers, 2)
	assert.NoError(t, pricetier.Validate(c.Tiers))
	ev := pricetier.Evaluate(c.Tiers, decimal.NewFromInt(2500), decimal.Zero)
	assert.Equal(t, "25", ev.Amount.String())
}

func TestPublishArchivesPreviousVersion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	v1, err := f.svc.CreateVersion(ctx, f.request())
	require.NoError(t, err)
	_, err = f.svc.Publish(ctx, orgID, v1.ID)
	require.NoError(t, err)

	_, err = f.svc.Publish(ctx, orgID, v1.ID)
	assert.ErrorIs(t, err, domain.ErrNotDraft)

	f.clock.Advance(time.Hour)
	v2, err := f.svc.CreateVersion(ctx, f.request())
	require.NoError(t, err)
	assert.Equal(t, 2, v2.Version)

	active, err := f.svc.GetActive(ctx, orgID, "translate")
	require.NoError(t, err)
	assert.Equal(t, v1.ID, active.ID)

	published, err := f.svc.Publish(ctx, orgID, v2.ID)
	require.NoError(t, err)
	require.NotNil(t, published.PublishedAt)

	active, err = f.svc.GetActive(ctx, orgID, "translate")
	require.NoError(t, err)
	assert.Equal(t, v2.ID, active.ID)

	old, err := f.svc.Get(ctx, orgID, v1.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusArchived, old.Status)
	assert.Len(t, old.Components, 1)

	versions, err := f.svc.List(ctx, orgID)
	require.NoError(t, err)
	assert.Len(t, versions, 2)
}

func TestCreateVersionValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cases := []struct {
		name   string
		mutate func(*domain.CreateVersionRequest)
		want   error
	}{
		{"missing org", func(r *domain.CreateVersionRequest) { r.OrgID = 0 }, domain.ErrInvalidOrganization},
		{"missing code", func(r *domain.CreateVersionRequest) { r.PlanCode = " " }, domain.ErrInvalidPlanCode},
		{"hourly cadence", func(r *domain.CreateVersionRequest) { r.Cadence = granularity.Hourly }, domain.ErrInvalidCadence},
		{"bad currency", func(r *domain.CreateVersionRequest) { r.Currency = "dollars" }, domain.ErrInvalidCurrency},
		{"charge timing", func(r *domain.CreateVersionRequest) { r.Charges[0].Timing = "later" }, domain.ErrInvalidCharge},
		{"negative charge", func(r *domain.CreateVersionRequest) { r.Charges[0].Amount = decimal.NewFromInt(-1) }, domain.ErrInvalidCharge},
		{"percentage over 100", func(r *domain.CreateVersionRequest) { r.Adjustment.Amount = decimal.NewFromInt(150) }, domain.ErrInvalidAdjustment},
		{"addon frequency", func(r *domain.CreateVersionRequest) { r.IsAddon = true; r.AddonFrequency = "weekly" }, domain.ErrInvalidAddon},
		{"gapped tiers", func(r *domain.CreateVersionRequest) {
			r.Components[0].Tiers[1].RangeStart = decimal.NewFromInt(2100)
		}, domain.ErrInvalidTiers},
		{"unknown metric", func(r *domain.CreateVersionRequest) { r.Components[0].MetricID = 42 }, domain.ErrMetricNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := f.request()
			tc.mutate(&req)
			_, err := f.svc.CreateVersion(ctx, req)
			assert.ErrorIs(t, err, tc.want)
		})
	}
}
