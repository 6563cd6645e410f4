package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/meterly/internal/clock"
	customerdomain "github.com/smallbiznis/meterly/internal/customer/domain"
	customerrepository "github.com/smallbiznis/meterly/internal/customer/repository"
	customerservice "github.com/smallbiznis/meterly/internal/customer/service"
	"github.com/smallbiznis/meterly/internal/granularity"
	metricdomain "github.com/smallbiznis/meterly/internal/metric/domain"
	metricrepository "github.com/smallbiznis/meterly/internal/metric/repository"
	metricservice "github.com/smallbiznis/meterly/internal/metric/service"
	plandomain "github.com/smallbiznis/meterly/internal/plan/domain"
	planrepository "github.com/smallbiznis/meterly/internal/plan/repository"
	planservice "github.com/smallbiznis/meterly/internal/plan/service"
	"github.com/smallbiznis/meterly/internal/pricetier"
	ratingdomain "github.com/smallbiznis/meterly/internal/rating/domain"
	ratingservice "github.com/smallbiznis/meterly/internal/rating/service"
	"github.com/smallbiznis/meterly/internal/subscription/domain"
	"github.com/smallbiznis/meterly/internal/subscription/repository"
	usagedomain "github.com/smallbiznis/meterly/internal/usage/domain"
	"github.com/smallbiznis/meterly/internal/usage/handler"
	usagerepository "github.com/smallbiznis/meterly/internal/usage/repository"
	"github.com/smallbiznis/meterly/pkg/db/dbtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const orgID snowflake.ID = 1001

type mockInvoicer struct {
	mock.Mock
}

func (m *mockInvoicer) InvoiceRecords(ctx context.Context, org snowflake.ID, ids []snowflake.ID, chargeNextPlan bool) error {
	args := m.Called(org, ids, chargeNextPlan)
	return args.Error(0)
}

type fixture struct {
	db       *gorm.DB
	svc      domain.Service
	metrics  metricdomain.Service
	plans    plandomain.Service
	clock    *clock.FakeClock
	invoicer *mockInvoicer
	customer snowflake.ID
	basic    snowflake.ID
	pro      snowflake.ID
	addon    snowflake.ID
}

var june1 = time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := dbtest.Open(t,
		&metricdomain.Metric{},
		&plandomain.PlanVersion{},
		&plandomain.PlanComponent{},
		&customerdomain.Customer{},
		&domain.Record{},
	)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	clk := clock.NewFakeClock(june1.Add(12 * time.Hour))
	log := zap.NewNop()
	ctx := context.Background()

	metrics := metricservice.New(metricservice.Params{DB: db, Log: log, GenID: node, Clock: clk, Repo: metricrepository.Provide()})
	customers := customerservice.New(customerservice.Params{DB: db, Log: log, GenID: node, Clock: clk, Repo: customerrepository.Provide()})
	plans := planservice.New(planservice.Params{DB: db, Log: log, GenID: node, Clock: clk, Repo: planrepository.Provide(), MetricSvc: metrics})

	m, err := metrics.Create(ctx, metricdomain.CreateRequest{OrgID: orgID, Code: "calls", EventName: "api_call", Kind: metricdomain.KindCounter, Aggregation: metricdomain.AggregationCount})
	require.NoError(t, err)
	c, err := customers.Create(ctx, customerdomain.CreateCustomerRequest{OrgID: orgID, ExternalID: "acme", Name: "Acme", Currency: "USD"})
	require.NoError(t, err)

	publish := func(code string, addon bool) snowflake.ID {
		p, err := plans.CreateVersion(ctx, plandomain.CreateVersionRequest{
			OrgID:    orgID,
			PlanCode: code,
			Cadence:  granularity.Monthly,
			Currency: "USD",
			IsAddon:  addon,
			Charges: []plandomain.RecurringCharge{
				{Name: "Base", Amount: decimal.NewFromInt(30), Timing: plandomain.TimingArrears, Behavior: plandomain.BehaviorProrate},
			},
			Components: []plandomain.ComponentRequest{{
				MetricID: m.ID,
				Name:     "Calls",
				Tiers: []pricetier.Tier{{
					RangeStart: decimal.Zero, Kind: pricetier.KindPerUnit,
					CostPerBatch: decimal.NewFromInt(1), UnitsPerBatch: lo.ToPtr(decimal.NewFromInt(100)),
				}},
			}},
		})
		require.NoError(t, err)
		_, err = plans.Publish(ctx, orgID, p.ID)
		require.NoError(t, err)
		return p.ID
	}

	invoicer := &mockInvoicer{}
	f := &fixture{
		db:       db,
		metrics:  metrics,
		plans:    plans,
		clock:    clk,
		invoicer: invoicer,
		customer: c.ID,
		basic:    publish("basic", false),
		pro:      publish("pro", false),
		addon:    publish("support", true),
	}
	f.svc = New(Params{
		DB: db, Log: log, GenID: node, Clock: clk, Repo: repository.Provide(),
		PlanSvc: plans, CustomerSvc: customers, Invoicer: invoicer,
	})
	return f
}

func (f *fixture) create(t *testing.T, req domain.CreateRequest) *domain.Record {
	t.Helper()
	if req.OrgID == 0 {
		req.OrgID = orgID
	}
	if req.CustomerID == 0 {
		req.CustomerID = f.customer
	}
	if req.PlanVersionID == 0 {
		req.PlanVersionID = f.basic
	}
	rec, err := f.svc.Create(context.Background(), req)
	require.NoError(t, err)
	return rec
}

func TestCreateSetsAnchorAndStatus(t *testing.T) {
	f := newFixture(t)

	active := f.create(t, domain.CreateRequest{Start: june1})
	assert.Equal(t, domain.StatusActive, active.Status)
	assert.True(t, active.BillingAnchor.Equal(june1))
	assert.True(t, active.UsageStart.Equal(june1))

	future := f.create(t, domain.CreateRequest{PlanVersionID: f.pro, Start: june1.AddDate(0, 0, 10)})
	assert.Equal(t, domain.StatusNotStarted, future.Status)
}

func TestCreateRejectsOverlap(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	end := june1.AddDate(0, 1, 0)
	f.create(t, domain.CreateRequest{Start: june1, End: &end, Filters: map[string]string{"region": "eu"}})

	_, err := f.svc.Create(ctx, domain.CreateRequest{
		OrgID: orgID, CustomerID: f.customer, PlanVersionID: f.basic,
		Start: june1.AddDate(0, 0, 5), Filters: map[string]string{"region": "eu"},
	})
	assert.ErrorIs(t, err, domain.ErrOverlappingRecord)

	f.create(t, domain.CreateRequest{Start: june1.AddDate(0, 0, 5), Filters: map[string]string{"region": "us"}})
	f.create(t, domain.CreateRequest{Start: end, Filters: map[string]string{"region": "eu"}})
}

func TestCreateValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	before := june1.Add(-time.Hour)

	cases := []struct {
		name string
		req  domain.CreateRequest
		want error
	}{
		{"missing org", domain.CreateRequest{CustomerID: f.customer, PlanVersionID: f.basic}, domain.ErrInvalidOrganization},
		{"unknown customer", domain.CreateRequest{OrgID: orgID, CustomerID: 7, PlanVersionID: f.basic}, domain.ErrInvalidCustomer},
		{"unknown plan", domain.CreateRequest{OrgID: orgID, CustomerID: f.customer, PlanVersionID: 7}, domain.ErrInvalidPlanVersion},
		{"end before start", domain.CreateRequest{OrgID: orgID, CustomerID: f.customer, PlanVersionID: f.basic, Start: june1, End: &before}, domain.ErrInvalidPeriod},
		{"addon without parent", domain.CreateRequest{OrgID: orgID, CustomerID: f.customer, PlanVersionID: f.addon}, domain.ErrInvalidParent},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.Create(ctx, tc.req)
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestCancelInvoiceNowEndsAddons(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	parent := f.create(t, domain.CreateRequest{Start: june1})
	addon := f.create(t, domain.CreateRequest{PlanVersionID: f.addon, ParentID: &parent.ID, Start: june1})

	at := june1.AddDate(0, 0, 10)
	f.invoicer.On("InvoiceRecords", orgID, []snowflake.ID{parent.ID}, false).Return(nil).Once()

	cancelled, err := f.svc.Cancel(ctx, domain.CancelRequest{
		OrgID: orgID, RecordID: parent.ID, At: at,
		FlatFeeBehavior:   domain.FlatFeeChargeFull,
		InvoicingBehavior: domain.InvoiceNow,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusEnded, cancelled.Status)
	assert.True(t, cancelled.End.Equal(at))
	assert.Equal(t, domain.FlatFeeChargeFull, cancelled.CancelFlatFeeBehavior)
	assert.Equal(t, domain.UsageBillFull, cancelled.CancelUsageBehavior)
	f.invoicer.AssertExpectations(t)

	child, err := f.svc.Get(ctx, orgID, addon.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusEnded, child.Status)
	assert.True(t, child.End.Equal(at))

	_, err = f.svc.Cancel(ctx, domain.CancelRequest{OrgID: orgID, RecordID: parent.ID})
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestCancelAddToNextInvoiceDefersBilling(t *testing.T) {
	f := newFixture(t)
	rec := f.create(t, domain.CreateRequest{Start: june1})

	_, err := f.svc.Cancel(context.Background(), domain.CancelRequest{OrgID: orgID, RecordID: rec.ID})
	require.NoError(t, err)
	f.invoicer.AssertNotCalled(t, "InvoiceRecords", mock.Anything, mock.Anything, mock.Anything)

	got, err := f.svc.Get(context.Background(), orgID, rec.ID)
	require.NoError(t, err)
	assert.True(t, got.Invoiceable(f.clock.Now()))
}

func TestReplaceTransfersUsage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	old := f.create(t, domain.CreateRequest{Start: june1, Filters: map[string]string{"region": "eu"}})
	f.clock.Set(june1.AddDate(0, 0, 20))
	at := june1.AddDate(0, 0, 15)
	f.invoicer.On("InvoiceRecords", orgID, []snowflake.ID{old.ID}, true).Return(nil).Once()

	res, err := f.svc.Replace(ctx, domain.ReplaceRequest{
		OrgID: orgID, RecordID: old.ID, NewPlanVersionID: f.pro, At: at,
		UsageBehavior:     domain.UsageTransfer,
		InvoicingBehavior: domain.InvoiceNow,
	})
	require.NoError(t, err)
	f.invoicer.AssertExpectations(t)

	assert.Equal(t, domain.StatusReplaced, res.Previous.Status)
	require.NotNil(t, res.Previous.UsageTransferredAt)
	assert.True(t, res.Previous.UsageTransferredAt.Equal(june1))
	require.NotNil(t, res.Previous.ReplacedByID)
	assert.Equal(t, res.Successor.ID, *res.Previous.ReplacedByID)

	assert.Equal(t, domain.StatusActive, res.Successor.Status)
	assert.True(t, res.Successor.Start.Equal(at))
	assert.True(t, res.Successor.UsageStart.Equal(june1))
	assert.True(t, res.Successor.BillingAnchor.Equal(june1))
	assert.Equal(t, map[string]string{"region": "eu"}, res.Successor.Narrowing())
}

func TestReplaceTransferBillsEachCallOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	july1 := june1.AddDate(0, 1, 0)
	at := july1.AddDate(0, 0, 2)

	old := f.create(t, domain.CreateRequest{Start: june1})
	f.clock.Set(at)

	events := usagerepository.NewMemoryStore()
	emit := func(ts time.Time, n int) {
		for i := 0; i < n; i++ {
			_, err := events.Insert(ctx, &usagedomain.Event{
				ID:             snowflake.ID(ts.Unix() + int64(i)),
				OrgID:          orgID,
				CustomerID:     f.customer,
				EventName:      "api_call",
				Timestamp:      ts.Add(time.Duration(i) * time.Minute),
				IdempotencyKey: fmt.Sprintf("%s-%d", ts.Format(time.RFC3339), i),
				Properties:     map[string]any{},
			})
			require.NoError(t, err)
		}
	}
	emit(june1.AddDate(0, 0, 4), 3)
	emit(july1.Add(12*time.Hour), 2)
	emit(july1.AddDate(0, 0, 9), 4)

	res, err := f.svc.Replace(ctx, domain.ReplaceRequest{
		OrgID: orgID, RecordID: old.ID, NewPlanVersionID: f.pro, At: at,
		UsageBehavior: domain.UsageTransfer,
	})
	require.NoError(t, err)
	assert.True(t, res.Successor.UsageStart.Equal(july1))
	require.NotNil(t, res.Previous.UsageTransferredAt)
	assert.True(t, res.Previous.UsageTransferredAt.Equal(july1))

	rater := ratingservice.New(ratingservice.Params{
		DB: f.db, Log: zap.NewNop(), Registry: handler.NewRegistry(events),
		MetricSvc: f.metrics, PlanSvc: f.plans, SubscriptionRepo: repository.Provide(),
	})
	calls := func(rec domain.Record, now time.Time) decimal.Decimal {
		rev, err := rater.Aggregate(ctx, ratingdomain.AggregateRequest{Record: rec, Now: now})
		require.NoError(t, err)
		total := decimal.Zero
		for _, c := range rev.Components {
			total = total.Add(c.Quantity)
		}
		return total
	}

	// June was never invoiced, so it stays with the old record.
	previous := res.Previous
	assert.True(t, decimal.NewFromInt(3).Equal(calls(previous, at)))

	previous.BilledThrough = lo.ToPtr(july1)
	assert.True(t, calls(previous, at).IsZero())

	assert.True(t, decimal.NewFromInt(6).Equal(calls(res.Successor, july1.AddDate(0, 1, 0))))
}

func TestReplaceKeepSeparate(t *testing.T) {
	f := newFixture(t)
	old := f.create(t, domain.CreateRequest{Start: june1})

	res, err := f.svc.Replace(context.Background(), domain.ReplaceRequest{
		OrgID: orgID, RecordID: old.ID, NewPlanVersionID: f.pro, At: june1.Add(6 * time.Hour),
	})
	require.NoError(t, err)
	assert.Nil(t, res.Previous.UsageTransferredAt)
	assert.True(t, res.Successor.UsageStart.Equal(res.Successor.Start))
	f.invoicer.AssertNotCalled(t, "InvoiceRecords", mock.Anything, mock.Anything, mock.Anything)
}

func TestRenewCatchesUp(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	end := june1.AddDate(0, 1, 0)
	rec := f.create(t, domain.CreateRequest{Start: june1, End: &end, AutoRenew: true})

	now := time.Date(2026, 8, 15, 0, 0, 0, 0, time.UTC)
	renewed, err := f.svc.Renew(ctx, now)
	require.NoError(t, err)
	require.Len(t, renewed, 2)
	assert.True(t, renewed[0].Start.Equal(end))
	assert.True(t, renewed[1].End.Equal(time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)))

	old, err := f.svc.Get(ctx, orgID, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusEnded, old.Status)

	again, err := f.svc.Renew(ctx, now)
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestActivate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	start := june1.AddDate(0, 0, 3)
	rec := f.create(t, domain.CreateRequest{Start: start})
	assert.Equal(t, domain.StatusNotStarted, rec.Status)

	n, err := f.svc.Activate(ctx, start.Add(-time.Second))
	require.NoError(t, err)
	assert.Zero(t, n)

	f.clock.Set(start)
	got, err := f.svc.Get(ctx, orgID, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, got.Status)

	n, err = f.svc.Activate(ctx, start)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
