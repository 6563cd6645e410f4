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
	"github.com/smallbiznis/meterly/internal/config"
	customerdomain "github.com/smallbiznis/meterly/internal/customer/domain"
	customerrepository "github.com/smallbiznis/meterly/internal/customer/repository"
	customerservice "github.com/smallbiznis/meterly/internal/customer/service"
	"github.com/smallbiznis/meterly/internal/granularity"
	"github.com/smallbiznis/meterly/internal/invoice/domain"
	invoicerepository "github.com/smallbiznis/meterly/internal/invoice/repository"
	"github.com/smallbiznis/meterly/internal/lock"
	metricdomain "github.com/smallbiznis/meterly/internal/metric/domain"
	metricrepository "github.com/smallbiznis/meterly/internal/metric/repository"
	metricservice "github.com/smallbiznis/meterly/internal/metric/service"
	plandomain "github.com/smallbiznis/meterly/internal/plan/domain"
	planrepository "github.com/smallbiznis/meterly/internal/plan/repository"
	planservice "github.com/smallbiznis/meterly/internal/plan/service"
	"github.com/smallbiznis/meterly/internal/pricetier"
	ratingservice "github.com/smallbiznis/meterly/internal/rating/service"
	subscriptiondomain "github.com/smallbiznis/meterly/internal/subscription/domain"
	subscriptionrepository "github.com/smallbiznis/meterly/internal/subscription/repository"
	taxdomain "github.com/smallbiznis/meterly/internal/tax/domain"
	taxrepository "github.com/smallbiznis/meterly/internal/tax/repository"
	taxservice "github.com/smallbiznis/meterly/internal/tax/service"
	usagedomain "github.com/smallbiznis/meterly/internal/usage/domain"
	"github.com/smallbiznis/meterly/internal/usage/handler"
	usagerepository "github.com/smallbiznis/meterly/internal/usage/repository"
	"github.com/smallbiznis/meterly/pkg/db/dbtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const orgID snowflake.ID = 42

var (
	june1 = time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	july1 = time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
)

func mustMoney(v string) decimal.Decimal { return decimal.RequireFromString(v) }

type mockLocker struct {
	mock.Mock
}

func (m *mockLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (lock.Lease, error) {
	args := m.Called(key)
	return args.Get(0).(lock.Lease), args.Error(1)
}

func (m *mockLocker) Release(ctx context.Context, lease lock.Lease) error {
	return m.Called(lease.Key).Error(0)
}

type fixture struct {
	t         *testing.T
	db        *gorm.DB
	node      *snowflake.Node
	clock     *clock.FakeClock
	events    *usagerepository.MemoryStore
	metrics   metricdomain.Service
	plans     plandomain.Service
	customers customerdomain.Service
	records   subscriptiondomain.Repository
	svc       *Service
	seq       int
}

func newFixture(t *testing.T, locker lock.Locker) *fixture {
	t.Helper()
	db := dbtest.Open(t,
		&metricdomain.Metric{},
		&plandomain.PlanVersion{},
		&plandomain.PlanComponent{},
		&customerdomain.Customer{},
		&subscriptiondomain.Record{},
		&taxdomain.TaxDefinition{},
		&domain.Invoice{},
		&domain.LineItem{},
	)
	node, err := snowflake.NewNode(5)
	require.NoError(t, err)
	clk := clock.NewFakeClock(july1)
	log := zap.NewNop()

	cfg := config.DefaultBillingConfig()
	cfg.Lock.InitialInterval = time.Millisecond
	cfg.Lock.MaxInterval = 5 * time.Millisecond
	billing := config.NewStaticBillingConfig(cfg)
	if locker == nil {
		locker = lock.NewMemoryLocker(clk)
	}

	metrics := metricservice.New(metricservice.Params{DB: db, Log: log, GenID: node, Clock: clk, Repo: metricrepository.Provide()})
	plans := planservice.New(planservice.Params{DB: db, Log: log, GenID: node, Clock: clk, Repo: planrepository.Provide(), MetricSvc: metrics})
	customers := customerservice.New(customerservice.Params{DB: db, Log: log, GenID: node, Clock: clk, Repo: customerrepository.Provide()})
	events := usagerepository.NewMemoryStore()
	records := subscriptionrepository.Provide()
	rating := ratingservice.New(ratingservice.Params{
		DB:               db,
		Log:              log,
		Registry:         handler.NewRegistry(events),
		MetricSvc:        metrics,
		PlanSvc:          plans,
		SubscriptionRepo: records,
	})
	resolver := taxservice.NewResolver(taxservice.ResolverParams{Repository: taxrepository.NewRepository(db), Billing: billing})

	return &fixture{
		t:         t,
		db:        db,
		node:      node,
		clock:     clk,
		events:    events,
		metrics:   metrics,
		plans:     plans,
		customers: customers,
		records:   records,
		svc: New(Params{
			DB:          db,
			Log:         log,
			GenID:       node,
			Clock:       clk,
			Repo:        invoicerepository.Provide(),
			Records:     records,
			Rating:      rating,
			PlanSvc:     plans,
			CustomerSvc: customers,
			TaxResolver: resolver,
			Locker:      locker,
			Billing:     billing,
		}),
	}
}

func (f *fixture) customer(externalID string, taxRate *decimal.Decimal) snowflake.ID {
	c, err := f.customers.Create(context.Background(), customerdomain.CreateCustomerRequest{
		OrgID:      orgID,
		ExternalID: externalID,
		Name:       externalID,
		Currency:   "USD",
		TaxRate:    taxRate,
	})
	require.NoError(f.t, err)
	return c.ID
}

func (f *fixture) publish(req plandomain.CreateVersionRequest) *plandomain.Plan {
	ctx := context.Background()
	req.OrgID = orgID
	req.Cadence = granularity.Monthly
	if req.Currency == "" {
		req.Currency = "USD"
	}
	p, err := f.plans.CreateVersion(ctx, req)
	require.NoError(f.t, err)
	_, err = f.plans.Publish(ctx, orgID, p.ID)
	require.NoError(f.t, err)
	return p
}

// translationPlan bills words over a 2000 word allowance at $5 per 100,
// plus a $30 platform fee in arrears.
func (f *fixture) translationPlan(code string, adjustment *plandomain.PriceAdjustment) *plandomain.Plan {
	m, err := f.metrics.Create(context.Background(), metricdomain.CreateRequest{
		OrgID:        orgID,
		Code:         "words-" + code,
		EventName:    "translation",
		PropertyName: "words",
		Aggregation:  metricdomain.AggregationSum,
		Kind:         metricdomain.KindCounter,
	})
	require.NoError(f.t, err)
	return f.publish(plandomain.CreateVersionRequest{
		PlanCode:   code,
		Adjustment: adjustment,
		Charges: []plandomain.RecurringCharge{
			{Name: "Platform", Amount: mustMoney("30"), Timing: plandomain.TimingArrears, Behavior: plandomain.BehaviorProrate},
		},
		Components: []plandomain.ComponentRequest{{
			MetricID: m.ID,
			Name:     "Words",
			Tiers: []pricetier.Tier{
				{RangeStart: mustMoney("0"), RangeEnd: lo.ToPtr(mustMoney("2000")), Kind: pricetier.KindFree},
				{RangeStart: mustMoney("2000"), Kind: pricetier.KindPerUnit, CostPerBatch: mustMoney("5"), UnitsPerBatch: lo.ToPtr(mustMoney("100"))},
			},
		}},
	})
}

func (f *fixture) record(customerID, planID snowflake.ID, mutate func(*subscriptiondomain.Record)) subscriptiondomain.Record {
	rec := subscriptiondomain.Record{
		ID:            f.node.Generate(),
		OrgID:         orgID,
		CustomerID:    customerID,
		PlanVersionID: planID,
		Start:         june1,
		BillingAnchor: june1,
		UsageStart:    june1,
		Filters:       datatypes.NewJSONType(map[string]string{}),
		Status:        subscriptiondomain.StatusActive,
		AmountBilled:  decimal.Zero,
		CreatedAt:     june1,
		UpdatedAt:     june1,
	}
	if mutate != nil {
		mutate(&rec)
	}
	require.NoError(f.t, f.records.Insert(context.Background(), f.db, &rec))
	return rec
}

func (f *fixture) emit(customerID snowflake.ID, ts time.Time, words int) {
	f.seq++
	_, err := f.events.Insert(context.Background(), &usagedomain.Event{
		ID:             snowflake.ID(f.seq),
		OrgID:          orgID,
		CustomerID:     customerID,
		EventName:      "translation",
		Timestamp:      ts,
		IdempotencyKey: fmt.Sprintf("evt-%d", f.seq),
		Properties:     map[string]any{"words": words},
	})
	require.NoError(f.t, err)
}

func (f *fixture) reload(id snowflake.ID) *subscriptiondomain.Record {
	rec, err := f.records.FindByID(context.Background(), f.db, orgID, id)
	require.NoError(f.t, err)
	require.NotNil(f.t, rec)
	return rec
}

func assertMoney(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	assert.Equal(t, want, got.StringFixed(2))
}

func TestFinalizeClosedPeriod(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	customer := f.customer("acme", lo.ToPtr(mustMoney("0.1")))
	plan := f.translationPlan("translate", &plandomain.PriceAdjustment{Kind: plandomain.AdjustmentPercentage, Amount: mustMoney("10")})
	rec := f.record(customer, plan.ID, nil)
	f.emit(customer, june1.AddDate(0, 0, 4), 1000)
	f.emit(customer, june1.AddDate(0, 0, 19), 1500)

	invoices, err := f.svc.GenerateInvoice(ctx, domain.GenerateRequest{OrgID: orgID, RecordIDs: []snowflake.ID{rec.ID}})
	require.NoError(t, err)
	require.Len(t, invoices, 1)

	inv := invoices[0]
	assert.Equal(t, domain.InvoiceStatusFinalized, inv.Status)
	require.NotNil(t, inv.InvoiceNumber)
	assert.Equal(t, "INV-202607-0001", *inv.InvoiceNumber)
	assert.True(t, inv.PeriodStart.Equal(june1))
	assert.True(t, inv.PeriodEnd.Equal(july1))

	kinds := lo.Map(inv.Items, func(item domain.LineItem, _ int) domain.LineKind { return item.Kind })
	assert.Equal(t, []domain.LineKind{domain.LineUsage, domain.LineRecurring, domain.LineAdjustment}, kinds)
	assertMoney(t, "25.00", inv.Items[0].Amount)
	assertMoney(t, "30.00", inv.Items[1].Amount)
	assertMoney(t, "-5.50", inv.Items[2].Amount)
	assertMoney(t, "49.50", inv.Subtotal)
	assertMoney(t, "-5.50", inv.AdjustmentTotal)
	assertMoney(t, "4.95", inv.TaxAmount)
	assertMoney(t, "54.45", inv.AmountDue)

	stored := f.reload(rec.ID)
	require.NotNil(t, stored.BilledThrough)
	assert.True(t, stored.BilledThrough.Equal(july1))
	assert.Equal(t, rec.LockVersion+1, stored.LockVersion)
	assert.True(t, stored.AmountBilled.Equal(mustMoney("49.5")), stored.AmountBilled.String())

	got, err := f.svc.Get(ctx, orgID, inv.ID)
	require.NoError(t, err)
	assert.Len(t, got.Items, 3)

	again, err := f.svc.GenerateInvoice(ctx, domain.GenerateRequest{OrgID: orgID, RecordIDs: []snowflake.ID{rec.ID}})
	require.NoError(t, err)
	assert.Empty(t, again, "a billed period is never invoiced twice")
}

func TestDraftDoesNotMoveWatermarks(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	customer := f.customer("acme", nil)
	plan := f.translationPlan("translate", nil)
	rec := f.record(customer, plan.ID, nil)
	f.emit(customer, june1.AddDate(0, 0, 2), 3000)

	mid := june1.AddDate(0, 0, 15)
	req := domain.GenerateRequest{OrgID: orgID, RecordIDs: []snowflake.ID{rec.ID}, Draft: true, Now: mid}
	first, err := f.svc.GenerateInvoice(ctx, req)
	require.NoError(t, err)
	second, err := f.svc.GenerateInvoice(ctx, req)
	require.NoError(t, err)

	require.Len(t, first, 1)
	require.Len(t, second, 1)
	assert.Equal(t, domain.InvoiceStatusDraft, second[0].Status)
	assert.Nil(t, second[0].InvoiceNumber)
	assert.True(t, first[0].AmountDue.Equal(second[0].AmountDue))
	assert.Equal(t, *first[0].DraftKey, *second[0].DraftKey)

	drafts, err := f.svc.List(ctx, domain.ListRequest{OrgID: orgID})
	require.NoError(t, err)
	require.Len(t, drafts, 1)
	assert.Equal(t, second[0].ID, drafts[0].ID)

	stored := f.reload(rec.ID)
	assert.Nil(t, stored.BilledThrough)
	assert.Equal(t, rec.LockVersion, stored.LockVersion)
}

func TestGeneratePerCustomer(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	plan := f.translationPlan("translate", nil)
	acme := f.customer("acme", nil)
	globex := f.customer("globex", nil)
	a := f.record(acme, plan.ID, nil)
	b := f.record(globex, plan.ID, nil)

	invoices, err := f.svc.GenerateInvoice(ctx, domain.GenerateRequest{OrgID: orgID, RecordIDs: []snowflake.ID{b.ID, a.ID}})
	require.NoError(t, err)
	require.Len(t, invoices, 2)
	assert.NotEqual(t, invoices[0].CustomerID, invoices[1].CustomerID)
	assert.ElementsMatch(t, []string{"INV-202607-0001", "INV-202607-0002"},
		[]string{*invoices[0].InvoiceNumber, *invoices[1].InvoiceNumber})
	for _, inv := range invoices {
		assertMoney(t, "30.00", inv.AmountDue)
	}
}

func TestAddonsInvoicedWithParent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	customer := f.customer("acme", nil)
	plan := f.translationPlan("translate", nil)
	support := f.publish(plandomain.CreateVersionRequest{
		PlanCode:          "support",
		IsAddon:           true,
		AddonFrequency:    plandomain.AddonRecurring,
		InvoiceWithParent: true,
		Charges: []plandomain.RecurringCharge{
			{Name: "Support", Amount: mustMoney("5"), Timing: plandomain.TimingArrears, Behavior: plandomain.BehaviorFull},
		},
	})
	parent := f.record(customer, plan.ID, nil)
	child := f.record(customer, support.ID, func(r *subscriptiondomain.Record) { r.ParentID = lo.ToPtr(parent.ID) })

	invoices, err := f.svc.GenerateInvoice(ctx, domain.GenerateRequest{OrgID: orgID, RecordIDs: []snowflake.ID{child.ID, parent.ID}})
	require.NoError(t, err)
	require.Len(t, invoices, 1)

	addon, ok := lo.Find(invoices[0].Items, func(item domain.LineItem) bool { return item.Kind == domain.LineAddon })
	require.True(t, ok)
	assert.Equal(t, child.ID, addon.SubscriptionRecordID)
	assertMoney(t, "5.00", addon.Amount)
	assertMoney(t, "35.00", invoices[0].AmountDue)

	stored := f.reload(child.ID)
	require.NotNil(t, stored.BilledThrough)
	assert.True(t, stored.BilledThrough.Equal(july1))
	assert.True(t, stored.AmountBilled.Equal(mustMoney("5")))
}

func TestFinalizeRetriesHeldLock(t *testing.T) {
	ctx := context.Background()
	locker := &mockLocker{}
	locker.On("Acquire", mock.Anything).Return(lock.Lease{}, lock.ErrLockHeld).Once()
	locker.On("Acquire", mock.Anything).Return(lock.Lease{Key: "held", Token: "t"}, nil)
	locker.On("Release", "held").Return(nil)

	f := newFixture(t, locker)
	customer := f.customer("acme", nil)
	plan := f.translationPlan("translate", nil)
	rec := f.record(customer, plan.ID, nil)

	invoices, err := f.svc.GenerateInvoice(ctx, domain.GenerateRequest{OrgID: orgID, RecordIDs: []snowflake.ID{rec.ID}})
	require.NoError(t, err)
	require.Len(t, invoices, 1)
	locker.AssertNumberOfCalls(t, "Acquire", 2)
	locker.AssertNumberOfCalls(t, "Release", 1)
}

func TestFinalizeRejectsStaleRecord(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	customer := f.customer("acme", nil)
	plan := f.translationPlan("translate", nil)
	rec := f.record(customer, plan.ID, nil)

	g := invoiceGroup{orgID: orgID, customerID: customer, currency: "USD", records: []snowflake.ID{rec.ID}}
	revs, _, err := f.svc.rate(ctx, g, f.clock.Now(), false)
	require.NoError(t, err)

	require.NoError(t, f.records.AdvanceBilling(ctx, f.db, orgID, subscriptiondomain.BillingAdvance{
		RecordID:    rec.ID,
		LockVersion: rec.LockVersion,
		AmountDelta: decimal.Zero,
	}))

	err = f.db.Transaction(func(tx *gorm.DB) error {
		return f.svc.checkVersions(ctx, tx, orgID, revs)
	})
	assert.ErrorIs(t, err, subscriptiondomain.ErrConcurrentUpdate)
}

func TestVoidKeepsWatermarks(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	customer := f.customer("acme", nil)
	plan := f.translationPlan("translate", nil)
	rec := f.record(customer, plan.ID, nil)

	invoices, err := f.svc.GenerateInvoice(ctx, domain.GenerateRequest{OrgID: orgID, RecordIDs: []snowflake.ID{rec.ID}})
	require.NoError(t, err)
	require.Len(t, invoices, 1)

	voided, err := f.svc.Void(ctx, orgID, invoices[0].ID)
	require.NoError(t, err)
	assert.Equal(t, domain.InvoiceStatusVoid, voided.Status)
	require.NotNil(t, voided.VoidedAt)

	_, err = f.svc.Void(ctx, orgID, invoices[0].ID)
	assert.ErrorIs(t, err, domain.ErrInvoiceVoid)

	stored := f.reload(rec.ID)
	require.NotNil(t, stored.BilledThrough)
	assert.True(t, stored.BilledThrough.Equal(july1))

	_, err = f.svc.Void(ctx, orgID, snowflake.ID(1))
	assert.ErrorIs(t, err, domain.ErrInvoiceNotFound)
}

func TestDueRecords(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	customer := f.customer("acme", nil)
	arrears := f.translationPlan("translate", nil)
	advance := f.publish(plandomain.CreateVersionRequest{
		PlanCode: "seats",
		Charges: []plandomain.RecurringCharge{
			{Name: "Seat", Amount: mustMoney("10"), Timing: plandomain.TimingAdvance, Behavior: plandomain.BehaviorProrate},
		},
	})
	support := f.publish(plandomain.CreateVersionRequest{
		PlanCode:          "support",
		IsAddon:           true,
		AddonFrequency:    plandomain.AddonRecurring,
		InvoiceWithParent: true,
		Charges: []plandomain.RecurringCharge{
			{Name: "Support", Amount: mustMoney("5"), Timing: plandomain.TimingArrears, Behavior: plandomain.BehaviorFull},
		},
	})

	usage := f.record(customer, arrears.ID, nil)
	seats := f.record(customer, advance.ID, nil)
	f.record(customer, support.ID, func(r *subscriptiondomain.Record) { r.ParentID = lo.ToPtr(usage.ID) })
	f.record(customer, arrears.ID, func(r *subscriptiondomain.Record) {
		r.Start = july1.AddDate(0, 1, 0)
		r.BillingAnchor = r.Start
		r.UsageStart = r.Start
		r.Status = subscriptiondomain.StatusNotStarted
	})

	mid := june1.AddDate(0, 0, 14)
	due, err := f.svc.DueRecords(ctx, mid)
	require.NoError(t, err)
	assert.Equal(t, []snowflake.ID{seats.ID}, lo.Map(due, func(r subscriptiondomain.Record, _ int) snowflake.ID { return r.ID }))

	due, err = f.svc.DueRecords(ctx, july1)
	require.NoError(t, err)
	assert.ElementsMatch(t, []snowflake.ID{usage.ID, seats.ID}, lo.Map(due, func(r subscriptiondomain.Record, _ int) snowflake.ID { return r.ID }))
}
