package service

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/meterly/internal/cache"
	"github.com/smallbiznis/meterly/internal/clock"
	"github.com/smallbiznis/meterly/internal/customer/domain"
	"github.com/smallbiznis/meterly/internal/customer/repository"
	"github.com/smallbiznis/meterly/pkg/db/dbtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestService(t *testing.T) (domain.Service, cache.UsageResolverCache) {
	t.Helper()
	db := dbtest.Open(t, &domain.Customer{})
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	resolver := cache.NewUsageResolverCache()
	return New(Params{
		DB:            db,
		Log:           zap.NewNop(),
		GenID:         node,
		Clock:         clock.NewFakeClock(time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)),
		Repo:          repository.Provide(),
		ResolverCache: resolver,
	}), resolver
}

func TestCreateAndResolve(t *testing.T) {
	svc, resolver := newTestService(t)
	ctx := context.Background()

	created, err := svc.Create(ctx, domain.CreateCustomerRequest{
		OrgID:      1001,
		ExternalID: " acme ",
		Name:       "Acme",
		Currency:   "idr",
		TaxRate:    lo.ToPtr(decimal.RequireFromString("0.11")),
	})
	require.NoError(t, err)
	assert.Equal(t, "acme", created.ExternalID)
	assert.Equal(t, "IDR", created.Currency)

	got, err := svc.GetByID(ctx, 1001, created.ID)
	require.NoError(t, err)
	require.True(t, got.TaxRate.Valid)
	assert.True(t, got.TaxRate.Decimal.Equal(decimal.RequireFromString("0.11")))

	id, err := svc.ResolveExternalID(ctx, 1001, "acme")
	require.NoError(t, err)
	assert.Equal(t, created.ID, id)
	cached, ok := resolver.GetCustomerID(1001, "acme")
	require.True(t, ok)
	assert.Equal(t, created.ID, cached)

	_, err = svc.ResolveExternalID(ctx, 1001, "ACME")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = svc.Create(ctx, domain.CreateCustomerRequest{OrgID: 1001, ExternalID: "acme", Name: "Again", Currency: "IDR"})
	assert.ErrorIs(t, err, domain.ErrDuplicateExternalID)
}

func TestUpdateInvalidatesPreviousExternalID(t *testing.T) {
	svc, resolver := newTestService(t)
	ctx := context.Background()

	created, err := svc.Create(ctx, domain.CreateCustomerRequest{OrgID: 1001, ExternalID: "acme", Name: "Acme", Currency: "USD"})
	require.NoError(t, err)
	_, err = svc.ResolveExternalID(ctx, 1001, "acme")
	require.NoError(t, err)

	updated, err := svc.Update(ctx, domain.UpdateCustomerRequest{
		OrgID:      1001,
		ID:         created.ID,
		ExternalID: lo.ToPtr("acme-corp"),
		TaxRate:    lo.ToPtr(decimal.RequireFromString("0.2")),
	})
	require.NoError(t, err)
	assert.Equal(t, "acme-corp", updated.ExternalID)

	_, ok := resolver.GetCustomerID(1001, "acme")
	assert.False(t, ok)
	_, err = svc.ResolveExternalID(ctx, 1001, "acme")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	cleared, err := svc.Update(ctx, domain.UpdateCustomerRequest{OrgID: 1001, ID: created.ID, ClearTaxRate: true})
	require.NoError(t, err)
	assert.False(t, cleared.TaxRate.Valid)
}

func TestCreateValidation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Create(ctx, domain.CreateCustomerRequest{ExternalID: "a", Name: "A", Currency: "USD"})
	assert.ErrorIs(t, err, domain.ErrInvalidOrganization)
	_, err = svc.Create(ctx, domain.CreateCustomerRequest{OrgID: 1, ExternalID: "a", Name: "A", Currency: "US"})
	assert.ErrorIs(t, err, domain.ErrInvalidCurrency)
	_, err = svc.Create(ctx, domain.CreateCustomerRequest{OrgID: 1, ExternalID: "a", Name: "A", Currency: "USD", Email: "nope"})
	assert.ErrorIs(t, err, domain.ErrInvalidEmail)
	_, err = svc.Create(ctx, domain.CreateCustomerRequest{OrgID: 1, ExternalID: "a", Name: "A", Currency: "USD", TaxRate: lo.ToPtr(decimal.NewFromInt(2))})
	assert.ErrorIs(t, err, domain.ErrInvalidTaxRate)
}
