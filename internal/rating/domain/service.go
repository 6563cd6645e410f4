package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/meterly/internal/granularity"
	metricdomain "github.com/smallbiznis/meterly/internal/metric/domain"
	plandomain "github.com/smallbiznis/meterly/internal/plan/domain"
	subscriptiondomain "github.com/smallbiznis/meterly/internal/subscription/domain"
)

type ComponentRequest struct {
	OrgID      snowflake.ID
	CustomerID snowflake.ID
	Component  plandomain.PlanComponent
	Metric     metricdomain.Metric
	Filters    map[string]string
	Start      time.Time
	End        time.Time
	// Cadence is the plan cadence tier prices are quoted against.
	Cadence granularity.Granularity
	Anchor  time.Time
}

type AggregateRequest struct {
	Record         subscriptiondomain.Record
	Now            time.Time
	ChargeNextPlan bool
}

type Service interface {
	CalculateComponent(ctx context.Context, req ComponentRequest) ([]ComponentRevenue, error)
	Aggregate(ctx context.Context, req AggregateRequest) (*SubscriptionRevenue, error)
}

var (
	ErrInvalidRecord = errors.New("invalid_subscription_record")
	ErrInvalidRange  = errors.New("invalid_range")
)
