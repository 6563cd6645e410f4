package service

import (
	metricdomain "github.com/smallbiznis/meterly/internal/metric/domain"
	plandomain "github.com/smallbiznis/meterly/internal/plan/domain"
	"github.com/smallbiznis/meterly/internal/rating/domain"
	subscriptiondomain "github.com/smallbiznis/meterly/internal/subscription/domain"
	"github.com/smallbiznis/meterly/internal/usage/handler"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB               *gorm.DB
	Log              *zap.Logger
	Registry         *handler.Registry
	MetricSvc        metricdomain.Service
	PlanSvc          plandomain.Service
	SubscriptionRepo subscriptiondomain.Repository
}

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	registry *handler.Registry
	metrics  metricdomain.Service
	plans    plandomain.Service
	records  subscriptiondomain.Repository
}

func New(p Params) domain.Service {
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("rating.service"),
		registry: p.Registry,
		metrics:  p.MetricSvc,
		plans:    p.PlanSvc,
		records:  p.SubscriptionRepo,
	}
}
