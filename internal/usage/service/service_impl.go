package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	apikeydomain "github.com/smallbiznis/meterly/internal/apikey/domain"
	"github.com/smallbiznis/meterly/internal/clock"
	customerdomain "github.com/smallbiznis/meterly/internal/customer/domain"
	metricdomain "github.com/smallbiznis/meterly/internal/metric/domain"
	obsmetrics "github.com/smallbiznis/meterly/internal/observability/metrics"
	usagedomain "github.com/smallbiznis/meterly/internal/usage/domain"
	"github.com/smallbiznis/meterly/internal/usage/handler"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
)

const (
	maxIdempotencyKeyLength = 255
	maxClockSkew            = 5 * time.Minute
)

type ServiceParam struct {
	fx.In

	Log         *zap.Logger
	GenID       *snowflake.Node
	Clock       clock.Clock
	Repo        usagedomain.Repository
	Registry    *handler.Registry
	MetricSvc   metricdomain.Service
	CustomerSvc customerdomain.Service
	APIKeySvc   apikeydomain.Service `optional:"true"`
	ObsMetrics  *obsmetrics.Metrics  `optional:"true"`
}

type Service struct {
	log *zap.Logger

	genID       *snowflake.Node
	clock       clock.Clock
	repo        usagedomain.Repository
	registry    *handler.Registry
	metricSvc   metricdomain.Service
	customerSvc customerdomain.Service
	apiKeySvc   apikeydomain.Service
	obsMetrics  *obsmetrics.Metrics
}

func NewService(p ServiceParam) usagedomain.Service {
	return &Service{
		log: p.Log.Named("usage.service"),

		genID:       p.GenID,
		clock:       p.Clock,
		repo:        p.Repo,
		registry:    p.Registry,
		metricSvc:   p.MetricSvc,
		customerSvc: p.CustomerSvc,
		apiKeySvc:   p.APIKeySvc,
		obsMetrics:  p.ObsMetrics,
	}
}

// Ingest accepts one event. A repeated (org, idempotency key) returns the
// stored event with Duplicate set, whatever the new payload says.
func (s *Service) Ingest(ctx context.Context, req usagedomain.IngestRequest) (*usagedomain.IngestResult, error) {
	orgID, err := s.resolveOrg(ctx, req)
	if err != nil {
		return nil, err
	}

	eventName := strings.TrimSpace(req.EventName)
	if eventName == "" {
		return nil, usagedomain.ErrInvalidEventName
	}

	idempotencyKey := strings.TrimSpace(req.IdempotencyKey)
	if idempotencyKey == "" || len(idempotencyKey) > maxIdempotencyKeyLength {
		return nil, usagedomain.ErrInvalidIdempotencyKey
	}

	now := s.clock.Now()
	timestamp := req.Timestamp.UTC()
	if req.Timestamp.IsZero() {
		timestamp = now
	}
	if timestamp.After(now.Add(maxClockSkew)) {
		return nil, usagedomain.ErrInvalidTimestamp
	}

	existing, err := s.repo.FindByIdempotencyKey(ctx, orgID, idempotencyKey)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return s.duplicate(ctx, existing), nil
	}

	customerID, err := s.resolveCustomer(ctx, orgID, req.CustomerExternalID)
	if err != nil {
		return nil, err
	}

	record := &usagedomain.Event{
		ID:             s.genID.Generate(),
		OrgID:          orgID,
		CustomerID:     customerID,
		EventName:      eventName,
		Timestamp:      timestamp,
		IdempotencyKey: idempotencyKey,
		Properties:     datatypes.JSONMap(req.Properties),
		CreatedAt:      now,
	}
	if record.Properties == nil {
		record.Properties = datatypes.JSONMap{}
	}

	inserted, err := s.repo.Insert(ctx, record)
	if err != nil {
		return nil, err
	}
	if !inserted {
		// Lost the race with a concurrent submission of the same key.
		existing, err := s.repo.FindByIdempotencyKey(ctx, orgID, idempotencyKey)
		if err != nil {
			return nil, err
		}
		if existing == nil {
			return nil, fmt.Errorf("usage event %s conflicted but was not found", idempotencyKey)
		}
		return s.duplicate(ctx, existing), nil
	}

	s.obsMetrics.RecordUsageIngest(ctx, eventName, false)
	return &usagedomain.IngestResult{Event: *record}, nil
}

func (s *Service) GetUsage(ctx context.Context, req usagedomain.UsageRequest) (usagedomain.Table, error) {
	if req.OrgID == 0 {
		return nil, usagedomain.ErrInvalidOrganization
	}
	if !req.End.After(req.Start) {
		return nil, usagedomain.ErrInvalidRange
	}
	if req.Granularity != "" && !req.Granularity.Valid() {
		return nil, usagedomain.ErrInvalidRange
	}

	metric, err := s.metricSvc.Get(ctx, req.OrgID, req.MetricID)
	if err != nil {
		if errors.Is(err, metricdomain.ErrNotFound) {
			return nil, usagedomain.ErrMetricNotFound
		}
		return nil, err
	}

	table, err := s.registry.Compute(ctx, handler.Request{
		Metric:       *metric,
		CustomerID:   req.CustomerID,
		Start:        req.Start,
		End:          req.End,
		Granularity:  req.Granularity,
		GroupBy:      req.GroupBy,
		Filters:      req.Filters,
		BillableOnly: req.BillableOnly,
	})
	if err != nil {
		if errors.Is(err, handler.ErrInvalidRange) {
			return nil, usagedomain.ErrInvalidRange
		}
		return nil, err
	}
	return table, nil
}

func (s *Service) resolveOrg(ctx context.Context, req usagedomain.IngestRequest) (snowflake.ID, error) {
	if strings.TrimSpace(req.APIKey) == "" {
		if req.OrgID == 0 {
			return 0, usagedomain.ErrInvalidOrganization
		}
		return req.OrgID, nil
	}
	if s.apiKeySvc == nil {
		return 0, usagedomain.ErrInvalidAPIKey
	}
	orgID, err := s.apiKeySvc.ResolveOrg(ctx, req.APIKey)
	if err != nil {
		if errors.Is(err, apikeydomain.ErrInvalidAPIKey) {
			return 0, usagedomain.ErrInvalidAPIKey
		}
		return 0, err
	}
	if req.OrgID != 0 && req.OrgID != orgID {
		return 0, usagedomain.ErrInvalidAPIKey
	}
	return orgID, nil
}

func (s *Service) resolveCustomer(ctx context.Context, orgID snowflake.ID, externalID string) (snowflake.ID, error) {
	id, err := s.customerSvc.ResolveExternalID(ctx, orgID, externalID)
	if err != nil {
		switch {
		case errors.Is(err, customerdomain.ErrNotFound), errors.Is(err, customerdomain.ErrInvalidExternalID):
			return 0, usagedomain.ErrInvalidCustomer
		default:
			return 0, err
		}
	}
	return id, nil
}

func (s *Service) duplicate(ctx context.Context, existing *usagedomain.Event) *usagedomain.IngestResult {
	s.obsMetrics.RecordUsageIngest(ctx, existing.EventName, true)
	s.log.Debug("usage event deduplicated",
		zap.String("org_id", existing.OrgID.String()),
		zap.String("idempotency_key", existing.IdempotencyKey),
	)
	return &usagedomain.IngestResult{Event: *existing, Duplicate: true}
}
