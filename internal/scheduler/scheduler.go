package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/samber/lo"
	"github.com/smallbiznis/meterly/internal/clock"
	invoicedomain "github.com/smallbiznis/meterly/internal/invoice/domain"
	obsmetrics "github.com/smallbiznis/meterly/internal/observability/metrics"
	subscriptiondomain "github.com/smallbiznis/meterly/internal/subscription/domain"
	"github.com/smallbiznis/meterly/pkg/log/ctxlogger"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	JobActivate = "activate"
	JobRenew    = "renew"
	JobInvoice  = "invoice"
)

var ErrInvalidConfig = errors.New("invalid_scheduler_config")

type Params struct {
	fx.In

	Log             *zap.Logger
	Clock           clock.Clock
	InvoiceSvc      invoicedomain.Service
	SubscriptionSvc subscriptiondomain.Service
	Metrics         *obsmetrics.SchedulerMetrics `optional:"true"`
	Config          Config                       `optional:"true"`
}

type Scheduler struct {
	log             *zap.Logger
	cfg             Config
	clock           clock.Clock
	invoiceSvc      invoicedomain.Service
	subscriptionSvc subscriptiondomain.Service
	metrics         *obsmetrics.SchedulerMetrics
}

func New(p Params) (*Scheduler, error) {
	if p.Log == nil || p.Clock == nil || p.InvoiceSvc == nil || p.SubscriptionSvc == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		log:             p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:             p.Config.withDefaults(),
		clock:           p.Clock,
		invoiceSvc:      p.InvoiceSvc,
		subscriptionSvc: p.SubscriptionSvc,
		metrics:         p.Metrics,
	}, nil
}

func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	batchSize int,
	timeout time.Duration,
	fn func(ctx context.Context) error,
) error {
	start := time.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	ctx, run, owner := s.ensureJobRun(ctx, name, batchSize)
	if owner {
		s.logJobStart(ctx, run)
	}
	s.metrics.IncJobRun(name)

	err := fn(ctx)
	s.metrics.ObserveJobDuration(name, time.Since(start))
	if owner {
		if err != nil && run.errors() == 0 {
			run.IncError()
		}
		s.logJobFinish(ctx, run)
	}
	if err == nil {
		return nil
	}

	// A deadline is a soft timeout; the next tick picks up the rest.
	isTimeout := errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
	if isTimeout {
		s.metrics.IncJobTimeout(name)
	}
	s.metrics.IncJobError(name, err)
	if isTimeout {
		s.logger(ctx).Warn("job timed out",
			zap.String("job", name),
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
		return nil
	}
	return fmt.Errorf("%s: %w", name, err)
}

// RunOnce activates due records, renews expired ones and then invoices
// everything that is due. Job failures are joined; later jobs still run.
func (s *Scheduler) RunOnce(parent context.Context) error {
	jobs := []struct {
		Name string
		Run  func(context.Context) error
	}{
		{JobActivate, s.ActivateJob},
		{JobRenew, s.RenewJob},
		{JobInvoice, s.InvoiceJob},
	}

	var err error
	for _, job := range jobs {
		if !s.isJobEnabled(job.Name) {
			continue
		}
		err = errors.Join(err, s.runJob(parent, job.Name, s.cfg.BatchSize, s.cfg.JobTimeout, job.Run))
	}
	return err
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()
	nextRun := time.Now()

	for {
		if lag := time.Since(nextRun); lag > 0 {
			s.metrics.ObserveRunLoopLag(lag)
		}
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}
		nextRun = nextRun.Add(s.cfg.RunInterval)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) isJobEnabled(name string) bool {
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	return lo.ContainsBy(s.cfg.EnabledJobs, func(enabled string) bool {
		return strings.EqualFold(strings.TrimSpace(enabled), name)
	})
}

func (s *Scheduler) ActivateJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, JobActivate, s.cfg.BatchSize)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}

	activated, err := s.subscriptionSvc.Activate(ctx, s.clock.Now())
	if err != nil {
		s.logSchedulerError(ctx, run, "scheduler.activate.failed", 0, err)
		return err
	}
	run.AddProcessed(int(activated))
	s.metrics.AddBatchProcessed(JobActivate, "records", int(activated))
	return nil
}

func (s *Scheduler) RenewJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, JobRenew, s.cfg.BatchSize)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}

	renewed, err := s.subscriptionSvc.Renew(ctx, s.clock.Now())
	run.AddProcessed(len(renewed))
	s.metrics.AddBatchProcessed(JobRenew, "records", len(renewed))
	for _, rec := range renewed {
		s.logger(ctxlogger.ContextWithOrg(ctx, rec.OrgID.String())).Info("subscription.renewed",
			zap.String("record_id", rec.ID.String()),
			zap.String("customer_id", rec.CustomerID.String()),
			zap.Time("start", rec.Start),
		)
	}
	if err != nil {
		s.logSchedulerError(ctx, run, "scheduler.renew.failed", 0, err)
		return err
	}
	return nil
}

// invoiceTarget is the unit of invoice work: every due record of one
// customer, invoiced together.
type invoiceTarget struct {
	orgID      snowflake.ID
	customerID snowflake.ID
	recordIDs  []snowflake.ID
}

// InvoiceJob finalizes invoices for every customer with due records, a
// bounded number of customers at a time.
func (s *Scheduler) InvoiceJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, JobInvoice, s.cfg.BatchSize)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}

	now := s.clock.Now()
	due, err := s.invoiceSvc.DueRecords(ctx, now)
	if err != nil {
		s.logSchedulerError(ctx, run, "scheduler.invoice.due_records.failed", 0, err)
		return err
	}
	targets := invoiceTargets(due)

	var jobErr error
	for _, batch := range lo.Chunk(targets, s.cfg.BatchSize) {
		if ctx.Err() != nil {
			return errors.Join(jobErr, ctx.Err())
		}
		jobErr = errors.Join(jobErr, forEachLimit(ctx, s.cfg.Workers, batch, func(ctx context.Context, target invoiceTarget) error {
			return s.invoiceCustomer(ctx, run, target, now)
		}))
	}
	return jobErr
}

func (s *Scheduler) invoiceCustomer(ctx context.Context, run *jobRun, target invoiceTarget, now time.Time) error {
	ctx = ctxlogger.ContextWithOrg(ctx, target.orgID.String())
	invoices, err := s.invoiceSvc.GenerateInvoice(ctx, invoicedomain.GenerateRequest{
		OrgID:          target.orgID,
		RecordIDs:      target.recordIDs,
		ChargeNextPlan: true,
		Now:            now,
	})
	for _, inv := range invoices {
		s.logger(ctx).Info("invoice.finalized",
			zap.String("invoice_id", inv.ID.String()),
			zap.String("customer_id", inv.CustomerID.String()),
			zap.String("amount_due", inv.AmountDue.StringFixed(2)),
		)
	}
	if err != nil {
		s.logSchedulerError(ctx, run, "scheduler.invoice.failed", target.orgID, err,
			zap.String("customer_id", target.customerID.String()),
			zap.Int("record_count", len(target.recordIDs)),
		)
		return fmt.Errorf("customer %s: %w", target.customerID, err)
	}
	run.AddProcessed(1)
	s.metrics.AddBatchProcessed(JobInvoice, "customers", 1)
	return nil
}

func invoiceTargets(records []subscriptiondomain.Record) []invoiceTarget {
	type key struct{ org, customer snowflake.ID }
	grouped := lo.GroupBy(records, func(r subscriptiondomain.Record) key {
		return key{org: r.OrgID, customer: r.CustomerID}
	})
	targets := make([]invoiceTarget, 0, len(grouped))
	for k, recs := range grouped {
		targets = append(targets, invoiceTarget{
			orgID:      k.org,
			customerID: k.customer,
			recordIDs:  lo.Map(recs, func(r subscriptiondomain.Record, _ int) snowflake.ID { return r.ID }),
		})
	}
	sort.Slice(targets, func(i, j int) bool {
		if targets[i].orgID != targets[j].orgID {
			return targets[i].orgID < targets[j].orgID
		}
		return targets[i].customerID < targets[j].customerID
	})
	return targets
}
