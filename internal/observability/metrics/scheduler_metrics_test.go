package metrics

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/smallbiznis/meterly/internal/lock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func TestClassifySchedulerJobReason(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{name: "deadline", err: context.DeadlineExceeded, want: SchedulerJobReasonDeadlineExceeded},
		{name: "lock_held", err: fmt.Errorf("finalize: %w", lock.ErrLockHeld), want: SchedulerJobReasonLockHeld},
		{name: "db_lock_timeout", err: &pgconn.PgError{Code: "55P03"}, want: SchedulerJobReasonDBLockTimeout},
		{name: "serialization_failure", err: &pgconn.PgError{Code: "40001"}, want: SchedulerJobReasonSerializationFailure},
		{name: "deadlock", err: &pgconn.PgError{Code: "40P01"}, want: SchedulerJobReasonSerializationFailure},
		{name: "unique_violation", err: gorm.ErrDuplicatedKey, want: SchedulerJobReasonUniqueViolation},
		{name: "unknown", err: errors.New("boom"), want: SchedulerJobReasonUnknown},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ClassifySchedulerJobReason(tc.err))
		})
	}
}

func TestSchedulerMetricsCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewSchedulerMetrics(reg, Config{ServiceName: "meterly", Environment: "test"})

	m.IncJobRun("invoice_run")
	m.IncJobRun("invoice_run")
	m.IncJobError("invoice_run", errors.Join(lock.ErrLockHeld, errors.New("boom"), lock.ErrLockHeld))
	m.AddBatchProcessed("invoice_run", "customers", 3)
	m.ObserveJobDuration("invoice_run", 2*time.Second)
	m.ObserveRunLoopLag(-time.Second)

	families, err := reg.Gather()
	require.NoError(t, err)
	byName := map[string]*dto.MetricFamily{}
	for _, f := range families {
		byName[f.GetName()] = f
	}

	runs := byName["meterly_scheduler_job_runs_total"]
	require.NotNil(t, runs)
	assert.Equal(t, 2.0, runs.GetMetric()[0].GetCounter().GetValue())

	errorsByReason := map[string]float64{}
	for _, metric := range byName["meterly_scheduler_job_errors_total"].GetMetric() {
		for _, label := range metric.GetLabel() {
			if label.GetName() == "reason" {
				errorsByReason[label.GetValue()] = metric.GetCounter().GetValue()
			}
		}
	}
	assert.Equal(t, 2.0, errorsByReason[SchedulerJobReasonLockHeld])
	assert.Equal(t, 1.0, errorsByReason[SchedulerJobReasonUnknown])

	batch := byName["meterly_scheduler_batch_processed_total"]
	require.NotNil(t, batch)
	assert.Equal(t, 3.0, batch.GetMetric()[0].GetCounter().GetValue())

	lag := byName["meterly_scheduler_run_loop_lag_seconds"]
	require.NotNil(t, lag)
	assert.Equal(t, uint64(1), lag.GetMetric()[0].GetHistogram().GetSampleCount())
	assert.Equal(t, 0.0, lag.GetMetric()[0].GetHistogram().GetSampleSum())
}

func TestSchedulerMetricsNilSafe(t *testing.T) {
	var m *SchedulerMetrics
	m.IncJobRun("x")
	m.IncJobError("x", errors.New("boom"))
	m.ObserveRunLoopLag(time.Second)
}
