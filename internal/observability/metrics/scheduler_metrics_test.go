package metrics

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"gorm.io/gorm"
)

func TestClassifySchedulerJobReason(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{name: "deadline", err: context.DeadlineExceeded, want: SchedulerJobReasonDeadlineExceeded},
		{name: "db_lock_timeout", err: &pgconn.PgError{Code: "55P03"}, want: SchedulerJobReasonDBLockTimeout},
		{name: "serialization_failure", err: &pgconn.PgError{Code: "40001"}, want: SchedulerJobReasonSerializationFailure},
		{name: "unique_violation", err: gorm.ErrDuplicatedKey, want: SchedulerJobReasonUniqueViolation},
		{name: "other_pg", err: &pgconn.PgError{Code: "08006"}, want: SchedulerJobReasonDB},
		{name: "unknown", err: errors.New("boom"), want: SchedulerJobReasonUnknown},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ClassifySchedulerJobReason(tc.err); got != tc.want {
				t.Fatalf("expected reason %q, got %q", tc.want, got)
			}
		})
	}
}

func TestIsSchedulerErrorRetryable(t *testing.T) {
	if !IsSchedulerErrorRetryable(context.Canceled) {
		t.Fatalf("expected context cancellation to be retryable")
	}
	if IsSchedulerErrorRetryable(gorm.ErrRecordNotFound) {
		t.Fatalf("expected not-found to be terminal")
	}
	if IsSchedulerErrorRetryable(nil) {
		t.Fatalf("expected nil to be terminal")
	}
}

func TestDriftCounters(t *testing.T) {
	m := NewSchedulerMetrics(prometheus.NewRegistry(), Config{ServiceName: "affiliate", Environment: "test"})

	m.IncDrift(DriftFieldAvailableBalance)
	m.IncDrift(DriftFieldAvailableBalance)
	m.IncRepair()
	m.IncJobError("reconcile_projections", &pgconn.PgError{Code: "40001"})
	m.MarkRun(time.Unix(1700000000, 0))

	if got := testutil.ToFloat64(m.driftDetected.WithLabelValues(DriftFieldAvailableBalance)); got != 2 {
		t.Fatalf("expected 2 drift increments, got %v", got)
	}
	if got := testutil.ToFloat64(m.driftRepaired); got != 1 {
		t.Fatalf("expected 1 repair, got %v", got)
	}
	if got := testutil.ToFloat64(m.jobErrors.WithLabelValues("reconcile_projections", SchedulerJobReasonSerializationFailure)); got != 1 {
		t.Fatalf("expected serialization failure to be counted, got %v", got)
	}
	if got := testutil.ToFloat64(m.lastRunUnixTime); got != 1700000000 {
		t.Fatalf("unexpected last run timestamp %v", got)
	}
}
