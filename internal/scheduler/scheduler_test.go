package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	affiliaterepo "github.com/smallbiznis/affiliate/internal/affiliate/repository"
	"github.com/smallbiznis/affiliate/internal/clock"
	obsmetrics "github.com/smallbiznis/affiliate/internal/observability/metrics"
	"github.com/smallbiznis/affiliate/internal/projection"
	"github.com/smallbiznis/affiliate/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func TestRunJobTimeoutDoesNotReturnErrorAndIncrementsTimeout(t *testing.T) {
	registry := prometheus.NewRegistry()
	restore := swapPrometheusRegistry(registry)
	defer restore()

	obsmetrics.ResetSchedulerMetricsForTest()
	obsmetrics.SchedulerWithConfig(obsmetrics.Config{
		ServiceName: "affiliate",
		Environment: "test",
	})

	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("snowflake node: %v", err)
	}

	s := &Scheduler{log: zap.NewNop(), genID: node, clock: clock.NewFakeClock(time.Time{})}
	err = s.runJob(context.Background(), "timeout_job", 0, 5*time.Millisecond, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	labels := map[string]string{
		"service": "affiliate",
		"env":     "test",
		"job":     "timeout_job",
	}
	if got := getCounterValue(t, registry, "affiliate_scheduler_job_timeouts_total", labels); got != 1 {
		t.Fatalf("expected timeout count 1, got %v", got)
	}

	errorLabels := map[string]string{
		"service": "affiliate",
		"env":     "test",
		"job":     "timeout_job",
		"reason":  obsmetrics.SchedulerJobReasonDeadlineExceeded,
	}
	if got := getCounterValue(t, registry, "affiliate_scheduler_job_errors_total", errorLabels); got != 1 {
		t.Fatalf("expected error count 1, got %v", got)
	}
}

func newTestScheduler(t *testing.T, cfg Config) (*Scheduler, *gorm.DB, *snowflake.Node, *prometheus.Registry) {
	t.Helper()
	registry := prometheus.NewRegistry()
	t.Cleanup(swapPrometheusRegistry(registry))
	obsmetrics.ResetSchedulerMetricsForTest()
	obsmetrics.SchedulerWithConfig(obsmetrics.Config{ServiceName: "affiliate", Environment: "test"})

	db := testutil.SetupTestDB(t)
	node := testutil.NewNode(t)
	s, err := New(Params{
		DB:         db,
		Log:        zap.NewNop(),
		GenID:      node,
		Affiliates: affiliaterepo.Provide(),
		Projector:  projection.New(projection.Params{DB: db, Log: zap.NewNop()}),
		Clock:      clock.NewFakeClock(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)),
		Config:     cfg,
	})
	require.NoError(t, err)
	return s, db, node, registry
}

func TestReconcileReportsDriftWithoutRepair(t *testing.T) {
	s, db, node, registry := newTestScheduler(t, Config{BatchSize: 2})
	ctx := context.Background()

	healthy := testutil.SeedAffiliate(t, db, node, "OK1", "approved")
	testutil.SeedReferral(t, db, node, healthy, "P1", "confirmed", 1196)
	testutil.SetAggregates(t, db, healthy, 1, 1196, 1196, 0)

	drifted := testutil.SeedAffiliate(t, db, node, "BAD1", "approved")
	testutil.SeedReferral(t, db, node, drifted, "P2", "confirmed", 400)
	testutil.SetAggregates(t, db, drifted, 1, 999, 999, 0)

	testutil.SeedAffiliate(t, db, node, "EMPTY", "pending")

	require.NoError(t, s.RunOnce(ctx))

	var balance int64
	require.NoError(t, db.Raw(`SELECT available_balance FROM affiliates WHERE id = ?`, drifted).Scan(&balance).Error)
	assert.Equal(t, int64(999), balance, "drift is left untouched without auto repair")

	fieldLabels := map[string]string{"service": "affiliate", "env": "test", "field": obsmetrics.DriftFieldAvailableBalance}
	assert.Equal(t, float64(1), getCounterValue(t, registry, "affiliate_projection_drift_total", fieldLabels))
	batchLabels := map[string]string{"service": "affiliate", "env": "test", "job": JobReconcileAggregates, "resource": "affiliate"}
	assert.Equal(t, float64(3), getCounterValue(t, registry, "affiliate_scheduler_batch_processed_total", batchLabels))
}

func TestReconcileRepairsDrift(t *testing.T) {
	s, db, node, registry := newTestScheduler(t, Config{BatchSize: 10, AutoRepair: true})
	ctx := context.Background()

	drifted := testutil.SeedAffiliate(t, db, node, "BAD1", "approved")
	testutil.SeedReferral(t, db, node, drifted, "P1", "confirmed", 400)
	testutil.SeedReferral(t, db, node, drifted, "P2", "paid", 600)
	testutil.SetAggregates(t, db, drifted, 0, 0, 0, 0)

	require.NoError(t, s.RunOnce(ctx))

	var row struct {
		TotalSales       int64
		TotalEarnings    int64
		AvailableBalance int64
		TotalPaid        int64
	}
	require.NoError(t, db.Raw(`SELECT total_sales, total_earnings, available_balance, total_paid FROM affiliates WHERE id = ?`, drifted).Scan(&row).Error)
	assert.Equal(t, int64(2), row.TotalSales)
	assert.Equal(t, int64(1000), row.TotalEarnings)
	assert.Equal(t, int64(400), row.AvailableBalance)
	assert.Equal(t, int64(600), row.TotalPaid)

	repairLabels := map[string]string{"service": "affiliate", "env": "test"}
	assert.Equal(t, float64(1), getCounterValue(t, registry, "affiliate_projection_repairs_total", repairLabels))

	require.NoError(t, s.RunOnce(ctx))
	assert.Equal(t, float64(1), getCounterValue(t, registry, "affiliate_projection_repairs_total", repairLabels))
}

func TestNewRejectsMissingDependencies(t *testing.T) {
	_, err := New(Params{Log: zap.NewNop()})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func swapPrometheusRegistry(registry *prometheus.Registry) func() {
	oldRegisterer := prometheus.DefaultRegisterer
	oldGatherer := prometheus.DefaultGatherer
	prometheus.DefaultRegisterer = registry
	prometheus.DefaultGatherer = registry
	return func() {
		prometheus.DefaultRegisterer = oldRegisterer
		prometheus.DefaultGatherer = oldGatherer
		obsmetrics.ResetSchedulerMetricsForTest()
	}
}

func getCounterValue(t *testing.T, registry *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	metricFamilies, err := registry.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	for _, mf := range metricFamilies {
		if mf.GetName() != name {
			continue
		}
		for _, metric := range mf.Metric {
			if !labelsMatch(metric, labels) {
				continue
			}
			if metric.Counter == nil {
				t.Fatalf("metric %s is not a counter", name)
			}
			return metric.GetCounter().GetValue()
		}
	}
	t.Fatalf("metric %s with labels %v not found", name, labels)
	return 0
}

func labelsMatch(metric *dto.Metric, labels map[string]string) bool {
	if len(metric.Label) != len(labels) {
		return false
	}
	for _, label := range metric.Label {
		if labels[label.GetName()] != label.GetValue() {
			return false
		}
	}
	return true
}
