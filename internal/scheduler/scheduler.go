package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/go-co-op/gocron/v2"
	affiliatedomain "github.com/smallbiznis/affiliate/internal/affiliate/domain"
	auditdomain "github.com/smallbiznis/affiliate/internal/audit/domain"
	auditcontext "github.com/smallbiznis/affiliate/internal/auditcontext"
	"github.com/smallbiznis/affiliate/internal/clock"
	obsmetrics "github.com/smallbiznis/affiliate/internal/observability/metrics"
	"github.com/smallbiznis/affiliate/internal/projection"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const JobReconcileAggregates = "reconcile_aggregates"

var ErrInvalidConfig = errors.New("invalid_scheduler_config")

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Affiliates affiliatedomain.Repository
	Projector  *projection.Projector
	Clock      clock.Clock `optional:"true"`
	Config     Config      `optional:"true"`
}

// Scheduler periodically compares stored affiliate aggregates with the
// referral ledger and optionally rebuilds the ones that drifted.
type Scheduler struct {
	db         *gorm.DB
	log        *zap.Logger
	cfg        Config
	genID      *snowflake.Node
	clock      clock.Clock
	affiliates affiliatedomain.Repository
	projector  *projection.Projector

	mu      sync.Mutex
	nextRun time.Time
}

func New(p Params) (*Scheduler, error) {
	if p.DB == nil || p.Log == nil || p.GenID == nil || p.Affiliates == nil || p.Projector == nil {
		return nil, ErrInvalidConfig
	}
	clk := p.Clock
	if clk == nil {
		clk = clock.SystemClock{}
	}
	return &Scheduler{
		db:         p.DB,
		log:        p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:        p.Config.withDefaults(),
		genID:      p.GenID,
		clock:      clk,
		affiliates: p.Affiliates,
		projector:  p.Projector,
	}, nil
}

func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	batchSize int,
	timeout time.Duration,
	fn func(ctx context.Context) error,
) error {
	start := s.clock.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	ctx = auditcontext.WithActor(ctx, string(auditdomain.ActorTypeSystem), "scheduler")
	ctx, run, owner := s.ensureJobRun(ctx, name, batchSize)
	if owner {
		s.logJobStart(ctx, run)
	}
	schedMetrics := obsmetrics.Scheduler()
	schedMetrics.IncJobRun(name)

	err := fn(ctx)
	schedMetrics.ObserveJobDuration(name, s.clock.Now().Sub(start))
	if owner {
		if err != nil && run.errorCount == 0 {
			run.IncError()
		}
		s.logJobFinish(ctx, run)
	}
	if err == nil {
		return nil
	}

	// Deadline is a soft timeout; the next pass resumes from the start.
	isTimeout := errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
	if isTimeout {
		schedMetrics.IncJobTimeout(name)
	}
	schedMetrics.IncJobError(name, err)
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

// RunOnce performs one full reconciliation pass.
func (s *Scheduler) RunOnce(parent context.Context) error {
	err := s.runJob(parent, JobReconcileAggregates, s.cfg.BatchSize, s.cfg.JobTimeout, s.ReconcileAggregatesJob)
	obsmetrics.Scheduler().MarkRun(s.clock.Now())
	return err
}

// RunForever registers the reconciliation pass with gocron and blocks until
// ctx is cancelled. Overlapping runs are rescheduled rather than stacked.
func (s *Scheduler) RunForever(ctx context.Context) {
	cron, err := gocron.NewScheduler()
	if err != nil {
		s.log.Error("failed to create job scheduler", zap.Error(err))
		return
	}

	s.setNextRun(s.clock.Now())
	_, err = cron.NewJob(
		gocron.DurationJob(s.cfg.RunInterval),
		gocron.NewTask(func() {
			s.tick(ctx)
		}),
		gocron.WithName(JobReconcileAggregates),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	)
	if err != nil {
		s.log.Error("failed to register reconciler job", zap.Error(err))
		return
	}

	cron.Start()
	s.log.Info("reconciler started",
		zap.Duration("interval", s.cfg.RunInterval),
		zap.Int("batch_size", s.cfg.BatchSize),
		zap.Bool("auto_repair", s.cfg.AutoRepair),
	)

	<-ctx.Done()
	if err := cron.Shutdown(); err != nil {
		s.log.Warn("job scheduler shutdown failed", zap.Error(err))
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	now := s.clock.Now()
	if lag := now.Sub(s.getNextRun()); lag > 0 {
		obsmetrics.Scheduler().ObserveRunLoopLag(lag)
	}
	s.setNextRun(now.Add(s.cfg.RunInterval))

	if err := s.RunOnce(ctx); err != nil {
		s.log.Warn("scheduler run failed", zap.Error(err))
	}
}

func (s *Scheduler) setNextRun(at time.Time) {
	s.mu.Lock()
	s.nextRun = at
	s.mu.Unlock()
}

func (s *Scheduler) getNextRun() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextRun
}

// ReconcileAggregatesJob walks every affiliate in id order in batches and
// verifies its projection against the ledger.
func (s *Scheduler) ReconcileAggregatesJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, JobReconcileAggregates, s.cfg.BatchSize)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}

	var (
		jobErr  error
		afterID snowflake.ID
	)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		ids, err := s.affiliates.ListIDs(ctx, s.db.WithContext(ctx), afterID, s.cfg.BatchSize)
		if err != nil {
			s.logSchedulerError(ctx, run, "scheduler.affiliates.list.failed", afterID, err)
			return errors.Join(jobErr, err)
		}
		if len(ids) == 0 {
			break
		}

		for _, id := range ids {
			if err := s.reconcileAffiliate(ctx, run, id); err != nil {
				if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
					return err
				}
				jobErr = errors.Join(jobErr, err)
			}
		}
		run.AddProcessed(len(ids))
		obsmetrics.Scheduler().AddBatchProcessed(JobReconcileAggregates, "affiliate", len(ids))

		afterID = ids[len(ids)-1]
		if len(ids) < s.cfg.BatchSize {
			break
		}
	}

	return jobErr
}

func (s *Scheduler) reconcileAffiliate(ctx context.Context, run *jobRun, affiliateID snowflake.ID) error {
	drift, err := s.projector.Verify(ctx, affiliateID)
	if err != nil {
		if errors.Is(err, projection.ErrAffiliateNotFound) {
			return nil
		}
		s.logSchedulerError(ctx, run, "scheduler.projection.verify.failed", affiliateID, err)
		return err
	}
	if !drift.HasDrift() {
		return nil
	}

	run.IncDrift()
	for _, field := range drift.Fields {
		obsmetrics.Scheduler().IncDrift(field)
	}
	s.logger(ctx).Error("projection drift detected",
		zap.String("affiliate_id", affiliateID.String()),
		zap.Strings("fields", drift.Fields),
		zap.Any("stored", drift.Stored),
		zap.Any("expected", drift.Expected),
		zap.Bool("auto_repair", s.cfg.AutoRepair),
	)

	if !s.cfg.AutoRepair {
		return nil
	}
	if _, err := s.projector.Rebuild(ctx, affiliateID, ""); err != nil {
		s.logSchedulerError(ctx, run, "scheduler.projection.rebuild.failed", affiliateID, err)
		return err
	}
	obsmetrics.Scheduler().IncRepair()
	s.logger(ctx).Info("projection repaired",
		zap.String("affiliate_id", affiliateID.String()),
		zap.Strings("fields", drift.Fields),
	)
	return nil
}
