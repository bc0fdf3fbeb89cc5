package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron"
	"go.uber.org/zap"

	"github.com/i474232898/utility-data-ingestion/internal/ingestion"
)

const defaultInterval = 10 * time.Minute

// Cycler runs one ingestion cycle.
type Cycler interface {
	DispatchCycle(ctx context.Context) []ingestion.Outcome
}

// Config selects the trigger. A non-empty Cron expression takes precedence
// over Interval.
type Config struct {
	Interval time.Duration
	Cron     string
}

// Scheduler triggers ingestion cycles on a fixed interval or cron schedule.
type Scheduler struct {
	scheduler *gocron.Scheduler
	cycler    Cycler
	cfg       Config
	logger    *zap.Logger
	job       *gocron.Job
}

// New creates a new Scheduler.
func New(cfg Config, cycler Cycler, logger *zap.Logger) *Scheduler {
	s := gocron.NewScheduler(time.UTC)
	// A cycle that is still running when the next tick fires is not doubled up.
	s.SingletonModeAll()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		scheduler: s,
		cycler:    cycler,
		cfg:       cfg,
		logger:    logger,
	}
}

// Start schedules the cycle job and starts the underlying scheduler. Cycles
// run with ctx, so cancelling it stops further outbound calls.
func (s *Scheduler) Start(ctx context.Context) error {
	run := func() {
		s.logger.Info("scheduler: running ingestion cycle")
		started := time.Now()
		outcomes := s.cycler.DispatchCycle(ctx)
		s.logger.Info("scheduler: completed ingestion cycle",
			zap.Int("sources", len(outcomes)),
			zap.Duration("elapsed", time.Since(started)),
		)
	}

	var (
		job *gocron.Job
		err error
	)
	if s.cfg.Cron != "" {
		job, err = s.scheduler.Cron(s.cfg.Cron).Do(run)
		if err != nil {
			return fmt.Errorf("schedule cron %q: %w", s.cfg.Cron, err)
		}
		s.logger.Info("scheduler: cron schedule registered", zap.String("cron", s.cfg.Cron))
	} else {
		interval := s.cfg.Interval
		if interval <= 0 {
			interval = defaultInterval
		}
		// The first cycle waits one full interval, like a fixed-delay timer.
		job, err = s.scheduler.Every(interval).WaitForSchedule().Do(run)
		if err != nil {
			return fmt.Errorf("schedule every %s: %w", interval, err)
		}
		s.logger.Info("scheduler: interval schedule registered", zap.Duration("interval", interval))
	}
	s.job = job

	s.scheduler.StartAsync()
	return nil
}

// NextRun reports when the next cycle is due. ok is false before Start.
func (s *Scheduler) NextRun() (time.Time, bool) {
	if s.job == nil {
		return time.Time{}, false
	}
	next := s.job.NextRun()
	return next, !next.IsZero()
}

// Stop stops the scheduler and cancels any future jobs.
func (s *Scheduler) Stop() {
	if s.scheduler != nil {
		s.scheduler.Stop()
	}
}
