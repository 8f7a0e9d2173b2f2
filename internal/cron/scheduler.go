// Package cron runs the periodic availability maintenance jobs on
// standard 5-field cron schedules.
package cron

import (
	"context"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/angrav/internal/availability"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Config holds the dependencies for the maintenance scheduler.
type Config struct {
	Store  *availability.Store
	Logger *slog.Logger

	// TrimSchedule prunes old availability history rows.
	TrimSchedule string
	// PurgeSchedule clears rate-limit records whose resume time passed.
	PurgeSchedule string

	Interval time.Duration // tick interval; defaults to 30 seconds if zero
}

type job struct {
	name    string
	sched   cronlib.Schedule
	nextRun time.Time
	run     func(ctx context.Context) (int64, error)
}

// Scheduler fires the maintenance jobs when their cron schedules come due.
type Scheduler struct {
	store    *availability.Store
	logger   *slog.Logger
	interval time.Duration
	jobs     []*job

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a Scheduler with the given config. Invalid cron
// expressions are an error so misconfiguration surfaces at startup
// instead of as silently skipped jobs.
func NewScheduler(cfg Config) (*Scheduler, error) {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		store:    cfg.Store,
		logger:   logger,
		interval: interval,
	}

	now := time.Now()
	for _, spec := range []struct {
		name string
		expr string
		run  func(ctx context.Context) (int64, error)
	}{
		{"trim_history", cfg.TrimSchedule, cfg.Store.TrimHistory},
		{"purge_expired", cfg.PurgeSchedule, cfg.Store.PurgeExpired},
	} {
		if spec.expr == "" {
			continue
		}
		parsed, err := cronParser.Parse(spec.expr)
		if err != nil {
			return nil, err
		}
		s.jobs = append(s.jobs, &job{
			name:    spec.name,
			sched:   parsed,
			nextRun: parsed.Next(now),
			run:     spec.run,
		})
	}
	return s, nil
}

// Start begins the scheduler loop. It runs in a background goroutine
// and respects the provided context for shutdown.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("maintenance scheduler started", "interval", s.interval, "jobs", len(s.jobs))
}

// Stop cancels the scheduler loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("maintenance scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick fires every job whose next run time has passed.
func (s *Scheduler) tick(ctx context.Context) {
	now := time.Now()
	for _, j := range s.jobs {
		if now.Before(j.nextRun) {
			continue
		}
		affected, err := j.run(ctx)
		j.nextRun = j.sched.Next(now)
		if err != nil {
			s.logger.Error("maintenance job failed",
				"job", j.name,
				"error", err,
			)
			continue
		}
		s.logger.Info("maintenance job ran",
			"job", j.name,
			"rows", affected,
			"next_run_at", j.nextRun,
		)
	}
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
