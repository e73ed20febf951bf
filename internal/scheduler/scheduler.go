// Package scheduler runs periodic background jobs such as mailbox polling.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mileusna/crontab"

	"github.com/knoguchi/promptrelay/internal/metrics"
)

// DefaultJobTimeout bounds a single job run.
const DefaultJobTimeout = 10 * time.Minute

// Job is a named unit of periodic work.
type Job struct {
	Name string
	// EveryMinutes is the run interval; values below 1 mean every minute.
	EveryMinutes int
	Run          func(ctx context.Context) error

	running atomic.Bool
}

// Scheduler triggers jobs on a cron schedule. A run that is still in progress when its
// next tick fires causes that tick to be skipped.
type Scheduler struct {
	ctab    *crontab.Crontab
	jobs    []*Job
	timeout time.Duration
	logger  *slog.Logger

	base   context.Context
	cancel context.CancelFunc
	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// Option is a functional option for configuring Scheduler.
type Option func(*Scheduler)

// WithJobTimeout overrides DefaultJobTimeout.
func WithJobTimeout(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		s.logger = logger
	}
}

// New creates a scheduler for jobs.
func New(jobs []*Job, opts ...Option) *Scheduler {
	s := &Scheduler{
		ctab:    crontab.New(),
		jobs:    jobs,
		timeout: DefaultJobTimeout,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "scheduler")
	return s
}

// Run executes every job once, schedules them, and blocks until ctx is done.
// It returns after in-flight runs have finished.
func (s *Scheduler) Run(ctx context.Context) error {
	s.base, s.cancel = context.WithCancel(context.WithoutCancel(ctx))
	defer s.cancel()

	for _, job := range s.jobs {
		if job.Run == nil {
			return fmt.Errorf("job %q has no run function", job.Name)
		}
		every := max(job.EveryMinutes, 1)
		expr := fmt.Sprintf("*/%d * * * *", every)
		if err := s.ctab.AddJob(expr, s.trigger, job); err != nil {
			s.ctab.Clear()
			return fmt.Errorf("failed to schedule job %q: %w", job.Name, err)
		}
		s.logger.Info("job scheduled", "job", job.Name, "every_minutes", every)

		// execute once on start
		s.trigger(job)
	}

	<-ctx.Done()
	s.ctab.Shutdown()
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
	return nil
}

// trigger starts job in the background unless a previous run is still going.
func (s *Scheduler) trigger(job *Job) {
	if !job.running.CompareAndSwap(false, true) {
		s.logger.Warn("previous run still in progress, skipping", "job", job.Name)
		metrics.SchedulerSkippedTotal.WithLabelValues(job.Name).Inc()
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		job.running.Store(false)
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		defer job.running.Store(false)
		s.execute(s.base, job)
	}()
}

func (s *Scheduler) execute(ctx context.Context, job *Job) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	err := safeRun(ctx, job)

	result := "ok"
	switch {
	case err == nil:
		s.logger.Debug("job finished", "job", job.Name, "duration", time.Since(start))
	case errors.Is(err, context.Canceled):
		result = "cancelled"
		s.logger.Info("job cancelled", "job", job.Name)
	default:
		result = "error"
		s.logger.Error("job failed", "job", job.Name, "error", err, "duration", time.Since(start))
	}
	metrics.SchedulerRunsTotal.WithLabelValues(job.Name, result).Inc()
}

func safeRun(ctx context.Context, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in job %q: %v", job.Name, r)
		}
	}()
	return job.Run(ctx)
}
