// Package scheduler runs named jobs on cron schedules.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"budgetbase/internal/log"
)

// Job is a unit of scheduled work.
type Job func(ctx context.Context) error

// DefaultJobTimeout bounds a single job run.
const DefaultJobTimeout = 5 * time.Minute

// Scheduler manages all cron tasks.
type Scheduler struct {
	cron    *cron.Cron
	ctx     context.Context
	timeout time.Duration
	logger  *log.Logger

	mu   sync.Mutex
	jobs map[string]Job
}

// New creates a Scheduler. Jobs run with contexts derived from ctx.
// Schedules use the standard five-field syntax or descriptors such as
// "@hourly" and "@every 30m".
func New(ctx context.Context, logger *log.Logger) *Scheduler {
	if logger == nil {
		logger = log.Discard()
	}
	return &Scheduler{
		cron:    cron.New(),
		ctx:     ctx,
		timeout: DefaultJobTimeout,
		logger:  logger.WithComponent(log.ComponentScheduler),
		jobs:    make(map[string]Job),
	}
}

// Register adds job under name on the given schedule.
func (s *Scheduler) Register(name, schedule string, job Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[name]; exists {
		return fmt.Errorf("job %q already registered", name)
	}
	if _, err := s.cron.AddFunc(schedule, func() { s.run(name, job) }); err != nil {
		return fmt.Errorf("register %s task: %w", name, err)
	}
	s.jobs[name] = job
	s.logger.Info("Job registered", "job", name, "schedule", schedule)
	return nil
}

// RunNow executes a registered job immediately.
func (s *Scheduler) RunNow(name string) error {
	s.mu.Lock()
	job, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("job %q not registered", name)
	}
	return s.run(name, job)
}

func (s *Scheduler) run(name string, job Job) error {
	ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
	defer cancel()

	start := time.Now()
	s.logger.InfoContext(ctx, "Running scheduled job", "job", name)
	if err := job(ctx); err != nil {
		s.logger.ErrorContext(ctx, "Scheduled job failed", "job", name, log.FieldError, err)
		return err
	}
	s.logger.InfoContext(ctx, "Scheduled job finished", "job", name,
		log.FieldDuration, time.Since(start).Milliseconds())
	return nil
}

// Start starts the cron scheduler.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("Scheduler started")
}

// Stop stops the scheduler and waits for running jobs, up to ctx.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		s.logger.Info("Scheduler stopped")
		return nil
	case <-ctx.Done():
		s.logger.Warn("Scheduler stop timed out")
		return ctx.Err()
	}
}
