package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron"
	"go.uber.org/zap"
)

// Job is driven by the scheduler: Initialize once at startup, OnTick on every interval.
type Job interface {
	Initialize(ctx context.Context) error
	OnTick(ctx context.Context) error
}

// Scheduler periodically runs a Job.
type Scheduler struct {
	scheduler *gocron.Scheduler
	job       Job
	interval  time.Duration
	logger    *zap.SugaredLogger
	now       func() time.Time
}

// New creates a new Scheduler.
func New(job Job, interval time.Duration, logger *zap.SugaredLogger) *Scheduler {
	s := gocron.NewScheduler(time.UTC)
	return &Scheduler{
		scheduler: s,
		job:       job,
		interval:  interval,
		logger:    logger,
		now:       time.Now,
	}
}

// Start initializes the job synchronously and then schedules it. An
// initialization error is returned and nothing is scheduled.
func (s *Scheduler) Start(ctx context.Context) error {
	if err := s.job.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize: %w", err)
	}

	if s.interval <= 0 {
		s.interval = time.Minute
	}

	every := s.scheduler.Every(s.interval).SingletonMode()
	if s.interval%time.Minute == 0 {
		// Fire on full minutes.
		every = every.StartAt(s.now().UTC().Truncate(time.Minute).Add(time.Minute))
	}

	_, err := every.Do(s.tick)
	if err != nil {
		return err
	}

	s.scheduler.StartAsync()
	s.logger.Infow("scheduler started", "interval", s.interval)
	return nil
}

// RunOnce initializes the job and runs exactly one tick.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	if err := s.job.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	return s.job.OnTick(ctx)
}

func (s *Scheduler) tick() {
	// A tick must finish before the next one is due.
	ctx, cancel := context.WithTimeout(context.Background(), s.interval)
	defer cancel()

	if err := s.job.OnTick(ctx); err != nil {
		s.logger.Errorw("poll failed", "error", err)
	}
}

// Stop stops the scheduler and cancels any future jobs.
func (s *Scheduler) Stop() {
	if s.scheduler != nil {
		s.scheduler.Stop()
	}
}
