/**
 * @description
 * Cron scheduler for the per-backend reconciliation sweeps.
 */
package app

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Scheduler runs one recurring sweep per reconciler.
type Scheduler struct {
	cron         *cron.Cron
	reconcilers  []*Reconciler
	interval     time.Duration
	startupDelay time.Duration
	logger       *slog.Logger

	mu      sync.Mutex
	timer   *time.Timer
	stopped bool
}

// NewScheduler creates a new scheduler. Overlapping runs of the same reconciler
// are skipped rather than queued.
func NewScheduler(reconcilers []*Reconciler, interval, startupDelay time.Duration, logger *slog.Logger) *Scheduler {
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	c := cron.New(cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)))

	return &Scheduler{
		cron:         c,
		reconcilers:  reconcilers,
		interval:     interval,
		startupDelay: startupDelay,
		logger:       logger,
	}
}

// Start starts the cron scheduler and registers the sweeps, after the startup
// delay when one is configured.
func (s *Scheduler) Start() {
	s.cron.Start()
	if s.startupDelay <= 0 {
		s.register()
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger.Info("delaying reconciliation start", "delay", s.startupDelay.String())
	s.timer = time.AfterFunc(s.startupDelay, s.register)
}

func (s *Scheduler) register() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}

	schedule := "@every " + s.interval.String()
	for _, rec := range s.reconcilers {
		if _, err := s.cron.AddFunc(schedule, rec.Run); err != nil {
			s.logger.Error("failed to schedule reconciliation sweep", "backend", rec.Backend(), "error", err)
			continue
		}
		s.logger.Info("scheduled reconciliation sweep", "backend", rec.Backend(), "schedule", schedule)
	}
}

// Stop marks every reconciler stopped and stops the cron scheduler. The returned
// context is done once any running sweep has finished.
func (s *Scheduler) Stop() context.Context {
	s.mu.Lock()
	s.stopped = true
	if s.timer != nil {
		s.timer.Stop()
	}
	s.mu.Unlock()

	for _, rec := range s.reconcilers {
		rec.Stop()
	}
	return s.cron.Stop()
}
