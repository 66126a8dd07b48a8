/**
 * @description
 * Cron scheduler setup for scheduled jobs.
 */
package app

import (
	"context"
	"log/slog"

	"github.com/OrigemSolution/sharePlan/internal/config"
	"github.com/robfig/cron/v3"
)

// Scheduler manages the cron jobs.
type Scheduler struct {
	cron   *cron.Cron
	jobs   *Jobs
	logger *slog.Logger
	config config.Config
}

// NewScheduler creates a new scheduler instance.
func NewScheduler(jobs *Jobs, logger *slog.Logger, cfg config.Config) *Scheduler {
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	c := cron.New(cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)))

	return &Scheduler{
		cron:   c,
		jobs:   jobs,
		logger: logger,
		config: cfg,
	}
}

// Start registers the jobs and starts the cron scheduler.
func (s *Scheduler) Start() {
	if _, err := s.cron.AddFunc(s.config.ReconcileJobSchedule, s.jobs.SweepPendingPayments); err != nil {
		s.logger.Error("failed to schedule pending payment sweep job", "error", err)
	} else {
		s.logger.Info("scheduled pending payment sweep job", "schedule", s.config.ReconcileJobSchedule)
	}

	if _, err := s.cron.AddFunc(s.config.SlotExpiryJobSchedule, s.jobs.ExpireSlots); err != nil {
		s.logger.Error("failed to schedule slot expiry job", "error", err)
	} else {
		s.logger.Info("scheduled slot expiry job", "schedule", s.config.SlotExpiryJobSchedule)
	}

	s.cron.Start()
}

// Stop gracefully stops the cron scheduler.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}
