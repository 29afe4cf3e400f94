package workers

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

const resetJobTimeout = 5 * time.Minute

// QuotaResetter is satisfied by services.QuotaService.
type QuotaResetter interface {
	ResetDue(ctx context.Context) (int, error)
}

// Scheduler runs the background jobs on cron schedules.
type Scheduler struct {
	cron   *cron.Cron
	logger *logrus.Logger
}

func NewScheduler(logger *logrus.Logger) *Scheduler {
	return &Scheduler{
		cron: cron.New(cron.WithChain(
			cron.SkipIfStillRunning(cron.DiscardLogger),
			cron.Recover(cron.DiscardLogger),
		)),
		logger: logger,
	}
}

// AddQuotaReset schedules the monthly quota reset sweep.
func (s *Scheduler) AddQuotaReset(schedule string, resetter QuotaResetter) error {
	_, err := s.cron.AddFunc(schedule, func() {
		RunQuotaReset(context.Background(), resetter, s.logger)
	})
	if err != nil {
		return fmt.Errorf("invalid quota reset schedule %q: %w", schedule, err)
	}
	s.logger.WithField("schedule", schedule).Info("quota reset job scheduled")
	return nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop waits for running jobs until ctx expires.
func (s *Scheduler) Stop(ctx context.Context) {
	select {
	case <-s.cron.Stop().Done():
	case <-ctx.Done():
		s.logger.Warn("scheduler stopped before jobs finished")
	}
}

// RunQuotaReset performs one sweep. It is also the body of the reset-quotas
// command.
func RunQuotaReset(ctx context.Context, resetter QuotaResetter, logger *logrus.Logger) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, resetJobTimeout)
	defer cancel()

	start := time.Now()
	n, err := resetter.ResetDue(ctx)
	entry := logger.WithFields(logrus.Fields{
		"job":         "quota_reset",
		"reset":       n,
		"duration_ms": time.Since(start).Milliseconds(),
	})
	if err != nil {
		entry.WithError(err).Error("quota reset failed")
		return n, err
	}
	entry.Info("quota reset finished")
	return n, nil
}
