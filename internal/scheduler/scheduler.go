// Package scheduler runs periodic maintenance jobs on cron schedules.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Pruner drops records older than a retention window.
type Pruner interface {
	Prune(ctx context.Context, retention time.Duration) (int64, error)
}

const jobTimeout = time.Minute

// cronParser accepts standard 5-field expressions, an optional seconds field
// and descriptors such as @hourly.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Scheduler owns the cron ticker.
type Scheduler struct {
	cron   *cron.Cron
	logger *slog.Logger
}

// New creates an idle Scheduler.
func New(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		cron:   cron.New(cron.WithParser(cronParser)),
		logger: logger.With("component", "scheduler"),
	}
}

// AddRetention registers a job that prunes records older than retention.
func (s *Scheduler) AddRetention(name, schedule string, p Pruner, retention time.Duration) error {
	_, err := s.cron.AddFunc(schedule, func() {
		s.runRetention(name, p, retention)
	})
	if err != nil {
		return fmt.Errorf("schedule %s %q: %w", name, schedule, err)
	}
	s.logger.Info("Scheduled retention job", "name", name, "schedule", schedule, "retention", retention)
	return nil
}

func (s *Scheduler) runRetention(name string, p Pruner, retention time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	n, err := p.Prune(ctx, retention)
	if err != nil {
		s.logger.Error("Retention job failed", "name", name, "error", err)
		return
	}
	if n > 0 {
		s.logger.Info("Retention job pruned records", "name", name, "count", n)
	}
}

// Start starts the cron ticker.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop stops the ticker and waits for running jobs.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}
