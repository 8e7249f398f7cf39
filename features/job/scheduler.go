package job

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

type Triggerer interface {
	Trigger(ctx context.Context, trigger Trigger) (*Job, error)
}

// Scheduler fires scheduled triggers. It never bypasses the orchestrator's
// single-job guard: a tick during a running job is logged and dropped.
type Scheduler struct {
	cron     *cron.Cron
	schedule cron.Schedule
	spec     string
	target   Triggerer
	logger   *slog.Logger
}

func NewScheduler(target Triggerer, spec string, logger *slog.Logger) (*Scheduler, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	schedule, err := parser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("invalid scrape schedule %q: %w", spec, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := cron.New(
		cron.WithParser(parser),
		cron.WithLocation(time.UTC),
		cron.WithChain(cron.Recover(cron.DefaultLogger)),
	)
	return &Scheduler{cron: c, schedule: schedule, spec: spec, target: target, logger: logger}, nil
}

func (s *Scheduler) Start(ctx context.Context) error {
	if _, err := s.cron.AddFunc(s.spec, func() { s.Fire(ctx) }); err != nil {
		return fmt.Errorf("failed to schedule scrape: %w", err)
	}
	s.cron.Start()
	s.logger.InfoContext(ctx, "scrape scheduler started", "schedule", s.spec, "next", s.Next(time.Now()))
	return nil
}

// Stop halts the scheduler; the returned context is done when a firing
// trigger call has returned.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

func (s *Scheduler) Next(after time.Time) time.Time {
	return s.schedule.Next(after.UTC())
}

// Fire attempts one scheduled trigger.
func (s *Scheduler) Fire(ctx context.Context) {
	j, err := s.target.Trigger(ctx, TriggerScheduled)
	if errors.Is(err, ErrJobAlreadyRunning) {
		s.logger.InfoContext(ctx, "scheduled scrape skipped, a job is already running")
		return
	}
	if err != nil {
		s.logger.ErrorContext(ctx, "scheduled scrape failed to start", "error", err)
		return
	}
	s.logger.InfoContext(ctx, "scheduled scrape started", "job_id", j.ID)
}
