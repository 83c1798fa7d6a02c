// Package trigger turns recurring cron schedules into enqueued
// executions. These are the formerly self-scheduled jobs, now managed
// so the orchestrator controls when their work actually runs.
package trigger

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"execflow/internal/domain"
	"execflow/internal/registry"
)

type Service struct {
	store    registry.Store
	stop     chan struct{}
	interval time.Duration
	now      func() time.Time
}

func NewService(store registry.Store, checkInterval time.Duration, now func() time.Time) *Service {
	if now == nil {
		now = time.Now
	}
	return &Service{
		store:    store,
		stop:     make(chan struct{}),
		interval: checkInterval,
		now:      now,
	}
}

func (s *Service) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	log.Info().Dur("interval", s.interval).Msg("trigger service started")

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.ProcessDue(ctx, s.now())
		}
	}
}

func (s *Service) Stop() {
	close(s.stop)
}

// ProcessDue enqueues one execution per due trigger and advances each
// trigger's next run.
func (s *Service) ProcessDue(ctx context.Context, now time.Time) {
	due, err := s.store.DueTriggers(ctx, now)
	if err != nil {
		log.Error().Err(err).Msg("failed to get due triggers")
		return
	}
	for _, t := range due {
		if err := s.fire(ctx, t, now); err != nil {
			log.Error().Err(err).Str("trigger_id", t.ID).Msg("failed to fire trigger")
		}
	}
}

func (s *Service) fire(ctx context.Context, t domain.Trigger, now time.Time) error {
	schedule, err := cron.ParseStandard(t.CronExpr)
	if err != nil {
		log.Error().Err(err).Str("cron_expr", t.CronExpr).Msg("invalid cron expression")
		return err
	}

	// The schedule advances first: a failure past this point skips the
	// run instead of firing it twice on the next check.
	nextRun := schedule.Next(now)
	if err := s.store.UpdateTriggerRun(ctx, t.ID, now, nextRun); err != nil {
		return err
	}

	executionID, err := s.store.Enqueue(ctx, domain.Execution{
		WorkflowType: t.WorkflowType,
		Priority:     t.Priority,
		Context:      t.Context,
	})
	if err != nil {
		return err
	}

	log.Info().
		Str("trigger_id", t.ID).
		Str("trigger_name", t.Name).
		Str("execution_id", executionID).
		Time("next_run", nextRun).
		Msg("trigger fired")
	return nil
}

// ValidateCronExpression validates a cron expression.
func ValidateCronExpression(expr string) error {
	_, err := cron.ParseStandard(expr)
	return err
}

// NextRunTime calculates the next run time for a cron expression.
func NextRunTime(expr string, from time.Time) (time.Time, error) {
	schedule, err := cron.ParseStandard(expr)
	if err != nil {
		return time.Time{}, err
	}
	return schedule.Next(from), nil
}
