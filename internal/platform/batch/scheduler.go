package batch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/ils/insight/internal/domain/sales"
	"github.com/ils/insight/internal/platform/db"
)

// DefaultSchedule runs the pipeline nightly at 03:00.
const DefaultSchedule = "0 3 * * *"

// TenantLister returns the tenants a scheduled run covers.
type TenantLister func(ctx context.Context) ([]db.TenantID, error)

// Scheduler fires Runner.RunAll on a five-field cron schedule.
type Scheduler struct {
	runner       *Runner
	tenants      TenantLister
	sched        cron.Schedule
	windowMonths int
	concurrency  int
	location     *time.Location
	logger       zerolog.Logger
	now          func() time.Time
}

// NewScheduler parses spec (minute hour dom month dow).
func NewScheduler(spec string, runner *Runner, tenants TenantLister, windowMonths, concurrency int, logger zerolog.Logger) (*Scheduler, error) {
	if spec == "" {
		spec = DefaultSchedule
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	sched, err := parser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("invalid batch schedule %q: %w", spec, err)
	}
	if runner == nil || tenants == nil {
		return nil, errors.New("scheduler needs a runner and a tenant lister")
	}
	if concurrency < 1 {
		concurrency = 1
	}
	return &Scheduler{
		runner:       runner,
		tenants:      tenants,
		sched:        sched,
		windowMonths: windowMonths,
		concurrency:  concurrency,
		location:     time.UTC,
		logger:       logger,
		now:          time.Now,
	}, nil
}

// SetLocation sets the zone the schedule is evaluated in.
func (s *Scheduler) SetLocation(loc *time.Location) {
	if loc != nil {
		s.location = loc
	}
}

// Next returns the first fire time after t.
func (s *Scheduler) Next(t time.Time) time.Time {
	return s.sched.Next(t.In(s.location))
}

// Start blocks until ctx is cancelled, running every tenant at each fire
// time. A run that is still going when ctx ends finishes its write stage.
func (s *Scheduler) Start(ctx context.Context) {
	for {
		now := s.now()
		next := s.Next(now)
		s.logger.Info().Time("next_run", next).Msg("batch scheduler waiting")

		timer := time.NewTimer(next.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		if _, err := s.RunOnce(ctx); err != nil {
			s.logger.Error().Err(err).Msg("scheduled batch run had failures")
		}
	}
}

// RunOnce runs every tenant over the trailing window ending now.
func (s *Scheduler) RunOnce(ctx context.Context) ([]RunSummary, error) {
	tenants, err := s.tenants(ctx)
	if err != nil {
		return nil, fmt.Errorf("list tenants: %w", err)
	}
	w := sales.TrailingMonths(s.now(), s.windowMonths)
	summaries, err := s.runner.RunAll(ctx, tenants, w, s.concurrency)

	var created, updated, failed int
	for _, sum := range summaries {
		created += sum.Created
		updated += sum.Updated
		failed += sum.Failed
	}
	s.logger.Info().
		Int("tenants", len(tenants)).
		Int("created", created).
		Int("updated", updated).
		Int("failed", failed).
		Msg("scheduled batch run complete")
	return summaries, err
}
