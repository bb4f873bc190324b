// Package cronfanout is the periodic service that turns enabled Schedule
// rows into ready Task rows. It is the write side of the cron contract:
// the engine later picks up whatever this package inserts. Rather than
// computing just the single next run, each tick enumerates every firing
// in the scan window, so missed firings are backfilled across process
// restarts instead of being dropped.
package cronfanout

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/opsbatch/scheduler/internal/domain"
	"github.com/opsbatch/scheduler/internal/metrics"
	"github.com/opsbatch/scheduler/internal/repository"
)

// maxFiringsPerScheduleTick is the backfill safety valve: a schedule that
// has been disabled-then-reenabled (or a process down for a long time)
// never floods the task table with an unbounded catch-up burst. The
// 5001st firing in a window is simply deferred to the next tick, since
// lastFireAt is only advanced as far as the cap reaches.
const maxFiringsPerScheduleTick = 5000

// backfillWindow bounds how far back a nil LastFireAt looks: a freshly
// created schedule only backfills the last hour, not all of history.
const backfillWindow = time.Hour

var cronParser = cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Service periodically scans enabled schedules and idempotently inserts
// one Task per (schedule, firing instant) pair.
type Service struct {
	schedules repository.ScheduleRepository
	tasks     repository.TaskRepository
	logger    *slog.Logger

	initialDelay time.Duration
	period       time.Duration
}

func New(schedules repository.ScheduleRepository, tasks repository.TaskRepository, initialDelay, period time.Duration, logger *slog.Logger) *Service {
	return &Service{
		schedules:    schedules,
		tasks:        tasks,
		logger:       logger.With("component", "cron_fanout"),
		initialDelay: initialDelay,
		period:       period,
	}
}

// Start runs FireDue on a timer: an initial delay, then fixed-period
// ticks, until ctx is canceled.
func (s *Service) Start(ctx context.Context) {
	s.logger.Info("cron fan-out starting", "initial_delay", s.initialDelay, "period", s.period)

	select {
	case <-ctx.Done():
		return
	case <-time.After(s.initialDelay):
	}

	ticker := time.NewTicker(s.period)
	defer ticker.Stop()

	s.fireDue(ctx)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("cron fan-out shut down")
			return
		case <-ticker.C:
			s.fireDue(ctx)
		}
	}
}

// fireDue is the ticker's entry point: it runs one FireDue pass, records
// the pass duration in the cron cycle metric, and logs (rather than
// returns) any error.
func (s *Service) fireDue(ctx context.Context) {
	start := time.Now()
	defer func() {
		metrics.CronCycleDuration.Observe(time.Since(start).Seconds())
	}()
	if err := s.FireDue(ctx); err != nil {
		s.logger.Error("cron fan-out tick failed", "error", err)
	}
}

// FireDue runs one complete fan-out pass over every enabled schedule,
// returning only errors that prevented the schedule list from being read;
// per-schedule failures are logged and skipped.
func (s *Service) FireDue(ctx context.Context) error {
	schedules, err := s.schedules.ListEnabled(ctx)
	if err != nil {
		return fmt.Errorf("list enabled schedules: %w", err)
	}

	now := time.Now().Truncate(time.Second)
	for _, sched := range schedules {
		if err := s.fireSchedule(ctx, sched, now); err != nil {
			s.logger.Error("schedule fan-out failed", "schedule_id", sched.ID, "error", err)
		}
	}
	return nil
}

func (s *Service) fireSchedule(ctx context.Context, sched *domain.Schedule, now time.Time) error {
	expr, err := cronParser.Parse(sched.CronExpr)
	if err != nil {
		s.logger.Warn("invalid cron expression, skipping schedule", "schedule_id", sched.ID, "cron_expr", sched.CronExpr, "error", err)
		return nil
	}

	windowStart := now.Add(-backfillWindow)
	if sched.LastFireAt != nil {
		windowStart = *sched.LastFireAt
	}

	inserted := 0
	t := expr.Next(windowStart.Add(-time.Second))
	for !t.IsZero() && !t.After(now) {
		if inserted >= maxFiringsPerScheduleTick {
			s.logger.Warn("cron backfill cap reached, deferring remainder to next tick",
				"schedule_id", sched.ID, "cap", maxFiringsPerScheduleTick)
			break
		}

		fired, err := s.fireOne(ctx, sched, t)
		if err != nil {
			return err
		}
		if fired {
			inserted++
			metrics.CronFiredTotal.WithLabelValues(fmt.Sprintf("%d", sched.ID)).Inc()
		}
		t = expr.Next(t)
	}
	return nil
}

// fireOne inserts (or no-ops on a ticket collision) the Task for one
// firing instant, advancing LastFireAt only when the insert actually
// happened — so a replayed tick across a restart never double-advances
// past firings it didn't itself insert.
func (s *Service) fireOne(ctx context.Context, sched *domain.Schedule, t time.Time) (bool, error) {
	ticket := ticketFor(sched.ID, t)
	maxAttempts := 3
	notBefore := t

	task := &domain.Task{
		ScheduleID:  &sched.ID,
		Ticket:      ticket,
		TypeCode:    sched.TypeCode,
		Payload:     sched.Payload,
		Priority:    0,
		MaxAttempts: maxAttempts,
		NotBefore:   &notBefore,
	}

	insertedRow, err := s.tasks.InsertFired(ctx, task)
	if err != nil {
		return false, fmt.Errorf("insert fired task for schedule %d at %s: %w", sched.ID, t, err)
	}
	if !insertedRow {
		return false, nil
	}

	if err := s.schedules.AdvanceLastFire(ctx, sched.ID, t); err != nil {
		return false, fmt.Errorf("advance last fire for schedule %d: %w", sched.ID, err)
	}
	sched.LastFireAt = &t
	return true, nil
}

// ticketFor builds the digits-only dedup key that makes fan-out
// idempotent at the ticket uniqueness index.
func ticketFor(scheduleID int64, t time.Time) string {
	return fmt.Sprintf("schedule#%d#%s", scheduleID, t.UTC().Format("20060102150405"))
}
