package sqlite_test

import (
	"context"
	"errors"
	"testing"

	"github.com/opsbatch/scheduler/internal/domain"
	"github.com/opsbatch/scheduler/internal/infrastructure/sqlite"
)

func seedSchedule(t *testing.T, repo *sqlite.ScheduleRepository) *domain.Schedule {
	t.Helper()
	s, err := repo.Create(context.Background(), &domain.Schedule{
		TypeCode: "demo.task",
		CronExpr: "*/5 * * * *",
		Payload:  "{}",
		Enabled:  true,
	})
	if err != nil {
		t.Fatalf("seed schedule: %v", err)
	}
	return s
}

func TestScheduleRepository_DeleteRefusesWhenTasksReferenceIt(t *testing.T) {
	db := openTestDB(t)
	schedules := sqlite.NewScheduleRepository(db)
	tasks := sqlite.NewTaskRepository(db)

	sched := seedSchedule(t, schedules)
	scheduleID := sched.ID
	if _, err := tasks.Create(context.Background(), &domain.Task{
		ScheduleID:  &scheduleID,
		Ticket:      "ticket-schedule-in-use",
		TypeCode:    sched.TypeCode,
		Payload:     "{}",
		MaxAttempts: 3,
	}); err != nil {
		t.Fatalf("seed referencing task: %v", err)
	}

	if err := schedules.Delete(context.Background(), sched.ID); !errors.Is(err, domain.ErrScheduleInUse) {
		t.Fatalf("expected ErrScheduleInUse, got %v", err)
	}
}

func TestScheduleRepository_DeleteSucceedsWhenUnreferenced(t *testing.T) {
	db := openTestDB(t)
	schedules := sqlite.NewScheduleRepository(db)
	sched := seedSchedule(t, schedules)

	if err := schedules.Delete(context.Background(), sched.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := schedules.GetByID(context.Background(), sched.ID); !errors.Is(err, domain.ErrScheduleNotFound) {
		t.Fatalf("expected schedule to be gone after delete, got %v", err)
	}
}
