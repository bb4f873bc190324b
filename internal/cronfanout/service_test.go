package cronfanout_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/opsbatch/scheduler/internal/cronfanout"
	"github.com/opsbatch/scheduler/internal/domain"
	"github.com/opsbatch/scheduler/internal/repository"
)

// fakeScheduleRepo and fakeTaskRepo are minimal in-memory stand-ins for
// the repository interfaces, enough to exercise FireDue's algorithm
// without a real database.
type fakeScheduleRepo struct {
	mu        sync.Mutex
	schedules map[int64]*domain.Schedule
}

func (f *fakeScheduleRepo) Create(context.Context, *domain.Schedule) (*domain.Schedule, error) {
	return nil, nil
}
func (f *fakeScheduleRepo) GetByID(_ context.Context, id int64) (*domain.Schedule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.schedules[id], nil
}
func (f *fakeScheduleRepo) List(context.Context) ([]*domain.Schedule, error) { return nil, nil }
func (f *fakeScheduleRepo) ListEnabled(context.Context) ([]*domain.Schedule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.Schedule
	for _, s := range f.schedules {
		if s.Enabled {
			out = append(out, s)
		}
	}
	return out, nil
}
func (f *fakeScheduleRepo) SetEnabled(context.Context, int64, bool) error { return nil }
func (f *fakeScheduleRepo) Delete(context.Context, int64) error           { return nil }
func (f *fakeScheduleRepo) AdvanceLastFire(_ context.Context, id int64, t time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.schedules[id].LastFireAt = &t
	return nil
}

type fakeTaskRepo struct {
	mu      sync.Mutex
	tickets map[string]bool
	fired   []*domain.Task
}

func newFakeTaskRepo() *fakeTaskRepo {
	return &fakeTaskRepo{tickets: make(map[string]bool)}
}

func (f *fakeTaskRepo) LockAndMarkRunning(context.Context, string) (int64, bool, error) {
	return 0, false, nil
}
func (f *fakeTaskRepo) Create(context.Context, *domain.Task) (*domain.Task, error) { return nil, nil }
func (f *fakeTaskRepo) GetByID(context.Context, int64) (*domain.Task, error)       { return nil, nil }
func (f *fakeTaskRepo) List(context.Context, *int64, int) ([]*domain.Task, error)  { return nil, nil }
func (f *fakeTaskRepo) CountByScheduleID(context.Context, int64) (int, error)      { return 0, nil }
func (f *fakeTaskRepo) InsertFired(_ context.Context, t *domain.Task) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.tickets[t.Ticket] {
		return false, nil
	}
	f.tickets[t.Ticket] = true
	f.fired = append(f.fired, t)
	return true, nil
}
func (f *fakeTaskRepo) IsCancelRequested(context.Context, int64) (bool, error) { return false, nil }
func (f *fakeTaskRepo) RequestCancel(context.Context, int64) (domain.Status, error) {
	return "", nil
}
func (f *fakeTaskRepo) Delete(context.Context, int64) error { return nil }
func (f *fakeTaskRepo) Complete(context.Context, repository.CompleteParams) error {
	return nil
}
func (f *fakeTaskRepo) MarkHeartbeat(context.Context, int64) error { return nil }
func (f *fakeTaskRepo) RequeueForRetry(context.Context, int64, time.Time, string) error {
	return nil
}
func (f *fakeTaskRepo) ReclaimStale(context.Context, time.Time, int) (int, int, error) {
	return 0, 0, nil
}

func (f *fakeTaskRepo) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.fired)
}

func silentLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestFireDue_EveryFiveSecondsSchedule(t *testing.T) {
	sched := &domain.Schedule{
		ID:       1,
		TypeCode: "noop",
		CronExpr: "*/5 * * * * *",
		Payload:  "{}",
		Enabled:  true,
	}

	schedules := &fakeScheduleRepo{schedules: map[int64]*domain.Schedule{1: sched}}
	tasks := newFakeTaskRepo()

	svc := cronfanout.New(schedules, tasks, time.Hour, time.Hour, silentLogger())

	if err := svc.FireDue(context.Background()); err != nil {
		t.Fatalf("first FireDue: %v", err)
	}
	first := tasks.count()
	if first == 0 {
		t.Fatal("expected at least one fired task on first tick")
	}
	for _, task := range tasks.fired {
		wantPrefix := fmt.Sprintf("schedule#%d#", sched.ID)
		if len(task.Ticket) <= len(wantPrefix) || task.Ticket[:len(wantPrefix)] != wantPrefix {
			t.Fatalf("unexpected ticket shape: %s", task.Ticket)
		}
	}

	if err := svc.FireDue(context.Background()); err != nil {
		t.Fatalf("second FireDue: %v", err)
	}
	if tasks.count() != first {
		t.Fatalf("second tick with no clock movement should insert 0 rows, got %d new", tasks.count()-first)
	}
}
