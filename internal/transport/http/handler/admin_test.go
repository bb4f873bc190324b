package handler_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/opsbatch/scheduler/internal/domain"
	"github.com/opsbatch/scheduler/internal/engine"
	"github.com/opsbatch/scheduler/internal/pool"
	"github.com/opsbatch/scheduler/internal/registry"
	"github.com/opsbatch/scheduler/internal/repository"
	"github.com/opsbatch/scheduler/internal/transport/http/handler"
	"github.com/opsbatch/scheduler/internal/txservice"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type stubScheduleRepo struct {
	created *domain.Schedule
	byID    map[int64]*domain.Schedule
}

func (r *stubScheduleRepo) Create(_ context.Context, s *domain.Schedule) (*domain.Schedule, error) {
	s.ID = 1
	r.created = s
	return s, nil
}
func (r *stubScheduleRepo) GetByID(_ context.Context, id int64) (*domain.Schedule, error) {
	if s, ok := r.byID[id]; ok {
		return s, nil
	}
	return nil, domain.ErrScheduleNotFound
}
func (r *stubScheduleRepo) List(context.Context) ([]*domain.Schedule, error)        { return nil, nil }
func (r *stubScheduleRepo) ListEnabled(context.Context) ([]*domain.Schedule, error) { return nil, nil }
func (r *stubScheduleRepo) SetEnabled(_ context.Context, id int64, enabled bool) error {
	if s, ok := r.byID[id]; ok {
		s.Enabled = enabled
	}
	return nil
}
func (r *stubScheduleRepo) Delete(context.Context, int64) error                     { return nil }
func (r *stubScheduleRepo) AdvanceLastFire(context.Context, int64, time.Time) error { return nil }

type stubTaskRepo struct {
	byID    map[int64]*domain.Task
	created *domain.Task
}

func (r *stubTaskRepo) LockAndMarkRunning(context.Context, string) (int64, bool, error) {
	return 0, false, nil
}
func (r *stubTaskRepo) Create(_ context.Context, t *domain.Task) (*domain.Task, error) {
	t.ID = 42
	r.created = t
	return t, nil
}
func (r *stubTaskRepo) GetByID(_ context.Context, id int64) (*domain.Task, error) {
	if t, ok := r.byID[id]; ok {
		return t, nil
	}
	return nil, domain.ErrTaskNotFound
}
func (r *stubTaskRepo) List(context.Context, *int64, int) ([]*domain.Task, error) { return nil, nil }
func (r *stubTaskRepo) CountByScheduleID(context.Context, int64) (int, error)     { return 0, nil }
func (r *stubTaskRepo) InsertFired(context.Context, *domain.Task) (bool, error)   { return false, nil }
func (r *stubTaskRepo) IsCancelRequested(context.Context, int64) (bool, error)    { return false, nil }
func (r *stubTaskRepo) RequestCancel(_ context.Context, id int64) (domain.Status, error) {
	t, ok := r.byID[id]
	if !ok {
		return "", domain.ErrTaskNotFound
	}
	switch t.Status {
	case domain.StatusPending:
		t.Status = domain.StatusCanceled
	case domain.StatusRunning:
		t.Status = domain.StatusCancelRequested
	default:
		return "", domain.ErrTaskNotCancelable
	}
	return t.Status, nil
}
func (r *stubTaskRepo) Delete(context.Context, int64) error { return nil }
func (r *stubTaskRepo) Complete(context.Context, repository.CompleteParams) error {
	return nil
}
func (r *stubTaskRepo) MarkHeartbeat(context.Context, int64) error { return nil }
func (r *stubTaskRepo) RequeueForRetry(context.Context, int64, time.Time, string) error {
	return nil
}
func (r *stubTaskRepo) ReclaimStale(context.Context, time.Time, int) (int, int, error) {
	return 0, 0, nil
}

type stubRunRepo struct{}

func (stubRunRepo) Create(context.Context, int64, time.Time) (*domain.Run, error) { return nil, nil }
func (stubRunRepo) GetByID(context.Context, int64) (*domain.Run, error)           { return nil, nil }
func (stubRunRepo) ListByTaskID(context.Context, int64) ([]*domain.Run, error)    { return nil, nil }
func (stubRunRepo) Complete(context.Context, int64, domain.RunStatus, time.Time, string) error {
	return nil
}

type stubOpRepo struct{}

func (stubOpRepo) Append(context.Context, int64, string, string) (*domain.OperationLogEntry, error) {
	return nil, nil
}
func (stubOpRepo) FetchDesc(context.Context, int64) ([]*domain.OperationLogEntry, error) {
	return nil, nil
}
func (stubOpRepo) MarkDone(context.Context, int64) error           { return nil }
func (stubOpRepo) MarkFailed(context.Context, int64, string) error { return nil }

type echoHandler struct{}

func (echoHandler) InitJob(context.Context, json.RawMessage) error { return nil }

func silentLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestAdmin(t *testing.T, tasks *stubTaskRepo, schedules *stubScheduleRepo) *handler.Admin {
	t.Helper()
	store := &repository.Store{
		Schedules:  schedules,
		Tasks:      tasks,
		Runs:       stubRunRepo{},
		Operations: stubOpRepo{},
	}
	svc := txservice.New(store)
	handlers := registry.NewHandlerRegistry(false, "", silentLogger())
	handlers.Register("demo", echoHandler{})
	compensators := registry.NewCompensatorRegistry(silentLogger())
	workers := pool.New(1, 1, 0)
	t.Cleanup(workers.Shutdown)
	eng := engine.New(svc, handlers, compensators, workers, "test", silentLogger())
	return handler.NewAdmin(store, handlers, eng, silentLogger())
}

func TestCreateSchedule_BadPayload_RedirectsWithError(t *testing.T) {
	a := newTestAdmin(t, &stubTaskRepo{byID: map[int64]*domain.Task{}}, &stubScheduleRepo{byID: map[int64]*domain.Schedule{}})
	r := gin.New()
	r.POST("/schedules", a.CreateSchedule)

	form := url.Values{"type_code": {"demo"}, "cron_expr": {"* * * * * *"}, "payload": {"{bad"}}
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/schedules", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	r.ServeHTTP(w, req)

	if w.Code != http.StatusFound {
		t.Fatalf("status = %d, want 302", w.Code)
	}
	loc, _ := url.Parse(w.Header().Get("Location"))
	if loc.Query().Get("ok") != "false" {
		t.Fatalf("expected ok=false, got %q", loc.RawQuery)
	}
}

func TestEnqueueTask_UnknownType_RedirectsWithError(t *testing.T) {
	a := newTestAdmin(t, &stubTaskRepo{byID: map[int64]*domain.Task{}}, &stubScheduleRepo{byID: map[int64]*domain.Schedule{}})
	r := gin.New()
	r.POST("/tasks/enqueue", a.EnqueueTask)

	form := url.Values{"type_code": {"nope"}, "payload": {"{}"}}
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/tasks/enqueue", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	r.ServeHTTP(w, req)

	loc, _ := url.Parse(w.Header().Get("Location"))
	if loc.Query().Get("ok") != "false" || loc.Query().Get("error") == "" {
		t.Fatalf("expected ok=false with error, got %q", loc.RawQuery)
	}
}

func TestEnqueueTask_Success_CreatesTask(t *testing.T) {
	tasks := &stubTaskRepo{byID: map[int64]*domain.Task{}}
	a := newTestAdmin(t, tasks, &stubScheduleRepo{byID: map[int64]*domain.Schedule{}})
	r := gin.New()
	r.POST("/tasks/enqueue", a.EnqueueTask)

	form := url.Values{"type_code": {"demo"}, "payload": {`{"x":1}`}}
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/tasks/enqueue", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	r.ServeHTTP(w, req)

	if tasks.created == nil {
		t.Fatal("expected a task to be created")
	}
	if tasks.created.TypeCode != "demo" {
		t.Fatalf("unexpected type code: %q", tasks.created.TypeCode)
	}
}

func TestManualRun_Success_RedirectsOK(t *testing.T) {
	a := newTestAdmin(t, &stubTaskRepo{byID: map[int64]*domain.Task{}}, &stubScheduleRepo{byID: map[int64]*domain.Schedule{}})
	r := gin.New()
	r.POST("/manual/run", a.ManualRun)

	form := url.Values{"type_code": {"demo"}, "payload": {"{}"}}
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/manual/run", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	r.ServeHTTP(w, req)

	loc, _ := url.Parse(w.Header().Get("Location"))
	if loc.Query().Get("ok") != "true" {
		t.Fatalf("expected ok=true, got %q", loc.RawQuery)
	}
	if loc.Query().Get("cost") == "" {
		t.Fatal("expected a cost duration in the redirect")
	}
}

func TestCancelTask_PendingBecomesCanceledImmediately(t *testing.T) {
	tasks := &stubTaskRepo{byID: map[int64]*domain.Task{7: {ID: 7, Status: domain.StatusPending}}}
	a := newTestAdmin(t, tasks, &stubScheduleRepo{byID: map[int64]*domain.Schedule{}})
	r := gin.New()
	r.POST("/tasks/:id/cancel", a.CancelTask)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/tasks/7/cancel", nil)
	r.ServeHTTP(w, req)

	if tasks.byID[7].Status != domain.StatusCanceled {
		t.Fatalf("expected CANCELED, got %s", tasks.byID[7].Status)
	}
}

func TestCancelTask_RunningBecomesCancelRequested(t *testing.T) {
	tasks := &stubTaskRepo{byID: map[int64]*domain.Task{7: {ID: 7, Status: domain.StatusRunning}}}
	a := newTestAdmin(t, tasks, &stubScheduleRepo{byID: map[int64]*domain.Schedule{}})
	r := gin.New()
	r.POST("/tasks/:id/cancel", a.CancelTask)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/tasks/7/cancel", nil)
	r.ServeHTTP(w, req)

	if tasks.byID[7].Status != domain.StatusCancelRequested {
		t.Fatalf("expected CANCEL_REQUESTED, got %s", tasks.byID[7].Status)
	}
}
