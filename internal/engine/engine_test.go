package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opsbatch/scheduler/internal/domain"
	"github.com/opsbatch/scheduler/internal/engine"
	"github.com/opsbatch/scheduler/internal/pool"
	"github.com/opsbatch/scheduler/internal/registry"
	"github.com/opsbatch/scheduler/internal/repository"
	"github.com/opsbatch/scheduler/internal/txservice"
)

// fakeStore is a minimal, in-memory stand-in for the four repositories
// behind repository.Store, enough to exercise the engine's dispatch and
// compensation-replay logic without a real database.
type fakeStore struct {
	mu       sync.Mutex
	tasks    map[int64]*domain.Task
	runs     map[int64]*domain.Run
	ops      map[int64]*domain.OperationLogEntry
	nextTask int64
	nextRun  int64
	nextOp   int64
}

func newFakeStore() *repository.Store {
	f := &fakeStore{
		tasks: make(map[int64]*domain.Task),
		runs:  make(map[int64]*domain.Run),
		ops:   make(map[int64]*domain.OperationLogEntry),
	}
	return &repository.Store{
		Schedules:  &fakeScheduleRepo{},
		Tasks:      &fakeTaskRepo{f},
		Runs:       &fakeRunRepo{f},
		Operations: &fakeOpRepo{f},
	}
}

func (f *fakeStore) addTask(t *domain.Task) *domain.Task {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextTask++
	t.ID = f.nextTask
	t.Status = domain.StatusPending
	t.CreatedAt = time.Now()
	t.UpdatedAt = time.Now()
	cp := *t
	f.tasks[t.ID] = &cp
	return &cp
}

type fakeScheduleRepo struct{}

func (fakeScheduleRepo) Create(context.Context, *domain.Schedule) (*domain.Schedule, error) {
	return nil, nil
}
func (fakeScheduleRepo) GetByID(context.Context, int64) (*domain.Schedule, error) { return nil, nil }
func (fakeScheduleRepo) List(context.Context) ([]*domain.Schedule, error)         { return nil, nil }
func (fakeScheduleRepo) ListEnabled(context.Context) ([]*domain.Schedule, error)  { return nil, nil }
func (fakeScheduleRepo) SetEnabled(context.Context, int64, bool) error            { return nil }
func (fakeScheduleRepo) Delete(context.Context, int64) error                      { return nil }
func (fakeScheduleRepo) AdvanceLastFire(context.Context, int64, time.Time) error  { return nil }

type fakeTaskRepo struct{ f *fakeStore }

func (r *fakeTaskRepo) LockAndMarkRunning(_ context.Context, owner string) (int64, bool, error) {
	r.f.mu.Lock()
	defer r.f.mu.Unlock()
	now := time.Now()
	var candidates []*domain.Task
	for _, t := range r.f.tasks {
		if t.Status == domain.StatusPending && (t.NotBefore == nil || !t.NotBefore.After(now)) {
			candidates = append(candidates, t)
		}
	}
	if len(candidates) == 0 {
		return 0, false, nil
	}
	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.Priority > best.Priority || (c.Priority == best.Priority && c.ID < best.ID) {
			best = c
		}
	}
	best.Status = domain.StatusRunning
	best.Owner = owner
	best.AttemptCount++
	best.UpdatedAt = now
	return best.ID, true, nil
}

func (r *fakeTaskRepo) Create(_ context.Context, t *domain.Task) (*domain.Task, error) {
	return r.f.addTask(t), nil
}
func (r *fakeTaskRepo) GetByID(_ context.Context, id int64) (*domain.Task, error) {
	r.f.mu.Lock()
	defer r.f.mu.Unlock()
	t, ok := r.f.tasks[id]
	if !ok {
		return nil, domain.ErrTaskNotFound
	}
	cp := *t
	return &cp, nil
}
func (r *fakeTaskRepo) List(context.Context, *int64, int) ([]*domain.Task, error) { return nil, nil }
func (r *fakeTaskRepo) CountByScheduleID(context.Context, int64) (int, error)     { return 0, nil }
func (r *fakeTaskRepo) InsertFired(context.Context, *domain.Task) (bool, error)   { return false, nil }
func (r *fakeTaskRepo) IsCancelRequested(_ context.Context, id int64) (bool, error) {
	r.f.mu.Lock()
	defer r.f.mu.Unlock()
	t, ok := r.f.tasks[id]
	return ok && t.Status == domain.StatusCancelRequested, nil
}
func (r *fakeTaskRepo) RequestCancel(_ context.Context, id int64) (domain.Status, error) {
	r.f.mu.Lock()
	defer r.f.mu.Unlock()
	t, ok := r.f.tasks[id]
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
func (r *fakeTaskRepo) Delete(_ context.Context, id int64) error {
	r.f.mu.Lock()
	defer r.f.mu.Unlock()
	delete(r.f.tasks, id)
	return nil
}
func (r *fakeTaskRepo) Complete(_ context.Context, p repository.CompleteParams) error {
	r.f.mu.Lock()
	defer r.f.mu.Unlock()
	t, ok := r.f.tasks[p.TaskID]
	if !ok {
		return nil
	}
	final := p.FinalStatus
	if final == "" {
		if t.Status == domain.StatusCancelRequested {
			final = domain.StatusCanceled
		} else if p.Succeeded {
			final = domain.StatusSucceed
		} else {
			final = domain.StatusFailed
		}
	}
	t.Status = final
	t.Message = p.Message
	t.FinishAt = &p.FinishAt
	t.UpdatedAt = p.FinishAt

	if run, ok := r.f.runs[p.RunID]; ok {
		runStatus := domain.RunStatusSucceed
		switch {
		case final == domain.StatusCanceled:
			runStatus = domain.RunStatusCanceled
		case !p.Succeeded:
			runStatus = domain.RunStatusFailed
		}
		run.Status = runStatus
		run.Message = p.Message
		run.EndedAt = &p.FinishAt
	}
	return nil
}
func (r *fakeTaskRepo) MarkHeartbeat(context.Context, int64) error { return nil }
func (r *fakeTaskRepo) RequeueForRetry(_ context.Context, id int64, notBefore time.Time, message string) error {
	r.f.mu.Lock()
	defer r.f.mu.Unlock()
	t, ok := r.f.tasks[id]
	if !ok {
		return nil
	}
	t.Status = domain.StatusPending
	t.NotBefore = &notBefore
	t.Message = message
	return nil
}
func (r *fakeTaskRepo) ReclaimStale(context.Context, time.Time, int) (int, int, error) {
	return 0, 0, nil
}

type fakeRunRepo struct{ f *fakeStore }

func (r *fakeRunRepo) Create(_ context.Context, taskID int64, startedAt time.Time) (*domain.Run, error) {
	r.f.mu.Lock()
	defer r.f.mu.Unlock()
	r.f.nextRun++
	run := &domain.Run{ID: r.f.nextRun, TaskID: taskID, StartedAt: startedAt, Status: domain.RunStatusRunning}
	r.f.runs[run.ID] = run
	cp := *run
	return &cp, nil
}
func (r *fakeRunRepo) GetByID(_ context.Context, id int64) (*domain.Run, error) {
	r.f.mu.Lock()
	defer r.f.mu.Unlock()
	run, ok := r.f.runs[id]
	if !ok {
		return nil, domain.ErrRunNotFound
	}
	cp := *run
	return &cp, nil
}
func (r *fakeRunRepo) ListByTaskID(context.Context, int64) ([]*domain.Run, error) { return nil, nil }
func (r *fakeRunRepo) Complete(_ context.Context, runID int64, status domain.RunStatus, endedAt time.Time, message string) error {
	r.f.mu.Lock()
	defer r.f.mu.Unlock()
	if run, ok := r.f.runs[runID]; ok {
		run.Status = status
		run.EndedAt = &endedAt
		run.Message = message
	}
	return nil
}

type fakeOpRepo struct{ f *fakeStore }

func (r *fakeOpRepo) Append(_ context.Context, runID int64, actionType, payload string) (*domain.OperationLogEntry, error) {
	r.f.mu.Lock()
	defer r.f.mu.Unlock()
	maxSeq := 0
	for _, op := range r.f.ops {
		if op.RunID == runID && op.SeqNo > maxSeq {
			maxSeq = op.SeqNo
		}
	}
	r.f.nextOp++
	op := &domain.OperationLogEntry{
		ID: r.f.nextOp, RunID: runID, SeqNo: maxSeq + 1,
		ActionType: actionType, Payload: payload, Status: domain.OperationPending,
	}
	r.f.ops[op.ID] = op
	cp := *op
	return &cp, nil
}
func (r *fakeOpRepo) FetchDesc(_ context.Context, runID int64) ([]*domain.OperationLogEntry, error) {
	r.f.mu.Lock()
	defer r.f.mu.Unlock()
	var out []*domain.OperationLogEntry
	for _, op := range r.f.ops {
		if op.RunID == runID {
			cp := *op
			out = append(out, &cp)
		}
	}
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j].SeqNo > out[i].SeqNo {
				out[i], out[j] = out[j], out[i]
			}
		}
	}
	return out, nil
}
func (r *fakeOpRepo) MarkDone(_ context.Context, id int64) error {
	r.f.mu.Lock()
	defer r.f.mu.Unlock()
	if op, ok := r.f.ops[id]; ok {
		op.Status = domain.OperationDone
	}
	return nil
}
func (r *fakeOpRepo) MarkFailed(_ context.Context, id int64, lastError string) error {
	r.f.mu.Lock()
	defer r.f.mu.Unlock()
	if op, ok := r.f.ops[id]; ok {
		op.Status = domain.OperationFailed
		op.LastError = lastError
		op.Attempts++
	}
	return nil
}

func silentLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// compensatingHandler logs two compensation entries via the run-context
// binding, then fails, driving the replay path end to end.
type compensatingHandler struct {
	svc        *txservice.Service
	failSecond bool // when true, the seq-2 compensator raises during replay
}

func (h *compensatingHandler) InitJob(ctx context.Context, _ json.RawMessage) error {
	runID, _ := txservice.RunIDFromContext(ctx)
	if _, err := h.svc.LogCompensation(ctx, runID, "file.restore", `{"file":"a"}`); err != nil {
		return err
	}
	if _, err := h.svc.LogCompensation(ctx, runID, "file.restore", `{"file":"b"}`); err != nil {
		return err
	}
	return errors.New("handler failed")
}

type recordingCompensator struct {
	mu     sync.Mutex
	order  []string
	failOn string
}

func (c *recordingCompensator) Compensate(_ context.Context, _ int64, payload json.RawMessage) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var body struct {
		File string `json:"file"`
	}
	_ = json.Unmarshal(payload, &body)
	c.order = append(c.order, body.File)
	if body.File == c.failOn {
		return false, fmt.Errorf("compensator for %s exploded", body.File)
	}
	return true, nil
}

func TestEngine_CompensationReplaysInReverseOrder(t *testing.T) {
	store := newFakeStore()
	svc := txservice.New(store)

	handlers := registry.NewHandlerRegistry(false, "", silentLogger())
	compensators := registry.NewCompensatorRegistry(silentLogger())
	compensator := &recordingCompensator{}
	compensators.Register("file.restore", compensator)
	handlers.Register("demo.compensate", &compensatingHandler{svc: svc})

	workers := pool.New(2, 2, 0)
	defer workers.Shutdown()

	eng := engine.New(svc, handlers, compensators, workers, "test#1", silentLogger())

	task := &domain.Task{TypeCode: "demo.compensate", Payload: "{}", MaxAttempts: 1}
	created, err := store.Tasks.Create(context.Background(), task)
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	claimed, err := eng.PollAndRunOnce(context.Background())
	if err != nil {
		t.Fatalf("PollAndRunOnce: %v", err)
	}
	if !claimed {
		t.Fatal("expected a task to be claimed")
	}

	waitForTerminal(t, store, created.ID)

	compensator.mu.Lock()
	order := append([]string(nil), compensator.order...)
	compensator.mu.Unlock()
	if len(order) != 2 || order[0] != "b" || order[1] != "a" {
		t.Fatalf("expected replay order [b, a], got %v", order)
	}

	final, _ := store.Tasks.GetByID(context.Background(), created.ID)
	if final.Status != domain.StatusFailed {
		t.Fatalf("expected task FAILED after handler error, got %s", final.Status)
	}
}

func TestEngine_CompensatorFailureContinuesReplay(t *testing.T) {
	store := newFakeStore()
	svc := txservice.New(store)

	handlers := registry.NewHandlerRegistry(false, "", silentLogger())
	compensators := registry.NewCompensatorRegistry(silentLogger())
	compensator := &recordingCompensator{failOn: "b"}
	compensators.Register("file.restore", compensator)
	handlers.Register("demo.compensate", &compensatingHandler{svc: svc})

	workers := pool.New(2, 2, 0)
	defer workers.Shutdown()

	eng := engine.New(svc, handlers, compensators, workers, "test#1", silentLogger())

	task := &domain.Task{TypeCode: "demo.compensate", Payload: "{}", MaxAttempts: 1}
	created, err := store.Tasks.Create(context.Background(), task)
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	if _, err := eng.PollAndRunOnce(context.Background()); err != nil {
		t.Fatalf("PollAndRunOnce: %v", err)
	}

	waitForTerminal(t, store, created.ID)

	final, _ := store.Tasks.GetByID(context.Background(), created.ID)
	if final.Status != domain.StatusFailed {
		t.Fatalf("expected FAILED, got %s", final.Status)
	}
	if !contains(final.Message, "CompensationError") {
		t.Fatalf("expected CompensationError appended to message, got %q", final.Message)
	}

	compensator.mu.Lock()
	defer compensator.mu.Unlock()
	if len(compensator.order) != 2 {
		t.Fatalf("expected both entries attempted despite seq-2 failure, got %v", compensator.order)
	}
}

func TestEngine_UnknownTypeFailsWithoutPanic(t *testing.T) {
	store := newFakeStore()
	svc := txservice.New(store)
	handlers := registry.NewHandlerRegistry(false, "", silentLogger())
	compensators := registry.NewCompensatorRegistry(silentLogger())

	workers := pool.New(2, 2, 0)
	defer workers.Shutdown()
	eng := engine.New(svc, handlers, compensators, workers, "test#1", silentLogger())

	created, err := store.Tasks.Create(context.Background(), &domain.Task{TypeCode: "nope", Payload: "{}", MaxAttempts: 1})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := eng.PollAndRunOnce(context.Background()); err != nil {
		t.Fatal(err)
	}

	waitForTerminal(t, store, created.ID)
	final, _ := store.Tasks.GetByID(context.Background(), created.ID)
	if final.Status != domain.StatusFailed {
		t.Fatalf("expected FAILED for unknown type, got %s", final.Status)
	}
}

// neverInvokedHandler counts invocations; the cancel-before-start test
// asserts it stays at zero when the cancel request lands before the
// handler ever runs.
type neverInvokedHandler struct {
	invoked *int32
}

func (h *neverInvokedHandler) InitJob(context.Context, json.RawMessage) error {
	atomic.AddInt32(h.invoked, 1)
	return nil
}

// TestEngine_CancelRequestedBeforeHandlerStartsEndsCanceledWithoutInvocation
// covers the window where a claim and Run already happened, but the
// admin cancel request lands before the handler is ever invoked. The task
// ends CANCELED with "Canceled before start" and the handler body never
// runs. A single-worker, one-slot pool holds the claimed task queued behind
// a blocking placeholder so the cancel can land deterministically in that
// window instead of racing the worker.
func TestEngine_CancelRequestedBeforeHandlerStartsEndsCanceledWithoutInvocation(t *testing.T) {
	store := newFakeStore()
	svc := txservice.New(store)

	handlers := registry.NewHandlerRegistry(false, "", silentLogger())
	compensators := registry.NewCompensatorRegistry(silentLogger())
	var invoked int32
	handlers.Register("demo.never", &neverInvokedHandler{invoked: &invoked})

	workers := pool.New(1, 1, 1)
	defer workers.Shutdown()

	eng := engine.New(svc, handlers, compensators, workers, "test#1", silentLogger())

	created, err := store.Tasks.Create(context.Background(), &domain.Task{TypeCode: "demo.never", Payload: "{}", MaxAttempts: 1})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	blockerStarted := make(chan struct{})
	blockerRelease := make(chan struct{})
	workers.Submit(context.Background(), func(context.Context) {
		close(blockerStarted)
		<-blockerRelease
	})
	<-blockerStarted

	if _, err := eng.PollAndRunOnce(context.Background()); err != nil {
		t.Fatalf("PollAndRunOnce: %v", err)
	}

	if _, err := store.Tasks.RequestCancel(context.Background(), created.ID); err != nil {
		t.Fatalf("request cancel: %v", err)
	}

	close(blockerRelease)

	waitForTerminal(t, store, created.ID)

	final, _ := store.Tasks.GetByID(context.Background(), created.ID)
	if final.Status != domain.StatusCanceled {
		t.Fatalf("expected CANCELED, got %s", final.Status)
	}
	if !contains(final.Message, "Canceled before start") {
		t.Fatalf("expected cancel-before-start message, got %q", final.Message)
	}
	if atomic.LoadInt32(&invoked) != 0 {
		t.Fatal("expected handler to never be invoked")
	}
}

// blockingHandler signals started the moment it's invoked, then blocks on
// ctx.Done() to let the test drive cooperative cancellation mid-run.
type blockingHandler struct {
	started chan struct{}
}

func (h *blockingHandler) InitJob(ctx context.Context, _ json.RawMessage) error {
	close(h.started)
	<-ctx.Done()
	return ctx.Err()
}

// TestEngine_CooperativeCancelMidRunEndsCanceledWithoutCompensation covers
// cooperative cancellation: InterruptIfRunning cancels a task already inside
// its handler. The handler observes ctx.Done(), and the engine records
// CANCELED without running compensation (compensation replay is only for
// handler failures, not cooperative cancellation).
func TestEngine_CooperativeCancelMidRunEndsCanceledWithoutCompensation(t *testing.T) {
	store := newFakeStore()
	svc := txservice.New(store)

	handlers := registry.NewHandlerRegistry(false, "", silentLogger())
	compensators := registry.NewCompensatorRegistry(silentLogger())
	compensator := &recordingCompensator{}
	compensators.Register("file.restore", compensator)
	h := &blockingHandler{started: make(chan struct{})}
	handlers.Register("demo.block", h)

	// queueSize 1 guarantees Submit enqueues the task rather than falling
	// back to synchronous caller-runs execution if the worker goroutine
	// hasn't reached its receive loop yet, which would deadlock this test
	// on InitJob's <-ctx.Done() before InterruptIfRunning is ever called.
	workers := pool.New(1, 1, 1)
	defer workers.Shutdown()

	eng := engine.New(svc, handlers, compensators, workers, "test#1", silentLogger())

	created, err := store.Tasks.Create(context.Background(), &domain.Task{TypeCode: "demo.block", Payload: "{}", MaxAttempts: 1})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	if _, err := eng.PollAndRunOnce(context.Background()); err != nil {
		t.Fatalf("PollAndRunOnce: %v", err)
	}

	select {
	case <-h.started:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never started")
	}

	eng.InterruptIfRunning(created.ID)

	waitForTerminal(t, store, created.ID)

	final, _ := store.Tasks.GetByID(context.Background(), created.ID)
	if final.Status != domain.StatusCanceled {
		t.Fatalf("expected CANCELED after cooperative interrupt, got %s", final.Status)
	}
	if !contains(final.Message, "Interrupted during execution") {
		t.Fatalf("expected interrupt message, got %q", final.Message)
	}

	compensator.mu.Lock()
	defer compensator.mu.Unlock()
	if len(compensator.order) != 0 {
		t.Fatalf("expected no compensation for a cooperative cancel, got %v", compensator.order)
	}
}

func waitForTerminal(t *testing.T, store *repository.Store, taskID int64) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		task, err := store.Tasks.GetByID(context.Background(), taskID)
		if err == nil {
			switch task.Status {
			case domain.StatusSucceed, domain.StatusFailed, domain.StatusCanceled:
				return
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("task never reached a terminal state")
}

func contains(s, substr string) bool {
	return strings.Contains(s, substr)
}
