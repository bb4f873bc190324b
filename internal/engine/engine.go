// Package engine drives the dispatch pipeline: claim a ready task, create
// its Run record, hand it to the worker pool, invoke the resolved
// handler, and — no matter how execution ends — write back its outcome:
// a terminal completion, or, for a failure with retry budget left, a
// requeue to PENDING. See compensate.go for the failure-path replay, backoff.go
// for retry scheduling, and reaper.go for heartbeat upkeep and
// stale-claim recovery.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/opsbatch/scheduler/internal/domain"
	"github.com/opsbatch/scheduler/internal/metrics"
	"github.com/opsbatch/scheduler/internal/pool"
	"github.com/opsbatch/scheduler/internal/registry"
	"github.com/opsbatch/scheduler/internal/repository"
	"github.com/opsbatch/scheduler/internal/txservice"
)

// alerter is the subset of *notify.Notifier the engine depends on. Declared
// locally so engine never needs to import internal/notify directly, and so
// tests can supply a stub.
type alerter interface {
	TaskExhausted(ctx context.Context, task *domain.Task, runID int64)
}

const maxErrorLen = 1900

var whitespaceRun = regexp.MustCompile(`\s+`)

// Engine holds two concurrent maps: running (task IDs currently executing
// on this process) and futures (task ID -> the pool.Future tracking its
// worker-pool handle, used for InterruptIfRunning). Handlers are resolved
// by type code through the HandlerRegistry, which the engine does not
// copy. Both maps are sync.Map rather than a mutex over the whole engine,
// matching the "no coarse locking" resource model.
type Engine struct {
	svc          *txservice.Service
	handlers     *registry.HandlerRegistry
	compensators *registry.CompensatorRegistry
	workers      *pool.Pool
	owner        string
	logger       *slog.Logger
	notifier     alerter // optional, set via SetNotifier

	running sync.Map // int64 taskID -> struct{}
	futures sync.Map // int64 taskID -> *pool.Future
}

// SetNotifier wires an operator-alerting notifier. Optional: an engine
// with no notifier simply never alerts.
func (e *Engine) SetNotifier(n alerter) {
	e.notifier = n
}

func New(svc *txservice.Service, handlers *registry.HandlerRegistry, compensators *registry.CompensatorRegistry, workers *pool.Pool, owner string, logger *slog.Logger) *Engine {
	return &Engine{
		svc:          svc,
		handlers:     handlers,
		compensators: compensators,
		workers:      workers,
		owner:        owner,
		logger:       logger.With("component", "engine", "owner", owner),
	}
}

// RunTick calls PollAndRunOnce up to batch times, stopping as soon as one
// call finds nothing to claim, so a single tick can drain a burst of
// ready tasks instead of dispatching one per poll interval.
func (e *Engine) RunTick(ctx context.Context, batch int) {
	for i := 0; i < batch; i++ {
		claimed, err := e.PollAndRunOnce(ctx)
		if err != nil {
			e.logger.Error("poll tick failed", "error", err)
			return
		}
		if !claimed {
			return
		}
	}
}

// PollAndRunOnce implements one iteration of the per-tick procedure: claim
// one task, create its Run, and submit it to the worker pool. Returns
// claimed=false when there was nothing ready to run.
func (e *Engine) PollAndRunOnce(ctx context.Context) (claimed bool, err error) {
	task, err := e.svc.ClaimOne(ctx, e.owner)
	if err != nil {
		return false, fmt.Errorf("claim task: %w", err)
	}
	if task == nil {
		return false, nil
	}

	now := time.Now()
	metrics.TaskPickupLatency.Observe(now.Sub(task.CreatedAt).Seconds())

	run, err := e.svc.CreateRun(ctx, task.ID, now)
	if err != nil {
		return false, fmt.Errorf("create run for task %d: %w", task.ID, err)
	}

	future := e.workers.Submit(context.Background(), func(workerCtx context.Context) {
		e.executeAndComplete(workerCtx, task, run)
	})
	e.futures.Store(task.ID, future)

	return true, nil
}

// InterruptIfRunning cancels the worker-pool handle tracked for taskID, if
// any. The worker observes ctx.Err() at its cooperative checkpoints and
// records CANCELED without running compensation.
func (e *Engine) InterruptIfRunning(taskID int64) {
	if v, ok := e.futures.Load(taskID); ok {
		v.(*pool.Future).Cancel()
	}
}

// executeAndComplete is the worker procedure: cancellation pre-checks,
// handler resolution and invocation, then the completion write-back. It
// always runs to its deferred completion write-back, regardless of how
// the handler invocation ends — including via panic, since handler
// plug-ins are third-party code the engine cannot otherwise trust.
func (e *Engine) executeAndComplete(ctx context.Context, task *domain.Task, run *domain.Run) {
	e.running.Store(task.ID, struct{}{})
	metrics.TasksInFlight.Inc()

	var (
		succeeded    bool
		errorMessage string
		finalStatus  domain.Status
	)

	defer func() {
		e.running.Delete(task.ID)
		e.futures.Delete(task.ID)
		metrics.TasksInFlight.Dec()

		completeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if e.requeuedForRetry(completeCtx, task, run.ID, finalStatus, errorMessage) {
			metrics.TasksCompletedTotal.WithLabelValues("retried").Inc()
			return
		}
		metrics.TasksCompletedTotal.WithLabelValues(strings.ToLower(string(finalStatus))).Inc()

		params := repository.CompleteParams{
			TaskID: task.ID, RunID: run.ID,
			Succeeded: succeeded, Message: errorMessage,
			FinishAt: time.Now(), FinalStatus: finalStatus,
		}
		if err := e.svc.Complete(completeCtx, params); err != nil {
			e.logger.Error("completion write-back failed", "task_id", task.ID, "run_id", run.ID, "error", err)
		}

		if finalStatus == domain.StatusFailed && e.notifier != nil {
			alertTask := *task
			alertTask.Message = errorMessage
			e.notifier.TaskExhausted(completeCtx, &alertTask, run.ID)
		}
	}()

	runCtx := txservice.WithRunID(ctx, run.ID)

	if e.isCanceled(runCtx, task.ID) {
		finalStatus, errorMessage = domain.StatusCanceled, "Canceled before start"
		return
	}

	handler, ok := e.handlers.Lookup(task.TypeCode)
	if !ok {
		finalStatus = domain.StatusFailed
		errorMessage = fmt.Sprintf("%s: %s", domain.ErrUnknownType, task.TypeCode)
		return
	}

	if e.isCanceled(runCtx, task.ID) || runCtx.Err() != nil {
		finalStatus, errorMessage = domain.StatusCanceled, "Canceled before start"
		return
	}

	succeeded, finalStatus, errorMessage = e.invoke(runCtx, handler, task, run)
}

// isCanceled reports whether the task has been marked CANCEL_REQUESTED. A
// read error is logged and treated as "not canceled" — proceeding with
// execution is the safer default over wrongly canceling a runnable task.
func (e *Engine) isCanceled(ctx context.Context, taskID int64) bool {
	requested, err := e.svc.IsCancelRequested(ctx, taskID)
	if err != nil {
		e.logger.Warn("cancel check failed, proceeding", "task_id", taskID, "error", err)
		return false
	}
	return requested
}

// invoke parses the payload, runs the handler with panic recovery, and on
// failure drives compensation replay. It never lets a panic or error
// escape to the caller; everything becomes (succeeded, finalStatus, msg).
func (e *Engine) invoke(ctx context.Context, handler registry.Handler, task *domain.Task, run *domain.Run) (succeeded bool, finalStatus domain.Status, errorMessage string) {
	start := time.Now()
	defer func() {
		outcome := "failed"
		switch finalStatus {
		case domain.StatusSucceed:
			outcome = "succeeded"
		case domain.StatusCanceled:
			outcome = "canceled"
		}
		metrics.TaskExecutionDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
	}()

	handlerErr := e.runHandlerRecovered(ctx, handler, task.Payload)

	if ctx.Err() != nil && handlerErr != nil {
		return false, domain.StatusCanceled, "Interrupted during execution"
	}
	if handlerErr == nil {
		return true, domain.StatusSucceed, ""
	}

	errorMessage = trimError(handlerErr.Error())
	finalStatus = domain.StatusFailed

	if err := e.replayCompensations(ctx, run.ID); err != nil {
		errorMessage = errorMessage + " | CompensationError: " + trimError(err.Error())
	}
	return false, finalStatus, errorMessage
}

func (e *Engine) runHandlerRecovered(ctx context.Context, handler registry.Handler, payloadJSON string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()

	payload := json.RawMessage(payloadJSON)
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	if !json.Valid(payload) {
		return fmt.Errorf("%w: payload is not valid JSON", domain.ErrBadPayload)
	}

	return handler.InitJob(ctx, payload)
}

// requeuedForRetry gives a FAILED outcome with retry budget remaining
// another chance: the task is requeued to PENDING with a
// backoff-delayed NotBefore instead of reaching terminal FAILED
// immediately. Returns true if it performed the requeue write-back (in
// which case the caller must not also call Complete). The Run created for
// this attempt is closed out FAILED first — RequeueForRetry only ever
// touches batch_task, and the Task going back to PENDING must not leave
// its just-finished Run dangling RUNNING, or the next claim would create a
// second RUNNING Run for the same task.
func (e *Engine) requeuedForRetry(ctx context.Context, task *domain.Task, runID int64, finalStatus domain.Status, errorMessage string) bool {
	if finalStatus != domain.StatusFailed || task.AttemptCount >= task.MaxAttempts {
		return false
	}
	now := time.Now()
	if err := e.svc.CompleteRun(ctx, runID, domain.RunStatusFailed, now, errorMessage); err != nil {
		e.logger.Error("closing run before retry requeue failed, falling back to terminal completion", "task_id", task.ID, "run_id", runID, "error", err)
		return false
	}
	notBefore := now.Add(retryDelay(task.AttemptCount))
	if err := e.svc.RequeueForRetry(ctx, task.ID, notBefore, errorMessage); err != nil {
		e.logger.Error("requeue-for-retry failed, falling back to terminal completion", "task_id", task.ID, "error", err)
		return false
	}
	return true
}

// trimError collapses whitespace runs and truncates to maxErrorLen so a
// multi-line stack trace still fits the persisted message column.
func trimError(msg string) string {
	msg = whitespaceRun.ReplaceAllString(strings.TrimSpace(msg), " ")
	if len(msg) > maxErrorLen {
		msg = msg[:maxErrorLen]
	}
	return msg
}
