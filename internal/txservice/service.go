// Package txservice wraps the repository layer in the short, isolated
// transactions the dispatch pipeline and compensation log depend on: one
// call in, one round trip to the store (two for ClaimOne), one call out. Nothing here spans
// more than a single logical operation, so a handler failure never rolls
// back bookkeeping already committed by an earlier step.
package txservice

import (
	"context"
	"time"

	"github.com/opsbatch/scheduler/internal/domain"
	"github.com/opsbatch/scheduler/internal/repository"
)

// Service is the transactional façade the engine and cron fan-out depend
// on. It holds no transaction state of its own — every method other than
// ClaimOne (a claim followed by a read of the claimed row) is a single
// call into the underlying repository.Store, which owns dialect-specific
// transaction handling.
type Service struct {
	store *repository.Store
}

func New(store *repository.Store) *Service {
	return &Service{store: store}
}

// ClaimOne combines the picker's lock-and-mark-running step with a
// follow-up read of the claimed row. Returns (nil, nil) if no task was
// available to claim.
func (s *Service) ClaimOne(ctx context.Context, owner string) (*domain.Task, error) {
	id, ok, err := s.store.Tasks.LockAndMarkRunning(ctx, owner)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return s.store.Tasks.GetByID(ctx, id)
}

func (s *Service) CreateRun(ctx context.Context, taskID int64, startedAt time.Time) (*domain.Run, error) {
	return s.store.Runs.Create(ctx, taskID, startedAt)
}

// Complete is the final write-back: Task status + Run status in one
// logical step, idempotent on a task row that no longer exists.
func (s *Service) Complete(ctx context.Context, p repository.CompleteParams) error {
	return s.store.Tasks.Complete(ctx, p)
}

func (s *Service) IsCancelRequested(ctx context.Context, taskID int64) (bool, error) {
	return s.store.Tasks.IsCancelRequested(ctx, taskID)
}

func (s *Service) LogCompensation(ctx context.Context, runID int64, actionType, payload string) (*domain.OperationLogEntry, error) {
	return s.store.Operations.Append(ctx, runID, actionType, payload)
}

func (s *Service) FetchCompensationsDesc(ctx context.Context, runID int64) ([]*domain.OperationLogEntry, error) {
	return s.store.Operations.FetchDesc(ctx, runID)
}

func (s *Service) MarkCompensationDone(ctx context.Context, opID int64) error {
	return s.store.Operations.MarkDone(ctx, opID)
}

func (s *Service) MarkCompensationFailed(ctx context.Context, opID int64, lastError string) error {
	return s.store.Operations.MarkFailed(ctx, opID, lastError)
}

func (s *Service) MarkHeartbeat(ctx context.Context, taskID int64) error {
	return s.store.Tasks.MarkHeartbeat(ctx, taskID)
}

func (s *Service) RequeueForRetry(ctx context.Context, taskID int64, notBefore time.Time, message string) error {
	return s.store.Tasks.RequeueForRetry(ctx, taskID, notBefore, message)
}

// CompleteRun closes out a Run record on its own, without touching the
// Task row. Used when a Task is being requeued for retry rather than
// completed: the Task transitions back to PENDING but the Run that was
// just attempted still needs a terminal status so it stops being the
// "at most one RUNNING Run per Task" holder.
func (s *Service) CompleteRun(ctx context.Context, runID int64, status domain.RunStatus, endedAt time.Time, message string) error {
	return s.store.Runs.Complete(ctx, runID, status, endedAt, message)
}

func (s *Service) ReclaimStale(ctx context.Context, cutoff time.Time, limit int) (rescheduled, failed int, err error) {
	return s.store.Tasks.ReclaimStale(ctx, cutoff, limit)
}
