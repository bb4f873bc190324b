package repository

import (
	"context"
	"time"

	"github.com/opsbatch/scheduler/internal/domain"
)

// Picker is the vendor-specific atomic claim primitive described in
// §4.1: it locks one PENDING, eligible (not_before <= now) task ordered by
// priority DESC, id ASC using the dialect's locking primitive (Postgres:
// row locks that skip rows already locked by other transactions; SQLite:
// a BEGIN IMMEDIATE transaction on a single connection, so claims run one
// at a time), then marks it RUNNING for owner — both steps in
// one transaction owned by the implementation. ok is false when no task
// was available to claim.
type Picker interface {
	LockAndMarkRunning(ctx context.Context, owner string) (taskID int64, ok bool, err error)
}

// CompleteParams is the write-back performed by txservice.Complete.
type CompleteParams struct {
	TaskID      int64
	RunID       int64
	Succeeded   bool
	Message     string
	FinishAt    time.Time
	FinalStatus domain.Status // optional override; zero value means derive from Succeeded
}

// TaskRepository is the persistence contract for the Task entity, used by
// the admin surface, the transactional service, and the reaper.
type TaskRepository interface {
	Picker

	Create(ctx context.Context, t *domain.Task) (*domain.Task, error)
	GetByID(ctx context.Context, id int64) (*domain.Task, error)
	List(ctx context.Context, scheduleID *int64, limit int) ([]*domain.Task, error)
	CountByScheduleID(ctx context.Context, scheduleID int64) (int, error)

	// InsertFired performs the cron fan-out's conditional insert keyed on
	// ticket uniqueness. inserted is false on a uniqueness collision —
	// a no-op, not an error.
	InsertFired(ctx context.Context, t *domain.Task) (inserted bool, err error)

	IsCancelRequested(ctx context.Context, id int64) (bool, error)
	// RequestCancel applies PENDING->CANCELED or RUNNING->CANCEL_REQUESTED
	// and returns the resulting status. A task already in a terminal state
	// returns domain.ErrTaskNotCancelable.
	RequestCancel(ctx context.Context, id int64) (domain.Status, error)
	// Delete refuses RUNNING and CANCEL_REQUESTED tasks.
	Delete(ctx context.Context, id int64) error

	Complete(ctx context.Context, p CompleteParams) error
	MarkHeartbeat(ctx context.Context, id int64) error

	// RequeueForRetry moves a FAILED-eligible task back to PENDING with a
	// fresh not_before, incrementing nothing further (AttemptCount was
	// already bumped at claim time).
	RequeueForRetry(ctx context.Context, id int64, notBefore time.Time, message string) error

	// ReclaimStale is the reaper's sweep: RUNNING tasks whose heartbeat is
	// older than cutoff are requeued (attempts remaining) or failed
	// (attempts exhausted). Returns counts of each outcome.
	ReclaimStale(ctx context.Context, cutoff time.Time, limit int) (rescheduled, failed int, err error)
}
