package repository

import (
	"context"
	"time"

	"github.com/opsbatch/scheduler/internal/domain"
)

// RunRepository persists one execution attempt per Task claim.
type RunRepository interface {
	Create(ctx context.Context, taskID int64, startedAt time.Time) (*domain.Run, error)
	GetByID(ctx context.Context, id int64) (*domain.Run, error)
	ListByTaskID(ctx context.Context, taskID int64) ([]*domain.Run, error)
	// Complete is invoked as part of the combined Task+Run write-back in
	// TaskRepository.Complete; exposed separately so txservice and tests
	// can assert on Run state directly.
	Complete(ctx context.Context, runID int64, status domain.RunStatus, endedAt time.Time, message string) error
}
