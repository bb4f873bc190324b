package repository

import (
	"context"

	"github.com/opsbatch/scheduler/internal/domain"
)

// OperationLogRepository is the append-only compensation log. Append
// assigns the next sequence number (max(seqNo for runID) + 1, starting at
// 1); all other mutations happen only during compensation replay.
type OperationLogRepository interface {
	Append(ctx context.Context, runID int64, actionType, payload string) (*domain.OperationLogEntry, error)
	FetchDesc(ctx context.Context, runID int64) ([]*domain.OperationLogEntry, error)
	MarkDone(ctx context.Context, id int64) error
	MarkFailed(ctx context.Context, id int64, lastError string) error
}
