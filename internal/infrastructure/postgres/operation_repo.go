package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/opsbatch/scheduler/internal/domain"
)

type OperationLogRepository struct {
	pool *pgxpool.Pool
}

func NewOperationLogRepository(pool *pgxpool.Pool) *OperationLogRepository {
	return &OperationLogRepository{pool: pool}
}

// Append assigns seqNo = max(seqNo for runID) + 1 (1 if none exist yet) in
// the same statement, so concurrent appends for distinct runs never race —
// a single run's compensation log is only ever appended to from the one
// worker executing its handler.
func (r *OperationLogRepository) Append(ctx context.Context, runID int64, actionType, payload string) (*domain.OperationLogEntry, error) {
	row := r.pool.QueryRow(ctx, `
		INSERT INTO batch_operation_log (run_id, seq_no, action_type, payload, status, attempts)
		VALUES ($1, COALESCE((SELECT max(seq_no) FROM batch_operation_log WHERE run_id = $1), 0) + 1, $2, $3, 'PENDING', 0)
		RETURNING id, run_id, seq_no, action_type, payload, status, attempts, last_error, created_at, updated_at`,
		runID, actionType, payload)
	return scanOperation(row)
}

func (r *OperationLogRepository) FetchDesc(ctx context.Context, runID int64) ([]*domain.OperationLogEntry, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, run_id, seq_no, action_type, payload, status, attempts, last_error, created_at, updated_at
		FROM batch_operation_log WHERE run_id = $1 ORDER BY seq_no DESC`, runID)
	if err != nil {
		return nil, fmt.Errorf("fetch compensation log: %w", err)
	}
	defer rows.Close()

	var out []*domain.OperationLogEntry
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, op)
	}
	return out, rows.Err()
}

func (r *OperationLogRepository) MarkDone(ctx context.Context, id int64) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE batch_operation_log SET status = 'DONE', updated_at = NOW() WHERE id = $1`, id)
	return err
}

func (r *OperationLogRepository) MarkFailed(ctx context.Context, id int64, lastError string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE batch_operation_log
		SET status = 'FAILED', attempts = attempts + 1, last_error = $2, updated_at = NOW()
		WHERE id = $1`, id, lastError)
	return err
}

func scanOperation(row rowScanner) (*domain.OperationLogEntry, error) {
	var op domain.OperationLogEntry
	err := row.Scan(&op.ID, &op.RunID, &op.SeqNo, &op.ActionType, &op.Payload,
		&op.Status, &op.Attempts, &op.LastError, &op.CreatedAt, &op.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("scan operation log entry: %w", err)
	}
	return &op, nil
}
