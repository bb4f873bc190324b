package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/opsbatch/scheduler/internal/domain"
)

type OperationLogRepository struct {
	db *sql.DB
}

func NewOperationLogRepository(db *sql.DB) *OperationLogRepository {
	return &OperationLogRepository{db: db}
}

// Append assigns seqNo = max(seqNo for runID) + 1 (1 if none exist yet).
// database/sql has no RETURNING support across drivers, so the insert is
// followed by a re-fetch of the row it just wrote.
func (r *OperationLogRepository) Append(ctx context.Context, runID int64, actionType, payload string) (*domain.OperationLogEntry, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin append tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var maxSeq sql.NullInt64
	if err := tx.QueryRowContext(ctx,
		`SELECT max(seq_no) FROM batch_operation_log WHERE run_id = ?`, runID).Scan(&maxSeq); err != nil {
		return nil, fmt.Errorf("read max seq_no: %w", err)
	}
	seqNo := int64(1)
	if maxSeq.Valid {
		seqNo = maxSeq.Int64 + 1
	}

	now := toMillis(time.Now())
	res, err := tx.ExecContext(ctx, `
		INSERT INTO batch_operation_log (run_id, seq_no, action_type, payload, status, attempts, last_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, 'PENDING', 0, '', ?, ?)`, runID, seqNo, actionType, payload, now, now)
	if err != nil {
		return nil, fmt.Errorf("append operation log entry: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}

	row := tx.QueryRowContext(ctx, `
		SELECT id, run_id, seq_no, action_type, payload, status, attempts, last_error, created_at, updated_at
		FROM batch_operation_log WHERE id = ?`, id)
	op, err := scanOperation(row)
	if err != nil {
		return nil, err
	}
	return op, tx.Commit()
}

func (r *OperationLogRepository) FetchDesc(ctx context.Context, runID int64) ([]*domain.OperationLogEntry, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, run_id, seq_no, action_type, payload, status, attempts, last_error, created_at, updated_at
		FROM batch_operation_log WHERE run_id = ? ORDER BY seq_no DESC`, runID)
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
	_, err := r.db.ExecContext(ctx,
		`UPDATE batch_operation_log SET status = 'DONE', updated_at = ? WHERE id = ?`, toMillis(time.Now()), id)
	return err
}

func (r *OperationLogRepository) MarkFailed(ctx context.Context, id int64, lastError string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE batch_operation_log
		SET status = 'FAILED', attempts = attempts + 1, last_error = ?, updated_at = ?
		WHERE id = ?`, lastError, toMillis(time.Now()), id)
	return err
}

func scanOperation(row rowScanner) (*domain.OperationLogEntry, error) {
	var op domain.OperationLogEntry
	var created, updated int64
	err := row.Scan(&op.ID, &op.RunID, &op.SeqNo, &op.ActionType, &op.Payload,
		&op.Status, &op.Attempts, &op.LastError, &created, &updated)
	if err != nil {
		return nil, fmt.Errorf("scan operation log entry: %w", err)
	}
	op.CreatedAt = fromMillis(created)
	op.UpdatedAt = fromMillis(updated)
	return &op, nil
}
