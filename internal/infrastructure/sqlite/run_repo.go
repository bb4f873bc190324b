package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/opsbatch/scheduler/internal/domain"
)

type RunRepository struct {
	db *sql.DB
}

func NewRunRepository(db *sql.DB) *RunRepository {
	return &RunRepository{db: db}
}

func (r *RunRepository) Create(ctx context.Context, taskID int64, startedAt time.Time) (*domain.Run, error) {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO batch_run (task_id, started_at, status, message)
		VALUES (?, ?, 'RUNNING', '')`, taskID, toMillis(startedAt))
	if err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return r.GetByID(ctx, id)
}

func (r *RunRepository) GetByID(ctx context.Context, id int64) (*domain.Run, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, task_id, started_at, ended_at, status, message
		FROM batch_run WHERE id = ?`, id)
	return scanRun(row)
}

func (r *RunRepository) ListByTaskID(ctx context.Context, taskID int64) ([]*domain.Run, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, task_id, started_at, ended_at, status, message
		FROM batch_run WHERE task_id = ? ORDER BY id DESC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []*domain.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

func (r *RunRepository) Complete(ctx context.Context, runID int64, status domain.RunStatus, endedAt time.Time, message string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE batch_run SET status = ?, ended_at = ?, message = ? WHERE id = ?`,
		status, toMillis(endedAt), domain.TruncateMessage(message), runID)
	if err != nil {
		return fmt.Errorf("complete run: %w", err)
	}
	return requireAffected(res, domain.ErrRunNotFound)
}

func scanRun(row rowScanner) (*domain.Run, error) {
	var run domain.Run
	var ended sql.NullInt64
	var started int64
	err := row.Scan(&run.ID, &run.TaskID, &started, &ended, &run.Status, &run.Message)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrRunNotFound
		}
		return nil, fmt.Errorf("scan run: %w", err)
	}
	run.StartedAt = fromMillis(started)
	run.EndedAt = toNullableTime(ended)
	return &run, nil
}
