package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/opsbatch/scheduler/internal/domain"
)

type RunRepository struct {
	pool *pgxpool.Pool
}

func NewRunRepository(pool *pgxpool.Pool) *RunRepository {
	return &RunRepository{pool: pool}
}

func (r *RunRepository) Create(ctx context.Context, taskID int64, startedAt time.Time) (*domain.Run, error) {
	row := r.pool.QueryRow(ctx, `
		INSERT INTO batch_run (task_id, started_at, status)
		VALUES ($1, $2, 'RUNNING')
		RETURNING id, task_id, started_at, ended_at, status, message`, taskID, startedAt)
	return scanRun(row)
}

func (r *RunRepository) GetByID(ctx context.Context, id int64) (*domain.Run, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, task_id, started_at, ended_at, status, message FROM batch_run WHERE id = $1`, id)
	return scanRun(row)
}

func (r *RunRepository) ListByTaskID(ctx context.Context, taskID int64) ([]*domain.Run, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, task_id, started_at, ended_at, status, message
		FROM batch_run WHERE task_id = $1 ORDER BY started_at ASC`, taskID)
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
	_, err := r.pool.Exec(ctx, `
		UPDATE batch_run SET status = $2, ended_at = $3, message = $4 WHERE id = $1`,
		runID, status, endedAt, domain.TruncateMessage(message))
	return err
}

func scanRun(row rowScanner) (*domain.Run, error) {
	var run domain.Run
	err := row.Scan(&run.ID, &run.TaskID, &run.StartedAt, &run.EndedAt, &run.Status, &run.Message)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrRunNotFound
		}
		return nil, fmt.Errorf("scan run: %w", err)
	}
	return &run, nil
}
