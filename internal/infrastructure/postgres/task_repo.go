package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/opsbatch/scheduler/internal/domain"
	"github.com/opsbatch/scheduler/internal/repository"
)

type TaskRepository struct {
	pool *pgxpool.Pool
}

func NewTaskRepository(pool *pgxpool.Pool) *TaskRepository {
	return &TaskRepository{pool: pool}
}

const taskColumns = `id, schedule_id, ticket, type_code, payload, priority, status,
	attempt_count, max_attempts, not_before, owner, heartbeat_at,
	created_at, updated_at, finish_at, message`

func (r *TaskRepository) Create(ctx context.Context, t *domain.Task) (*domain.Task, error) {
	query := `
		INSERT INTO batch_task (schedule_id, ticket, type_code, payload, priority,
			status, attempt_count, max_attempts, not_before, owner)
		VALUES ($1, $2, $3, $4, $5, $6, 0, $7, $8, '')
		RETURNING ` + taskColumns

	row := r.pool.QueryRow(ctx, query,
		t.ScheduleID, t.Ticket, t.TypeCode, t.Payload, t.Priority,
		domain.StatusPending, t.MaxAttempts, t.NotBefore)

	created, err := scanTask(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, domain.ErrDuplicateTicket
		}
		return nil, err
	}
	return created, nil
}

func (r *TaskRepository) GetByID(ctx context.Context, id int64) (*domain.Task, error) {
	return scanTask(r.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM batch_task WHERE id = $1`, id))
}

func (r *TaskRepository) List(ctx context.Context, scheduleID *int64, limit int) ([]*domain.Task, error) {
	var rows pgx.Rows
	var err error
	if scheduleID != nil {
		rows, err = r.pool.Query(ctx,
			`SELECT `+taskColumns+` FROM batch_task WHERE schedule_id = $1 ORDER BY id DESC LIMIT $2`,
			*scheduleID, limit)
	} else {
		rows, err = r.pool.Query(ctx,
			`SELECT `+taskColumns+` FROM batch_task ORDER BY id DESC LIMIT $1`, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []*domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (r *TaskRepository) CountByScheduleID(ctx context.Context, scheduleID int64) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx,
		`SELECT count(*) FROM batch_task WHERE schedule_id = $1`, scheduleID).Scan(&n)
	return n, err
}

// InsertFired is the cron fan-out's conditional insert: the WHERE NOT
// EXISTS guard makes replayed firings collapse to no-ops at the ticket
// uniqueness index instead of raising.
func (r *TaskRepository) InsertFired(ctx context.Context, t *domain.Task) (bool, error) {
	query := `
		INSERT INTO batch_task (schedule_id, ticket, type_code, payload, priority,
			status, attempt_count, max_attempts, not_before, owner)
		SELECT $1, $2, $3, $4, $5, $6, 0, $7, $8, ''
		WHERE NOT EXISTS (SELECT 1 FROM batch_task WHERE ticket = $2)`

	tag, err := r.pool.Exec(ctx, query,
		t.ScheduleID, t.Ticket, t.TypeCode, t.Payload, t.Priority,
		domain.StatusPending, t.MaxAttempts, t.NotBefore)
	if err != nil {
		return false, fmt.Errorf("insert fired task: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// LockAndMarkRunning implements the Picker contract: a skip-locked claim
// of one eligible PENDING row, then a conditional UPDATE that only takes
// effect if the row is still PENDING. Across concurrent pollers, at most
// one observes rowsAffected == 1 for a given task.
func (r *TaskRepository) LockAndMarkRunning(ctx context.Context, owner string) (int64, bool, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, false, fmt.Errorf("begin claim tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var id int64
	err = tx.QueryRow(ctx, `
		SELECT id FROM batch_task
		WHERE status = 'PENDING' AND (not_before IS NULL OR not_before <= NOW())
		ORDER BY priority DESC, id ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED`).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("lock pending task: %w", err)
	}

	tag, err := tx.Exec(ctx, `
		UPDATE batch_task
		SET status = 'RUNNING', owner = $2, attempt_count = attempt_count + 1,
		    heartbeat_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = 'PENDING'`, id, owner)
	if err != nil {
		return 0, false, fmt.Errorf("mark running: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return 0, false, nil
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, false, fmt.Errorf("commit claim tx: %w", err)
	}
	return id, true, nil
}

func (r *TaskRepository) IsCancelRequested(ctx context.Context, id int64) (bool, error) {
	var status domain.Status
	err := r.pool.QueryRow(ctx, `SELECT status FROM batch_task WHERE id = $1`, id).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("read cancel status: %w", err)
	}
	return status == domain.StatusCancelRequested, nil
}

func (r *TaskRepository) RequestCancel(ctx context.Context, id int64) (domain.Status, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("begin cancel tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var status domain.Status
	if err := tx.QueryRow(ctx, `SELECT status FROM batch_task WHERE id = $1 FOR UPDATE`, id).Scan(&status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", domain.ErrTaskNotFound
		}
		return "", fmt.Errorf("read task status: %w", err)
	}

	var next domain.Status
	switch status {
	case domain.StatusPending:
		next = domain.StatusCanceled
	case domain.StatusRunning:
		next = domain.StatusCancelRequested
	default:
		return "", domain.ErrTaskNotCancelable
	}

	if _, err := tx.Exec(ctx, `UPDATE batch_task SET status = $2, updated_at = NOW() WHERE id = $1`, id, next); err != nil {
		return "", fmt.Errorf("apply cancel: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("commit cancel tx: %w", err)
	}
	return next, nil
}

func (r *TaskRepository) Delete(ctx context.Context, id int64) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin delete tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var status domain.Status
	if err := tx.QueryRow(ctx, `SELECT status FROM batch_task WHERE id = $1 FOR UPDATE`, id).Scan(&status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ErrTaskNotFound
		}
		return fmt.Errorf("read task status: %w", err)
	}
	if status == domain.StatusRunning || status == domain.StatusCancelRequested {
		return domain.ErrTaskNotDeletable
	}

	if _, err := tx.Exec(ctx, `DELETE FROM batch_task WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	return tx.Commit(ctx)
}

func (r *TaskRepository) Complete(ctx context.Context, p repository.CompleteParams) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin complete tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var curStatus domain.Status
	err = tx.QueryRow(ctx, `SELECT status FROM batch_task WHERE id = $1 FOR UPDATE`, p.TaskID).Scan(&curStatus)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Idempotent on missing rows: return without error.
			return nil
		}
		return fmt.Errorf("read task for complete: %w", err)
	}

	finalStatus := p.FinalStatus
	if finalStatus == "" {
		if curStatus == domain.StatusCancelRequested {
			finalStatus = domain.StatusCanceled
		} else if p.Succeeded {
			finalStatus = domain.StatusSucceed
		} else {
			finalStatus = domain.StatusFailed
		}
	}

	_, err = tx.Exec(ctx, `
		UPDATE batch_task
		SET status = $2, finish_at = $3, updated_at = $3, message = $4
		WHERE id = $1`, p.TaskID, finalStatus, p.FinishAt, domain.TruncateMessage(p.Message))
	if err != nil {
		return fmt.Errorf("write task completion: %w", err)
	}

	runStatus := domain.RunStatusSucceed
	switch {
	case finalStatus == domain.StatusCanceled:
		runStatus = domain.RunStatusCanceled
	case !p.Succeeded:
		runStatus = domain.RunStatusFailed
	}

	_, err = tx.Exec(ctx, `
		UPDATE batch_run SET status = $2, ended_at = $3, message = $4 WHERE id = $1`,
		p.RunID, runStatus, p.FinishAt, domain.TruncateMessage(p.Message))
	if err != nil {
		return fmt.Errorf("write run completion: %w", err)
	}

	return tx.Commit(ctx)
}

func (r *TaskRepository) MarkHeartbeat(ctx context.Context, id int64) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE batch_task SET heartbeat_at = NOW() WHERE id = $1 AND status = 'RUNNING'`, id)
	return err
}

func (r *TaskRepository) RequeueForRetry(ctx context.Context, id int64, notBefore time.Time, message string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE batch_task
		SET status = 'PENDING', owner = '', not_before = $2, updated_at = NOW(), message = $3
		WHERE id = $1`, id, notBefore, domain.TruncateMessage(message))
	return err
}

func (r *TaskRepository) ReclaimStale(ctx context.Context, cutoff time.Time, limit int) (int, int, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE batch_task
		SET status = 'PENDING', owner = '', not_before = NOW(), updated_at = NOW(),
		    message = 'worker heartbeat timeout'
		WHERE id IN (
			SELECT id FROM batch_task
			WHERE status = 'RUNNING' AND heartbeat_at < $1 AND attempt_count < max_attempts
			ORDER BY heartbeat_at ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)`, cutoff, limit)
	if err != nil {
		return 0, 0, fmt.Errorf("reclaim retryable: %w", err)
	}
	rescheduled := int(tag.RowsAffected())

	tag, err = r.pool.Exec(ctx, `
		UPDATE batch_task
		SET status = 'FAILED', finish_at = NOW(), updated_at = NOW(),
		    message = 'worker heartbeat timeout: max attempts exceeded'
		WHERE id IN (
			SELECT id FROM batch_task
			WHERE status = 'RUNNING' AND heartbeat_at < $1 AND attempt_count >= max_attempts
			ORDER BY heartbeat_at ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)`, cutoff, limit)
	if err != nil {
		return rescheduled, 0, fmt.Errorf("reclaim exhausted: %w", err)
	}
	return rescheduled, int(tag.RowsAffected()), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*domain.Task, error) {
	var t domain.Task
	err := row.Scan(&t.ID, &t.ScheduleID, &t.Ticket, &t.TypeCode, &t.Payload, &t.Priority,
		&t.Status, &t.AttemptCount, &t.MaxAttempts, &t.NotBefore, &t.Owner, &t.HeartbeatAt,
		&t.CreatedAt, &t.UpdatedAt, &t.FinishAt, &t.Message)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrTaskNotFound
		}
		return nil, fmt.Errorf("scan task: %w", err)
	}
	return &t, nil
}
