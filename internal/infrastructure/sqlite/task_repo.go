package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/opsbatch/scheduler/internal/domain"
	"github.com/opsbatch/scheduler/internal/repository"
)

type TaskRepository struct {
	db *sql.DB
}

func NewTaskRepository(db *sql.DB) *TaskRepository {
	return &TaskRepository{db: db}
}

const taskColumns = `id, schedule_id, ticket, type_code, payload, priority, status,
	attempt_count, max_attempts, not_before, owner, heartbeat_at,
	created_at, updated_at, finish_at, message`

func (r *TaskRepository) Create(ctx context.Context, t *domain.Task) (*domain.Task, error) {
	now := toMillis(time.Now())
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO batch_task (schedule_id, ticket, type_code, payload, priority,
			status, attempt_count, max_attempts, not_before, owner, created_at, updated_at, message)
		VALUES (?, ?, ?, ?, ?, 'PENDING', 0, ?, ?, '', ?, ?, '')`,
		nullInt64(t.ScheduleID), t.Ticket, t.TypeCode, t.Payload, t.Priority,
		t.MaxAttempts, nullMillis(t.NotBefore), now, now)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, domain.ErrDuplicateTicket
		}
		return nil, fmt.Errorf("create task: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return r.GetByID(ctx, id)
}

func (r *TaskRepository) GetByID(ctx context.Context, id int64) (*domain.Task, error) {
	return scanTask(r.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM batch_task WHERE id = ?`, id))
}

func (r *TaskRepository) List(ctx context.Context, scheduleID *int64, limit int) ([]*domain.Task, error) {
	var rows *sql.Rows
	var err error
	if scheduleID != nil {
		rows, err = r.db.QueryContext(ctx,
			`SELECT `+taskColumns+` FROM batch_task WHERE schedule_id = ? ORDER BY id DESC LIMIT ?`,
			*scheduleID, limit)
	} else {
		rows, err = r.db.QueryContext(ctx,
			`SELECT `+taskColumns+` FROM batch_task ORDER BY id DESC LIMIT ?`, limit)
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
	err := r.db.QueryRowContext(ctx,
		`SELECT count(*) FROM batch_task WHERE schedule_id = ?`, scheduleID).Scan(&n)
	return n, err
}

func (r *TaskRepository) InsertFired(ctx context.Context, t *domain.Task) (bool, error) {
	now := toMillis(time.Now())
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO batch_task (schedule_id, ticket, type_code, payload, priority,
			status, attempt_count, max_attempts, not_before, owner, created_at, updated_at, message)
		SELECT ?, ?, ?, ?, ?, 'PENDING', 0, ?, ?, '', ?, ?, ''
		WHERE NOT EXISTS (SELECT 1 FROM batch_task WHERE ticket = ?)`,
		nullInt64(t.ScheduleID), t.Ticket, t.TypeCode, t.Payload, t.Priority,
		t.MaxAttempts, nullMillis(t.NotBefore), now, now, t.Ticket)
	if err != nil {
		return false, fmt.Errorf("insert fired task: %w", err)
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// LockAndMarkRunning relies on BEGIN IMMEDIATE (via the driver's
// _txlock=immediate DSN option) plus a single-connection pool to serialize
// claims; see package doc for why this stands in for SKIP LOCKED here.
func (r *TaskRepository) LockAndMarkRunning(ctx context.Context, owner string) (int64, bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, false, fmt.Errorf("begin claim tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := toMillis(time.Now())
	var id int64
	err = tx.QueryRowContext(ctx, `
		SELECT id FROM batch_task
		WHERE status = 'PENDING' AND (not_before IS NULL OR not_before <= ?)
		ORDER BY priority DESC, id ASC
		LIMIT 1`, now).Scan(&id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("lock pending task: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE batch_task
		SET status = 'RUNNING', owner = ?, attempt_count = attempt_count + 1,
		    heartbeat_at = ?, updated_at = ?
		WHERE id = ? AND status = 'PENDING'`, owner, now, now, id)
	if err != nil {
		return 0, false, fmt.Errorf("mark running: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, false, err
	}
	if n == 0 {
		return 0, false, nil
	}
	if err := tx.Commit(); err != nil {
		return 0, false, fmt.Errorf("commit claim tx: %w", err)
	}
	return id, true, nil
}

func (r *TaskRepository) IsCancelRequested(ctx context.Context, id int64) (bool, error) {
	var status domain.Status
	err := r.db.QueryRowContext(ctx, `SELECT status FROM batch_task WHERE id = ?`, id).Scan(&status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("read cancel status: %w", err)
	}
	return status == domain.StatusCancelRequested, nil
}

func (r *TaskRepository) RequestCancel(ctx context.Context, id int64) (domain.Status, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin cancel tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var status domain.Status
	if err := tx.QueryRowContext(ctx, `SELECT status FROM batch_task WHERE id = ?`, id).Scan(&status); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
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

	if _, err := tx.ExecContext(ctx, `UPDATE batch_task SET status = ?, updated_at = ? WHERE id = ?`,
		next, toMillis(time.Now()), id); err != nil {
		return "", fmt.Errorf("apply cancel: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit cancel tx: %w", err)
	}
	return next, nil
}

func (r *TaskRepository) Delete(ctx context.Context, id int64) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var status domain.Status
	if err := tx.QueryRowContext(ctx, `SELECT status FROM batch_task WHERE id = ?`, id).Scan(&status); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ErrTaskNotFound
		}
		return fmt.Errorf("read task status: %w", err)
	}
	if status == domain.StatusRunning || status == domain.StatusCancelRequested {
		return domain.ErrTaskNotDeletable
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM batch_task WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	return tx.Commit()
}

func (r *TaskRepository) Complete(ctx context.Context, p repository.CompleteParams) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin complete tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var curStatus domain.Status
	err = tx.QueryRowContext(ctx, `SELECT status FROM batch_task WHERE id = ?`, p.TaskID).Scan(&curStatus)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
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

	finishMs := toMillis(p.FinishAt)
	_, err = tx.ExecContext(ctx, `
		UPDATE batch_task SET status = ?, finish_at = ?, updated_at = ?, message = ?
		WHERE id = ?`, finalStatus, finishMs, finishMs, domain.TruncateMessage(p.Message), p.TaskID)
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

	_, err = tx.ExecContext(ctx, `UPDATE batch_run SET status = ?, ended_at = ?, message = ? WHERE id = ?`,
		runStatus, finishMs, domain.TruncateMessage(p.Message), p.RunID)
	if err != nil {
		return fmt.Errorf("write run completion: %w", err)
	}

	return tx.Commit()
}

func (r *TaskRepository) MarkHeartbeat(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE batch_task SET heartbeat_at = ? WHERE id = ? AND status = 'RUNNING'`,
		toMillis(time.Now()), id)
	return err
}

func (r *TaskRepository) RequeueForRetry(ctx context.Context, id int64, notBefore time.Time, message string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE batch_task
		SET status = 'PENDING', owner = '', not_before = ?, updated_at = ?, message = ?
		WHERE id = ?`, toMillis(notBefore), toMillis(time.Now()), domain.TruncateMessage(message), id)
	return err
}

func (r *TaskRepository) ReclaimStale(ctx context.Context, cutoff time.Time, limit int) (int, int, error) {
	now := toMillis(time.Now())
	cutoffMs := toMillis(cutoff)

	res, err := r.db.ExecContext(ctx, `
		UPDATE batch_task
		SET status = 'PENDING', owner = '', not_before = ?, updated_at = ?,
		    message = 'worker heartbeat timeout'
		WHERE id IN (
			SELECT id FROM batch_task
			WHERE status = 'RUNNING' AND heartbeat_at < ? AND attempt_count < max_attempts
			ORDER BY heartbeat_at ASC LIMIT ?
		)`, now, now, cutoffMs, limit)
	if err != nil {
		return 0, 0, fmt.Errorf("reclaim retryable: %w", err)
	}
	rescheduled, err := res.RowsAffected()
	if err != nil {
		return 0, 0, err
	}

	res, err = r.db.ExecContext(ctx, `
		UPDATE batch_task
		SET status = 'FAILED', finish_at = ?, updated_at = ?,
		    message = 'worker heartbeat timeout: max attempts exceeded'
		WHERE id IN (
			SELECT id FROM batch_task
			WHERE status = 'RUNNING' AND heartbeat_at < ? AND attempt_count >= max_attempts
			ORDER BY heartbeat_at ASC LIMIT ?
		)`, now, now, cutoffMs, limit)
	if err != nil {
		return int(rescheduled), 0, fmt.Errorf("reclaim exhausted: %w", err)
	}
	failed, err := res.RowsAffected()
	return int(rescheduled), int(failed), err
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "constraint failed: UNIQUE")
}

func scanTask(row rowScanner) (*domain.Task, error) {
	var t domain.Task
	var scheduleID sql.NullInt64
	var notBefore, heartbeat, finish sql.NullInt64
	var created, updated int64

	err := row.Scan(&t.ID, &scheduleID, &t.Ticket, &t.TypeCode, &t.Payload, &t.Priority,
		&t.Status, &t.AttemptCount, &t.MaxAttempts, &notBefore, &t.Owner, &heartbeat,
		&created, &updated, &finish, &t.Message)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrTaskNotFound
		}
		return nil, fmt.Errorf("scan task: %w", err)
	}

	t.ScheduleID = toNullableInt64(scheduleID)
	t.NotBefore = toNullableTime(notBefore)
	t.HeartbeatAt = toNullableTime(heartbeat)
	t.FinishAt = toNullableTime(finish)
	t.CreatedAt = fromMillis(created)
	t.UpdatedAt = fromMillis(updated)
	return &t, nil
}
