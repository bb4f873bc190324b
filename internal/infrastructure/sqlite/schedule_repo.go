package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/opsbatch/scheduler/internal/domain"
)

type ScheduleRepository struct {
	db *sql.DB
}

func NewScheduleRepository(db *sql.DB) *ScheduleRepository {
	return &ScheduleRepository{db: db}
}

func (r *ScheduleRepository) Create(ctx context.Context, s *domain.Schedule) (*domain.Schedule, error) {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO batch_schedule (type_code, cron_expr, payload, enabled, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		s.TypeCode, s.CronExpr, s.Payload, s.Enabled, toMillis(time.Now()), toMillis(time.Now()))
	if err != nil {
		return nil, fmt.Errorf("create schedule: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return r.GetByID(ctx, id)
}

func (r *ScheduleRepository) GetByID(ctx context.Context, id int64) (*domain.Schedule, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, type_code, cron_expr, payload, enabled, last_fire_at, created_at, updated_at
		FROM batch_schedule WHERE id = ?`, id)
	return scanSchedule(row)
}

func (r *ScheduleRepository) List(ctx context.Context) ([]*domain.Schedule, error) {
	return r.query(ctx, `
		SELECT id, type_code, cron_expr, payload, enabled, last_fire_at, created_at, updated_at
		FROM batch_schedule ORDER BY id ASC`)
}

func (r *ScheduleRepository) ListEnabled(ctx context.Context) ([]*domain.Schedule, error) {
	return r.query(ctx, `
		SELECT id, type_code, cron_expr, payload, enabled, last_fire_at, created_at, updated_at
		FROM batch_schedule WHERE enabled = 1 ORDER BY id ASC`)
}

func (r *ScheduleRepository) query(ctx context.Context, query string, args ...any) ([]*domain.Schedule, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	defer rows.Close()

	var out []*domain.Schedule
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *ScheduleRepository) SetEnabled(ctx context.Context, id int64, enabled bool) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE batch_schedule SET enabled = ?, updated_at = ? WHERE id = ?`,
		enabled, toMillis(time.Now()), id)
	if err != nil {
		return fmt.Errorf("set enabled: %w", err)
	}
	return requireAffected(res, domain.ErrScheduleNotFound)
}

func (r *ScheduleRepository) Delete(ctx context.Context, id int64) error {
	var n int
	if err := r.db.QueryRowContext(ctx,
		`SELECT count(*) FROM batch_task WHERE schedule_id = ?`, id).Scan(&n); err != nil {
		return fmt.Errorf("check schedule in use: %w", err)
	}
	if n > 0 {
		return domain.ErrScheduleInUse
	}

	res, err := r.db.ExecContext(ctx, `DELETE FROM batch_schedule WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete schedule: %w", err)
	}
	return requireAffected(res, domain.ErrScheduleNotFound)
}

func (r *ScheduleRepository) AdvanceLastFire(ctx context.Context, id int64, t time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE batch_schedule SET last_fire_at = ?, updated_at = ? WHERE id = ?`,
		toMillis(t), toMillis(time.Now()), id)
	return err
}

func requireAffected(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSchedule(row rowScanner) (*domain.Schedule, error) {
	var s domain.Schedule
	var lastFire sql.NullInt64
	var created, updated int64
	err := row.Scan(&s.ID, &s.TypeCode, &s.CronExpr, &s.Payload, &s.Enabled, &lastFire, &created, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrScheduleNotFound
		}
		return nil, fmt.Errorf("scan schedule: %w", err)
	}
	s.LastFireAt = toNullableTime(lastFire)
	s.CreatedAt = fromMillis(created)
	s.UpdatedAt = fromMillis(updated)
	return &s, nil
}
