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

type ScheduleRepository struct {
	pool *pgxpool.Pool
}

func NewScheduleRepository(pool *pgxpool.Pool) *ScheduleRepository {
	return &ScheduleRepository{pool: pool}
}

func (r *ScheduleRepository) Create(ctx context.Context, s *domain.Schedule) (*domain.Schedule, error) {
	query := `
		INSERT INTO batch_schedule (type_code, cron_expr, payload, enabled)
		VALUES ($1, $2, $3, $4)
		RETURNING id, type_code, cron_expr, payload, enabled, last_fire_at, created_at, updated_at`

	row := r.pool.QueryRow(ctx, query, s.TypeCode, s.CronExpr, s.Payload, s.Enabled)
	return scanSchedule(row)
}

func (r *ScheduleRepository) GetByID(ctx context.Context, id int64) (*domain.Schedule, error) {
	query := `
		SELECT id, type_code, cron_expr, payload, enabled, last_fire_at, created_at, updated_at
		FROM batch_schedule WHERE id = $1`
	return scanSchedule(r.pool.QueryRow(ctx, query, id))
}

func (r *ScheduleRepository) List(ctx context.Context) ([]*domain.Schedule, error) {
	return r.query(ctx, `
		SELECT id, type_code, cron_expr, payload, enabled, last_fire_at, created_at, updated_at
		FROM batch_schedule ORDER BY id ASC`)
}

func (r *ScheduleRepository) ListEnabled(ctx context.Context) ([]*domain.Schedule, error) {
	return r.query(ctx, `
		SELECT id, type_code, cron_expr, payload, enabled, last_fire_at, created_at, updated_at
		FROM batch_schedule WHERE enabled ORDER BY id ASC`)
}

func (r *ScheduleRepository) query(ctx context.Context, query string, args ...any) ([]*domain.Schedule, error) {
	rows, err := r.pool.Query(ctx, query, args...)
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
	tag, err := r.pool.Exec(ctx,
		`UPDATE batch_schedule SET enabled = $2, updated_at = NOW() WHERE id = $1`, id, enabled)
	if err != nil {
		return fmt.Errorf("set enabled: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrScheduleNotFound
	}
	return nil
}

func (r *ScheduleRepository) Delete(ctx context.Context, id int64) error {
	var inUse bool
	if err := r.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM batch_task WHERE schedule_id = $1)`, id,
	).Scan(&inUse); err != nil {
		return fmt.Errorf("check schedule in use: %w", err)
	}
	if inUse {
		return domain.ErrScheduleInUse
	}

	tag, err := r.pool.Exec(ctx, `DELETE FROM batch_schedule WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete schedule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrScheduleNotFound
	}
	return nil
}

// AdvanceLastFire is called only by the cron fan-out service, after it has
// successfully inserted a new Task for the firing instant t.
func (r *ScheduleRepository) AdvanceLastFire(ctx context.Context, id int64, t time.Time) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE batch_schedule SET last_fire_at = $2, updated_at = NOW() WHERE id = $1`, id, t)
	return err
}

func scanSchedule(row rowScanner) (*domain.Schedule, error) {
	var s domain.Schedule
	err := row.Scan(&s.ID, &s.TypeCode, &s.CronExpr, &s.Payload, &s.Enabled,
		&s.LastFireAt, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrScheduleNotFound
		}
		return nil, fmt.Errorf("scan schedule: %w", err)
	}
	return &s, nil
}
