package repository

import (
	"context"
	"time"

	"github.com/opsbatch/scheduler/internal/domain"
)

// ScheduleRepository backs the admin surface's schedule CRUD and the cron
// fan-out service's last-fire bookkeeping.
type ScheduleRepository interface {
	Create(ctx context.Context, s *domain.Schedule) (*domain.Schedule, error)
	GetByID(ctx context.Context, id int64) (*domain.Schedule, error)
	List(ctx context.Context) ([]*domain.Schedule, error)
	ListEnabled(ctx context.Context) ([]*domain.Schedule, error)
	SetEnabled(ctx context.Context, id int64, enabled bool) error
	// Delete refuses (domain.ErrScheduleInUse) if any task references id.
	Delete(ctx context.Context, id int64) error
	// AdvanceLastFire is called only by the cron fan-out service, after it
	// has successfully inserted a new Task for firing instant t.
	AdvanceLastFire(ctx context.Context, id int64, t time.Time) error
}
