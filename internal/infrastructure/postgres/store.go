package postgres

import (
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/opsbatch/scheduler/internal/repository"
)

// NewStore wires the four Postgres repositories into the dialect-agnostic
// repository.Store the rest of the system depends on.
func NewStore(pool *pgxpool.Pool) *repository.Store {
	return &repository.Store{
		Schedules:  NewScheduleRepository(pool),
		Tasks:      NewTaskRepository(pool),
		Runs:       NewRunRepository(pool),
		Operations: NewOperationLogRepository(pool),
	}
}
