package sqlite

import (
	"database/sql"

	"github.com/opsbatch/scheduler/internal/repository"
)

// NewStore wires the four SQLite repositories into the dialect-agnostic
// repository.Store the rest of the system depends on.
func NewStore(db *sql.DB) *repository.Store {
	return &repository.Store{
		Schedules:  NewScheduleRepository(db),
		Tasks:      NewTaskRepository(db),
		Runs:       NewRunRepository(db),
		Operations: NewOperationLogRepository(db),
	}
}
