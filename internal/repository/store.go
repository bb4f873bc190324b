package repository

// Store is the full persistence surface a dialect package provides. Both
// internal/infrastructure/postgres and internal/infrastructure/sqlite
// implement it end to end, differing only in the SQL dialect and locking
// primitive behind Picker — everything above this boundary (txservice,
// the engine, cron fan-out, the admin surface) is dialect-agnostic.
type Store struct {
	Schedules  ScheduleRepository
	Tasks      TaskRepository
	Runs       RunRepository
	Operations OperationLogRepository
}
