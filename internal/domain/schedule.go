package domain

import "time"

// Schedule is a cron-driven fan-out definition. Created and mutated only
// through the admin surface, except LastFireAt which is advanced by the
// cron fan-out service.
type Schedule struct {
	ID         int64
	TypeCode   string
	CronExpr   string
	Payload    string // opaque JSON, default "{}"
	Enabled    bool
	LastFireAt *time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}
