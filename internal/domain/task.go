package domain

import "time"

// Status is a Task's position in the dispatch/completion state machine.
type Status string

const (
	StatusPending         Status = "PENDING"
	StatusRunning         Status = "RUNNING"
	StatusSucceed         Status = "SUCCEED"
	StatusFailed          Status = "FAILED"
	StatusCanceled        Status = "CANCELED"
	StatusCancelRequested Status = "CANCEL_REQUESTED"
)

// maxMessageLen is the truncation bound for Task.Message, matching the
// "≤ ~2000 chars" bound in the data model.
const maxMessageLen = 2000

// Task is one unit of dispatchable work, created either ad-hoc or by cron
// fan-out. Ownership: a Task belongs to at most one worker process between
// claim and completion write-back; outside that window nothing mutates its
// status except the admin surface (cancel/delete) and the reaper.
type Task struct {
	ID           int64
	ScheduleID   *int64 // null for ad-hoc enqueues
	Ticket       string // globally unique dedup key
	TypeCode     string
	Payload      string
	Priority     int
	Status       Status
	AttemptCount int
	MaxAttempts  int
	NotBefore    *time.Time
	Owner        string
	HeartbeatAt  *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
	FinishAt     *time.Time
	Message      string
}

// TruncateMessage trims s to the Task.Message bound before persisting.
func TruncateMessage(s string) string {
	if len(s) <= maxMessageLen {
		return s
	}
	return s[:maxMessageLen]
}
