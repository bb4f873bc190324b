package domain

import "time"

// OperationStatus is the lifecycle of a single compensation log entry.
type OperationStatus string

const (
	OperationPending OperationStatus = "PENDING"
	OperationDone    OperationStatus = "DONE"
	OperationFailed  OperationStatus = "FAILED"
)

// OperationLogEntry is an append-only, sequence-numbered undo record
// attached to a Run. Entries are appended by a handler during execution
// (via the run-context binding) and mutated only by the compensation
// replay engine afterward.
type OperationLogEntry struct {
	ID         int64
	RunID      int64
	SeqNo      int
	ActionType string
	Payload    string // opaque JSON
	Status     OperationStatus
	Attempts   int
	LastError  string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}
