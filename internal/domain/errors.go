package domain

import "errors"

// Sentinel errors shared across repositories, the transactional service,
// and the engine. Callers branch on these with errors.Is to decide the
// user-visible treatment (reject a request, mark a task FAILED, skip a
// schedule with a warning).
var (
	ErrScheduleNotFound = errors.New("schedule not found")
	ErrInvalidCronExpr  = errors.New("invalid cron expression")
	ErrScheduleInUse    = errors.New("schedule has associated tasks")

	ErrTaskNotFound      = errors.New("task not found")
	ErrDuplicateTicket   = errors.New("task with this ticket already exists")
	ErrTaskNotDeletable  = errors.New("task cannot be deleted in its current status")
	ErrTaskNotCancelable = errors.New("task is already in a terminal state")

	ErrUnknownType              = errors.New("no handler registered for type code")
	ErrBadPayload               = errors.New("payload is not valid JSON")
	ErrCompensatorMissing       = errors.New("no compensator registered for action type")
	ErrCompensatorReturnedFalse = errors.New("compensator reported unsuccessful compensation")

	ErrRunNotFound = errors.New("run not found")
)
