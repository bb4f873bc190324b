package handler

const (
	errBadPayload        = "payload is not valid JSON"
	errUnknownType       = "no handler registered for type code"
	errInvalidCronExpr   = "invalid cron expression"
	errInvalidNotBefore  = "not_before must be \"YYYY-MM-DD HH:MM[:SS]\" or \"YYYY-MM-DDTHH:MM[:SS]\""
	errScheduleNotFound  = "schedule not found"
	errScheduleInUse     = "schedule has associated tasks"
	errTaskNotFound      = "task not found"
	errTaskNotDeletable  = "task cannot be deleted in its current status"
	errTaskNotCancelable = "task is already in a terminal state"
	errInternalServer    = "internal server error"
)
