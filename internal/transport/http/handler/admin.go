package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/opsbatch/scheduler/internal/domain"
)

var cronParser = cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// notBeforeLayouts are the accepted not_before input forms: a
// space-separated local form with optional seconds, and an ISO-like form.
var notBeforeLayouts = []string{
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
}

// maxNotBeforeLen is the longest of notBeforeLayouts ("2006-01-02 15:04:05").
// Inputs carrying extra precision (fractional seconds, a trailing "Z", a
// zone offset) are truncated to this length before matching rather than
// rejected outright.
const maxNotBeforeLen = len("2006-01-02T15:04:05")

func parseNotBefore(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	if len(s) > maxNotBeforeLen {
		s = s[:maxNotBeforeLen]
	}
	for _, layout := range notBeforeLayouts {
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return &t, nil
		}
	}
	return nil, errors.New(errInvalidNotBefore)
}

func validJSONPayload(raw string) string {
	if raw == "" {
		return "{}"
	}
	return raw
}

// CreateSchedule implements "create schedule (validates type and payload
// JSON)".
func (a *Admin) CreateSchedule(c *gin.Context) {
	typeCode := c.PostForm("type_code")
	cronExpr := c.PostForm("cron_expr")
	payload := validJSONPayload(c.PostForm("payload"))

	if !json.Valid([]byte(payload)) {
		redirectTo(c, redirectResult{OK: false, Type: "schedule.create", Error: errBadPayload})
		return
	}
	if _, ok := a.handlers.Lookup(typeCode); !ok {
		redirectTo(c, redirectResult{OK: false, Type: "schedule.create", Error: errUnknownType})
		return
	}
	if _, err := cronParser.Parse(cronExpr); err != nil {
		redirectTo(c, redirectResult{OK: false, Type: "schedule.create", Error: errInvalidCronExpr})
		return
	}

	sched, err := a.store.Schedules.Create(c.Request.Context(), &domain.Schedule{
		TypeCode: typeCode,
		CronExpr: cronExpr,
		Payload:  payload,
		Enabled:  true,
	})
	if err != nil {
		a.logger.Error("create schedule", "error", err)
		redirectTo(c, redirectResult{OK: false, Type: "schedule.create", Error: errInternalServer})
		return
	}

	redirectTo(c, redirectResult{OK: true, Type: "schedule.create", Payload: payload, Info: fmt.Sprintf("schedule #%d created", sched.ID)})
}

// EnqueueTask implements "enqueue task (validates type, payload JSON, and
// optional not-before in forms ...)".
func (a *Admin) EnqueueTask(c *gin.Context) {
	typeCode := c.PostForm("type_code")
	payload := validJSONPayload(c.PostForm("payload"))
	priority, _ := strconv.Atoi(c.PostForm("priority"))
	maxAttempts, err := strconv.Atoi(c.PostForm("max_attempts"))
	if err != nil || maxAttempts < 1 {
		maxAttempts = 1
	}

	if !json.Valid([]byte(payload)) {
		redirectTo(c, redirectResult{OK: false, Type: "task.enqueue", Error: errBadPayload})
		return
	}
	if _, ok := a.handlers.Lookup(typeCode); !ok {
		redirectTo(c, redirectResult{OK: false, Type: "task.enqueue", Error: errUnknownType})
		return
	}
	notBefore, err := parseNotBefore(c.PostForm("not_before"))
	if err != nil {
		redirectTo(c, redirectResult{OK: false, Type: "task.enqueue", Error: err.Error()})
		return
	}

	task := &domain.Task{
		Ticket:      "adhoc#" + uuid.NewString(),
		TypeCode:    typeCode,
		Payload:     payload,
		Priority:    priority,
		MaxAttempts: maxAttempts,
		NotBefore:   notBefore,
	}
	created, err := a.store.Tasks.Create(c.Request.Context(), task)
	if err != nil {
		a.logger.Error("enqueue task", "error", err)
		redirectTo(c, redirectResult{OK: false, Type: "task.enqueue", Error: errInternalServer})
		return
	}

	redirectTo(c, redirectResult{OK: true, Type: "task.enqueue", Payload: payload, Info: fmt.Sprintf("task #%d enqueued", created.ID)})
}

// ManualRun implements "manually execute a registered handler
// synchronously with a supplied payload". It bypasses the task/run
// bookkeeping entirely: no Task or Run row is created, so a manual run
// never triggers compensation replay even on failure.
func (a *Admin) ManualRun(c *gin.Context) {
	typeCode := c.PostForm("type_code")
	payload := validJSONPayload(c.PostForm("payload"))

	if !json.Valid([]byte(payload)) {
		redirectTo(c, redirectResult{OK: false, Type: "manual.run", Error: errBadPayload})
		return
	}
	h, ok := a.handlers.Lookup(typeCode)
	if !ok {
		redirectTo(c, redirectResult{OK: false, Type: "manual.run", Error: errUnknownType})
		return
	}

	start := time.Now()
	err := h.InitJob(c.Request.Context(), json.RawMessage(payload))
	cost := time.Since(start)

	if err != nil {
		redirectTo(c, redirectResult{
			OK: false, Type: "manual.run", Payload: payload,
			Cost: cost.String(), Error: err.Error(),
		})
		return
	}
	redirectTo(c, redirectResult{OK: true, Type: "manual.run", Payload: payload, Cost: cost.String()})
}

// ToggleSchedule implements "toggle schedule enabled".
func (a *Admin) ToggleSchedule(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		redirectTo(c, redirectResult{OK: false, Type: "schedule.toggle", Error: errScheduleNotFound})
		return
	}

	sched, err := a.store.Schedules.GetByID(c.Request.Context(), id)
	if err != nil {
		redirectTo(c, redirectResult{OK: false, Type: "schedule.toggle", Error: scheduleErrMessage(err)})
		return
	}
	if err := a.store.Schedules.SetEnabled(c.Request.Context(), id, !sched.Enabled); err != nil {
		a.logger.Error("toggle schedule", "schedule_id", id, "error", err)
		redirectTo(c, redirectResult{OK: false, Type: "schedule.toggle", Error: errInternalServer})
		return
	}

	redirectTo(c, redirectResult{OK: true, Type: "schedule.toggle", Info: fmt.Sprintf("schedule #%d enabled=%v", id, !sched.Enabled)})
}

// DeleteSchedule implements "delete schedule (refuses if any task
// references it)".
func (a *Admin) DeleteSchedule(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		redirectTo(c, redirectResult{OK: false, Type: "schedule.delete", Error: errScheduleNotFound})
		return
	}
	if err := a.store.Schedules.Delete(c.Request.Context(), id); err != nil {
		redirectTo(c, redirectResult{OK: false, Type: "schedule.delete", Error: scheduleErrMessage(err)})
		return
	}
	redirectTo(c, redirectResult{OK: true, Type: "schedule.delete", Info: fmt.Sprintf("schedule #%d deleted", id)})
}

// CancelTask implements "cancel task (PENDING -> CANCELED immediately;
// RUNNING -> CANCEL_REQUESTED)".
func (a *Admin) CancelTask(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		redirectTo(c, redirectResult{OK: false, Type: "task.cancel", Error: errTaskNotFound})
		return
	}

	status, err := a.store.Tasks.RequestCancel(c.Request.Context(), id)
	if err != nil {
		redirectTo(c, redirectResult{OK: false, Type: "task.cancel", Error: taskErrMessage(err)})
		return
	}
	if status == domain.StatusCancelRequested {
		a.engine.InterruptIfRunning(id)
	}

	redirectTo(c, redirectResult{OK: true, Type: "task.cancel", Info: fmt.Sprintf("task #%d -> %s", id, status)})
}

// DeleteTask implements "delete task (refuses if RUNNING or
// CANCEL_REQUESTED)".
func (a *Admin) DeleteTask(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		redirectTo(c, redirectResult{OK: false, Type: "task.delete", Error: errTaskNotFound})
		return
	}
	if err := a.store.Tasks.Delete(c.Request.Context(), id); err != nil {
		redirectTo(c, redirectResult{OK: false, Type: "task.delete", Error: taskErrMessage(err)})
		return
	}
	redirectTo(c, redirectResult{OK: true, Type: "task.delete", Info: fmt.Sprintf("task #%d deleted", id)})
}

func scheduleErrMessage(err error) string {
	switch {
	case errors.Is(err, domain.ErrScheduleNotFound):
		return errScheduleNotFound
	case errors.Is(err, domain.ErrScheduleInUse):
		return errScheduleInUse
	default:
		return errInternalServer
	}
}

func taskErrMessage(err error) string {
	switch {
	case errors.Is(err, domain.ErrTaskNotFound):
		return errTaskNotFound
	case errors.Is(err, domain.ErrTaskNotDeletable):
		return errTaskNotDeletable
	case errors.Is(err, domain.ErrTaskNotCancelable):
		return errTaskNotCancelable
	default:
		return errInternalServer
	}
}
