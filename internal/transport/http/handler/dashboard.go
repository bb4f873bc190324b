package handler

import (
	"fmt"
	"html"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/opsbatch/scheduler/internal/domain"
)

const recentTasksLimit = 50

// Dashboard is the minimal read-only GET / view backing the redirect
// targets of the mutating endpoints: it shows every schedule, the most
// recent tasks, and (via the query string a mutation redirected with)
// the outcome of whatever the operator just did.
func (a *Admin) Dashboard(c *gin.Context) {
	ctx := c.Request.Context()

	schedules, err := a.store.Schedules.List(ctx)
	if err != nil {
		a.logger.Error("list schedules", "error", err)
		c.String(http.StatusInternalServerError, errInternalServer)
		return
	}
	tasks, err := a.store.Tasks.List(ctx, nil, recentTasksLimit)
	if err != nil {
		a.logger.Error("list tasks", "error", err)
		c.String(http.StatusInternalServerError, errInternalServer)
		return
	}

	var b strings.Builder
	b.WriteString("<!doctype html><html><head><title>scheduler</title></head><body>")
	writeResultBanner(&b, c)

	b.WriteString("<h2>schedules</h2><table border=1 cellpadding=4><tr><th>id</th><th>type</th><th>cron</th><th>enabled</th><th>last fire</th><th></th></tr>")
	for _, s := range schedules {
		b.WriteString("<tr>")
		fmt.Fprintf(&b, "<td>%d</td><td>%s</td><td>%s</td><td>%v</td><td>%s</td>",
			s.ID, html.EscapeString(s.TypeCode), html.EscapeString(s.CronExpr), s.Enabled, formatTime(s.LastFireAt))
		fmt.Fprintf(&b, `<td>
			<form method="post" action="/schedule/%d/toggle" style="display:inline">
				<button type="submit">toggle</button>
			</form>
			<form method="post" action="/schedule/%d/delete" style="display:inline">
				<button type="submit">delete</button>
			</form>
		</td>`, s.ID, s.ID)
		b.WriteString("</tr>")
	}
	b.WriteString("</table>")

	b.WriteString("<h2>recent tasks</h2><table border=1 cellpadding=4><tr><th>id</th><th>type</th><th>status</th><th>attempts</th><th>updated</th><th></th></tr>")
	for _, t := range tasks {
		b.WriteString("<tr>")
		fmt.Fprintf(&b, `<td><a href="/tasks/%d">%d</a></td><td>%s</td><td>%s</td><td>%d/%d</td><td>%s</td>`,
			t.ID, t.ID, html.EscapeString(t.TypeCode), t.Status, t.AttemptCount, t.MaxAttempts, t.UpdatedAt.Format("2006-01-02 15:04:05"))
		fmt.Fprintf(&b, `<td>
			<form method="post" action="/tasks/%d/cancel" style="display:inline">
				<button type="submit">cancel</button>
			</form>
			<form method="post" action="/tasks/%d/delete" style="display:inline">
				<button type="submit">delete</button>
			</form>
		</td>`, t.ID, t.ID)
		b.WriteString("</tr>")
	}
	b.WriteString("</table>")

	b.WriteString(newSchedulesForm() + newTasksForm() + manualRunForm())
	b.WriteString("</body></html>")

	c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(b.String()))
}

// TaskDetail is the GET /tasks/{id} view: task fields, its run history,
// and the compensation log of each run.
func (a *Admin) TaskDetail(c *gin.Context) {
	ctx := c.Request.Context()
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.String(http.StatusNotFound, errTaskNotFound)
		return
	}

	task, err := a.store.Tasks.GetByID(ctx, id)
	if err != nil {
		c.String(http.StatusNotFound, errTaskNotFound)
		return
	}
	runs, err := a.store.Runs.ListByTaskID(ctx, id)
	if err != nil {
		a.logger.Error("list runs", "task_id", id, "error", err)
		c.String(http.StatusInternalServerError, errInternalServer)
		return
	}

	var b strings.Builder
	fmt.Fprintf(&b, "<!doctype html><html><head><title>task %d</title></head><body>", task.ID)
	fmt.Fprintf(&b, "<h2>task #%d</h2><pre>%s</pre>", task.ID, html.EscapeString(taskSummary(task)))

	b.WriteString("<h3>runs</h3><table border=1 cellpadding=4><tr><th>id</th><th>status</th><th>started</th><th>ended</th><th>message</th><th>compensation log</th></tr>")
	for _, r := range runs {
		ops, err := a.store.Operations.FetchDesc(ctx, r.ID)
		if err != nil {
			a.logger.Warn("fetch compensation log", "run_id", r.ID, "error", err)
		}
		b.WriteString("<tr>")
		fmt.Fprintf(&b, "<td>%d</td><td>%s</td><td>%s</td><td>%s</td><td>%s</td>",
			r.ID, r.Status, r.StartedAt.Format("2006-01-02 15:04:05"), formatTime(r.EndedAt), html.EscapeString(r.Message))
		b.WriteString("<td><ul>")
		for _, op := range ops {
			fmt.Fprintf(&b, "<li>seq=%d type=%s status=%s</li>", op.SeqNo, html.EscapeString(op.ActionType), op.Status)
		}
		b.WriteString("</ul></td></tr>")
	}
	b.WriteString("</table>")
	b.WriteString(`<p><a href="/">back</a></p></body></html>`)

	c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(b.String()))
}

func taskSummary(t *domain.Task) string {
	return fmt.Sprintf(
		"ticket:       %s\ntype_code:    %s\nstatus:       %s\nattempts:     %d/%d\npriority:     %d\npayload:      %s\nmessage:      %s\nnot_before:   %s\nheartbeat_at: %s\n",
		t.Ticket, t.TypeCode, t.Status, t.AttemptCount, t.MaxAttempts, t.Priority, t.Payload, t.Message,
		formatTime(t.NotBefore), formatTime(t.HeartbeatAt),
	)
}

func writeResultBanner(b *strings.Builder, c *gin.Context) {
	ok := c.Query("ok")
	if ok == "" {
		return
	}
	fmt.Fprintf(b, "<div><strong>%s</strong> type=%s cost=%s error=%s info=%s</div>",
		map[string]string{"true": "OK", "false": "FAILED"}[ok],
		html.EscapeString(c.Query("type")), html.EscapeString(c.Query("cost")),
		html.EscapeString(c.Query("error")), html.EscapeString(c.Query("info")))
}

func newSchedulesForm() string {
	return `<h2>create schedule</h2><form method="post" action="/schedules">
		type code <input name="type_code"><br>
		cron expr <input name="cron_expr" placeholder="0 */5 * * * *"><br>
		payload <input name="payload" value="{}"><br>
		<button type="submit">create</button>
	</form>`
}

func newTasksForm() string {
	return `<h2>enqueue task</h2><form method="post" action="/tasks/enqueue">
		type code <input name="type_code"><br>
		payload <input name="payload" value="{}"><br>
		not before <input name="not_before" placeholder="2006-01-02 15:04:05"><br>
		priority <input name="priority" value="0"><br>
		max attempts <input name="max_attempts" value="1"><br>
		<button type="submit">enqueue</button>
	</form>`
}

func manualRunForm() string {
	return `<h2>manual run</h2><form method="post" action="/manual/run">
		type code <input name="type_code"><br>
		payload <input name="payload" value="{}"><br>
		<button type="submit">run</button>
	</form>`
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format("2006-01-02 15:04:05")
}
