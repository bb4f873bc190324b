// Package notify alerts an operator when a Task exhausts its retry
// budget: a failure summary delivered to a single fixed operator address,
// via Resend in deployed environments and the application log locally.
package notify

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/resend/resend-go/v2"

	"github.com/opsbatch/scheduler/internal/domain"
)

// Sender delivers one alert. Subject and body are pre-rendered; Sender
// implementations only decide where the message goes.
type Sender interface {
	Send(ctx context.Context, to, subject, body string) error
}

// LogSender writes the alert to the application log instead of delivering
// it anywhere, used in ENV=local and whenever no operator address is
// configured.
type LogSender struct {
	logger *slog.Logger
}

func NewLogSender(logger *slog.Logger) *LogSender {
	return &LogSender{logger: logger}
}

func (s *LogSender) Send(_ context.Context, to, subject, body string) error {
	s.logger.Info("task failure alert (local dev)", "to", to, "subject", subject, "body", body)
	return nil
}

// ResendSender delivers the alert via the Resend API.
type ResendSender struct {
	client *resend.Client
	from   string
}

func NewResendSender(apiKey, from string) *ResendSender {
	return &ResendSender{client: resend.NewClient(apiKey), from: from}
}

func (s *ResendSender) Send(ctx context.Context, to, subject, body string) error {
	params := &resend.SendEmailRequest{
		From:    s.from,
		To:      []string{to},
		Subject: subject,
		Html:    body,
	}
	_, err := s.client.Emails.SendWithContext(ctx, params)
	if err != nil {
		return fmt.Errorf("send alert email: %w", err)
	}
	return nil
}

// NewSender returns a LogSender for env=="local" or when to/apiKey/from
// are incomplete, a ResendSender otherwise.
func NewSender(env, apiKey, from, to string, logger *slog.Logger) Sender {
	if env == "local" || apiKey == "" || from == "" || to == "" {
		return &LogSender{logger: logger}
	}
	return NewResendSender(apiKey, from)
}

// Notifier renders and dispatches the alert for a Task that has reached a
// terminal FAILED status with its retry budget exhausted.
type Notifier struct {
	sender Sender
	to     string
	logger *slog.Logger
}

func New(sender Sender, to string, logger *slog.Logger) *Notifier {
	return &Notifier{sender: sender, to: to, logger: logger.With("component", "notify")}
}

// TaskExhausted is called by the engine after a Task spends its retry
// budget and reaches terminal FAILED. Send failures are logged, never
// propagated — a broken mail relay must not affect task dispatch.
func (n *Notifier) TaskExhausted(ctx context.Context, task *domain.Task, runID int64) {
	if n.to == "" {
		return
	}
	subject := fmt.Sprintf("task %d (%s) failed permanently", task.ID, task.TypeCode)
	body := fmt.Sprintf(
		"Task #%d, type %q, ticket %q failed permanently after %d/%d attempts.\n\nRun #%d.\n\nLast error:\n%s\n",
		task.ID, task.TypeCode, task.Ticket, task.AttemptCount, task.MaxAttempts, runID, task.Message,
	)
	if err := n.sender.Send(ctx, n.to, subject, body); err != nil {
		n.logger.Error("failed to deliver task failure alert", "task_id", task.ID, "error", err)
	}
}
