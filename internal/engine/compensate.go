package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/opsbatch/scheduler/internal/domain"
	"github.com/opsbatch/scheduler/internal/metrics"
	"github.com/opsbatch/scheduler/internal/registry"
)

// replayCompensations fetches the run's operation log in
// sequence-descending order (last action first) and
// attempt to undo every entry still PENDING. A single entry's failure
// never aborts the remaining ones — this is best-effort replay. The
// returned error, if any, is the concatenation of every entry that ended
// FAILED during this pass, so the caller can append it to the task's
// final message.
func (e *Engine) replayCompensations(ctx context.Context, runID int64) error {
	entries, err := e.svc.FetchCompensationsDesc(ctx, runID)
	if err != nil {
		return fmt.Errorf("fetch compensation log for run %d: %w", runID, err)
	}

	var failures []string
	for _, entry := range entries {
		if entry.Status != domain.OperationPending {
			continue
		}
		if failMsg := e.replayOne(ctx, entry); failMsg != "" {
			failures = append(failures, failMsg)
			metrics.CompensationsReplayedTotal.WithLabelValues("failed").Inc()
		} else {
			metrics.CompensationsReplayedTotal.WithLabelValues("done").Inc()
		}
	}

	if len(failures) == 0 {
		return nil
	}
	joined := failures[0]
	for _, f := range failures[1:] {
		joined += "; " + f
	}
	return fmt.Errorf("%s", joined)
}

// replayOne drives one log entry through compensation and persists its
// terminal status. It returns a non-empty failure description only when
// the entry ended FAILED, so replayCompensations can report which
// entries didn't undo cleanly.
func (e *Engine) replayOne(ctx context.Context, entry *domain.OperationLogEntry) (failMsg string) {
	if entry.ActionType == "" {
		e.markCompensationFailed(ctx, entry, "MISSING_ACTION_TYPE")
		return fmt.Sprintf("op %d: MISSING_ACTION_TYPE", entry.ID)
	}

	compensator, ok := e.compensators.Lookup(entry.ActionType)
	if !ok {
		reason := fmt.Sprintf("No compensator registered for actionType=%s", entry.ActionType)
		e.markCompensationFailed(ctx, entry, reason)
		return fmt.Sprintf("op %d: %s", entry.ID, reason)
	}

	payload := json.RawMessage(entry.Payload)
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}

	ok2, compErr := e.runCompensatorRecovered(ctx, compensator, entry.RunID, payload)
	switch {
	case compErr != nil:
		reason := trimError(compErr.Error())
		e.markCompensationFailed(ctx, entry, reason)
		return fmt.Sprintf("op %d: %s", entry.ID, reason)
	case !ok2:
		e.markCompensationFailed(ctx, entry, "COMPENSATE_RETURNED_FALSE")
		return fmt.Sprintf("op %d: COMPENSATE_RETURNED_FALSE", entry.ID)
	default:
		if err := e.svc.MarkCompensationDone(ctx, entry.ID); err != nil {
			e.logger.Error("mark compensation done failed", "op_id", entry.ID, "error", err)
		}
		return ""
	}
}

func (e *Engine) runCompensatorRecovered(ctx context.Context, c registry.Compensator, runID int64, payload json.RawMessage) (ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("compensator panicked: %v", r)
		}
	}()
	return c.Compensate(ctx, runID, payload)
}

func (e *Engine) markCompensationFailed(ctx context.Context, entry *domain.OperationLogEntry, reason string) {
	if err := e.svc.MarkCompensationFailed(ctx, entry.ID, reason); err != nil {
		e.logger.Error("mark compensation failed failed", "op_id", entry.ID, "error", err)
	}
}
