package registry

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
)

// Compensator undoes one logged operation. Compensate returns (true, nil)
// on success, (false, nil) if the undo deliberately could not be applied
// (recorded as COMPENSATE_RETURNED_FALSE), or a non-nil error if it
// raised.
type Compensator interface {
	Compensate(ctx context.Context, runID int64, payload json.RawMessage) (bool, error)
}

// CompensatorRegistry is a simple first-wins map populated at startup,
// resolved by action-type code during compensation replay.
type CompensatorRegistry struct {
	mu           sync.RWMutex
	compensators map[string]Compensator
	logger       *slog.Logger
}

func NewCompensatorRegistry(logger *slog.Logger) *CompensatorRegistry {
	return &CompensatorRegistry{
		compensators: make(map[string]Compensator),
		logger:       logger.With("component", "compensator_registry"),
	}
}

func (r *CompensatorRegistry) Register(actionType string, c Compensator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.compensators[actionType]; exists {
		r.logger.Warn("duplicate compensator registration, keeping first binding", "action_type", actionType)
		return
	}
	r.compensators[actionType] = c
}

func (r *CompensatorRegistry) Lookup(actionType string) (Compensator, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.compensators[actionType]
	return c, ok
}
