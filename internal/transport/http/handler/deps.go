// Package handler implements the admin surface: a small set of mutating
// POST endpoints that redirect back to a read-only dashboard with the
// outcome encoded in the query string, since this surface is meant to be
// driven from a browser form rather than a JSON API client.
package handler

import (
	"log/slog"

	"github.com/opsbatch/scheduler/internal/engine"
	"github.com/opsbatch/scheduler/internal/registry"
	"github.com/opsbatch/scheduler/internal/repository"
)

// Admin bundles the collaborators every admin-surface handler needs. It
// has no txservice.Service of its own: every admin operation either reads
// straight from the store or goes through a dedicated repository method
// (CreateSchedule, EnqueueTask, CancelTask, ...) that doesn't need the
// engine's claim/complete transactional seam, and ManualRun deliberately
// bypasses Task/Run bookkeeping entirely.
type Admin struct {
	store    *repository.Store
	handlers *registry.HandlerRegistry
	engine   *engine.Engine
	logger   *slog.Logger
}

func NewAdmin(store *repository.Store, handlers *registry.HandlerRegistry, eng *engine.Engine, logger *slog.Logger) *Admin {
	return &Admin{
		store:    store,
		handlers: handlers,
		engine:   eng,
		logger:   logger.With("component", "admin_handler"),
	}
}
