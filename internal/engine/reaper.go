package engine

import (
	"context"
	"time"

	"github.com/opsbatch/scheduler/internal/metrics"
)

// StartHeartbeatRefresh keeps claimed tasks visibly alive: a ticker walks
// the running set — taskIDs currently executing on this process — and
// refreshes each one's heartbeat, so a long-running handler never looks
// stale to the reaper below while it is genuinely still executing.
func (e *Engine) StartHeartbeatRefresh(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.refreshHeartbeats(ctx)
		}
	}
}

func (e *Engine) refreshHeartbeats(ctx context.Context) {
	e.running.Range(func(key, _ any) bool {
		taskID := key.(int64)
		if err := e.svc.MarkHeartbeat(ctx, taskID); err != nil {
			e.logger.Warn("heartbeat refresh failed", "task_id", taskID, "error", err)
		}
		return true
	})
}

// Reaper is a periodic sweep that reclaims RUNNING tasks whose heartbeat
// has gone stale — the worker process that claimed them died, panicked
// past recovery, or was killed — back to PENDING (retry budget allowing)
// or terminal FAILED (exhausted).
type Reaper struct {
	svc              heartbeatReclaimer
	logger           logger
	interval         time.Duration
	heartbeatTimeout time.Duration
	batchLimit       int
}

type heartbeatReclaimer interface {
	ReclaimStale(ctx context.Context, cutoff time.Time, limit int) (rescheduled, failed int, err error)
}

type logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}

func NewReaper(svc heartbeatReclaimer, log logger, interval, heartbeatTimeout time.Duration, batchLimit int) *Reaper {
	return &Reaper{
		svc:              svc,
		logger:           log,
		interval:         interval,
		heartbeatTimeout: heartbeatTimeout,
		batchLimit:       batchLimit,
	}
}

func (r *Reaper) Start(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info("reaper started", "interval", r.interval, "heartbeat_timeout", r.heartbeatTimeout)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.reap(ctx)
		}
	}
}

func (r *Reaper) reap(ctx context.Context) {
	start := time.Now()
	defer func() {
		metrics.ReaperCycleDuration.Observe(time.Since(start).Seconds())
	}()

	cutoff := time.Now().Add(-r.heartbeatTimeout)
	rescheduled, failed, err := r.svc.ReclaimStale(ctx, cutoff, r.batchLimit)
	if err != nil {
		r.logger.Error("reaper cycle failed", "error", err)
		return
	}
	if rescheduled > 0 {
		metrics.ReaperRescuedTotal.WithLabelValues("rescheduled").Add(float64(rescheduled))
	}
	if failed > 0 {
		metrics.ReaperRescuedTotal.WithLabelValues("failed").Add(float64(failed))
	}
}
