package workflow

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"fathom/internal/logging"
	"fathom/internal/store"
)

// HeartbeatMonitor keeps claimed jobs visibly alive and rolls abandoned ones
// back to the head of their stage.
type HeartbeatMonitor struct {
	store             *store.Store
	logger            *slog.Logger
	heartbeatInterval time.Duration
	heartbeatTimeout  time.Duration
}

// NewHeartbeatMonitor creates a new monitor.
func NewHeartbeatMonitor(st *store.Store, logger *slog.Logger, interval, timeout time.Duration) *HeartbeatMonitor {
	return &HeartbeatMonitor{
		store:             st,
		logger:            logger,
		heartbeatInterval: interval,
		heartbeatTimeout:  timeout,
	}
}

// RequeueStale finds in-flight jobs whose heartbeat expired and returns them
// to ready state so another worker can claim them. Returns the requeued ids.
func (h *HeartbeatMonitor) RequeueStale(ctx context.Context, logger *slog.Logger) ([]string, error) {
	if h.heartbeatTimeout <= 0 {
		return nil, nil
	}
	cutoff := time.Now().Add(-h.heartbeatTimeout)
	ids, err := h.store.RequeueStaleJobs(ctx, cutoff)
	if err != nil {
		return nil, err
	}
	if len(ids) > 0 {
		logger.Info("requeued stale jobs", logging.Int("count", len(ids)))
	}
	return ids, nil
}

// StartLoop runs a heartbeat updater for a specific job until context cancellation.
func (h *HeartbeatMonitor) StartLoop(ctx context.Context, wg *sync.WaitGroup, jobID string) {
	defer wg.Done()
	interval := h.heartbeatInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	base := h.logger
	if base == nil {
		base = logging.NewNop()
	}
	logger := logging.WithContext(ctx, base.With(logging.String(logging.FieldComponent, "workflow-heartbeat")))

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := h.store.UpdateHeartbeat(ctx, jobID); err != nil {
				if errors.Is(err, context.Canceled) {
					logger.Info("daemon shutting down, heartbeat update cancelled")
				} else {
					logger.Warn("heartbeat update failed", logging.Error(err))
				}
			}
		}
	}
}
