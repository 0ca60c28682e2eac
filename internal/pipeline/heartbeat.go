package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"framewise/internal/jobs"
	"framewise/internal/logging"
)

// HeartbeatMonitor keeps the liveness timestamp of a running job fresh.
type HeartbeatMonitor struct {
	store    *jobs.Store
	logger   *slog.Logger
	interval time.Duration
}

// NewHeartbeatMonitor creates a new monitor.
func NewHeartbeatMonitor(store *jobs.Store, logger *slog.Logger, interval time.Duration) *HeartbeatMonitor {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &HeartbeatMonitor{
		store:    store,
		logger:   logging.NewComponentLogger(logger, "pipeline-heartbeat"),
		interval: interval,
	}
}

// StartLoop runs a heartbeat updater for a specific job until context
// cancellation.
func (h *HeartbeatMonitor) StartLoop(ctx context.Context, wg *sync.WaitGroup, jobID string) {
	defer wg.Done()
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	logger := logging.WithContext(ctx, h.logger)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := h.store.UpdateHeartbeat(ctx, jobID); err != nil {
				if errors.Is(err, context.Canceled) {
					logger.Info("shutdown in progress, heartbeat update cancelled")
				} else {
					logger.Warn("heartbeat update failed",
						logging.String(logging.FieldJobID, jobID),
						logging.Error(err))
				}
			}
		}
	}
}
