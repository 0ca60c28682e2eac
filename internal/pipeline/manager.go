package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"framewise/internal/broker"
	"framewise/internal/config"
	"framewise/internal/jobs"
	"framewise/internal/logging"
	"framewise/internal/notify"
	"framewise/internal/stage"
)

// Manager runs the worker pool that drains the dispatch queue and the
// supervisor that enforces the hard timeout.
type Manager struct {
	cfg       *config.Config
	store     *jobs.Store
	broker    *broker.Broker
	publisher *notify.Publisher
	executor  *Executor
	handlers  map[jobs.Stage]stage.Handler
	logger    *slog.Logger

	pollInterval       time.Duration
	errorRetryInterval time.Duration
	supervisorInterval time.Duration
	heartbeatTimeout   time.Duration

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewManager constructs the pipeline manager.
func NewManager(cfg *config.Config, store *jobs.Store, b *broker.Broker, publisher *notify.Publisher, handlers map[jobs.Stage]stage.Handler, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Manager{
		cfg:                cfg,
		store:              store,
		broker:             b,
		publisher:          publisher,
		executor:           NewExecutor(cfg, store, publisher, handlers, logger),
		handlers:           handlers,
		logger:             logging.NewComponentLogger(logger, "pipeline"),
		pollInterval:       time.Duration(cfg.Workflow.QueuePollInterval) * time.Second,
		errorRetryInterval: time.Duration(cfg.Workflow.ErrorRetryInterval) * time.Second,
		supervisorInterval: time.Duration(cfg.Workflow.SupervisorInterval) * time.Second,
		heartbeatTimeout:   time.Duration(cfg.Workflow.HeartbeatTimeout) * time.Second,
	}
}

// Start launches the workers and the supervisor. It returns immediately.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return errors.New("pipeline already running")
	}

	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.running = true

	workers := m.cfg.Pipeline.Workers
	if workers < 1 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		m.wg.Add(1)
		go m.workerLoop(runCtx, i)
	}
	m.wg.Add(1)
	go m.supervisorLoop(runCtx)

	m.logger.Info("pipeline started", logging.Int("workers", workers))
	return nil
}

// Stop cancels all loops and waits for in-flight work to wind down.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	cancel := m.cancel
	m.mu.Unlock()

	cancel()
	m.wg.Wait()
	m.logger.Info("pipeline stopped")
}

// Running reports whether the manager has been started.
func (m *Manager) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

func (m *Manager) workerLoop(ctx context.Context, id int) {
	defer m.wg.Done()
	logger := m.logger.With(logging.Int("worker", id))

	for {
		if err := ctx.Err(); err != nil {
			return
		}
		delivery, err := m.broker.Claim(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error("claim failed", logging.Error(err))
			if !sleepCtx(ctx, m.errorRetryInterval) {
				return
			}
			continue
		}
		if delivery == nil {
			if !sleepCtx(ctx, m.pollInterval) {
				return
			}
			continue
		}

		m.handleDelivery(ctx, logger, *delivery)
	}
}

// handleDelivery runs the executor and settles the message. Duplicate
// deliveries are settled without redelivery; infrastructure errors push the
// message back for another attempt.
func (m *Manager) handleDelivery(ctx context.Context, logger *slog.Logger, delivery broker.Delivery) {
	err := m.executor.Process(ctx, delivery)
	switch {
	case err == nil,
		errors.Is(err, jobs.ErrAlreadyOwned),
		errors.Is(err, jobs.ErrNotFound):
		if ackErr := m.broker.Ack(context.WithoutCancel(ctx), delivery.MessageID); ackErr != nil {
			logger.Error("ack failed", logging.Error(ackErr))
		}
	default:
		logger.Error("delivery processing failed",
			logging.String(logging.FieldJobID, delivery.JobID),
			logging.Error(err))
		if nackErr := m.broker.Nack(context.WithoutCancel(ctx), delivery.MessageID); nackErr != nil {
			logger.Error("nack failed", logging.Error(nackErr))
		}
	}
}

func (m *Manager) supervisorLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.supervisorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.enforceHardTimeout(ctx, time.Now()); err != nil && ctx.Err() == nil {
				m.logger.Error("hard timeout sweep failed", logging.Error(err))
			}
			if err := m.enforceHeartbeatTimeout(ctx, time.Now()); err != nil && ctx.Err() == nil {
				m.logger.Error("heartbeat sweep failed", logging.Error(err))
			}
		}
	}
}

// enforceHardTimeout fails every job whose delivery outlived the hard
// deadline. The hard timeout always wins: even if a worker is still
// grinding, observers see FAILURE with the hard_timeout reason.
func (m *Manager) enforceHardTimeout(ctx context.Context, now time.Time) error {
	expired, err := m.broker.ReclaimExpired(ctx, now)
	if err != nil {
		return err
	}
	for _, delivery := range expired {
		failed, err := m.store.FailIfRunning(ctx, delivery.JobID, "hard_timeout",
			"Processing exceeded the hard time limit")
		if err != nil {
			return fmt.Errorf("enforce hard timeout for job %s: %w", delivery.JobID, err)
		}
		if !failed {
			continue
		}
		job, err := m.store.Get(ctx, delivery.JobID)
		if err != nil {
			m.logger.Warn("reclaimed job vanished",
				logging.String(logging.FieldJobID, delivery.JobID),
				logging.Error(err))
			continue
		}
		m.publisher.Announce(job)
		m.logger.Warn("hard timeout enforced",
			logging.String(logging.FieldJobID, delivery.JobID),
			logging.Int("deliveries", delivery.Deliveries))
	}
	return nil
}

// enforceHeartbeatTimeout fails STARTED jobs whose worker stopped refreshing
// the heartbeat. A worker that crashed after claiming never persists a
// terminal record, and its redelivery is settled as a duplicate, so without
// this sweep the job would stay STARTED forever.
func (m *Manager) enforceHeartbeatTimeout(ctx context.Context, now time.Time) error {
	ids, err := m.store.ReclaimStale(ctx, now.Add(-m.heartbeatTimeout))
	if err != nil {
		return err
	}
	for _, id := range ids {
		job, err := m.store.Get(ctx, id)
		if err != nil {
			m.logger.Warn("stale job vanished",
				logging.String(logging.FieldJobID, id),
				logging.Error(err))
			continue
		}
		m.publisher.Announce(job)
		m.logger.Warn("heartbeat timeout enforced",
			logging.String(logging.FieldJobID, id))
	}
	return nil
}

// Health aggregates the readiness of every registered stage handler.
func (m *Manager) Health(ctx context.Context) []stage.Health {
	checks := make([]stage.Health, 0, len(executionStages))
	for _, st := range executionStages {
		handler, ok := m.handlers[st]
		if !ok {
			checks = append(checks, stage.Unhealthy(string(st), "handler not registered"))
			continue
		}
		checks = append(checks, handler.HealthCheck(ctx))
	}
	return checks
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		d = time.Second
	}
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
