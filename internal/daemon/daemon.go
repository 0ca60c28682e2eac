// Package daemon wires the long-running services together: the job store,
// dispatch broker, pipeline manager, and the HTTP gateway. A file lock in the
// log directory enforces a single instance per machine.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"

	"framewise/internal/api"
	"framewise/internal/broker"
	"framewise/internal/config"
	"framewise/internal/jobs"
	"framewise/internal/logging"
	"framewise/internal/media"
	"framewise/internal/notify"
	"framewise/internal/pipeline"
)

// Daemon owns the background services and enforces single-instance execution.
type Daemon struct {
	cfg       *config.Config
	logger    *slog.Logger
	store     *jobs.Store
	broker    *broker.Broker
	publisher *notify.Publisher
	manager   *pipeline.Manager
	server    *http.Server
	listener  net.Listener

	lockPath string
	lock     *flock.Flock

	running atomic.Bool
	cancel  context.CancelFunc
}

// New constructs a daemon with all dependencies initialized but not started.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Daemon, error) {
	if cfg == nil {
		return nil, errors.New("daemon requires configuration")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, err
	}

	store, err := jobs.Open(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open job store: %w", err)
	}

	b := broker.New(store, cfg, logger)
	publisher := notify.NewPublisher(store, notify.NewHub(0), notify.NewService(cfg), logger)
	handlers := media.NewHandlers(cfg, logger)
	manager := pipeline.NewManager(cfg, store, b, publisher, handlers, logger)
	gateway := api.NewServer(cfg, store, b, publisher, manager, logger)

	lockPath := filepath.Join(cfg.Paths.LogDir, "framewised.lock")
	return &Daemon{
		cfg:       cfg,
		logger:    logging.NewComponentLogger(logger, "daemon"),
		store:     store,
		broker:    b,
		publisher: publisher,
		manager:   manager,
		server: &http.Server{
			Handler:           gateway.Router(),
			ReadHeaderTimeout: 5 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		lockPath: lockPath,
		lock:     flock.New(lockPath),
	}, nil
}

// Start acquires the instance lock, launches the pipeline, and begins
// serving the API.
func (d *Daemon) Start(ctx context.Context) error {
	if d.running.Load() {
		return errors.New("daemon already running")
	}

	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return errors.New("another framewise daemon instance is already running")
	}

	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	if err := d.manager.Start(runCtx); err != nil {
		cancel()
		d.cancel = nil
		_ = d.lock.Unlock()
		return fmt.Errorf("start pipeline: %w", err)
	}

	listener, err := net.Listen("tcp", d.cfg.Paths.APIBind)
	if err != nil {
		d.manager.Stop()
		cancel()
		d.cancel = nil
		_ = d.lock.Unlock()
		return fmt.Errorf("api listen: %w", err)
	}
	d.listener = listener

	go func() {
		if err := d.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			d.logger.Error("api server error", logging.Error(err))
		}
	}()

	d.running.Store(true)
	d.logger.Info("framewise daemon started",
		logging.String("address", listener.Addr().String()),
		logging.String("lock", d.lockPath))
	return nil
}

// Addr returns the bound API address, or empty before Start.
func (d *Daemon) Addr() string {
	if d.listener == nil {
		return ""
	}
	return d.listener.Addr().String()
}

// Running reports whether the daemon has been started.
func (d *Daemon) Running() bool {
	return d.running.Load()
}

// Stop shuts down the API, drains the pipeline, and releases the lock.
func (d *Daemon) Stop() {
	if !d.running.Load() {
		return
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	if err := d.server.Shutdown(shutdownCtx); err != nil {
		d.logger.Warn("api shutdown incomplete", logging.Error(err))
	}
	d.listener = nil

	d.manager.Stop()
	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	if err := d.lock.Unlock(); err != nil {
		d.logger.Warn("failed to release daemon lock", logging.Error(err))
	}
	d.running.Store(false)
	d.logger.Info("framewise daemon stopped")
}

// Close stops the daemon and releases the job store.
func (d *Daemon) Close() error {
	d.Stop()
	if d.store != nil {
		return d.store.Close()
	}
	return nil
}

// Store exposes the job store for in-process callers.
func (d *Daemon) Store() *jobs.Store {
	return d.store
}
