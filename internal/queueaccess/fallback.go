package queueaccess

import (
	"context"
	"fmt"
	"time"

	"framewise/internal/broker"
	"framewise/internal/client"
	"framewise/internal/config"
	"framewise/internal/jobs"
)

// Session represents a queue access handle and its cleanup function.
type Session struct {
	Access Access
	close  func() error
}

// Close releases resources associated with the session.
func (s Session) Close() error {
	if s.close == nil {
		return nil
	}
	return s.close()
}

// Open returns daemon-backed access when one answers on the configured bind
// address, and direct store access otherwise. Direct access opens the SQLite
// store read-write, so it must only be used while no daemon is running.
func Open(ctx context.Context, cfg *config.Config) (Session, error) {
	c := client.New(cfg)
	probeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if _, err := c.Health(probeCtx); err == nil {
		return Session{Access: NewAPIAccess(c)}, nil
	}

	store, err := jobs.Open(ctx, cfg)
	if err != nil {
		return Session{}, fmt.Errorf("open job store: %w", err)
	}
	return Session{
		Access: NewStoreAccess(store, broker.New(store, cfg, nil)),
		close:  store.Close,
	}, nil
}
