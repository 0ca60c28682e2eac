package testsupport

import (
	"context"
	"testing"

	"framewise/internal/config"
	"framewise/internal/jobs"
)

// MustOpenStore opens a jobs.Store for tests and registers cleanup.
func MustOpenStore(t testing.TB, cfg *config.Config) *jobs.Store {
	t.Helper()

	store, err := jobs.Open(context.Background(), cfg)
	if err != nil {
		t.Fatalf("jobs.Open: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

// NewJob creates and persists a fresh job record for tests.
func NewJob(t testing.TB, store *jobs.Store, id, inputRef string) *jobs.Job {
	t.Helper()

	job := jobs.NewJob(id, inputRef, "sample.mp4", "media_enhance")
	if err := store.Create(context.Background(), job); err != nil {
		t.Fatalf("store.Create: %v", err)
	}
	return job
}
