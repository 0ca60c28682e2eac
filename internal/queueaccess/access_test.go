package queueaccess_test

import (
	"context"
	"errors"
	"testing"

	"framewise/internal/broker"
	"framewise/internal/jobs"
	"framewise/internal/queueaccess"
	"framewise/internal/services"
	"framewise/internal/testsupport"
)

func newStoreAccess(t *testing.T) (queueaccess.Access, *jobs.Store, *broker.Broker) {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	b := broker.New(store, cfg, nil)
	return queueaccess.NewStoreAccess(store, b), store, b
}

func TestStoreAccessStatsAndList(t *testing.T) {
	access, store, b := newStoreAccess(t)
	ctx := context.Background()

	testsupport.NewJob(t, store, "task-a", "/tmp/a.mp4")
	testsupport.NewJob(t, store, "task-b", "/tmp/b.mp4")
	if err := b.Enqueue(ctx, "task-a", "/tmp/a.mp4"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	stats, err := access.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 2 || stats.Depth != 1 {
		t.Fatalf("stats = %+v", stats)
	}

	list, err := access.List(ctx, "PENDING")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("list length = %d", len(list))
	}

	if _, err := access.List(ctx, "bogus"); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("invalid state error = %v", err)
	}
}

func TestStoreAccessRetryFailedRedispatches(t *testing.T) {
	access, store, b := newStoreAccess(t)
	ctx := context.Background()

	job := testsupport.NewJob(t, store, "task-retry", "/tmp/r.mp4")
	job.SetFailed("stage_execution", "boom")
	if err := store.Put(ctx, job); err != nil {
		t.Fatalf("put: %v", err)
	}

	retried, err := access.RetryFailed(ctx)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if retried != 1 {
		t.Fatalf("retried = %d", retried)
	}
	depth, err := b.Depth(ctx)
	if err != nil {
		t.Fatalf("depth: %v", err)
	}
	if depth != 1 {
		t.Fatalf("depth = %d, want 1", depth)
	}
	// The retry runs as a fresh submission, not under the terminal id.
	if _, err := store.Get(ctx, "task-retry"); !errors.Is(err, jobs.ErrNotFound) {
		t.Fatalf("superseded record should be gone, got %v", err)
	}
	pending, err := store.List(ctx, jobs.StatusPending)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(pending) != 1 || pending[0].ID == "task-retry" {
		t.Fatalf("unexpected pending jobs: %+v", pending)
	}
}

func TestStoreAccessStatusUnknown(t *testing.T) {
	access, _, _ := newStoreAccess(t)

	_, err := access.Status(context.Background(), "missing")
	if !errors.Is(err, jobs.ErrNotFound) {
		t.Fatalf("error = %v, want ErrNotFound", err)
	}
}
