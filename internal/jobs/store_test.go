package jobs_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"framewise/internal/jobs"
	"framewise/internal/testsupport"
)

func TestOpenCreatesSchemaAndRoundTrips(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)

	ctx := context.Background()
	job := testsupport.NewJob(t, store, "job-1", "/tmp/staging/job-1/input.mp4")

	fetched, err := store.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if fetched.Status != jobs.StatusPending || fetched.Stage != jobs.StageInit {
		t.Fatalf("unexpected fetched job: %+v", fetched)
	}
	if fetched.CreatedAt.IsZero() || fetched.UpdatedAt.IsZero() {
		t.Fatalf("timestamps not persisted: %+v", fetched)
	}
}

func TestGetUnknownReturnsNotFound(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)

	if _, err := store.Get(context.Background(), "missing"); !errors.Is(err, jobs.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPutReplacesFullRecord(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)

	ctx := context.Background()
	job := testsupport.NewJob(t, store, "job-1", "/tmp/staging/job-1/input.mp4")

	job.Status = jobs.StatusStarted
	if err := job.AdvanceStage(jobs.StageAnalyze); err != nil {
		t.Fatalf("AdvanceStage failed: %v", err)
	}
	job.StatusMessage = "Analyzing frame 40/100"
	job.MergeProgress(jobs.Metrics{
		jobs.MetricTotalFrames:    100,
		jobs.MetricAnalyzedFrames: 40,
		jobs.MetricBlurryCount:    5,
		jobs.MetricDarkCount:      10,
		jobs.MetricGoodCount:      25,
		jobs.MetricCurrentFrame:   40,
	})
	if err := store.Put(ctx, job); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	fetched, err := store.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if fetched.Stage != jobs.StageAnalyze || fetched.Status != jobs.StatusStarted {
		t.Fatalf("unexpected record: %+v", fetched)
	}
	if fetched.Progress[jobs.MetricGoodCount] != 25 {
		t.Fatalf("progress not persisted: %v", fetched.Progress)
	}
}

func TestPutRejectsInvalidProgress(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)

	ctx := context.Background()
	job := testsupport.NewJob(t, store, "job-1", "/tmp/staging/job-1/input.mp4")
	job.Progress = jobs.Metrics{
		jobs.MetricTotalFrames:    10,
		jobs.MetricAnalyzedFrames: 20,
	}
	if err := store.Put(ctx, job); !errors.Is(err, jobs.ErrInvalidRecord) {
		t.Fatalf("expected ErrInvalidRecord, got %v", err)
	}
}

func TestMarkStartedClaimSemantics(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)

	ctx := context.Background()
	job := testsupport.NewJob(t, store, "job-1", "/tmp/staging/job-1/input.mp4")

	if err := store.MarkStarted(ctx, job.ID, "epoch-a"); err != nil {
		t.Fatalf("first claim failed: %v", err)
	}
	// Redelivery under the same epoch is a no-op.
	if err := store.MarkStarted(ctx, job.ID, "epoch-a"); err != nil {
		t.Fatalf("same-epoch reclaim failed: %v", err)
	}
	// A different epoch must not steal the job.
	if err := store.MarkStarted(ctx, job.ID, "epoch-b"); !errors.Is(err, jobs.ErrAlreadyOwned) {
		t.Fatalf("expected ErrAlreadyOwned, got %v", err)
	}
	if err := store.MarkStarted(ctx, "missing", "epoch-a"); !errors.Is(err, jobs.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	fetched, err := store.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if fetched.Status != jobs.StatusStarted || fetched.ClaimEpoch != "epoch-a" {
		t.Fatalf("unexpected claim state: %+v", fetched)
	}
	if fetched.LastHeartbeat == nil {
		t.Fatal("claim should initialize heartbeat")
	}
}

func TestFailIfRunning(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)

	ctx := context.Background()
	job := testsupport.NewJob(t, store, "job-1", "/tmp/staging/job-1/input.mp4")
	if err := store.MarkStarted(ctx, job.ID, "epoch-a"); err != nil {
		t.Fatalf("MarkStarted failed: %v", err)
	}

	failed, err := store.FailIfRunning(ctx, job.ID, "hard_timeout", "Processing exceeded the hard time limit")
	if err != nil {
		t.Fatalf("FailIfRunning failed: %v", err)
	}
	if !failed {
		t.Fatal("expected running job to be failed")
	}

	// A terminal job cannot be failed again.
	failed, err = store.FailIfRunning(ctx, job.ID, "hard_timeout", "duplicate enforcement")
	if err != nil {
		t.Fatalf("second FailIfRunning failed: %v", err)
	}
	if failed {
		t.Fatal("terminal job must not transition again")
	}

	fetched, err := store.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if fetched.FailureReason != "hard_timeout" || fetched.Status != jobs.StatusFailure {
		t.Fatalf("unexpected failure record: %+v", fetched)
	}
}

func TestListFiltersAndOrders(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)

	ctx := context.Background()
	first := testsupport.NewJob(t, store, "job-1", "/tmp/staging/job-1/input.mp4")
	second := testsupport.NewJob(t, store, "job-2", "/tmp/staging/job-2/input.mp4")
	if err := store.MarkStarted(ctx, second.ID, "epoch-a"); err != nil {
		t.Fatalf("MarkStarted failed: %v", err)
	}

	pending, err := store.List(ctx, jobs.StatusPending)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != first.ID {
		t.Fatalf("unexpected pending jobs: %+v", pending)
	}

	all, err := store.List(ctx)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 jobs, got %d", len(all))
	}
}

func TestRetryFailedSubmitsFreshJob(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)

	ctx := context.Background()
	job := testsupport.NewJob(t, store, "job-1", "/tmp/staging/job-1/input.mp4")
	if _, err := store.FailIfRunning(ctx, job.ID, "stage_execution", "frame extraction failed"); err != nil {
		t.Fatalf("FailIfRunning failed: %v", err)
	}

	ids, err := store.RetryFailed(ctx)
	if err != nil {
		t.Fatalf("RetryFailed failed: %v", err)
	}
	if len(ids) != 1 {
		t.Fatalf("unexpected retried ids: %v", ids)
	}
	// FAILURE is terminal: the retry runs under a new id, never the old one.
	if ids[0] == job.ID {
		t.Fatalf("retry reused the terminal id %s", job.ID)
	}

	clone, err := store.Get(ctx, ids[0])
	if err != nil {
		t.Fatalf("Get clone failed: %v", err)
	}
	if clone.Status != jobs.StatusPending || clone.Stage != jobs.StageInit {
		t.Fatalf("clone does not start fresh: %+v", clone)
	}
	if clone.InputRef != job.InputRef || clone.QueueName != job.QueueName {
		t.Fatalf("clone lost submission fields: %+v", clone)
	}
	if clone.FailureReason != "" || clone.ErrorMessage != "" {
		t.Fatalf("clone carried failure fields: %+v", clone)
	}
	if _, err := store.Get(ctx, job.ID); !errors.Is(err, jobs.ErrNotFound) {
		t.Fatalf("superseded record should be gone, got %v", err)
	}
}

func TestReclaimStaleFailsStalledJobs(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)

	ctx := context.Background()
	stalled := testsupport.NewJob(t, store, "job-1", "/tmp/staging/job-1/input.mp4")
	if err := store.MarkStarted(ctx, stalled.ID, "epoch-a"); err != nil {
		t.Fatalf("MarkStarted failed: %v", err)
	}
	pending := testsupport.NewJob(t, store, "job-2", "/tmp/staging/job-2/input.mp4")

	// Nothing is stale yet.
	ids, err := store.ReclaimStale(ctx, time.Now().Add(-time.Minute))
	if err != nil {
		t.Fatalf("ReclaimStale failed: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("fresh heartbeat reclaimed: %v", ids)
	}

	ids, err = store.ReclaimStale(ctx, time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("ReclaimStale failed: %v", err)
	}
	if len(ids) != 1 || ids[0] != stalled.ID {
		t.Fatalf("unexpected reclaimed ids: %v", ids)
	}

	fetched, err := store.Get(ctx, stalled.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if fetched.Status != jobs.StatusFailure || fetched.FailureReason != "heartbeat_timeout" {
		t.Fatalf("stalled job not failed: %+v", fetched)
	}

	// PENDING jobs have no heartbeat and are never swept.
	untouched, err := store.Get(ctx, pending.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if untouched.Status != jobs.StatusPending {
		t.Fatalf("pending job swept: %+v", untouched)
	}
}

func TestClearByStatus(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)

	ctx := context.Background()
	success := testsupport.NewJob(t, store, "job-1", "/tmp/staging/job-1/input.mp4")
	success.SetSucceeded("/tmp/out/reconstructed.mp4")
	if err := store.Put(ctx, success); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	failed := testsupport.NewJob(t, store, "job-2", "/tmp/staging/job-2/input.mp4")
	if _, err := store.FailIfRunning(ctx, failed.ID, "validation", "unsupported container"); err != nil {
		t.Fatalf("FailIfRunning failed: %v", err)
	}

	removed, err := store.ClearCompleted(ctx)
	if err != nil || removed != 1 {
		t.Fatalf("ClearCompleted = (%d, %v)", removed, err)
	}
	removed, err = store.ClearFailed(ctx)
	if err != nil || removed != 1 {
		t.Fatalf("ClearFailed = (%d, %v)", removed, err)
	}

	stats, err := store.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if len(stats) != 0 {
		t.Fatalf("expected empty stats, got %v", stats)
	}
}
