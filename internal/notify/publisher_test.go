package notify_test

import (
	"context"
	"testing"

	"framewise/internal/jobs"
	"framewise/internal/notify"
	"framewise/internal/testsupport"
)

type recordingPush struct {
	completed []string
	failed    []string
}

func (r *recordingPush) NotifyJobAccepted(context.Context, string, string) error { return nil }

func (r *recordingPush) NotifyJobCompleted(_ context.Context, jobID, _ string) error {
	r.completed = append(r.completed, jobID)
	return nil
}

func (r *recordingPush) NotifyJobFailed(_ context.Context, jobID, _, _ string) error {
	r.failed = append(r.failed, jobID)
	return nil
}

func (r *recordingPush) TestNotification(context.Context) error { return nil }

func TestPublisherPersistsBeforeBroadcast(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	hub := notify.NewHub(8)
	pub := notify.NewPublisher(store, hub, nil, nil)

	ctx := context.Background()
	job := testsupport.NewJob(t, store, "job-1", "/tmp/staging/job-1/input.mp4")
	job.Status = jobs.StatusStarted
	job.StatusMessage = "Extracting frames"
	if err := job.AdvanceStage(jobs.StageExtract); err != nil {
		t.Fatalf("AdvanceStage failed: %v", err)
	}

	if err := pub.Publish(ctx, job); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	// The broadcast snapshot and the stored record agree.
	snap, ok := hub.Latest(job.ID)
	if !ok {
		t.Fatal("expected a broadcast snapshot")
	}
	stored, err := store.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if snap.Stage != stored.Stage || snap.Status != stored.Status || snap.StatusMessage != stored.StatusMessage {
		t.Fatalf("snapshot diverges from store: %+v vs %+v", snap, stored)
	}
}

func TestPublisherRejectsInvalidRecordWithoutBroadcast(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	hub := notify.NewHub(8)
	pub := notify.NewPublisher(store, hub, nil, nil)

	job := testsupport.NewJob(t, store, "job-1", "/tmp/staging/job-1/input.mp4")
	job.Progress = jobs.Metrics{
		jobs.MetricTotalFrames:    10,
		jobs.MetricAnalyzedFrames: 20,
	}

	if err := pub.Publish(context.Background(), job); err == nil {
		t.Fatal("expected invalid record to be rejected")
	}
	if _, ok := hub.Latest(job.ID); ok {
		t.Fatal("rejected write must not broadcast")
	}
}

func TestPublisherPushesOnTerminal(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	hub := notify.NewHub(8)
	push := &recordingPush{}
	pub := notify.NewPublisher(store, hub, push, nil)

	ctx := context.Background()
	success := testsupport.NewJob(t, store, "job-1", "/tmp/staging/job-1/input.mp4")
	success.SetSucceeded("/tmp/out/reconstructed.mp4")
	if err := pub.Publish(ctx, success); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	failed := testsupport.NewJob(t, store, "job-2", "/tmp/staging/job-2/input.mp4")
	failed.SetFailed("soft_timeout", "Processing exceeded the time limit")
	if err := pub.Publish(ctx, failed); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	if len(push.completed) != 1 || push.completed[0] != "job-1" {
		t.Fatalf("unexpected completion pushes: %v", push.completed)
	}
	if len(push.failed) != 1 || push.failed[0] != "job-2" {
		t.Fatalf("unexpected failure pushes: %v", push.failed)
	}
}
