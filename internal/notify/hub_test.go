package notify_test

import (
	"context"
	"testing"
	"time"

	"framewise/internal/jobs"
	"framewise/internal/notify"
)

func snap(jobID string, status jobs.Status, message string) notify.Snapshot {
	return notify.Snapshot{
		JobID:         jobID,
		Stage:         jobs.StageAnalyze,
		Status:        status,
		StatusMessage: message,
		Timestamp:     time.Now().UTC(),
	}
}

func TestHubDeliversInPublicationOrder(t *testing.T) {
	hub := notify.NewHub(8)
	hub.Publish(snap("job-1", jobs.StatusPending, "first"))
	hub.Publish(snap("job-1", jobs.StatusStarted, "second"))
	hub.Publish(snap("job-1", jobs.StatusStarted, "third"))

	events, next, err := hub.Fetch(context.Background(), "job-1", 0, false)
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if len(events) != 3 || next != 3 {
		t.Fatalf("unexpected fetch result: %d events, next=%d", len(events), next)
	}
	for i, want := range []string{"first", "second", "third"} {
		if events[i].StatusMessage != want {
			t.Fatalf("event %d = %q, want %q", i, events[i].StatusMessage, want)
		}
		if events[i].Sequence != uint64(i+1) {
			t.Fatalf("event %d sequence = %d", i, events[i].Sequence)
		}
	}

	// Cursor resumes after the last seen event.
	hub.Publish(snap("job-1", jobs.StatusSuccess, "fourth"))
	events, _, err = hub.Fetch(context.Background(), "job-1", next, false)
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if len(events) != 1 || events[0].StatusMessage != "fourth" {
		t.Fatalf("unexpected resumed events: %+v", events)
	}
}

func TestHubIsolatesJobs(t *testing.T) {
	hub := notify.NewHub(8)
	hub.Publish(snap("job-1", jobs.StatusStarted, "one"))
	hub.Publish(snap("job-2", jobs.StatusStarted, "two"))

	events, _, err := hub.Fetch(context.Background(), "job-2", 0, false)
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if len(events) != 1 || events[0].JobID != "job-2" {
		t.Fatalf("expected only job-2 events, got %+v", events)
	}
}

func TestHubSlowSubscriberLosesOnlyOldest(t *testing.T) {
	hub := notify.NewHub(4)
	for i := 0; i < 10; i++ {
		hub.Publish(snap("job-1", jobs.StatusStarted, "update"))
	}

	// A subscriber that never caught up sees only the retained window, in
	// order, and publication was never blocked.
	events, next, err := hub.Fetch(context.Background(), "job-1", 0, false)
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if len(events) != 4 {
		t.Fatalf("expected retained window of 4, got %d", len(events))
	}
	if events[0].Sequence != 7 || next != 10 {
		t.Fatalf("unexpected window: first=%d next=%d", events[0].Sequence, next)
	}
}

func TestHubFetchWaitsForNextEvent(t *testing.T) {
	hub := notify.NewHub(8)

	done := make(chan []notify.Snapshot, 1)
	go func() {
		events, _, _ := hub.Fetch(context.Background(), "job-1", 0, true)
		done <- events
	}()

	time.Sleep(20 * time.Millisecond)
	hub.Publish(snap("job-1", jobs.StatusStarted, "arrived"))

	select {
	case events := <-done:
		if len(events) != 1 || events[0].StatusMessage != "arrived" {
			t.Fatalf("unexpected awaited events: %+v", events)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Fetch did not wake on publish")
	}
}

func TestHubFetchHonorsContext(t *testing.T) {
	hub := notify.NewHub(8)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, _, err := hub.Fetch(ctx, "job-1", 0, true)
	if err == nil {
		t.Fatal("expected context error from blocked fetch")
	}
}

func TestHubLatestAndDrop(t *testing.T) {
	hub := notify.NewHub(8)
	hub.Publish(snap("job-1", jobs.StatusStarted, "progress"))
	hub.Publish(snap("job-1", jobs.StatusSuccess, "done"))

	latest, ok := hub.Latest("job-1")
	if !ok || latest.StatusMessage != "done" {
		t.Fatalf("unexpected latest: (%+v, %v)", latest, ok)
	}

	hub.Drop("job-1")
	if _, ok := hub.Latest("job-1"); ok {
		t.Fatal("expected stream to be dropped")
	}
}
