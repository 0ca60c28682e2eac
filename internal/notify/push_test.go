package notify_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"framewise/internal/config"
	"framewise/internal/notify"
)

func TestNewServiceReturnsNoopWhenTopicMissing(t *testing.T) {
	cfg := config.Default()
	cfg.Notifications.NtfyTopic = ""
	svc := notify.NewService(&cfg)
	if err := svc.NotifyJobCompleted(context.Background(), "job-1", "/tmp/out.mp4"); err != nil {
		t.Fatalf("expected noop notifier to return nil, got %v", err)
	}
}

func TestNtfyServiceFormatsRequests(t *testing.T) {
	type captured struct {
		title    string
		message  string
		tags     string
		priority string
	}
	var got captured
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		got = captured{
			title:    r.Header.Get("Title"),
			message:  string(body),
			tags:     r.Header.Get("Tags"),
			priority: r.Header.Get("Priority"),
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	cfg := config.Default()
	cfg.Notifications.NtfyTopic = server.URL
	svc := notify.NewService(&cfg)

	if err := svc.NotifyJobFailed(context.Background(), "job-1", "hard_timeout", "Processing exceeded the hard time limit"); err != nil {
		t.Fatalf("NotifyJobFailed failed: %v", err)
	}
	if got.title != "Framewise - Error" {
		t.Fatalf("unexpected title %q", got.title)
	}
	if !strings.Contains(got.message, "job-1") || !strings.Contains(got.message, "hard_timeout") {
		t.Fatalf("unexpected message %q", got.message)
	}
	if got.tags != "framewise,error,alert" || got.priority != "high" {
		t.Fatalf("unexpected headers: %+v", got)
	}

	if err := svc.NotifyJobCompleted(context.Background(), "job-1", "/tmp/out/reconstructed.mp4"); err != nil {
		t.Fatalf("NotifyJobCompleted failed: %v", err)
	}
	if got.title != "Framewise - Complete" || !strings.Contains(got.message, "reconstructed.mp4") {
		t.Fatalf("unexpected completion payload: %+v", got)
	}
}

func TestNtfyServiceHonorsToggles(t *testing.T) {
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	cfg := config.Default()
	cfg.Notifications.NtfyTopic = server.URL
	cfg.Notifications.Completion = false
	cfg.Notifications.Errors = false
	svc := notify.NewService(&cfg)

	if err := svc.NotifyJobCompleted(context.Background(), "job-1", ""); err != nil {
		t.Fatalf("NotifyJobCompleted failed: %v", err)
	}
	if err := svc.NotifyJobFailed(context.Background(), "job-1", "validation", "bad input"); err != nil {
		t.Fatalf("NotifyJobFailed failed: %v", err)
	}
	if calls != 0 {
		t.Fatalf("expected suppressed notifications, got %d calls", calls)
	}
}

func TestNtfyServiceSurfacesServerErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "topic rejected", http.StatusForbidden)
	}))
	defer server.Close()

	cfg := config.Default()
	cfg.Notifications.NtfyTopic = server.URL
	svc := notify.NewService(&cfg)

	if err := svc.TestNotification(context.Background()); err == nil {
		t.Fatal("expected error from rejected notification")
	}
}
