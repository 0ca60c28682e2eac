package daemon_test

import (
	"context"
	"net/http"
	"testing"

	"framewise/internal/daemon"
	"framewise/internal/testsupport"
)

func TestDaemonStartStop(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithStubbedBinaries())
	ctx := context.Background()

	d, err := daemon.New(ctx, cfg, nil)
	if err != nil {
		t.Fatalf("new daemon: %v", err)
	}
	t.Cleanup(func() { _ = d.Close() })

	if err := d.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if !d.Running() {
		t.Fatal("daemon should be running")
	}
	addr := d.Addr()
	if addr == "" {
		t.Fatal("expected a bound address")
	}

	resp, err := http.Get("http://" + addr + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status = %d", resp.StatusCode)
	}

	d.Stop()
	if d.Running() {
		t.Fatal("daemon should be stopped")
	}
}

func TestDaemonSingleInstance(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	ctx := context.Background()

	first, err := daemon.New(ctx, cfg, nil)
	if err != nil {
		t.Fatalf("new daemon: %v", err)
	}
	t.Cleanup(func() { _ = first.Close() })
	if err := first.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	second, err := daemon.New(ctx, cfg, nil)
	if err != nil {
		t.Fatalf("new second daemon: %v", err)
	}
	t.Cleanup(func() { _ = second.Close() })
	if err := second.Start(ctx); err == nil {
		second.Stop()
		t.Fatal("second instance should fail to start")
	}
}

func TestDaemonStartTwiceFails(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	ctx := context.Background()

	d, err := daemon.New(ctx, cfg, nil)
	if err != nil {
		t.Fatalf("new daemon: %v", err)
	}
	t.Cleanup(func() { _ = d.Close() })

	if err := d.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := d.Start(ctx); err == nil {
		t.Fatal("second start should fail")
	}
}
