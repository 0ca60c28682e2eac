package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func runCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func writeTestConfig(t *testing.T) string {
	t.Helper()
	base := t.TempDir()
	path := filepath.Join(base, "config.toml")
	content := fmt.Sprintf(`[paths]
staging_dir = %q
log_dir = %q
api_bind = "127.0.0.1:1"
`, filepath.Join(base, "staging"), filepath.Join(base, "logs"))
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestVersionCommand(t *testing.T) {
	out, err := runCommand(t, "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.Contains(out, "framewise") {
		t.Fatalf("output = %q", out)
	}
}

func TestConfigInitCommand(t *testing.T) {
	target := filepath.Join(t.TempDir(), "config.toml")

	out, err := runCommand(t, "config", "init", "--path", target)
	if err != nil {
		t.Fatalf("config init: %v", err)
	}
	if !strings.Contains(out, target) {
		t.Fatalf("output = %q", out)
	}
	if _, err := os.Stat(target); err != nil {
		t.Fatalf("sample config missing: %v", err)
	}

	if _, err := runCommand(t, "config", "init", "--path", target); err == nil {
		t.Fatal("expected error without --overwrite")
	}
}

func TestJobsListEmptyQueue(t *testing.T) {
	cfgPath := writeTestConfig(t)

	out, err := runCommand(t, "--config", cfgPath, "jobs", "list")
	if err != nil {
		t.Fatalf("jobs list: %v", err)
	}
	if !strings.Contains(out, "No jobs found") {
		t.Fatalf("output = %q", out)
	}
}

func TestJobsListJSONEmptyQueue(t *testing.T) {
	cfgPath := writeTestConfig(t)

	out, err := runCommand(t, "--config", cfgPath, "jobs", "list", "--json")
	if err != nil {
		t.Fatalf("jobs list --json: %v", err)
	}
	var parsed struct {
		Jobs []map[string]any `json:"jobs"`
	}
	if err := json.Unmarshal([]byte(out), &parsed); err != nil {
		t.Fatalf("expected stdout to be JSON, got %q: %v", out, err)
	}
	if len(parsed.Jobs) != 0 {
		t.Fatalf("jobs = %v", parsed.Jobs)
	}
}

func TestJobsStatsEmptyQueue(t *testing.T) {
	cfgPath := writeTestConfig(t)

	out, err := runCommand(t, "--config", cfgPath, "jobs", "stats")
	if err != nil {
		t.Fatalf("jobs stats: %v", err)
	}
	if !strings.Contains(out, "total") {
		t.Fatalf("output = %q", out)
	}
}

func TestSubmitRequiresArgument(t *testing.T) {
	if _, err := runCommand(t, "submit"); err == nil {
		t.Fatal("expected usage error")
	}
}
