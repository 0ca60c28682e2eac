package media

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"framewise/internal/config"
	"framewise/internal/jobs"
	"framewise/internal/services"
	"framewise/internal/stage"
)

// SetupHandler validates the staged input and prepares the job workspace.
type SetupHandler struct {
	base
}

// NewSetupHandler constructs the setup stage.
func NewSetupHandler(cfg *config.Config, logger *slog.Logger) *SetupHandler {
	return &SetupHandler{base: newBase(cfg, logger, "setup")}
}

// Prepare verifies the staged input file exists and is not empty.
func (h *SetupHandler) Prepare(ctx context.Context, job *jobs.Job) error {
	info, err := os.Stat(job.InputRef)
	if err != nil {
		return services.Wrap(services.ErrValidation, "setup", "stat input",
			"Staged input file is missing", err)
	}
	if info.IsDir() || info.Size() == 0 {
		return services.Wrap(services.ErrValidation, "setup", "validate input",
			"Staged input file is empty", fmt.Errorf("input %q has no content", job.InputRef))
	}
	return nil
}

// Execute creates the frame and enhanced directories in the workspace.
func (h *SetupHandler) Execute(ctx context.Context, job *jobs.Job) error {
	ws := h.workspace(job)
	if err := ws.EnsureDirs(); err != nil {
		return services.Wrap(services.ErrStageExecution, "setup", "create directories",
			"Could not create workspace directories", err)
	}
	job.StatusMessage = "Output directories created successfully"
	return nil
}

// HealthCheck verifies the staging directory is writable.
func (h *SetupHandler) HealthCheck(ctx context.Context) stage.Health {
	const name = "setup"
	if err := os.MkdirAll(h.cfg.Paths.StagingDir, 0o755); err != nil {
		return stage.Unhealthy(name, fmt.Sprintf("staging directory unavailable: %v", err))
	}
	probe, err := os.CreateTemp(h.cfg.Paths.StagingDir, ".healthcheck-*")
	if err != nil {
		return stage.Unhealthy(name, fmt.Sprintf("staging directory not writable: %v", err))
	}
	probe.Close()
	os.Remove(probe.Name())
	return stage.Healthy(name)
}
