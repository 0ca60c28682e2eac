package media

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"

	"framewise/internal/config"
	"framewise/internal/jobs"
	"framewise/internal/logging"
	"framewise/internal/media/ffprobe"
	"framewise/internal/services"
	"framewise/internal/stage"
)

// ReconstructHandler reassembles the processed frames into the output video,
// carrying over the original audio track when one exists.
type ReconstructHandler struct {
	base
	run commandRunner
}

// NewReconstructHandler constructs the reconstruction stage.
func NewReconstructHandler(cfg *config.Config, logger *slog.Logger) *ReconstructHandler {
	return &ReconstructHandler{
		base: newBase(cfg, logger, "reconstruct"),
		run:  defaultCommandRunner,
	}
}

// WithCommandRunner allows injecting a custom command runner for tests.
func (h *ReconstructHandler) WithCommandRunner(r commandRunner) {
	if r != nil {
		h.run = r
	}
}

// Prepare verifies the enhance stage produced frames to assemble.
func (h *ReconstructHandler) Prepare(ctx context.Context, job *jobs.Job) error {
	frames, err := ListFrames(h.workspace(job).EnhancedDir())
	if err != nil {
		return services.Wrap(services.ErrStageExecution, "reconstruct", "scan frames",
			"Could not read the enhanced frame directory", err)
	}
	if len(frames) == 0 {
		return services.Wrap(services.ErrValidation, "reconstruct", "scan frames",
			"No processed frames available for reconstruction", fmt.Errorf("empty enhanced directory for job %s", job.ID))
	}
	job.StatusMessage = "Starting video reconstruction"
	return nil
}

// Execute probes the original input for frame rate and audio, then runs the
// assembly. The output path is recorded on the job.
func (h *ReconstructHandler) Execute(ctx context.Context, job *jobs.Job) error {
	ws := h.workspace(job)

	fps := 24.0
	withAudio := false
	if result, err := ffprobe.Inspect(ctx, h.cfg.Pipeline.FFprobeBinary, job.InputRef); err == nil {
		if rate := result.FrameRate(); rate > 0 {
			fps = rate
		}
		withAudio = result.AudioStreamCount() > 0
	} else {
		h.logger.Warn("input probe failed, using defaults", logging.Error(err))
	}

	if err := reconstructVideo(ctx, h.run, h.cfg.Pipeline.FFmpegBinary, ws.EnhancedDir(), fps, job.InputRef, ws.OutputPath(), withAudio); err != nil {
		return services.Wrap(services.ErrExternalTool, "reconstruct", "assemble video",
			"Video reconstruction failed", err)
	}
	if info, err := os.Stat(ws.OutputPath()); err != nil || info.Size() == 0 {
		return services.Wrap(services.ErrStageExecution, "reconstruct", "verify output",
			"Reconstruction produced no output", fmt.Errorf("missing or empty output %q", ws.OutputPath()))
	}

	job.OutputRef = ws.OutputPath()
	job.StatusMessage = fmt.Sprintf("Video reconstruction completed: %s", ws.OutputPath())
	return nil
}

// HealthCheck verifies ffmpeg is on PATH.
func (h *ReconstructHandler) HealthCheck(ctx context.Context) stage.Health {
	const name = "reconstruct"
	if _, err := exec.LookPath(h.cfg.Pipeline.FFmpegBinary); err != nil {
		return stage.Unhealthy(name, fmt.Sprintf("%s not found on PATH", h.cfg.Pipeline.FFmpegBinary))
	}
	return stage.Healthy(name)
}
