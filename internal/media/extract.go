package media

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"

	"framewise/internal/config"
	"framewise/internal/jobs"
	"framewise/internal/media/ffprobe"
	"framewise/internal/services"
	"framewise/internal/stage"
)

// ExtractHandler decodes every frame of the input video into the workspace.
type ExtractHandler struct {
	base
	run commandRunner
}

// NewExtractHandler constructs the frame extraction stage.
func NewExtractHandler(cfg *config.Config, logger *slog.Logger) *ExtractHandler {
	return &ExtractHandler{
		base: newBase(cfg, logger, "extract"),
		run:  defaultCommandRunner,
	}
}

// WithCommandRunner allows injecting a custom command runner for tests.
func (h *ExtractHandler) WithCommandRunner(r commandRunner) {
	if r != nil {
		h.run = r
	}
}

// Prepare probes the input container and records the expected frame count.
func (h *ExtractHandler) Prepare(ctx context.Context, job *jobs.Job) error {
	result, err := ffprobe.Inspect(ctx, h.cfg.Pipeline.FFprobeBinary, job.InputRef)
	if err != nil {
		return services.Wrap(services.ErrExternalTool, "extract", "probe input",
			"Could not probe the input video", err)
	}
	if result.VideoStreamCount() == 0 {
		return services.Wrap(services.ErrValidation, "extract", "probe input",
			"Input file has no video stream", fmt.Errorf("no video stream in %q", job.InputRef))
	}
	if expected := result.FrameCount(); expected > 0 {
		job.MergeProgress(jobs.Metrics{jobs.MetricTotalFrames: expected})
	}
	job.StatusMessage = "Starting frame extraction"
	return nil
}

// Execute runs ffmpeg and reconciles the frame count against what actually
// landed on disk. The on-disk count wins over the container's estimate.
func (h *ExtractHandler) Execute(ctx context.Context, job *jobs.Job) error {
	ws := h.workspace(job)
	if err := extractFrames(ctx, h.run, h.cfg.Pipeline.FFmpegBinary, job.InputRef, ws.FramesDir()); err != nil {
		return services.Wrap(services.ErrExternalTool, "extract", "extract frames",
			"Frame extraction failed", err)
	}

	frames, err := ListFrames(ws.FramesDir())
	if err != nil {
		return services.Wrap(services.ErrStageExecution, "extract", "count frames",
			"Could not read extracted frames", err)
	}
	if len(frames) == 0 {
		return services.Wrap(services.ErrStageExecution, "extract", "count frames",
			"Extraction produced no frames", fmt.Errorf("no frames in %q", ws.FramesDir()))
	}

	job.MergeProgress(jobs.Metrics{jobs.MetricTotalFrames: int64(len(frames))})
	job.StatusMessage = fmt.Sprintf("Frame extraction completed successfully. Extracted %d frames", len(frames))
	return nil
}

// HealthCheck verifies both external tools are on PATH.
func (h *ExtractHandler) HealthCheck(ctx context.Context) stage.Health {
	const name = "extract"
	for _, binary := range []string{h.cfg.Pipeline.FFmpegBinary, h.cfg.Pipeline.FFprobeBinary} {
		if _, err := exec.LookPath(binary); err != nil {
			return stage.Unhealthy(name, fmt.Sprintf("%s not found on PATH", binary))
		}
	}
	return stage.Healthy(name)
}
