package media

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"

	"framewise/internal/config"
	"framewise/internal/jobs"
	"framewise/internal/services"
	"framewise/internal/stage"
)

// Enhancer applies corrective processing to one flagged frame.
type Enhancer interface {
	Enhance(ctx context.Context, inputPath, outputPath string, quality FrameQuality) error
}

type ffmpegEnhancer struct {
	run    commandRunner
	binary string
}

func (e ffmpegEnhancer) Enhance(ctx context.Context, inputPath, outputPath string, quality FrameQuality) error {
	return enhanceFrame(ctx, e.run, e.binary, inputPath, outputPath, quality)
}

// EnhanceHandler processes every frame according to the analysis report:
// flagged frames are enhanced, good frames are copied unchanged.
type EnhanceHandler struct {
	base
	enhancer Enhancer
}

// NewEnhanceHandler constructs the frame enhancement stage.
func NewEnhanceHandler(cfg *config.Config, logger *slog.Logger) *EnhanceHandler {
	return &EnhanceHandler{
		base: newBase(cfg, logger, "enhance"),
		enhancer: ffmpegEnhancer{
			run:    defaultCommandRunner,
			binary: cfg.Pipeline.FFmpegBinary,
		},
	}
}

// WithEnhancer allows injecting a custom enhancer for tests.
func (h *EnhanceHandler) WithEnhancer(e Enhancer) {
	if e != nil {
		h.enhancer = e
	}
}

// Prepare loads the analysis report to fail fast when it is missing.
func (h *EnhanceHandler) Prepare(ctx context.Context, job *jobs.Job) error {
	if _, err := LoadAnalysis(h.workspace(job)); err != nil {
		return services.Wrap(services.ErrStageExecution, "enhance", "load report",
			"Analysis report is missing; rerun analysis", err)
	}
	job.StatusMessage = "Starting frame enhancement"
	return nil
}

// Execute walks the analysis report in frame order.
func (h *EnhanceHandler) Execute(ctx context.Context, job *jobs.Job) error {
	ws := h.workspace(job)
	report, err := LoadAnalysis(ws)
	if err != nil {
		return services.Wrap(services.ErrStageExecution, "enhance", "load report",
			"Analysis report is missing; rerun analysis", err)
	}

	var enhanced, copied int64
	total := len(report.Frames)
	for i, frame := range report.Frames {
		if err := ctx.Err(); err != nil {
			return err
		}
		inputPath := filepath.Join(ws.FramesDir(), frame.Filename)
		outputPath := filepath.Join(ws.EnhancedDir(), frame.Filename)

		if frame.NeedsEnhancement() {
			if err := h.enhancer.Enhance(ctx, inputPath, outputPath, frame); err != nil {
				return services.Wrap(services.ErrExternalTool, "enhance", "enhance frame",
					fmt.Sprintf("Enhancement failed on frame %s", frame.Filename), err)
			}
			enhanced++
		} else {
			if err := copyFile(inputPath, outputPath); err != nil {
				return services.Wrap(services.ErrStageExecution, "enhance", "copy frame",
					fmt.Sprintf("Could not copy frame %s", frame.Filename), err)
			}
			copied++
		}

		current := int64(i + 1)
		job.MergeProgress(jobs.Metrics{
			jobs.MetricEnhancedCount: enhanced,
			jobs.MetricCopiedCount:   copied,
			jobs.MetricCurrentFrame:  current,
		})
		if current%reportEvery == 0 {
			job.StatusMessage = fmt.Sprintf("Enhancing frame %d/%d", current, total)
			h.report(ctx, job)
		}
	}

	job.StatusMessage = fmt.Sprintf("Frame processing completed: %d enhanced, %d copied", enhanced, copied)
	return nil
}

// HealthCheck verifies ffmpeg is on PATH.
func (h *EnhanceHandler) HealthCheck(ctx context.Context) stage.Health {
	const name = "enhance"
	if _, err := exec.LookPath(h.cfg.Pipeline.FFmpegBinary); err != nil {
		return stage.Unhealthy(name, fmt.Sprintf("%s not found on PATH", h.cfg.Pipeline.FFmpegBinary))
	}
	return stage.Healthy(name)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
