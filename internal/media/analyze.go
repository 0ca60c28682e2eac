package media

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"framewise/internal/config"
	"framewise/internal/jobs"
	"framewise/internal/services"
	"framewise/internal/stage"
)

// AnalyzeHandler classifies every extracted frame and persists the report
// the enhance stage works from.
type AnalyzeHandler struct {
	base
	classifier Classifier
}

// NewAnalyzeHandler constructs the quality analysis stage.
func NewAnalyzeHandler(cfg *config.Config, logger *slog.Logger) *AnalyzeHandler {
	return &AnalyzeHandler{
		base:       newBase(cfg, logger, "analyze"),
		classifier: LaplacianClassifier{},
	}
}

// WithClassifier allows injecting a custom classifier for tests.
func (h *AnalyzeHandler) WithClassifier(c Classifier) {
	if c != nil {
		h.classifier = c
	}
}

// Prepare verifies the extraction stage left frames to analyze.
func (h *AnalyzeHandler) Prepare(ctx context.Context, job *jobs.Job) error {
	frames, err := ListFrames(h.workspace(job).FramesDir())
	if err != nil {
		return services.Wrap(services.ErrStageExecution, "analyze", "scan frames",
			"Could not read the frame directory", err)
	}
	if len(frames) == 0 {
		return services.Wrap(services.ErrValidation, "analyze", "scan frames",
			"No frames available for analysis", fmt.Errorf("empty frame directory for job %s", job.ID))
	}
	job.StatusMessage = "Starting video quality analysis"
	return nil
}

// Execute classifies frames in order, publishing progress as it goes, and
// writes the analysis report into the workspace.
func (h *AnalyzeHandler) Execute(ctx context.Context, job *jobs.Job) error {
	ws := h.workspace(job)
	frames, err := ListFrames(ws.FramesDir())
	if err != nil {
		return services.Wrap(services.ErrStageExecution, "analyze", "scan frames",
			"Could not read the frame directory", err)
	}

	report := AnalysisReport{Frames: make([]FrameQuality, 0, len(frames))}
	for i, name := range frames {
		if err := ctx.Err(); err != nil {
			return err
		}
		quality, err := h.classifier.Classify(ctx, filepath.Join(ws.FramesDir(), name))
		if err != nil {
			return services.Wrap(services.ErrStageExecution, "analyze", "classify frame",
				fmt.Sprintf("Quality analysis failed on frame %s", name), err)
		}
		quality.Filename = name
		report.Frames = append(report.Frames, quality)

		analyzed := int64(i + 1)
		blurry, dark, good := report.Counts()
		job.MergeProgress(jobs.Metrics{
			jobs.MetricAnalyzedFrames: analyzed,
			jobs.MetricBlurryCount:    blurry,
			jobs.MetricDarkCount:      dark,
			jobs.MetricGoodCount:      good,
			jobs.MetricCurrentFrame:   analyzed,
		})
		if analyzed%reportEvery == 0 {
			job.StatusMessage = fmt.Sprintf("Analyzing frame %d/%d", analyzed, len(frames))
			h.report(ctx, job)
		}
	}

	if err := SaveAnalysis(ws, report); err != nil {
		return services.Wrap(services.ErrStageExecution, "analyze", "persist report",
			"Could not persist the analysis report", err)
	}

	blurry, dark, good := report.Counts()
	job.StatusMessage = fmt.Sprintf("Analysis summary: %d blurry frames, %d dark frames, %d good frames", blurry, dark, good)
	return nil
}

// HealthCheck reports ready; analysis has no external dependencies.
func (h *AnalyzeHandler) HealthCheck(ctx context.Context) stage.Health {
	return stage.Healthy("analyze")
}
