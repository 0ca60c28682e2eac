package media

import (
	"context"
	"log/slog"

	"framewise/internal/config"
	"framewise/internal/jobs"
	"framewise/internal/logging"
	"framewise/internal/stage"
)

// reportEvery controls how often looping stages publish intermediate
// progress, in frames.
const reportEvery = 10

// NewHandlers builds the stage handler set for the enhancement pipeline.
// INIT and COMPLETE have no handler; the executor drives those transitions
// itself.
func NewHandlers(cfg *config.Config, logger *slog.Logger) map[jobs.Stage]stage.Handler {
	return map[jobs.Stage]stage.Handler{
		jobs.StageSetup:       NewSetupHandler(cfg, logger),
		jobs.StageExtract:     NewExtractHandler(cfg, logger),
		jobs.StageAnalyze:     NewAnalyzeHandler(cfg, logger),
		jobs.StageEnhance:     NewEnhanceHandler(cfg, logger),
		jobs.StageReconstruct: NewReconstructHandler(cfg, logger),
	}
}

type base struct {
	cfg      *config.Config
	logger   *slog.Logger
	reporter stage.Reporter
}

func newBase(cfg *config.Config, logger *slog.Logger, component string) base {
	return base{
		cfg:    cfg,
		logger: logging.NewComponentLogger(logger, component),
	}
}

func (b *base) SetLogger(logger *slog.Logger) {
	if logger != nil {
		b.logger = logger
	}
}

func (b *base) SetReporter(reporter stage.Reporter) {
	b.reporter = reporter
}

func (b *base) workspace(job *jobs.Job) Workspace {
	return NewWorkspace(b.cfg.Paths.StagingDir, job.ID)
}

// report publishes an intermediate snapshot. Publication failures are logged
// and swallowed; losing a progress update must not fail the stage.
func (b *base) report(ctx context.Context, job *jobs.Job) {
	if b.reporter == nil {
		return
	}
	if err := b.reporter.Publish(ctx, job); err != nil {
		b.logger.Warn("progress publication failed",
			logging.String(logging.FieldJobID, job.ID),
			logging.Error(err))
	}
}
