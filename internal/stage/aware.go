package stage

import (
	"context"
	"log/slog"

	"framewise/internal/jobs"
)

// Reporter publishes an intermediate job snapshot to persistence and any
// live status subscribers. Handlers call it after each unit of work so
// observers see progress while a stage is still running.
type Reporter interface {
	Publish(ctx context.Context, job *jobs.Job) error
}

// LoggerAware handlers receive a stage-scoped logger before execution.
type LoggerAware interface {
	SetLogger(*slog.Logger)
}

// ReporterAware handlers receive the progress reporter before execution.
type ReporterAware interface {
	SetReporter(Reporter)
}
