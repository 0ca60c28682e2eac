package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"framewise/internal/broker"
	"framewise/internal/config"
	"framewise/internal/jobs"
	"framewise/internal/logging"
	"framewise/internal/notify"
	"framewise/internal/services"
	"framewise/internal/stage"
)

// executionStages is the ordered set of stages with handlers. INIT is the
// submission state and COMPLETE is the terminal marker; neither executes.
var executionStages = []jobs.Stage{
	jobs.StageSetup,
	jobs.StageExtract,
	jobs.StageAnalyze,
	jobs.StageEnhance,
	jobs.StageReconstruct,
}

// Executor drives one claimed delivery through the pipeline stages.
type Executor struct {
	cfg       *config.Config
	store     *jobs.Store
	publisher *notify.Publisher
	handlers  map[jobs.Stage]stage.Handler
	heartbeat *HeartbeatMonitor
	logger    *slog.Logger
}

// NewExecutor wires the stage executor.
func NewExecutor(cfg *config.Config, store *jobs.Store, publisher *notify.Publisher, handlers map[jobs.Stage]stage.Handler, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Executor{
		cfg:       cfg,
		store:     store,
		publisher: publisher,
		handlers:  handlers,
		heartbeat: NewHeartbeatMonitor(store, logger, time.Duration(cfg.Workflow.HeartbeatInterval)*time.Second),
		logger:    logging.NewComponentLogger(logger, "executor"),
	}
}

// Process claims the job under the delivery's epoch and runs every stage in
// order. A terminal outcome, including failure, returns nil so the caller
// settles the message. jobs.ErrAlreadyOwned and jobs.ErrNotFound indicate a
// duplicate delivery that must be settled without touching the record.
func (e *Executor) Process(ctx context.Context, delivery broker.Delivery) error {
	ctx = services.WithJobID(ctx, delivery.JobID)
	logger := logging.WithContext(ctx, e.logger)

	if err := e.store.MarkStarted(ctx, delivery.JobID, delivery.Epoch); err != nil {
		if errors.Is(err, jobs.ErrAlreadyOwned) {
			logger.Warn("duplicate delivery ignored",
				logging.String(logging.FieldJobID, delivery.JobID),
				logging.Int("deliveries", delivery.Deliveries))
		}
		return err
	}

	job, err := e.store.Get(ctx, delivery.JobID)
	if err != nil {
		return fmt.Errorf("load claimed job: %w", err)
	}
	job.StatusMessage = "Pipeline started"
	e.publisher.Announce(job)

	// The soft deadline bounds cooperative stage work. The supervisor
	// enforces the hard deadline independently.
	stageCtx, cancel := context.WithDeadline(ctx, delivery.SoftDeadline)
	defer cancel()

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	var hbWG sync.WaitGroup
	hbWG.Add(1)
	go e.heartbeat.StartLoop(hbCtx, &hbWG, job.ID)
	defer func() {
		stopHeartbeat()
		hbWG.Wait()
	}()

	for _, st := range executionStages {
		if err := e.runStage(stageCtx, job, st); err != nil {
			return e.fail(ctx, stageCtx, logger, job, st, err)
		}
	}

	job.SetSucceeded(job.OutputRef)
	if err := e.publisher.Publish(ctx, job); err != nil {
		return fmt.Errorf("persist terminal success: %w", err)
	}
	logger.Info("pipeline completed",
		logging.String(logging.FieldJobID, job.ID),
		logging.String("output", job.OutputRef))
	return nil
}

func (e *Executor) runStage(ctx context.Context, job *jobs.Job, st jobs.Stage) error {
	handler, ok := e.handlers[st]
	if !ok {
		return services.Wrap(services.ErrStageExecution, string(st), "resolve handler",
			"Stage handler unavailable", fmt.Errorf("no handler registered for %s", st))
	}

	stageCtx := services.WithStage(ctx, string(st))
	stageLogger := logging.WithContext(stageCtx, e.logger)
	if aware, ok := handler.(stage.LoggerAware); ok {
		aware.SetLogger(stageLogger)
	}
	if aware, ok := handler.(stage.ReporterAware); ok {
		aware.SetReporter(e.publisher)
	}

	if err := job.AdvanceStage(st); err != nil {
		return services.Wrap(services.ErrStageExecution, string(st), "advance stage",
			"Invalid stage transition", err)
	}
	stageLogger.Info("stage started",
		logging.String(logging.FieldEventType, "stage_start"),
		logging.String(logging.FieldStage, string(st)))
	if err := e.publisher.Publish(stageCtx, job); err != nil {
		return fmt.Errorf("persist stage transition: %w", err)
	}

	if err := handler.Prepare(stageCtx, job); err != nil {
		return err
	}
	if err := e.publisher.Publish(stageCtx, job); err != nil {
		return fmt.Errorf("persist stage preparation: %w", err)
	}

	if err := handler.Execute(stageCtx, job); err != nil {
		return err
	}
	if err := e.publisher.Publish(stageCtx, job); err != nil {
		return fmt.Errorf("persist stage result: %w", err)
	}

	stageLogger.Info("stage completed",
		logging.String(logging.FieldEventType, "stage_complete"),
		logging.String(logging.FieldStage, string(st)),
		logging.String("status_message", job.StatusMessage))
	return nil
}

// fail records a terminal failure for the job. A failure landing after the
// soft deadline expired is recorded as a soft timeout regardless of how the
// stage surfaced it: a subprocess killed at the deadline reports
// "signal: killed", not context.DeadlineExceeded, so the stage context is
// consulted as well. Everything else keeps the reason its error marker
// carries.
func (e *Executor) fail(ctx, stageCtx context.Context, logger *slog.Logger, job *jobs.Job, st jobs.Stage, stageErr error) error {
	if errors.Is(stageErr, context.DeadlineExceeded) ||
		errors.Is(stageCtx.Err(), context.DeadlineExceeded) {
		stageErr = services.Wrap(services.ErrSoftTimeout, string(st), "execute",
			"Processing exceeded the soft time limit", stageErr)
	}
	reason := services.FailureReason(stageErr)
	message := services.Message(stageErr)

	logger.Error("stage failed",
		logging.String(logging.FieldEventType, "stage_failure"),
		logging.String(logging.FieldStage, string(st)),
		logging.String("failure_reason", reason),
		logging.Error(stageErr))

	job.SetFailed(reason, message)
	if err := e.publisher.Publish(ctx, job); err != nil {
		return fmt.Errorf("persist terminal failure: %w", err)
	}
	return nil
}
