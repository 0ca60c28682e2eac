package notify

import (
	"context"
	"fmt"
	"log/slog"

	"framewise/internal/jobs"
	"framewise/internal/logging"
)

// Publisher persists a job record and then broadcasts the resulting
// snapshot. The persist-then-broadcast order is load-bearing: a poller that
// reads the store after seeing an event can never observe state older than
// that event.
type Publisher struct {
	store  *jobs.Store
	hub    *Hub
	push   Service
	logger *slog.Logger
}

// NewPublisher wires the status publisher. push may be nil when push
// notifications are disabled.
func NewPublisher(store *jobs.Store, hub *Hub, push Service, logger *slog.Logger) *Publisher {
	if push == nil {
		push = NewNoop()
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Publisher{
		store:  store,
		hub:    hub,
		push:   push,
		logger: logger.With(logging.String(logging.FieldComponent, "notify")),
	}
}

// Hub returns the underlying fan-out hub for subscription surfaces.
func (p *Publisher) Hub() *Hub {
	return p.hub
}

// Publish writes the full record atomically and broadcasts a snapshot of it.
// Terminal snapshots additionally trigger a push notification.
func (p *Publisher) Publish(ctx context.Context, job *jobs.Job) error {
	if err := p.store.Put(ctx, job); err != nil {
		return fmt.Errorf("persist status for job %s: %w", job.ID, err)
	}
	snap := snapshotOf(job)
	p.hub.Publish(snap)

	if snap.Terminal() {
		p.pushTerminal(ctx, snap)
	}
	return nil
}

// Announce broadcasts a snapshot without touching the store. It is used for
// records that were just created or transitioned by another writer.
func (p *Publisher) Announce(job *jobs.Job) {
	p.hub.Publish(snapshotOf(job))
}

// JobAccepted sends the submission push notification. Failures are logged
// and never surfaced to the submitter.
func (p *Publisher) JobAccepted(ctx context.Context, job *jobs.Job) {
	if err := p.push.NotifyJobAccepted(ctx, job.ID, job.SourceName); err != nil {
		p.logger.Warn("push notification failed",
			logging.String(logging.FieldJobID, job.ID),
			logging.Error(err))
	}
}

func (p *Publisher) pushTerminal(ctx context.Context, snap Snapshot) {
	var err error
	switch snap.Status {
	case jobs.StatusSuccess:
		err = p.push.NotifyJobCompleted(ctx, snap.JobID, snap.OutputRef)
	case jobs.StatusFailure:
		err = p.push.NotifyJobFailed(ctx, snap.JobID, snap.FailureReason, snap.ErrorMessage)
	}
	if err != nil {
		p.logger.Warn("push notification failed",
			logging.String(logging.FieldJobID, snap.JobID),
			logging.Error(err))
	}
}
