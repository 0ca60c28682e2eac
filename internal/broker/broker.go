// Package broker implements the durable dispatch queue between the
// submission gateway and the worker pool. Messages live in the same SQLite
// database as the job records, so a submission and its dispatch commit
// together or not at all.
package broker

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"framewise/internal/config"
	"framewise/internal/jobs"
	"framewise/internal/logging"
	"framewise/internal/services"
)

// Message states in the dispatches table.
const (
	stateReady   = "ready"
	stateClaimed = "claimed"
	stateDead    = "dead"
)

// Delivery is one claimed message. The claim epoch uniquely identifies this
// delivery attempt; the worker presents it when transitioning the job so a
// redelivered duplicate can never mutate a record a live claim still owns.
type Delivery struct {
	MessageID    int64
	JobID        string
	InputRef     string
	QueueName    string
	Epoch        string
	Deliveries   int
	SoftDeadline time.Time
	HardDeadline time.Time
}

// Broker enqueues, claims, and settles dispatch messages.
type Broker struct {
	mu     sync.Mutex
	db     *sql.DB
	cfg    *config.Config
	logger *slog.Logger
}

// New builds a broker sharing the job store's database handle.
func New(store *jobs.Store, cfg *config.Config, logger *slog.Logger) *Broker {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Broker{
		db:     store.DB(),
		cfg:    cfg,
		logger: logger.With(logging.String(logging.FieldComponent, "broker")),
	}
}

// Enqueue publishes a dispatch message for the given job. Transient failures
// are retried with a short backoff; when every attempt fails the returned
// error carries the queue_unavailable marker so the gateway can surface 503
// and roll the submission back.
func (b *Broker) Enqueue(ctx context.Context, jobID, inputRef string) error {
	attempts := b.cfg.Broker.EnqueueAttempts
	if attempts < 1 {
		attempts = 1
	}
	backoff := time.Duration(b.cfg.Broker.EnqueueBackoff) * time.Second

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := b.insert(ctx, jobID, inputRef); err == nil {
			if attempt > 1 {
				b.logger.Info("dispatch enqueued after retry",
					logging.String(logging.FieldJobID, jobID),
					logging.Int("attempt", attempt))
			}
			return nil
		} else {
			lastErr = err
			b.logger.Warn("dispatch enqueue attempt failed",
				logging.String(logging.FieldJobID, jobID),
				logging.Int("attempt", attempt),
				logging.Error(err))
		}
		if attempt == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return services.Wrap(services.ErrQueueUnavailable, "", "enqueue", "dispatch interrupted", ctx.Err())
		case <-time.After(backoff):
		}
	}
	return services.Wrap(services.ErrQueueUnavailable, "", "enqueue", "dispatch queue unavailable", lastErr)
}

func (b *Broker) insert(ctx context.Context, jobID, inputRef string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := b.db.ExecContext(ctx, `
        INSERT INTO dispatches (job_id, input_ref, queue_name, state, deliveries, created_at, updated_at)
        VALUES (?, ?, ?, ?, 0, ?, ?)`,
		jobID, inputRef, b.cfg.Broker.QueueName, stateReady, now, now,
	)
	if err != nil {
		return fmt.Errorf("insert dispatch for job %s: %w", jobID, err)
	}
	return nil
}

// Claim takes the oldest ready message off the configured queue. It returns
// nil when the queue is empty. Each claim mints a fresh epoch and stamps the
// soft and hard deadlines for this delivery.
func (b *Broker) Claim(ctx context.Context) (*Delivery, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for {
		var (
			messageID  int64
			jobID      string
			inputRef   string
			deliveries int
		)
		err := b.db.QueryRowContext(ctx, `
            SELECT id, job_id, input_ref, deliveries
            FROM dispatches
            WHERE queue_name = ? AND state = ?
            ORDER BY id ASC
            LIMIT 1`,
			b.cfg.Broker.QueueName, stateReady,
		).Scan(&messageID, &jobID, &inputRef, &deliveries)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("select ready dispatch: %w", err)
		}

		now := time.Now().UTC()
		epoch := uuid.NewString()
		soft := now.Add(b.cfg.SoftTimeout())
		hard := now.Add(b.cfg.HardTimeout())

		result, err := b.db.ExecContext(ctx, `
            UPDATE dispatches SET
                state = ?, deliveries = deliveries + 1, claim_epoch = ?,
                claimed_at = ?, soft_deadline = ?, hard_deadline = ?, updated_at = ?
            WHERE id = ? AND state = ?`,
			stateClaimed, epoch,
			now.Format(time.RFC3339Nano),
			soft.Format(time.RFC3339Nano),
			hard.Format(time.RFC3339Nano),
			now.Format(time.RFC3339Nano),
			messageID, stateReady,
		)
		if err != nil {
			return nil, fmt.Errorf("claim dispatch %d: %w", messageID, err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("claim dispatch %d: %w", messageID, err)
		}
		if affected == 0 {
			// Lost the race to another claimer; try the next message.
			continue
		}

		return &Delivery{
			MessageID:    messageID,
			JobID:        jobID,
			InputRef:     inputRef,
			QueueName:    b.cfg.Broker.QueueName,
			Epoch:        epoch,
			Deliveries:   deliveries + 1,
			SoftDeadline: soft,
			HardDeadline: hard,
		}, nil
	}
}

// Ack settles a delivery after the worker drove the job to a terminal
// status. The message is removed permanently.
func (b *Broker) Ack(ctx context.Context, messageID int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, err := b.db.ExecContext(ctx, `DELETE FROM dispatches WHERE id = ?`, messageID); err != nil {
		return fmt.Errorf("ack dispatch %d: %w", messageID, err)
	}
	return nil
}

// Nack returns a delivery to the queue for redelivery. Messages that have
// exhausted the delivery budget are parked dead instead of looping forever.
func (b *Broker) Nack(ctx context.Context, messageID int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	result, err := b.db.ExecContext(ctx, `
        UPDATE dispatches SET
            state = ?, claim_epoch = NULL, claimed_at = NULL,
            soft_deadline = NULL, hard_deadline = NULL, updated_at = ?
        WHERE id = ? AND state = ? AND deliveries < ?`,
		stateReady, now, messageID, stateClaimed, b.cfg.Broker.MaxDeliveries,
	)
	if err != nil {
		return fmt.Errorf("nack dispatch %d: %w", messageID, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("nack dispatch %d: %w", messageID, err)
	}
	if affected > 0 {
		return nil
	}

	result, err = b.db.ExecContext(ctx,
		`UPDATE dispatches SET state = ?, updated_at = ? WHERE id = ? AND state = ?`,
		stateDead, now, messageID, stateClaimed,
	)
	if err != nil {
		return fmt.Errorf("park dispatch %d: %w", messageID, err)
	}
	if affected, err := result.RowsAffected(); err == nil && affected > 0 {
		b.logger.Warn("dispatch exhausted delivery budget", logging.Int64("message_id", messageID))
	}
	return nil
}

// ReclaimExpired finds claimed deliveries whose hard deadline has passed,
// parks them dead, and returns them so the supervisor can fail the jobs.
func (b *Broker) ReclaimExpired(ctx context.Context, now time.Time) ([]Delivery, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	cutoff := now.UTC().Format(time.RFC3339Nano)
	rows, err := b.db.QueryContext(ctx, `
        SELECT id, job_id, input_ref, queue_name, claim_epoch, deliveries
        FROM dispatches
        WHERE state = ? AND hard_deadline IS NOT NULL AND hard_deadline <= ?
        ORDER BY id ASC`,
		stateClaimed, cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("select expired dispatches: %w", err)
	}
	var expired []Delivery
	for rows.Next() {
		var (
			d     Delivery
			epoch sql.NullString
		)
		if err := rows.Scan(&d.MessageID, &d.JobID, &d.InputRef, &d.QueueName, &epoch, &d.Deliveries); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan expired dispatch: %w", err)
		}
		d.Epoch = epoch.String
		expired = append(expired, d)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("select expired dispatches: %w", err)
	}
	rows.Close()

	for _, d := range expired {
		if _, err := b.db.ExecContext(ctx,
			`UPDATE dispatches SET state = ?, updated_at = ? WHERE id = ? AND state = ?`,
			stateDead, cutoff, d.MessageID, stateClaimed,
		); err != nil {
			return nil, fmt.Errorf("park expired dispatch %d: %w", d.MessageID, err)
		}
	}
	return expired, nil
}

// Depth returns the number of ready messages on the configured queue.
func (b *Broker) Depth(ctx context.Context) (int, error) {
	var depth int
	err := b.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM dispatches WHERE queue_name = ? AND state = ?`,
		b.cfg.Broker.QueueName, stateReady,
	).Scan(&depth)
	if err != nil {
		return 0, fmt.Errorf("queue depth: %w", err)
	}
	return depth, nil
}

// Health verifies the dispatch table is reachable.
func (b *Broker) Health(ctx context.Context) error {
	var count int
	if err := b.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM dispatches`).Scan(&count); err != nil {
		return fmt.Errorf("dispatch queue unreachable: %w", err)
	}
	return nil
}
