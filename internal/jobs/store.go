package jobs

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"framewise/internal/config"
)

// Store persists job records in SQLite. It is safe for concurrent use; all
// writes are serialized through a single mutex on top of SQLite's own
// locking.
type Store struct {
	mu   sync.Mutex
	db   *sql.DB
	path string
}

// Open opens (or creates) the job database under the configured log
// directory and ensures the schema exists.
func Open(ctx context.Context, cfg *config.Config) (*Store, error) {
	if err := os.MkdirAll(cfg.Paths.LogDir, 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}
	dbPath := filepath.Join(cfg.Paths.LogDir, "jobs.db")

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	pragmas := []string{
		`PRAGMA journal_mode = WAL`,
		`PRAGMA foreign_keys = ON`,
		`PRAGMA busy_timeout = 5000`,
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply %s: %w", pragma, err)
		}
	}

	store := &Store{db: db, path: dbPath}
	if err := store.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle so the dispatch broker can share the same
// database file and transaction scope.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Path returns the absolute path of the database file.
func (s *Store) Path() string {
	return s.path
}

// Create inserts a new job record.
func (s *Store) Create(ctx context.Context, job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertJob(ctx, job)
}

func (s *Store) insertJob(ctx context.Context, job *Job) error {
	progress, err := marshalMetrics(job.Progress)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
        INSERT INTO jobs (
            id, input_ref, source_name, queue_name, stage, status,
            status_message, progress_json, output_ref, error_message,
            failure_reason, claim_epoch, created_at, updated_at, last_heartbeat
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID,
		job.InputRef,
		nullableString(job.SourceName),
		job.QueueName,
		string(job.Stage),
		string(job.Status),
		nullableString(job.StatusMessage),
		progress,
		nullableString(job.OutputRef),
		nullableString(job.ErrorMessage),
		nullableString(job.FailureReason),
		nullableString(job.ClaimEpoch),
		formatTime(job.CreatedAt),
		formatTime(job.UpdatedAt),
		nullableTime(job.LastHeartbeat),
	)
	if err != nil {
		return fmt.Errorf("insert job %s: %w", job.ID, err)
	}
	return nil
}

// Get fetches a job by id, returning ErrNotFound for unknown ids.
func (s *Store) Get(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, selectJobSQL+` WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	return job, nil
}

// Put writes the full record atomically. Readers observe either the previous
// record or the new one, never a mix. Progress invariants are checked before
// the write.
func (s *Store) Put(ctx context.Context, job *Job) error {
	if err := job.Progress.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	job.UpdatedAt = time.Now().UTC()
	progress, err := marshalMetrics(job.Progress)
	if err != nil {
		return err
	}
	result, err := s.db.ExecContext(ctx, `
        UPDATE jobs SET
            input_ref = ?, source_name = ?, queue_name = ?, stage = ?,
            status = ?, status_message = ?, progress_json = ?, output_ref = ?,
            error_message = ?, failure_reason = ?, claim_epoch = ?,
            updated_at = ?, last_heartbeat = ?
        WHERE id = ?`,
		job.InputRef,
		nullableString(job.SourceName),
		job.QueueName,
		string(job.Stage),
		string(job.Status),
		nullableString(job.StatusMessage),
		progress,
		nullableString(job.OutputRef),
		nullableString(job.ErrorMessage),
		nullableString(job.FailureReason),
		nullableString(job.ClaimEpoch),
		formatTime(job.UpdatedAt),
		nullableTime(job.LastHeartbeat),
		job.ID,
	)
	if err != nil {
		return fmt.Errorf("update job %s: %w", job.ID, err)
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkStarted transitions a PENDING job to STARTED under the given claim
// epoch. Re-claiming with the same epoch is a no-op; a different epoch
// against a STARTED or terminal job returns ErrAlreadyOwned so the worker
// aborts without touching the record.
func (s *Store) MarkStarted(ctx context.Context, id, epoch string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	result, err := s.db.ExecContext(ctx, `
        UPDATE jobs SET
            status = ?, status_message = ?, claim_epoch = ?,
            updated_at = ?, last_heartbeat = ?
        WHERE id = ? AND (status = ? OR (status = ? AND claim_epoch = ?))`,
		string(StatusStarted),
		"Processing started",
		epoch,
		formatTime(now),
		formatTime(now),
		id,
		string(StatusPending),
		string(StatusStarted),
		epoch,
	)
	if err != nil {
		return fmt.Errorf("mark job %s started: %w", id, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark job %s started: %w", id, err)
	}
	if affected > 0 {
		return nil
	}

	var status string
	err = s.db.QueryRowContext(ctx, `SELECT status FROM jobs WHERE id = ?`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("mark job %s started: %w", id, err)
	}
	return fmt.Errorf("%w: job %s is %s", ErrAlreadyOwned, id, status)
}

// FailIfRunning marks a non-terminal job FAILURE with the given reason.
// It reports whether the record was actually transitioned, so callers can
// distinguish enforcement from a job that already finished on its own.
func (s *Store) FailIfRunning(ctx context.Context, id, reason, message string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	result, err := s.db.ExecContext(ctx, `
        UPDATE jobs SET
            status = ?, failure_reason = ?, error_message = ?,
            status_message = ?, updated_at = ?, last_heartbeat = NULL
        WHERE id = ? AND status IN (?, ?)`,
		string(StatusFailure),
		reason,
		message,
		message,
		formatTime(now),
		id,
		string(StatusPending),
		string(StatusStarted),
	)
	if err != nil {
		return false, fmt.Errorf("fail job %s: %w", id, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("fail job %s: %w", id, err)
	}
	return affected > 0, nil
}

// UpdateHeartbeat refreshes the liveness timestamp for a running job.
func (s *Store) UpdateHeartbeat(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	result, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET last_heartbeat = ? WHERE id = ? AND status = ?`,
		formatTime(now), id, string(StatusStarted),
	)
	if err != nil {
		return fmt.Errorf("update heartbeat for job %s: %w", id, err)
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return ErrNotFound
	}
	return nil
}

// ReclaimStale fails STARTED jobs whose heartbeat predates the cutoff. A
// worker that dies after claiming leaves its job STARTED with a frozen
// heartbeat and its redelivery is settled as a duplicate, so this sweep is
// the only path that drives such jobs to a terminal status. Returns the ids
// that were failed.
func (s *Store) ReclaimStale(ctx context.Context, cutoff time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, `
        SELECT id FROM jobs
        WHERE status = ? AND last_heartbeat IS NOT NULL AND last_heartbeat < ?
        ORDER BY created_at ASC`,
		string(StatusStarted), formatTime(cutoff),
	)
	if err != nil {
		return nil, fmt.Errorf("select stale jobs: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("select stale jobs: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("select stale jobs: %w", err)
	}
	rows.Close()

	if len(ids) == 0 {
		return nil, nil
	}

	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx, `
        UPDATE jobs SET
            status = ?, failure_reason = ?, error_message = ?,
            status_message = ?, updated_at = ?, last_heartbeat = NULL
        WHERE status = ? AND last_heartbeat IS NOT NULL AND last_heartbeat < ?`,
		string(StatusFailure),
		"heartbeat_timeout",
		"Worker heartbeat expired",
		"Worker heartbeat expired",
		formatTime(now),
		string(StatusStarted),
		formatTime(cutoff),
	)
	if err != nil {
		return nil, fmt.Errorf("reclaim stale jobs: %w", err)
	}
	return ids, nil
}

// List returns jobs ordered oldest first, optionally filtered by status.
func (s *Store) List(ctx context.Context, statuses ...Status) ([]*Job, error) {
	query := selectJobSQL
	args := make([]any, 0, len(statuses))
	if len(statuses) > 0 {
		query += ` WHERE status IN (?` + repeatPlaceholder(len(statuses)-1) + `)`
		for _, status := range statuses {
			args = append(args, string(status))
		}
	}
	query += ` ORDER BY created_at ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var result []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("list jobs: %w", err)
		}
		result = append(result, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return result, nil
}

// Stats returns the number of jobs per status.
func (s *Store) Stats(ctx context.Context) (map[Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("job stats: %w", err)
	}
	defer rows.Close()

	stats := make(map[Status]int, len(allStatuses))
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("job stats: %w", err)
		}
		stats[Status(status)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("job stats: %w", err)
	}
	return stats, nil
}

// RetryFailed resubmits every FAILURE job as a fresh PENDING record and
// returns the new ids so the caller can dispatch them. FAILURE is terminal:
// the original record is never transitioned back, it is replaced by a clone
// under a new id that starts the lifecycle from the beginning.
func (s *Store) RetryFailed(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, `
        SELECT id, input_ref, source_name, queue_name FROM jobs
        WHERE status = ? ORDER BY created_at ASC`,
		string(StatusFailure),
	)
	if err != nil {
		return nil, fmt.Errorf("select failed jobs: %w", err)
	}
	type failedJob struct {
		id        string
		inputRef  string
		source    string
		queueName string
	}
	var failed []failedJob
	for rows.Next() {
		var f failedJob
		var source sql.NullString
		if err := rows.Scan(&f.id, &f.inputRef, &source, &f.queueName); err != nil {
			rows.Close()
			return nil, fmt.Errorf("select failed jobs: %w", err)
		}
		f.source = source.String
		failed = append(failed, f)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("select failed jobs: %w", err)
	}
	rows.Close()

	if len(failed) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(failed))
	for _, f := range failed {
		clone := NewJob(uuid.NewString(), f.inputRef, f.source, f.queueName)
		clone.StatusMessage = "Retry requested"
		if err := s.insertJob(ctx, clone); err != nil {
			return nil, fmt.Errorf("clone failed job %s: %w", f.id, err)
		}
		if _, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, f.id); err != nil {
			return nil, fmt.Errorf("remove superseded job %s: %w", f.id, err)
		}
		ids = append(ids, clone.ID)
	}
	return ids, nil
}

// ClearCompleted removes SUCCESS jobs and returns the number deleted.
func (s *Store) ClearCompleted(ctx context.Context) (int, error) {
	return s.deleteByStatus(ctx, StatusSuccess)
}

// ClearFailed removes FAILURE jobs and returns the number deleted.
func (s *Store) ClearFailed(ctx context.Context) (int, error) {
	return s.deleteByStatus(ctx, StatusFailure)
}

func (s *Store) deleteByStatus(ctx context.Context, status Status) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE status = ?`, string(status))
	if err != nil {
		return 0, fmt.Errorf("clear %s jobs: %w", status, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("clear %s jobs: %w", status, err)
	}
	return int(affected), nil
}

// Remove deletes a single job regardless of status.
func (s *Store) Remove(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("remove job %s: %w", id, err)
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return ErrNotFound
	}
	return nil
}

// Health verifies the database is reachable and writable.
func (s *Store) Health(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database unreachable: %w", err)
	}
	var version int
	if err := s.db.QueryRowContext(ctx, `SELECT version FROM schema_version`).Scan(&version); err != nil {
		return fmt.Errorf("schema check: %w", err)
	}
	return nil
}

const selectJobSQL = `
    SELECT id, input_ref, source_name, queue_name, stage, status,
           status_message, progress_json, output_ref, error_message,
           failure_reason, claim_epoch, created_at, updated_at, last_heartbeat
    FROM jobs`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var (
		job           Job
		sourceName    sql.NullString
		statusMessage sql.NullString
		progressJSON  sql.NullString
		outputRef     sql.NullString
		errorMessage  sql.NullString
		failureReason sql.NullString
		claimEpoch    sql.NullString
		stage         string
		status        string
		createdAt     string
		updatedAt     string
		lastHeartbeat sql.NullString
	)
	err := row.Scan(
		&job.ID, &job.InputRef, &sourceName, &job.QueueName, &stage, &status,
		&statusMessage, &progressJSON, &outputRef, &errorMessage,
		&failureReason, &claimEpoch, &createdAt, &updatedAt, &lastHeartbeat,
	)
	if err != nil {
		return nil, err
	}

	job.SourceName = sourceName.String
	job.Stage = Stage(stage)
	job.Status = Status(status)
	job.StatusMessage = statusMessage.String
	job.OutputRef = outputRef.String
	job.ErrorMessage = errorMessage.String
	job.FailureReason = failureReason.String
	job.ClaimEpoch = claimEpoch.String

	job.Progress = make(Metrics)
	if progressJSON.Valid && progressJSON.String != "" {
		if err := json.Unmarshal([]byte(progressJSON.String), &job.Progress); err != nil {
			return nil, fmt.Errorf("decode progress for job %s: %w", job.ID, err)
		}
	}

	if job.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("decode created_at for job %s: %w", job.ID, err)
	}
	if job.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("decode updated_at for job %s: %w", job.ID, err)
	}
	if lastHeartbeat.Valid && lastHeartbeat.String != "" {
		hb, err := parseTime(lastHeartbeat.String)
		if err != nil {
			return nil, fmt.Errorf("decode last_heartbeat for job %s: %w", job.ID, err)
		}
		job.LastHeartbeat = &hb
	}
	return &job, nil
}

func marshalMetrics(m Metrics) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	encoded, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encode progress: %w", err)
	}
	return string(encoded), nil
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func nullableTime(value *time.Time) any {
	if value == nil {
		return nil
	}
	return formatTime(*value)
}

func formatTime(value time.Time) string {
	return value.UTC().Format(time.RFC3339Nano)
}

func parseTime(value string) (time.Time, error) {
	parsed, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, err
	}
	return parsed.UTC(), nil
}

func repeatPlaceholder(n int) string {
	if n <= 0 {
		return ""
	}
	out := make([]byte, 0, n*3)
	for i := 0; i < n; i++ {
		out = append(out, ", ?"...)
	}
	return string(out)
}
