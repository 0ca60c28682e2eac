// Package notify fans job status changes out to live subscribers and to
// optional ntfy push notifications. Persistence always happens before
// broadcast, so a subscriber that reconnects and re-reads the store never
// observes an older record than the events it already saw.
package notify

import (
	"time"

	"framewise/internal/jobs"
)

// Snapshot is one immutable observation of a job, captured after the record
// was persisted. Sequence numbers are assigned per job and strictly increase
// in publication order.
type Snapshot struct {
	Sequence      uint64
	JobID         string
	Stage         jobs.Stage
	Status        jobs.Status
	StatusMessage string
	Progress      jobs.Metrics
	OutputRef     string
	ErrorMessage  string
	FailureReason string
	Timestamp     time.Time
}

// Terminal reports whether this snapshot describes a finished job.
func (s Snapshot) Terminal() bool {
	return s.Status.Terminal()
}

func snapshotOf(job *jobs.Job) Snapshot {
	return Snapshot{
		JobID:         job.ID,
		Stage:         job.Stage,
		Status:        job.Status,
		StatusMessage: job.StatusMessage,
		Progress:      job.Progress.Clone(),
		OutputRef:     job.OutputRef,
		ErrorMessage:  job.ErrorMessage,
		FailureReason: job.FailureReason,
		Timestamp:     time.Now().UTC(),
	}
}
