package api

import (
	"time"

	"framewise/internal/jobs"
	"framewise/internal/notify"
)

// StatusEnvelope is the wire shape returned by the status endpoint and
// streamed over the events channel.
type StatusEnvelope struct {
	TaskID string     `json:"task_id"`
	Status StatusBody `json:"status"`
}

// StatusBody carries the lifecycle state, a human-readable status line, and
// the numeric progress metadata.
type StatusBody struct {
	State  string     `json:"state"`
	Status string     `json:"status"`
	Meta   StatusMeta `json:"meta"`
}

// StatusMeta is the numeric progress block. All counters are monotonically
// non-decreasing over one job's lifetime.
type StatusMeta struct {
	TotalFrames    int64  `json:"total_frames"`
	AnalyzedFrames int64  `json:"analyzed_frames"`
	EnhancedCount  int64  `json:"enhanced_count"`
	CopiedCount    int64  `json:"copied_count"`
	BlurryCount    int64  `json:"blurry_count"`
	DarkCount      int64  `json:"dark_count"`
	GoodCount      int64  `json:"good_count"`
	CurrentFrame   int64  `json:"current_frame"`
	OutputPath     string `json:"output_path,omitempty"`
	Error          string `json:"error,omitempty"`
	FailureReason  string `json:"failure_reason,omitempty"`
	Stage          string `json:"stage,omitempty"`
}

// SubmitResponse acknowledges an accepted submission.
type SubmitResponse struct {
	Status        string `json:"status"`
	Message       string `json:"message"`
	TaskID        string `json:"task_id"`
	SourceName    string `json:"original_filename,omitempty"`
	TaskStatusURL string `json:"task_status_url"`
}

// JobSummary is one row of the jobs listing.
type JobSummary struct {
	TaskID        string    `json:"task_id"`
	SourceName    string    `json:"original_filename,omitempty"`
	Stage         string    `json:"stage"`
	State         string    `json:"state"`
	Status        string    `json:"status"`
	FailureReason string    `json:"failure_reason,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// StatsResponse summarizes queue occupancy per lifecycle state.
type StatsResponse struct {
	Total   int            `json:"total"`
	Depth   int            `json:"queue_depth"`
	ByState map[string]int `json:"by_state"`
}

// HealthResponse reports daemon and stage readiness.
type HealthResponse struct {
	Ready  bool          `json:"ready"`
	Stages []StageHealth `json:"stages"`
}

// StageHealth is the readiness of one pipeline stage.
type StageHealth struct {
	Name   string `json:"name"`
	Ready  bool   `json:"ready"`
	Detail string `json:"detail,omitempty"`
}

func metricsMeta(m jobs.Metrics) StatusMeta {
	return StatusMeta{
		TotalFrames:    m[jobs.MetricTotalFrames],
		AnalyzedFrames: m[jobs.MetricAnalyzedFrames],
		EnhancedCount:  m[jobs.MetricEnhancedCount],
		CopiedCount:    m[jobs.MetricCopiedCount],
		BlurryCount:    m[jobs.MetricBlurryCount],
		DarkCount:      m[jobs.MetricDarkCount],
		GoodCount:      m[jobs.MetricGoodCount],
		CurrentFrame:   m[jobs.MetricCurrentFrame],
	}
}

// EnvelopeFromJob builds the wire shape from a persisted record.
func EnvelopeFromJob(job *jobs.Job) StatusEnvelope {
	meta := metricsMeta(job.Progress)
	meta.OutputPath = job.OutputRef
	meta.Error = job.ErrorMessage
	meta.FailureReason = job.FailureReason
	meta.Stage = string(job.Stage)
	return StatusEnvelope{
		TaskID: job.ID,
		Status: StatusBody{
			State:  string(job.Status),
			Status: job.StatusMessage,
			Meta:   meta,
		},
	}
}

// EnvelopeFromSnapshot builds the wire shape from a broadcast snapshot.
func EnvelopeFromSnapshot(snap notify.Snapshot) StatusEnvelope {
	meta := metricsMeta(snap.Progress)
	meta.OutputPath = snap.OutputRef
	meta.Error = snap.ErrorMessage
	meta.FailureReason = snap.FailureReason
	meta.Stage = string(snap.Stage)
	return StatusEnvelope{
		TaskID: snap.JobID,
		Status: StatusBody{
			State:  string(snap.Status),
			Status: snap.StatusMessage,
			Meta:   meta,
		},
	}
}

// SummaryFromJob builds a listing row from a persisted record.
func SummaryFromJob(job *jobs.Job) JobSummary {
	return JobSummary{
		TaskID:        job.ID,
		SourceName:    job.SourceName,
		Stage:         string(job.Stage),
		State:         string(job.Status),
		Status:        job.StatusMessage,
		FailureReason: job.FailureReason,
		CreatedAt:     job.CreatedAt,
		UpdatedAt:     job.UpdatedAt,
	}
}
