package jobs

import (
	"fmt"
	"strings"
	"time"
)

// Status represents the lifecycle of a job.
type Status string

const (
	StatusPending Status = "PENDING"
	StatusStarted Status = "STARTED"
	StatusSuccess Status = "SUCCESS"
	StatusFailure Status = "FAILURE"
)

var allStatuses = []Status{StatusPending, StatusStarted, StatusSuccess, StatusFailure}

// AllStatuses returns the ordered list of known statuses.
func AllStatuses() []Status {
	cp := make([]Status, len(allStatuses))
	copy(cp, allStatuses)
	return cp
}

// ParseStatus converts a string into a known Status.
func ParseStatus(value string) (Status, bool) {
	normalized := Status(strings.ToUpper(strings.TrimSpace(value)))
	switch normalized {
	case StatusPending, StatusStarted, StatusSuccess, StatusFailure:
		return normalized, true
	}
	return "", false
}

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailure
}

// Stage is one ordered phase of the enhancement pipeline. The literals are
// stable wire values used for display and in status payloads.
type Stage string

const (
	StageInit        Stage = "INIT"
	StageSetup       Stage = "SETUP"
	StageExtract     Stage = "EXTRACT"
	StageAnalyze     Stage = "ANALYZE"
	StageEnhance     Stage = "ENHANCE"
	StageReconstruct Stage = "RECONSTRUCT"
	StageComplete    Stage = "COMPLETE"
)

var stageOrder = []Stage{
	StageInit,
	StageSetup,
	StageExtract,
	StageAnalyze,
	StageEnhance,
	StageReconstruct,
	StageComplete,
}

var stageIndex = func() map[Stage]int {
	idx := make(map[Stage]int, len(stageOrder))
	for i, s := range stageOrder {
		idx[s] = i
	}
	return idx
}()

// Stages returns the ordered pipeline stage sequence.
func Stages() []Stage {
	cp := make([]Stage, len(stageOrder))
	copy(cp, stageOrder)
	return cp
}

// ParseStage converts a string into a known Stage.
func ParseStage(value string) (Stage, bool) {
	normalized := Stage(strings.ToUpper(strings.TrimSpace(value)))
	_, ok := stageIndex[normalized]
	return normalized, ok
}

// Index returns the position of the stage in the pipeline order, or -1 for
// unknown stages.
func (s Stage) Index() int {
	if idx, ok := stageIndex[s]; ok {
		return idx
	}
	return -1
}

// Next returns the stage following s, or false when s is the final stage.
func (s Stage) Next() (Stage, bool) {
	idx := s.Index()
	if idx < 0 || idx >= len(stageOrder)-1 {
		return "", false
	}
	return stageOrder[idx+1], true
}

// Progress metric keys. Values are monotonically non-decreasing within one
// job's lifetime.
const (
	MetricTotalFrames    = "total_frames"
	MetricAnalyzedFrames = "analyzed_frames"
	MetricEnhancedCount  = "enhanced_count"
	MetricCopiedCount    = "copied_count"
	MetricBlurryCount    = "blurry_count"
	MetricDarkCount      = "dark_count"
	MetricGoodCount      = "good_count"
	MetricCurrentFrame   = "current_frame"
)

// Metrics maps metric names to numeric progress values.
type Metrics map[string]int64

// Set records a metric value, refusing to move backwards.
func (m Metrics) Set(key string, value int64) {
	if current, ok := m[key]; ok && value < current {
		return
	}
	m[key] = value
}

// Merge applies every entry of other through Set.
func (m Metrics) Merge(other Metrics) {
	for key, value := range other {
		m.Set(key, value)
	}
}

// Clone returns an independent copy of the metrics map.
func (m Metrics) Clone() Metrics {
	cp := make(Metrics, len(m))
	for key, value := range m {
		cp[key] = value
	}
	return cp
}

// Validate checks the frame-accounting invariants: category counts must sum
// to the analyzed count, and no counter may exceed the total frame count.
func (m Metrics) Validate() error {
	total, hasTotal := m[MetricTotalFrames]
	analyzed := m[MetricAnalyzedFrames]
	if hasTotal && analyzed > total {
		return fmt.Errorf("analyzed_frames %d exceeds total_frames %d", analyzed, total)
	}
	blurry, hasBlurry := m[MetricBlurryCount]
	dark, hasDark := m[MetricDarkCount]
	good, hasGood := m[MetricGoodCount]
	if hasBlurry || hasDark || hasGood {
		if sum := blurry + dark + good; sum != analyzed {
			return fmt.Errorf("category counts sum to %d, expected analyzed_frames %d", sum, analyzed)
		}
	}
	if hasTotal {
		if current := m[MetricCurrentFrame]; current > total {
			return fmt.Errorf("current_frame %d exceeds total_frames %d", current, total)
		}
	}
	return nil
}

// Job represents one enhancement request persisted in SQLite.
type Job struct {
	ID            string
	InputRef      string
	SourceName    string
	QueueName     string
	Stage         Stage
	Status        Status
	StatusMessage string
	Progress      Metrics
	OutputRef     string
	ErrorMessage  string
	FailureReason string
	ClaimEpoch    string
	CreatedAt     time.Time
	UpdatedAt     time.Time
	LastHeartbeat *time.Time
}

// NewJob builds the initial record for a freshly submitted input.
func NewJob(id, inputRef, sourceName, queueName string) *Job {
	now := time.Now().UTC()
	return &Job{
		ID:            id,
		InputRef:      inputRef,
		SourceName:    sourceName,
		QueueName:     queueName,
		Stage:         StageInit,
		Status:        StatusPending,
		StatusMessage: "Job accepted",
		Progress:      make(Metrics),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// Terminal reports whether the job reached a final status.
func (j *Job) Terminal() bool {
	return j.Status.Terminal()
}

// AdvanceStage moves the job to the given stage. Stage indexes never
// decrease; an attempt to move backwards is rejected.
func (j *Job) AdvanceStage(next Stage) error {
	if next.Index() < 0 {
		return fmt.Errorf("unknown stage %q", next)
	}
	if next.Index() < j.Stage.Index() {
		return fmt.Errorf("stage may not move from %s back to %s", j.Stage, next)
	}
	j.Stage = next
	return nil
}

// MergeProgress folds new metric values into the job, preserving monotonicity.
func (j *Job) MergeProgress(update Metrics) {
	if j.Progress == nil {
		j.Progress = make(Metrics, len(update))
	}
	j.Progress.Merge(update)
}

// SetFailed marks the job failed with a stable reason and a human-readable
// message. The stage is left where the failure occurred.
func (j *Job) SetFailed(reason, message string) {
	j.Status = StatusFailure
	j.FailureReason = reason
	j.ErrorMessage = message
	j.StatusMessage = message
	j.LastHeartbeat = nil
}

// SetSucceeded marks the job complete and records the output artifact.
func (j *Job) SetSucceeded(outputRef string) {
	j.Stage = StageComplete
	j.Status = StatusSuccess
	j.StatusMessage = "Pipeline completed successfully"
	j.OutputRef = outputRef
	j.ErrorMessage = ""
	j.FailureReason = ""
	j.LastHeartbeat = nil
}
