package jobs_test

import (
	"testing"

	"framewise/internal/jobs"
)

func TestStageOrdering(t *testing.T) {
	stages := jobs.Stages()
	if len(stages) != 7 {
		t.Fatalf("expected 7 stages, got %d", len(stages))
	}
	if stages[0] != jobs.StageInit || stages[len(stages)-1] != jobs.StageComplete {
		t.Fatalf("unexpected stage bounds: %v", stages)
	}
	for i, stage := range stages {
		if stage.Index() != i {
			t.Fatalf("stage %s has index %d, expected %d", stage, stage.Index(), i)
		}
	}
	next, ok := jobs.StageAnalyze.Next()
	if !ok || next != jobs.StageEnhance {
		t.Fatalf("expected ANALYZE -> ENHANCE, got %s (ok=%v)", next, ok)
	}
	if _, ok := jobs.StageComplete.Next(); ok {
		t.Fatal("COMPLETE must be the final stage")
	}
}

func TestAdvanceStageRejectsBackwards(t *testing.T) {
	job := jobs.NewJob("job-1", "/tmp/input.mp4", "input.mp4", "media_enhance")
	if err := job.AdvanceStage(jobs.StageAnalyze); err != nil {
		t.Fatalf("AdvanceStage failed: %v", err)
	}
	if err := job.AdvanceStage(jobs.StageSetup); err == nil {
		t.Fatal("expected backwards stage transition to be rejected")
	}
	if job.Stage != jobs.StageAnalyze {
		t.Fatalf("stage mutated on rejected transition: %s", job.Stage)
	}
}

func TestMetricsMonotonic(t *testing.T) {
	m := make(jobs.Metrics)
	m.Set(jobs.MetricCurrentFrame, 10)
	m.Set(jobs.MetricCurrentFrame, 4)
	if m[jobs.MetricCurrentFrame] != 10 {
		t.Fatalf("metric regressed to %d", m[jobs.MetricCurrentFrame])
	}
	m.Merge(jobs.Metrics{jobs.MetricCurrentFrame: 12, jobs.MetricTotalFrames: 100})
	if m[jobs.MetricCurrentFrame] != 12 || m[jobs.MetricTotalFrames] != 100 {
		t.Fatalf("unexpected metrics after merge: %v", m)
	}
}

func TestMetricsValidate(t *testing.T) {
	ok := jobs.Metrics{
		jobs.MetricTotalFrames:    100,
		jobs.MetricAnalyzedFrames: 60,
		jobs.MetricBlurryCount:    10,
		jobs.MetricDarkCount:      20,
		jobs.MetricGoodCount:      30,
		jobs.MetricCurrentFrame:   60,
	}
	if err := ok.Validate(); err != nil {
		t.Fatalf("valid metrics rejected: %v", err)
	}

	badSum := jobs.Metrics{
		jobs.MetricAnalyzedFrames: 60,
		jobs.MetricBlurryCount:    10,
		jobs.MetricDarkCount:      20,
		jobs.MetricGoodCount:      40,
	}
	if err := badSum.Validate(); err == nil {
		t.Fatal("expected category sum mismatch to be rejected")
	}

	overTotal := jobs.Metrics{
		jobs.MetricTotalFrames:    50,
		jobs.MetricAnalyzedFrames: 60,
	}
	if err := overTotal.Validate(); err == nil {
		t.Fatal("expected analyzed > total to be rejected")
	}
}

func TestSetFailedAndSucceeded(t *testing.T) {
	job := jobs.NewJob("job-2", "/tmp/input.mp4", "input.mp4", "media_enhance")

	job.SetFailed("soft_timeout", "Processing exceeded the time limit")
	if job.Status != jobs.StatusFailure || job.FailureReason != "soft_timeout" {
		t.Fatalf("unexpected failure record: %+v", job)
	}
	if !job.Terminal() {
		t.Fatal("FAILURE must be terminal")
	}

	job = jobs.NewJob("job-3", "/tmp/input.mp4", "input.mp4", "media_enhance")
	job.SetSucceeded("/tmp/out/reconstructed.mp4")
	if job.Status != jobs.StatusSuccess || job.Stage != jobs.StageComplete {
		t.Fatalf("unexpected success record: %+v", job)
	}
	if job.OutputRef == "" || job.ErrorMessage != "" {
		t.Fatalf("success record not cleaned: %+v", job)
	}
}
