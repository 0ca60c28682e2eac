package pipeline

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"framewise/internal/broker"
	"framewise/internal/config"
	"framewise/internal/jobs"
	"framewise/internal/notify"
	"framewise/internal/services"
	"framewise/internal/stage"
	"framewise/internal/testsupport"
)

type fakeHandler struct {
	name    jobs.Stage
	prepare func(context.Context, *jobs.Job) error
	execute func(context.Context, *jobs.Job) error
}

func (f *fakeHandler) Prepare(ctx context.Context, job *jobs.Job) error {
	if f.prepare != nil {
		return f.prepare(ctx, job)
	}
	return nil
}

func (f *fakeHandler) Execute(ctx context.Context, job *jobs.Job) error {
	if f.execute != nil {
		return f.execute(ctx, job)
	}
	return nil
}

func (f *fakeHandler) HealthCheck(ctx context.Context) stage.Health {
	return stage.Healthy(string(f.name))
}

func passingHandlers() map[jobs.Stage]stage.Handler {
	handlers := make(map[jobs.Stage]stage.Handler, len(executionStages))
	for _, st := range executionStages {
		st := st
		handlers[st] = &fakeHandler{
			name: st,
			execute: func(ctx context.Context, job *jobs.Job) error {
				job.StatusMessage = fmt.Sprintf("%s done", st)
				if st == jobs.StageReconstruct {
					job.OutputRef = "/tmp/out/reconstructed.mp4"
				}
				return nil
			},
		}
	}
	return handlers
}

type fixture struct {
	cfg       *config.Config
	store     *jobs.Store
	hub       *notify.Hub
	publisher *notify.Publisher
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	hub := notify.NewHub(64)
	return fixture{
		cfg:       cfg,
		store:     store,
		hub:       hub,
		publisher: notify.NewPublisher(store, hub, nil, nil),
	}
}

func delivery(jobID, epoch string) broker.Delivery {
	now := time.Now()
	return broker.Delivery{
		MessageID:    1,
		JobID:        jobID,
		Epoch:        epoch,
		Deliveries:   1,
		SoftDeadline: now.Add(time.Minute),
		HardDeadline: now.Add(2 * time.Minute),
	}
}

func TestExecutorRunsAllStages(t *testing.T) {
	fx := newFixture(t)
	exec := NewExecutor(fx.cfg, fx.store, fx.publisher, passingHandlers(), nil)
	ctx := context.Background()

	job := testsupport.NewJob(t, fx.store, "job-1", "/tmp/staging/job-1/input.mp4")
	if err := exec.Process(ctx, delivery(job.ID, "epoch-a")); err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	final, err := fx.store.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if final.Status != jobs.StatusSuccess || final.Stage != jobs.StageComplete {
		t.Fatalf("unexpected terminal record: %+v", final)
	}
	if final.OutputRef != "/tmp/out/reconstructed.mp4" {
		t.Fatalf("output not carried to terminal record: %q", final.OutputRef)
	}

	// Every stage transition was broadcast, in order, ending terminal.
	events, _, err := fx.hub.Fetch(ctx, job.ID, 0, false)
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if len(events) == 0 {
		t.Fatal("expected broadcast snapshots")
	}
	lastIdx := -1
	for _, evt := range events {
		if idx := evt.Stage.Index(); idx < lastIdx {
			t.Fatalf("stage order regressed in stream: %s after index %d", evt.Stage, lastIdx)
		} else {
			lastIdx = idx
		}
	}
	if last := events[len(events)-1]; !last.Terminal() || last.Status != jobs.StatusSuccess {
		t.Fatalf("stream did not end terminal: %+v", last)
	}
}

func TestExecutorRecordsStageFailure(t *testing.T) {
	fx := newFixture(t)
	handlers := passingHandlers()
	handlers[jobs.StageAnalyze] = &fakeHandler{
		name: jobs.StageAnalyze,
		execute: func(ctx context.Context, job *jobs.Job) error {
			return services.Wrap(services.ErrStageExecution, "analyze", "classify frame",
				"Quality analysis failed on frame frame_000003.jpg", errors.New("decode error"))
		},
	}
	exec := NewExecutor(fx.cfg, fx.store, fx.publisher, handlers, nil)
	ctx := context.Background()

	job := testsupport.NewJob(t, fx.store, "job-1", "/tmp/staging/job-1/input.mp4")
	if err := exec.Process(ctx, delivery(job.ID, "epoch-a")); err != nil {
		t.Fatalf("Process should settle failures, got %v", err)
	}

	final, err := fx.store.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if final.Status != jobs.StatusFailure || final.FailureReason != "stage_execution" {
		t.Fatalf("unexpected failure record: %+v", final)
	}
	if final.Stage != jobs.StageAnalyze {
		t.Fatalf("stage should stay where the failure occurred: %s", final.Stage)
	}
}

func TestExecutorSoftTimeout(t *testing.T) {
	fx := newFixture(t)
	handlers := passingHandlers()
	handlers[jobs.StageEnhance] = &fakeHandler{
		name: jobs.StageEnhance,
		execute: func(ctx context.Context, job *jobs.Job) error {
			<-ctx.Done()
			return ctx.Err()
		},
	}
	exec := NewExecutor(fx.cfg, fx.store, fx.publisher, handlers, nil)
	ctx := context.Background()

	job := testsupport.NewJob(t, fx.store, "job-1", "/tmp/staging/job-1/input.mp4")
	d := delivery(job.ID, "epoch-a")
	d.SoftDeadline = time.Now().Add(50 * time.Millisecond)

	if err := exec.Process(ctx, d); err != nil {
		t.Fatalf("Process should settle timeouts, got %v", err)
	}

	final, err := fx.store.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if final.Status != jobs.StatusFailure || final.FailureReason != "soft_timeout" {
		t.Fatalf("unexpected timeout record: %+v", final)
	}
}

func TestExecutorRejectsForeignEpoch(t *testing.T) {
	fx := newFixture(t)
	exec := NewExecutor(fx.cfg, fx.store, fx.publisher, passingHandlers(), nil)
	ctx := context.Background()

	job := testsupport.NewJob(t, fx.store, "job-1", "/tmp/staging/job-1/input.mp4")
	if err := fx.store.MarkStarted(ctx, job.ID, "epoch-live"); err != nil {
		t.Fatalf("MarkStarted failed: %v", err)
	}

	err := exec.Process(ctx, delivery(job.ID, "epoch-stale"))
	if !errors.Is(err, jobs.ErrAlreadyOwned) {
		t.Fatalf("expected ErrAlreadyOwned, got %v", err)
	}

	// The live claim's record is untouched.
	current, err := fx.store.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if current.ClaimEpoch != "epoch-live" || current.Status != jobs.StatusStarted {
		t.Fatalf("record mutated by stale delivery: %+v", current)
	}
}

func TestManagerEnforcesHardTimeout(t *testing.T) {
	fx := newFixture(t)
	b := broker.New(fx.store, fx.cfg, nil)
	mgr := NewManager(fx.cfg, fx.store, b, fx.publisher, passingHandlers(), nil)
	ctx := context.Background()

	job := testsupport.NewJob(t, fx.store, "job-1", "/tmp/staging/job-1/input.mp4")
	if err := b.Enqueue(ctx, job.ID, job.InputRef); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	claimed, err := b.Claim(ctx)
	if err != nil || claimed == nil {
		t.Fatalf("Claim = (%+v, %v)", claimed, err)
	}
	if err := fx.store.MarkStarted(ctx, job.ID, claimed.Epoch); err != nil {
		t.Fatalf("MarkStarted failed: %v", err)
	}

	if err := mgr.enforceHardTimeout(ctx, claimed.HardDeadline.Add(time.Second)); err != nil {
		t.Fatalf("enforceHardTimeout failed: %v", err)
	}

	final, err := fx.store.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if final.Status != jobs.StatusFailure || final.FailureReason != "hard_timeout" {
		t.Fatalf("unexpected record after enforcement: %+v", final)
	}
	// The enforcement was broadcast to subscribers.
	snap, ok := fx.hub.Latest(job.ID)
	if !ok || snap.FailureReason != "hard_timeout" {
		t.Fatalf("enforcement not broadcast: (%+v, %v)", snap, ok)
	}
	// A job that already finished is left alone on the next sweep.
	if err := mgr.enforceHardTimeout(ctx, claimed.HardDeadline.Add(time.Minute)); err != nil {
		t.Fatalf("second sweep failed: %v", err)
	}
}

func TestExecutorSoftTimeoutWithKilledSubprocess(t *testing.T) {
	fx := newFixture(t)
	handlers := passingHandlers()
	handlers[jobs.StageEnhance] = &fakeHandler{
		name: jobs.StageEnhance,
		execute: func(ctx context.Context, job *jobs.Job) error {
			<-ctx.Done()
			// A subprocess killed at the deadline reports the signal, not
			// the context error.
			return services.Wrap(services.ErrExternalTool, "enhance", "run ffmpeg",
				"ffmpeg exited abnormally", errors.New("signal: killed"))
		},
	}
	exec := NewExecutor(fx.cfg, fx.store, fx.publisher, handlers, nil)
	ctx := context.Background()

	job := testsupport.NewJob(t, fx.store, "job-1", "/tmp/staging/job-1/input.mp4")
	d := delivery(job.ID, "epoch-a")
	d.SoftDeadline = time.Now().Add(50 * time.Millisecond)

	if err := exec.Process(ctx, d); err != nil {
		t.Fatalf("Process should settle timeouts, got %v", err)
	}

	final, err := fx.store.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if final.Status != jobs.StatusFailure || final.FailureReason != "soft_timeout" {
		t.Fatalf("expired deadline not recorded as soft timeout: %+v", final)
	}
}

func TestManagerReclaimsStalledWorker(t *testing.T) {
	fx := newFixture(t)
	b := broker.New(fx.store, fx.cfg, nil)
	mgr := NewManager(fx.cfg, fx.store, b, fx.publisher, passingHandlers(), nil)
	ctx := context.Background()

	// A worker claims and marks the job, then dies before persisting a
	// terminal record; its delivery is pushed back.
	job := testsupport.NewJob(t, fx.store, "job-1", "/tmp/staging/job-1/input.mp4")
	if err := b.Enqueue(ctx, job.ID, job.InputRef); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	claimed, err := b.Claim(ctx)
	if err != nil || claimed == nil {
		t.Fatalf("Claim = (%+v, %v)", claimed, err)
	}
	if err := fx.store.MarkStarted(ctx, job.ID, claimed.Epoch); err != nil {
		t.Fatalf("MarkStarted failed: %v", err)
	}
	if err := b.Nack(ctx, claimed.MessageID); err != nil {
		t.Fatalf("Nack failed: %v", err)
	}

	// The redelivery carries a fresh epoch, so it is settled as a duplicate
	// and the job stays STARTED with no dispatch behind it.
	redelivered, err := b.Claim(ctx)
	if err != nil || redelivered == nil {
		t.Fatalf("re-Claim = (%+v, %v)", redelivered, err)
	}
	mgr.handleDelivery(ctx, mgr.logger, *redelivered)

	stuck, err := fx.store.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if stuck.Status != jobs.StatusStarted {
		t.Fatalf("expected STARTED before the sweep, got %+v", stuck)
	}
	if depth, err := b.Depth(ctx); err != nil || depth != 0 {
		t.Fatalf("Depth = (%d, %v), want empty queue", depth, err)
	}

	// Only the heartbeat sweep can drive the job terminal now.
	future := time.Now().Add(24 * time.Hour)
	if err := mgr.enforceHardTimeout(ctx, future); err != nil {
		t.Fatalf("enforceHardTimeout failed: %v", err)
	}
	if err := mgr.enforceHeartbeatTimeout(ctx, future); err != nil {
		t.Fatalf("enforceHeartbeatTimeout failed: %v", err)
	}

	final, err := fx.store.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if final.Status != jobs.StatusFailure || final.FailureReason != "heartbeat_timeout" {
		t.Fatalf("stalled job not reclaimed: %+v", final)
	}
	snap, ok := fx.hub.Latest(job.ID)
	if !ok || snap.FailureReason != "heartbeat_timeout" {
		t.Fatalf("reclamation not broadcast: (%+v, %v)", snap, ok)
	}

	// An actively heartbeating job survives the same sweep.
	live := testsupport.NewJob(t, fx.store, "job-2", "/tmp/staging/job-2/input.mp4")
	if err := fx.store.MarkStarted(ctx, live.ID, "epoch-live"); err != nil {
		t.Fatalf("MarkStarted failed: %v", err)
	}
	if err := mgr.enforceHeartbeatTimeout(ctx, time.Now()); err != nil {
		t.Fatalf("enforceHeartbeatTimeout failed: %v", err)
	}
	current, err := fx.store.Get(ctx, live.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if current.Status != jobs.StatusStarted {
		t.Fatalf("fresh claim swept prematurely: %+v", current)
	}
}

func TestManagerStartStop(t *testing.T) {
	fx := newFixture(t)
	b := broker.New(fx.store, fx.cfg, nil)
	mgr := NewManager(fx.cfg, fx.store, b, fx.publisher, passingHandlers(), nil)

	if err := mgr.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := mgr.Start(context.Background()); err == nil {
		t.Fatal("second Start should fail")
	}
	if !mgr.Running() {
		t.Fatal("manager should report running")
	}
	mgr.Stop()
	if mgr.Running() {
		t.Fatal("manager should report stopped")
	}
}

func TestManagerProcessesQueue(t *testing.T) {
	fx := newFixture(t)
	b := broker.New(fx.store, fx.cfg, nil)
	mgr := NewManager(fx.cfg, fx.store, b, fx.publisher, passingHandlers(), nil)
	ctx := context.Background()

	job := testsupport.NewJob(t, fx.store, "job-1", "/tmp/staging/job-1/input.mp4")
	if err := b.Enqueue(ctx, job.ID, job.InputRef); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	if err := mgr.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer mgr.Stop()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		final, err := fx.store.Get(ctx, job.ID)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if final.Terminal() {
			if final.Status != jobs.StatusSuccess {
				t.Fatalf("unexpected terminal record: %+v", final)
			}
			// The ack trails the terminal write; give it a moment.
			for time.Now().Before(deadline) {
				depth, err := b.Depth(ctx)
				if err != nil {
					t.Fatalf("Depth failed: %v", err)
				}
				if depth == 0 {
					return
				}
				time.Sleep(20 * time.Millisecond)
			}
			t.Fatal("queue not drained after terminal status")
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("job did not reach a terminal status in time")
}
