// Package api implements the submission gateway and status surface over
// HTTP. Uploads are staged into the job workspace and dispatched through the
// broker; status is served from the job store with a live event stream on
// top of the notification hub.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"framewise/internal/broker"
	"framewise/internal/config"
	"framewise/internal/jobs"
	"framewise/internal/logging"
	"framewise/internal/media"
	"framewise/internal/notify"
	"framewise/internal/services"
	"framewise/internal/stage"
)

// maxUploadBytes bounds one submission body.
const maxUploadBytes = 2 << 30

var allowedExtensions = map[string]struct{}{
	".mp4":  {},
	".mov":  {},
	".mkv":  {},
	".avi":  {},
	".webm": {},
}

// HealthReporter exposes stage readiness, implemented by the pipeline
// manager.
type HealthReporter interface {
	Health(ctx context.Context) []stage.Health
}

// Server wires the HTTP surface of the daemon.
type Server struct {
	cfg       *config.Config
	store     *jobs.Store
	broker    *broker.Broker
	publisher *notify.Publisher
	health    HealthReporter
	logger    *slog.Logger
}

// NewServer constructs the gateway.
func NewServer(cfg *config.Config, store *jobs.Store, b *broker.Broker, publisher *notify.Publisher, health HealthReporter, logger *slog.Logger) *Server {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Server{
		cfg:       cfg,
		store:     store,
		broker:    b,
		publisher: publisher,
		health:    health,
		logger:    logging.NewComponentLogger(logger, "api"),
	}
}

// Router assembles the route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)

	r.Get("/healthz", s.handleHealth)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/jobs", s.handleSubmit)
		r.Get("/jobs", s.handleList)
		r.Get("/jobs/{id}/status", s.handleStatus)
		r.Get("/jobs/{id}/events", s.handleEvents)
		r.Post("/jobs/retry-failed", s.handleRetryFailed)
		r.Post("/jobs/clear-completed", s.handleClearCompleted)
		r.Post("/jobs/clear-failed", s.handleClearFailed)
		r.Get("/stats", s.handleStats)
		r.Get("/video/{id}", s.handleVideo)
	})

	return r
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)

	file, header, err := r.FormFile("video")
	if err != nil {
		writeErr(w, http.StatusBadRequest, fmt.Errorf("missing 'video' file: %w", err))
		return
	}
	defer file.Close()

	ext := strings.ToLower(filepath.Ext(header.Filename))
	contentType := header.Header.Get("Content-Type")
	if _, ok := allowedExtensions[ext]; !ok && !strings.HasPrefix(contentType, "video/") {
		writeErr(w, http.StatusBadRequest, fmt.Errorf("file must be a video, got %q", header.Filename))
		return
	}
	if header.Size == 0 {
		writeErr(w, http.StatusBadRequest, fmt.Errorf("uploaded file %q is empty", header.Filename))
		return
	}

	id := uuid.NewString()
	ws := media.NewWorkspace(s.cfg.Paths.StagingDir, id)
	if err := os.MkdirAll(ws.Root(), 0o755); err != nil {
		writeErr(w, http.StatusInternalServerError, fmt.Errorf("create workspace: %w", err))
		return
	}
	inputPath := ws.InputPath(ext)
	if err := stageUpload(inputPath, file); err != nil {
		_ = ws.Remove()
		writeErr(w, http.StatusInternalServerError, fmt.Errorf("stage upload: %w", err))
		return
	}

	job := jobs.NewJob(id, inputPath, header.Filename, s.cfg.Broker.QueueName)
	if err := s.store.Create(ctx, job); err != nil {
		_ = ws.Remove()
		writeErr(w, http.StatusInternalServerError, fmt.Errorf("create job: %w", err))
		return
	}

	// The record and the dispatch commit together or not at all: when the
	// queue stays down after retries, the submission is rolled back so no
	// orphaned PENDING record lingers.
	if err := s.broker.Enqueue(ctx, job.ID, job.InputRef); err != nil {
		s.logger.Error("dispatch failed, rolling back submission",
			logging.String(logging.FieldJobID, job.ID),
			logging.Error(err))
		if removeErr := s.store.Remove(context.WithoutCancel(ctx), job.ID); removeErr != nil {
			s.logger.Error("rollback failed", logging.Error(removeErr))
		}
		_ = ws.Remove()
		writeErr(w, http.StatusServiceUnavailable, errors.New("dispatch queue unavailable, try again later"))
		return
	}

	s.publisher.Announce(job)
	s.publisher.JobAccepted(ctx, job)
	s.logger.Info("job accepted",
		logging.String(logging.FieldJobID, job.ID),
		logging.String("source", header.Filename),
		logging.String("request_id", middleware.GetReqID(ctx)))

	writeJSON(w, http.StatusAccepted, SubmitResponse{
		Status:        "success",
		Message:       "Video enhancement task submitted",
		TaskID:        job.ID,
		SourceName:    header.Filename,
		TaskStatusURL: fmt.Sprintf("/api/v1/jobs/%s/status", job.ID),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.store.Get(r.Context(), id)
	if errors.Is(err, jobs.ErrNotFound) {
		writeErr(w, http.StatusNotFound, fmt.Errorf("unknown task %s", id))
		return
	}
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, EnvelopeFromJob(job))
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	var statuses []jobs.Status
	if raw := strings.TrimSpace(r.URL.Query().Get("state")); raw != "" {
		parsed, ok := jobs.ParseStatus(raw)
		if !ok {
			writeErr(w, http.StatusBadRequest, fmt.Errorf("invalid state: %s", raw))
			return
		}
		statuses = append(statuses, parsed)
	}

	list, err := s.store.List(r.Context(), statuses...)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	resp := make([]JobSummary, 0, len(list))
	for _, job := range list {
		resp = append(resp, SummaryFromJob(job))
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleEvents streams status snapshots for one job as server-sent events.
// The stream starts with the current record so a late subscriber is never
// blind, then follows the hub until the job goes terminal.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	job, err := s.store.Get(ctx, id)
	if errors.Is(err, jobs.ErrNotFound) {
		writeErr(w, http.StatusNotFound, fmt.Errorf("unknown task %s", id))
		return
	}
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeErr(w, http.StatusInternalServerError, errors.New("streaming unsupported"))
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	if err := writeEvent(w, EnvelopeFromJob(job)); err != nil {
		return
	}
	flusher.Flush()
	if job.Terminal() {
		return
	}

	hub := s.publisher.Hub()
	var cursor uint64
	for {
		snapshots, next, err := hub.Fetch(ctx, id, cursor, true)
		if err != nil {
			return
		}
		cursor = next
		for _, snap := range snapshots {
			if err := writeEvent(w, EnvelopeFromSnapshot(snap)); err != nil {
				return
			}
			flusher.Flush()
			if snap.Terminal() {
				return
			}
		}
	}
}

func (s *Server) handleVideo(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.store.Get(r.Context(), id)
	if errors.Is(err, jobs.ErrNotFound) {
		writeErr(w, http.StatusNotFound, fmt.Errorf("unknown task %s", id))
		return
	}
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	if job.Status != jobs.StatusSuccess || job.OutputRef == "" {
		writeErr(w, http.StatusNotFound, errors.New("task not completed or failed"))
		return
	}
	if _, err := os.Stat(job.OutputRef); err != nil {
		writeErr(w, http.StatusNotFound, errors.New("enhanced video not found"))
		return
	}
	w.Header().Set("Content-Type", "video/mp4")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", "enhanced_video_"+id+".mp4"))
	http.ServeFile(w, r, job.OutputRef)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	stats, err := s.store.Stats(ctx)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	depth, err := s.broker.Depth(ctx)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	resp := StatsResponse{
		Depth:   depth,
		ByState: make(map[string]int, len(stats)),
	}
	for status, count := range stats {
		resp.ByState[string(status)] = count
		resp.Total += count
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleRetryFailed resubmits failed jobs under fresh ids and dispatches
// the clones. A clone whose dispatch fails goes straight to FAILURE so it is
// not stranded PENDING with no message behind it.
func (s *Server) handleRetryFailed(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ids, err := s.store.RetryFailed(ctx)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}

	retried := 0
	for _, id := range ids {
		job, err := s.store.Get(ctx, id)
		if err != nil {
			continue
		}
		if err := s.broker.Enqueue(ctx, job.ID, job.InputRef); err != nil {
			if _, failErr := s.store.FailIfRunning(ctx, job.ID,
				services.FailureReason(err), "Re-dispatch failed, queue unavailable"); failErr != nil {
				s.logger.Error("could not record re-dispatch failure", logging.Error(failErr))
			}
			continue
		}
		s.publisher.Announce(job)
		retried++
	}
	writeJSON(w, http.StatusOK, map[string]int{"retried": retried})
}

func (s *Server) handleClearCompleted(w http.ResponseWriter, r *http.Request) {
	removed, err := s.store.ClearCompleted(r.Context())
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
}

func (s *Server) handleClearFailed(w http.ResponseWriter, r *http.Request) {
	removed, err := s.store.ClearFailed(r.Context())
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	resp := HealthResponse{Ready: true}

	if err := s.store.Health(ctx); err != nil {
		resp.Ready = false
		resp.Stages = append(resp.Stages, StageHealth{Name: "store", Detail: err.Error()})
	} else {
		resp.Stages = append(resp.Stages, StageHealth{Name: "store", Ready: true})
	}
	if err := s.broker.Health(ctx); err != nil {
		resp.Ready = false
		resp.Stages = append(resp.Stages, StageHealth{Name: "broker", Detail: err.Error()})
	} else {
		resp.Stages = append(resp.Stages, StageHealth{Name: "broker", Ready: true})
	}
	if s.health != nil {
		for _, check := range s.health.Health(ctx) {
			resp.Stages = append(resp.Stages, StageHealth{
				Name:   check.Name,
				Ready:  check.Ready,
				Detail: check.Detail,
			})
			if !check.Ready {
				resp.Ready = false
			}
		}
	}

	code := http.StatusOK
	if !resp.Ready {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

func stageUpload(dst string, src io.Reader) error {
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, src); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	return out.Close()
}

func writeEvent(w io.Writer, envelope StatusEnvelope) error {
	encoded, err := json.Marshal(envelope)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", encoded)
	return err
}
