// Package api is the HTTP front end: upload intake, job status, the SSE
// stream, the rendered analysis page, and operational endpoints.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"

	"github.com/Shaydu/mondrian/internal/config"
	"github.com/Shaydu/mondrian/internal/engine"
	"github.com/Shaydu/mondrian/internal/events"
	"github.com/Shaydu/mondrian/internal/logging"
	"github.com/Shaydu/mondrian/internal/metrics"
	"github.com/Shaydu/mondrian/internal/render"
	"github.com/Shaydu/mondrian/internal/store"
	"github.com/Shaydu/mondrian/internal/supervisor"
	"github.com/Shaydu/mondrian/internal/types"
)

// Server serves the HTTP API.
type Server struct {
	cfg     config.ServerConfig
	engine  *engine.Engine
	store   *store.Store
	catalog engine.Catalog
	bus     *events.Bus
	sup     *supervisor.Supervisor
	metrics *metrics.Metrics
	version string
	mode    string
	started time.Time
}

// New builds a server. sup and m may be nil. mode names the configured model
// provider and is surfaced on the health endpoint.
func New(cfg config.ServerConfig, eng *engine.Engine, st *store.Store, catalog engine.Catalog, bus *events.Bus, sup *supervisor.Supervisor, m *metrics.Metrics, version, mode string) *Server {
	return &Server{
		cfg:     cfg,
		engine:  eng,
		store:   st,
		catalog: catalog,
		bus:     bus,
		sup:     sup,
		metrics: m,
		version: version,
		mode:    mode,
		started: time.Now(),
	}
}

// Router assembles the chi router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"*"},
	}))

	// The stream endpoint is long-lived; everything else gets a timeout.
	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(60 * time.Second))
		r.Post("/upload", s.handleUpload)
		r.Get("/status/{id}", s.handleStatus)
		r.Get("/jobs", s.handleJobs)
		r.Get("/analysis/{id}", s.handleAnalysis)
		r.Get("/advisors", s.handleAdvisors)
		r.Get("/advisors/{id}", s.handleAdvisor)
		r.Get("/health", s.handleHealth)
		r.Get("/supervisor", s.handleSupervisor)
		if s.metrics != nil {
			r.Handle("/metrics", s.metrics.Handler())
		}
	})
	r.Get("/stream/{id}", s.handleStream)
	return r
}

// errorPayload is the uniform error body: message plus taxonomy kind.
type errorPayload struct {
	Error string          `json:"error"`
	Kind  types.ErrorKind `json:"kind"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, kind types.ErrorKind, msg string) {
	writeJSON(w, status, errorPayload{Error: msg, Kind: kind})
}

// writeDomainError maps a JobError to an HTTP status.
func writeDomainError(w http.ResponseWriter, err error) {
	kind := types.KindOf(err)
	msg := err.Error()
	var je *types.JobError
	if errors.As(err, &je) {
		msg = je.Message
	}
	status := http.StatusInternalServerError
	switch kind {
	case types.ErrKindBadInput:
		status = http.StatusBadRequest
	case types.ErrKindUnavailable:
		status = http.StatusServiceUnavailable
	}
	writeError(w, status, kind, msg)
}

// truthy interprets a form flag the way browsers send them.
func truthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(s.cfg.MaxUploadBytes()); err != nil {
		writeError(w, http.StatusBadRequest, types.ErrKindBadInput, "invalid multipart form: "+err.Error())
		return
	}

	file, header, err := r.FormFile("image")
	if err != nil {
		writeError(w, http.StatusBadRequest, types.ErrKindBadInput, "image file is required")
		return
	}
	defer file.Close()

	selection := strings.TrimSpace(r.FormValue("advisor"))
	if selection == "" {
		writeError(w, http.StatusBadRequest, types.ErrKindBadInput, "advisor is required")
		return
	}

	// mode is authoritative; enable_rag survives as a deprecated alias
	// applied only when mode is omitted.
	modeField := r.FormValue("mode")
	mode, err := types.ParseMode(modeField)
	if err != nil {
		writeError(w, http.StatusBadRequest, types.ErrKindBadInput, err.Error())
		return
	}
	enableRAG := truthy(r.FormValue("enable_rag"))
	if modeField == "" && enableRAG {
		mode = types.ModeRAG
	}

	autoAnalyze := true
	if v := r.FormValue("auto_analyze"); v != "" {
		autoAnalyze = truthy(v)
	}

	// Validate the selection before touching the disk so a bad request
	// leaves nothing behind.
	if _, err := s.catalog.Resolve(selection); err != nil {
		writeDomainError(w, err)
		return
	}

	path, err := s.saveUpload(file, header.Filename)
	if err != nil {
		logging.APIError("Failed to persist upload: %v", err)
		writeError(w, http.StatusInternalServerError, types.ErrKindInternal, "failed to persist upload")
		return
	}

	job, err := s.engine.Submit(r.Context(), engine.SubmitRequest{
		ImagePath:   path,
		Selection:   selection,
		Mode:        mode,
		AutoAnalyze: autoAnalyze,
	})
	if err != nil {
		os.Remove(path)
		writeDomainError(w, err)
		return
	}

	logging.API("Upload accepted: job %s, advisor %s, mode %s", job.ID, selection, mode)
	writeJSON(w, http.StatusOK, map[string]any{
		"job_id":     job.ID,
		"advisor":    selection,
		"status":     job.Status,
		"enable_rag": mode == types.ModeRAG || mode == types.ModeRAGLoRA,
		"stream_url": "/stream/" + job.ID,
		"status_url": "/status/" + job.ID,
	})
}

func (s *Server) saveUpload(file io.Reader, original string) (string, error) {
	if err := os.MkdirAll(s.cfg.UploadDir, 0o755); err != nil {
		return "", err
	}
	ext := strings.ToLower(filepath.Ext(original))
	name := uuid.NewString() + ext
	path := filepath.Join(s.cfg.UploadDir, name)
	dst, err := os.Create(path)
	if err != nil {
		return "", err
	}
	defer dst.Close()
	if _, err := io.Copy(dst, file); err != nil {
		os.Remove(path)
		return "", err
	}
	return path, nil
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) *types.Job {
	id := chi.URLParam(r, "id")
	job, err := s.store.GetJob(r.Context(), id)
	if errors.Is(err, store.ErrJobNotFound) {
		writeError(w, http.StatusNotFound, types.ErrKindBadInput, fmt.Sprintf("unknown job %q", id))
		return nil
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, types.ErrKindInternal, err.Error())
		return nil
	}
	return job
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	job := s.getJob(w, r)
	if job == nil {
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// handleJobs lists recent jobs, newest first, optionally filtered to a
// comma-separated set of statuses.
func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, types.ErrKindBadInput, "limit must be a positive integer")
			return
		}
		limit = n
	}
	var statuses []types.Status
	if v := r.URL.Query().Get("status"); v != "" {
		for _, part := range strings.Split(v, ",") {
			st, err := types.ParseStatus(part)
			if err != nil {
				writeError(w, http.StatusBadRequest, types.ErrKindBadInput, err.Error())
				return
			}
			statuses = append(statuses, st)
		}
	}
	jobs, err := s.store.ListJobs(r.Context(), limit, statuses...)
	if err != nil {
		writeError(w, http.StatusInternalServerError, types.ErrKindInternal, "failed to list jobs")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs, "count": len(jobs)})
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	job := s.getJob(w, r)
	if job == nil {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, types.ErrKindInternal, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	write := func(ev events.Event) bool {
		frame, err := ev.MarshalSSE()
		if err != nil {
			logging.SSEWarn("Failed to frame event for job %s: %v", job.ID, err)
			return true
		}
		if _, err := w.Write(frame); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}

	// Subscribe before the snapshot so nothing slips between them.
	sub := s.bus.Subscribe(job.ID)
	defer sub.Cancel()

	if !write(events.NewEvent(events.EventConnected, job.ID, nil)) {
		return
	}
	if !write(events.StatusUpdate(job)) {
		return
	}
	if job.Terminal() {
		write(events.NewEvent(events.EventDone, job.ID, nil))
		return
	}

	for {
		select {
		case <-r.Context().Done():
			logging.SSEDebug("Client left stream for job %s", job.ID)
			return
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			if !write(ev) {
				return
			}
			if ev.Type == events.EventDone {
				return
			}
		}
	}
}

func (s *Server) handleAnalysis(w http.ResponseWriter, r *http.Request) {
	job := s.getJob(w, r)
	if job == nil {
		return
	}
	if job.Status == types.StatusError {
		writeError(w, http.StatusNotFound, job.ErrorKind, job.ErrorMessage)
		return
	}
	if job.Status != types.StatusDone {
		w.Header().Set("Retry-After", "2")
		writeJSON(w, http.StatusAccepted, map[string]any{
			"job_id":     job.ID,
			"status":     job.Status,
			"percentage": job.Percentage,
		})
		return
	}

	advMap := make(map[string]*types.Advisor, len(job.AdvisorIDs))
	for _, id := range job.AdvisorIDs {
		if adv, err := s.catalog.Get(id); err == nil {
			advMap[id] = adv
		}
	}
	page, err := render.Page(job, advMap)
	if err != nil {
		writeError(w, http.StatusInternalServerError, types.ErrKindInternal, err.Error())
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(page)
}

func (s *Server) handleAdvisors(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"advisors": s.catalog.List()})
}

func (s *Server) handleAdvisor(w http.ResponseWriter, r *http.Request) {
	adv, err := s.catalog.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusNotFound, types.ErrKindBadInput, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, adv)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "healthy",
		"version":        s.version,
		"mode":           s.mode,
		"jobs_active":    s.engine.ActiveJobs(r.Context()),
		"advisors":       len(s.catalog.List()),
		"uptime_seconds": int(time.Since(s.started).Seconds()),
	})
}

func (s *Server) handleSupervisor(w http.ResponseWriter, r *http.Request) {
	if s.sup == nil {
		writeJSON(w, http.StatusOK, map[string]any{"children": []any{}})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"children": s.sup.Snapshot()})
}
