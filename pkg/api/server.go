package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/METResearchGroup/bluesky-research-sub005/pkg/coordinator"
	"github.com/METResearchGroup/bluesky-research-sub005/pkg/events"
	"github.com/METResearchGroup/bluesky-research-sub005/pkg/log"
	"github.com/METResearchGroup/bluesky-research-sub005/pkg/metrics"
	"github.com/METResearchGroup/bluesky-research-sub005/pkg/storage"
	"github.com/METResearchGroup/bluesky-research-sub005/pkg/types"
	"github.com/rs/zerolog"
)

// Error codes returned in JSON error bodies. Clients branch on these rather
// than parsing messages.
const (
	CodeInvalidSpec    = "invalid_spec"
	CodeJobNotFound    = "job_not_found"
	CodeUnknownHandler = "unknown_handler"
	CodeJobTerminal    = "job_terminal"
	CodeInternal       = "internal"
)

// ErrorResponse is the JSON body of every non-2xx response
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// SubmitRequest is the body of POST /v1/jobs
type SubmitRequest struct {
	Spec        *types.JobSpec `json:"spec"`
	SubmittedBy string         `json:"submitted_by,omitempty"`
}

// Server exposes the job control plane over HTTP JSON
type Server struct {
	coordinator *coordinator.Coordinator
	store       storage.Store
	broker      *events.Broker
	logDir      string
	logger      zerolog.Logger
	mux         *http.ServeMux
	http        *http.Server
}

// NewServer creates an API server
func NewServer(coord *coordinator.Coordinator, store storage.Store, broker *events.Broker, logDir string) *Server {
	mux := http.NewServeMux()
	s := &Server{
		coordinator: coord,
		store:       store,
		broker:      broker,
		logDir:      logDir,
		logger:      log.WithComponent("api"),
		mux:         mux,
	}

	mux.HandleFunc("GET /health", s.healthHandler)
	mux.HandleFunc("GET /ready", s.readyHandler)
	mux.Handle("GET /metrics", metrics.Handler())

	mux.HandleFunc("POST /v1/jobs", s.submitHandler)
	mux.HandleFunc("GET /v1/jobs", s.listJobsHandler)
	mux.HandleFunc("GET /v1/jobs/{id}", s.getJobHandler)
	mux.HandleFunc("GET /v1/jobs/{id}/tasks", s.listTasksHandler)
	mux.HandleFunc("POST /v1/jobs/{id}/cancel", s.cancelHandler)
	mux.HandleFunc("GET /v1/jobs/{id}/logs", s.logsHandler)
	mux.HandleFunc("GET /v1/events", s.eventsHandler)

	return s
}

// Start begins serving on addr. Blocks until the listener fails or Stop is
// called.
func (s *Server) Start(addr string) error {
	s.http = &http.Server{
		Addr:         addr,
		Handler:      s.mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	s.logger.Info().Str("addr", addr).Msg("api listening")

	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop gracefully shuts down the server
func (s *Server) Stop(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

// Handler returns the underlying mux, for tests
func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
	})
}

func (s *Server) readyHandler(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string)
	ready := true

	if _, err := s.store.ListJobs(); err != nil {
		checks["storage"] = err.Error()
		ready = false
	} else {
		checks["storage"] = "ok"
	}

	status := http.StatusOK
	state := "ready"
	if !ready {
		status = http.StatusServiceUnavailable
		state = "not ready"
	}
	writeJSON(w, status, map[string]any{
		"status":    state,
		"timestamp": time.Now().UTC(),
		"checks":    checks,
	})
}

func (s *Server) submitHandler(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidSpec, "malformed request body: "+err.Error())
		return
	}
	if req.Spec == nil {
		writeError(w, http.StatusBadRequest, CodeInvalidSpec, "missing job spec")
		return
	}

	job, err := s.coordinator.Submit(r.Context(), req.Spec, req.SubmittedBy)
	if err != nil {
		switch {
		case errors.Is(err, coordinator.ErrUnknownHandler):
			writeError(w, http.StatusUnprocessableEntity, CodeUnknownHandler, err.Error())
		case errors.Is(err, types.ErrInvalidSpec):
			writeError(w, http.StatusBadRequest, CodeInvalidSpec, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, CodeInternal, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

func (s *Server) listJobsHandler(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.store.ListJobs()
	if err != nil {
		writeError(w, http.StatusInternalServerError, CodeInternal, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) getJobHandler(w http.ResponseWriter, r *http.Request) {
	job, err := s.store.GetJob(r.PathValue("id"))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, CodeJobNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, CodeInternal, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) listTasksHandler(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")
	if _, err := s.store.GetJob(jobID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, CodeJobNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, CodeInternal, err.Error())
		return
	}

	var tasks []*types.Task
	var err error
	if status := r.URL.Query().Get("status"); status != "" {
		tasks, err = s.store.ListTasksByStatus(jobID, types.TaskStatus(status))
	} else {
		tasks, err = s.store.ListTasks(jobID)
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, CodeInternal, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) cancelHandler(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")
	err := s.coordinator.Cancel(jobID)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrNotFound):
			writeError(w, http.StatusNotFound, CodeJobNotFound, err.Error())
		case errors.Is(err, coordinator.ErrJobTerminal):
			writeError(w, http.StatusConflict, CodeJobTerminal, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, CodeInternal, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled", "job_id": jobID})
}

// logsHandler streams the per-job log file
func (s *Server) logsHandler(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")
	if _, err := s.store.GetJob(jobID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, CodeJobNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, CodeInternal, err.Error())
		return
	}

	f, err := os.Open(filepath.Join(s.logDir, jobID+".log"))
	if err != nil {
		if os.IsNotExist(err) {
			writeJSON(w, http.StatusOK, map[string]string{})
			return
		}
		writeError(w, http.StatusInternalServerError, CodeInternal, err.Error())
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	_, _ = io.Copy(w, f)
}

func (s *Server) eventsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.broker.Recent())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg, Code: code})
}
