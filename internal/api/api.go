// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package api is the REST facade: it exposes the Execution Manager's job
// lifecycle (create, get, list, cancel, delete) over plain HTTP, the
// external interface the rest of the system treats as the collaborator
// boundary.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/arnikz/cerise/internal/jobstore"
)

// ErrServerClosed is returned by operations attempted on a closed server.
var ErrServerClosed = errors.New("api: server closed")

// ErrShutdownTimeout is returned when graceful shutdown exceeds the
// configured ShutdownTimeout.
var ErrShutdownTimeout = errors.New("api: shutdown timeout exceeded")

// Service is the subset of execmanager.Service the REST facade depends on.
type Service interface {
	Submit(ctx context.Context, name, workflow, localInput string) (string, error)
	Get(ctx context.Context, id string) (*jobstore.Job, error)
	List(ctx context.Context, filter jobstore.Filter) ([]*jobstore.Job, error)
	Cancel(ctx context.Context, id string) (bool, error)
	Delete(ctx context.Context, id string) error
}

// Config configures the REST server.
type Config struct {
	// Addr is the TCP address to listen on, e.g. ":29593".
	Addr string

	// ShutdownTimeout is the maximum duration to wait for in-flight
	// requests to complete during Shutdown.
	ShutdownTimeout time.Duration

	// Logger is the structured logger for request and lifecycle events.
	Logger *slog.Logger

	// MetricsHandler, if non-nil, is mounted at /metrics. Left nil to
	// omit the endpoint entirely (e.g. in tests that don't care about
	// Prometheus scraping).
	MetricsHandler http.Handler
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Addr:            ":29593",
		ShutdownTimeout: 5 * time.Second,
		Logger:          slog.Default(),
	}
}

// Server is the REST API server fronting a Service.
type Server struct {
	config *Config
	logger *slog.Logger
	svc    Service

	mu         sync.RWMutex
	httpServer *http.Server
	listener   net.Listener
	closed     bool

	shutdownOnce sync.Once
}

// NewServer creates a REST server bound to svc. config may be nil to use
// DefaultConfig.
func NewServer(svc Service, config *Config) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.ShutdownTimeout == 0 {
		config.ShutdownTimeout = 5 * time.Second
	}
	return &Server{config: config, logger: config.Logger, svc: svc}
}

// Start binds the configured address and begins serving in the
// background. It returns once the listener is open.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrServerClosed
	}
	if s.httpServer != nil {
		return nil
	}

	listener, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return err
	}
	s.listener = listener

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/jobs", s.handleJobs)
	mux.HandleFunc("/jobs/", s.handleJobByID)
	if s.config.MetricsHandler != nil {
		mux.Handle("/metrics", s.config.MetricsHandler)
	}

	s.httpServer = &http.Server{
		Handler:      s.logRequests(mux),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		s.logger.Info("api server starting", "addr", listener.Addr().String())
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("api server error", "error", err)
		}
	}()

	return nil
}

// Addr returns the address the server is listening on, or "" if not
// started.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Shutdown waits for in-flight requests to finish, up to
// ShutdownTimeout, mirroring the execution manager's own sweep-drain
// behaviour: service shutdown must not abort a request already underway.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrServerClosed
	}
	s.closed = true
	s.mu.Unlock()

	var shutdownErr error
	s.shutdownOnce.Do(func() {
		s.logger.Info("api server shutting down")
		shutdownCtx, cancel := context.WithTimeout(ctx, s.config.ShutdownTimeout)
		defer cancel()

		if s.httpServer != nil {
			if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
				if errors.Is(err, context.DeadlineExceeded) {
					shutdownErr = ErrShutdownTimeout
				} else {
					shutdownErr = err
				}
			}
		}
		s.logger.Info("api server shutdown complete")
	})
	return shutdownErr
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Info("api request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// jobRequest is the body of POST /jobs.
type jobRequest struct {
	Name       string `json:"name"`
	Workflow   string `json:"workflow"`
	LocalInput string `json:"input"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()

	status := http.StatusOK
	body := map[string]string{"status": "ready"}
	if closed {
		status = http.StatusServiceUnavailable
		body["status"] = "shutting down"
	}
	writeJSON(w, status, body)
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.createJob(w, r)
	case http.MethodGet:
		s.listJobs(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) createJob(w http.ResponseWriter, r *http.Request) {
	var req jobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	id, err := s.svc.Submit(r.Context(), req.Name, req.Workflow, req.LocalInput)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	job, err := s.svc.Get(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	var filter jobstore.Filter
	if state := r.URL.Query().Get("state"); state != "" {
		filter.State = jobstore.State(state)
	}
	jobs, err := s.svc.List(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

// handleJobByID dispatches /jobs/{id} and /jobs/{id}/cancel.
func (s *Server) handleJobByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/jobs/")
	id, action, hasAction := strings.Cut(rest, "/")
	if id == "" {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}

	switch {
	case hasAction && action == "cancel" && r.Method == http.MethodPost:
		s.cancelJob(w, r, id)
	case hasAction:
		writeError(w, http.StatusNotFound, "not found")
	case r.Method == http.MethodGet:
		s.getJob(w, r, id)
	case r.Method == http.MethodDelete:
		s.deleteJob(w, r, id)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request, id string) {
	job, err := s.svc.Get(r.Context(), id)
	if err != nil {
		var notFound *jobstore.ErrNotFound
		if errors.As(err, &notFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request, id string) {
	if _, err := s.svc.Cancel(r.Context(), id); err != nil {
		var notFound *jobstore.ErrNotFound
		if errors.As(err, &notFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	job, err := s.svc.Get(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) deleteJob(w http.ResponseWriter, r *http.Request, id string) {
	if err := s.svc.Delete(r.Context(), id); err != nil {
		var notFound *jobstore.ErrNotFound
		if errors.As(err, &notFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
