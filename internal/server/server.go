// Package server exposes the ledger, queue, and caches over HTTP JSON.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/lecternhq/lectern/internal/store"
)

// Server is the HTTP server for Lectern.
type Server struct {
	store      *store.Store
	auth       *Authenticator
	httpServer *http.Server
	router     chi.Router
}

// New creates a new Server. jwtSecret may be empty, which disables tenant
// authentication and leaves every request in the anonymous tenant.
func New(s *store.Store, bindAddr, jwtSecret string) *Server {
	srv := &Server{
		store: s,
		auth:  NewAuthenticator(jwtSecret),
	}
	srv.router = srv.buildRouter()
	srv.httpServer = &http.Server{
		Addr:              bindAddr,
		Handler:           srv.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return srv
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(structuredLogger)
	r.Use(middleware.Recoverer)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.auth.Middleware)

		// Runs and the execution ledger
		r.Post("/runs", s.handleCreateRun)
		r.Get("/runs", s.handleListRuns)
		r.Get("/runs/{run_id}", s.handleGetRun)
		r.Post("/runs/{run_id}/config", s.handleSetEffectiveConfig)
		r.Post("/records", s.handleUpsertRecord)
		r.Get("/records", s.handleListRecords)

		// Worker endpoints
		r.Post("/enqueue", s.handleEnqueue)
		r.Post("/fetch", s.handleFetch)
		r.Post("/ack/{job_id}", s.handleAck)
		r.Post("/fail/{job_id}", s.handleFail)
		r.Post("/heartbeat/{job_id}", s.handleHeartbeat)
		r.Get("/jobs", s.handleListJobs)
		r.Get("/jobs/{job_id}", s.handleGetJob)

		// Answer cache
		r.Post("/cache/answers/lookup", s.handleAnswerLookup)
		r.Post("/cache/answers", s.handleAnswerStore)
		r.Post("/cache/answers/inspect", s.handleAnswerInspect)

		// Graph cache
		r.Get("/cache/graphs/{graph_key}", s.handleGraphResolve)
		r.Put("/cache/graphs/{graph_key}", s.handleGraphPut)
	})

	r.Get("/healthz", s.handleHealthz)

	return r
}

// Start begins listening for HTTP requests.
func (s *Server) Start() error {
	slog.Info("HTTP server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	slog.Info("HTTP server shutting down")
	return s.httpServer.Shutdown(ctx)
}

// Handler returns the http.Handler for testing.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := s.store.ReadDB().Ping(); err != nil {
		writeError(w, http.StatusServiceUnavailable, "database unavailable", "UNAVAILABLE")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// JSON response helpers

// apiError is the uniform error body: a human message plus a stable code
// clients can switch on.
type apiError struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string, code string) {
	writeJSON(w, status, apiError{Error: msg, Code: code})
}

// writeStoreError maps the store's error taxonomy onto HTTP statuses.
func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case store.IsConflict(err):
		writeError(w, http.StatusConflict, err.Error(), string(store.ErrorCodeConflict))
	case store.IsPermanent(err):
		writeError(w, http.StatusBadRequest, err.Error(), string(store.ErrorCodePermanent))
	case store.IsLeaseLost(err):
		writeError(w, http.StatusConflict, err.Error(), string(store.ErrorCodeLeaseLost))
	case store.IsStaleNoRefresh(err):
		writeError(w, http.StatusGone, err.Error(), string(store.ErrorCodeStaleNoRefresh))
	default:
		writeError(w, http.StatusInternalServerError, err.Error(), string(store.ErrorCodeTransient))
	}
}

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

// Middleware

func structuredLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		slog.Debug("http request",
			"request_id", middleware.GetReqID(r.Context()),
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}
