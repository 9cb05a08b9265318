// Package api exposes the batch registry over HTTP: job submission, status,
// SSE progress streaming, CSV download and cache maintenance.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/crateful/discogs-batch-client/pkg/batch"
	"github.com/crateful/discogs-batch-client/pkg/logging"
)

// CacheAdmin is the maintenance surface of the record cache.
type CacheAdmin interface {
	Count(ctx context.Context) (int64, error)
	Purge(ctx context.Context) (int64, error)
}

// Server wires the batch registry and cache maintenance into HTTP handlers.
type Server struct {
	registry *batch.Registry
	cache    CacheAdmin
	logger   zerolog.Logger
}

// NewServer creates the API server. cache may be nil, in which case the
// cache maintenance endpoints report the feature unavailable.
func NewServer(registry *batch.Registry, cache CacheAdmin) *Server {
	if registry == nil {
		panic("registry cannot be nil")
	}
	return &Server{
		registry: registry,
		cache:    cache,
		logger:   logging.NewLogger("api"),
	}
}

// Router builds the HTTP route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.loggingMiddleware)

	r.HandleFunc("/batch/export", s.handleExport).Methods(http.MethodPost)
	r.HandleFunc("/batch/status/{id}", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/batch/progress/{id}", s.handleProgress).Methods(http.MethodGet)
	r.HandleFunc("/batch/download/{id}", s.handleDownload).Methods(http.MethodGet)
	r.HandleFunc("/batch/cancel/{id}", s.handleCancel).Methods(http.MethodPost)
	r.HandleFunc("/batch/jobs", s.handleJobs).Methods(http.MethodGet)

	r.HandleFunc("/cache/stats", s.handleCacheStats).Methods(http.MethodGet)
	r.HandleFunc("/cache/purge", s.handleCachePurge).Methods(http.MethodPost)

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	return r
}

// statusRecorder captures the response status for the request log.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Flush passes through so SSE streaming keeps working behind the recorder.
func (r *statusRecorder) Flush() {
	if flusher, ok := r.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(recorder, req)

		s.logger.Info().
			Str("method", req.Method).
			Str("path", req.URL.Path).
			Int("status", recorder.status).
			Dur("duration", time.Since(start)).
			Msg("Request handled")
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}
