package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/fetchkit/internal/fetch"
	"github.com/JakeFAU/fetchkit/internal/id/uuid"
	"github.com/JakeFAU/fetchkit/internal/metrics"
	"github.com/JakeFAU/fetchkit/internal/middleware"
)

// Engine is the part of the dispatcher the API drives.
type Engine interface {
	Submit(ctx context.Context, tasks []fetch.Task, opts fetch.Options) []fetch.Result
	MetricsSnapshot() metrics.Snapshot
}

// Options tune the server.
type Options struct {
	// APIKey protects /v1 routes when non-empty.
	APIKey         string
	RequestTimeout time.Duration
	// MaxURLs caps a single /v1/fetch batch. Default 1000.
	MaxURLs int
	// MaxBodyPreview caps the body bytes echoed back when include_body is set. Default 64 KiB.
	MaxBodyPreview int64
}

// Server wires HTTP handlers to the fetch engine.
type Server struct {
	router   chi.Router
	engine   Engine
	opts     Options
	logger   *zap.Logger
	draining atomic.Bool
}

type fetchRequest struct {
	URLs            []string          `json:"urls"`
	UseBrowser      bool              `json:"use_browser"`
	TimeoutMS       int               `json:"timeout_ms"`
	ConcurrentLimit int               `json:"concurrent_limit"`
	Headers         map[string]string `json:"headers"`
	IncludeBody     bool              `json:"include_body"`
}

// NewServer constructs a Server with middleware and routes.
func NewServer(engine Engine, opts Options, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 2 * time.Minute
	}
	if opts.MaxURLs <= 0 {
		opts.MaxURLs = 1000
	}
	if opts.MaxBodyPreview <= 0 {
		opts.MaxBodyPreview = 64 << 10
	}
	s := &Server{
		engine: engine,
		opts:   opts,
		logger: logger.Named("api"),
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(middleware.Metrics)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if opts.APIKey != "" {
			r.Use(apiKeyMiddleware(opts.APIKey))
		}
		r.Use(timeoutMiddleware(opts.RequestTimeout))
		r.Get("/stats", s.stats)
		r.Post("/fetch", s.fetch)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// SetDraining makes /readyz report not ready so load balancers stop routing new batches.
func (s *Server) SetDraining() {
	s.draining.Store(true)
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	if s.draining.Load() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "draining"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) stats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.MetricsSnapshot())
}

func (s *Server) fetch(w http.ResponseWriter, r *http.Request) {
	var req fetchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if len(req.URLs) == 0 {
		writeError(w, http.StatusBadRequest, "urls required")
		return
	}
	if len(req.URLs) > s.opts.MaxURLs {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("at most %d urls per request", s.opts.MaxURLs))
		return
	}
	if req.TimeoutMS < 0 || req.ConcurrentLimit < 0 {
		writeError(w, http.StatusBadRequest, "timeout_ms and concurrent_limit must be >= 0")
		return
	}

	header := http.Header{}
	for k, v := range req.Headers {
		header.Set(k, v)
	}
	tasks := make([]fetch.Task, len(req.URLs))
	for i, u := range req.URLs {
		tasks[i] = fetch.Task{URL: u, Header: header.Clone()}
	}
	results := s.engine.Submit(r.Context(), tasks, fetch.Options{
		ConcurrentLimit: req.ConcurrentLimit,
		Timeout:         time.Duration(req.TimeoutMS) * time.Millisecond,
		UseBrowser:      req.UseBrowser,
	})

	var previewLimit int64
	if req.IncludeBody {
		previewLimit = s.opts.MaxBodyPreview
	}
	summaries := make([]Summary, len(results))
	for i, res := range results {
		sum, err := Summarize(res, previewLimit)
		if err != nil {
			s.logger.Warn("summarize result failed", zap.String("task_id", res.TaskID), zap.Error(err))
		}
		summaries[i] = sum
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": summaries})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if !uuid.Valid(reqID) {
			reqID = ""
			if id, err := uuid.New().NewID(); err == nil {
				reqID = id
			}
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		reqID, _ := r.Context().Value(requestIDKey{}).(string)
		s.logger.Info("request completed",
			zap.String("request_id", reqID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("error", rec))
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
