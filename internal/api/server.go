package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlfleet/internal/manager"
	"github.com/JakeFAU/crawlfleet/internal/metrics"
	"github.com/JakeFAU/crawlfleet/internal/stats"
	"github.com/JakeFAU/crawlfleet/internal/worker"
)

// RequestTimeout bounds every handler.
const RequestTimeout = 30 * time.Second

// WorkerView is the read-only slice of a worker runtime served over HTTP.
type WorkerView interface {
	ID() string
	State() worker.State
	Ready() bool
	Counters() stats.Counters
	LatestStats() (stats.Record, bool)
	JobsProcessed() int64
}

// ClusterView aggregates fleet state.
type ClusterView interface {
	Status(ctx context.Context) (manager.ClusterStatus, error)
}

// Server wires HTTP handlers to the worker runtime.
type Server struct {
	router  chi.Router
	worker  WorkerView
	cluster ClusterView
	logger  *zap.Logger
}

// NewServer constructs a Server with middleware and routes. cluster may be nil.
func NewServer(w WorkerView, cluster ClusterView, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		worker:  w,
		cluster: cluster,
		logger:  logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(metrics.Middleware)
	r.Use(s.recoverMiddleware)
	r.Use(timeoutMiddleware(RequestTimeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/worker", s.workerStatus)
		if cluster != nil {
			r.Get("/cluster", s.clusterStatus)
		}
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	state := s.worker.State().String()
	if !s.worker.Ready() {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready", "state": state})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready", "state": state})
}

type workerResponse struct {
	WorkerID      string        `json:"worker_id"`
	State         string        `json:"state"`
	JobsProcessed int64         `json:"jobs_processed"`
	Counters      counters      `json:"counters"`
	Stats         *stats.Record `json:"stats,omitempty"`
}

type counters struct {
	PagesCrawled      int64 `json:"pages_crawled"`
	URLsFound         int64 `json:"urls_found"`
	Errors            int64 `json:"errors"`
	UniquePagesStored int64 `json:"unique_pages_stored"`
	DuplicatesSkipped int64 `json:"duplicates_skipped"`
}

func (s *Server) workerStatus(w http.ResponseWriter, _ *http.Request) {
	c := s.worker.Counters()
	resp := workerResponse{
		WorkerID:      s.worker.ID(),
		State:         s.worker.State().String(),
		JobsProcessed: s.worker.JobsProcessed(),
		Counters: counters{
			PagesCrawled:      c.PagesCrawled,
			URLsFound:         c.URLsFound,
			Errors:            c.Errors,
			UniquePagesStored: c.UniquePagesStored,
			DuplicatesSkipped: c.DuplicatesSkipped,
		},
	}
	if rec, ok := s.worker.LatestStats(); ok {
		resp.Stats = &rec
	}
	s.writeJSON(w, http.StatusOK, resp)
}

type clusterWorker struct {
	ID           string   `json:"id"`
	Hostname     string   `json:"hostname"`
	Active       bool     `json:"active"`
	PagesCrawled int64    `json:"pages_crawled"`
	URLsFound    int64    `json:"urls_found"`
	Errors       int64    `json:"errors"`
	Rate         *float64 `json:"pages_per_second,omitempty"`
}

type clusterResponse struct {
	Timestamp     time.Time       `json:"timestamp"`
	QueueSize     int64           `json:"queue_size"`
	VisitedURLs   int64           `json:"visited_urls"`
	UniquePages   int64           `json:"unique_pages"`
	ActiveWorkers int             `json:"active_workers"`
	Totals        counters        `json:"totals"`
	Workers       []clusterWorker `json:"workers"`
}

func (s *Server) clusterStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.cluster.Status(r.Context())
	if err != nil {
		s.logger.Error("cluster status failed", zap.Error(err))
		s.writeError(w, http.StatusServiceUnavailable, "cluster status unavailable")
		return
	}
	resp := clusterResponse{
		Timestamp:     status.Timestamp,
		QueueSize:     status.QueueSize,
		VisitedURLs:   status.VisitedURLs,
		UniquePages:   status.UniquePages,
		ActiveWorkers: status.ActiveWorkers(),
		Totals: counters{
			PagesCrawled:      status.Totals.PagesCrawled,
			URLsFound:         status.Totals.URLsFound,
			Errors:            status.Totals.Errors,
			UniquePagesStored: status.Totals.UniquePagesStored,
			DuplicatesSkipped: status.Totals.DuplicatesSkipped,
		},
		Workers: make([]clusterWorker, 0, len(status.Workers)),
	}
	for _, ws := range status.Workers {
		row := clusterWorker{
			ID:           ws.ID,
			Hostname:     ws.Hostname,
			Active:       ws.Active,
			PagesCrawled: ws.Stats.PagesCrawled,
			URLsFound:    ws.Stats.URLsFound,
			Errors:       ws.Stats.Errors,
		}
		if rate, ok := ws.Rate(); ok {
			row.Rate = &rate
		}
		resp.Workers = append(resp.Workers, row)
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
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
		s.logger.Debug("request completed",
			zap.String("request_id", reqID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("error", rec))
				s.writeError(w, http.StatusInternalServerError, "internal server error")
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

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("write JSON failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
