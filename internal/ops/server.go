// Package ops exposes the operational HTTP surface of the agent: health
// probes, Prometheus metrics and a staged-backlog snapshot.
package ops

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-agent/internal/metrics"
)

// Backlog reports the durable staging state for one subscription.
type Backlog interface {
	Subscription() string
	Dir() string
	Pending() (int, error)
}

// Server wires the health, metrics and status handlers.
type Server struct {
	router   chi.Router
	backlogs []Backlog
	logger   *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(backlogs []Backlog, logger *zap.Logger) *Server {
	s := &Server{backlogs: backlogs, logger: logger}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(timeoutMiddleware(30 * time.Second))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())
	r.Route("/v1", func(r chi.Router) {
		r.Get("/subscriptions", s.subscriptions)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// readyz probes every staging directory. A worker whose queue directory
// cannot be listed cannot accept deliveries, so the agent is not ready.
func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	for _, b := range s.backlogs {
		if _, err := b.Pending(); err != nil {
			writeError(w, http.StatusServiceUnavailable,
				fmt.Sprintf("staging dir for %s unavailable", b.Subscription()))
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type subscriptionStatus struct {
	Subscription string `json:"subscription"`
	StagingDir   string `json:"staging_dir"`
	Staged       int    `json:"staged"`
}

func (s *Server) subscriptions(w http.ResponseWriter, _ *http.Request) {
	statuses := make([]subscriptionStatus, 0, len(s.backlogs))
	for _, b := range s.backlogs {
		staged, err := b.Pending()
		if err != nil {
			s.logger.Warn("count staged jobs",
				zap.String("subscription", b.Subscription()),
				zap.Error(err),
			)
		}
		statuses = append(statuses, subscriptionStatus{
			Subscription: b.Subscription(),
			StagingDir:   b.Dir(),
			Staged:       staged,
		})
	}
	sort.Slice(statuses, func(i, j int) bool {
		return statuses[i].Subscription < statuses[j].Subscription
	})
	writeJSON(w, http.StatusOK, map[string]any{"subscriptions": statuses})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
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
		s.logger.Info("request completed",
			zap.String("request_id", requestID(r.Context())),
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

type requestIDKey struct{}

// requestID reads the request ID stamped by requestIDMiddleware.
func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
