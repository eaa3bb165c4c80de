// Package api exposes the HTTP interface for the harvester service.
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
	"github.com/paulmach/orb"
	"go.uber.org/zap"

	"github.com/placegrid/harvester/internal/harvest"
	"github.com/placegrid/harvester/internal/metrics"
)

// Runs is the run lifecycle surface the server fronts. Satisfied by
// run.Manager.
type Runs interface {
	Submit(ctx context.Context, region harvest.Region, categories []harvest.Category) (harvest.Run, error)
	Progress(ctx context.Context, runID string) (harvest.RunProgress, error)
	Cancel(ctx context.Context, runID string) (int, error)
	Resume(ctx context.Context, runID string) error
	DeadLetters(ctx context.Context, runID string) ([]harvest.WorkItem, error)
	ResubmitDeadLetter(ctx context.Context, itemID string) error
}

// ReadyChecker reports whether downstream dependencies are reachable.
type ReadyChecker func(ctx context.Context) error

// Config holds the HTTP server settings.
type Config struct {
	RequestTimeout time.Duration
	APIKey         string
}

// Server wires HTTP handlers to the run manager.
type Server struct {
	router chi.Router
	runs   Runs
	ready  ReadyChecker
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes. A nil ready
// checker makes /readyz always succeed.
func NewServer(runs Runs, ready ReadyChecker, cfg Config, logger *zap.Logger) *Server {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
	}
	s := &Server{runs: runs, ready: ready, logger: logger}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metricsMiddleware)
	r.Use(timeoutMiddleware(cfg.RequestTimeout))
	if cfg.APIKey != "" {
		r.Use(apiKeyMiddleware(cfg.APIKey))
	}

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Route("/runs", func(r chi.Router) {
			r.Post("/", s.submitRun)
			r.Route("/{run_id}", func(r chi.Router) {
				r.Get("/progress", s.runProgress)
				r.Post("/cancel", s.cancelRun)
				r.Post("/resume", s.resumeRun)
				r.Get("/deadletters", s.listDeadLetters)
			})
		})
		r.Post("/deadletters/{item_id}/resubmit", s.resubmitDeadLetter)
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		if err := s.ready(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type submitRunRequest struct {
	Polygon    orb.Polygon        `json:"polygon"`
	Resolution int                `json:"resolution"`
	Categories []harvest.Category `json:"categories"`
}

func (s *Server) submitRun(w http.ResponseWriter, r *http.Request) {
	var req submitRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	region := harvest.Region{Polygon: req.Polygon, Resolution: req.Resolution}
	run, err := s.runs.Submit(r.Context(), region, req.Categories)
	if err != nil {
		s.writeRunError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"run_id":     run.ID,
		"status":     run.Status,
		"cell_count": run.CellCount,
		"item_count": run.ItemCount,
	})
}

func (s *Server) runProgress(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "run_id")
	progress, err := s.runs.Progress(r.Context(), runID)
	if err != nil {
		s.writeRunError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, progress)
}

func (s *Server) cancelRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "run_id")
	removed, err := s.runs.Cancel(r.Context(), runID)
	if err != nil {
		s.writeRunError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"run_id":  runID,
		"status":  harvest.RunStatusCanceled,
		"removed": removed,
	})
}

func (s *Server) resumeRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "run_id")
	if err := s.runs.Resume(r.Context(), runID); err != nil {
		s.writeRunError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"run_id": runID,
		"status": harvest.RunStatusActive,
	})
}

func (s *Server) listDeadLetters(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "run_id")
	items, err := s.runs.DeadLetters(r.Context(), runID)
	if err != nil {
		s.writeRunError(w, err)
		return
	}
	if items == nil {
		items = []harvest.WorkItem{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"run_id": runID, "items": items})
}

func (s *Server) resubmitDeadLetter(w http.ResponseWriter, r *http.Request) {
	itemID := chi.URLParam(r, "item_id")
	if err := s.runs.ResubmitDeadLetter(r.Context(), itemID); err != nil {
		s.writeRunError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"item_id": itemID, "status": string(harvest.StatusPending)})
}

func (s *Server) writeRunError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, harvest.ErrInvalidRegion):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, harvest.ErrRunNotFound), errors.Is(err, harvest.ErrItemNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, harvest.ErrAlreadyRunning):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusRequestTimeout, err.Error())
	default:
		s.logger.Error("request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("panic", rec))
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		routePattern := chi.RouteContext(r.Context()).RoutePattern()
		if routePattern == "" {
			routePattern = r.URL.Path
		}
		metrics.ObserveHTTPRequest(r.Method, routePattern, ww.status, time.Since(start))
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

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

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
