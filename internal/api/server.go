// Package api exposes the HTTP interface for the crawl cluster.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/sitemirror/internal/actor"
	"github.com/JakeFAU/sitemirror/internal/config"
	"github.com/JakeFAU/sitemirror/internal/crawler"
	"github.com/JakeFAU/sitemirror/internal/metrics"
	"github.com/JakeFAU/sitemirror/internal/middleware"
	"github.com/JakeFAU/sitemirror/internal/store"
)

const (
	requestTimeout = 60 * time.Second
	maxBodyBytes   = 1 << 20
)

// Engine is the part of the cluster the API drives.
type Engine interface {
	// StartJob starts job, or joins it when it already runs. Watchers get
	// its status updates in addition to the node's status hub.
	StartJob(job crawler.CrawlJob, watchers ...actor.Ref)
	StopJob(job crawler.CrawlJob)
	ListJobs(ctx context.Context) ([]crawler.CrawlJob, error)
	Ready(ctx context.Context) error
}

// StatusBoard serves the latest status update per job.
type StatusBoard interface {
	Get(root string) (crawler.JobStatusUpdate, bool)
	List() []crawler.JobStatusUpdate
}

// Deps are the collaborators of the Server. Statuses and Metrics are
// optional.
type Deps struct {
	Engine   Engine
	Board    StatusBoard
	Statuses store.StatusRepository
	Metrics  http.Handler
	Logger   *zap.Logger
}

// Server wires HTTP handlers to the crawl engine and the status stores.
type Server struct {
	router  chi.Router
	engine  Engine
	board   StatusBoard
	history *HistoryHandler
	logger  *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(cfg config.Config, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	metricsHandler := deps.Metrics
	if metricsHandler == nil {
		metricsHandler = metrics.Handler()
	}
	s := &Server{
		engine:  deps.Engine,
		board:   deps.Board,
		history: NewHistoryHandler(deps.Statuses, logger),
		logger:  logger,
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(middleware.AccessLog(logger))
	r.Use(middleware.Metrics)
	r.Use(recoverMiddleware(logger))
	r.Use(timeoutMiddleware(requestTimeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metricsHandler)

	r.Group(func(r chi.Router) {
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
		r.Route("/v1/jobs", func(r chi.Router) {
			r.Post("/", s.startJob)
			r.Get("/", s.listJobs)
			r.Post("/stop", s.stopJob)
			r.Get("/status", s.jobStatus)
			r.Get("/history", s.history.ListStatuses)
		})
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

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.engine == nil {
		writeError(w, http.StatusServiceUnavailable, "engine unavailable")
		return
	}
	if err := s.engine.Ready(r.Context()); err != nil {
		s.logger.Warn("readiness check failed", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type jobRequest struct {
	Root        string `json:"root"`
	FetchImages bool   `json:"fetch_images"`
}

func (s *Server) decodeJob(w http.ResponseWriter, r *http.Request) (crawler.CrawlJob, bool) {
	var req jobRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return crawler.CrawlJob{}, false
	}
	if strings.TrimSpace(req.Root) == "" {
		writeError(w, http.StatusBadRequest, "root required")
		return crawler.CrawlJob{}, false
	}
	job, err := crawler.NewCrawlJob(req.Root, req.FetchImages)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return crawler.CrawlJob{}, false
	}
	return job, true
}

// startJob handles POST /v1/jobs {"root": ..., "fetch_images": ...}.
func (s *Server) startJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.decodeJob(w, r)
	if !ok {
		return
	}
	s.engine.StartJob(job)
	s.logger.Info("job start requested", zap.String("job", job.Key()), zap.Bool("fetch_images", job.FetchImages))
	writeJSON(w, http.StatusAccepted, map[string]any{"job": job})
}

// stopJob handles POST /v1/jobs/stop.
func (s *Server) stopJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.decodeJob(w, r)
	if !ok {
		return
	}
	s.engine.StopJob(job)
	s.logger.Info("job stop requested", zap.String("job", job.Key()))
	writeJSON(w, http.StatusAccepted, map[string]any{"job": job})
}

type jobView struct {
	crawler.CrawlJob
	Status *crawler.JobStatusUpdate `json:"latest,omitempty"`
}

// listJobs handles GET /v1/jobs. It reports every job running in the cluster
// with the latest update the board holds for it.
func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.engine.ListJobs(r.Context())
	if err != nil {
		s.logger.Error("list running jobs failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}
	out := make([]jobView, 0, len(jobs))
	for _, job := range jobs {
		view := jobView{CrawlJob: job}
		if s.board != nil {
			if u, ok := s.board.Get(job.Key()); ok {
				view.Status = &u
			}
		}
		out = append(out, view)
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": out})
}

// jobStatus handles GET /v1/jobs/status?root=. The board answers for jobs
// this node has heard about; older runs come from the status history.
func (s *Server) jobStatus(w http.ResponseWriter, r *http.Request) {
	root := strings.TrimSpace(r.URL.Query().Get("root"))
	if root == "" {
		writeError(w, http.StatusBadRequest, "root required")
		return
	}
	job, err := crawler.NewCrawlJob(root, false)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if s.board != nil {
		if u, ok := s.board.Get(job.Key()); ok {
			writeJSON(w, http.StatusOK, map[string]any{"status": u})
			return
		}
	}
	s.history.GetStatus(w, r, job.Key())
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					if err, ok := rec.(error); ok && errors.Is(err, http.ErrAbortHandler) {
						panic(rec)
					}
					logger.Error("panic recovered", zap.Any("error", rec), zap.String("path", r.URL.Path))
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
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
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
