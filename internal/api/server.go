package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"audio-analyzer/internal/config"
	"audio-analyzer/internal/models"
	"audio-analyzer/internal/ratelimit"
	"audio-analyzer/internal/store"
	"audio-analyzer/internal/telemetry"
)

// TrackStore is the store surface the API reads and seeds.
type TrackStore interface {
	EnsurePending(ctx context.Context, id, filePath string) (bool, error)
	GetTrack(ctx context.Context, id string) (models.Track, error)
	StatusCounts(ctx context.Context, maxRetries int) (models.StatusCounts, error)
	Ping(ctx context.Context) error
}

// JobQueue is the queue surface the API writes to and inspects.
type JobQueue interface {
	Push(ctx context.Context, job models.JobDescriptor) error
	Depth(ctx context.Context) (int64, error)
	DLQPeek(ctx context.Context, count int64) ([]string, error)
}

// Limiter decides whether a client may enqueue more work.
type Limiter interface {
	Allow(ctx context.Context, clientKey string) (ratelimit.Decision, error)
}

// Server wires HTTP handlers for the producer API.
type Server struct {
	cfg     config.Config
	store   TrackStore
	queue   JobQueue
	limiter Limiter
	logger  *zap.Logger
}

// New constructs the API server. limiter may be nil.
func New(cfg config.Config, st TrackStore, q JobQueue, limiter Limiter, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		cfg:     cfg,
		store:   st,
		queue:   q,
		limiter: limiter,
		logger:  logger,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Mount("/metrics", telemetry.Handler())

	r.With(s.rateLimit).Post("/tracks/{id}/analyze", s.handleAnalyze)
	r.Get("/tracks/{id}", s.handleGetTrack)
	r.Get("/stats", s.handleStats)
	r.Get("/dlq", s.handleDLQ)
	return r
}

type analyzeRequest struct {
	FilePath string `json:"filePath"`
}

type analyzeResponse struct {
	TrackID string        `json:"trackId"`
	Created bool          `json:"created"`
	Status  models.Status `json:"status"`
}

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		writeError(w, http.StatusBadRequest, "track id is required")
		return
	}
	var req analyzeRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid json")
			return
		}
	}

	created, err := s.store.EnsurePending(r.Context(), id, req.FilePath)
	if err != nil {
		s.logger.Error("ensure pending failed", zap.String("track_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "store unavailable")
		return
	}
	status := models.StatusPending
	filePath := req.FilePath
	if !created {
		track, err := s.store.GetTrack(r.Context(), id)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "store unavailable")
			return
		}
		if track.Status != models.StatusPending {
			writeJSON(w, http.StatusConflict, analyzeResponse{TrackID: id, Status: track.Status})
			return
		}
		filePath = track.FilePath
	}

	if err := s.queue.Push(r.Context(), models.JobDescriptor{TrackID: id, FilePath: filePath}); err != nil {
		// The pending row is enough: the worker's backlog scan will find it.
		s.logger.Warn("queue push failed, relying on backlog scan", zap.String("track_id", id), zap.Error(err))
	} else {
		telemetry.EnqueueCounter.Inc()
	}
	writeJSON(w, http.StatusAccepted, analyzeResponse{TrackID: id, Created: created, Status: status})
}

func (s *Server) handleGetTrack(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	track, err := s.store.GetTrack(r.Context(), id)
	if errors.Is(err, store.ErrTrackNotFound) {
		writeError(w, http.StatusNotFound, "track not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, track)
}

type statsResponse struct {
	Counts     models.StatusCounts `json:"counts"`
	QueueDepth int64               `json:"queueDepth"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	counts, err := s.store.StatusCounts(r.Context(), s.cfg.MaxRetries)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "store unavailable")
		return
	}
	depth, err := s.queue.Depth(r.Context())
	if err != nil {
		depth = -1
	}
	writeJSON(w, http.StatusOK, statsResponse{Counts: counts, QueueDepth: depth})
}

// handleDLQ returns the raw entries the worker could not decode.
func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	limit := int64(100)
	if v, err := strconv.ParseInt(r.URL.Query().Get("limit"), 10, 64); err == nil && v > 0 {
		limit = v
	}
	items, err := s.queue.DLQPeek(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read dlq")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter == nil {
			next.ServeHTTP(w, r)
			return
		}
		decision, err := s.limiter.Allow(r.Context(), clientFromRequest(r))
		if err != nil {
			s.logger.Warn("rate limiter unavailable", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "rate limit error")
			return
		}
		if !decision.Allowed {
			telemetry.RateLimitRejects.Inc()
			if decision.RetryAfter > 0 {
				secs := int(decision.RetryAfter.Seconds() + 0.999)
				w.Header().Set("Retry-After", strconv.Itoa(secs))
			}
			writeError(w, http.StatusTooManyRequests, "rate limited")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-Client-ID"); v != "" {
		return v
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
