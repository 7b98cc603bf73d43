package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"

	"userstitch/internal/queue"
)

// HealthChecker is the slice of the store the API needs for /healthz.
type HealthChecker interface {
	Health(ctx context.Context) error
}

type Handler struct {
	store              HealthChecker
	producer           queue.Producer
	queueStatsProvider queue.StatsProvider
	deadLetters        queue.DeadLetterInspector
	redriver           queue.Redriver
	corsAllowedOrigins []string
	adminAPIKey        string
	rateLimiter        *requestLimiter
	metrics            *apiMetrics
}

func NewHandler(
	store HealthChecker,
	producer queue.Producer,
	queueStatsProvider queue.StatsProvider,
	deadLetters queue.DeadLetterInspector,
	redriver queue.Redriver,
	corsAllowedOrigins []string,
	adminAPIKey string,
	rateLimitRequestsPerSec float64,
	rateLimitBurst int,
) *Handler {
	return &Handler{
		store:              store,
		producer:           producer,
		queueStatsProvider: queueStatsProvider,
		deadLetters:        deadLetters,
		redriver:           redriver,
		corsAllowedOrigins: corsAllowedOrigins,
		adminAPIKey:        adminAPIKey,
		rateLimiter:        newRequestLimiter(rateLimitRequestsPerSec, rateLimitBurst),
		metrics:            newAPIMetrics(queueStatsProvider),
	}
}

func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(15 * time.Second))
	if h.rateLimiter != nil {
		r.Use(h.rateLimiter.Middleware)
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   h.corsAllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Userstitch-Admin"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/healthz", h.healthz)
	r.Get("/metrics", h.metrics.handleMetrics)
	r.Route("/v1", func(r chi.Router) {
		r.With(h.requireAdminAccess).Post("/merges", h.enqueueMerge)
		r.With(h.requireAdminAccess).Get("/merges/queue-health", h.getQueueHealth)
		r.Route("/admin", func(r chi.Router) {
			r.With(h.requireAdminAccess).Get("/dead-letters", h.listDeadLetters)
			r.With(h.requireAdminAccess).Post("/dead-letters/redrive", h.redriveDeadLetters)
		})
	})

	return r
}

func (h *Handler) healthz(w http.ResponseWriter, r *http.Request) {
	if h.store == nil || h.store.Health(r.Context()) != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "down"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type enqueueMergeRequest struct {
	ProjectID string `json:"projectId"`
	OldUserID string `json:"oldUserId"`
	NewUserID string `json:"newUserId"`
}

func (h *Handler) enqueueMerge(w http.ResponseWriter, r *http.Request) {
	payload := enqueueMergeRequest{}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid payload"})
		return
	}

	job := queue.MergeJob{
		ProjectID: strings.TrimSpace(payload.ProjectID),
		OldUserID: strings.TrimSpace(payload.OldUserID),
		NewUserID: strings.TrimSpace(payload.NewUserID),
		JobUID:    uuid.NewString(),
	}
	if err := job.Validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	enqueued, err := h.producer.EnqueueMergeJob(r.Context(), job)
	if err != nil {
		h.metrics.enqueueErrorsTotal.Add(1)
		log.Printf("merge enqueue failed job=%s err=%v", job.ID(), err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "enqueue failed"})
		return
	}

	if !enqueued {
		h.metrics.mergesDedupedTotal.Add(1)
		writeJSON(w, http.StatusConflict, map[string]any{
			"jobId":    job.ID(),
			"enqueued": false,
			"reason":   "merge for this pair is already queued or running",
		})
		return
	}

	h.metrics.mergesEnqueuedTotal.Add(1)
	writeJSON(w, http.StatusAccepted, map[string]any{
		"jobId":    job.ID(),
		"jobUid":   job.JobUID,
		"enqueued": true,
	})
}

func (h *Handler) getQueueHealth(w http.ResponseWriter, r *http.Request) {
	if h.queueStatsProvider == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "queue stats unavailable"})
		return
	}

	stats, err := h.queueStatsProvider.QueueStats(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "queue stats failed"})
		return
	}

	status := "ok"
	if stats.RetryDepth > 0 {
		status = "degraded"
	}
	if stats.FailedDepth > 0 {
		status = "critical"
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status": status,
		"stats":  stats,
	})
}

func (h *Handler) listDeadLetters(w http.ResponseWriter, r *http.Request) {
	if h.deadLetters == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "dead-letter inspection unavailable"})
		return
	}

	limit := queryLimit(r, 20)
	result, err := h.deadLetters.ListDeadLetters(r.Context(), limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "dead-letter lookup failed"})
		return
	}

	writeJSON(w, http.StatusOK, result)
}

type redriveRequest struct {
	Limit int `json:"limit"`
}

func (h *Handler) redriveDeadLetters(w http.ResponseWriter, r *http.Request) {
	if h.redriver == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "redrive unavailable"})
		return
	}

	// An empty body means "use the defaults", so EOF is not an error.
	payload := redriveRequest{}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid payload"})
		return
	}
	if payload.Limit < 1 {
		payload.Limit = 10
	}

	result, err := h.redriver.RedriveDeadLetters(r.Context(), payload.Limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "redrive failed"})
		return
	}

	h.metrics.redriveRunsTotal.Add(1)
	h.metrics.redrivenJobsTotal.Add(int64(result.Redriven))
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) requireAdminAccess(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.TrimSpace(h.adminAPIKey) == "" {
			writeJSON(w, http.StatusForbidden, map[string]string{"error": "admin endpoints disabled"})
			return
		}

		provided := strings.TrimSpace(r.Header.Get("X-Userstitch-Admin"))
		if provided == h.adminAPIKey {
			next.ServeHTTP(w, r)
			return
		}

		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
	})
}

func queryLimit(r *http.Request, fallback int) int {
	raw := strings.TrimSpace(r.URL.Query().Get("limit"))
	if raw == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil || parsed < 1 {
		return fallback
	}
	return parsed
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
