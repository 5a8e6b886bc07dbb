package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/vnmchuo/llm-relay/internal/auth"
	"github.com/vnmchuo/llm-relay/internal/history"
	"github.com/vnmchuo/llm-relay/internal/job"
	"github.com/vnmchuo/llm-relay/internal/pool"
	"github.com/vnmchuo/llm-relay/internal/store"
	"github.com/vnmchuo/llm-relay/pkg/ratelimit"
)

type Handler struct {
	pool    *pool.Pool
	history history.Store
	limiter *ratelimit.Limiter
	tracer  trace.Tracer
}

func NewHandler(p *pool.Pool, hist history.Store, limiter *ratelimit.Limiter, tracer trace.Tracer) *Handler {
	if hist == nil {
		hist = history.NewNoopStore()
	}
	return &Handler{
		pool:    p,
		history: hist,
		limiter: limiter,
		tracer:  tracer,
	}
}

type submitRequest struct {
	Action    string        `json:"action"`
	Engine    string        `json:"engine"`
	Priority  int           `json:"priority"`
	Prompt    string        `json:"prompt,omitempty"`
	Messages  []job.Message `json:"messages,omitempty"`
	Input     string        `json:"input,omitempty"`
	Model     string        `json:"model,omitempty"`
	ChannelID string        `json:"channelId,omitempty"`
	UserID    string        `json:"userId,omitempty"`
	MessageID string        `json:"messageId,omitempty"`
}

func (h *Handler) HandleSubmitJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{"error": "invalid request body"})
		return
	}

	action, err := job.ParseAction(req.Action)
	if err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
		return
	}
	if req.Engine == "" {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{"error": "engine is required"})
		return
	}

	requester := auth.GetRequesterID(ctx)
	if requester == "" {
		requester = req.UserID
	}
	if requester == "" {
		requester = "anonymous"
	}

	if h.limiter != nil {
		allowed, lerr := h.limiter.Allow(ctx, requester, 1)
		if lerr != nil || !allowed {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", "60s")
			w.WriteHeader(http.StatusTooManyRequests)
			json.NewEncoder(w).Encode(map[string]string{
				"error":       "rate limit exceeded",
				"retry_after": "60s",
			})
			return
		}
	}

	_, span := h.tracer.Start(ctx, "api.submit_job")
	defer span.End()
	span.SetAttributes(
		attribute.String("request_id", auth.GetRequestID(ctx)),
		attribute.String("requester_id", requester),
		attribute.String("engine", req.Engine),
		attribute.String("action", string(action)),
	)

	payload := job.Payload{
		Action:    action,
		Prompt:    req.Prompt,
		Messages:  req.Messages,
		Input:     req.Input,
		Model:     req.Model,
		ChannelID: req.ChannelID,
		UserID:    req.UserID,
		MessageID: req.MessageID,
	}

	j, err := h.pool.AddJob(ctx, payload, req.Engine, req.Priority)
	if err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(map[string]string{"error": "failed to enqueue job"})
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"jobId":     j.ID,
		"key":       j.Key(),
		"priority":  j.Priority,
		"createdAt": j.CreatedAt,
	})
}

func (h *Handler) HandleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := h.pool.GetJobs(r.Context())
	if err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(map[string]string{"error": "failed to list jobs"})
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"jobs":  jobs,
		"count": len(jobs),
	})
}

func (h *Handler) HandleListWorkers(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	ids := h.pool.Keys()
	workers := make([]map[string]interface{}, 0, len(ids))
	for _, id := range ids {
		entry := map[string]interface{}{"id": id}
		status, err := h.pool.GetWorkerStatus(ctx, id)
		if err == nil {
			entry["status"] = status.String()
		} else {
			entry["status"] = "unknown"
		}
		workers = append(workers, entry)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"workers": workers,
		"count":   len(workers),
	})
}

func (h *Handler) HandleWorkerStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	status, err := h.pool.GetWorkerStatus(r.Context(), id)
	if err != nil {
		w.Header().Set("Content-Type", "application/json")
		if errors.Is(err, store.ErrNotFound) {
			w.WriteHeader(http.StatusNotFound)
			json.NewEncoder(w).Encode(map[string]string{"error": "worker not found"})
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(map[string]string{"error": "failed to read worker status"})
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"id":     id,
		"status": status.String(),
	})
}

func (h *Handler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(map[string]string{"error": "invalid limit"})
			return
		}
		limit = n
	}

	records, err := h.history.ListRecent(r.Context(), limit)
	if err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(map[string]string{"error": "failed to list history"})
		return
	}
	if records == nil {
		records = []*history.Record{}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"records": records,
		"count":   len(records),
	})
}
