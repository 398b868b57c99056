package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/bizosaas/eventcore/internal/event"
)

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// ----- События -----

type publishRequest struct {
	EventType      string                 `json:"event_type"`
	TenantID       string                 `json:"tenant_id"`
	Category       string                 `json:"category"`
	Priority       string                 `json:"priority"`
	SourceService  string                 `json:"source_service"`
	CorrelationID  string                 `json:"correlation_id"`
	AggregateID    string                 `json:"aggregate_id"`
	AggregateType  string                 `json:"aggregate_type"`
	Data           map[string]interface{} `json:"data"`
	Metadata       map[string]interface{} `json:"metadata"`
	MaxRetries     *int                   `json:"max_retries"`
	TargetServices []string               `json:"target_services"`
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	var req publishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}

	e := event.New(req.EventType, req.TenantID, event.ParseCategory(req.Category), req.Data)
	e.Priority = event.ParsePriority(req.Priority)
	e.SourceService = req.SourceService
	e.CorrelationID = req.CorrelationID
	e.AggregateID = req.AggregateID
	e.AggregateType = req.AggregateType
	e.Metadata = req.Metadata
	e.TargetServices = req.TargetServices
	if req.MaxRetries != nil {
		e.MaxRetries = *req.MaxRetries
	}

	res := s.bus.PublishEvent(r.Context(), e, req.TenantID)
	if !res.Success {
		respondJSON(w, http.StatusUnprocessableEntity, res)
		return
	}
	respondJSON(w, http.StatusAccepted, res)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	tenantID := q.Get("tenant_id")
	if tenantID == "" {
		http.Error(w, "tenant_id is required", http.StatusBadRequest)
		return
	}

	var eventTypes []string
	if raw := q.Get("event_types"); raw != "" {
		eventTypes = strings.Split(raw, ",")
	}
	limit := 100
	if raw := q.Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}

	events, err := s.bus.GetEventHistory(r.Context(), tenantID, q.Get("aggregate_id"), eventTypes, limit)
	if err != nil {
		s.logger.Error("history query failed", zap.String("tenant", tenantID), zap.Error(err))
		http.Error(w, "history query failed", http.StatusInternalServerError)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"tenant_id": tenantID,
		"count":     len(events),
		"events":    events,
	})
}

type replayRequest struct {
	TenantID      string    `json:"tenant_id"`
	EventTypes    []string  `json:"event_types"`
	StartTime     time.Time `json:"start_time"`
	EndTime       time.Time `json:"end_time"`
	TargetService string    `json:"target_service"`
}

func (s *Server) handleReplay(w http.ResponseWriter, r *http.Request) {
	var req replayRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if req.TenantID == "" {
		http.Error(w, "tenant_id is required", http.StatusBadRequest)
		return
	}

	count := s.bus.ReplayEvents(r.Context(), req.TenantID, req.EventTypes, req.StartTime, req.EndTime, req.TargetService)
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"tenant_id":   req.TenantID,
		"republished": count,
	})
}

// ----- Подписки -----

type subscribeRequest struct {
	EventType   string            `json:"event_type"`
	ServiceName string            `json:"service_name"`
	TenantID    string            `json:"tenant_id"`
	Filters     map[string]string `json:"filters"`
	WebhookURL  string            `json:"webhook_url"`
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	var req subscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if req.WebhookURL == "" {
		http.Error(w, "webhook_url is required", http.StatusBadRequest)
		return
	}

	id, err := s.bus.Subscribe(
		r.Context(),
		req.EventType,
		s.webhooks.Handler(req.WebhookURL),
		req.ServiceName,
		req.TenantID,
		req.Filters,
	)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	respondJSON(w, http.StatusCreated, map[string]string{"subscription_id": id})
}

func (s *Server) handleListSubscriptions(w http.ResponseWriter, r *http.Request) {
	subs, err := s.subs.List(r.Context())
	if err != nil {
		s.logger.Error("subscriptions list failed", zap.Error(err))
		http.Error(w, "subscriptions list failed", http.StatusInternalServerError)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"count":         len(subs),
		"subscriptions": subs,
	})
}

func (s *Server) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.bus.Unsubscribe(r.Context(), id) {
		http.Error(w, "subscription not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ----- Health -----

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	components := s.bus.HealthCheck(r.Context())
	status := http.StatusOK
	overall := "healthy"
	for _, st := range components {
		if st != "healthy" {
			overall = "degraded"
			status = http.StatusServiceUnavailable
			break
		}
	}
	respondJSON(w, status, map[string]interface{}{
		"status":     overall,
		"components": components,
		"bus":        s.bus.GetMetrics(),
	})
}

// ----- Failover -----

func (s *Server) handleFailoverStatusAll(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.ctrl.GetAllFailoverStatus())
}

func (s *Server) handleFailoverStatus(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "integration")
	status, ok := s.ctrl.GetFailoverStatus(name)
	if !ok {
		http.Error(w, "unknown integration", http.StatusNotFound)
		return
	}
	respondJSON(w, http.StatusOK, status)
}

func (s *Server) handleFailoverEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := 50
	if raw := q.Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	events := s.ctrl.GetFailoverEvents(q.Get("integration"), limit)
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"count":  len(events),
		"events": events,
	})
}

func (s *Server) handleFailoverStatistics(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.ctrl.GetFailoverStatistics())
}

type triggerRequest struct {
	Reason     string                 `json:"reason"`
	HealthData map[string]interface{} `json:"health_data"`
}

func (s *Server) handleTriggerFailover(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "integration")

	var req triggerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if req.Reason == "" {
		req.Reason = "Manual trigger via API"
	}

	ok := s.ctrl.TriggerFailover(r.Context(), name, req.Reason, req.HealthData)
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"integration": name,
		"switched":    ok,
	})
}

type manualFailoverRequest struct {
	Target string `json:"target"`
}

func (s *Server) handleManualFailover(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "integration")

	var req manualFailoverRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Target == "" {
		http.Error(w, "target is required", http.StatusBadRequest)
		return
	}

	if err := s.ctrl.ManualFailover(r.Context(), name, req.Target); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleResetBreaker(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "integration")
	if err := s.ctrl.ResetCircuitBreaker(name); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type healthUpdateRequest struct {
	Score float64 `json:"score"`
}

func (s *Server) handleUpdateHealth(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "integration")
	target := chi.URLParam(r, "target")

	var req healthUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}

	if err := s.ctrl.UpdateTargetHealth(name, target, req.Score); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
