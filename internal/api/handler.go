package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/spf13/cast"
	"go.uber.org/zap"

	"github.com/lalithlochan/sentinel/internal/alert"
	"github.com/lalithlochan/sentinel/internal/db"
	"github.com/lalithlochan/sentinel/internal/dispatch"
	"github.com/lalithlochan/sentinel/internal/engine"
	"github.com/lalithlochan/sentinel/internal/geo"
	"github.com/lalithlochan/sentinel/internal/metrics"
	"github.com/lalithlochan/sentinel/internal/redis"
	"github.com/lalithlochan/sentinel/internal/scanner"
)

// Service is the orchestration surface the API drives. *engine.Engine
// implements it.
type Service interface {
	ReportLocation(ctx context.Context, userID string, loc db.Location) (scanner.Summary, error)
	Raise(ctx context.Context, userID string, typ db.AlertType, loc *db.Location, message string) (*db.Alert, bool, error)
	Alert(ctx context.Context, id string) (*db.Alert, error)
	Alerts(ctx context.Context, status db.AlertStatus, limit int) ([]*db.Alert, error)
	Attempts(ctx context.Context, alertID string) ([]*db.NotificationAttempt, error)
	Acknowledge(ctx context.Context, id, by string) (*db.Alert, error)
	Resolve(ctx context.Context, id, by, note string) (*db.Alert, error)
	Retry(ctx context.Context, id string) (dispatch.Summary, error)
	Assess(ctx context.Context, lat, lon float64) (geo.Assessment, error)
	Sweep(ctx context.Context) scanner.Summary
}

// LocationRequest is the body of POST /v1/locations.
type LocationRequest struct {
	UserID    string    `json:"user_id"`
	Lat       *float64  `json:"lat"`
	Lon       *float64  `json:"lon"`
	Accuracy  float64   `json:"accuracy"`
	Timestamp time.Time `json:"timestamp"`
}

// LocationResponse reports what the immediate check found.
type LocationResponse struct {
	UserID        string `json:"user_id"`
	EventsEmitted int    `json:"events_emitted"`
}

// SOSRequest is the body of POST /v1/sos. Coordinates are optional; the
// last known location is used without them.
type SOSRequest struct {
	UserID   string       `json:"user_id"`
	Type     db.AlertType `json:"type"`
	Lat      *float64     `json:"lat"`
	Lon      *float64     `json:"lon"`
	Accuracy float64      `json:"accuracy"`
	Message  string       `json:"message"`
}

// ActorRequest is the body of acknowledge and resolve.
type ActorRequest struct {
	By   string `json:"by"`
	Note string `json:"note,omitempty"`
}

// ErrorResponse represents an error in problem+json format
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// Handler holds dependencies for API handlers
type Handler struct {
	logger      *zap.Logger
	service     Service
	idempotency *redis.IdempotencyService // nil if Redis not configured
	limiter     *redis.RateLimiter        // nil disables location rate limiting
}

func NewHandler(logger *zap.Logger, service Service) *Handler {
	return &Handler{
		logger:  logger,
		service: service,
	}
}

// WithIdempotency enables Idempotency-Key handling on POST /v1/sos.
func (h *Handler) WithIdempotency(svc *redis.IdempotencyService) *Handler {
	h.idempotency = svc
	return h
}

// WithRateLimiter caps location pings per user.
func (h *Handler) WithRateLimiter(limiter *redis.RateLimiter) *Handler {
	h.limiter = limiter
	return h
}

// Routes mounts the /v1 API on r.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/v1", func(r chi.Router) {
		r.With(RateLimitMiddleware(h.limiter, h.logger, UserKeyFunc)).Post("/locations", h.ReportLocation)
		r.Post("/sos", h.RaiseSOS)
		r.Post("/scan", h.Sweep)

		r.Get("/zones/assess", h.AssessZone)

		r.Get("/alerts", h.ListAlerts)
		r.Get("/alerts/{id}", h.GetAlert)
		r.Get("/alerts/{id}/attempts", h.ListAttempts)
		r.Post("/alerts/{id}/acknowledge", h.AcknowledgeAlert)
		r.Post("/alerts/{id}/resolve", h.ResolveAlert)
		r.Post("/alerts/{id}/retry", h.RetryAlert)
	})
}

// ReportLocation handles POST /v1/locations
func (h *Handler) ReportLocation(w http.ResponseWriter, r *http.Request) {
	var req LocationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	if req.UserID == "" {
		req.UserID = r.Header.Get("X-User-ID")
	}
	if req.UserID == "" || req.Lat == nil || req.Lon == nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing required fields", "user_id, lat and lon are required")
		return
	}

	loc := db.Location{Lat: *req.Lat, Lon: *req.Lon, Accuracy: req.Accuracy, Timestamp: req.Timestamp}
	sum, err := h.service.ReportLocation(r.Context(), req.UserID, loc)
	if err != nil {
		h.writeServiceError(w, err, "Failed to record location", zap.String("user_id", req.UserID))
		return
	}
	metrics.RecordLocationPing("api")

	h.writeJSON(w, http.StatusAccepted, LocationResponse{UserID: req.UserID, EventsEmitted: sum.EventsEmitted})
}

// RaiseSOS handles POST /v1/sos
// Supports idempotency via the Idempotency-Key header.
func (h *Handler) RaiseSOS(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	idempotencyKey := r.Header.Get("Idempotency-Key")

	var req SOSRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	if req.UserID == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing required fields", "user_id is required")
		return
	}
	if req.Type == "" {
		req.Type = db.AlertSOS
	}
	if (req.Lat == nil) != (req.Lon == nil) {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Incomplete coordinates", "lat and lon must be given together")
		return
	}

	useKey := idempotencyKey != "" && h.idempotency != nil
	if useKey {
		cached, err := h.idempotency.CheckOrReserve(ctx, req.UserID, idempotencyKey)
		switch {
		case errors.Is(err, redis.ErrRequestInFlight):
			h.writeError(w, http.StatusConflict, "duplicate_request",
				"Request is already being processed",
				"Another request with this idempotency key is in progress")
			return
		case err != nil:
			h.logger.Warn("idempotency check failed, proceeding",
				zap.Error(err),
				zap.String("idempotency_key", idempotencyKey),
			)
			useKey = false
		case cached != nil:
			h.replay(w, r, cached)
			return
		}
	}

	var loc *db.Location
	if req.Lat != nil {
		loc = &db.Location{Lat: *req.Lat, Lon: *req.Lon, Accuracy: req.Accuracy}
	}

	a, created, err := h.service.Raise(ctx, req.UserID, req.Type, loc, req.Message)
	if err != nil {
		if useKey {
			if rerr := h.idempotency.Release(context.WithoutCancel(ctx), req.UserID, idempotencyKey); rerr != nil {
				h.logger.Warn("failed to release idempotency key", zap.Error(rerr))
			}
		}
		if a == nil {
			h.writeServiceError(w, err, "Failed to raise alert", zap.String("user_id", req.UserID))
			return
		}
		// The alert exists but dispatch could not start; report it as is.
		h.logger.Error("alert raised but dispatch failed",
			zap.Error(err),
			zap.String("alert_id", a.ID),
		)
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
		h.logger.Info("manual alert raised",
			zap.String("alert_id", a.ID),
			zap.String("user_id", a.UserID),
			zap.String("type", string(a.Type)),
		)
	}

	if useKey && err == nil {
		result := &redis.IdempotencyResult{AlertID: a.ID, Created: created, StatusCode: status}
		if err := h.idempotency.Store(ctx, req.UserID, idempotencyKey, result); err != nil {
			h.logger.Warn("failed to store idempotency result",
				zap.Error(err),
				zap.String("idempotency_key", idempotencyKey),
			)
		}
	}

	h.writeJSON(w, status, a)
}

func (h *Handler) replay(w http.ResponseWriter, r *http.Request, cached *redis.IdempotencyResult) {
	metrics.RecordIdempotencyHit()
	a, err := h.service.Alert(r.Context(), cached.AlertID)
	if err != nil {
		h.writeServiceError(w, err, "Failed to load alert", zap.String("alert_id", cached.AlertID))
		return
	}
	w.Header().Set("X-Idempotency-Replayed", "true")
	h.writeJSON(w, cached.StatusCode, a)
}

// GetAlert handles GET /v1/alerts/{id}
func (h *Handler) GetAlert(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	a, err := h.service.Alert(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, err, "Failed to get alert", zap.String("alert_id", id))
		return
	}
	h.writeJSON(w, http.StatusOK, a)
}

// ListAlerts handles GET /v1/alerts?status=NOTIFIED&limit=50
func (h *Handler) ListAlerts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	status := db.AlertStatus(q.Get("status"))
	if status == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing status", "status query parameter is required")
		return
	}
	if !knownStatus(status) {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid status", "unknown alert status "+string(status))
		return
	}

	limit := defaultListLimit
	if raw := q.Get("limit"); raw != "" {
		if l, err := cast.ToIntE(raw); err == nil && l > 0 && l <= maxListLimit {
			limit = l
		}
	}

	alerts, err := h.service.Alerts(r.Context(), status, limit)
	if err != nil {
		h.writeServiceError(w, err, "Failed to list alerts", zap.String("status", string(status)))
		return
	}
	if alerts == nil {
		alerts = []*db.Alert{}
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data":  alerts,
		"limit": limit,
		"count": len(alerts),
	})
}

// ListAttempts handles GET /v1/alerts/{id}/attempts
func (h *Handler) ListAttempts(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rows, err := h.service.Attempts(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, err, "Failed to list attempts", zap.String("alert_id", id))
		return
	}
	if rows == nil {
		rows = []*db.NotificationAttempt{}
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data":  rows,
		"count": len(rows),
	})
}

// AcknowledgeAlert handles POST /v1/alerts/{id}/acknowledge
func (h *Handler) AcknowledgeAlert(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req ActorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	a, err := h.service.Acknowledge(r.Context(), id, req.By)
	if err != nil {
		h.writeServiceError(w, err, "Failed to acknowledge alert", zap.String("alert_id", id))
		return
	}

	h.logger.Info("alert acknowledged",
		zap.String("alert_id", id),
		zap.String("by", req.By),
	)
	h.writeJSON(w, http.StatusOK, a)
}

// ResolveAlert handles POST /v1/alerts/{id}/resolve
func (h *Handler) ResolveAlert(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req ActorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	a, err := h.service.Resolve(r.Context(), id, req.By, req.Note)
	if err != nil {
		h.writeServiceError(w, err, "Failed to resolve alert", zap.String("alert_id", id))
		return
	}

	h.logger.Info("alert resolved",
		zap.String("alert_id", id),
		zap.String("by", req.By),
	)
	h.writeJSON(w, http.StatusOK, a)
}

// RetryAlert handles POST /v1/alerts/{id}/retry
func (h *Handler) RetryAlert(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sum, err := h.service.Retry(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, err, "Failed to retry alert", zap.String("alert_id", id))
		return
	}
	h.writeJSON(w, http.StatusOK, sum)
}

// AssessZone handles GET /v1/zones/assess?lat=..&lon=..
func (h *Handler) AssessZone(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	lat, errLat := strconv.ParseFloat(q.Get("lat"), 64)
	lon, errLon := strconv.ParseFloat(q.Get("lon"), 64)
	if errLat != nil || errLon != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid coordinates", "lat and lon must be numbers")
		return
	}

	a, err := h.service.Assess(r.Context(), lat, lon)
	if err != nil {
		h.writeServiceError(w, err, "Failed to assess location")
		return
	}
	h.writeJSON(w, http.StatusOK, a)
}

// Sweep handles POST /v1/scan
func (h *Handler) Sweep(w http.ResponseWriter, r *http.Request) {
	sum := h.service.Sweep(r.Context())
	h.logger.Info("manual sweep finished",
		zap.Int("users_scanned", sum.UsersScanned),
		zap.Int("events_emitted", sum.EventsEmitted),
		zap.Int("errors", sum.Errors),
	)
	h.writeJSON(w, http.StatusOK, sum)
}

// writeServiceError maps domain errors to HTTP statuses. Anything
// unrecognised is logged and reported as a 500.
func (h *Handler) writeServiceError(w http.ResponseWriter, err error, title string, fields ...zap.Field) {
	switch {
	case errors.Is(err, db.ErrNotFound):
		h.writeError(w, http.StatusNotFound, "not_found", "Not found", err.Error())
	case errors.Is(err, alert.ErrInvalidTransition):
		h.writeError(w, http.StatusConflict, "invalid_transition", "Alert cannot change to that status", err.Error())
	case errors.Is(err, db.ErrConflict):
		h.writeError(w, http.StatusConflict, "conflict", "Concurrent update", err.Error())
	case errors.Is(err, engine.ErrInvalidLocation),
		errors.Is(err, alert.ErrInvalidType),
		errors.Is(err, alert.ErrMissingActor):
		h.writeError(w, http.StatusBadRequest, "invalid_request", title, err.Error())
	default:
		h.logger.Error(title, append(fields, zap.Error(err))...)
		h.writeError(w, http.StatusInternalServerError, "internal_error", title, "")
	}
}

func knownStatus(s db.AlertStatus) bool {
	switch s {
	case db.StatusCreated, db.StatusNotifying, db.StatusNotified,
		db.StatusNotificationFailed, db.StatusAcknowledged, db.StatusResolved:
		return true
	}
	return false
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)

	json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}
