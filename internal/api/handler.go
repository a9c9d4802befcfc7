package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/lalithlochan/remindbot/internal/circuitbreaker"
	"github.com/lalithlochan/remindbot/internal/db"
	"github.com/lalithlochan/remindbot/internal/metrics"
	"github.com/lalithlochan/remindbot/internal/redis"
	"github.com/lalithlochan/remindbot/internal/scheduler"
)

// ReminderRepository is the slice of the database the admin API needs.
type ReminderRepository interface {
	ListTenants(ctx context.Context) ([]*db.Tenant, error)
	SetTenantAvailability(ctx context.Context, tenantID string, unavailable bool) error
	CreateReminder(ctx context.Context, rem *db.Reminder) error
	GetReminder(ctx context.Context, tenantID string, reminderID int64) (*db.Reminder, error)
	ListRemindersByTenant(ctx context.Context, tenantID string, limit, offset int) ([]*db.Reminder, error)
	SetReminderStatus(ctx context.Context, tenantID string, reminderID int64, status string) error
	ListAttempts(ctx context.Context, tenantID string, reminderID int64) ([]*db.NotificationAttempt, error)
}

// SchedulerRunner triggers and inspects scheduler ticks.
type SchedulerRunner interface {
	RunOnce(ctx context.Context) scheduler.TickReport
	LastTick() (scheduler.Tick, bool)
}

// AvailabilityCache mirrors tenant availability changes into the live registry.
type AvailabilityCache interface {
	SetAvailability(ctx context.Context, tenantID string, unavailable bool) error
}

// IdempotencyStore makes reminder creation safe to retry.
type IdempotencyStore interface {
	CheckOrReserve(ctx context.Context, tenantID, idempotencyKey string) (*redis.IdempotencyResult, error)
	Store(ctx context.Context, tenantID, idempotencyKey string, result *redis.IdempotencyResult, ttl time.Duration) error
	Release(ctx context.Context, tenantID, idempotencyKey string) error
}

// BreakerSet exposes the per-destination circuit breakers for inspection
// and manual reset.
type BreakerSet interface {
	Stats() []circuitbreaker.Stats
	Reset(name string) (circuitbreaker.Stats, bool)
}

// CreateReminderRequest is the body of POST /v1/tenants/{tenantID}/reminders.
type CreateReminderRequest struct {
	Subject            string    `json:"subject"`
	WhenDatetime       time.Time `json:"when_datetime"`
	NotificationMethod string    `json:"notification_method"`
	ChannelID          *string   `json:"channel_id,omitempty"`
	RecipientUserID    string    `json:"recipient_user_id"`
}

// ErrorResponse represents an error in problem+json format
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// TickResponse describes a completed scheduler tick.
type TickResponse struct {
	TickID     string               `json:"tick_id"`
	StartedAt  time.Time            `json:"started_at"`
	FinishedAt time.Time            `json:"finished_at"`
	DurationMS int64                `json:"duration_ms"`
	Batches    int                  `json:"batches"`
	Summary    scheduler.Summary    `json:"summary"`
	Report     scheduler.TickReport `json:"report"`
}

// Handler holds dependencies for API handlers
type Handler struct {
	logger      *zap.Logger
	repo        ReminderRepository
	scheduler   SchedulerRunner
	registry    AvailabilityCache // nil if Redis not configured
	idempotency IdempotencyStore  // nil if Redis not configured
	breakers    BreakerSet
}

// NewHandler creates a new API handler
func NewHandler(logger *zap.Logger, repo ReminderRepository, sched SchedulerRunner) *Handler {
	return &Handler{
		logger:    logger,
		repo:      repo,
		scheduler: sched,
	}
}

// WithIdempotency enables Idempotency-Key support on reminder creation.
func (h *Handler) WithIdempotency(store IdempotencyStore) *Handler {
	h.idempotency = store
	return h
}

// WithRegistry mirrors availability toggles into the tenant registry.
func (h *Handler) WithRegistry(cache AvailabilityCache) *Handler {
	h.registry = cache
	return h
}

// WithBreakers exposes circuit breakers on the admin API.
func (h *Handler) WithBreakers(breakers BreakerSet) *Handler {
	h.breakers = breakers
	return h
}

// RunScheduler handles POST /v1/scheduler/run
func (h *Handler) RunScheduler(w http.ResponseWriter, r *http.Request) {
	report := h.scheduler.RunOnce(r.Context())

	resp := TickResponse{
		Summary: report.Summarize(),
		Report:  report,
	}
	if tick, ok := h.scheduler.LastTick(); ok {
		resp.TickID = tick.ID
		resp.StartedAt = tick.StartedAt
		resp.FinishedAt = tick.FinishedAt
		resp.DurationMS = tick.Duration().Milliseconds()
		resp.Batches = tick.Batches
	}

	h.logger.Info("manual scheduler run completed",
		zap.String("tick_id", resp.TickID),
		zap.Int("tenants", resp.Summary.Tenants),
		zap.Int("failed", resp.Summary.Failed),
	)

	h.writeJSON(w, http.StatusOK, resp)
}

// GetLastReport handles GET /v1/scheduler/report
func (h *Handler) GetLastReport(w http.ResponseWriter, r *http.Request) {
	tick, ok := h.scheduler.LastTick()
	if !ok {
		h.writeError(w, http.StatusNotFound, "not_found", "No tick has completed yet", "")
		return
	}

	h.writeJSON(w, http.StatusOK, TickResponse{
		TickID:     tick.ID,
		StartedAt:  tick.StartedAt,
		FinishedAt: tick.FinishedAt,
		DurationMS: tick.Duration().Milliseconds(),
		Batches:    tick.Batches,
		Summary:    tick.Report.Summarize(),
		Report:     tick.Report,
	})
}

// ListBreakers handles GET /v1/scheduler/breakers
func (h *Handler) ListBreakers(w http.ResponseWriter, r *http.Request) {
	stats := []circuitbreaker.Stats{}
	if h.breakers != nil {
		stats = h.breakers.Stats()
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data":  stats,
		"count": len(stats),
	})
}

// ResetBreaker handles POST /v1/scheduler/breakers/{name}/reset
func (h *Handler) ResetBreaker(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if h.breakers != nil {
		if stats, ok := h.breakers.Reset(name); ok {
			h.logger.Warn("circuit breaker reset by operator", zap.String("breaker", name))
			h.writeJSON(w, http.StatusOK, stats)
			return
		}
	}
	h.writeError(w, http.StatusNotFound, "not_found", "Circuit breaker not found", "")
}

// ListTenants handles GET /v1/tenants
func (h *Handler) ListTenants(w http.ResponseWriter, r *http.Request) {
	tenants, err := h.repo.ListTenants(r.Context())
	if err != nil {
		h.logger.Error("failed to list tenants", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to list tenants", "")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data":  tenants,
		"count": len(tenants),
	})
}

// UpdateTenant handles PATCH /v1/tenants/{tenantID}
func (h *Handler) UpdateTenant(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := chi.URLParam(r, "tenantID")

	var req struct {
		Unavailable *bool `json:"unavailable"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	if req.Unavailable == nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing required fields", "unavailable is required")
		return
	}

	if err := h.repo.SetTenantAvailability(ctx, tenantID, *req.Unavailable); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "Tenant not found", "")
			return
		}
		h.logger.Error("failed to update tenant", zap.Error(err), zap.String("tenant_id", tenantID))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to update tenant", "")
		return
	}

	// The next registry sync repairs a missed update.
	if h.registry != nil {
		if err := h.registry.SetAvailability(ctx, tenantID, *req.Unavailable); err != nil {
			h.logger.Warn("failed to update tenant registry",
				zap.Error(err),
				zap.String("tenant_id", tenantID),
			)
		}
	}

	h.logger.Info("tenant availability updated",
		zap.String("tenant_id", tenantID),
		zap.Bool("unavailable", *req.Unavailable),
	)

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":          tenantID,
		"unavailable": *req.Unavailable,
	})
}

// CreateReminder handles POST /v1/tenants/{tenantID}/reminders
// Supports idempotency via the Idempotency-Key header.
func (h *Handler) CreateReminder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := chi.URLParam(r, "tenantID")

	idempotencyKey := r.Header.Get("Idempotency-Key")

	var req CreateReminderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	if detail := validateCreateReminder(&req); detail != "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid reminder", detail)
		return
	}

	reserved := false
	if idempotencyKey != "" && h.idempotency != nil {
		cached, err := h.idempotency.CheckOrReserve(ctx, tenantID, idempotencyKey)
		if err != nil {
			if errors.Is(err, redis.ErrDuplicateRequest) {
				h.writeError(w, http.StatusConflict, "duplicate_request",
					"Request is already being processed",
					"Another request with this idempotency key is in progress")
				return
			}
			h.logger.Warn("idempotency check failed, proceeding",
				zap.Error(err),
				zap.String("idempotency_key", idempotencyKey),
			)
		} else if cached != nil {
			metrics.RecordIdempotencyHit()
			h.replayCreate(w, r, tenantID, cached)
			return
		} else {
			reserved = true
		}
	}

	rem := &db.Reminder{
		TenantID:           tenantID,
		Subject:            req.Subject,
		WhenDatetime:       req.WhenDatetime.UTC(),
		NotificationMethod: req.NotificationMethod,
		ChannelID:          req.ChannelID,
		RecipientUserID:    req.RecipientUserID,
		Status:             db.StatusActive,
	}

	if err := h.repo.CreateReminder(ctx, rem); err != nil {
		if reserved {
			if relErr := h.idempotency.Release(ctx, tenantID, idempotencyKey); relErr != nil {
				h.logger.Warn("failed to release idempotency key", zap.Error(relErr))
			}
		}
		h.logger.Error("failed to create reminder",
			zap.Error(err),
			zap.String("tenant_id", tenantID),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to create reminder", "")
		return
	}

	if reserved {
		result := &redis.IdempotencyResult{
			ReminderID: rem.ID,
			StatusCode: http.StatusCreated,
		}
		if err := h.idempotency.Store(ctx, tenantID, idempotencyKey, result, redis.IdempotencyTTL); err != nil {
			h.logger.Warn("failed to store idempotency result",
				zap.Error(err),
				zap.String("idempotency_key", idempotencyKey),
			)
		}
	}

	h.writeJSON(w, http.StatusCreated, rem)
}

func (h *Handler) replayCreate(w http.ResponseWriter, r *http.Request, tenantID string, cached *redis.IdempotencyResult) {
	rem, err := h.repo.GetReminder(r.Context(), tenantID, cached.ReminderID)
	if err != nil {
		h.logger.Error("failed to load replayed reminder",
			zap.Error(err),
			zap.String("tenant_id", tenantID),
			zap.Int64("reminder_id", cached.ReminderID),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to load reminder", "")
		return
	}

	w.Header().Set("X-Idempotency-Replayed", "true")
	h.writeJSON(w, cached.StatusCode, rem)
}

func validateCreateReminder(req *CreateReminderRequest) string {
	req.Subject = strings.TrimSpace(req.Subject)
	if req.Subject == "" {
		return "subject is required"
	}
	if req.WhenDatetime.IsZero() {
		return "when_datetime is required"
	}
	switch req.NotificationMethod {
	case db.MethodDirect:
		if req.RecipientUserID == "" {
			return "recipient_user_id is required for direct reminders"
		}
	case db.MethodChannel:
		if req.ChannelID == nil || *req.ChannelID == "" {
			return "channel_id is required for channel reminders"
		}
	default:
		return "notification_method must be direct or channel"
	}
	return ""
}

// ListReminders handles GET /v1/tenants/{tenantID}/reminders?limit=20&offset=0
func (h *Handler) ListReminders(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")
	limit, offset := parsePagination(r)

	reminders, err := h.repo.ListRemindersByTenant(r.Context(), tenantID, limit, offset)
	if err != nil {
		h.logger.Error("failed to list reminders",
			zap.Error(err),
			zap.String("tenant_id", tenantID),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to list reminders", "")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data":   reminders,
		"limit":  limit,
		"offset": offset,
		"count":  len(reminders),
	})
}

// GetReminder handles GET /v1/tenants/{tenantID}/reminders/{id}
func (h *Handler) GetReminder(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")
	id, ok := h.reminderID(w, r)
	if !ok {
		return
	}

	rem, err := h.repo.GetReminder(r.Context(), tenantID, id)
	if err != nil {
		h.writeLookupError(w, err, tenantID, id)
		return
	}

	h.writeJSON(w, http.StatusOK, rem)
}

// CancelReminder handles POST /v1/tenants/{tenantID}/reminders/{id}/cancel
// Only active reminders can be cancelled.
func (h *Handler) CancelReminder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := chi.URLParam(r, "tenantID")
	id, ok := h.reminderID(w, r)
	if !ok {
		return
	}

	// The transition itself checks the status, so a reminder completed by a
	// running tick is never flipped to cancelled.
	err := h.repo.SetReminderStatus(ctx, tenantID, id, db.StatusCancelled)
	if errors.Is(err, db.ErrNotActive) {
		h.writeError(w, http.StatusConflict, "invalid_state", "Reminder is not active", err.Error())
		return
	}
	if err != nil {
		h.writeLookupError(w, err, tenantID, id)
		return
	}

	h.logger.Info("reminder cancelled",
		zap.String("tenant_id", tenantID),
		zap.Int64("reminder_id", id),
	)

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":     id,
		"status": db.StatusCancelled,
	})
}

// ListAttempts handles GET /v1/tenants/{tenantID}/reminders/{id}/attempts
func (h *Handler) ListAttempts(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")
	id, ok := h.reminderID(w, r)
	if !ok {
		return
	}

	attempts, err := h.repo.ListAttempts(r.Context(), tenantID, id)
	if err != nil {
		h.logger.Error("failed to list attempts",
			zap.Error(err),
			zap.String("tenant_id", tenantID),
			zap.Int64("reminder_id", id),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to list attempts", "")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data":  attempts,
		"count": len(attempts),
	})
}

func (h *Handler) reminderID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid reminder ID", "ID must be a positive integer")
		return 0, false
	}
	return id, true
}

func (h *Handler) writeLookupError(w http.ResponseWriter, err error, tenantID string, id int64) {
	if errors.Is(err, db.ErrNotFound) {
		h.writeError(w, http.StatusNotFound, "not_found", "Reminder not found", "")
		return
	}
	h.logger.Error("reminder lookup failed",
		zap.Error(err),
		zap.String("tenant_id", tenantID),
		zap.Int64("reminder_id", id),
	)
	h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to load reminder", "")
}

func parsePagination(r *http.Request) (limit, offset int) {
	limit = 20

	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= 100 {
			limit = l
		}
	}

	if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
		if o, err := strconv.Atoi(offsetStr); err == nil && o >= 0 {
			offset = o
		}
	}

	return limit, offset
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}
