package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/remindbot/internal/db"
	"github.com/lalithlochan/remindbot/internal/delivery"
	"github.com/lalithlochan/remindbot/internal/metrics"
	"github.com/lalithlochan/remindbot/internal/observ"
)

// ProcessorConfig configures a Processor.
type ProcessorConfig struct {
	// MaxFailedAttempts completes a reminder once this many deliveries have
	// failed. Zero or negative retries forever.
	MaxFailedAttempts int
	// Now is the clock; defaults to time.Now.
	Now func() time.Time
}

// Processor delivers one tenant's due reminders.
type Processor struct {
	store    TenantDataStore
	gateway  Gateway
	recorder AttemptRecorder
	config   ProcessorConfig
	logger   *zap.Logger
}

// NewProcessor creates a new reminder processor
func NewProcessor(store TenantDataStore, gateway Gateway, recorder AttemptRecorder, cfg ProcessorConfig, logger *zap.Logger) *Processor {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Processor{
		store:    store,
		gateway:  gateway,
		recorder: recorder,
		config:   cfg,
		logger:   logger,
	}
}

// Process sends every due reminder of tenantID. It never returns an error
// and never panics: a failing reminder is counted and the loop moves on,
// and a tenant-level problem ends up in the result's Errors.
func (p *Processor) Process(ctx context.Context, tenantID string) (result TenantProcessingResult) {
	result = newResult(tenantID)
	log := observ.TenantLogger(p.logger, tenantID)

	defer func() {
		if r := recover(); r != nil {
			log.Error("tenant processing panicked", zap.Any("panic", r))
			result.addError(KindPanic, 0, fmt.Sprintf("tenant processing panicked: %v", r))
		}
		metrics.RecordTenantProcessed(outcome(result))
	}()

	now := p.config.Now()
	reminders, err := p.store.GetDueReminders(ctx, tenantID, now)
	if err != nil {
		log.Error("failed to fetch due reminders", zap.Error(err))
		result.addError(KindFetch, 0, fmt.Sprintf("fetch due reminders: %v", err))
		return result
	}

	due := make([]*db.Reminder, 0, len(reminders))
	for _, rem := range reminders {
		if rem == nil || rem.TenantID != tenantID || !rem.IsDue(now) {
			continue
		}
		due = append(due, rem)
	}
	result.Total = len(due)

	if result.Total == 0 {
		log.Debug("no due reminders")
		return result
	}

	for _, rem := range due {
		p.processReminder(ctx, log, rem, &result)
	}

	log.Info("tenant processed",
		zap.Int("total", result.Total),
		zap.Int("sent", result.Sent),
		zap.Int("failed", result.Failed),
	)
	return result
}

func (p *Processor) processReminder(ctx context.Context, log *zap.Logger, rem *db.Reminder, result *TenantProcessingResult) {
	log = log.With(zap.Int64("reminder_id", rem.ID), zap.String("method", rem.NotificationMethod))

	deliveryID, err := p.deliver(ctx, rem)
	if err != nil {
		failure := ProcessingError{Kind: classify(err), ReminderID: rem.ID, Message: fmt.Sprintf("reminder %d: %v", rem.ID, err)}

		result.Failed++
		result.Errors = append(result.Errors, failure)
		metrics.RecordReminderFailed(rem.NotificationMethod, string(failure.Kind))
		log.Warn("reminder delivery failed", zap.String("kind", string(failure.Kind)), zap.Error(err))

		p.recorder.Record(ctx, rem.TenantID, rem.ID, &failure)
		// A shed send never reached the destination and says nothing about
		// this reminder.
		if failure.Kind != KindCircuitOpen {
			p.abandonIfExhausted(ctx, log, rem, result)
		}
		return
	}

	result.Sent++
	now := p.config.Now()
	metrics.RecordReminderDelivered(rem.NotificationMethod, now.Sub(rem.WhenDatetime))
	log.Debug("reminder delivered", zap.String("delivery_id", deliveryID))

	p.recorder.Record(ctx, rem.TenantID, rem.ID, nil)

	// Re-checked with a fresh clock in case the store's notion of "due"
	// drifted from ours.
	if rem.WhenDatetime.After(now) {
		return
	}
	err = p.store.SetReminderStatus(ctx, rem.TenantID, rem.ID, db.StatusCompleted)
	if errors.Is(err, db.ErrNotActive) {
		log.Info("reminder left active state during delivery, status kept", zap.Error(err))
		return
	}
	if err != nil {
		log.Error("failed to mark reminder completed", zap.Error(err))
		result.addError(KindStatusUpdate, rem.ID, fmt.Sprintf("reminder %d: mark completed: %v", rem.ID, err))
	}
}

func (p *Processor) deliver(ctx context.Context, rem *db.Reminder) (string, error) {
	text := delivery.FormatReminder(rem.Subject, rem.WhenDatetime)

	switch rem.NotificationMethod {
	case db.MethodDirect:
		recipient, err := p.gateway.ResolveRecipient(ctx, rem.RecipientUserID)
		if err != nil {
			return "", err
		}
		return p.gateway.SendDirect(ctx, recipient, text)

	case db.MethodChannel:
		if rem.ChannelID == nil || strings.TrimSpace(*rem.ChannelID) == "" {
			return "", &delivery.ValidationError{Field: "channel_id", Reason: "required for channel reminders"}
		}
		return p.gateway.SendToChannel(ctx, strings.TrimSpace(*rem.ChannelID), text)

	default:
		return "", &delivery.ValidationError{
			Field:  "notification_method",
			Reason: fmt.Sprintf("unknown method %q", rem.NotificationMethod),
		}
	}
}

// abandonIfExhausted completes a reminder whose failure count, including
// the attempt just made, reached the configured limit. FailedAttempts does
// not include sends shed by an open circuit breaker.
func (p *Processor) abandonIfExhausted(ctx context.Context, log *zap.Logger, rem *db.Reminder, result *TenantProcessingResult) {
	limit := p.config.MaxFailedAttempts
	if limit <= 0 || rem.FailedAttempts+1 < limit {
		return
	}

	err := p.store.SetReminderStatus(ctx, rem.TenantID, rem.ID, db.StatusCompleted)
	if errors.Is(err, db.ErrNotActive) {
		return
	}
	if err != nil {
		log.Error("failed to retire reminder", zap.Error(err))
		result.addError(KindStatusUpdate, rem.ID, fmt.Sprintf("reminder %d: retire after %d failures: %v", rem.ID, rem.FailedAttempts+1, err))
		return
	}

	metrics.RecordReminderAbandoned()
	log.Warn("reminder retired after repeated delivery failures",
		zap.Int("failed_attempts", rem.FailedAttempts+1),
		zap.Int("limit", limit),
	)
}

func outcome(r TenantProcessingResult) string {
	switch {
	case !r.HasFailures():
		return "ok"
	case r.Sent > 0:
		return "partial"
	default:
		return "error"
	}
}
