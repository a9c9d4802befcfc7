// Package scheduler implements the tenant-isolated batch reminder scheduler.
//
// One tick enumerates the active tenants, splits them into fixed-size batches
// and processes the batches one after another. Tenants inside a batch are
// processed concurrently; a failure while processing one tenant is recorded in
// that tenant's result and never affects another tenant.
//
//	Scheduler tick -> Enumerator.List -> Partition -> Processor.Process (per tenant, per batch) -> Merge
package scheduler

import (
	"context"
	"time"

	"github.com/lalithlochan/remindbot/internal/db"
	"github.com/lalithlochan/remindbot/internal/delivery"
)

// TenantDataStore is the per-tenant reminder store. Every call carries the
// tenant id; implementations must tolerate concurrent calls for different
// tenants.
type TenantDataStore interface {
	GetDueReminders(ctx context.Context, tenantID string, now time.Time) ([]*db.Reminder, error)
	SetReminderStatus(ctx context.Context, tenantID string, reminderID int64, status string) error
	RecordAttempt(ctx context.Context, attempt *db.NotificationAttempt) error
}

// TenantSource lists tenants together with their availability flag.
type TenantSource interface {
	ListTenants(ctx context.Context) ([]*db.Tenant, error)
}

// TenantLister produces the ids of the tenants to process in a tick.
type TenantLister interface {
	List(ctx context.Context) []string
}

// TenantProcessor processes one tenant's due reminders. It must not panic
// or fail; problems are reported in the returned result.
type TenantProcessor interface {
	Process(ctx context.Context, tenantID string) TenantProcessingResult
}

// AttemptRecorder persists delivery outcomes without affecting the caller.
type AttemptRecorder interface {
	// Record stores one attempt; failure is nil for a successful delivery.
	Record(ctx context.Context, tenantID string, reminderID int64, failure *ProcessingError)
}

// Gateway is the outbound chat-platform client.
type Gateway = delivery.Gateway

// TenantProcessingResult is the outcome of processing one tenant in one tick.
type TenantProcessingResult struct {
	TenantID string            `json:"tenant_id"`
	Total    int               `json:"total"`
	Sent     int               `json:"sent"`
	Failed   int               `json:"failed"`
	Errors   []ProcessingError `json:"errors"`
}

func newResult(tenantID string) TenantProcessingResult {
	return TenantProcessingResult{TenantID: tenantID, Errors: []ProcessingError{}}
}

func (r *TenantProcessingResult) addError(kind ErrorKind, reminderID int64, msg string) {
	r.Errors = append(r.Errors, ProcessingError{Kind: kind, ReminderID: reminderID, Message: msg})
}

// HasFailures reports whether anything went wrong for the tenant.
func (r TenantProcessingResult) HasFailures() bool {
	return r.Failed > 0 || len(r.Errors) > 0
}

// ErrorMessages returns the error messages in order.
func (r TenantProcessingResult) ErrorMessages() []string {
	msgs := make([]string, len(r.Errors))
	for i, e := range r.Errors {
		msgs[i] = e.Message
	}
	return msgs
}

// TickReport maps tenant id to that tenant's result for one tick.
type TickReport map[string]TenantProcessingResult

// Tick describes one completed scheduler pass.
type Tick struct {
	ID         string     `json:"id"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt time.Time  `json:"finished_at"`
	Batches    int        `json:"batches"`
	Report     TickReport `json:"report"`
}

// Duration of the tick.
func (t Tick) Duration() time.Duration {
	return t.FinishedAt.Sub(t.StartedAt)
}
