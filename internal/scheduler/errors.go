package scheduler

import (
	"errors"

	"github.com/lalithlochan/remindbot/internal/circuitbreaker"
	"github.com/lalithlochan/remindbot/internal/delivery"
)

// ErrorKind classifies an entry in TenantProcessingResult.Errors.
type ErrorKind string

const (
	// KindFetch: listing the tenant's due reminders failed. Tenant-level.
	KindFetch ErrorKind = "fetch"
	// KindRecipientNotFound: the direct-message recipient could not be resolved.
	KindRecipientNotFound ErrorKind = "recipient_not_found"
	// KindValidation: the reminder cannot be delivered as stored.
	KindValidation ErrorKind = "validation"
	// KindDelivery: the gateway failed or rejected the send.
	KindDelivery ErrorKind = "delivery"
	// KindCircuitOpen: the gateway is shedding load after repeated failures.
	KindCircuitOpen ErrorKind = "circuit_open"
	// KindStatusUpdate: delivery was attempted but the status transition failed.
	KindStatusUpdate ErrorKind = "status_update"
	// KindPanic: processing the tenant panicked. Tenant-level.
	KindPanic ErrorKind = "panic"
)

// ProcessingError is one structured error entry of a tenant result.
// ReminderID is zero for tenant-level errors.
type ProcessingError struct {
	Kind       ErrorKind `json:"kind"`
	ReminderID int64     `json:"reminder_id,omitempty"`
	Message    string    `json:"message"`
}

func (e ProcessingError) Error() string { return e.Message }

// classify maps a delivery failure onto the error taxonomy.
func classify(err error) ErrorKind {
	switch {
	case delivery.IsRecipientNotFound(err):
		return KindRecipientNotFound
	case delivery.IsValidation(err):
		return KindValidation
	case errors.Is(err, circuitbreaker.ErrCircuitOpen):
		return KindCircuitOpen
	default:
		return KindDelivery
	}
}
