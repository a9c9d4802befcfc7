package db

import (
	"time"

	"github.com/google/uuid"
)

// Tenant is an isolated workspace whose reminders are stored and processed
// independently of every other tenant.
type Tenant struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Unavailable bool      `json:"unavailable"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Reminder represents a reminder row. IDs are scoped to the tenant.
type Reminder struct {
	ID                 int64     `json:"id"`
	TenantID           string    `json:"tenant_id"`
	Subject            string    `json:"subject"`
	WhenDatetime       time.Time `json:"when_datetime"`
	NotificationMethod string    `json:"notification_method"`
	ChannelID          *string   `json:"channel_id,omitempty"`
	RecipientUserID    string    `json:"recipient_user_id"`
	Status             string    `json:"status"`
	FailedAttempts     int       `json:"failed_attempts"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// IsDue reports whether the reminder is active and its time has passed.
func (r *Reminder) IsDue(now time.Time) bool {
	return r.Status == StatusActive && !r.WhenDatetime.After(now)
}

// Reminder status constants
const (
	StatusActive    = "active"
	StatusCompleted = "completed"
	StatusCancelled = "cancelled"
)

// Notification method constants
const (
	MethodDirect  = "direct"
	MethodChannel = "channel"
)

// NotificationAttempt is one append-only delivery outcome. Attempts are never
// updated or deleted.
type NotificationAttempt struct {
	ID         uuid.UUID `json:"id"`
	TenantID   string    `json:"tenant_id"`
	ReminderID int64     `json:"reminder_id"`
	Success    bool      `json:"success"`
	Error      *string   `json:"error,omitempty"`
	ErrorKind  *string   `json:"error_kind,omitempty"`
	RecordedAt time.Time `json:"recorded_at"`
}

// ValidStatus reports whether s is a known reminder status.
func ValidStatus(s string) bool {
	return s == StatusActive || s == StatusCompleted || s == StatusCancelled
}
