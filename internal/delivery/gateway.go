// Package delivery contains the chat-platform side of reminder notifications:
// the Gateway contract used by the scheduler, its typed failure modes and the
// concrete transports (Telegram, channel webhooks, and a logging gateway for
// development).
package delivery

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Recipient is a resolved direct-message target.
type Recipient struct {
	UserID string `json:"user_id"`
	ChatID int64  `json:"chat_id"`
	Name   string `json:"name,omitempty"`
}

// Gateway is the outbound messaging surface of the chat platform.
// Implementations must be safe for concurrent use by many tenants.
type Gateway interface {
	// ResolveRecipient looks up a user. A user that cannot be found fails
	// with *RecipientNotFoundError.
	ResolveRecipient(ctx context.Context, userID string) (Recipient, error)
	// SendDirect delivers text to a resolved recipient and returns the
	// platform's delivery id. Failures are *DeliveryError.
	SendDirect(ctx context.Context, recipient Recipient, text string) (string, error)
	// SendToChannel posts text to a channel. Unknown channels and missing
	// post permission are both *DeliveryError.
	SendToChannel(ctx context.Context, channelID, text string) (string, error)
}

// RecipientNotFoundError is returned when a user id cannot be resolved.
type RecipientNotFoundError struct {
	UserID string
	Err    error
}

func (e *RecipientNotFoundError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("recipient %s not found: %v", e.UserID, e.Err)
	}
	return fmt.Sprintf("recipient %s not found", e.UserID)
}

func (e *RecipientNotFoundError) Unwrap() error { return e.Err }

// DeliveryError is returned when the platform rejects or fails a send.
// StatusCode is the platform's HTTP or API error code, zero when the request
// never got an answer.
type DeliveryError struct {
	Target     string
	StatusCode int
	Err        error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("delivery to %s failed: %v", e.Target, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// ValidationError describes a reminder that cannot be delivered as stored,
// e.g. a channel reminder without a channel id.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

var (
	// ErrUnsupported is wrapped by gateways asked for an operation they cannot do.
	ErrUnsupported = errors.New("operation not supported by gateway")
	// ErrBadTarget is wrapped when a channel id cannot be addressed at all.
	ErrBadTarget = errors.New("unaddressable delivery target")
)

// IsRecipientNotFound reports whether err is a recipient resolution failure.
func IsRecipientNotFound(err error) bool {
	var target *RecipientNotFoundError
	return errors.As(err, &target)
}

// IsValidation reports whether err is a validation failure.
func IsValidation(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}

// IsTransient reports whether err says something about the health of the
// destination: network failures, 5xx and 429 responses. Rejections of a
// single message or recipient (other 4xx, bad targets, validation) are not
// transient and must not count against a shared destination.
func IsTransient(err error) bool {
	if err == nil || IsValidation(err) || IsRecipientNotFound(err) {
		return false
	}
	if errors.Is(err, ErrBadTarget) || errors.Is(err, ErrUnsupported) || errors.Is(err, context.Canceled) {
		return false
	}
	var de *DeliveryError
	if errors.As(err, &de) && de.StatusCode != 0 {
		return de.StatusCode == http.StatusTooManyRequests || de.StatusCode >= 500
	}
	return true
}

// FormatReminder renders the notification text for a reminder.
func FormatReminder(subject string, when time.Time) string {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		subject = "(no subject)"
	}
	return fmt.Sprintf("⏰ Reminder: %s\n(scheduled for %s)", subject, when.UTC().Format("2006-01-02 15:04 MST"))
}
