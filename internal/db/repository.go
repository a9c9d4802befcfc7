package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

var (
	// ErrNotFound is returned when a tenant-scoped row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrNotActive is returned when a status transition finds the reminder
	// already completed or cancelled.
	ErrNotActive = errors.New("reminder is not active")
)

// Repository handles database operations for tenants, reminders and
// delivery attempts. Every reminder query is scoped by tenant_id.
type Repository struct {
	db     *DB
	logger *zap.Logger
}

// NewRepository creates a new repository
func NewRepository(db *DB, logger *zap.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

const reminderColumns = `
	r.id, r.tenant_id, r.subject, r.when_datetime, r.notification_method,
	r.channel_id, r.recipient_user_id, r.status,
	(SELECT COUNT(*) FROM notification_attempts a
	  WHERE a.tenant_id = r.tenant_id AND a.reminder_id = r.id AND NOT a.success
	    AND a.error_kind IS DISTINCT FROM 'circuit_open') AS failed_attempts,
	r.created_at, r.updated_at`

func scanReminder(row pgx.Row) (*Reminder, error) {
	var rem Reminder
	err := row.Scan(
		&rem.ID,
		&rem.TenantID,
		&rem.Subject,
		&rem.WhenDatetime,
		&rem.NotificationMethod,
		&rem.ChannelID,
		&rem.RecipientUserID,
		&rem.Status,
		&rem.FailedAttempts,
		&rem.CreatedAt,
		&rem.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &rem, nil
}

func collectReminders(rows pgx.Rows) ([]*Reminder, error) {
	defer rows.Close()

	var reminders []*Reminder
	for rows.Next() {
		rem, err := scanReminder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan reminder: %w", err)
		}
		reminders = append(reminders, rem)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return reminders, nil
}

// ListTenants returns every known tenant, including unavailable ones.
func (r *Repository) ListTenants(ctx context.Context) ([]*Tenant, error) {
	query := `
		SELECT id, name, unavailable, created_at, updated_at
		FROM tenants
		ORDER BY id
	`

	rows, err := r.db.Pool().Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query tenants: %w", err)
	}
	defer rows.Close()

	var tenants []*Tenant
	for rows.Next() {
		var t Tenant
		if err := rows.Scan(&t.ID, &t.Name, &t.Unavailable, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan tenant: %w", err)
		}
		tenants = append(tenants, &t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return tenants, nil
}

// UpsertTenant inserts a tenant or refreshes its name and availability.
func (r *Repository) UpsertTenant(ctx context.Context, t *Tenant) error {
	query := `
		INSERT INTO tenants (id, name, unavailable)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE
		SET name = EXCLUDED.name, unavailable = EXCLUDED.unavailable, updated_at = NOW()
		RETURNING created_at, updated_at
	`

	if err := r.db.Pool().QueryRow(ctx, query, t.ID, t.Name, t.Unavailable).Scan(&t.CreatedAt, &t.UpdatedAt); err != nil {
		return fmt.Errorf("upsert tenant: %w", err)
	}

	return nil
}

// SetTenantAvailability flags a tenant as (un)available to the scheduler.
func (r *Repository) SetTenantAvailability(ctx context.Context, tenantID string, unavailable bool) error {
	query := `UPDATE tenants SET unavailable = $1, updated_at = NOW() WHERE id = $2`

	result, err := r.db.Pool().Exec(ctx, query, unavailable, tenantID)
	if err != nil {
		return fmt.Errorf("update tenant availability: %w", err)
	}

	if result.RowsAffected() == 0 {
		return fmt.Errorf("tenant %s: %w", tenantID, ErrNotFound)
	}

	r.logger.Info("tenant availability changed",
		zap.String("tenant_id", tenantID),
		zap.Bool("unavailable", unavailable),
	)

	return nil
}

// GetDueReminders returns the tenant's active reminders whose time is at or
// before now, oldest first.
func (r *Repository) GetDueReminders(ctx context.Context, tenantID string, now time.Time) ([]*Reminder, error) {
	query := `
		SELECT ` + reminderColumns + `
		FROM reminders r
		WHERE r.tenant_id = $1 AND r.status = 'active' AND r.when_datetime <= $2
		ORDER BY r.when_datetime ASC, r.id ASC
	`

	rows, err := r.db.Pool().Query(ctx, query, tenantID, now)
	if err != nil {
		return nil, fmt.Errorf("query due reminders: %w", err)
	}

	return collectReminders(rows)
}

// SetReminderStatus moves an active reminder to status within its tenant.
// Only active reminders transition; a reminder that was completed or
// cancelled in the meantime is left alone and ErrNotActive is returned.
func (r *Repository) SetReminderStatus(ctx context.Context, tenantID string, reminderID int64, status string) error {
	if !ValidStatus(status) || status == StatusActive {
		return fmt.Errorf("invalid reminder status: %q", status)
	}

	// The second select reads the pre-update snapshot, so a miss can be told
	// apart from a reminder that is no longer active.
	query := `
		WITH updated AS (
			UPDATE reminders
			SET status = $1, updated_at = NOW()
			WHERE tenant_id = $2 AND id = $3 AND status = 'active'
			RETURNING id
		)
		SELECT
			(SELECT COUNT(*) FROM updated),
			(SELECT status FROM reminders WHERE tenant_id = $2 AND id = $3)
	`

	var (
		updated int
		current *string
	)
	err := r.db.Pool().QueryRow(ctx, query, status, tenantID, reminderID).Scan(&updated, &current)
	if err != nil {
		r.logger.Error("failed to update reminder status",
			zap.Error(err),
			zap.String("tenant_id", tenantID),
			zap.Int64("reminder_id", reminderID),
		)
		return fmt.Errorf("update reminder status: %w", err)
	}

	switch {
	case updated > 0:
		return nil
	case current == nil:
		return fmt.Errorf("reminder %s/%d: %w", tenantID, reminderID, ErrNotFound)
	default:
		return fmt.Errorf("reminder %s/%d is %s: %w", tenantID, reminderID, *current, ErrNotActive)
	}
}

// RecordAttempt appends a delivery attempt.
func (r *Repository) RecordAttempt(ctx context.Context, attempt *NotificationAttempt) error {
	if attempt.ID == uuid.Nil {
		attempt.ID = uuid.New()
	}
	if attempt.RecordedAt.IsZero() {
		attempt.RecordedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO notification_attempts (id, tenant_id, reminder_id, success, error, error_kind, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	_, err := r.db.Pool().Exec(ctx, query,
		attempt.ID,
		attempt.TenantID,
		attempt.ReminderID,
		attempt.Success,
		attempt.Error,
		attempt.ErrorKind,
		attempt.RecordedAt,
	)
	if err != nil {
		return fmt.Errorf("insert notification attempt: %w", err)
	}

	return nil
}

// CreateReminder inserts an active reminder and assigns it the next
// tenant-scoped id.
func (r *Repository) CreateReminder(ctx context.Context, rem *Reminder) error {
	tx, err := r.db.Pool().Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Serialize id allocation per tenant without touching other tenants.
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, rem.TenantID); err != nil {
		return fmt.Errorf("lock tenant sequence: %w", err)
	}

	if rem.Status == "" {
		rem.Status = StatusActive
	}

	query := `
		INSERT INTO reminders (
			id, tenant_id, subject, when_datetime, notification_method,
			channel_id, recipient_user_id, status
		)
		SELECT COALESCE(MAX(id), 0) + 1, $1::text, $2::text, $3::timestamptz, $4::text, $5::text, $6::text, $7::text
		FROM reminders WHERE tenant_id = $1
		RETURNING id, created_at, updated_at
	`

	err = tx.QueryRow(ctx, query,
		rem.TenantID,
		rem.Subject,
		rem.WhenDatetime,
		rem.NotificationMethod,
		rem.ChannelID,
		rem.RecipientUserID,
		rem.Status,
	).Scan(&rem.ID, &rem.CreatedAt, &rem.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert reminder: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	r.logger.Info("reminder created",
		zap.String("tenant_id", rem.TenantID),
		zap.Int64("reminder_id", rem.ID),
		zap.String("method", rem.NotificationMethod),
	)

	return nil
}

// GetReminder retrieves one reminder of a tenant.
func (r *Repository) GetReminder(ctx context.Context, tenantID string, reminderID int64) (*Reminder, error) {
	query := `
		SELECT ` + reminderColumns + `
		FROM reminders r
		WHERE r.tenant_id = $1 AND r.id = $2
	`

	rem, err := scanReminder(r.db.Pool().QueryRow(ctx, query, tenantID, reminderID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("reminder %s/%d: %w", tenantID, reminderID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query reminder: %w", err)
	}

	return rem, nil
}

// ListRemindersByTenant retrieves reminders for a tenant with pagination
func (r *Repository) ListRemindersByTenant(ctx context.Context, tenantID string, limit, offset int) ([]*Reminder, error) {
	query := `
		SELECT ` + reminderColumns + `
		FROM reminders r
		WHERE r.tenant_id = $1
		ORDER BY r.when_datetime DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.db.Pool().Query(ctx, query, tenantID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query reminders: %w", err)
	}

	return collectReminders(rows)
}

// ListAttempts returns the attempt log of one reminder, newest first.
func (r *Repository) ListAttempts(ctx context.Context, tenantID string, reminderID int64) ([]*NotificationAttempt, error) {
	query := `
		SELECT id, tenant_id, reminder_id, success, error, error_kind, recorded_at
		FROM notification_attempts
		WHERE tenant_id = $1 AND reminder_id = $2
		ORDER BY recorded_at DESC
	`

	rows, err := r.db.Pool().Query(ctx, query, tenantID, reminderID)
	if err != nil {
		return nil, fmt.Errorf("query attempts: %w", err)
	}
	defer rows.Close()

	var attempts []*NotificationAttempt
	for rows.Next() {
		var a NotificationAttempt
		if err := rows.Scan(&a.ID, &a.TenantID, &a.ReminderID, &a.Success, &a.Error, &a.ErrorKind, &a.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		attempts = append(attempts, &a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return attempts, nil
}
