package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/lalithlochan/remindbot/internal/db"
	"github.com/lalithlochan/remindbot/internal/delivery"
)

var testNow = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

func fixedNow() time.Time { return testNow }

func strPtr(s string) *string { return &s }

func directReminder(tenantID string, id int64, userID string) *db.Reminder {
	return &db.Reminder{
		ID:                 id,
		TenantID:           tenantID,
		Subject:            "stand-up",
		WhenDatetime:       testNow.Add(-time.Minute),
		NotificationMethod: db.MethodDirect,
		RecipientUserID:    userID,
		Status:             db.StatusActive,
	}
}

func channelReminder(tenantID string, id int64, channelID *string) *db.Reminder {
	return &db.Reminder{
		ID:                 id,
		TenantID:           tenantID,
		Subject:            "deploy window",
		WhenDatetime:       testNow.Add(-time.Minute),
		NotificationMethod: db.MethodChannel,
		ChannelID:          channelID,
		RecipientUserID:    "1",
		Status:             db.StatusActive,
	}
}

type statusUpdate struct {
	TenantID   string
	ReminderID int64
	Status     string
}

// mockStore is an in-memory TenantDataStore. It returns whatever reminders
// it holds for a tenant so tests can check the processor's own filtering.
type mockStore struct {
	mu         sync.Mutex
	reminders  map[string][]*db.Reminder
	fetchErr   map[string]error
	statusErr  error
	recordErr  error
	fetchCalls []string
	updates    []statusUpdate
	attempts   []*db.NotificationAttempt
}

func newMockStore() *mockStore {
	return &mockStore{
		reminders: make(map[string][]*db.Reminder),
		fetchErr:  make(map[string]error),
	}
}

func (m *mockStore) add(rems ...*db.Reminder) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range rems {
		m.reminders[r.TenantID] = append(m.reminders[r.TenantID], r)
	}
}

func (m *mockStore) GetDueReminders(ctx context.Context, tenantID string, now time.Time) ([]*db.Reminder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fetchCalls = append(m.fetchCalls, tenantID)
	if err := m.fetchErr[tenantID]; err != nil {
		return nil, err
	}
	out := make([]*db.Reminder, len(m.reminders[tenantID]))
	copy(out, m.reminders[tenantID])
	return out, nil
}

func (m *mockStore) SetReminderStatus(ctx context.Context, tenantID string, reminderID int64, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.statusErr != nil {
		return m.statusErr
	}
	m.updates = append(m.updates, statusUpdate{TenantID: tenantID, ReminderID: reminderID, Status: status})
	return nil
}

func (m *mockStore) RecordAttempt(ctx context.Context, attempt *db.NotificationAttempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.recordErr != nil {
		return m.recordErr
	}
	m.attempts = append(m.attempts, attempt)
	return nil
}

func (m *mockStore) statusOf(tenantID string, reminderID int64) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	status, found := "", false
	for _, u := range m.updates {
		if u.TenantID == tenantID && u.ReminderID == reminderID {
			status, found = u.Status, true
		}
	}
	return status, found
}

func (m *mockStore) attemptsFor(tenantID string) []*db.NotificationAttempt {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*db.NotificationAttempt
	for _, a := range m.attempts {
		if a.TenantID == tenantID {
			out = append(out, a)
		}
	}
	return out
}

type sentMessage struct {
	Target string
	Text   string
}

// mockGateway resolves every numeric user except those listed in missing.
type mockGateway struct {
	mu          sync.Mutex
	missing     map[string]bool
	failChannel map[string]error
	panicOn     string
	sent        []sentMessage
}

func newMockGateway() *mockGateway {
	return &mockGateway{missing: make(map[string]bool), failChannel: make(map[string]error)}
}

func (g *mockGateway) ResolveRecipient(ctx context.Context, userID string) (delivery.Recipient, error) {
	if g.panicOn != "" && userID == g.panicOn {
		panic("gateway exploded")
	}
	if g.missing[userID] {
		return delivery.Recipient{}, &delivery.RecipientNotFoundError{UserID: userID}
	}
	return delivery.Recipient{UserID: userID, ChatID: 1000}, nil
}

func (g *mockGateway) SendDirect(ctx context.Context, recipient delivery.Recipient, text string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sent = append(g.sent, sentMessage{Target: "user:" + recipient.UserID, Text: text})
	return "m1", nil
}

func (g *mockGateway) SendToChannel(ctx context.Context, channelID, text string) (string, error) {
	if err := g.failChannel[channelID]; err != nil {
		return "", err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sent = append(g.sent, sentMessage{Target: "channel:" + channelID, Text: text})
	return "m2", nil
}

func (g *mockGateway) sentCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.sent)
}

var errStoreDown = errors.New("connection refused")
