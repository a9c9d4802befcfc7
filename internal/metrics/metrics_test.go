package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
)

func TestRecordRequest(t *testing.T) {
	RecordRequest("GET", "/v1/tenants", 200, 100*time.Millisecond)
	RecordRequest("POST", "/v1/scheduler/run", 200, 50*time.Millisecond)
	RecordRequest("GET", "/v1/tenants/{tenantID}/reminders/{id}", 404, 10*time.Millisecond)
}

func TestRecordTick(t *testing.T) {
	done := TickStarted()
	RecordTick(250*time.Millisecond, 3)
	done()
	RecordTick(0, 0)
}

func TestRecordTenantProcessed(t *testing.T) {
	for _, outcome := range []string{"ok", "partial", "error"} {
		RecordTenantProcessed(outcome)
	}
}

func TestRecordReminderOutcomes(t *testing.T) {
	RecordReminderDelivered("direct", 2*time.Second)
	RecordReminderDelivered("channel", -time.Second)
	RecordReminderFailed("direct", "recipient_not_found")
	RecordReminderFailed("channel", "validation")
	RecordReminderAbandoned()
}

func TestRecordFailureCounters(t *testing.T) {
	RecordEnumerationFailure("postgres")
	RecordRecordingFailure("sqs")
	RecordRegistrySync("error")
	RecordIdempotencyHit()
	RecordRateLimitRejection("scheduler-run")
	SetBreakerState("gateway", 1)
	SetDBConnections(10)
	SetRedisConnections(5)
}

func TestHandler(t *testing.T) {
	handler := Handler()
	if handler == nil {
		t.Fatal("Handler should not return nil")
	}

	RecordTick(time.Second, 1)

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rec.Code)
	}

	if !strings.Contains(rec.Body.String(), "remindbot_scheduler_ticks_total") {
		t.Error("expected scheduler tick counter in metrics output")
	}
}

func TestMiddleware(t *testing.T) {
	innerCalled := false
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		innerCalled = true
		w.WriteHeader(http.StatusCreated)
	})

	handler := Middleware(inner)
	req := httptest.NewRequest("POST", "/test", nil)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if !innerCalled {
		t.Error("inner handler should have been called")
	}

	if rec.Code != http.StatusCreated {
		t.Errorf("expected status 201, got %d", rec.Code)
	}
}

func TestMiddleware_WithChiRouter(t *testing.T) {
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/v1/tenants/{tenantID}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest("GET", "/v1/tenants/acme", nil))

	if rec.Code != http.StatusNoContent {
		t.Errorf("expected status 204, got %d", rec.Code)
	}
}

func TestResponseWriter_DefaultStatus(t *testing.T) {
	rec := httptest.NewRecorder()
	rw := &responseWriter{ResponseWriter: rec, status: http.StatusOK}

	rw.Write([]byte("test"))

	if rw.status != http.StatusOK {
		t.Errorf("expected default status 200, got %d", rw.status)
	}
}

func TestResponseWriter_ExplicitStatus(t *testing.T) {
	rec := httptest.NewRecorder()
	rw := &responseWriter{ResponseWriter: rec, status: http.StatusOK}

	rw.WriteHeader(http.StatusNotFound)

	if rw.status != http.StatusNotFound {
		t.Errorf("expected status 404, got %d", rw.status)
	}
}
