package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/remindbot/internal/db"
	"github.com/lalithlochan/remindbot/internal/metrics"
)

// AttemptSink stores one notification attempt.
type AttemptSink interface {
	RecordAttempt(ctx context.Context, attempt *db.NotificationAttempt) error
}

// SinkFunc adapts a function to AttemptSink.
type SinkFunc func(ctx context.Context, attempt *db.NotificationAttempt) error

func (f SinkFunc) RecordAttempt(ctx context.Context, attempt *db.NotificationAttempt) error {
	return f(ctx, attempt)
}

// NamedSink pairs an AttemptSink with a label for logs and metrics.
type NamedSink struct {
	Name string
	Sink AttemptSink
}

// RecorderConfig configures a Recorder.
type RecorderConfig struct {
	// Timeout bounds each sink write. Default 5s.
	Timeout time.Duration
	// Async writes in the background; Wait blocks until pending writes finish.
	Async bool
}

// Recorder writes attempt records to every configured sink. Sink failures
// are logged and counted, never returned.
type Recorder struct {
	sinks   []NamedSink
	config  RecorderConfig
	logger  *zap.Logger
	now     func() time.Time
	pending sync.WaitGroup
}

// NewRecorder creates a recorder writing to sinks.
func NewRecorder(cfg RecorderConfig, logger *zap.Logger, sinks ...NamedSink) *Recorder {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &Recorder{
		sinks:  sinks,
		config: cfg,
		logger: logger,
		now:    time.Now,
	}
}

// Record stores the outcome of one delivery attempt. failure is nil on
// success.
func (r *Recorder) Record(ctx context.Context, tenantID string, reminderID int64, failure *ProcessingError) {
	attempt := &db.NotificationAttempt{
		ID:         uuid.New(),
		TenantID:   tenantID,
		ReminderID: reminderID,
		Success:    failure == nil,
		RecordedAt: r.now().UTC(),
	}
	if failure != nil {
		msg, kind := failure.Message, string(failure.Kind)
		attempt.Error = &msg
		attempt.ErrorKind = &kind
	}

	// The write must outlive the tick that produced it.
	ctx = context.WithoutCancel(ctx)

	if !r.config.Async {
		r.write(ctx, attempt)
		return
	}

	r.pending.Add(1)
	go func() {
		defer r.pending.Done()
		r.write(ctx, attempt)
	}()
}

// Wait blocks until every background write has finished.
func (r *Recorder) Wait() {
	r.pending.Wait()
}

func (r *Recorder) write(ctx context.Context, attempt *db.NotificationAttempt) {
	for _, s := range r.sinks {
		r.writeOne(ctx, s, attempt)
	}
}

func (r *Recorder) writeOne(ctx context.Context, s NamedSink, attempt *db.NotificationAttempt) {
	log := r.logger.With(
		zap.String("sink", s.Name),
		zap.String("tenant_id", attempt.TenantID),
		zap.Int64("reminder_id", attempt.ReminderID),
	)

	defer func() {
		if rec := recover(); rec != nil {
			metrics.RecordRecordingFailure(s.Name)
			log.Error("attempt sink panicked", zap.Any("panic", rec))
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, r.config.Timeout)
	defer cancel()

	if err := s.Sink.RecordAttempt(ctx, attempt); err != nil {
		metrics.RecordRecordingFailure(s.Name)
		log.Warn("failed to record notification attempt", zap.Error(err))
	}
}
