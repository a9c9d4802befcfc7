// Package registrysync keeps the Redis tenant registry in step with the
// tenants table.
package registrysync

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/lalithlochan/remindbot/internal/db"
	"github.com/lalithlochan/remindbot/internal/metrics"
)

// TenantLoader is the authoritative tenant list (Postgres).
type TenantLoader interface {
	ListTenants(ctx context.Context) ([]*db.Tenant, error)
}

// Registry receives full snapshots of the tenant list.
type Registry interface {
	Sync(ctx context.Context, tenants []*db.Tenant) error
}

// Config configures a Syncer.
type Config struct {
	// Schedule is a cron spec; descriptors such as "@every 1m" are accepted.
	Schedule string
	// Timeout bounds one sync run. Default 30s.
	Timeout time.Duration
}

// Syncer copies tenants into the registry on a cron schedule.
type Syncer struct {
	loader   TenantLoader
	registry Registry
	config   Config
	cron     *cron.Cron
	logger   *zap.Logger

	lastSync atomic.Int64
}

// New validates the schedule and builds a Syncer. Nothing runs until Start.
func New(loader TenantLoader, registry Registry, cfg Config, logger *zap.Logger) (*Syncer, error) {
	if cfg.Schedule == "" {
		cfg.Schedule = "@every 1m"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if _, err := parser.Parse(cfg.Schedule); err != nil {
		return nil, fmt.Errorf("invalid TENANT_SYNC_SCHEDULE %q: %w", cfg.Schedule, err)
	}

	cl := cronLogger{logger.Sugar()}
	c := cron.New(
		cron.WithParser(parser),
		cron.WithLocation(time.UTC),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)

	return &Syncer{
		loader:   loader,
		registry: registry,
		config:   cfg,
		cron:     c,
		logger:   logger,
	}, nil
}

// SyncOnce loads every tenant and replaces the registry contents.
func (s *Syncer) SyncOnce(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.config.Timeout)
	defer cancel()

	tenants, err := s.loader.ListTenants(ctx)
	if err != nil {
		metrics.RecordRegistrySync("error")
		return fmt.Errorf("load tenants: %w", err)
	}

	if err := s.registry.Sync(ctx, tenants); err != nil {
		metrics.RecordRegistrySync("error")
		return fmt.Errorf("write registry: %w", err)
	}

	s.lastSync.Store(time.Now().UnixNano())
	metrics.RecordRegistrySync("ok")
	s.logger.Debug("tenant registry refreshed", zap.Int("tenants", len(tenants)))
	return nil
}

// Start runs one sync immediately, then schedules the rest. A failed first
// sync is logged; the scheduler falls back to Postgres until a sync lands.
func (s *Syncer) Start(ctx context.Context) error {
	if err := s.SyncOnce(ctx); err != nil {
		s.logger.Warn("initial tenant registry sync failed", zap.Error(err))
	}

	jobCtx := context.WithoutCancel(ctx)
	_, err := s.cron.AddFunc(s.config.Schedule, func() {
		if err := s.SyncOnce(jobCtx); err != nil {
			s.logger.Warn("tenant registry sync failed", zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("add registry sync job: %w", err)
	}

	s.cron.Start()
	s.logger.Info("tenant registry sync started", zap.String("schedule", s.config.Schedule))
	return nil
}

// Stop stops scheduling and waits for a running sync to finish.
func (s *Syncer) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info("tenant registry sync stopped")
}

// LastSync returns when the last successful sync finished.
func (s *Syncer) LastSync() time.Time {
	ns := s.lastSync.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// cronLogger routes cron's internal logging through zap.
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.s.Errorw("cron: "+msg, append(keysAndValues, "error", err)...)
}
