package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/remindbot/internal/metrics"
	"github.com/lalithlochan/remindbot/internal/observ"
)

// Defaults for Config.
const (
	DefaultBatchSize  = 10
	DefaultBatchDelay = 100 * time.Millisecond
)

// ReportHook is called after every tick that processed at least one tenant.
// Hooks run on the tick's goroutine and must not block for long.
type ReportHook func(ctx context.Context, tick Tick)

// Config configures a Scheduler.
type Config struct {
	BatchSize  int
	BatchDelay time.Duration
	// Sleep pauses between batches; defaults to a context-aware timer.
	Sleep func(ctx context.Context, d time.Duration)
}

// Scheduler runs ticks: enumerate tenants, then process them in sequential
// batches of concurrently processed tenants.
type Scheduler struct {
	tenants   TenantLister
	processor TenantProcessor
	config    Config
	logger    *zap.Logger

	hooksMu sync.RWMutex
	hooks   []ReportHook

	lastMu sync.RWMutex
	last   *Tick
}

// New creates a scheduler.
func New(tenants TenantLister, processor TenantProcessor, cfg Config, logger *zap.Logger) *Scheduler {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.BatchDelay < 0 {
		cfg.BatchDelay = 0
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepContext
	}
	return &Scheduler{
		tenants:   tenants,
		processor: processor,
		config:    cfg,
		logger:    logger,
	}
}

// OnReport registers a hook that receives each completed tick.
func (s *Scheduler) OnReport(hook ReportHook) {
	s.hooksMu.Lock()
	defer s.hooksMu.Unlock()
	s.hooks = append(s.hooks, hook)
}

// LastTick returns the most recently completed tick.
func (s *Scheduler) LastTick() (Tick, bool) {
	s.lastMu.RLock()
	defer s.lastMu.RUnlock()
	if s.last == nil {
		return Tick{}, false
	}
	return *s.last, true
}

// LastReport returns the report of the most recently completed tick, or nil.
func (s *Scheduler) LastReport() TickReport {
	tick, ok := s.LastTick()
	if !ok {
		return nil
	}
	return tick.Report
}

// RunOnce performs one full tick and returns when every batch has finished.
func (s *Scheduler) RunOnce(ctx context.Context) TickReport {
	tick := Tick{ID: uuid.NewString(), StartedAt: time.Now().UTC()}
	log := observ.TickLogger(s.logger, tick.ID)
	done := metrics.TickStarted()
	defer done()

	ids := s.tenants.List(ctx)
	if len(ids) == 0 {
		tick.FinishedAt = time.Now().UTC()
		tick.Report = TickReport{}
		s.storeTick(tick)
		metrics.RecordTick(tick.Duration(), 0)
		log.Debug("no tenants to process")
		return tick.Report
	}

	batches := Partition(ids, s.config.BatchSize)
	tick.Batches = len(batches)
	log.Info("tick started",
		zap.Int("tenants", len(ids)),
		zap.Int("batches", len(batches)),
	)

	results := make([]TenantProcessingResult, 0, len(ids))
	for i, batch := range batches {
		results = append(results, s.runBatch(ctx, log.With(zap.Int("batch", i+1)), batch)...)
		if i < len(batches)-1 {
			s.config.Sleep(ctx, s.config.BatchDelay)
		}
	}

	tick.Report = Merge(results)
	tick.FinishedAt = time.Now().UTC()
	s.storeTick(tick)
	metrics.RecordTick(tick.Duration(), tick.Batches)

	sum := tick.Report.Summarize()
	log.Info("tick completed",
		zap.Int("tenants", sum.Tenants),
		zap.Int("total", sum.Total),
		zap.Int("sent", sum.Sent),
		zap.Int("failed", sum.Failed),
		zap.Strings("failing_tenants", sum.FailingTenants),
		zap.Duration("duration", tick.Duration()),
	)

	s.runHooks(ctx, log, tick)
	return tick.Report
}

// runBatch processes every tenant of the batch concurrently and returns
// their results in batch order.
func (s *Scheduler) runBatch(ctx context.Context, log *zap.Logger, batch []string) []TenantProcessingResult {
	results := make([]TenantProcessingResult, len(batch))

	var wg sync.WaitGroup
	for i, tenantID := range batch {
		wg.Add(1)
		go func(i int, tenantID string) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					log.Error("tenant processor panicked",
						zap.String("tenant_id", tenantID),
						zap.Any("panic", r),
					)
					res := newResult(tenantID)
					res.addError(KindPanic, 0, fmt.Sprintf("tenant processing panicked: %v", r))
					results[i] = res
				}
			}()
			results[i] = s.processor.Process(ctx, tenantID)
		}(i, tenantID)
	}
	wg.Wait()

	return results
}

func (s *Scheduler) storeTick(tick Tick) {
	s.lastMu.Lock()
	defer s.lastMu.Unlock()
	s.last = &tick
}

func (s *Scheduler) runHooks(ctx context.Context, log *zap.Logger, tick Tick) {
	s.hooksMu.RLock()
	hooks := append([]ReportHook(nil), s.hooks...)
	s.hooksMu.RUnlock()

	for _, hook := range hooks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Error("report hook panicked", zap.Any("panic", r))
				}
			}()
			hook(ctx, tick)
		}()
	}
}

// Start runs a tick every interval until the returned handle is stopped or
// ctx is cancelled. A tick that is still running when the next one is due
// keeps running; the two overlap.
func (s *Scheduler) Start(ctx context.Context, interval time.Duration) *Handle {
	if interval <= 0 {
		interval = time.Minute
	}

	loopCtx, cancel := context.WithCancel(ctx)
	// Ticks are not interrupted by Stop.
	tickCtx := context.WithoutCancel(ctx)

	h := &Handle{cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(h.done)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		s.logger.Info("scheduler started",
			zap.Duration("interval", interval),
			zap.Int("batch_size", s.config.BatchSize),
			zap.Duration("batch_delay", s.config.BatchDelay),
		)

		for {
			select {
			case <-loopCtx.Done():
				s.logger.Info("scheduler stopped")
				return
			case <-ticker.C:
				h.inflight.Add(1)
				go func() {
					defer h.inflight.Done()
					s.RunOnce(tickCtx)
				}()
			}
		}
	}()

	return h
}

// Handle controls a running scheduler loop.
type Handle struct {
	cancel   context.CancelFunc
	done     chan struct{}
	once     sync.Once
	inflight sync.WaitGroup
}

// Stop ends the loop; no tick starts after Stop returns. Ticks already
// running finish on their own. Safe to call more than once.
func (h *Handle) Stop() {
	h.once.Do(h.cancel)
	<-h.done
}

// Wait blocks until the loop has been stopped and every tick it started
// has finished.
func (h *Handle) Wait() {
	<-h.done
	h.inflight.Wait()
}

func sleepContext(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
