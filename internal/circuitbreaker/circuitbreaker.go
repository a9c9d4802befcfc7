// Package circuitbreaker sheds sends to delivery destinations that keep
// failing. Each destination (the chat platform, every webhook host) gets its
// own breaker, so one broken endpoint cannot stall reminders bound elsewhere.
package circuitbreaker

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State of a breaker.
//
//	Closed   -> Open      consecutive failures reach MaxFailures
//	Open     -> HalfOpen  RecoveryTimeout elapsed since it opened
//	HalfOpen -> Closed    a probe succeeds
//	HalfOpen -> Open      a probe fails
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned instead of calling a destination whose breaker
// is rejecting sends.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Config holds the configuration for a CircuitBreaker.
type Config struct {
	// Name labels logs, metrics and the admin API, e.g. "chat".
	Name string

	// MaxFailures is the number of consecutive failures that opens the breaker.
	MaxFailures int

	// RecoveryTimeout is how long the breaker stays open before probing.
	RecoveryTimeout time.Duration

	// HalfOpenMaxRequests caps concurrent probes while half-open.
	HalfOpenMaxRequests int

	// IsFailure decides whether an error returned by the guarded call counts
	// against the destination. Errors it rejects release the slot without
	// affecting the state. Nil counts every error.
	IsFailure func(error) bool

	// OnStateChange, if set, is called (with the lock held) after every
	// transition. It must not call back into the breaker.
	OnStateChange func(name string, from, to State)
}

// DefaultConfig returns the production defaults.
func DefaultConfig(name string) Config {
	return Config{
		Name:                name,
		MaxFailures:         5,
		RecoveryTimeout:     30 * time.Second,
		HalfOpenMaxRequests: 1,
	}
}

func (c Config) withDefaults() Config {
	if c.MaxFailures <= 0 {
		c.MaxFailures = 5
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = 30 * time.Second
	}
	if c.HalfOpenMaxRequests <= 0 {
		c.HalfOpenMaxRequests = 1
	}
	return c
}

type counters struct {
	requests  int64
	failures  int64
	successes int64
	rejected  int64
	released  int64
}

// CircuitBreaker guards one delivery destination.
type CircuitBreaker struct {
	mu     sync.RWMutex
	config Config
	logger *zap.Logger
	now    func() time.Time

	state     State
	streak    int // consecutive counted failures
	probes    int // probes in flight while half-open
	openedAt  time.Time
	lastFail  time.Time
	changedAt time.Time
	totals    counters
}

// New creates a new CircuitBreaker with the given configuration.
func New(cfg Config, logger *zap.Logger) *CircuitBreaker {
	cfg = cfg.withDefaults()
	cb := &CircuitBreaker{
		config: cfg,
		logger: logger.With(zap.String("breaker", cfg.Name)),
		now:    time.Now,
	}
	cb.changedAt = cb.now()
	return cb
}

// Name returns the configured breaker name.
func (cb *CircuitBreaker) Name() string {
	return cb.config.Name
}

// Allow reports whether a call may proceed. Every Allow that returns true
// must be followed by Done, or by one of RecordSuccess, RecordFailure and
// Release.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.totals.requests++
	if cb.admit() {
		return true
	}
	cb.totals.rejected++
	return false
}

// admit must be called with the lock held.
func (cb *CircuitBreaker) admit() bool {
	if cb.state == StateOpen && cb.now().Sub(cb.openedAt) >= cb.config.RecoveryTimeout {
		cb.transitionTo(StateHalfOpen)
		cb.logger.Info("circuit breaker probing destination")
	}

	switch cb.state {
	case StateClosed:
		return true
	case StateHalfOpen:
		if cb.probes >= cb.config.HalfOpenMaxRequests {
			return false
		}
		cb.probes++
		return true
	default:
		return false
	}
}

// Done reports the outcome of an allowed call, classifying err with the
// configured IsFailure hook.
func (cb *CircuitBreaker) Done(err error) {
	switch {
	case err == nil:
		cb.RecordSuccess()
	case cb.config.IsFailure == nil || cb.config.IsFailure(err):
		cb.RecordFailure()
	default:
		cb.Release()
	}
}

// RecordSuccess resets the failure streak and closes a half-open breaker.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.totals.successes++
	cb.streak = 0
	if cb.state == StateHalfOpen {
		cb.transitionTo(StateClosed)
		cb.logger.Info("circuit breaker closed, destination recovered")
	}
}

// RecordFailure extends the failure streak, opening the breaker at the
// threshold or immediately when a probe fails.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.totals.failures++
	cb.streak++
	cb.lastFail = cb.now()

	if cb.state == StateHalfOpen || (cb.state == StateClosed && cb.streak >= cb.config.MaxFailures) {
		cb.transitionTo(StateOpen)
		cb.logger.Warn("circuit breaker opened",
			zap.Int("consecutive_failures", cb.streak),
			zap.Int("threshold", cb.config.MaxFailures),
		)
	}
}

// Release returns an allowed slot without counting an outcome. Used when
// the guarded call failed for a reason unrelated to the destination's health.
func (cb *CircuitBreaker) Release() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.totals.released++
	if cb.state == StateHalfOpen && cb.probes > 0 {
		cb.probes--
	}
}

// GetState returns the current state.
func (cb *CircuitBreaker) GetState() State {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// Stats is a point-in-time snapshot for the admin API.
type Stats struct {
	Name            string `json:"name"`
	State           string `json:"state"`
	FailureCount    int    `json:"failure_count"`
	TotalRequests   int64  `json:"total_requests"`
	TotalFailures   int64  `json:"total_failures"`
	TotalSuccesses  int64  `json:"total_successes"`
	TotalRejected   int64  `json:"total_rejected"`
	TotalReleased   int64  `json:"total_released"`
	LastFailure     string `json:"last_failure,omitempty"`
	LastStateChange string `json:"last_state_change"`
}

func (cb *CircuitBreaker) Stats() Stats {
	cb.mu.RLock()
	defer cb.mu.RUnlock()

	s := Stats{
		Name:            cb.config.Name,
		State:           cb.state.String(),
		FailureCount:    cb.streak,
		TotalRequests:   cb.totals.requests,
		TotalFailures:   cb.totals.failures,
		TotalSuccesses:  cb.totals.successes,
		TotalRejected:   cb.totals.rejected,
		TotalReleased:   cb.totals.released,
		LastStateChange: cb.changedAt.Format(time.RFC3339),
	}
	if !cb.lastFail.IsZero() {
		s.LastFailure = cb.lastFail.Format(time.RFC3339)
	}
	return s
}

// Reset forces the breaker closed. Operator override.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.transitionTo(StateClosed)
	cb.streak = 0
	cb.logger.Info("circuit breaker manually reset")
}

// transitionTo must be called with the lock held.
func (cb *CircuitBreaker) transitionTo(to State) {
	from := cb.state
	if from == to {
		return
	}

	cb.state = to
	cb.changedAt = cb.now()
	cb.probes = 0
	if to == StateOpen {
		cb.openedAt = cb.changedAt
	}

	if cb.config.OnStateChange != nil {
		cb.config.OnStateChange(cb.config.Name, from, to)
	}
}

func (cb *CircuitBreaker) String() string {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return fmt.Sprintf("CircuitBreaker[%s] state=%s failures=%d/%d",
		cb.config.Name, cb.state, cb.streak, cb.config.MaxFailures)
}

// Set holds one breaker per destination key, created on first use from a
// shared template.
type Set struct {
	mu       sync.Mutex
	template Config
	logger   *zap.Logger
	now      func() time.Time
	breakers map[string]*CircuitBreaker
}

// NewSet creates an empty set. template.Name is ignored; each breaker is
// named after its key.
func NewSet(template Config, logger *zap.Logger) *Set {
	return &Set{
		template: template,
		logger:   logger,
		now:      time.Now,
		breakers: make(map[string]*CircuitBreaker),
	}
}

// Get returns the breaker for key, creating it closed if needed.
func (s *Set) Get(key string) *CircuitBreaker {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cb, ok := s.breakers[key]; ok {
		return cb
	}

	cfg := s.template
	cfg.Name = key
	cb := New(cfg, s.logger)
	cb.now = s.now
	cb.changedAt = cb.now()
	s.breakers[key] = cb

	s.logger.Debug("circuit breaker created",
		zap.String("breaker", key),
		zap.Int("max_failures", cb.config.MaxFailures),
		zap.Duration("recovery_timeout", cb.config.RecoveryTimeout),
	)
	return cb
}

// Lookup returns an existing breaker without creating one.
func (s *Set) Lookup(key string) (*CircuitBreaker, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cb, ok := s.breakers[key]
	return cb, ok
}

// Stats snapshots every breaker, ordered by name.
func (s *Set) Stats() []Stats {
	s.mu.Lock()
	list := make([]*CircuitBreaker, 0, len(s.breakers))
	for _, cb := range s.breakers {
		list = append(list, cb)
	}
	s.mu.Unlock()

	sort.Slice(list, func(i, j int) bool { return list[i].Name() < list[j].Name() })

	out := make([]Stats, len(list))
	for i, cb := range list {
		out[i] = cb.Stats()
	}
	return out
}

// Reset closes the named breaker. It reports false for unknown names.
func (s *Set) Reset(key string) (Stats, bool) {
	cb, ok := s.Lookup(key)
	if !ok {
		return Stats{}, false
	}
	cb.Reset()
	return cb.Stats(), true
}
