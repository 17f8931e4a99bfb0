// Package circuitbreaker stops calling a meeting provider that keeps failing
// and lets a single probe through once the recovery timeout has passed.
package circuitbreaker

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ocgsync/syncd/internal/metrics"
)

// State of a breaker.
//
//	Closed -> Open:      consecutive failures reach MaxFailures
//	Open -> HalfOpen:    RecoveryTimeout has elapsed since the last failure
//	HalfOpen -> Closed:  the probe succeeds
//	HalfOpen -> Open:    the probe fails
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

type Config struct {
	// Name labels log lines and the circuit_state gauge.
	Name string

	// MaxFailures is the number of consecutive failures that opens the circuit.
	MaxFailures int

	// RecoveryTimeout is how long the circuit stays open before probing.
	RecoveryTimeout time.Duration

	// HalfOpenMaxRequests is how many probes may be in flight while half-open.
	HalfOpenMaxRequests int
}

func DefaultConfig(name string) Config {
	return Config{
		Name:                name,
		MaxFailures:         5,
		RecoveryTimeout:     30 * time.Second,
		HalfOpenMaxRequests: 1,
	}
}

// counts are lifetime totals reported by Stats.
type counts struct {
	requests  int64
	successes int64
	failures  int64
	rejected  int64
}

type CircuitBreaker struct {
	config Config
	logger *zap.Logger
	now    func() time.Time

	mu          sync.Mutex
	state       State
	consecutive int       // failures since the last success
	probes      int       // calls let through while half-open
	retryAt     time.Time // when an open circuit may probe again
	lastFailure time.Time
	changedAt   time.Time
	totals      counts
}

func New(cfg Config, logger *zap.Logger) *CircuitBreaker {
	def := DefaultConfig(cfg.Name)
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = def.MaxFailures
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = def.RecoveryTimeout
	}
	if cfg.HalfOpenMaxRequests <= 0 {
		cfg.HalfOpenMaxRequests = def.HalfOpenMaxRequests
	}

	cb := &CircuitBreaker{
		config: cfg,
		logger: logger.With(zap.String("breaker", cfg.Name)),
		now:    time.Now,
	}
	cb.changedAt = cb.now()
	metrics.SetCircuitState(cfg.Name, int(StateClosed))

	return cb
}

// Allow reports whether a call may proceed. When it may not, the second
// return value is the time left before the next probe is allowed.
func (cb *CircuitBreaker) Allow() (bool, time.Duration) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.totals.requests++
	now := cb.now()

	if cb.state == StateOpen {
		if now.Before(cb.retryAt) {
			cb.totals.rejected++
			return false, cb.retryAt.Sub(now)
		}
		cb.setState(StateHalfOpen, now)
		cb.logger.Info("circuit half-open, letting a probe through")
	}

	if cb.state == StateHalfOpen {
		if cb.probes >= cb.config.HalfOpenMaxRequests {
			cb.totals.rejected++
			return false, cb.config.RecoveryTimeout
		}
		cb.probes++
	}

	return true, 0
}

// RecordSuccess resets the failure count and closes a half-open circuit.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.totals.successes++
	cb.consecutive = 0

	if cb.state == StateHalfOpen {
		cb.setState(StateClosed, cb.now())
		cb.logger.Info("circuit closed, provider recovered")
	}
}

// RecordFailure counts a failure. A failed probe reopens the circuit at once.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.now()
	cb.totals.failures++
	cb.consecutive++
	cb.lastFailure = now

	switch {
	case cb.state == StateHalfOpen:
		cb.open(now)
		cb.logger.Warn("circuit re-opened, probe failed")
	case cb.state == StateOpen:
		// A call that started before the circuit opened.
		cb.retryAt = now.Add(cb.config.RecoveryTimeout)
	case cb.consecutive >= cb.config.MaxFailures:
		cb.open(now)
		cb.logger.Warn("circuit opened",
			zap.Int("failures", cb.consecutive),
			zap.Duration("recovery_timeout", cb.config.RecoveryTimeout),
		)
	}
}

func (cb *CircuitBreaker) GetState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

type Stats struct {
	Name            string `json:"name"`
	State           string `json:"state"`
	FailureCount    int    `json:"failure_count"`
	TotalRequests   int64  `json:"total_requests"`
	TotalFailures   int64  `json:"total_failures"`
	TotalSuccesses  int64  `json:"total_successes"`
	TotalRejected   int64  `json:"total_rejected"`
	LastFailure     string `json:"last_failure,omitempty"`
	LastStateChange string `json:"last_state_change"`
}

func (cb *CircuitBreaker) Stats() Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	s := Stats{
		Name:            cb.config.Name,
		State:           cb.state.String(),
		FailureCount:    cb.consecutive,
		TotalRequests:   cb.totals.requests,
		TotalFailures:   cb.totals.failures,
		TotalSuccesses:  cb.totals.successes,
		TotalRejected:   cb.totals.rejected,
		LastStateChange: cb.changedAt.Format(time.RFC3339),
	}
	if !cb.lastFailure.IsZero() {
		s.LastFailure = cb.lastFailure.Format(time.RFC3339)
	}
	return s
}

// open must be called with mu held.
func (cb *CircuitBreaker) open(now time.Time) {
	cb.retryAt = now.Add(cb.config.RecoveryTimeout)
	cb.setState(StateOpen, now)
}

// setState must be called with mu held.
func (cb *CircuitBreaker) setState(next State, now time.Time) {
	if cb.state == next {
		return
	}

	cb.logger.Debug("circuit state change",
		zap.Stringer("from", cb.state),
		zap.Stringer("to", next),
	)

	cb.state = next
	cb.changedAt = now
	cb.probes = 0
	metrics.SetCircuitState(cb.config.Name, int(next))
}

func (cb *CircuitBreaker) String() string {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return fmt.Sprintf("CircuitBreaker[%s] state=%s failures=%d/%d",
		cb.config.Name, cb.state, cb.consecutive, cb.config.MaxFailures)
}
