// Package resilience provides circuit breaking and backend failover for the
// remote speech services.
//
// [CircuitBreaker] is a three-state breaker (closed, open, half-open) that
// keeps a dead backend from burning a connect timeout out of every turn.
// [TTSFallback] composes synthesis backends with one breaker per backend so
// a failing primary is bypassed in favour of a healthy fallback.
//
// The breaker exposes admission and accounting separately: [CircuitBreaker.Allow]
// decides whether a call may proceed, [CircuitBreaker.Record] feeds back the
// outcome. A synthesis stream reports its outcome only when its audio channel
// closes, long after it was admitted, and a cancelled stream may never report
// one at all; the breaker tolerates unreported probes by opening a fresh probe
// round after each reset interval. [CircuitBreaker.Execute] remains the
// convenience wrapper for calls whose outcome is known synchronously.
//
// All types are safe for concurrent use.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [CircuitBreaker.Allow] and
// [CircuitBreaker.Execute] while the breaker is rejecting calls.
var ErrCircuitOpen = errors.New("resilience: circuit open")

// State represents the current operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed is the normal operating state; all calls are admitted.
	StateClosed State = iota

	// StateOpen rejects every call with [ErrCircuitOpen] until the reset
	// timeout elapses.
	StateOpen

	// StateHalfOpen admits a limited number of probe calls. Enough probe
	// successes close the breaker; any probe failure re-opens it.
	StateHalfOpen
)

// String returns the human-readable name of the state.
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

// CircuitBreakerConfig holds tuning knobs for a [CircuitBreaker].
// A voice turn is seconds long, so the defaults bypass a dead backend after
// a few broken turns and retry it well within a conversation.
type CircuitBreakerConfig struct {
	// Name labels the breaker in log messages.
	Name string

	// MaxFailures is the number of consecutive failures in the closed state
	// before the breaker opens. Default: 3.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open before admitting
	// probes, and how long an exhausted probe round lasts before a fresh
	// one opens. Default: 20s.
	ResetTimeout time.Duration

	// HalfOpenMax is both the probe budget per half-open round and the
	// number of probe successes required to close. Default: 2.
	HalfOpenMax int

	// Logger receives state transition logs. Default: slog.Default().
	Logger *slog.Logger
}

// CircuitBreaker implements the three-state circuit breaker pattern.
type CircuitBreaker struct {
	name         string
	maxFailures  int
	resetTimeout time.Duration
	halfOpenMax  int
	log          *slog.Logger

	mu           sync.Mutex
	state        State
	failures     int       // consecutive failures while closed
	openedAt     time.Time // entry into open, refreshed per probe round
	probes       int       // admissions in the current half-open round
	probeSuccess int
}

// NewCircuitBreaker creates a [CircuitBreaker] with the supplied
// configuration. Zero-value fields take the documented defaults.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 3
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 20 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 2
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &CircuitBreaker{
		name:         cfg.Name,
		maxFailures:  cfg.MaxFailures,
		resetTimeout: cfg.ResetTimeout,
		halfOpenMax:  cfg.HalfOpenMax,
		log:          cfg.Logger,
		state:        StateClosed,
	}
}

// Allow reports whether a call may proceed. It returns [ErrCircuitOpen]
// while the breaker is open or the current probe round is exhausted. An
// admitted call should feed its outcome back through [CircuitBreaker.Record];
// a call whose outcome never becomes known may skip it.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if time.Since(cb.openedAt) < cb.resetTimeout {
			return ErrCircuitOpen
		}
		cb.state = StateHalfOpen
		cb.probes, cb.probeSuccess = 0, 0
		cb.openedAt = time.Now()
		cb.log.Info("circuit half-open", "name", cb.name)

	case StateHalfOpen:
		if cb.probes >= cb.halfOpenMax {
			// The round's outcomes never arrived or are still pending.
			// Start a fresh round after another reset interval instead of
			// staying shut on lost probes.
			if time.Since(cb.openedAt) < cb.resetTimeout {
				return ErrCircuitOpen
			}
			cb.probes, cb.probeSuccess = 0, 0
			cb.openedAt = time.Now()
		}
	}

	if cb.state == StateHalfOpen {
		cb.probes++
	}
	return nil
}

// Record feeds the outcome of an admitted call back into the breaker.
// Outcomes that arrive after the breaker has already re-opened are stale:
// a stale failure extends the open window, a stale success is dropped.
func (cb *CircuitBreaker) Record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		if err == nil {
			cb.failures = 0
			return
		}
		cb.failures++
		if cb.failures >= cb.maxFailures {
			cb.state = StateOpen
			cb.openedAt = time.Now()
			cb.log.Warn("circuit opened", "name", cb.name, "failures", cb.failures)
		}

	case StateHalfOpen:
		if err != nil {
			cb.state = StateOpen
			cb.openedAt = time.Now()
			cb.failures = 0
			cb.log.Warn("circuit reopened", "name", cb.name)
			return
		}
		cb.probeSuccess++
		if cb.probeSuccess >= cb.halfOpenMax {
			cb.state = StateClosed
			cb.failures = 0
			cb.log.Info("circuit closed", "name", cb.name)
		}

	case StateOpen:
		if err != nil {
			cb.openedAt = time.Now()
		}
	}
}

// Execute runs fn if the breaker admits it and records the result.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if err := cb.Allow(); err != nil {
		return err
	}
	err := fn()
	cb.Record(err)
	return err
}

// State returns the current [State]. When the breaker is open and the reset
// timeout has elapsed the returned state is [StateHalfOpen]; the actual
// transition happens on the next [CircuitBreaker.Allow].
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen && time.Since(cb.openedAt) >= cb.resetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// Reset forces the breaker back to [StateClosed], clearing all counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.state = StateClosed
	cb.failures = 0
	cb.probes, cb.probeSuccess = 0, 0
	cb.log.Info("circuit reset", "name", cb.name)
}
