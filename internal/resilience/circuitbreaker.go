// Package resilience guards the runtime's outbound edges. A [CircuitBreaker]
// sits in front of event-sink publishes so a dead broker stops each outbox
// cycle at one cheap rejection instead of a full publish timeout, and
// [FallbackGroup] chains realtime speech providers so a primary whose dials
// keep failing is bypassed in favour of its configured fallbacks.
//
// All types are safe for concurrent use.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [CircuitBreaker.Execute] while the breaker
// rejects calls: either the reset timeout has not elapsed, or the half-open
// probe budget for this window is already spent.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State is the operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects every call with [ErrCircuitOpen] until the reset
	// timeout elapses.
	StateOpen

	// StateHalfOpen admits a bounded number of probe calls. Enough successes
	// close the breaker; one failure re-opens it.
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

// CircuitBreakerConfig tunes a [CircuitBreaker]. The defaults suit the sink
// breaker: five consecutive publish failures trip it, and after 30 s one
// batch worth of probes decides whether the broker is back. Fallback groups
// override these per provider entry, where a dial is expensive enough that a
// smaller probe budget is preferable.
type CircuitBreakerConfig struct {
	// Name labels the breaker in log lines ("sink", a provider name).
	Name string

	// MaxFailures is how many consecutive failures open the breaker.
	// Default 5.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open before probing.
	// Default 30s.
	ResetTimeout time.Duration

	// HalfOpenMax bounds probe calls per half-open window, and is also how
	// many successful probes close the breaker. Default 3.
	HalfOpenMax int

	// Log receives state-transition events. Default slog.Default().
	Log *slog.Logger
}

// CircuitBreaker is a three-state breaker: closed until MaxFailures
// consecutive failures, open for ResetTimeout, then half-open while probes
// settle it one way or the other.
type CircuitBreaker struct {
	name         string
	maxFailures  int
	resetTimeout time.Duration
	halfOpenMax  int
	log          *slog.Logger

	mu            sync.Mutex
	state         State
	failures      int // consecutive, while closed
	lastFailureAt time.Time
	probes        int // admitted this half-open window
	probeFails    int
}

// NewCircuitBreaker creates a breaker. Zero config fields take the defaults
// documented on [CircuitBreakerConfig].
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 3
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	return &CircuitBreaker{
		name:         cfg.Name,
		maxFailures:  cfg.MaxFailures,
		resetTimeout: cfg.ResetTimeout,
		halfOpenMax:  cfg.HalfOpenMax,
		log:          cfg.Log,
		state:        StateClosed,
	}
}

// Execute runs fn if the breaker admits the call, and feeds the outcome back
// into the breaker's state. Rejected calls return [ErrCircuitOpen] without
// running fn.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	probing, err := cb.admit()
	if err != nil {
		return err
	}
	err = fn()
	cb.observe(err, probing)
	return err
}

// admit decides whether a call may proceed and reports whether it counts
// against the half-open probe budget.
func (cb *CircuitBreaker) admit() (probing bool, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if time.Since(cb.lastFailureAt) < cb.resetTimeout {
			return false, ErrCircuitOpen
		}
		cb.state = StateHalfOpen
		cb.probes = 0
		cb.probeFails = 0
		cb.log.Info("circuit breaker half-open, probing", "name", cb.name)
	case StateHalfOpen:
		if cb.probes >= cb.halfOpenMax {
			return false, ErrCircuitOpen
		}
	}

	if cb.state == StateHalfOpen {
		cb.probes++
		return true, nil
	}
	return false, nil
}

// observe folds one call outcome into the state machine.
func (cb *CircuitBreaker) observe(callErr error, probing bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if callErr == nil {
		if probing {
			if cb.probes-cb.probeFails >= cb.halfOpenMax {
				cb.state = StateClosed
				cb.failures = 0
				cb.log.Info("circuit breaker closed after successful probes", "name", cb.name)
			}
			return
		}
		cb.failures = 0
		return
	}

	cb.lastFailureAt = time.Now()
	if probing {
		// One failed probe re-opens for a full reset window.
		cb.probeFails++
		cb.state = StateOpen
		cb.failures = cb.maxFailures
		cb.log.Warn("circuit breaker re-opened by failed probe", "name", cb.name)
		return
	}
	cb.failures++
	if cb.failures >= cb.maxFailures {
		cb.state = StateOpen
		cb.log.Warn("circuit breaker opened",
			"name", cb.name,
			"consecutive_failures", cb.failures)
	}
}

// State reports the breaker's state. An open breaker whose reset timeout has
// elapsed reports [StateHalfOpen]; the stored transition happens on the next
// [CircuitBreaker.Execute].
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen && time.Since(cb.lastFailureAt) >= cb.resetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// Reset forces the breaker closed and clears its counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.state = StateClosed
	cb.failures = 0
	cb.probes = 0
	cb.probeFails = 0
	cb.log.Info("circuit breaker manually reset", "name", cb.name)
}
