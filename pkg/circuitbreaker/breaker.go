// Package circuitbreaker provides per-dependency fault isolation for the
// extraction pipeline. A breaker wraps calls to one unreliable dependency
// and stops invoking it after a run of consecutive failures, letting a
// single probe through once the recovery timeout has elapsed.
package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/palettelabs/tokenpipe/internal/metrics"
)

// State is the breaker's position in its CLOSED/OPEN/HALF_OPEN machine.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

func (s State) String() string {
	return string(s)
}

// ErrOpen is returned (wrapped) for every call rejected without invoking the
// wrapped operation: while the breaker is open, and while a half-open probe
// is already in flight.
var ErrOpen = errors.New("Circuit is open")

const (
	defaultFailureThreshold = 5
	defaultRecoveryTimeout  = 30 * time.Second
)

type Config struct {
	Name   string
	Logger *slog.Logger
	Clock  clockwork.Clock

	// FailureThreshold is the number of consecutive failures in the closed
	// state that trips the breaker open.
	FailureThreshold int

	// RecoveryTimeout is how long the breaker stays open before the next
	// call is allowed through as a probe.
	RecoveryTimeout time.Duration

	// ExcludedErrors do not count toward the failure threshold and cause no
	// state change; they propagate to the caller untouched. Matched with
	// errors.Is. Excluded, when set, is consulted as well.
	ExcludedErrors []error
	Excluded       func(error) bool
}

func (c *Config) Validate() error {
	if c.Name == "" {
		return errors.New("name is required")
	}
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.FailureThreshold == 0 {
		c.FailureThreshold = defaultFailureThreshold
	}
	if c.FailureThreshold < 0 {
		return errors.New("failure threshold must be greater than 0")
	}
	if c.RecoveryTimeout == 0 {
		c.RecoveryTimeout = defaultRecoveryTimeout
	}
	if c.RecoveryTimeout < 0 {
		return errors.New("recovery timeout must be greater than 0")
	}
	return nil
}

// CircuitBreaker tracks the health of one dependency. All state lives behind
// a single mutex; the wrapped operation itself always runs outside the lock.
type CircuitBreaker struct {
	log   *slog.Logger
	cfg   *Config
	clock clockwork.Clock

	mu              sync.Mutex
	state           State
	failureCount    int
	successCount    int
	totalCalls      int
	lastFailureTime time.Time
	stateChangedAt  time.Time
	probeInProgress bool
}

func New(cfg *Config) (*CircuitBreaker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	cb := &CircuitBreaker{
		log:            cfg.Logger,
		cfg:            cfg,
		clock:          cfg.Clock,
		state:          StateClosed,
		stateChangedAt: cfg.Clock.Now(),
	}
	metrics.BreakerState.WithLabelValues(cfg.Name).Set(stateGaugeValue(StateClosed))
	return cb, nil
}

// Allow reserves the right to make one call. On success it returns a done
// closure that must be invoked with the call's outcome; the closure records
// the outcome exactly once no matter how many times or from how many paths
// it is called. On rejection it returns an error wrapping ErrOpen and the
// wrapped operation must not run.
func (cb *CircuitBreaker) Allow() (done func(err error), rejected error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.totalCalls++

	switch cb.state {
	case StateOpen:
		elapsed := cb.clock.Since(cb.lastFailureTime)
		if elapsed < cb.cfg.RecoveryTimeout {
			metrics.BreakerRejections.WithLabelValues(cb.cfg.Name).Inc()
			return nil, fmt.Errorf("%w: %s (retry in %s)", ErrOpen, cb.cfg.Name, cb.cfg.RecoveryTimeout-elapsed)
		}
		// Recovery timeout elapsed: this call becomes the single probe.
		cb.transitionLocked(StateHalfOpen)
		cb.probeInProgress = true
		return cb.doneFunc(true), nil

	case StateHalfOpen:
		if cb.probeInProgress {
			metrics.BreakerRejections.WithLabelValues(cb.cfg.Name).Inc()
			return nil, fmt.Errorf("%w: %s (probe in flight)", ErrOpen, cb.cfg.Name)
		}
		cb.probeInProgress = true
		return cb.doneFunc(true), nil

	default:
		return cb.doneFunc(false), nil
	}
}

// Call executes op under the breaker's state machine: it either runs op and
// records its outcome, or rejects immediately with an error wrapping ErrOpen.
// Op's own error, excluded or not, is always returned to the caller as-is.
func (cb *CircuitBreaker) Call(ctx context.Context, op func(context.Context) error) error {
	done, rejected := cb.Allow()
	if rejected != nil {
		return rejected
	}
	err := op(ctx)
	done(err)
	return err
}

// Trip forces the breaker open, as if the failure threshold had just been
// reached.
func (cb *CircuitBreaker) Trip() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.lastFailureTime = cb.clock.Now()
	cb.probeInProgress = false
	cb.transitionLocked(StateOpen)
}

// Reset forces the breaker closed and clears all counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failureCount = 0
	cb.successCount = 0
	cb.totalCalls = 0
	cb.lastFailureTime = time.Time{}
	cb.probeInProgress = false
	cb.transitionLocked(StateClosed)
}

// State returns the breaker's current state.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Stats is a point-in-time snapshot of the breaker's counters.
type Stats struct {
	Name             string
	State            State
	FailureCount     int
	SuccessCount     int
	TotalCalls       int
	FailureThreshold int
	RecoveryTimeout  time.Duration
	LastFailureTime  time.Time
	ProbeInProgress  bool
	TimeInState      time.Duration
}

func (cb *CircuitBreaker) Stats() Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return Stats{
		Name:             cb.cfg.Name,
		State:            cb.state,
		FailureCount:     cb.failureCount,
		SuccessCount:     cb.successCount,
		TotalCalls:       cb.totalCalls,
		FailureThreshold: cb.cfg.FailureThreshold,
		RecoveryTimeout:  cb.cfg.RecoveryTimeout,
		LastFailureTime:  cb.lastFailureTime,
		ProbeInProgress:  cb.probeInProgress,
		TimeInState:      cb.clock.Since(cb.stateChangedAt),
	}
}

// doneFunc builds the once-only outcome recorder handed out by Allow.
// probe marks whether this call is the half-open probe.
func (cb *CircuitBreaker) doneFunc(probe bool) func(error) {
	var once sync.Once
	return func(err error) {
		once.Do(func() {
			cb.record(probe, err)
		})
	}
}

func (cb *CircuitBreaker) record(probe bool, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	// Excluded errors carry no verdict about the dependency: no counter or
	// state change. A probe that returns one simply frees the probe slot so
	// the next call can try again.
	if err != nil && cb.excluded(err) {
		if probe {
			cb.probeInProgress = false
		}
		return
	}

	if err == nil {
		cb.successCount++
		cb.failureCount = 0
		if probe {
			cb.probeInProgress = false
			cb.transitionLocked(StateClosed)
		}
		return
	}

	cb.lastFailureTime = cb.clock.Now()
	if probe {
		cb.probeInProgress = false
		cb.transitionLocked(StateOpen)
		return
	}
	cb.failureCount++
	if cb.state == StateClosed && cb.failureCount >= cb.cfg.FailureThreshold {
		cb.transitionLocked(StateOpen)
	}
}

func (cb *CircuitBreaker) excluded(err error) bool {
	for _, excluded := range cb.cfg.ExcludedErrors {
		if errors.Is(err, excluded) {
			return true
		}
	}
	if cb.cfg.Excluded != nil {
		return cb.cfg.Excluded(err)
	}
	return false
}

// transitionLocked moves the breaker to a new state. Callers must hold cb.mu.
func (cb *CircuitBreaker) transitionLocked(to State) {
	if cb.state == to {
		cb.stateChangedAt = cb.clock.Now()
		return
	}
	from := cb.state
	cb.state = to
	cb.stateChangedAt = cb.clock.Now()
	if to == StateClosed {
		cb.failureCount = 0
	}
	cb.log.Info("breaker: state transition", "breaker", cb.cfg.Name, "from", from, "to", to, "failures", cb.failureCount)
	metrics.BreakerState.WithLabelValues(cb.cfg.Name).Set(stateGaugeValue(to))
	metrics.BreakerTransitions.WithLabelValues(cb.cfg.Name, string(to)).Inc()
}

func stateGaugeValue(s State) float64 {
	switch s {
	case StateOpen:
		return 1
	case StateHalfOpen:
		return 2
	default:
		return 0
	}
}
