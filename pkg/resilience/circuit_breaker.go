package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitOpenError reports circuit-open status with a concrete retry delay.
type CircuitOpenError struct {
	Name       string
	RetryAfter time.Duration
}

func (e *CircuitOpenError) Error() string {
	wait := e.RetryAfter
	if wait < 0 {
		wait = 0
	}
	if e.Name == "" {
		return fmt.Sprintf("%v: retry in %s", ErrCircuitOpen, wait)
	}
	return fmt.Sprintf("%v for %s: retry in %s", ErrCircuitOpen, e.Name, wait)
}

func (e *CircuitOpenError) Is(target error) bool {
	return target == ErrCircuitOpen
}

// RetryAfterOf extracts the wait hint of a circuit-open error.
func RetryAfterOf(err error) (time.Duration, bool) {
	var openErr *CircuitOpenError
	if errors.As(err, &openErr) {
		return openErr.RetryAfter, true
	}
	if errors.Is(err, ErrCircuitOpen) {
		return 0, true
	}
	return 0, false
}

type CircuitBreakerState string

const (
	CircuitClosed   CircuitBreakerState = "closed"
	CircuitOpen     CircuitBreakerState = "open"
	CircuitHalfOpen CircuitBreakerState = "half_open"
)

type CircuitBreakerConfig struct {
	Name              string
	FailureThreshold  int
	SuccessThreshold  int
	OpenTimeout       time.Duration
	HalfOpenMaxFlight int

	// IsFailure decides which errors count against the breaker. Errors it
	// rejects are passed through as successes of the remote side, e.g. a 400.
	IsFailure func(error) bool

	// OnStateChange is called outside the lock after every transition.
	OnStateChange func(name string, from, to CircuitBreakerState)

	Now func() time.Time
}

type CircuitBreaker struct {
	mu  sync.Mutex
	cfg CircuitBreakerConfig

	state     CircuitBreakerState
	failures  int
	successes int
	openUntil time.Time
	probes    int
}

func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 1
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 10 * time.Second
	}
	if cfg.HalfOpenMaxFlight <= 0 {
		cfg.HalfOpenMaxFlight = 1
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.IsFailure == nil {
		cfg.IsFailure = func(err error) bool { return err != nil }
	}
	return &CircuitBreaker{cfg: cfg, state: CircuitClosed}
}

func (cb *CircuitBreaker) Name() string {
	return cb.cfg.Name
}

func (cb *CircuitBreaker) State() CircuitBreakerState {
	cb.mu.Lock()
	from := cb.state
	to := cb.advanceLocked(cb.cfg.Now())
	cb.mu.Unlock()
	cb.notify(from, to)
	return to
}

// Execute runs fn unless the breaker is open. Cancellation of ctx is neither a
// success nor a failure.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := cb.admit(); err != nil {
		return err
	}

	err := fn(ctx)
	switch {
	case errors.Is(err, context.Canceled):
		cb.record(outcomeCanceled)
	case err != nil && cb.cfg.IsFailure(err):
		cb.record(outcomeFailure)
	default:
		cb.record(outcomeSuccess)
	}
	return err
}

type outcome int

const (
	outcomeSuccess outcome = iota
	outcomeFailure
	outcomeCanceled
)

func (cb *CircuitBreaker) admit() error {
	cb.mu.Lock()
	now := cb.cfg.Now()
	from := cb.state
	to := cb.advanceLocked(now)

	var err error
	switch to {
	case CircuitOpen:
		err = cb.openErrLocked(now)
	case CircuitHalfOpen:
		if cb.probes >= cb.cfg.HalfOpenMaxFlight {
			err = cb.openErrLocked(now)
		} else {
			cb.probes++
		}
	}
	cb.mu.Unlock()

	cb.notify(from, to)
	return err
}

func (cb *CircuitBreaker) record(o outcome) {
	cb.mu.Lock()
	from := cb.state
	if from == CircuitHalfOpen && cb.probes > 0 {
		cb.probes--
	}

	switch o {
	case outcomeSuccess:
		if from == CircuitHalfOpen {
			cb.successes++
			if cb.successes >= cb.cfg.SuccessThreshold {
				cb.resetLocked(CircuitClosed)
			}
		} else {
			cb.failures = 0
		}
	case outcomeFailure:
		if from == CircuitHalfOpen {
			cb.tripLocked()
		} else {
			cb.failures++
			if cb.failures >= cb.cfg.FailureThreshold {
				cb.tripLocked()
			}
		}
	}
	to := cb.state
	cb.mu.Unlock()

	cb.notify(from, to)
}

// advanceLocked moves an expired open breaker to half-open and returns the state.
func (cb *CircuitBreaker) advanceLocked(now time.Time) CircuitBreakerState {
	if cb.state == CircuitOpen && !now.Before(cb.openUntil) {
		cb.resetLocked(CircuitHalfOpen)
	}
	return cb.state
}

func (cb *CircuitBreaker) tripLocked() {
	cb.resetLocked(CircuitOpen)
	cb.openUntil = cb.cfg.Now().Add(cb.cfg.OpenTimeout)
}

func (cb *CircuitBreaker) resetLocked(state CircuitBreakerState) {
	cb.state = state
	cb.failures = 0
	cb.successes = 0
	cb.probes = 0
}

func (cb *CircuitBreaker) openErrLocked(now time.Time) error {
	remaining := cb.openUntil.Sub(now)
	if remaining < 0 {
		remaining = 0
	}
	return &CircuitOpenError{Name: cb.cfg.Name, RetryAfter: remaining}
}

func (cb *CircuitBreaker) notify(from, to CircuitBreakerState) {
	if from != to && cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(cb.cfg.Name, from, to)
	}
}

// BreakerSet lazily creates one breaker per name (typically a destination host)
// sharing a config template.
type BreakerSet struct {
	mu       sync.Mutex
	template CircuitBreakerConfig
	breakers map[string]*CircuitBreaker
}

func NewBreakerSet(template CircuitBreakerConfig) *BreakerSet {
	return &BreakerSet{
		template: template,
		breakers: make(map[string]*CircuitBreaker),
	}
}

// Get returns the breaker for name, creating it on first use.
func (s *BreakerSet) Get(name string) *CircuitBreaker {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cb, ok := s.breakers[name]; ok {
		return cb
	}
	cfg := s.template
	cfg.Name = name
	cb := NewCircuitBreaker(cfg)
	s.breakers[name] = cb
	return cb
}

// States returns a snapshot of every known breaker state.
func (s *BreakerSet) States() map[string]CircuitBreakerState {
	s.mu.Lock()
	names := make([]*CircuitBreaker, 0, len(s.breakers))
	for _, cb := range s.breakers {
		names = append(names, cb)
	}
	s.mu.Unlock()

	out := make(map[string]CircuitBreakerState, len(names))
	for _, cb := range names {
		out[cb.Name()] = cb.State()
	}
	return out
}
