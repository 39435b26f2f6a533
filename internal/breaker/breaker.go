// Package breaker implements a three-state circuit breaker for guarding
// calls to external services.
package breaker

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// State is the circuit breaker state.
type State string

const (
	// StateClosed admits all calls.
	StateClosed State = "closed"
	// StateOpen rejects all calls until the recovery timeout elapses.
	StateOpen State = "open"
	// StateHalfOpen admits a single probe call; its success closes the
	// circuit, its failure reopens it. Other calls are rejected while the
	// probe is in flight.
	StateHalfOpen State = "half_open"
)

// OpenError is returned when a call is rejected because the circuit is open.
type OpenError struct {
	// RetryAfter is the remaining time until the breaker admits a probe.
	RetryAfter time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit breaker is open, retry after %.1fs", e.RetryAfter.Seconds())
}

// Config configures a Breaker.
type Config struct {
	// FailureThreshold is the number of consecutive failures that opens
	// the circuit. Defaults to 5.
	FailureThreshold int
	// RecoveryTimeout is how long the circuit stays open before admitting
	// a probe. Defaults to 30s.
	RecoveryTimeout time.Duration
	// Clock overrides time.Now for tests.
	Clock func() time.Time
	// OnStateChange, when set, is called after each state transition.
	OnStateChange func(from, to State)
}

// Breaker tracks consecutive failures of an external dependency and fails
// fast while the dependency is considered down. The mutex guards only state
// transitions; admitted calls run outside the lock so slow calls do not
// serialize each other.
type Breaker struct {
	config Config

	mu          sync.Mutex
	state       State
	failures    int
	lastFailure time.Time
	probing     bool
}

// New creates a breaker in the closed state.
func New(config Config) *Breaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.RecoveryTimeout <= 0 {
		config.RecoveryTimeout = 30 * time.Second
	}
	if config.Clock == nil {
		config.Clock = time.Now
	}
	return &Breaker{config: config, state: StateClosed}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Failures returns the current consecutive failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// Do runs fn through the breaker. When the circuit is open and the recovery
// timeout has not elapsed, fn is not invoked and an *OpenError is returned.
// Context errors from fn count as failures like any other error.
func (b *Breaker) Do(ctx context.Context, fn func(context.Context) error) error {
	if err := b.admit(); err != nil {
		return err
	}
	err := fn(ctx)
	b.record(err)
	return err
}

func (b *Breaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		elapsed := b.config.Clock().Sub(b.lastFailure)
		if elapsed < b.config.RecoveryTimeout {
			return &OpenError{RetryAfter: b.config.RecoveryTimeout - elapsed}
		}
		b.transition(StateHalfOpen)
		b.probing = true
		return nil
	case StateHalfOpen:
		if b.probing {
			return &OpenError{RetryAfter: b.config.RecoveryTimeout}
		}
		b.probing = true
		return nil
	default:
		return nil
	}
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.probing = false
	if err == nil {
		b.failures = 0
		if b.state == StateHalfOpen {
			b.transition(StateClosed)
		}
		return
	}

	b.failures++
	b.lastFailure = b.config.Clock()
	if b.state == StateHalfOpen || b.failures >= b.config.FailureThreshold {
		b.transition(StateOpen)
	}
}

// transition must be called with the mutex held.
func (b *Breaker) transition(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	if b.config.OnStateChange != nil {
		b.config.OnStateChange(from, to)
	}
}
