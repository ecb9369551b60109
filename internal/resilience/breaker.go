// Package resilience wraps calls to external dependencies with a circuit
// breaker, exponential-backoff retry, and per-dependency timeouts.
package resilience

import (
	"fmt"
	"sync"
	"time"

	"github.com/tanyalab/resolver/internal/domain"
)

// State is the circuit breaker state for one downstream dependency.
type State int32

const (
	// StateClosed passes calls through and counts consecutive failures.
	StateClosed State = iota
	// StateOpen fails calls immediately until the cooldown elapses.
	StateOpen
	// StateHalfOpen admits exactly one trial call.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// BreakerConfig holds the failure threshold and recovery cooldown.
type BreakerConfig struct {
	FailureThreshold int
	Cooldown         time.Duration
}

// TransitionFunc observes breaker state changes, e.g. for metrics.
type TransitionFunc func(dependency string, from, to State)

// Breaker is a circuit breaker for one dependency. All mutations happen
// under its own mutex; breakers for different dependencies never share a lock.
type Breaker struct {
	name string
	cfg  BreakerConfig

	mu            sync.Mutex
	state         State
	failures      int
	lastFailure   time.Time
	trialInFlight bool

	now          func() time.Time
	onTransition TransitionFunc
}

// NewBreaker creates a closed breaker for the named dependency.
func NewBreaker(name string, cfg BreakerConfig) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	return &Breaker{name: name, cfg: cfg, now: time.Now}
}

// WithTransitionFunc registers a state-change observer.
func (b *Breaker) WithTransitionFunc(fn TransitionFunc) *Breaker {
	b.onTransition = fn
	return b
}

// WithClock overrides the time source. Test hook.
func (b *Breaker) WithClock(now func() time.Time) *Breaker {
	b.now = now
	return b
}

// Allow reports whether a call may proceed. In the open state it fails with
// domain.ErrCircuitOpen until the cooldown elapses, then admits a single
// trial (half-open). A second caller during the trial is rejected.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		if b.now().Sub(b.lastFailure) < b.cfg.Cooldown {
			return fmt.Errorf("%s: %w", b.name, domain.ErrCircuitOpen)
		}
		b.transition(StateHalfOpen)
		b.trialInFlight = true
		return nil
	case StateHalfOpen:
		if b.trialInFlight {
			return fmt.Errorf("%s: %w", b.name, domain.ErrCircuitOpen)
		}
		b.trialInFlight = true
		return nil
	}
	return nil
}

// RecordSuccess resets the failure counter; a successful half-open trial
// closes the circuit.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	if b.state == StateHalfOpen {
		b.trialInFlight = false
		b.transition(StateClosed)
	}
}

// RecordFailure counts a failure. Reaching the threshold opens the circuit;
// a failed half-open trial re-opens it and restarts the cooldown.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.lastFailure = b.now()

	switch b.state {
	case StateHalfOpen:
		b.trialInFlight = false
		b.transition(StateOpen)
	case StateClosed:
		if b.failures >= b.cfg.FailureThreshold {
			b.transition(StateOpen)
		}
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) transition(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	if b.onTransition != nil {
		b.onTransition(b.name, from, to)
	}
}
