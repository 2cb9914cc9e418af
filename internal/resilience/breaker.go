// Package resilience provides reliability patterns for pipeline components.
package resilience

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned when the circuit breaker is open and rejecting calls.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// ErrProbeInFlight is returned when the breaker is half-open and its single
// probe slot is already taken.
var ErrProbeInFlight = errors.New("circuit breaker half-open: probe in flight")

// State is the breaker's position in its recovery cycle.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// Breaker implements a circuit breaker with a sliding failure window.
// Reaching maxFailures within the window opens the circuit; after cooldown it
// transitions to half-open and permits exactly one probe bounded by
// probeTimeout. Probe success closes the circuit, probe failure or timeout
// reopens it.
type Breaker struct {
	mu           sync.Mutex
	state        State
	failures     []time.Time // timestamps within the sliding window
	maxFailures  int
	window       time.Duration
	cooldown     time.Duration
	probeTimeout time.Duration
	openedAt     time.Time
	probing      bool
	now          func() time.Time // for testing
}

// NewBreaker creates a circuit breaker. maxFailures within window opens the
// circuit; after cooldown a single probe bounded by probeTimeout decides
// whether it closes again.
func NewBreaker(maxFailures int, window, cooldown, probeTimeout time.Duration) *Breaker {
	return &Breaker{
		maxFailures:  maxFailures,
		window:       window,
		cooldown:     cooldown,
		probeTimeout: probeTimeout,
		now:          time.Now,
	}
}

// State returns the breaker's current state, applying any due
// open -> half-open transition first.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advance()
	return b.state
}

// Execute runs fn if the breaker admits it. In the closed state fn runs with
// the caller's context. In the half-open state fn runs as the single probe
// under a probeTimeout-bounded context; concurrent callers get
// ErrProbeInFlight. In the open state callers get ErrCircuitOpen.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	probe, err := b.admit()
	if err != nil {
		return err
	}

	if probe {
		return b.runProbe(ctx, fn)
	}

	err = fn(ctx)

	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil {
		b.onFailure()
		return err
	}
	b.onSuccess()
	return nil
}

// admit decides whether a call may proceed and whether it is the half-open probe.
func (b *Breaker) admit() (probe bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.advance()

	switch b.state {
	case StateClosed:
		return false, nil
	case StateOpen:
		return false, ErrCircuitOpen
	case StateHalfOpen:
		if b.probing {
			return false, ErrProbeInFlight
		}
		b.probing = true
		return true, nil
	}
	return false, ErrCircuitOpen
}

// runProbe executes the single half-open probe under the probe timeout.
// A timeout counts as a failure and reopens the circuit.
func (b *Breaker) runProbe(ctx context.Context, fn func(context.Context) error) error {
	probeCtx, cancel := context.WithTimeout(ctx, b.probeTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- fn(probeCtx) }()

	var err error
	select {
	case err = <-done:
	case <-probeCtx.Done():
		err = probeCtx.Err()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.probing = false
	if err != nil {
		b.reopen()
		return err
	}
	b.onSuccess()
	return nil
}

// advance moves open -> half-open once the cooldown has elapsed.
// Must be called with b.mu held.
func (b *Breaker) advance() {
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.cooldown {
		b.state = StateHalfOpen
		b.probing = false
	}
}

// onFailure records a failure and opens the circuit when the sliding window
// reaches the threshold. Must be called with b.mu held.
func (b *Breaker) onFailure() {
	now := b.now()
	cutoff := now.Add(-b.window)
	kept := b.failures[:0]
	for _, ts := range b.failures {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	b.failures = append(kept, now)

	if len(b.failures) >= b.maxFailures {
		b.reopen()
	}
}

// reopen opens the circuit and restarts the cooldown. Must be called with b.mu held.
func (b *Breaker) reopen() {
	b.state = StateOpen
	b.openedAt = b.now()
	b.failures = b.failures[:0]
}

// onSuccess clears the window and closes the circuit. Must be called with b.mu held.
func (b *Breaker) onSuccess() {
	b.failures = b.failures[:0]
	b.state = StateClosed
}

// Registry holds one breaker per pipeline component. Process-wide state,
// initialized at startup.
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*Breaker
	factory  func() *Breaker
}

// NewRegistry creates a Registry that builds breakers with the given factory.
func NewRegistry(factory func() *Breaker) *Registry {
	return &Registry{
		breakers: make(map[string]*Breaker),
		factory:  factory,
	}
}

// For returns the breaker for the named component, creating it on first use.
func (r *Registry) For(component string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[component]
	if !ok {
		b = r.factory()
		r.breakers[component] = b
	}
	return b
}

// States returns a snapshot of every registered breaker's state.
func (r *Registry) States() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]string, len(r.breakers))
	for name, b := range r.breakers {
		out[name] = b.State().String()
	}
	return out
}
