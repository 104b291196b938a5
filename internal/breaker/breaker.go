// Package breaker implements the per-endpoint circuit breaker (spec §4.A):
// closed/half-open/open with exponential backoff and a bounded transition
// history. Unlike the teacher's internal/capture/circuit_breaker.go (a
// server-side rate limiter keyed on event-rate streaks), this breaker is
// the client-side call-site guard the spec describes — opened by
// consecutive failures of an outbound send, not by inbound request rate.
// The subscriber/notify pattern (callbacks invoked synchronously, panics
// recovered and swallowed) is grounded on that same teacher file.
package breaker

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// State is one of the three circuit states.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Transition records one state change for the bounded history ring.
type Transition struct {
	From      State
	To        State
	Reason    string
	Timestamp time.Time
}

// Options configures a Breaker. Zero values fall back to the documented
// defaults.
type Options struct {
	MaxFailures    int           // default 5
	ResetTimeout   time.Duration // default 30s
	InitialBackoff time.Duration // default 0 (disabled) unless set
	MaxBackoff     time.Duration // default 0 (disabled) unless set
	HistorySize    int           // default 20
	Now            func() time.Time
}

// Breaker is a per-endpoint circuit breaker. Safe for concurrent use.
type Breaker struct {
	mu sync.Mutex

	maxFailures    int
	resetTimeout   time.Duration
	initialBackoff time.Duration
	maxBackoff     time.Duration
	historySize    int
	now            func() time.Time

	state               State
	consecutiveFailures int
	lastFailureTime     time.Time
	probeInFlight       bool

	history []Transition

	subscribersMu sync.Mutex
	subscribers   []func(from, to State, reason string)
}

// New constructs a Breaker with the given options.
func New(opts Options) *Breaker {
	if opts.MaxFailures <= 0 {
		opts.MaxFailures = 5
	}
	if opts.ResetTimeout <= 0 {
		opts.ResetTimeout = 30 * time.Second
	}
	if opts.HistorySize <= 0 {
		opts.HistorySize = 20
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Breaker{
		maxFailures:    opts.MaxFailures,
		resetTimeout:   opts.ResetTimeout,
		initialBackoff: opts.InitialBackoff,
		maxBackoff:     opts.MaxBackoff,
		historySize:    opts.HistorySize,
		now:            opts.Now,
		state:          Closed,
	}
}

// ErrOpen is returned, unwrapped and with Endpoint left empty, when the
// circuit rejects a call because it is open.
type ErrOpen struct{ Endpoint string }

func (e *ErrOpen) Error() string { return "circuit breaker is open" }

// ErrProbeInFlight is returned when a half-open probe is already running.
type ErrProbeInFlight struct{}

func (e *ErrProbeInFlight) Error() string { return "circuit breaker: probe already in-flight" }

// Execute runs fn through the breaker. It may fail fast without calling fn
// at all (open, or a concurrent half-open probe already running).
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if !b.admit() {
		return b.rejectError()
	}

	err := fn(ctx)

	if err != nil {
		b.RecordFailure()
		return err
	}
	b.recordSuccess()
	return nil
}

// admit decides whether a call may proceed, transitioning open->half-open
// when the reset timeout has elapsed. Returns false if the call must fail
// fast.
func (b *Breaker) admit() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return true
	case HalfOpen:
		if b.probeInFlight {
			return false
		}
		b.probeInFlight = true
		return true
	case Open:
		if b.now().Sub(b.lastFailureTime) >= b.resetTimeout {
			b.transitionLocked(HalfOpen, "reset_timeout_elapsed")
			b.probeInFlight = true
			return true
		}
		return false
	default:
		return false
	}
}

func (b *Breaker) rejectError() error {
	b.mu.Lock()
	state := b.state
	b.mu.Unlock()
	if state == HalfOpen {
		return &ErrProbeInFlight{}
	}
	return &ErrOpen{}
}

// RecordFailure records a failed call outside of Execute (used when the
// caller manages the call itself, e.g. the batcher's retry loop).
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastFailureTime = b.now()
	b.probeInFlight = false

	switch b.state {
	case HalfOpen:
		b.transitionLocked(Open, "probe_failed")
	case Closed:
		b.consecutiveFailures++
		if b.consecutiveFailures >= b.maxFailures {
			b.transitionLocked(Open, fmt.Sprintf("consecutive_failures>=%d", b.maxFailures))
		}
	case Open:
		// Already open; nothing to do beyond refreshing lastFailureTime.
	}
}

func (b *Breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.probeInFlight = false
	switch b.state {
	case HalfOpen:
		b.consecutiveFailures = 0
		b.transitionLocked(Closed, "probe_succeeded")
	case Closed:
		b.consecutiveFailures = 0
	case Open:
		// Shouldn't normally happen (admit() gates this), but stay consistent.
		b.consecutiveFailures = 0
		b.transitionLocked(Closed, "unexpected_success_while_open")
	}
}

// Backoff returns the backoff duration for the nth consecutive failure
// (n>=2), min(initialBackoff * 2^(n-2), maxBackoff). Returns 0 if backoff is
// not configured.
func (b *Breaker) Backoff(n int) time.Duration {
	if b.initialBackoff <= 0 || n < 2 {
		return 0
	}
	d := b.initialBackoff
	for i := 2; i < n; i++ {
		d *= 2
		if b.maxBackoff > 0 && d >= b.maxBackoff {
			return b.maxBackoff
		}
	}
	if b.maxBackoff > 0 && d > b.maxBackoff {
		return b.maxBackoff
	}
	return d
}

// GetState returns the current state.
func (b *Breaker) GetState() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Reset forces the breaker back to closed and clears counters, per spec
// (reset is totally ordered with in-flight probes: the probe bit is
// cleared too).
func (b *Breaker) Reset(reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutiveFailures = 0
	b.probeInFlight = false
	if b.state != Closed {
		b.transitionLocked(Closed, reason)
	}
}

// Stats is a point-in-time snapshot for health/metrics reporting.
type Stats struct {
	State               State
	ConsecutiveFailures int
	History             []Transition
}

// GetStats returns a snapshot of breaker state and transition history.
func (b *Breaker) GetStats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	hist := make([]Transition, len(b.history))
	copy(hist, b.history)
	return Stats{
		State:               b.state,
		ConsecutiveFailures: b.consecutiveFailures,
		History:             hist,
	}
}

// OnStateChange subscribes to state transitions. Subscriber panics/errors
// never propagate (spec: "subscriber exceptions are caught and ignored").
func (b *Breaker) OnStateChange(cb func(from, to State, reason string)) {
	b.subscribersMu.Lock()
	defer b.subscribersMu.Unlock()
	b.subscribers = append(b.subscribers, cb)
}

// transitionLocked appends to history and notifies subscribers. Caller must
// hold b.mu; notification happens synchronously but is panic-guarded so a
// bad subscriber cannot corrupt breaker state.
func (b *Breaker) transitionLocked(to State, reason string) {
	from := b.state
	b.state = to
	b.history = append(b.history, Transition{From: from, To: to, Reason: reason, Timestamp: b.now()})
	if len(b.history) > b.historySize {
		b.history = b.history[len(b.history)-b.historySize:]
	}

	b.subscribersMu.Lock()
	subs := append([]func(State, State, string){}, b.subscribers...)
	b.subscribersMu.Unlock()

	for _, cb := range subs {
		notify(cb, from, to, reason)
	}
}

func notify(cb func(from, to State, reason string), from, to State, reason string) {
	defer func() { recover() }() //nolint:errcheck // subscriber exceptions are never fatal (spec §4.A)
	cb(from, to, reason)
}
