// Package breaker implements the three-state circuit breaker gating calls to
// the upstream API: CLOSED (calls pass through), OPEN (calls are rejected
// immediately), HALF_OPEN (a single probe call is permitted to test recovery).
//
// State is held in atomics rather than behind a mutex so that reads from many
// concurrent callers never block each other; only the rare state transition
// pays for a compare-and-swap. Grounded on the atomic-word circuit breaker
// shape used across the retrieved pack (e.g. autobreaker's State/Counts split).
package breaker

import (
	"sync/atomic"
	"time"
)

// State is one of the three circuit breaker states.
type State int32

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "CLOSED"
	case Open:
		return "OPEN"
	case HalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Config configures a Breaker. FailureThreshold is N in the component design
// (consecutive failures before CLOSED→OPEN); OpenDuration is D (how long the
// circuit stays OPEN before a probe is permitted).
type Config struct {
	FailureThreshold int
	OpenDuration     time.Duration
}

// Breaker is a lock-free circuit breaker. The zero value is not usable; build
// one with New.
type Breaker struct {
	name string
	n    int32
	d    int64 // time.Duration, nanoseconds

	state             atomic.Int32 // State
	consecutiveFails  atomic.Int32
	openedAtUnixNano  atomic.Int64 // 0 means unset
	halfOpenInFlight  atomic.Bool  // guards the single HALF_OPEN probe slot
}

// New creates a Breaker named name (used only for error messages/metrics),
// starting CLOSED.
func New(name string, cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 1
	}
	return &Breaker{
		name: name,
		n:    int32(cfg.FailureThreshold),
		d:    int64(cfg.OpenDuration),
	}
}

func (b *Breaker) Name() string { return b.name }

// State returns the breaker's current state, lazily performing the OPEN→
// HALF_OPEN transition if the open window has elapsed. Reads never block;
// when multiple callers race the lazy transition, the CompareAndSwap makes it
// happen once. State itself grants no probe: Allow reserves the single
// half-open probe slot.
func (b *Breaker) State(now time.Time) State {
	s := State(b.state.Load())
	if s != Open {
		return s
	}
	openedAt := b.openedAtUnixNano.Load()
	if openedAt == 0 {
		return s
	}
	if now.UnixNano() < openedAt+b.d {
		return Open
	}
	// Window elapsed: lazily flip to HALF_OPEN. Losers of the CAS still see
	// HALF_OPEN via the state field (set by the winner) or OPEN if they read
	// before the winner finishes — both are valid immediate observations;
	// Allow() is what actually gates the single probe.
	b.state.CompareAndSwap(int32(Open), int32(HalfOpen))
	return State(b.state.Load())
}

// Remaining returns how long until an OPEN breaker allows a probe. Zero or
// negative once the window has elapsed.
func (b *Breaker) Remaining(now time.Time) time.Duration {
	openedAt := b.openedAtUnixNano.Load()
	if openedAt == 0 {
		return 0
	}
	return time.Duration(openedAt+b.d-now.UnixNano()) * time.Nanosecond
}

// Allow reports whether a call may proceed right now, and reserves the single
// HALF_OPEN probe slot if this call is the one permitted to test recovery.
// Callers that are refused must not invoke the underlying operation.
func (b *Breaker) Allow(now time.Time) (bool, *CircuitOpenInfo) {
	switch b.State(now) {
	case Closed:
		return true, nil
	case HalfOpen:
		// Only one probe at a time; losers are treated as if OPEN.
		if b.halfOpenInFlight.CompareAndSwap(false, true) {
			return true, nil
		}
		return false, &CircuitOpenInfo{Name: b.name, Remaining: 0}
	default: // Open
		return false, &CircuitOpenInfo{Name: b.name, Remaining: b.Remaining(now)}
	}
}

// CircuitOpenInfo carries the data needed to construct a status.CircuitOpen
// error without this package importing the status package (avoids a cycle;
// callers translate at the boundary).
type CircuitOpenInfo struct {
	Name      string
	Remaining time.Duration
}

// OnSuccess records a successful call outcome.
func (b *Breaker) OnSuccess(now time.Time) {
	prev := State(b.state.Load())
	b.consecutiveFails.Store(0)
	if prev == HalfOpen {
		b.halfOpenInFlight.Store(false)
		b.openedAtUnixNano.Store(0)
		b.state.Store(int32(Closed))
		return
	}
	// Already CLOSED: nothing else to do. A success observed while the
	// state is (still, racily) OPEN is harmless — it simply resets the
	// failure counter, matching "reset failures to 0" for the CLOSED row.
}

// OnFailure records a failed call outcome, tripping the breaker if the
// consecutive-failure threshold is reached (from CLOSED) or re-opening it
// immediately (from HALF_OPEN).
func (b *Breaker) OnFailure(now time.Time) {
	prev := State(b.state.Load())
	if prev == HalfOpen {
		b.halfOpenInFlight.Store(false)
		b.openedAtUnixNano.Store(now.UnixNano())
		b.state.Store(int32(Open))
		return
	}
	fails := b.consecutiveFails.Add(1)
	if fails >= b.n {
		// Only the CAS winner actually opens the circuit; a racing
		// duplicate trip attempt is harmless since openedAt would already
		// be set close to "now" by the first trip.
		if b.state.CompareAndSwap(int32(Closed), int32(Open)) {
			b.openedAtUnixNano.Store(now.UnixNano())
		}
	}
}

// ConsecutiveFailures returns the current consecutive-failure count, for
// metrics/diagnostics.
func (b *Breaker) ConsecutiveFailures() int {
	return int(b.consecutiveFails.Load())
}
