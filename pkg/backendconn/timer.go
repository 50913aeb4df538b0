package backendconn

import "time"

// Tiered timer regime. Each tier is spaced roughly 4x from its neighbor so
// it has room to recover through the next: a single slow request can hit
// RequestTimeout without forcing a reconnect, and several reconnects can run
// their course before NoProgressTimeout gives up for good.
const (
	BackendAliveTimeout = 30 * time.Second
	RequestTimeout      = 2 * time.Minute
	NoProgressTimeout   = 15 * time.Minute
	MaxDelay            = 5 * time.Second
	DebugDelay          = 100 * time.Millisecond
)

// Nanosecond-denominated mirrors, surfaced for callers and tests that think
// in raw ticks rather than time.Duration.
const (
	BackendAliveTimeoutNanos = int64(BackendAliveTimeout)
	RequestTimeoutNanos      = int64(RequestTimeout)
	NoProgressTimeoutNanos   = int64(NoProgressTimeout)
	MaxDelayNanos            = int64(MaxDelay)
	DebugDelayNanos          = int64(DebugDelay)
)

// timeoutOutcomeKind is a closed tri-state, deliberately not an
// overloaded nil/pointer: the zero value (timeoutIdle) is also a valid,
// meaningful outcome so a pointer-or-nil encoding would be ambiguous here.
type timeoutOutcomeKind int

const (
	timeoutIdle timeoutOutcomeKind = iota
	timeoutScheduleIn
	timeoutTimedOut
)

type timeoutOutcome struct {
	kind       timeoutOutcomeKind
	scheduleIn time.Duration
}

func idleOutcome() timeoutOutcome { return timeoutOutcome{kind: timeoutIdle} }

// scheduleInOutcome applies the edge policy from the timer sweep: a
// negative delay is clamped to zero (fire immediately), a delay above
// BackendAliveTimeout is clamped down to it so the aliveness check never
// goes quiet for longer than the tier it is supposed to be guarding.
func scheduleInOutcome(d time.Duration) timeoutOutcome {
	if d < 0 {
		d = 0
	}
	if d > BackendAliveTimeout {
		d = BackendAliveTimeout
	}
	return timeoutOutcome{kind: timeoutScheduleIn, scheduleIn: d}
}

func timedOutOutcome() timeoutOutcome { return timeoutOutcome{kind: timeoutTimedOut} }

// TimerScheduler is the Go rendering of the external actor context's
// executeInActor(callback, durationTicks): it arranges for fire to run once,
// no sooner than d from now, without blocking the caller. The real
// implementation (actorScheduler, in client_behavior.go) posts an event onto
// the owning ClientBehavior's mailbox rather than invoking fire directly, so
// the fire still only ever happens on the single actor goroutine.
type TimerScheduler func(d time.Duration, fire func())
