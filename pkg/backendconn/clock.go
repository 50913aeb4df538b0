package backendconn

import (
	"sync/atomic"
	"time"
)

// Clock is the monotonic tick source the connection core runs against.
// Ticks are nanoseconds and must never go backwards; real code uses
// SystemClock, tests inject FakeClock to control timer boundaries exactly.
type Clock interface {
	Now() int64
}

var _ Clock = (*SystemClock)(nil)

// SystemClock reports nanoseconds elapsed since the clock was created. The
// core never looks at wall-clock time, only elapsed ticks, so a process
// restart or a wall-clock adjustment cannot move it backwards.
type SystemClock struct {
	start time.Time
}

func NewSystemClock() *SystemClock {
	return &SystemClock{start: time.Now()}
}

func (c *SystemClock) Now() int64 {
	return time.Since(c.start).Nanoseconds()
}

var _ Clock = (*FakeClock)(nil)

// FakeClock is a manually advanced Clock for deterministic tests of timer
// boundaries (e.g. "exactly REQUEST_TIMEOUT ticks old").
type FakeClock struct {
	nanos atomic.Int64
}

func NewFakeClock(startNanos int64) *FakeClock {
	c := &FakeClock{}
	c.nanos.Store(startNanos)
	return c
}

func (c *FakeClock) Now() int64 {
	return c.nanos.Load()
}

func (c *FakeClock) Advance(d time.Duration) int64 {
	return c.nanos.Add(d.Nanoseconds())
}

func (c *FakeClock) Set(nanos int64) {
	c.nanos.Store(nanos)
}
