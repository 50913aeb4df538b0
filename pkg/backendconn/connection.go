package backendconn

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"github.com/lithammer/shortuuid/v4"
)

type connState int

const (
	stateConnecting connState = iota
	stateConnected
	stateReconnecting
)

func (s connState) String() string {
	switch s {
	case stateConnecting:
		return "connecting"
	case stateConnected:
		return "connected"
	case stateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// ConnectionOptions carries the hooks ClientBehavior installs on a
// Connection (and propagates onto every successor it creates) so it can
// keep its cookie -> Connection map and its diagnostics/metrics views
// current without the Connection needing to know ClientBehavior exists.
type ConnectionOptions struct {
	Logger logr.Logger

	// OnStateChange fires on every state-label transition, including the
	// terminal "poisoned" one. Used for logging, metrics and diagnostics.
	OnStateChange func(cookie, state string)

	// OnConnected fires once a Connection (initial or successor) reaches
	// Connected, handing back the live *Connection so the map can be
	// repointed at it.
	OnConnected func(conn *Connection)
}

// Connection is the per-backend connection core: it owns exactly one
// transmitQueue, enforces the tiered timer regime and mediates the
// poisoning/reconnect protocol. All mutation is serialized by mu; poisoned
// is additionally readable lock-free so hot-path producers can bail fast.
type Connection struct {
	cookie    string
	clock     Clock
	resolver  BackendInfoResolver
	transport Transport
	scheduler TimerScheduler
	log       logr.Logger

	onStateChange func(cookie, state string)
	onConnected   func(conn *Connection)

	mu                sync.Mutex
	state             connState
	queue             *transmitQueue
	lastReceivedTicks int64
	haveTimer         bool
	backendInfo       *BackendInfo
	resolveCancel     context.CancelFunc

	// forwardTo is set once, at beginReconnectLocked, and never cleared: a
	// retired predecessor forwards every call a stale holder still makes to
	// the successor's own locked entry points rather than reaching past its
	// mutex into the successor's queue, which would race with the successor
	// servicing its own callers.
	forwardTo *Connection

	poisonState poisonBox
}

// poisonBox is a lock-free publication point for the terminal poison cause:
// SendRequest/EnqueueRequest's hot path checks it without taking mu.
type poisonBox struct {
	cause atomic.Pointer[error]
}

func (b *poisonBox) load() error {
	if p := b.cause.Load(); p != nil {
		return *p
	}
	return nil
}

func (b *poisonBox) store(cause error) bool {
	return b.cause.CompareAndSwap(nil, &cause)
}

// NewConnection constructs a Connection in Connecting state and kicks off
// its first backend resolution. scheduler is the Go rendering of the actor
// context's executeInActor: every state mutation that originates outside
// SendRequest/EnqueueRequest's own caller (resolution completion, timer
// fires) is posted through it so it only ever happens on one logical
// thread.
func NewConnection(cookie string, clock Clock, resolver BackendInfoResolver, transport Transport, scheduler TimerScheduler, opts ConnectionOptions) *Connection {
	now := clock.Now()
	c := &Connection{
		cookie:            cookie,
		clock:             clock,
		resolver:          resolver,
		transport:         transport,
		scheduler:         scheduler,
		log:               opts.Logger,
		onStateChange:     opts.OnStateChange,
		onConnected:       opts.OnConnected,
		state:             stateConnecting,
		queue:             newHaltedQueue(now),
		lastReceivedTicks: now,
	}
	c.mu.Lock()
	c.startResolutionLocked()
	c.mu.Unlock()
	return c
}

func (c *Connection) Cookie() string { return c.cookie }

func (c *Connection) State() string {
	if cause := c.poisonState.load(); cause != nil {
		return "poisoned"
	}
	c.mu.Lock()
	fwd := c.forwardTo
	state := c.state
	c.mu.Unlock()
	if fwd != nil {
		return fwd.State()
	}
	return state.String()
}

// GetBackendInfo is a diagnostics snapshot; ok is false until the
// connection has resolved at least once.
func (c *Connection) GetBackendInfo() (BackendInfo, bool) {
	c.mu.Lock()
	fwd := c.forwardTo
	info := c.backendInfo
	c.mu.Unlock()
	if fwd != nil {
		return fwd.GetBackendInfo()
	}
	if info == nil {
		return BackendInfo{}, false
	}
	return *info, true
}

// EnqueueRequest enqueues request without blocking the caller. Callers are
// responsible for not originating backpressure from application threads
// (the returned delay is informational only here; SendRequest is the
// variant that actually sleeps for it).
func (c *Connection) EnqueueRequest(request any, callback Callback, enqueuedTicks int64) (time.Duration, error) {
	if cause := c.poisonState.load(); cause != nil {
		return 0, &PoisonedError{Cause: cause}
	}
	c.mu.Lock()
	if fwd := c.forwardTo; fwd != nil {
		c.mu.Unlock()
		return fwd.EnqueueRequest(request, callback, enqueuedTicks)
	}
	defer c.mu.Unlock()
	entry := ConnectionEntry{Request: request, Callback: callback, EnqueuedTicks: enqueuedTicks}
	return c.enqueueLocked(entry, c.clock.Now())
}

// SendRequest enqueues request and blocks the calling goroutine for the
// backpressure delay the queue computes, capped at MaxDelay. The sleep runs
// after the lock is released so it never holds up the actor thread. Passing
// a cancellable ctx is the idiomatic Go substitute for "interruption sets
// the interrupt flag and returns without re-throwing": cancellation aborts
// the sleep and returns ctx.Err() without touching queue state (the entry
// is already enqueued and will still be serviced or time out normally).
func (c *Connection) SendRequest(ctx context.Context, request any, callback Callback) error {
	if cause := c.poisonState.load(); cause != nil {
		return &PoisonedError{Cause: cause}
	}
	c.mu.Lock()
	if fwd := c.forwardTo; fwd != nil {
		c.mu.Unlock()
		return fwd.SendRequest(ctx, request, callback)
	}
	now := c.clock.Now()
	entry := ConnectionEntry{Request: request, Callback: callback, EnqueuedTicks: now}
	delay, err := c.enqueueLocked(entry, now)
	c.mu.Unlock()
	if err != nil {
		return err
	}
	if delay > MaxDelay {
		delay = MaxDelay
	}
	if delay <= 0 {
		return nil
	}
	if delay > 100*time.Millisecond {
		c.log.Info("sendRequest throttled", "cookie", c.cookie, "delayMillis", delay.Milliseconds())
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// enqueueLocked implements the enqueue protocol: fail fast if poisoned, arm
// a request-timeout timer if the queue was previously empty, then delegate
// to the queue for throttling/dispatch. Caller holds mu.
func (c *Connection) enqueueLocked(entry ConnectionEntry, now int64) (time.Duration, error) {
	if cause := c.poisonState.load(); cause != nil {
		return 0, &PoisonedError{Cause: cause}
	}
	wasEmpty := c.queue.isEmpty()
	delay := c.queue.enqueue(context.Background(), entry, now)
	if wasEmpty {
		remaining := time.Duration(entry.EnqueuedTicks + int64(RequestTimeout) - now)
		// Clamp through the same edge policy as a re-arm: an idle connection's
		// first request must not leave the BackendAliveTimeout sweep un-run for
		// up to the full RequestTimeout.
		c.armIfIdleLocked(scheduleInOutcome(remaining).scheduleIn)
	}
	return delay, nil
}

// ReceiveResponse is invoked by the owning actor (ClientBehavior) only.
// It updates lastReceivedTicks, matches the envelope against an in-flight
// entry, and completes that entry's callback outside the connection lock.
func (c *Connection) ReceiveResponse(envelope ResponseEnvelope) {
	c.mu.Lock()
	now := c.clock.Now()
	c.lastReceivedTicks = now
	tx, matched := c.queue.complete(context.Background(), envelope, now)
	c.mu.Unlock()
	if !matched {
		c.log.Info("dropping response for unmatched entry", "cookie", c.cookie,
			"sessionId", envelope.SessionID, "txSequence", envelope.TxSequence)
		return
	}
	if envelope.Err != nil {
		tx.complete(nil, envelope.Err)
	} else {
		tx.complete(envelope.Message, nil)
	}
}

// Poison transitions the connection to a terminal failed state and fails
// every queued and in-flight entry with cause.
func (c *Connection) Poison(cause error) {
	c.mu.Lock()
	fwd := c.forwardTo
	c.mu.Unlock()
	if fwd != nil {
		fwd.Poison(cause)
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.poisonLocked(cause)
}

func (c *Connection) poisonLocked(cause error) {
	if !c.poisonState.store(cause) {
		return
	}
	c.queue.poison(cause)
	if c.resolveCancel != nil {
		c.resolveCancel()
	}
	c.notifyState("poisoned")
}

// RunTimer is the timer sweep: invoked by the owning actor only, whenever a
// previously armed timer fires. On a connection that is not poisoned it
// clears haveTimer first so a stale, already-superseded firing behaves as
// if disarmed; on a poisoned one it returns without touching any state.
func (c *Connection) RunTimer() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.poisonState.load() != nil {
		return
	}
	now := c.clock.Now()
	c.haveTimer = false
	if c.queue.ticksStalling(now) >= int64(NoProgressTimeout) {
		c.poisonLocked(&NoProgressError{StallNanos: c.queue.ticksStalling(now)})
		return
	}
	switch outcome := c.checkTimeoutLocked(now); outcome.kind {
	case timeoutTimedOut:
		if c.state == stateConnecting {
			c.restartResolutionLocked(now)
		} else {
			c.beginReconnectLocked(now)
		}
	case timeoutScheduleIn:
		c.armIfIdleLocked(outcome.scheduleIn)
	case timeoutIdle:
		// leave disarmed
	}
}

// checkTimeoutLocked implements the tri-state sweep: empty queue is idle;
// sustained backend silence is a hard timeout; otherwise walk the queue
// oldest-first, failing any entry past RequestTimeout and stopping at the
// first still-alive one.
func (c *Connection) checkTimeoutLocked(now int64) timeoutOutcome {
	if c.queue.isEmpty() {
		return idleOutcome()
	}
	if now-c.lastReceivedTicks >= int64(BackendAliveTimeout) {
		return timedOutOutcome()
	}
	anyTimedOut := false
	for {
		head, ok := c.queue.peek()
		if !ok {
			break
		}
		beenOpen := now - head.EnqueuedTicks
		if beenOpen < int64(RequestTimeout) {
			if anyTimedOut {
				c.queue.tryTransmit(context.Background(), now)
			}
			return scheduleInOutcome(RequestTimeout - time.Duration(beenOpen))
		}
		c.queue.removeHead()
		head.complete(nil, &RequestTimeoutError{ElapsedSeconds: float64(beenOpen) / 1e9})
		anyTimedOut = true
	}
	if anyTimedOut {
		c.queue.tryTransmit(context.Background(), now)
	}
	return idleOutcome()
}

func (c *Connection) armIfIdleLocked(d time.Duration) {
	if c.haveTimer {
		return
	}
	if d < 0 {
		d = 0
	}
	c.haveTimer = true
	c.scheduler(d, c.RunTimer)
}

func (c *Connection) startResolutionLocked() {
	ctx, cancel := context.WithCancel(context.Background())
	c.resolveCancel = cancel
	resolver := c.resolver
	cookie := c.cookie
	go func() {
		info, err := resolver.ResolveBackendInfo(ctx, cookie)
		c.scheduler(0, func() { c.onResolved(info, err) })
	}()
}

// restartResolutionLocked implements "Connecting -> resolution fails/timer
// tier hit -> Connecting": pacing the retries is delegated to the
// BackendInfoResolver itself (see pkg/resolver.BackoffResolver); the core
// just asks again.
func (c *Connection) restartResolutionLocked(now int64) {
	if c.resolveCancel != nil {
		c.resolveCancel()
	}
	c.lastReceivedTicks = now
	c.startResolutionLocked()
}

func (c *Connection) onResolved(info BackendInfo, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.poisonState.load() != nil || c.state != stateConnecting {
		return // stale: superseded by poison or a later reconnect
	}
	now := c.clock.Now()
	if err != nil {
		c.log.Info("backend resolution failed, retrying", "cookie", c.cookie, "err", err)
		c.startResolutionLocked()
		return
	}
	window := info.MaxMessages
	if window <= 0 {
		window = 1
	}
	c.backendInfo = &info
	c.queue.activate(newSessionID(), window, c.transport, info.Endpoint, now)
	c.state = stateConnected
	c.lastReceivedTicks = now
	// Arm for whichever tier is actually closer: a replayed entry carried
	// over from a reconnect may already be nearer its RequestTimeout than a
	// fresh BackendAliveTimeout window would suggest.
	if outcome := c.checkTimeoutLocked(now); outcome.kind == timeoutScheduleIn {
		c.armIfIdleLocked(outcome.scheduleIn)
	}
	c.notifyState("connected")
	if c.onConnected != nil {
		c.onConnected(c)
	}
}

// beginReconnectLocked implements Connected -> Reconnecting: it drains the
// current queue, builds a successor Connecting connection seeded with the
// drained entries (preserving enqueue order), installs a forwarder so any
// further enqueue on this (now-retired) connection flows straight to the
// successor, and hands the successor to the caller's OnConnected hook once
// it eventually resolves.
func (c *Connection) beginReconnectLocked(now int64) {
	c.state = stateReconnecting
	drained := c.queue.drain()
	stallBaseline := c.queue.stallTicks

	successor := NewConnection(c.cookie, c.clock, c.resolver, c.transport, c.scheduler, ConnectionOptions{
		Logger:        c.log,
		OnStateChange: c.onStateChange,
		OnConnected:   c.onConnected,
	})
	successor.mu.Lock()
	successor.queue.pending = append(successor.queue.pending, drained...)
	// Inherit, don't reset: a reconnect is not forward progress, so the
	// no-progress clock must keep running across it.
	successor.queue.stallTicks = stallBaseline
	if len(drained) > 0 {
		// Seeding pending directly (rather than through enqueueLocked) skips
		// the timer arm enqueueLocked would normally do on an
		// empty-to-non-empty transition. Arm it explicitly off the oldest replayed entry so the
		// successor's queue is never non-empty with no timer armed while it
		// waits on resolution (invariant: non-empty queue implies an armed
		// timer or a successor of its own).
		remaining := time.Duration(drained[0].EnqueuedTicks + int64(RequestTimeout) - now)
		successor.armIfIdleLocked(scheduleInOutcome(remaining).scheduleIn)
	}
	successor.mu.Unlock()

	c.queue.installForwarder()
	c.forwardTo = successor
	c.notifyState("reconnecting")
}

func (c *Connection) notifyState(state string) {
	if c.onStateChange != nil {
		c.onStateChange(c.cookie, state)
	}
}

func newSessionID() string {
	return shortuuid.New()
}
