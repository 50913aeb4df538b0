package backendconn

import (
	"context"
	"time"

	"github.com/go-logr/logr"
	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/sync/errgroup"
)

// ClientBehavior multiplexes many per-backend Connections behind one mailbox
// goroutine, acting as the actor context the spec assumes each Connection
// runs under. It owns the cookie -> *Connection directory, repoints it on
// reconnect, and is the sole caller of every Connection method the spec
// marks actor-thread-only (ReceiveResponse, RunTimer).
type ClientBehavior struct {
	resolver  BackendInfoResolver
	transport Transport
	clock     Clock
	log       logr.Logger

	connections *xsync.MapOf[string, *Connection]

	mailbox chan func()
	group   *errgroup.Group
	cancel  context.CancelFunc
	ctx     context.Context

	onStateChange func(cookie, state string)
}

// Option configures a ClientBehavior at construction.
type Option func(*ClientBehavior)

// WithLogger installs a logr.Logger used for both the behavior itself and
// every Connection it creates.
func WithLogger(log logr.Logger) Option {
	return func(b *ClientBehavior) { b.log = log }
}

// WithClock overrides the default SystemClock, primarily for tests.
func WithClock(clock Clock) Option {
	return func(b *ClientBehavior) { b.clock = clock }
}

// WithStateChangeObserver installs a hook fired on every state-label
// transition of every Connection this behavior owns, keyed by cookie. It is
// how pkg/metrics and pkg/diagnostics learn about state without reaching
// into Connection internals.
func WithStateChangeObserver(fn func(cookie, state string)) Option {
	return func(b *ClientBehavior) { b.onStateChange = fn }
}

// NewClientBehavior starts the actor goroutine and returns a ready
// ClientBehavior. ctx governs the actor goroutine's lifetime; cancelling it
// (or calling Shutdown) stops the mailbox loop.
func NewClientBehavior(ctx context.Context, resolver BackendInfoResolver, transport Transport, opts ...Option) *ClientBehavior {
	actorCtx, cancel := context.WithCancel(ctx)
	group, actorCtx := errgroup.WithContext(actorCtx)
	b := &ClientBehavior{
		resolver:    resolver,
		transport:   transport,
		clock:       NewSystemClock(),
		log:         logr.Discard(),
		connections: xsync.NewMapOf[string, *Connection](),
		mailbox:     make(chan func(), 256),
		group:       group,
		cancel:      cancel,
		ctx:         actorCtx,
	}
	for _, opt := range opts {
		opt(b)
	}
	group.Go(func() error {
		b.runMailbox(actorCtx)
		return nil
	})
	return b
}

// runMailbox is the single actor goroutine: every Connection mutation this
// ClientBehavior is responsible for serializing flows through here, posted
// by actorScheduler (timer fires, resolution results) or by DeliverResponse
// below. SendRequest/EnqueueRequest call the Connection directly under its
// own mutex.
func (b *ClientBehavior) runMailbox(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case fn := <-b.mailbox:
			fn()
		}
	}
}

// actorScheduler implements TimerScheduler by arming a real OS timer and,
// when it fires, posting fire onto the mailbox instead of calling it
// directly — so fire still only ever runs on the single actor goroutine no
// matter which goroutine the timer's own runtime machinery wakes up on.
func (b *ClientBehavior) actorScheduler(d time.Duration, fire func()) {
	time.AfterFunc(d, func() {
		// Unlike a response delivery, a timer fire must never be silently
		// dropped while the actor is alive — it is what keeps
		// haveTimer/RunTimer's invariant honest — so this only falls back
		// to discarding the fire once the actor itself has shut down.
		select {
		case b.mailbox <- fire:
		case <-b.ctx.Done():
		}
	})
}

// SetTransport installs transport for every connection created from this
// point on. It exists for callers whose Transport implementation itself
// needs a reference back to this ClientBehavior (e.g. to call
// DeliverResponse) and so can't be constructed before NewClientBehavior
// returns. Calling it after any connectionFor call has already created a
// Connection does not retroactively change that Connection's transport.
func (b *ClientBehavior) SetTransport(transport Transport) {
	b.transport = transport
}

// connectionFor returns the current Connection for cookie, creating one in
// Connecting state if none exists yet.
func (b *ClientBehavior) connectionFor(cookie string) *Connection {
	conn, _ := b.connections.LoadOrCompute(cookie, func() *Connection {
		return NewConnection(cookie, b.clock, b.resolver, b.transport, b.actorScheduler, ConnectionOptions{
			Logger:        b.log,
			OnStateChange: b.onStateChange,
			OnConnected:   func(c *Connection) { b.connections.Store(cookie, c) },
		})
	})
	return conn
}

// SendRequest routes request to cookie's current Connection, creating it on
// first use. It blocks the calling goroutine (never the actor goroutine)
// for the computed backpressure delay.
func (b *ClientBehavior) SendRequest(ctx context.Context, cookie string, request any, callback Callback) error {
	return b.connectionFor(cookie).SendRequest(ctx, request, callback)
}

// EnqueueRequest is the non-blocking variant of SendRequest.
func (b *ClientBehavior) EnqueueRequest(cookie string, request any, callback Callback, enqueuedTicks int64) (time.Duration, error) {
	return b.connectionFor(cookie).EnqueueRequest(request, callback, enqueuedTicks)
}

// DeliverResponse posts envelope onto the actor mailbox for cookie's
// connection. It is safe to call from any goroutine (e.g. a Transport's own
// receive loop); the actual ReceiveResponse call always runs on the actor
// goroutine.
func (b *ClientBehavior) DeliverResponse(cookie string, envelope ResponseEnvelope) {
	conn, ok := b.connections.Load(cookie)
	if !ok {
		b.log.Info("dropping response for unknown cookie", "cookie", cookie)
		return
	}
	select {
	case b.mailbox <- func() { conn.ReceiveResponse(envelope) }:
	default:
		b.log.Info("mailbox full, dropping response", "cookie", cookie)
	}
}

// Poison terminates cookie's connection, if any, failing every queued
// request with cause.
func (b *ClientBehavior) Poison(cookie string, cause error) {
	if conn, ok := b.connections.Load(cookie); ok {
		conn.Poison(cause)
	}
}

// Snapshot returns a diagnostics view of every connection this behavior
// currently tracks, keyed by cookie.
func (b *ClientBehavior) Snapshot() map[string]string {
	out := make(map[string]string)
	b.connections.Range(func(cookie string, conn *Connection) bool {
		out[cookie] = conn.State()
		return true
	})
	return out
}

// Shutdown stops the actor goroutine and waits for it to exit. It does not
// poison tracked connections; callers that want in-flight requests failed
// should Poison them first.
func (b *ClientBehavior) Shutdown() error {
	b.cancel()
	return b.group.Wait()
}
