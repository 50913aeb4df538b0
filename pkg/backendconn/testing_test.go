package backendconn

import (
	"context"
	"sync"
	"testing"
	"time"
)

// fakeScheduler is a TimerScheduler a test drives by hand: schedule only
// records fire, it never runs it. Tests call drainAll (or waitScheduled then
// drainAll) to decide exactly when a resolution continuation or a RunTimer
// re-arm actually executes, which is what makes boundary assertions against
// a FakeClock deterministic instead of racing a real timer.
type fakeScheduler struct {
	mu      sync.Mutex
	pending []func()
	notify  chan struct{}
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{notify: make(chan struct{}, 4096)}
}

func (s *fakeScheduler) schedule(_ time.Duration, fire func()) {
	s.mu.Lock()
	s.pending = append(s.pending, fire)
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// waitScheduled blocks until notify holds a signal not yet consumed (each
// schedule call leaves one; drainAll does not clear them), for
// synchronizing with NewConnection's background resolution goroutine.
func (s *fakeScheduler) waitScheduled(t *testing.T) {
	t.Helper()
	select {
	case <-s.notify:
	case <-time.After(2 * time.Second):
		t.Fatal("fakeScheduler: timed out waiting for a scheduled callback")
	}
}

// drainAll runs and clears every callback scheduled so far. Anything a
// drained callback itself schedules lands in the next drainAll, so this
// never recurses or spins.
func (s *fakeScheduler) drainAll() {
	s.mu.Lock()
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()
	for _, fire := range pending {
		fire()
	}
}

// fakeResolver resolves every cookie to a fixed BackendInfo, unless errors
// have been queued with failNextWith: each call then consumes and returns
// the oldest queued error, and once the queue is empty the info answer
// resumes, so tests can script "fails once, then succeeds".
type fakeResolver struct {
	mu    sync.Mutex
	info  BackendInfo
	errs  []error
	calls int
}

func newFakeResolver(info BackendInfo) *fakeResolver {
	return &fakeResolver{info: info}
}

func (r *fakeResolver) failNextWith(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

func (r *fakeResolver) ResolveBackendInfo(_ context.Context, _ string) (BackendInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if len(r.errs) > 0 {
		err := r.errs[0]
		r.errs = r.errs[1:]
		return BackendInfo{}, err
	}
	return r.info, nil
}

// fakeTransport records every entry handed to it and, unless told to fail a
// given TxSequence, reports success without ever synthesizing a response —
// tests complete entries explicitly via Connection.ReceiveResponse so they
// control timing exactly.
type fakeTransport struct {
	mu   sync.Mutex
	sent []TransmittedEntry
	fail map[uint64]error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{fail: make(map[uint64]error)}
}

func (tr *fakeTransport) SendEnvelope(_ context.Context, _ any, entry TransmittedEntry) error {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if err, ok := tr.fail[entry.TxSequence]; ok {
		return err
	}
	tr.sent = append(tr.sent, entry)
	return nil
}

func (tr *fakeTransport) sentEntries() []TransmittedEntry {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	out := make([]TransmittedEntry, len(tr.sent))
	copy(out, tr.sent)
	return out
}

// newTestConnection builds a Connection against a fakeScheduler/fakeResolver/
// fakeTransport, drives it through its initial resolution, and returns once
// it has reached Connected.
func newTestConnection(t *testing.T, clock Clock, window int) (*Connection, *fakeScheduler, *fakeTransport) {
	t.Helper()
	sched := newFakeScheduler()
	transport := newFakeTransport()
	resolver := newFakeResolver(BackendInfo{Endpoint: "backend", MaxMessages: window})
	connectedCh := make(chan *Connection, 4)
	conn := NewConnection("cookie", clock, resolver, transport, sched.schedule, ConnectionOptions{
		OnConnected: func(c *Connection) { connectedCh <- c },
	})
	sched.waitScheduled(t)
	sched.drainAll()
	select {
	case <-connectedCh:
	case <-time.After(2 * time.Second):
		t.Fatal("connection never reached Connected")
	}
	if got := conn.State(); got != "connected" {
		t.Fatalf("expected connected state, got %q", got)
	}
	return conn, sched, transport
}

// waitConnected drains sched in a loop until ch yields a *Connection,
// tolerating an arbitrary number of intervening scheduled callbacks (e.g. a
// successor's own RunTimer re-arms racing its resolution goroutine) instead
// of assuming a fixed number of round trips.
func waitConnected(t *testing.T, sched *fakeScheduler, ch chan *Connection) *Connection {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case c := <-ch:
			return c
		default:
		}
		select {
		case <-sched.notify:
			sched.drainAll()
		case <-time.After(10 * time.Millisecond):
			sched.drainAll()
		case <-deadline:
			t.Fatal("waitConnected: timed out waiting for a connection")
		}
	}
}

// recordingCallback returns a Callback that appends every invocation to a
// slice a test can inspect and marks Done on a WaitGroup the test Adds to
// up front.
type callbackRecord struct {
	response any
	err      error
}

func recordingCallback(wg *sync.WaitGroup, out *[]callbackRecord, mu *sync.Mutex) Callback {
	return func(response any, err error) {
		mu.Lock()
		*out = append(*out, callbackRecord{response: response, err: err})
		mu.Unlock()
		wg.Done()
	}
}
