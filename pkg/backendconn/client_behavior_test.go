package backendconn

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

// echoTransport answers every SendEnvelope by delivering a response back
// through the owning ClientBehavior shortly afterward, simulating a real
// backend without any network dependency.
type echoTransport struct {
	behavior *ClientBehavior
	cookie   string
}

func (tr *echoTransport) SendEnvelope(_ context.Context, _ any, entry TransmittedEntry) error {
	go tr.behavior.DeliverResponse(tr.cookie, ResponseEnvelope{
		Message:    entry.Request,
		SessionID:  entry.SessionID,
		TxSequence: entry.TxSequence,
	})
	return nil
}

// TestClientBehavior_EndToEndSendRequest drives a full round trip through
// the real actor mailbox and a real time.AfterFunc-backed scheduler (no
// FakeClock/fakeScheduler substitution), confirming the public surface works
// the way democlient actually uses it.
func TestClientBehavior_EndToEndSendRequest(t *testing.T) {
	defer goleak.VerifyNone(t,
		// gin/net/http transitively start a background finalizer goroutine
		// the first time they're imported; harmless and outside this test's
		// control.
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	resolver := newFakeResolver(BackendInfo{Endpoint: "loopback", MaxMessages: 4})
	behavior := NewClientBehavior(ctx, resolver, nil)
	behavior.SetTransport(&echoTransport{behavior: behavior, cookie: "demo"})

	var wg sync.WaitGroup
	results := make(chan callbackRecord, 8)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		err := behavior.SendRequest(context.Background(), "demo", i, func(response any, err error) {
			defer wg.Done()
			results <- callbackRecord{response: response, err: err}
		})
		require.NoError(t, err)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("requests never completed")
	}
	close(results)
	for r := range results {
		assert.NoError(t, r.err)
	}

	snap := behavior.Snapshot()
	assert.Equal(t, "connected", snap["demo"])

	require.NoError(t, behavior.Shutdown())
}

// TestClientBehavior_ShutdownStopsMailboxCleanly verifies Shutdown tears
// down the actor goroutine without leaking it, even with a connection that
// was never driven to completion.
func TestClientBehavior_ShutdownStopsMailboxCleanly(t *testing.T) {
	defer goleak.VerifyNone(t,
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	resolver := newFakeResolver(BackendInfo{Endpoint: "loopback", MaxMessages: 1})
	behavior := NewClientBehavior(ctx, resolver, nil)
	behavior.SetTransport(&echoTransport{behavior: behavior, cookie: "demo"})

	_, _ = behavior.EnqueueRequest("demo", "hello", func(any, error) {}, time.Now().UnixNano())

	require.NoError(t, behavior.Shutdown())
}

// TestClientBehavior_DeliverResponseUnknownCookieIsNoop exercises the
// defensive path DeliverResponse takes for a cookie with no tracked
// connection (e.g. a stale or malformed response).
func TestClientBehavior_DeliverResponseUnknownCookieIsNoop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	resolver := newFakeResolver(BackendInfo{Endpoint: "loopback", MaxMessages: 1})
	behavior := NewClientBehavior(ctx, resolver, nil)
	defer behavior.Shutdown()

	assert.NotPanics(t, func() {
		behavior.DeliverResponse("never-seen", ResponseEnvelope{Message: "x"})
	})
}
