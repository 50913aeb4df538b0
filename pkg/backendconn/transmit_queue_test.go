package backendconn

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Scenario: backpressure throttle. With a window of 1, every enqueue past
// the first is at or above the window, so throttleDelay saturates to
// MaxDelay immediately; no call ever returns a delay above MaxDelay.
func TestTransmitQueue_BackpressureThrottleSaturates(t *testing.T) {
	clock := NewFakeClock(0)
	conn, _, transport := newTestConnection(t, clock, 1)

	for i := 0; i < 50; i++ {
		delay, err := conn.EnqueueRequest(i, func(any, error) {}, clock.Now())
		require.NoError(t, err)
		assert.GreaterOrEqual(t, delay, time.Duration(0))
		assert.LessOrEqual(t, delay, MaxDelay)
		if i > 0 {
			assert.Greater(t, delay, time.Duration(0), "entry %d should be throttled once the window is saturated", i)
		}
	}
	// Only the first entry ever gets a transport slot; the rest sit pending
	// behind the single in-flight window.
	assert.Len(t, transport.sentEntries(), 1)
}

func TestThrottleDelay_Boundaries(t *testing.T) {
	// At or below half the window: no delay.
	assert.Equal(t, time.Duration(0), throttleDelay(0, 10))
	assert.Equal(t, time.Duration(0), throttleDelay(5, 10))

	// At or above the window: saturates to MaxDelay.
	assert.Equal(t, MaxDelay, throttleDelay(10, 10))
	assert.Equal(t, MaxDelay, throttleDelay(20, 10))

	// Strictly between: monotone and bounded.
	d6 := throttleDelay(6, 10)
	d9 := throttleDelay(9, 10)
	assert.Greater(t, d6, time.Duration(0))
	assert.Less(t, d6, MaxDelay)
	assert.Greater(t, d9, d6, "delay should grow monotonically with depth")
	assert.LessOrEqual(t, d9, MaxDelay)

	// A non-positive window can't usefully throttle gradually; saturate.
	assert.Equal(t, MaxDelay, throttleDelay(1, 0))
}

// Invariant: an unmatched response envelope leaves queue state unchanged.
func TestTransmitQueue_UnmatchedCompleteIsNoop(t *testing.T) {
	clock := NewFakeClock(0)
	conn, _, transport := newTestConnection(t, clock, 2)

	_, err := conn.EnqueueRequest("R1", func(any, error) {}, clock.Now())
	require.NoError(t, err)
	sent := transport.sentEntries()
	require.Len(t, sent, 1)

	before := conn.queue.depth()
	_, matched := conn.queue.complete(context.Background(), ResponseEnvelope{SessionID: "not-it", TxSequence: 9999}, clock.Now())
	assert.False(t, matched)
	assert.Equal(t, before, conn.queue.depth())
}

// Invariant: drain preserves the multiset and order of uncompleted entries,
// draining in-flight entries before still-pending ones (both already FIFO
// internally).
func TestTransmitQueue_DrainPreservesOrder(t *testing.T) {
	q := newHaltedQueue(0)
	transport := newFakeTransport()
	q.activate("session", 1, transport, "endpoint", 0)

	var tags []string
	for _, tag := range []string{"a", "b", "c"} {
		tag := tag
		q.enqueue(context.Background(), ConnectionEntry{
			Request:  tag,
			Callback: func(any, error) {},
		}, 0)
	}
	drained := q.drain()
	for _, e := range drained {
		tags = append(tags, e.Request.(string))
	}
	assert.Equal(t, []string{"a", "b", "c"}, tags)
	assert.True(t, q.isEmpty())
}

// Invariant: exactly-once callback delivery — poisoning a queue never
// double-completes an entry that already completed via a normal response.
func TestTransmitQueue_PoisonDoesNotDoubleComplete(t *testing.T) {
	clock := NewFakeClock(0)
	conn, _, transport := newTestConnection(t, clock, 1)

	calls := 0
	_, err := conn.EnqueueRequest("R1", func(any, error) { calls++ }, clock.Now())
	require.NoError(t, err)
	sent := transport.sentEntries()
	require.Len(t, sent, 1)

	conn.ReceiveResponse(ResponseEnvelope{Message: "ack", SessionID: sent[0].SessionID, TxSequence: sent[0].TxSequence})
	assert.Equal(t, 1, calls)

	conn.Poison(assert.AnError)
	assert.Equal(t, 1, calls, "an already-completed entry must not be completed again by poison")
}
