package backendconn

import (
	"context"
	"time"
)

type queueMode int

const (
	queueHalted queueMode = iota
	queueTransmitting
	queueForwarding
)

// transmitQueue holds the pending and in-flight entries for one Connection
// and implements the three variants from the design: Halted (accepts
// enqueues, transmits nothing), Transmitting (dispatches against a resolved
// window), Forwarding (every enqueue is handed straight to a successor).
//
// pending and inflight are both kept in enqueue order; an entry only ever
// moves pending -> inflight -> gone (completed, timed out, or poisoned), so
// inflight entries are always chronologically older than anything left in
// pending.
type transmitQueue struct {
	mode     queueMode
	pending  []ConnectionEntry
	inflight []TransmittedEntry

	// Transmitting only.
	sessionID          string
	nextTxSequence     uint64
	backpressureWindow int
	transport          Transport
	endpoint           any

	stallTicks int64
}

func newHaltedQueue(now int64) *transmitQueue {
	return &transmitQueue{mode: queueHalted, stallTicks: now}
}

// activate flips a Halted queue to Transmitting once BackendInfo has
// resolved, seeding the session and window and immediately draining as much
// backlog as the window allows. It deliberately leaves stallTicks alone: a
// freshly constructed queue already seeded it at creation time, and a
// reconnect successor's queue was seeded with its predecessor's stallTicks
// (see Connection.beginReconnectLocked), so resetting it here would make
// every reconnect look like forward progress and the no-progress ceiling
// would never trip.
func (q *transmitQueue) activate(sessionID string, window int, transport Transport, endpoint any, now int64) {
	q.mode = queueTransmitting
	q.sessionID = sessionID
	q.backpressureWindow = window
	q.transport = transport
	q.endpoint = endpoint
	q.tryTransmit(context.Background(), now)
}

// installForwarder flips a queue to Forwarding, marking it retired: its
// pending entries were already drained to the successor by the caller.
// Connection.EnqueueRequest/SendRequest consult Connection.forwardTo, not
// this mode, to decide whether to route to the successor. The mode makes
// tryTransmit a no-op on the retired queue; depth()/isEmpty() read as empty
// because the queue was drained and pending is cleared here.
func (q *transmitQueue) installForwarder() {
	q.mode = queueForwarding
	q.pending = nil
}

func (q *transmitQueue) depth() int {
	return len(q.pending) + len(q.inflight)
}

func (q *transmitQueue) isEmpty() bool {
	return q.depth() == 0
}

// enqueue appends entry and returns the throttling delay the caller of
// sendRequest should sleep for. Connection.EnqueueRequest/SendRequest never
// call this on a Forwarding queue — they route straight to the successor
// Connection instead, so that enqueue is serialized under the successor's
// own lock rather than reaching past it into its queue.
func (q *transmitQueue) enqueue(ctx context.Context, entry ConnectionEntry, now int64) time.Duration {
	q.pending = append(q.pending, entry)
	if q.mode == queueTransmitting {
		q.tryTransmit(ctx, now)
		return throttleDelay(q.depth(), q.backpressureWindow)
	}
	return 0
}

// tryTransmit hands entries to the transport while in-flight count is below
// the window and pending is non-empty. A send error fails just that entry;
// it does not affect the rest of the queue (a single bad request shouldn't
// take the connection down).
func (q *transmitQueue) tryTransmit(ctx context.Context, now int64) {
	if q.mode != queueTransmitting {
		return
	}
	for len(q.inflight) < q.backpressureWindow && len(q.pending) > 0 {
		head := q.pending[0]
		q.pending = q.pending[1:]
		txEntry := TransmittedEntry{
			ConnectionEntry: head,
			SessionID:       q.sessionID,
			TxSequence:      q.nextTxSequence,
			TransmittedTick: now,
		}
		q.nextTxSequence++
		if err := q.transport.SendEnvelope(ctx, q.endpoint, txEntry); err != nil {
			head.complete(nil, err)
			continue
		}
		q.inflight = append(q.inflight, txEntry)
	}
}

// complete matches an inbound envelope against an in-flight entry by
// (sessionID, txSequence). An unmatched envelope leaves queue state
// unchanged and is reported back as !ok so the caller can log-and-drop it.
func (q *transmitQueue) complete(ctx context.Context, envelope ResponseEnvelope, now int64) (TransmittedEntry, bool) {
	for i, tx := range q.inflight {
		if envelope.matches(tx) {
			q.inflight = append(q.inflight[:i], q.inflight[i+1:]...)
			q.stallTicks = now
			q.tryTransmit(ctx, now)
			return tx, true
		}
	}
	return TransmittedEntry{}, false
}

// drain removes every pending and in-flight entry and returns them as plain
// ConnectionEntry values in original enqueue order, for handoff to a
// successor queue during reconnect replay.
func (q *transmitQueue) drain() []ConnectionEntry {
	drained := make([]ConnectionEntry, 0, q.depth())
	for _, tx := range q.inflight {
		drained = append(drained, tx.ConnectionEntry)
	}
	drained = append(drained, q.pending...)
	q.inflight = nil
	q.pending = nil
	return drained
}

// peek returns the oldest still-open entry without removing it: the head of
// inflight if any, else the head of pending. Used by the per-request
// timeout sweep, which must walk oldest-first and stop at the first entry
// still within its timeout.
func (q *transmitQueue) peek() (ConnectionEntry, bool) {
	if len(q.inflight) > 0 {
		return q.inflight[0].ConnectionEntry, true
	}
	if len(q.pending) > 0 {
		return q.pending[0], true
	}
	return ConnectionEntry{}, false
}

// removeHead drops the oldest still-open entry (matching peek) so the
// sweeper can fail it with a timeout and move to the next.
func (q *transmitQueue) removeHead() {
	if len(q.inflight) > 0 {
		q.inflight = q.inflight[1:]
		return
	}
	if len(q.pending) > 0 {
		q.pending = q.pending[1:]
	}
}

func (q *transmitQueue) ticksStalling(now int64) int64 {
	return now - q.stallTicks
}

// poison fails every queued and in-flight entry with cause and empties the
// queue. Connection.Poison already follows forwardTo to the live successor
// before calling this, so it only ever runs against a queue with no
// successor of its own.
func (q *transmitQueue) poison(cause error) {
	for _, tx := range q.inflight {
		tx.complete(nil, cause)
	}
	for _, p := range q.pending {
		p.complete(nil, cause)
	}
	q.inflight = nil
	q.pending = nil
}

// throttleDelay is a monotone function of queue depth relative to the
// backpressure window: zero at or below half the window, growing
// quadratically toward MaxDelay as depth approaches the window and
// saturating there. The quadratic shape keeps delay low near the
// watermark (most producers never feel it) and ramps sharply only once the
// window is genuinely under pressure.
func throttleDelay(depth, window int) time.Duration {
	if window <= 0 {
		return MaxDelay
	}
	low := window / 2
	if low < 1 {
		low = 1
	}
	if depth <= low {
		return 0
	}
	if depth >= window {
		return MaxDelay
	}
	span := float64(window - low)
	frac := float64(depth-low) / span
	delay := float64(DebugDelay) + (float64(MaxDelay)-float64(DebugDelay))*frac*frac
	if delay < 0 {
		delay = 0
	}
	if delay > float64(MaxDelay) {
		delay = float64(MaxDelay)
	}
	return time.Duration(delay)
}
