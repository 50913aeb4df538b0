package main

import (
	"context"
	"fmt"
	"time"

	"github.com/pzhenzhou/shardconn/pkg/backendconn"
)

// loopbackTransport is a fake backend that echoes every request back after
// a fixed delay, entirely in-process. It exists so democlient can exercise
// throttling, timeouts and reconnects without a real network dependency —
// the spec's Non-goals exclude shipping a production Transport, not a demo
// harness that exercises one (see SPEC_FULL.md §7.5).
type loopbackTransport struct {
	behavior *backendconn.ClientBehavior
	cookie   string
	delay    time.Duration
}

func newLoopbackTransport(behavior *backendconn.ClientBehavior, cookie string, delay time.Duration) *loopbackTransport {
	return &loopbackTransport{behavior: behavior, cookie: cookie, delay: delay}
}

func (t *loopbackTransport) SendEnvelope(ctx context.Context, _ any, entry backendconn.TransmittedEntry) error {
	go func() {
		timer := time.NewTimer(t.delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return
		}
		t.behavior.DeliverResponse(t.cookie, backendconn.ResponseEnvelope{
			Message:    fmt.Sprintf("echo:%v", entry.Request),
			SessionID:  entry.SessionID,
			TxSequence: entry.TxSequence,
		})
	}()
	return nil
}
