// Package capability defines what happens over an established
// forwarding connection.  The host runs a Receiver on every accepted
// connection; a client runs a Link on its connection to the host.
// Both operate on a wire.Conn rather than a raw net.Conn, which keeps
// them testable and independent of the transport.
package capability

import (
	"context"

	"mpcore/internal/wire"
)

// Capability handles a single forwarding connection.
type Capability interface {
	// Handle runs against conn.  It blocks until the connection is
	// done or the context is cancelled.
	Handle(ctx context.Context, conn wire.Conn) error
}

// Poster schedules work on the event loop.
type Poster interface {
	Post(ev func()) bool
}

// closeOnDone closes conn when ctx is cancelled, unblocking Receive.
// The returned func stops the watcher.
func closeOnDone(ctx context.Context, conn wire.Conn) func() {
	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()
	return func() { close(stop) }
}
