// Package transport establishes the command forwarding channel between
// a client and the host.  Transports handle how frames move (plain TCP,
// TCP through an SSH gateway, or WebSocket) independent of what the
// frames mean, which is the capability layer's job.
package transport

import (
	"context"
	"net"

	"mpcore/internal/wire"
)

// Dialer opens outbound network connections.  Implementations include
// a plain TCP dialer and an SSH dialer that routes traffic through an
// encrypted gateway.
type Dialer interface {
	// Dial establishes a connection to the given network address.
	Dial(ctx context.Context, network, address string) (net.Conn, error)

	// Close releases any long-lived resources held by the dialer
	// (e.g. an SSH session).  Stateless dialers return nil.
	Close() error
}

// Connector opens a frame channel to a host address.
type Connector interface {
	Connect(ctx context.Context, address string) (wire.Conn, error)
	Close() error
}

// Listener accepts frame channels from clients.
type Listener interface {
	// Accept blocks until a client connects or the listener closes.
	Accept() (wire.Conn, error)
	// Addr is the bound address, suitable for advertising.
	Addr() string
	Close() error
}
