// Package tunnel carries the client side of the command forwarding
// channel through an SSH gateway, for hosts that are only reachable
// from behind a bastion.  The SSH implementation is backed by
// golang.org/x/crypto/ssh.
package tunnel

import (
	"context"
	"net"
)

// Tunnel abstracts an encrypted channel through which the forwarding
// connection to a host is opened.
type Tunnel interface {
	// Connect establishes the tunnel to the gateway.
	Connect(ctx context.Context) error

	// Dial opens a connection to address through the tunnel.
	Dial(ctx context.Context, network, address string) (net.Conn, error)

	// Close tears down the tunnel and frees resources.
	Close() error

	// IsAlive reports whether the underlying connection is still up.
	IsAlive() bool

	// Ping round-trips a keepalive request to the gateway.
	Ping() error
}
