package capability

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"mpcore/internal/command"
	ncerr "mpcore/internal/errors"
	"mpcore/internal/wire"
	"mpcore/util"
)

// Link is the client side of the forwarding channel and the
// dispatcher's Forwarder while connected.  Forwarded commands carry a
// sequence number that increases by one per command.
type Link struct {
	peer   command.PeerRef
	logger *util.Logger

	// OnSnapshot receives replicated pawn state from the host.
	OnSnapshot func(f wire.Frame)
	// OnLeave is called when the host asks this client to leave.
	OnLeave func(reason string)

	mu     sync.Mutex
	conn   wire.Conn
	seq    uint64
	closed bool
}

// NewLink returns a link that introduces itself as peer.
func NewLink(peer command.PeerRef, logger *util.Logger) *Link {
	return &Link{peer: peer, logger: logger.Named("link")}
}

// Handle says hello on conn and reads host frames until the host asks
// the client to leave or the connection drops.
func (l *Link) Handle(ctx context.Context, conn wire.Conn) error {
	if err := l.attach(conn); err != nil {
		conn.Close()
		return err
	}
	return l.serve(ctx, conn)
}

// Start says hello on conn and serves it on a new goroutine.  Forward
// can be used as soon as Start returns.  The channel receives Handle's
// result.
func (l *Link) Start(ctx context.Context, conn wire.Conn) (<-chan error, error) {
	if err := l.attach(conn); err != nil {
		conn.Close()
		return nil, err
	}
	done := make(chan error, 1)
	go func() { done <- l.serve(ctx, conn) }()
	return done, nil
}

func (l *Link) attach(conn wire.Conn) error {
	l.mu.Lock()
	l.conn = conn
	l.closed = false
	l.mu.Unlock()

	if err := conn.Send(wire.Frame{Type: wire.TypeHello, Peer: l.peer.ID, Slot: l.peer.Slot}); err != nil {
		l.detach(conn)
		return fmt.Errorf("hello: %w", err)
	}
	l.logger.Verbose("connected to host at %s", conn.RemoteAddr())
	return nil
}

func (l *Link) serve(ctx context.Context, conn wire.Conn) error {
	defer conn.Close()
	stop := closeOnDone(ctx, conn)
	defer stop()
	defer l.detach(conn)

	for {
		f, err := conn.Receive()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) || l.isClosed() {
				return nil
			}
			return fmt.Errorf("host link: %w", err)
		}

		switch f.Type {
		case wire.TypeSnapshot:
			l.logger.Verbose("peer %s velocity (%.0f, %.0f, %.0f)", f.Peer, f.Velocity.X, f.Velocity.Y, f.Velocity.Z)
			if l.OnSnapshot != nil {
				l.OnSnapshot(f)
			}
		case wire.TypeLeave:
			l.logger.Info("host asked us to leave: %s", f.Reason)
			if l.OnLeave != nil {
				l.OnLeave(f.Reason)
			}
			return nil
		default:
			l.logger.Warn("unexpected %s frame from host", f.Type)
		}
	}
}

// Forward sends cmd to the host with the next sequence number.
func (l *Link) Forward(cmd command.Command) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil || l.closed {
		return ncerr.ErrLinkClosed
	}
	l.seq++
	return l.conn.Send(wire.Frame{
		Type:   wire.TypeCommand,
		Peer:   cmd.Issuer.ID,
		Slot:   cmd.Issuer.Slot,
		Seq:    l.seq,
		Action: cmd.Action.String(),
	})
}

// Close tells the host this client is leaving and closes the link.
func (l *Link) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil || l.closed {
		return nil
	}
	l.closed = true
	l.conn.Send(wire.Frame{Type: wire.TypeLeave, Peer: l.peer.ID}) //nolint:errcheck
	return l.conn.Close()
}

func (l *Link) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

func (l *Link) detach(conn wire.Conn) {
	l.mu.Lock()
	if l.conn == conn {
		l.closed = true
	}
	l.mu.Unlock()
}
