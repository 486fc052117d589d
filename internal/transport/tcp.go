package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
	"time"

	ncerr "mpcore/internal/errors"
	"mpcore/internal/retry"
	"mpcore/internal/wire"
	"mpcore/util"
)

// TCPDialer establishes plain TCP connections, optionally binding to a
// specific source port.
type TCPDialer struct {
	Timeout   time.Duration
	LocalPort int // optional source-port binding (0 = ephemeral)
}

// Dial connects to address over TCP.
func (d *TCPDialer) Dial(ctx context.Context, network, address string) (net.Conn, error) {
	dialer := net.Dialer{Timeout: d.Timeout}

	if d.LocalPort > 0 {
		local := fmt.Sprintf(":%d", d.LocalPort)
		a, err := net.ResolveTCPAddr(network, local)
		if err != nil {
			return nil, fmt.Errorf("resolve local addr: %w", err)
		}
		dialer.LocalAddr = a
	}

	return dialer.DialContext(ctx, network, address)
}

// Close is a no-op for stateless TCP dialers.
func (d *TCPDialer) Close() error { return nil }

// ── Stream connector ─────────────────────────────────────────────────

// StreamConnector dials the host with Dialer and frames the connection
// with a length-prefixed codec.  Transient dial failures are retried
// with Retry.
type StreamConnector struct {
	Dialer       Dialer
	Retry        *retry.Backoff // nil: single attempt
	MaxFrameSize int
	Logger       *util.Logger
}

// Connect dials address, retrying while the error is transient.
func (c *StreamConnector) Connect(ctx context.Context, address string) (wire.Conn, error) {
	var conn net.Conn
	dial := func(attempt int) error {
		var err error
		conn, err = c.Dialer.Dial(ctx, "tcp", address)
		if err == nil {
			return nil
		}
		err = ncerr.Wrap("dial", address, err)
		if !ncerr.IsRetryable(err) && !errors.Is(err, syscall.ECONNREFUSED) {
			return retry.Permanent(err)
		}
		if c.Logger != nil {
			c.Logger.Verbose("dial %s failed (attempt %d): %v", address, attempt, err)
		}
		return err
	}

	var err error
	if c.Retry == nil {
		err = dial(1)
		var pe *retry.PermanentError
		if errors.As(err, &pe) {
			err = pe.Err
		}
	} else {
		err = c.Retry.Do(ctx, dial)
	}
	if err != nil {
		return nil, err
	}
	return wire.NewStream(conn, c.MaxFrameSize), nil
}

// Close releases the underlying dialer.
func (c *StreamConnector) Close() error { return c.Dialer.Close() }

// ── Stream listener ──────────────────────────────────────────────────

// TCPListener accepts length-prefixed frame channels over TCP.
type TCPListener struct {
	ln           net.Listener
	maxFrameSize int
}

// ListenTCP binds address ("host:port", port 0 for ephemeral).
func ListenTCP(address string, maxFrameSize int) (*TCPListener, error) {
	ln, err := net.Listen("tcp", address)
	if err != nil {
		return nil, ncerr.Wrap("listen", address, err)
	}
	return &TCPListener{ln: ln, maxFrameSize: maxFrameSize}, nil
}

// Accept waits for the next client.
func (l *TCPListener) Accept() (wire.Conn, error) {
	conn, err := l.ln.Accept()
	if err != nil {
		if errors.Is(err, net.ErrClosed) {
			return nil, ncerr.ErrLinkClosed
		}
		return nil, err
	}
	return wire.NewStream(conn, l.maxFrameSize), nil
}

func (l *TCPListener) Addr() string { return l.ln.Addr().String() }

func (l *TCPListener) Close() error { return l.ln.Close() }
