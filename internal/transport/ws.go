package transport

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	ncerr "mpcore/internal/errors"
	"mpcore/internal/wire"
	"mpcore/util"
)

// DefaultWSPath is the HTTP path the host upgrades on.
const DefaultWSPath = "/mpcore"

// WSConnector opens the forwarding channel as a WebSocket.  When Dialer
// is set the underlying TCP connection is opened through it, so a
// WebSocket link can also cross an SSH gateway.
type WSConnector struct {
	Dialer           Dialer // optional
	Path             string
	HandshakeTimeout time.Duration
	MaxFrameSize     int
}

// Connect performs the WebSocket handshake with the host at address.
func (c *WSConnector) Connect(ctx context.Context, address string) (wire.Conn, error) {
	path := c.Path
	if path == "" {
		path = DefaultWSPath
	}
	u := url.URL{Scheme: "ws", Host: address, Path: path}

	d := websocket.Dialer{HandshakeTimeout: c.HandshakeTimeout}
	if c.Dialer != nil {
		d.NetDialContext = c.Dialer.Dial
	}
	conn, _, err := d.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, ncerr.Wrap("websocket dial", u.String(), err)
	}
	return wire.NewWS(conn, c.MaxFrameSize), nil
}

// Close releases the underlying dialer, if any.
func (c *WSConnector) Close() error {
	if c.Dialer == nil {
		return nil
	}
	return c.Dialer.Close()
}

// ── WebSocket listener ───────────────────────────────────────────────

// WSListener upgrades HTTP requests on one path into frame channels.
type WSListener struct {
	ln     net.Listener
	srv    *http.Server
	conns  chan wire.Conn
	done   chan struct{}
	once   sync.Once
	logger *util.Logger
}

// ListenWS binds address and serves WebSocket upgrades on path.
func ListenWS(address, path string, maxFrameSize int, logger *util.Logger) (*WSListener, error) {
	if path == "" {
		path = DefaultWSPath
	}
	ln, err := net.Listen("tcp", address)
	if err != nil {
		return nil, ncerr.Wrap("listen", address, err)
	}

	l := &WSListener{
		ln:     ln,
		conns:  make(chan wire.Conn),
		done:   make(chan struct{}),
		logger: logger,
	}
	upgrader := websocket.Upgrader{
		// Game clients are not browsers; there is no origin to check.
		CheckOrigin: func(*http.Request) bool { return true },
	}

	mux := http.NewServeMux()
	mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			l.logger.Warn("websocket upgrade from %s: %v", r.RemoteAddr, err)
			return
		}
		wc := wire.NewWS(conn, maxFrameSize)
		select {
		case l.conns <- wc:
		case <-l.done:
			wc.Close()
		}
	})
	l.srv = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		if err := l.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			l.logger.Error("websocket server: %v", err)
		}
	}()
	return l, nil
}

// Accept waits for the next upgraded client.
func (l *WSListener) Accept() (wire.Conn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.done:
		return nil, ncerr.ErrLinkClosed
	}
}

func (l *WSListener) Addr() string { return l.ln.Addr().String() }

// Close stops the HTTP server.  Upgraded connections stay open.
func (l *WSListener) Close() error {
	var err error
	l.once.Do(func() {
		close(l.done)
		err = l.srv.Close()
	})
	if err != nil {
		return fmt.Errorf("close websocket listener: %w", err)
	}
	return nil
}
