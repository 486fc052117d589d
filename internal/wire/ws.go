package wire

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// writeWait bounds a single WebSocket write.
const writeWait = 10 * time.Second

// WSConn carries one JSON frame per WebSocket text message.
type WSConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

// NewWS wraps an established WebSocket and applies the read limit.
func NewWS(conn *websocket.Conn, maxSize int) *WSConn {
	if maxSize <= 0 {
		maxSize = DefaultMaxFrameSize
	}
	conn.SetReadLimit(int64(maxSize))
	return &WSConn{conn: conn}
}

// Send writes f as a text message under the write deadline.
func (c *WSConn) Send(f Frame) error {
	if err := f.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("encode %s frame: %w", f.Type, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Receive reads the next text message.  Binary messages are rejected.
// A normal or going-away close from the peer reads as io.EOF, like a
// stream that ends cleanly.
func (c *WSConn) Receive() (Frame, error) {
	kind, data, err := c.conn.ReadMessage()
	if err != nil {
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return Frame{}, io.EOF
		}
		return Frame{}, err
	}
	if kind != websocket.TextMessage {
		return Frame{}, fmt.Errorf("%w: unexpected message type %d", ErrInvalidFrame, kind)
	}

	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	if err := f.Validate(); err != nil {
		return Frame{}, err
	}
	return f, nil
}

func (c *WSConn) RemoteAddr() string { return c.conn.RemoteAddr().String() }

// Close sends a close message and closes the socket.
func (c *WSConn) Close() error {
	c.mu.Lock()
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)) //nolint:errcheck
	c.mu.Unlock()
	return c.conn.Close()
}
