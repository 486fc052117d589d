package wire

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"sync"
)

// StreamConn frames JSON messages on a byte stream with a 4-byte
// big-endian length prefix.
type StreamConn struct {
	conn    net.Conn
	r       *bufio.Reader
	maxSize int

	wmu sync.Mutex
}

// NewStream wraps conn.  maxSize <= 0 selects DefaultMaxFrameSize.
func NewStream(conn net.Conn, maxSize int) *StreamConn {
	if maxSize <= 0 {
		maxSize = DefaultMaxFrameSize
	}
	return &StreamConn{conn: conn, r: bufio.NewReader(conn), maxSize: maxSize}
}

// Send validates, encodes and writes f.
func (c *StreamConn) Send(f Frame) error {
	if err := f.Validate(); err != nil {
		return err
	}
	body, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("encode %s frame: %w", f.Type, err)
	}
	if len(body) > c.maxSize {
		return fmt.Errorf("%w: %d > %d bytes", ErrFrameTooLarge, len(body), c.maxSize)
	}

	buf := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(buf, uint32(len(body)))
	copy(buf[4:], body)

	c.wmu.Lock()
	defer c.wmu.Unlock()
	_, err = c.conn.Write(buf)
	return err
}

// Receive reads the next frame.  It returns io.EOF on a clean close.
func (c *StreamConn) Receive() (Frame, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(c.r, hdr[:]); err != nil {
		return Frame{}, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if int64(n) > int64(c.maxSize) {
		return Frame{}, fmt.Errorf("%w: %d > %d bytes", ErrFrameTooLarge, n, c.maxSize)
	}

	body := make([]byte, n)
	if _, err := io.ReadFull(c.r, body); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return Frame{}, err
	}

	var f Frame
	if err := json.Unmarshal(body, &f); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	if err := f.Validate(); err != nil {
		return Frame{}, err
	}
	return f, nil
}

func (c *StreamConn) RemoteAddr() string { return c.conn.RemoteAddr().String() }

func (c *StreamConn) Close() error { return c.conn.Close() }
