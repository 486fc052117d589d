// Package wire defines the frames exchanged over the command forwarding
// channel and the codecs that carry them over a byte stream or a
// WebSocket.
package wire

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Type identifies a frame.
type Type string

const (
	// TypeHello is the first frame a client sends after connecting.
	TypeHello Type = "hello"
	// TypeCommand carries one gameplay command from a client to the host.
	TypeCommand Type = "command"
	// TypeSnapshot carries a peer's replicated state from the host.
	TypeSnapshot Type = "snapshot"
	// TypeLeave asks the other side to leave the session.
	TypeLeave Type = "leave"
)

// DefaultMaxFrameSize bounds a single encoded frame.
const DefaultMaxFrameSize = 64 << 10

var (
	// ErrFrameTooLarge is returned for frames over the codec's limit.
	ErrFrameTooLarge = errors.New("frame exceeds size limit")
	// ErrInvalidFrame is returned for frames that fail validation.
	ErrInvalidFrame = errors.New("invalid frame")
)

// Vector is a replicated velocity.
type Vector struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Frame is one message on the forwarding channel.
type Frame struct {
	Type     Type      `json:"type"`
	Peer     uuid.UUID `json:"peer"`
	Slot     int       `json:"slot,omitempty"`
	Seq      uint64    `json:"seq,omitempty"`
	Action   string    `json:"action,omitempty"`
	Velocity *Vector   `json:"velocity,omitempty"`
	Reason   string    `json:"reason,omitempty"`
}

// Validate checks the fields required by the frame's type.
func (f Frame) Validate() error {
	if f.Peer == uuid.Nil {
		return fmt.Errorf("%w: %s frame without peer", ErrInvalidFrame, f.Type)
	}
	switch f.Type {
	case TypeHello, TypeLeave:
		return nil
	case TypeCommand:
		if f.Seq == 0 || f.Action == "" {
			return fmt.Errorf("%w: command frame needs seq and action", ErrInvalidFrame)
		}
		return nil
	case TypeSnapshot:
		if f.Velocity == nil {
			return fmt.Errorf("%w: snapshot frame without velocity", ErrInvalidFrame)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidFrame, f.Type)
	}
}

// Conn is a bidirectional frame channel.  Send may be called from any
// goroutine; Receive from one goroutine at a time.
type Conn interface {
	Send(f Frame) error
	Receive() (Frame, error)
	RemoteAddr() string
	Close() error
}
