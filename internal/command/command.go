// Package command routes gameplay commands to the authoritative host.
//
// A command issued on the host is applied immediately.  A command
// issued anywhere else is forwarded exactly once and applied on the
// host through the same Apply path, so the effect never depends on
// where the command originated.
package command

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	ncerr "mpcore/internal/errors"
	"mpcore/internal/metrics"
	"mpcore/util"
)

// ActionID names a gameplay action.
type ActionID int

const (
	ActionLeft ActionID = iota
	ActionRight
)

func (a ActionID) String() string {
	switch a {
	case ActionLeft:
		return "left"
	case ActionRight:
		return "right"
	default:
		return fmt.Sprintf("action(%d)", int(a))
	}
}

// ParseAction maps a wire or console name to an ActionID.
func ParseAction(s string) (ActionID, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "left":
		return ActionLeft, nil
	case "right":
		return ActionRight, nil
	}
	return 0, fmt.Errorf("unknown action %q", s)
}

// PeerRef identifies the player that issued a command.
type PeerRef struct {
	ID   uuid.UUID
	Slot int
}

// Command is one gameplay action from one peer.
type Command struct {
	Action ActionID
	Issuer PeerRef
}

// Executor applies a command to authoritative game state.
type Executor interface {
	Execute(cmd Command)
}

// Forwarder delivers a command to the authoritative host.  Delivery is
// reliable and ordered per sender; Forward does not wait for the host.
type Forwarder interface {
	Forward(cmd Command) error
}

// Dispatcher decides, per command, whether to apply locally or forward.
type Dispatcher struct {
	exec    Executor
	fwd     Forwarder
	metrics *metrics.Collector
	logger  *util.Logger
}

// NewDispatcher returns a dispatcher.  exec may be nil on a process
// that never holds authority; fwd may be nil on one that always does.
func NewDispatcher(exec Executor, fwd Forwarder, m *metrics.Collector, logger *util.Logger) *Dispatcher {
	return &Dispatcher{exec: exec, fwd: fwd, metrics: m, logger: logger.Named("command")}
}

// SetForwarder replaces the forwarder, e.g. once a client link to the
// host is established or torn down.
func (d *Dispatcher) SetForwarder(fwd Forwarder) { d.fwd = fwd }

// Dispatch routes cmd.  With authority the command has been applied
// when Dispatch returns; without it exactly one Forward call was made
// and nothing was applied locally.
func (d *Dispatcher) Dispatch(cmd Command, isAuthority bool) error {
	if isAuthority {
		if d.exec == nil {
			return fmt.Errorf("dispatch %s: no executor on authority", cmd.Action)
		}
		d.Apply(cmd)
		d.metrics.CommandLocal()
		return nil
	}

	if d.fwd == nil {
		return fmt.Errorf("dispatch %s: %w", cmd.Action, ncerr.ErrNotConnected)
	}
	if err := d.fwd.Forward(cmd); err != nil {
		d.metrics.RecordError(err.Error())
		return fmt.Errorf("forward %s: %w", cmd.Action, err)
	}
	d.metrics.CommandForwarded()
	d.logger.Debug("forwarded %s from slot %d", cmd.Action, cmd.Issuer.Slot)
	return nil
}

// Apply executes cmd on this process.  It is the single code path for
// both locally issued and received commands.
func (d *Dispatcher) Apply(cmd Command) {
	d.logger.Debug("applying %s for peer %s", cmd.Action, cmd.Issuer.ID)
	d.exec.Execute(cmd)
}
