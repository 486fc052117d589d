package core

import (
	"context"
	"fmt"

	"mpcore/internal/capability"
)

// connect dials the host at address and installs the link as the
// dispatcher's forwarder.  The transport is closed when the link ends.
func (t *NetTraveler) connect(address string) error {
	if t.Connector == nil {
		return fmt.Errorf("client travel: no connector configured")
	}
	if address == "" {
		return fmt.Errorf("client travel: no host address")
	}
	t.disconnect()

	t.Logger.Verbose("connecting to host at %s", address)
	dialCtx, cancelDial := context.WithTimeout(context.Background(), t.timeout())
	conn, err := t.Connector.Connect(dialCtx, address)
	cancelDial()
	if err != nil {
		return fmt.Errorf("connect to %s: %w", address, err)
	}

	link := capability.NewLink(t.Peer, t.Logger)
	link.OnLeave = func(reason string) {
		t.Loop.Post(func() {
			if t.OnHostLeave != nil {
				t.OnHostLeave(reason)
			}
		})
	}

	ctx, stop := context.WithCancel(context.Background())
	done, err := link.Start(ctx, conn)
	if err != nil {
		stop()
		return fmt.Errorf("connect to %s: %w", address, err)
	}
	go func() {
		if err := <-done; err != nil {
			t.Logger.Warn("%v", err)
		}
	}()

	t.mu.Lock()
	t.link, t.stopLink = link, stop
	t.mu.Unlock()
	t.Dispatcher.SetForwarder(link)
	return nil
}

// disconnect says goodbye to the host and removes the forwarder.
func (t *NetTraveler) disconnect() {
	t.mu.Lock()
	link, stop := t.link, t.stopLink
	t.link, t.stopLink = nil, nil
	t.mu.Unlock()

	if link == nil {
		return
	}
	t.Dispatcher.SetForwarder(nil)
	link.Close() //nolint:errcheck
	stop()
	t.Logger.Verbose("disconnected from host")
}
