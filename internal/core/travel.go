package core

import (
	"context"
	"sync"
	"time"

	"mpcore/internal/capability"
	"mpcore/internal/command"
	"mpcore/internal/player"
	"mpcore/internal/transport"
	"mpcore/util"
)

// NetTraveler implements flow.Traveler over the forwarding channel.
// Travelling as host serves a Receiver on the host listener; travelling
// as a client connects a Link to the host and makes it the dispatcher's
// forwarder.  Travelling to the main menu tears both down.
type NetTraveler struct {
	Listen     func() (transport.Listener, error)
	Connector  transport.Connector
	Receiver   *capability.Receiver
	Dispatcher *command.Dispatcher
	Loop       capability.Poster
	Peer       command.PeerRef
	Timeout    time.Duration
	Logger     *util.Logger

	// OnHostLeave runs on the loop when the host ends this client's
	// connection.
	OnHostLeave func(reason string)

	mu        sync.Mutex
	listener  transport.Listener
	stopServe context.CancelFunc
	serveDone chan struct{}
	link      *capability.Link
	stopLink  context.CancelFunc
}

// TravelToLevel moves this process to level.
func (t *NetTraveler) TravelToLevel(level player.Level, asHost bool, address string) error {
	if level == player.MainMenu {
		t.stopHosting()
		t.disconnect()
		return nil
	}
	if asHost {
		return t.startHosting()
	}
	return t.connect(address)
}

// Hosting reports whether the host listener is being served.
func (t *NetTraveler) Hosting() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopServe != nil
}

// Connected reports whether a client link to a host is up.
func (t *NetTraveler) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.link != nil
}

// Close tears down hosting and any client link and releases the
// connector.
func (t *NetTraveler) Close() error {
	t.stopHosting()
	t.disconnect()
	if t.Connector != nil {
		return t.Connector.Close()
	}
	return nil
}

func (t *NetTraveler) timeout() time.Duration {
	if t.Timeout > 0 {
		return t.Timeout
	}
	return 10 * time.Second
}
