package core

import (
	"context"
	"fmt"

	"mpcore/internal/capability"
)

// Prepare opens the host listener if it is not open yet and returns
// its bound address.  Hosts call it before creating a session so the
// address can be advertised.
func (t *NetTraveler) Prepare() (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.listener == nil {
		if t.Listen == nil {
			return "", fmt.Errorf("host travel: no listener configured")
		}
		l, err := t.Listen()
		if err != nil {
			return "", fmt.Errorf("host travel: %w", err)
		}
		t.listener = l
		t.Logger.Verbose("listening for peers on %s", l.Addr())
	}
	return t.listener.Addr(), nil
}

// startHosting serves the Receiver on the host listener.
func (t *NetTraveler) startHosting() error {
	if _, err := t.Prepare(); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopServe != nil {
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	l := t.listener
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := t.Receiver.Serve(ctx, l.Accept); err != nil {
			t.Logger.Warn("host listener: %v", err)
		}
	}()
	t.stopServe, t.serveDone = cancel, done
	return nil
}

// stopHosting tells every peer the host is leaving, then closes the
// listener and waits for the accept loop to finish.
func (t *NetTraveler) stopHosting() {
	t.mu.Lock()
	l, cancel, done := t.listener, t.stopServe, t.serveDone
	t.listener, t.stopServe, t.serveDone = nil, nil, nil
	t.mu.Unlock()

	if cancel != nil {
		t.Receiver.LeaveAll(capability.ReasonHostLeft)
		cancel()
	}
	if l != nil {
		l.Close()
	}
	if done != nil {
		<-done
		t.Logger.Verbose("stopped hosting")
	}
}
