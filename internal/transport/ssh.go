package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"mpcore/tunnel"
	"mpcore/util"
)

// SSHDialer routes the forwarding connection through an SSH gateway.
// The gateway is connected lazily on the first Dial, watched by a
// tunnel.Monitor, and reconnected on the next Dial after it is lost.
type SSHDialer struct {
	monitor *tunnel.Monitor
	config  *tunnel.SSHConfig
	logger  *util.Logger

	// OnLost is called when an established gateway stops answering.
	OnLost func(err error)

	mu        sync.Mutex
	connected bool
}

// NewSSHDialer creates a dialer that forwards through the gateway in
// cfg, probing it every healthInterval.
func NewSSHDialer(cfg *tunnel.SSHConfig, healthInterval time.Duration, logger *util.Logger) *SSHDialer {
	return newSSHDialer(tunnel.NewSSHTunnel(cfg, logger), cfg, healthInterval, logger)
}

func newSSHDialer(t tunnel.Tunnel, cfg *tunnel.SSHConfig, healthInterval time.Duration, logger *util.Logger) *SSHDialer {
	d := &SSHDialer{config: cfg, logger: logger}
	d.monitor = tunnel.NewMonitor(t, healthInterval, logger)
	d.monitor.OnLost = d.lost
	return d
}

// connect establishes the gateway connection if not already connected.
func (d *SSHDialer) connect(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.connected {
		return nil
	}

	d.logger.Verbose("connecting to SSH gateway %s@%s", d.config.User, d.config.Addr())
	if err := d.monitor.Start(ctx); err != nil {
		return fmt.Errorf("gateway: %w", err)
	}

	d.connected = true
	d.logger.Verbose("SSH gateway connected")
	return nil
}

// Dial connects to address through the gateway.
func (d *SSHDialer) Dial(ctx context.Context, network, address string) (net.Conn, error) {
	if err := d.connect(ctx); err != nil {
		return nil, err
	}
	return d.monitor.Tunnel().Dial(ctx, network, address)
}

// Close tears down the gateway connection.
func (d *SSHDialer) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.connected {
		d.connected = false
		return d.monitor.Stop()
	}
	return nil
}

func (d *SSHDialer) lost(err error) {
	d.mu.Lock()
	d.connected = false
	d.monitor.Tunnel().Close() //nolint:errcheck
	d.mu.Unlock()
	if d.OnLost != nil {
		d.OnLost(err)
	}
}
