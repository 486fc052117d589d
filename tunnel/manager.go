package tunnel

import (
	"context"
	"errors"
	"sync"
	"time"

	"mpcore/util"
)

// DefaultHealthInterval is how often a Monitor checks the gateway.
const DefaultHealthInterval = 10 * time.Second

// Monitor owns a Tunnel for the lifetime of a client's forwarding
// link: it connects the tunnel, checks it with keepalives and reports a
// lost gateway once through OnLost.
type Monitor struct {
	tunnel   Tunnel
	interval time.Duration
	logger   *util.Logger

	// OnLost is called at most once when the gateway stops answering.
	OnLost func(err error)

	mu      sync.Mutex
	stopped bool
	cancel  context.CancelFunc
}

// NewMonitor returns a Monitor for t.  interval <= 0 selects
// DefaultHealthInterval.
func NewMonitor(t Tunnel, interval time.Duration, logger *util.Logger) *Monitor {
	if interval <= 0 {
		interval = DefaultHealthInterval
	}
	return &Monitor{tunnel: t, interval: interval, logger: logger}
}

// Start connects the tunnel and begins background health checks.
func (m *Monitor) Start(ctx context.Context) error {
	if err := m.tunnel.Connect(ctx); err != nil {
		return err
	}
	hctx, cancel := context.WithCancel(context.Background())
	m.mu.Lock()
	m.stopped = false
	m.cancel = cancel
	m.mu.Unlock()

	go m.healthLoop(hctx)
	return nil
}

// Stop ends health checks and closes the tunnel.  OnLost is not called
// for a stopped monitor.
func (m *Monitor) Stop() error {
	m.mu.Lock()
	m.stopped = true
	if m.cancel != nil {
		m.cancel()
	}
	m.mu.Unlock()
	return m.tunnel.Close()
}

// Tunnel returns the monitored tunnel.
func (m *Monitor) Tunnel() Tunnel { return m.tunnel }

func (m *Monitor) healthLoop(ctx context.Context) {
	tick := time.NewTicker(m.interval)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			err := m.check()
			if err == nil {
				continue
			}
			m.mu.Lock()
			done := m.stopped
			m.mu.Unlock()
			if done {
				return
			}
			m.logger.Error("SSH gateway lost: %v", err)
			if m.OnLost != nil {
				m.OnLost(err)
			}
			return
		}
	}
}

func (m *Monitor) check() error {
	if !m.tunnel.IsAlive() {
		return errors.New("connection closed")
	}
	return m.tunnel.Ping()
}
