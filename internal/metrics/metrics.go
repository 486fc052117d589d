// Package metrics provides lightweight, lock-free counters for the
// session lifecycle and command routing of an mpcore process.
//
// All methods are safe for concurrent use.  A nil *Collector is a
// valid no-op receiver, so callers never need to nil-check.
package metrics

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

// Collector tracks runtime metrics for one process.
// A nil Collector is safe to use; all methods become no-ops.
type Collector struct {
	sessionsCreated    atomic.Int64
	sessionsJoined     atomic.Int64
	sessionsLeft       atomic.Int64
	destroyRetries     atomic.Int64
	staleRegistrations atomic.Int64
	peersActive        atomic.Int64
	commandsLocal      atomic.Int64
	commandsForwarded  atomic.Int64
	commandsApplied    atomic.Int64
	commandsDropped    atomic.Int64
	errorsTotal        atomic.Int64

	mu           sync.RWMutex
	startTime    time.Time
	lastError    time.Time
	lastErrorMsg string
}

// New creates a metrics collector with the start time set to now.
func New() *Collector {
	return &Collector{startTime: time.Now()}
}

// ── Session lifecycle ────────────────────────────────────────────────

// SessionCreated records a successful create.
func (c *Collector) SessionCreated() {
	if c == nil {
		return
	}
	c.sessionsCreated.Add(1)
}

// SessionJoined records a successful join.
func (c *Collector) SessionJoined() {
	if c == nil {
		return
	}
	c.sessionsJoined.Add(1)
}

// SessionLeft records a completed leave.
func (c *Collector) SessionLeft() {
	if c == nil {
		return
	}
	c.sessionsLeft.Add(1)
}

// DestroyRetry records a destroy that had to be reissued because the
// session was still present.
func (c *Collector) DestroyRetry() {
	if c == nil {
		return
	}
	c.destroyRetries.Add(1)
}

// StaleRegistration records a completion that arrived after its slot
// was overwritten and was therefore dropped.
func (c *Collector) StaleRegistration() {
	if c == nil {
		return
	}
	c.staleRegistrations.Add(1)
}

// SessionsCreated returns the lifetime create count.
func (c *Collector) SessionsCreated() int64 {
	if c == nil {
		return 0
	}
	return c.sessionsCreated.Load()
}

// SessionsJoined returns the lifetime join count.
func (c *Collector) SessionsJoined() int64 {
	if c == nil {
		return 0
	}
	return c.sessionsJoined.Load()
}

// SessionsLeft returns the lifetime leave count.
func (c *Collector) SessionsLeft() int64 {
	if c == nil {
		return 0
	}
	return c.sessionsLeft.Load()
}

// DestroyRetries returns the number of reissued destroys.
func (c *Collector) DestroyRetries() int64 {
	if c == nil {
		return 0
	}
	return c.destroyRetries.Load()
}

// StaleRegistrations returns the number of dropped stale completions.
func (c *Collector) StaleRegistrations() int64 {
	if c == nil {
		return 0
	}
	return c.staleRegistrations.Load()
}

// ── Peers ────────────────────────────────────────────────────────────

// PeerConnected increments the active peer gauge on a host.
func (c *Collector) PeerConnected() {
	if c == nil {
		return
	}
	c.peersActive.Add(1)
}

// PeerDisconnected decrements the active peer gauge.
func (c *Collector) PeerDisconnected() {
	if c == nil {
		return
	}
	c.peersActive.Add(-1)
}

// ActivePeers returns the number of connected remote peers.
func (c *Collector) ActivePeers() int64 {
	if c == nil {
		return 0
	}
	return c.peersActive.Load()
}

// ── Commands ─────────────────────────────────────────────────────────

// CommandLocal records a command applied directly by the authority.
func (c *Collector) CommandLocal() {
	if c == nil {
		return
	}
	c.commandsLocal.Add(1)
}

// CommandForwarded records a command sent to the authority.
func (c *Collector) CommandForwarded() {
	if c == nil {
		return
	}
	c.commandsForwarded.Add(1)
}

// CommandApplied records a forwarded command applied on the host.
func (c *Collector) CommandApplied() {
	if c == nil {
		return
	}
	c.commandsApplied.Add(1)
}

// CommandDropped records a received command discarded as a duplicate,
// out of order, or from an unknown issuer.
func (c *Collector) CommandDropped() {
	if c == nil {
		return
	}
	c.commandsDropped.Add(1)
}

// CommandsLocal returns the number of locally applied commands.
func (c *Collector) CommandsLocal() int64 {
	if c == nil {
		return 0
	}
	return c.commandsLocal.Load()
}

// CommandsForwarded returns the number of forwarded commands.
func (c *Collector) CommandsForwarded() int64 {
	if c == nil {
		return 0
	}
	return c.commandsForwarded.Load()
}

// CommandsApplied returns the number of received commands applied.
func (c *Collector) CommandsApplied() int64 {
	if c == nil {
		return 0
	}
	return c.commandsApplied.Load()
}

// CommandsDropped returns the number of received commands discarded.
func (c *Collector) CommandsDropped() int64 {
	if c == nil {
		return 0
	}
	return c.commandsDropped.Load()
}

// ── Error metrics ────────────────────────────────────────────────────

// RecordError increments the error counter and stores the message.
func (c *Collector) RecordError(msg string) {
	if c == nil {
		return
	}
	c.errorsTotal.Add(1)
	c.mu.Lock()
	c.lastError = time.Now()
	c.lastErrorMsg = msg
	c.mu.Unlock()
}

// ErrorCount returns the total number of errors recorded.
func (c *Collector) ErrorCount() int64 {
	if c == nil {
		return 0
	}
	return c.errorsTotal.Load()
}

// ── Snapshot ─────────────────────────────────────────────────────────

// Snapshot is a point-in-time view of all metrics.
type Snapshot struct {
	Uptime             string `json:"uptime"`
	SessionsCreated    int64  `json:"sessions_created"`
	SessionsJoined     int64  `json:"sessions_joined"`
	SessionsLeft       int64  `json:"sessions_left"`
	DestroyRetries     int64  `json:"destroy_retries"`
	StaleRegistrations int64  `json:"stale_registrations"`
	PeersActive        int64  `json:"peers_active"`
	CommandsLocal      int64  `json:"commands_local"`
	CommandsForwarded  int64  `json:"commands_forwarded"`
	CommandsApplied    int64  `json:"commands_applied"`
	CommandsDropped    int64  `json:"commands_dropped"`
	ErrorsTotal        int64  `json:"errors_total"`
	LastError          string `json:"last_error,omitempty"`
	LastErrorMessage   string `json:"last_error_message,omitempty"`
}

// Snapshot returns a copy of all current metrics.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := Snapshot{
		Uptime:             time.Since(c.startTime).Truncate(time.Second).String(),
		SessionsCreated:    c.sessionsCreated.Load(),
		SessionsJoined:     c.sessionsJoined.Load(),
		SessionsLeft:       c.sessionsLeft.Load(),
		DestroyRetries:     c.destroyRetries.Load(),
		StaleRegistrations: c.staleRegistrations.Load(),
		PeersActive:        c.peersActive.Load(),
		CommandsLocal:      c.commandsLocal.Load(),
		CommandsForwarded:  c.commandsForwarded.Load(),
		CommandsApplied:    c.commandsApplied.Load(),
		CommandsDropped:    c.commandsDropped.Load(),
		ErrorsTotal:        c.errorsTotal.Load(),
	}
	if !c.lastError.IsZero() {
		s.LastError = c.lastError.Format(time.RFC3339)
		s.LastErrorMessage = c.lastErrorMsg
	}
	return s
}

// JSON returns the snapshot as an indented JSON string.
func (c *Collector) JSON() string {
	s := c.Snapshot()
	data, _ := json.MarshalIndent(s, "", "  ")
	return string(data)
}
