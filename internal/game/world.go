// Package game is the host's authoritative world: one pawn per
// connected peer, moved by applied commands.
package game

import (
	"sync"

	"github.com/google/uuid"

	"mpcore/internal/command"
	"mpcore/util"
)

// Acceleration is the velocity change per Left/Right action along Y.
const Acceleration = 10.0

// Vec3 is a velocity.
type Vec3 struct {
	X, Y, Z float64
}

// Add returns v+o.
func (v Vec3) Add(o Vec3) Vec3 { return Vec3{v.X + o.X, v.Y + o.Y, v.Z + o.Z} }

// Pawn is a peer's avatar in the world.
type Pawn struct {
	Peer     uuid.UUID
	Velocity Vec3
}

// World implements command.Executor.  Capacity bounds how many pawns
// can be spawned, one per session connection.
type World struct {
	mu       sync.Mutex
	capacity int
	pawns    map[uuid.UUID]*Pawn
	applied  int
	logger   *util.Logger

	// OnApplied is called after each command with the issuer's pawn.
	OnApplied func(cmd command.Command, pawn Pawn)
}

// NewWorld returns an empty world with room for capacity pawns.
func NewWorld(capacity int, logger *util.Logger) *World {
	return &World{
		capacity: capacity,
		pawns:    make(map[uuid.UUID]*Pawn),
		logger:   logger.Named("world"),
	}
}

// Spawn gives peer a pawn.  It reports false when the world is full.
// Spawning an existing peer is a no-op that succeeds.
func (w *World) Spawn(peer uuid.UUID) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.pawns[peer]; ok {
		return true
	}
	if len(w.pawns) >= w.capacity {
		return false
	}
	w.pawns[peer] = &Pawn{Peer: peer}
	return true
}

// Despawn removes peer's pawn.
func (w *World) Despawn(peer uuid.UUID) {
	w.mu.Lock()
	delete(w.pawns, peer)
	w.mu.Unlock()
}

// Execute applies cmd to the issuer's pawn.  Commands from peers
// without a pawn are ignored.
func (w *World) Execute(cmd command.Command) {
	w.mu.Lock()
	p, ok := w.pawns[cmd.Issuer.ID]
	if !ok {
		w.mu.Unlock()
		w.logger.Verbose("ignoring %s from %s: no pawn", cmd.Action, cmd.Issuer.ID)
		return
	}
	switch cmd.Action {
	case command.ActionLeft:
		p.Velocity = p.Velocity.Add(Vec3{Y: -Acceleration})
	case command.ActionRight:
		p.Velocity = p.Velocity.Add(Vec3{Y: Acceleration})
	}
	w.applied++
	snapshot := *p
	hook := w.OnApplied
	w.mu.Unlock()

	if hook != nil {
		hook(cmd, snapshot)
	}
}

// Pawn returns a copy of peer's pawn.
func (w *World) Pawn(peer uuid.UUID) (Pawn, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	p, ok := w.pawns[peer]
	if !ok {
		return Pawn{}, false
	}
	return *p, true
}

// Population returns the number of spawned pawns.
func (w *World) Population() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pawns)
}

// Applied returns how many commands have moved a pawn.
func (w *World) Applied() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.applied
}
