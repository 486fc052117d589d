// Package core is the orchestration layer.  It assembles a game
// instance from backends, transports and the session core, and runs
// it in one of the operational modes selected by a Config.
//
// Architecture layers (bottom → top):
//
//	backend, transport  →  session, command, capability  →  flow  →  core  →  cmd (CLI)
//
// The builder in this package is the single dispatch point from
// configuration to a runnable Mode.
package core

import "context"

// Mode represents a complete operational mode of mpcore (host, join,
// find or login).  Each mode owns its full lifecycle from start-up to
// teardown.
type Mode interface {
	Run(ctx context.Context) error
}
