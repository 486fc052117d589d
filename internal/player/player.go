// Package player holds the per-local-player session context: login
// state, current level and multiplayer flag.
package player

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Level identifies where a player is.  MainMenu is the only level that
// is not in-game.
type Level int

const (
	MainMenu Level = iota
	SomeLevel
	SomeOtherLevel
)

func (l Level) String() string {
	switch l {
	case MainMenu:
		return "main menu"
	case SomeLevel:
		return "some level"
	case SomeOtherLevel:
		return "some other level"
	default:
		return fmt.Sprintf("level(%d)", int(l))
	}
}

// InGame reports whether l is a gameplay level.
func (l Level) InGame() bool { return l != MainMenu }

// ParseLevel maps a level name or number to a Level.
func ParseLevel(s string) (Level, error) {
	switch s {
	case "menu", "main-menu", "0":
		return MainMenu, nil
	case "some-level", "1":
		return SomeLevel, nil
	case "some-other-level", "2":
		return SomeOtherLevel, nil
	}
	return MainMenu, fmt.Errorf("unknown level %q (want some-level or some-other-level)", s)
}

// Context is one local player's session state.
type Context struct {
	Slot           int
	PeerID         uuid.UUID
	Identity       string // empty until login succeeds
	CurrentLevel   Level
	IsMultiplayer  bool
	IsLoggedIn     bool
	ShowInGameMenu bool
}

// Registry tracks the contexts of all local players, keyed by slot and
// by peer id.
type Registry struct {
	mu     sync.RWMutex
	bySlot map[int]*Context
	byPeer map[uuid.UUID]*Context
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		bySlot: make(map[int]*Context),
		byPeer: make(map[uuid.UUID]*Context),
	}
}

// Add creates the context for a newly added local player with the
// defaults: main menu, single player, logged out, menu hidden.  Adding
// an existing slot returns the existing context unchanged.
func (r *Registry) Add(slot int) Context {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.bySlot[slot]; ok {
		return *c
	}
	c := &Context{Slot: slot, PeerID: uuid.New(), CurrentLevel: MainMenu}
	r.bySlot[slot] = c
	r.byPeer[c.PeerID] = c
	return *c
}

// Get returns a copy of the context of slot.
func (r *Registry) Get(slot int) (Context, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.bySlot[slot]
	if !ok {
		return Context{}, false
	}
	return *c, true
}

// ByPeer returns a copy of the context owned by peer.
func (r *Registry) ByPeer(peer uuid.UUID) (Context, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byPeer[peer]
	if !ok {
		return Context{}, false
	}
	return *c, true
}

// ── Mutations ────────────────────────────────────────────────────────
//
// Each mutation reports false when the slot has no context.

// MarkLoggedIn records a successful login.
func (r *Registry) MarkLoggedIn(slot int, identity string) bool {
	return r.update(slot, func(c *Context) {
		c.IsLoggedIn = true
		c.Identity = identity
	})
}

// MarkLoggedOut clears the login state.
func (r *Registry) MarkLoggedOut(slot int) bool {
	return r.update(slot, func(c *Context) {
		c.IsLoggedIn = false
		c.Identity = ""
	})
}

// EnterLevel moves the player to level.
func (r *Registry) EnterLevel(slot int, level Level) bool {
	return r.update(slot, func(c *Context) { c.CurrentLevel = level })
}

// SetMultiplayer sets the multiplayer flag.
func (r *Registry) SetMultiplayer(slot int, on bool) bool {
	return r.update(slot, func(c *Context) { c.IsMultiplayer = on })
}

// ToggleInGameMenu flips the in-game menu flag.  It has no effect in
// the main menu.
func (r *Registry) ToggleInGameMenu(slot int) bool {
	return r.update(slot, func(c *Context) {
		if c.CurrentLevel.InGame() {
			c.ShowInGameMenu = !c.ShowInGameMenu
		}
	})
}

// ReturnToMenu resets every player to the main menu, single player,
// with the in-game menu hidden.
func (r *Registry) ReturnToMenu() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.bySlot {
		c.CurrentLevel = MainMenu
		c.IsMultiplayer = false
		c.ShowInGameMenu = false
	}
}

func (r *Registry) update(slot int, fn func(*Context)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.bySlot[slot]
	if !ok {
		return false
	}
	fn(c)
	return true
}
