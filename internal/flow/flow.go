// Package flow is the game instance: it owns the session configuration,
// starts hosting, joining and leaving, and travels between levels in
// reaction to session outcomes.
package flow

import (
	"fmt"

	"mpcore/internal/backend"
	ncerr "mpcore/internal/errors"
	"mpcore/internal/player"
	"mpcore/internal/session"
	"mpcore/util"
)

// Traveler moves the local process to a level.  Host travel opens the
// forwarding listener; client travel connects to address.
type Traveler interface {
	TravelToLevel(level player.Level, asHost bool, address string) error
}

// Controller reacts to Session Manager outcomes.  It implements
// session.Flow and, like the manager, runs on the event loop.
type Controller struct {
	cfg       session.Config
	hostLevel player.Level
	players   *player.Registry
	traveler  Traveler
	mgr       *session.Manager
	logger    *util.Logger

	// OnFailure receives create, join and travel failures.
	OnFailure func(err error)
	// OnLogin is called after every login completion.
	OnLogin func(slot int, ok bool, identity string)
	// OnLeft is called once the session is confirmed gone.
	OnLeft func()
}

// New returns a controller hosting hostLevel with cfg.
func New(cfg session.Config, hostLevel player.Level, players *player.Registry, traveler Traveler, logger *util.Logger) *Controller {
	if logger == nil {
		logger = util.NewLogger(0)
	}
	return &Controller{
		cfg:       cfg,
		hostLevel: hostLevel,
		players:   players,
		traveler:  traveler,
		logger:    logger.Named("flow"),
	}
}

// Attach binds the manager the controller drives.  The manager is built
// with the controller as its Flow, so the two are wired in two steps.
func (c *Controller) Attach(m *session.Manager) { c.mgr = m }

// ── session.Flow ─────────────────────────────────────────────────────

// SessionConfig returns a copy of the current configuration.
func (c *Controller) SessionConfig() session.Config { return c.cfg }

// SetSessionConfig replaces the configuration used by the next host or
// join.
func (c *Controller) SetSessionConfig(cfg session.Config) { c.cfg = cfg }

func (c *Controller) HostLevel() player.Level { return c.hostLevel }

// DisableLAN switches later operations to the online backend.
func (c *Controller) DisableLAN() {
	if c.cfg.LANEnabled {
		c.logger.Verbose("LAN disabled")
	}
	c.cfg.LANEnabled = false
}

// OnSessionLeft returns every local player to the main menu.
func (c *Controller) OnSessionLeft() {
	c.players.ReturnToMenu()
	if err := c.traveler.TravelToLevel(player.MainMenu, false, ""); err != nil {
		c.logger.Warn("return to menu: %v", err)
	}
	if c.OnLeft != nil {
		c.OnLeft()
	}
}

func (c *Controller) OnLoginComplete(slot int, ok bool, identity string) {
	if ok {
		c.logger.Info("slot %d login complete", slot)
	} else {
		c.logger.Error("slot %d login failed", slot)
	}
	if c.OnLogin != nil {
		c.OnLogin(slot, ok, identity)
	}
}

// ── Operations ───────────────────────────────────────────────────────

// HostGame creates a session and travels to the host level.
func (c *Controller) HostGame(slot int) error {
	if c.mgr == nil {
		return fmt.Errorf("host game: no session manager attached")
	}
	c.mgr.CreateSession(slot, c.cfg, func(name string, ok bool) {
		c.OnSessionCreated(slot, name, ok)
	})
	return nil
}

// OnSessionCreated travels as host after a successful create.  The
// player's level only changes once travel succeeds.
func (c *Controller) OnSessionCreated(slot int, name string, ok bool) {
	if !ok {
		err := c.mgr.LastError()
		if err == nil {
			err = fmt.Errorf("create %s failed", name)
		}
		c.logger.Error("host game: %v", err)
		c.fail(err)
		return
	}
	if err := c.traveler.TravelToLevel(c.hostLevel, true, ""); err != nil {
		c.travelFailed(c.hostLevel, true, err)
		return
	}
	c.players.SetMultiplayer(slot, true)
	c.players.EnterLevel(slot, c.hostLevel)
	c.logger.Info("hosting %s on %s", name, c.hostLevel)
}

// JoinGame finds a session and joins the first result.  The player is
// marked multiplayer up front and reverted if the join fails.
func (c *Controller) JoinGame(slot int) error {
	if c.mgr == nil {
		return fmt.Errorf("join game: no session manager attached")
	}
	c.players.SetMultiplayer(slot, true)
	c.mgr.JoinSession(slot, func(level player.Level, outcome backend.JoinOutcome) {
		c.OnSessionJoined(slot, level, outcome)
	})
	return nil
}

// OnSessionJoined travels to the host after a successful join.
func (c *Controller) OnSessionJoined(slot int, level player.Level, outcome backend.JoinOutcome) {
	if outcome != backend.JoinSuccess {
		c.players.SetMultiplayer(slot, false)
		err := &ncerr.JoinError{Outcome: outcome}
		c.logger.Error("%v", err)
		c.fail(err)
		return
	}

	addr, ok := c.mgr.ConnectString()
	if !ok {
		c.players.SetMultiplayer(slot, false)
		err := &ncerr.JoinError{Outcome: backend.JoinAddressUnresolvable}
		c.logger.Error("%v", err)
		c.fail(err)
		return
	}
	if err := c.traveler.TravelToLevel(level, false, addr); err != nil {
		c.players.SetMultiplayer(slot, false)
		c.travelFailed(level, false, err)
		return
	}
	c.players.EnterLevel(slot, level)
	c.logger.Info("joined session at %s, now in %s", addr, level)
}

// LeaveGame destroys the current session.  It reports false when there
// was none.
func (c *Controller) LeaveGame() bool {
	if c.mgr == nil {
		return false
	}
	return c.mgr.LeaveSession(func(err error) {
		if err != nil {
			c.fail(err)
		}
	})
}

// Login starts a login for slot.
func (c *Controller) Login(slot int, creds backend.Credentials) error {
	if c.mgr == nil {
		return fmt.Errorf("login: no session manager attached")
	}
	return c.mgr.ShowLoginScreen(slot, creds)
}

func (c *Controller) travelFailed(level player.Level, asHost bool, cause error) {
	err := &ncerr.TravelError{Level: level, AsHost: asHost, Err: cause}
	c.logger.Error("%v", err)
	c.fail(err)
}

func (c *Controller) fail(err error) {
	if c.OnFailure != nil {
		c.OnFailure(err)
	}
}
