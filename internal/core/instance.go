package core

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"mpcore/internal/backend"
	"mpcore/internal/capability"
	"mpcore/internal/command"
	ncerr "mpcore/internal/errors"
	"mpcore/internal/eventloop"
	"mpcore/internal/flow"
	"mpcore/internal/game"
	"mpcore/internal/metrics"
	"mpcore/internal/player"
	"mpcore/internal/retry"
	"mpcore/internal/session"
	"mpcore/internal/transport"
	"mpcore/util"
)

// ShutdownGrace bounds how long an interrupted instance waits for its
// session to be left.
var ShutdownGrace = 5 * time.Second

// InstanceOptions wires an Instance.
type InstanceOptions struct {
	Slot      int
	Session   session.Config
	HostLevel player.Level

	Backends   backend.Selector
	Identities session.IdentityStore // optional

	// Listen opens the host listener; Connector reaches a host.
	Listen    func() (transport.Listener, error)
	Connector transport.Connector

	// AdvertiseAddr overrides the address published in HOSTADDR.
	// AdvertiseHost replaces a wildcard bind host when it is empty.
	AdvertiseAddr string
	AdvertiseHost string

	DestroyRetry *retry.Backoff
	Timeout      time.Duration
	Out          io.Writer // defaults to os.Stdout
	Logger       *util.Logger

	// Closers are released by Close, e.g. backend clients.
	Closers []io.Closer
}

// Instance is one running game process: the event loop and everything
// that runs on it.
type Instance struct {
	Slot       int
	Loop       *eventloop.Loop
	Metrics    *metrics.Collector
	Players    *player.Registry
	World      *game.World
	Dispatcher *command.Dispatcher
	Receiver   *capability.Receiver
	Traveler   *NetTraveler
	Flow       *flow.Controller
	Manager    *session.Manager
	Out        io.Writer
	Logger     *util.Logger

	advertiseAddr string
	advertiseHost string
	closers       []io.Closer

	once sync.Once
	done chan struct{}
	err  error
}

// NewInstance assembles an instance and adds the local player in
// opts.Slot.
func NewInstance(opts InstanceOptions) (*Instance, error) {
	logger := opts.Logger
	if logger == nil {
		logger = util.NewLogger(0)
	}
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}
	if opts.Session.MaxConnections <= 0 {
		return nil, fmt.Errorf("instance: max connections must be positive")
	}

	loop := eventloop.New()
	m := metrics.New()
	players := player.NewRegistry()
	local := players.Add(opts.Slot)

	// the host's own pawn counts toward max connections
	world := game.NewWorld(opts.Session.MaxConnections, logger)
	world.Spawn(local.PeerID)

	dispatcher := command.NewDispatcher(world, nil, m, logger)
	receiver := capability.NewReceiver(world, dispatcher, loop, m, logger)
	receiver.Players = players
	traveler := &NetTraveler{
		Listen:     opts.Listen,
		Connector:  opts.Connector,
		Receiver:   receiver,
		Dispatcher: dispatcher,
		Loop:       loop,
		Peer:       command.PeerRef{ID: local.PeerID, Slot: opts.Slot},
		Timeout:    opts.Timeout,
		Logger:     logger.Named("travel"),
	}

	fl := flow.New(opts.Session, opts.HostLevel, players, traveler, logger)
	mgr, err := session.NewManager(session.Options{
		Backends:     opts.Backends,
		Flow:         fl,
		Players:      players,
		Scheduler:    loop,
		Identities:   opts.Identities,
		Metrics:      m,
		Logger:       logger,
		DestroyRetry: opts.DestroyRetry,
	})
	if err != nil {
		return nil, err
	}
	fl.Attach(mgr)

	i := &Instance{
		Slot:          opts.Slot,
		Loop:          loop,
		Metrics:       m,
		Players:       players,
		World:         world,
		Dispatcher:    dispatcher,
		Receiver:      receiver,
		Traveler:      traveler,
		Flow:          fl,
		Manager:       mgr,
		Out:           out,
		Logger:        logger,
		advertiseAddr: opts.AdvertiseAddr,
		advertiseHost: opts.AdvertiseHost,
		closers:       opts.Closers,
		done:          make(chan struct{}),
	}

	traveler.OnHostLeave = func(reason string) {
		i.Logger.Info("host ended the session: %s", reason)
		if !fl.LeaveGame() {
			i.Finish(nil)
		}
	}
	fl.OnLeft = func() { i.Finish(nil) }
	fl.OnFailure = func(err error) {
		m.RecordError(err.Error())
		i.Finish(err)
	}
	return i, nil
}

// ── Operations (run on the loop) ─────────────────────────────────────

// Host opens the host listener, advertises its address and creates a
// session for the local player.
func (i *Instance) Host() error {
	bound, err := i.Traveler.Prepare()
	if err != nil {
		return err
	}
	addr, err := util.AdvertiseAddr(bound, i.advertiseAddr, i.advertiseHost)
	if err != nil {
		return err
	}
	i.Manager.SetAdvertiseAddr(addr)
	i.Logger.Verbose("advertising %s", addr)
	return i.Flow.HostGame(i.Slot)
}

// Join finds a session and joins the first result.
func (i *Instance) Join() error {
	return i.Flow.JoinGame(i.Slot)
}

// Command issues action for the local player.  It is applied here when
// this process has authority and forwarded to the host otherwise.
func (i *Instance) Command(action command.ActionID) error {
	local, ok := i.Players.Get(i.Slot)
	if !ok {
		return fmt.Errorf("no local player in slot %d", i.Slot)
	}
	cmd := command.Command{Action: action, Issuer: command.PeerRef{ID: local.PeerID, Slot: i.Slot}}
	return i.Dispatcher.Dispatch(cmd, i.HasAuthority())
}

// HasAuthority reports whether commands are applied locally: always in
// single player, and on the host of a session.
func (i *Instance) HasAuthority() bool {
	local, ok := i.Players.Get(i.Slot)
	if !ok || !local.IsMultiplayer {
		return true
	}
	return i.Manager.IsHosting()
}

// Quit leaves the current session, if any, and finishes the instance
// once the session is gone.
func (i *Instance) Quit() {
	if !i.Flow.LeaveGame() {
		i.Finish(nil)
	}
}

// Status describes the local player and the counters.
func (i *Instance) Status() string {
	local, _ := i.Players.Get(i.Slot)
	role := "offline"
	switch {
	case i.Manager.IsHosting():
		role = "host"
	case i.Manager.InSession():
		role = "client"
	}
	s := fmt.Sprintf("slot %d (%s): %s, level %s, logged in %v, menu %v\n",
		local.Slot, local.PeerID, role, local.CurrentLevel, local.IsLoggedIn, local.ShowInGameMenu)
	if pawn, ok := i.World.Pawn(local.PeerID); ok && i.HasAuthority() {
		s += fmt.Sprintf("velocity (%.0f, %.0f, %.0f), %d pawns, %d commands applied\n",
			pawn.Velocity.X, pawn.Velocity.Y, pawn.Velocity.Z, i.World.Population(), i.World.Applied())
	}
	return s + i.Metrics.JSON() + "\n"
}

// ── Lifecycle ────────────────────────────────────────────────────────

// Finish ends Run with err.  Only the first call counts.
func (i *Instance) Finish(err error) {
	i.once.Do(func() {
		i.err = err
		close(i.done)
	})
}

// Done is closed once the instance has finished.
func (i *Instance) Done() <-chan struct{} { return i.done }

// Run drives the loop, posts start once the login handlers are bound
// and returns when the instance finishes or ctx is cancelled.  A start
// error finishes the instance.
func (i *Instance) Run(ctx context.Context, start func() error) error {
	// the loop outlives ctx so an interrupted session can still be left
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()

	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		i.Loop.Run(runCtx) //nolint:errcheck
	}()

	i.Loop.Post(func() {
		i.Manager.Initialize()
		if err := start(); err != nil {
			i.Finish(err)
		}
	})

	select {
	case <-i.done:
	case <-ctx.Done():
		i.Logger.Verbose("interrupted, leaving session")
		i.Loop.Post(i.Quit)
		select {
		case <-i.done:
		case <-time.After(ShutdownGrace):
			i.Logger.Warn("session not left after %v", ShutdownGrace)
		}
	}
	cancel()
	<-loopDone
	return i.err
}

// Close releases the transports, backends and stores.
func (i *Instance) Close() error {
	var errs []error
	if err := i.Traveler.Close(); err != nil {
		errs = append(errs, err)
	}
	for _, c := range i.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return ncerr.Join(errs...)
}
