// Package session owns the multiplayer session lifecycle: create, find,
// join, leave and login against an online backend.
//
// Every operation is asynchronous.  Backend completions are posted onto
// the event loop and delivered from there, so the manager itself is
// only ever touched by one goroutine.  Each operation kind has a single
// continuation slot: issuing an operation while one of the same kind is
// pending supersedes it, and the superseded completion is dropped with
// a warning when it eventually arrives.
package session

import (
	"context"
	"fmt"
	"time"

	"mpcore/internal/backend"
	ncerr "mpcore/internal/errors"
	"mpcore/internal/metrics"
	"mpcore/internal/player"
	"mpcore/internal/retry"
	"mpcore/util"
)

// GameSessionName is the key of the one session a process hosts or
// joins.
const GameSessionName = "GameSession"

// MaxSearchResults caps a session search.
const MaxSearchResults = 10000

// Kind is an operation kind with its own continuation slot.
type Kind int

const (
	KindCreate Kind = iota
	KindFind
	KindJoin
	KindDestroy
	KindLogin
	KindLogout
	numKinds
)

func (k Kind) String() string {
	switch k {
	case KindCreate:
		return "create"
	case KindFind:
		return "find"
	case KindJoin:
		return "join"
	case KindDestroy:
		return "destroy"
	case KindLogin:
		return "login"
	case KindLogout:
		return "logout"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Scheduler runs events on the single logical thread.
type Scheduler interface {
	Post(ev func()) bool
	PostAfter(d time.Duration, ev func()) *time.Timer
}

// Flow is the game instance reacting to lifecycle outcomes and owning
// the session configuration.
type Flow interface {
	SessionConfig() Config
	HostLevel() player.Level
	DisableLAN()
	OnSessionLeft()
	OnLoginComplete(slot int, ok bool, identity string)
}

// IdentityStore persists login identities across runs.
type IdentityStore interface {
	Save(ctx context.Context, slot int, identity string) error
	Load(ctx context.Context, slot int) (string, bool, error)
	Delete(ctx context.Context, slot int) error
}

// Options wires a Manager.
type Options struct {
	Backends   backend.Selector
	Flow       Flow
	Players    *player.Registry
	Scheduler  Scheduler
	Identities IdentityStore // optional
	Metrics    *metrics.Collector
	Logger     *util.Logger

	// DestroyRetry bounds LeaveSession when the backend leaves residual
	// state.  Defaults to DefaultDestroyRetry.
	DestroyRetry *retry.Backoff

	// AdvertiseAddr is the forwarding address published with hosted
	// sessions.
	AdvertiseAddr string

	// Context scopes backend calls.  Defaults to context.Background.
	Context context.Context
}

// DefaultDestroyRetry allows five destroy attempts, 250ms apart and
// doubling up to 5s.
func DefaultDestroyRetry() *retry.Backoff {
	return &retry.Backoff{
		InitialDelay: 250 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2,
		MaxAttempts:  5,
	}
}

type pending struct {
	slot  int
	token uint64
}

// Manager is the session state machine.  All methods must be called on
// the scheduler's thread.
type Manager struct {
	backends backend.Selector
	flow     Flow
	players  *player.Registry
	sched    Scheduler
	store    IdentityStore
	metrics  *metrics.Collector
	logger   *util.Logger
	destroy  *retry.Backoff
	ctx      context.Context

	advertiseAddr string

	slots     [numKinds]*pending
	nextToken uint64

	onLogin  func(slot int, identity string, ok bool)
	onLogout func(slot int, ok bool)

	active       backend.Backend
	lastSettings backend.Settings
	lastErr      error
}

// NewManager builds a manager.  Backends, Flow, Players and Scheduler
// are required.
func NewManager(opts Options) (*Manager, error) {
	if opts.Backends.LAN == nil && opts.Backends.Online == nil {
		return nil, fmt.Errorf("session manager: no backend configured")
	}
	if opts.Flow == nil || opts.Players == nil || opts.Scheduler == nil {
		return nil, fmt.Errorf("session manager: flow, players and scheduler are required")
	}
	if opts.DestroyRetry == nil {
		opts.DestroyRetry = DefaultDestroyRetry()
	}
	if opts.Context == nil {
		opts.Context = context.Background()
	}
	if opts.Logger == nil {
		opts.Logger = util.NewLogger(0)
	}
	return &Manager{
		backends:      opts.Backends,
		flow:          opts.Flow,
		players:       opts.Players,
		sched:         opts.Scheduler,
		store:         opts.Identities,
		metrics:       opts.Metrics,
		logger:        opts.Logger.Named("session"),
		destroy:       opts.DestroyRetry,
		ctx:           opts.Context,
		advertiseAddr: opts.AdvertiseAddr,
	}, nil
}

// SetAdvertiseAddr changes the forwarding address published by the next
// CreateSession.
func (m *Manager) SetAdvertiseAddr(addr string) { m.advertiseAddr = addr }

// ── Create / find / join ─────────────────────────────────────────────

// CreateSession hosts a new session for the local player in slot.  cb
// receives the session name and whether the backend accepted it.
func (m *Manager) CreateSession(slot int, cfg Config, cb func(name string, ok bool)) {
	token := m.register(KindCreate, slot)
	b := m.backends.For(cfg.LANEnabled)

	settings := BuildSettings(cfg, m.flow.HostLevel(), m.advertiseAddr)
	m.lastSettings = settings

	fail := func(err error) {
		m.reject(KindCreate, b, err)
		cb(GameSessionName, false)
	}
	if err := cfg.Validate(); err != nil {
		m.post(KindCreate, token, func() { fail(err) })
		return
	}

	m.logger.Info("slot %d creating %s on %s (%d public, %d private)",
		slot, GameSessionName, b.Name(), settings.NumPublicConnections, settings.NumPrivateConnections)

	err := b.CreateSession(m.ctx, slot, GameSessionName, settings, func(ok bool) {
		m.post(KindCreate, token, func() {
			if !ok {
				fail(nil)
				return
			}
			m.active = b
			m.metrics.SessionCreated()
			cb(GameSessionName, true)
		})
	})
	if err != nil {
		m.post(KindCreate, token, func() { fail(err) })
	}
}

// FindSessions searches for sessions matching the LAN flag.
func (m *Manager) FindSessions(slot int, lan bool, cb func(results []backend.SearchResult, err error)) {
	token := m.register(KindFind, slot)
	b := m.backends.For(lan)
	spec := backend.SearchSpec{MaxResults: MaxSearchResults, LAN: lan, Presence: true}

	fail := func(err error) {
		cb(nil, m.reject(KindFind, b, err))
	}

	err := b.FindSessions(m.ctx, slot, spec, func(results []backend.SearchResult, ok bool) {
		m.post(KindFind, token, func() {
			if !ok {
				fail(nil)
				return
			}
			m.logger.Verbose("slot %d found %d sessions on %s", slot, len(results), b.Name())
			cb(results, nil)
		})
	})
	if err != nil {
		m.post(KindFind, token, func() { fail(err) })
	}
}

// JoinSession finds sessions with the current LAN flag and joins the
// first result.  When nothing is found no join is issued and cb gets
// JoinNoSessionFound.
func (m *Manager) JoinSession(slot int, cb func(level player.Level, outcome backend.JoinOutcome)) {
	lan := m.flow.SessionConfig().LANEnabled
	m.FindSessions(slot, lan, func(results []backend.SearchResult, err error) {
		if err != nil || len(results) == 0 {
			m.logger.Error("slot %d join: %v", slot, ncerr.ErrNoSessionFound)
			cb(player.MainMenu, backend.JoinNoSessionFound)
			return
		}
		m.JoinResult(slot, results[0], cb)
	})
}

// JoinResult joins a specific search result.  The advertised level tag
// is read before the join is issued and handed to cb with the outcome.
func (m *Manager) JoinResult(slot int, result backend.SearchResult, cb func(level player.Level, outcome backend.JoinOutcome)) {
	level, ok := LevelOf(result.Settings)
	if !ok {
		m.logger.Warn("session %s advertises no level tag", result.SessionID)
	}

	token := m.register(KindJoin, slot)
	b := m.backends.For(result.Settings.IsLANMatch)

	err := b.JoinSession(m.ctx, slot, GameSessionName, result, func(outcome backend.JoinOutcome) {
		m.post(KindJoin, token, func() {
			if outcome == backend.JoinSuccess {
				m.active = b
				m.metrics.SessionJoined()
			} else {
				m.lastErr = &ncerr.JoinError{Outcome: outcome}
			}
			cb(level, outcome)
		})
	})
	if err != nil {
		m.post(KindJoin, token, func() {
			m.reject(KindJoin, b, err)
			cb(level, backend.JoinUnknownError)
		})
	}
}

// ConnectString resolves the forwarding address of the joined session.
func (m *Manager) ConnectString() (string, bool) {
	b := m.current()
	return b.ConnectString(GameSessionName)
}

// ── Leave ────────────────────────────────────────────────────────────

// LeaveSession destroys the current session.  It reports false, making
// no backend call, when there is no session.  Otherwise done is called
// once the session is confirmed gone, or with ErrDestroyDiverged when
// the retry budget runs out first.
func (m *Manager) LeaveSession(done func(err error)) bool {
	b := m.current()
	if _, ok := b.NamedSession(GameSessionName); !ok {
		m.logger.Verbose("leave: no %s to destroy", GameSessionName)
		return false
	}
	token := m.register(KindDestroy, -1)
	m.destroyAttempt(b, token, 1, done)
	return true
}

func (m *Manager) destroyAttempt(b backend.Backend, token uint64, attempt int, done func(error)) {
	m.logger.Verbose("destroying %s on %s (attempt %d)", GameSessionName, b.Name(), attempt)
	err := b.DestroySession(m.ctx, GameSessionName, func(ok bool) {
		m.sched.Post(func() { m.destroyed(b, token, attempt, ok, done) })
	})
	if err != nil {
		m.logger.Warn("destroy refused: %v", err)
		m.sched.Post(func() { m.destroyed(b, token, attempt, false, done) })
	}
}

func (m *Manager) destroyed(b backend.Backend, token uint64, attempt int, ok bool, done func(error)) {
	if !m.owns(KindDestroy, token) {
		m.stale(KindDestroy)
		return
	}
	if !ok {
		m.logger.Warn("destroy of %s reported failure", GameSessionName)
	}

	if _, still := b.NamedSession(GameSessionName); !still {
		m.slots[KindDestroy] = nil
		m.active = nil
		m.metrics.SessionLeft()
		m.logger.Info("left %s", GameSessionName)
		m.flow.OnSessionLeft()
		if done != nil {
			done(nil)
		}
		return
	}

	if m.destroy.Exhausted(attempt) {
		m.slots[KindDestroy] = nil
		err := fmt.Errorf("%s after %d attempts: %w", GameSessionName, attempt, ncerr.ErrDestroyDiverged)
		m.lastErr = err
		m.metrics.RecordError(err.Error())
		m.logger.Error("leave: %v", err)
		if done != nil {
			done(err)
		}
		return
	}

	delay := m.destroy.Delay(attempt)
	m.metrics.DestroyRetry()
	m.logger.Warn("%s still present after destroy, retrying in %v", GameSessionName, delay)
	m.sched.PostAfter(delay, func() {
		if !m.owns(KindDestroy, token) {
			m.stale(KindDestroy)
			return
		}
		m.destroyAttempt(b, token, attempt+1, done)
	})
}

// ── Login ────────────────────────────────────────────────────────────

// Initialize binds the login and logout completion handlers.  Calling
// it again replaces them with a warning.
func (m *Manager) Initialize() {
	if m.onLogin != nil {
		m.logger.Warn("login completion handler was bound, clearing")
	}
	if m.onLogout != nil {
		m.logger.Warn("logout completion handler was bound, clearing")
	}
	m.onLogin = m.handleLogin
	m.onLogout = m.handleLogout
}

// ShowLoginScreen logs the player in slot in with creds.
func (m *Manager) ShowLoginScreen(slot int, creds backend.Credentials) error {
	if m.onLogin == nil {
		return fmt.Errorf("login: handlers not bound, call Initialize first")
	}
	token := m.register(KindLogin, slot)
	b := m.backends.Identity()

	err := b.Login(m.ctx, slot, creds, func(identity string, ok bool) {
		m.post(KindLogin, token, func() { m.onLogin(slot, identity, ok) })
	})
	if err != nil {
		m.post(KindLogin, token, func() {
			m.reject(KindLogin, b, err)
			m.onLogin(slot, "", false)
		})
	}
	return nil
}

// Logout logs the player in slot out.
func (m *Manager) Logout(slot int) error {
	if m.onLogout == nil {
		return fmt.Errorf("logout: handlers not bound, call Initialize first")
	}
	token := m.register(KindLogout, slot)
	b := m.backends.Identity()

	err := b.Logout(m.ctx, slot, func(ok bool) {
		m.post(KindLogout, token, func() { m.onLogout(slot, ok) })
	})
	if err != nil {
		m.post(KindLogout, token, func() {
			m.reject(KindLogout, b, err)
			m.onLogout(slot, false)
		})
	}
	return nil
}

// RestoreLogin re-authenticates the identity persisted for slot.  It
// reports whether a login was issued.
func (m *Manager) RestoreLogin(slot int) (bool, error) {
	if m.store == nil {
		return false, nil
	}
	identity, found, err := m.store.Load(m.ctx, slot)
	if err != nil {
		return false, fmt.Errorf("restore login: %w", err)
	}
	if !found {
		return false, nil
	}
	m.logger.Verbose("slot %d restoring login for %s", slot, identity)
	creds := backend.Credentials{Type: backend.CredentialsPersistent, ID: identity}
	if err := m.ShowLoginScreen(slot, creds); err != nil {
		return false, err
	}
	return true, nil
}

func (m *Manager) handleLogin(slot int, identity string, ok bool) {
	if !ok {
		m.logger.Warn("slot %d login failed", slot)
		m.flow.OnLoginComplete(slot, false, "")
		return
	}

	m.players.MarkLoggedIn(slot, identity)
	if m.store != nil {
		if err := m.store.Save(m.ctx, slot, identity); err != nil {
			m.logger.Warn("slot %d: persisting identity: %v", slot, err)
		}
	}
	m.flow.DisableLAN()
	m.logger.Info("slot %d logged in as %s", slot, identity)
	m.flow.OnLoginComplete(slot, true, identity)
}

func (m *Manager) handleLogout(slot int, ok bool) {
	if !ok {
		m.logger.Warn("slot %d logout failed", slot)
		return
	}
	m.players.MarkLoggedOut(slot)
	if m.store != nil {
		if err := m.store.Delete(m.ctx, slot); err != nil {
			m.logger.Warn("slot %d: removing identity: %v", slot, err)
		}
	}
	m.logger.Info("slot %d logged out", slot)
}

// ── State queries ────────────────────────────────────────────────────

// Pending reports whether an operation of kind is awaiting completion.
func (m *Manager) Pending(kind Kind) bool { return m.slots[kind] != nil }

// IsHosting reports whether this process hosts the current session.
func (m *Manager) IsHosting() bool {
	s, ok := m.current().NamedSession(GameSessionName)
	return ok && s.Hosting
}

// InSession reports whether a session is hosted or joined.
func (m *Manager) InSession() bool {
	_, ok := m.current().NamedSession(GameSessionName)
	return ok
}

// LastSettings returns the settings built by the most recent create.
func (m *Manager) LastSettings() backend.Settings { return m.lastSettings }

// LastError returns the most recent backend rejection or join failure.
func (m *Manager) LastError() error { return m.lastErr }

// ── internal ─────────────────────────────────────────────────────────

// current is the backend holding the session, or the one selected by
// the LAN flag when there is none.
func (m *Manager) current() backend.Backend {
	if m.active != nil {
		return m.active
	}
	return m.backends.For(m.flow.SessionConfig().LANEnabled)
}

func (m *Manager) register(kind Kind, slot int) uint64 {
	if p := m.slots[kind]; p != nil {
		m.logger.Warn("%s completion handler was bound for slot %d, clearing", kind, p.slot)
	}
	m.nextToken++
	m.slots[kind] = &pending{slot: slot, token: m.nextToken}
	return m.nextToken
}

func (m *Manager) owns(kind Kind, token uint64) bool {
	p := m.slots[kind]
	return p != nil && p.token == token
}

func (m *Manager) stale(kind Kind) {
	m.metrics.StaleRegistration()
	m.logger.Warn("%s: %v", kind, ncerr.ErrStaleRegistration)
}

// post delivers fn on the loop if token still owns the slot of kind,
// freeing the slot first so fn may issue a new operation of the same
// kind.
func (m *Manager) post(kind Kind, token uint64, fn func()) {
	m.sched.Post(func() {
		if !m.owns(kind, token) {
			m.stale(kind)
			return
		}
		m.slots[kind] = nil
		fn()
	})
}

func (m *Manager) reject(kind Kind, b backend.Backend, cause error) error {
	err := ncerr.Rejected(kind.String(), b.Name(), cause)
	m.lastErr = err
	m.metrics.RecordError(err.Error())
	m.logger.Warn("%v", err)
	return err
}
