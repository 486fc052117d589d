// Package backend defines the online backend capability the session
// manager drives, and the value types that cross it.
//
// Every asynchronous method fires its completion exactly once, from
// any goroutine, unless it returns a non-nil error, in which case the
// call was refused and no completion will fire.
package backend

import (
	"context"
)

// Backend is an online session service: LAN discovery, a hosted
// matchmaking service, or a test double.
type Backend interface {
	// Name identifies the backend in logs and errors ("lan", "redis").
	Name() string

	CreateSession(ctx context.Context, slot int, key string, settings Settings, done func(ok bool)) error
	FindSessions(ctx context.Context, slot int, spec SearchSpec, done func(results []SearchResult, ok bool)) error
	JoinSession(ctx context.Context, slot int, key string, result SearchResult, done func(outcome JoinOutcome)) error
	DestroySession(ctx context.Context, key string, done func(ok bool)) error

	// NamedSession reports the locally known session registered under
	// key, if any.  It is synchronous and reflects residual state.
	NamedSession(key string) (NamedSession, bool)

	// ConnectString resolves the forwarding address of the session
	// joined under key.
	ConnectString(key string) (string, bool)

	Login(ctx context.Context, slot int, creds Credentials, done func(identity string, ok bool)) error
	Logout(ctx context.Context, slot int, done func(ok bool)) error
}

// NamedSession is a session this process hosts or has joined.
type NamedSession struct {
	Key       string
	SessionID string
	Hosting   bool
	Settings  Settings
}

// SearchSpec bounds a session search.
type SearchSpec struct {
	MaxResults int
	LAN        bool
	Presence   bool
}

// SearchResult is one advertised session returned by a search.
type SearchResult struct {
	SessionID       string   `json:"session_id"`
	OwnerID         string   `json:"owner_id"`
	Settings        Settings `json:"settings"`
	OpenConnections int      `json:"open_connections"`
}

// Credentials are handed to Login.  Type "persistent" re-authenticates
// a previously issued identity held in ID.
type Credentials struct {
	Type  string
	ID    string
	Token string
}

// CredentialsPersistent marks an automatic re-login with a stored
// identity.
const CredentialsPersistent = "persistent"

// ── Join outcome ─────────────────────────────────────────────────────

// JoinOutcome is the session-level result of a join attempt.
type JoinOutcome int

const (
	JoinSuccess JoinOutcome = iota
	JoinSessionFull
	JoinSessionDoesNotExist
	JoinAddressUnresolvable
	JoinAlreadyInSession
	JoinUnknownError
	// JoinNoSessionFound is reported without a backend join call when
	// the preceding search failed or came back empty.
	JoinNoSessionFound
)

func (o JoinOutcome) String() string {
	switch o {
	case JoinSuccess:
		return "success"
	case JoinSessionFull:
		return "session is full"
	case JoinSessionDoesNotExist:
		return "session does not exist"
	case JoinAddressUnresolvable:
		return "could not retrieve address"
	case JoinAlreadyInSession:
		return "already in session"
	case JoinUnknownError:
		return "unknown error"
	case JoinNoSessionFound:
		return "no session found"
	default:
		return "invalid outcome"
	}
}

// ── Selection ────────────────────────────────────────────────────────

// Selector picks the backend for an operation from the current LAN
// flag: LAN discovery when enabled, the online service otherwise.
type Selector struct {
	LAN    Backend
	Online Backend
}

// For returns the backend serving the given LAN flag, falling back to
// whichever one is configured.
func (s Selector) For(lan bool) Backend {
	if lan && s.LAN != nil {
		return s.LAN
	}
	if !lan && s.Online != nil {
		return s.Online
	}
	if s.LAN != nil {
		return s.LAN
	}
	return s.Online
}

// Identity returns the backend that issues login identities: the online
// service when present.
func (s Selector) Identity() Backend {
	if s.Online != nil {
		return s.Online
	}
	return s.LAN
}
