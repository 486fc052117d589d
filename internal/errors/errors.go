// Package errors provides domain-specific error types for mpcore.
//
// These types carry structured context (operation, backend, outcome,
// retryability) that helps callers decide how to handle failures and
// provides better diagnostics than plain string wrapping.
package errors

import (
	"errors"
	"fmt"
	"net"
)

// ── Sentinel errors ──────────────────────────────────────────────────

var (
	ErrNotConnected      = errors.New("not connected")
	ErrCircuitOpen       = errors.New("circuit breaker is open")
	ErrTimeout           = errors.New("operation timed out")
	ErrAuthFailed        = errors.New("authentication failed")
	ErrHostKeyMismatch   = errors.New("host key mismatch")
	ErrStaleRegistration = errors.New("completion superseded by a newer registration")
	ErrNoSessionFound    = errors.New("no session found")
	ErrDestroyDiverged   = errors.New("session still present after destroy retries")
	ErrLinkClosed        = errors.New("forwarding link is closed")
)

// ── Structured error types ───────────────────────────────────────────

// BackendError reports that the online backend refused or failed a call
// (create, find, join, destroy, login, logout).
type BackendError struct {
	Op      string // "create", "find", "join", "destroy", "login", "logout"
	Backend string // backend name, e.g. "lan" or "redis"
	Err     error  // underlying error, nil when the backend only reported failure
}

func (e *BackendError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("backend %s: %s rejected", e.Backend, e.Op)
	}
	return fmt.Sprintf("backend %s: %s rejected: %v", e.Backend, e.Op, e.Err)
}

func (e *BackendError) Unwrap() error { return e.Err }

// JoinError is a session-level join failure reported by the backend.
// It is never a transport failure.
type JoinError struct {
	Outcome fmt.Stringer
}

func (e *JoinError) Error() string {
	return fmt.Sprintf("join session: %s", e.Outcome)
}

// TravelError reports that the local transition to a level failed after
// the session operation itself succeeded.
type TravelError struct {
	Level  fmt.Stringer
	AsHost bool
	Err    error
}

func (e *TravelError) Error() string {
	role := "client"
	if e.AsHost {
		role = "host"
	}
	return fmt.Sprintf("travel to %s as %s: %v", e.Level, role, e.Err)
}

func (e *TravelError) Unwrap() error { return e.Err }

// NetworkError represents a failure in a network operation.
type NetworkError struct {
	Op        string // operation: "dial", "listen", "accept", "write", "read"
	Addr      string // network address involved
	Err       error  // underlying error
	Retryable bool   // whether the caller should retry
}

func (e *NetworkError) Error() string {
	s := fmt.Sprintf("%s %s: %v", e.Op, e.Addr, e.Err)
	if e.Retryable {
		s += " (retryable)"
	}
	return s
}

func (e *NetworkError) Unwrap() error { return e.Err }

// SSHError represents an SSH-specific failure with host context.
type SSHError struct {
	Op   string // "handshake", "auth", "hostkey"
	Host string
	Port int
	Err  error
}

func (e *SSHError) Error() string {
	return fmt.Sprintf("ssh %s %s:%d: %v", e.Op, e.Host, e.Port, e.Err)
}

func (e *SSHError) Unwrap() error { return e.Err }

// ConfigError represents an invalid configuration value.
type ConfigError struct {
	Field   string      // config field name
	Value   interface{} // the invalid value (nil if missing)
	Message string      // human-readable explanation
	Hint    string      // suggestion for the user (optional)
}

func (e *ConfigError) Error() string {
	msg := fmt.Sprintf("config: --%s", e.Field)
	if e.Value != nil {
		msg += fmt.Sprintf("=%v", e.Value)
	}
	msg += ": " + e.Message
	if e.Hint != "" {
		msg += "\n  hint: " + e.Hint
	}
	return msg
}

// ── Constructors ─────────────────────────────────────────────────────

// Wrap creates a NetworkError, automatically detecting retryability
// from the underlying error.
func Wrap(op, addr string, err error) *NetworkError {
	return &NetworkError{
		Op:        op,
		Addr:      addr,
		Err:       err,
		Retryable: classifyRetryable(err),
	}
}

// WrapSSH creates an SSHError.
func WrapSSH(op, host string, port int, err error) *SSHError {
	return &SSHError{Op: op, Host: host, Port: port, Err: err}
}

// Rejected creates a BackendError.
func Rejected(op, backend string, err error) *BackendError {
	return &BackendError{Op: op, Backend: backend, Err: err}
}

// ── Classification helpers ───────────────────────────────────────────

// IsRetryable reports whether err is worth retrying.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var ne *NetworkError
	if errors.As(err, &ne) {
		return ne.Retryable
	}
	return classifyRetryable(err)
}

// IsBackendRejected reports whether err is a BackendError.
func IsBackendRejected(err error) bool {
	var be *BackendError
	return errors.As(err, &be)
}

// IsTravelFailed reports whether err is a TravelError.
func IsTravelFailed(err error) bool {
	var te *TravelError
	return errors.As(err, &te)
}

// classifyRetryable inspects standard library error types.
func classifyRetryable(err error) bool {
	if err == nil {
		return false
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return opErr.Temporary() //nolint:staticcheck // Temporary is deprecated but still useful
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.Temporary() //nolint:staticcheck
	}
	return false
}

// ── Re-exports for convenience ───────────────────────────────────────
//
// These allow callers to use mpcore/internal/errors as a drop-in
// replacement for the standard library in common operations.

// As is [errors.As].
func As(err error, target interface{}) bool { return errors.As(err, target) }

// Is is [errors.Is].
func Is(err, target error) bool { return errors.Is(err, target) }

// New is [errors.New].
func New(text string) error { return errors.New(text) }

// Join is [errors.Join].
func Join(errs ...error) error { return errors.Join(errs...) }
