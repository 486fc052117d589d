// Package redis implements the online session backend on top of Redis.
// Sessions are advertised as JSON records indexed by creation time, so
// peers on different machines discover each other through one shared
// Redis instance.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"mpcore/internal/backend"
	ncerr "mpcore/internal/errors"
	"mpcore/internal/retry"
	"mpcore/util"
)

// Config contains configuration options for the Redis backend.
type Config struct {
	// Client is the Redis client instance.
	Client *redis.Client

	// KeyPrefix is the prefix for all Redis keys.
	// Default: "mpcore:"
	KeyPrefix string

	// OpTimeout bounds every backend call.
	// Default: 5s
	OpTimeout time.Duration

	// SessionTTL is how long a session record outlives the host's last
	// refresh.  Hosts refresh at a third of it, so a host that dies
	// drops out of searches within one TTL.
	// Default: 30s
	SessionTTL time.Duration

	// Breaker guards the Redis connection.  A default breaker is
	// created when nil.
	Breaker *retry.CircuitBreaker

	Logger *util.Logger
}

// Backend implements backend.Backend using Redis.
type Backend struct {
	client    *redis.Client
	keyPrefix string
	timeout   time.Duration
	ttl       time.Duration
	breaker   *retry.CircuitBreaker
	logger    *util.Logger
	owner     string

	mu      sync.Mutex
	named   map[string]backend.NamedSession
	creates map[string]uint64
	refresh map[string]context.CancelFunc
	logins  map[int]string
}

// storedSession is the record advertised for each hosted session.
type storedSession struct {
	ID        string           `json:"id"`
	Owner     string           `json:"owner"`
	Settings  backend.Settings `json:"settings"`
	CreatedAt time.Time        `json:"created_at"`
}

// storedAccount maps login credentials to an issued identity.
type storedAccount struct {
	Identity  string    `json:"identity"`
	Token     string    `json:"token"`
	CreatedAt time.Time `json:"created_at"`
}

// New creates a Redis backend.
func New(config Config) (*Backend, error) {
	if config.Client == nil {
		return nil, fmt.Errorf("redis client is required")
	}

	// Apply defaults
	if config.KeyPrefix == "" {
		config.KeyPrefix = "mpcore:"
	}
	if config.OpTimeout <= 0 {
		config.OpTimeout = 5 * time.Second
	}
	if config.SessionTTL <= 0 {
		config.SessionTTL = 30 * time.Second
	}
	if config.Logger == nil {
		config.Logger = util.NewLogger(0)
	}
	logger := config.Logger.Named("redis")
	if config.Breaker == nil {
		config.Breaker = retry.NewCircuitBreaker(&retry.CircuitBreakerConfig{
			Name:      "redis",
			IsFailure: isFailure,
			OnStateChange: func(from, to retry.State) {
				logger.Warn("circuit %s -> %s", from, to)
			},
		})
	}

	return &Backend{
		client:    config.Client,
		keyPrefix: config.KeyPrefix,
		timeout:   config.OpTimeout,
		ttl:       config.SessionTTL,
		breaker:   config.Breaker,
		logger:    logger,
		owner:     uuid.NewString(),
		named:     make(map[string]backend.NamedSession),
		creates:   make(map[string]uint64),
		refresh:   make(map[string]context.CancelFunc),
		logins:    make(map[int]string),
	}, nil
}

// Name returns "redis".
func (b *Backend) Name() string { return "redis" }

// Close stops refreshing hosted sessions and closes the Redis client.
// Records of sessions still hosted expire after the session TTL.
func (b *Backend) Close() error {
	b.mu.Lock()
	for id, stop := range b.refresh {
		stop()
		delete(b.refresh, id)
	}
	b.mu.Unlock()
	return b.client.Close()
}

// ── Sessions ─────────────────────────────────────────────────────────

// CreateSession advertises a new session record.  Only the latest
// create of a key keeps its record; earlier ones still in flight delete
// theirs and complete with false.
func (b *Backend) CreateSession(ctx context.Context, slot int, key string, settings backend.Settings, done func(bool)) error {
	if settings.MaxConnections() <= 0 {
		return fmt.Errorf("session %q: no connections available", key)
	}

	b.mu.Lock()
	if _, exists := b.named[key]; exists {
		b.mu.Unlock()
		return fmt.Errorf("session %q already exists", key)
	}
	b.creates[key]++
	gen := b.creates[key]
	b.mu.Unlock()

	settings = settings.Clone()
	go func() {
		rec := storedSession{ID: uuid.NewString(), Owner: b.owner, Settings: settings, CreatedAt: time.Now()}
		data, err := json.Marshal(rec)
		if err == nil {
			err = b.call(ctx, func(ctx context.Context) error {
				_, err := b.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
					p.Set(ctx, b.sessionKey(rec.ID), data, b.ttl)
					p.Set(ctx, b.membersKey(rec.ID), 1, b.ttl)
					p.ZAdd(ctx, b.indexKey(), redis.Z{Score: float64(rec.CreatedAt.UnixNano()), Member: rec.ID})
					return nil
				})
				return err
			})
		}
		if err != nil {
			b.logger.Warn("slot %d create %s: %v", slot, key, err)
			done(false)
			return
		}

		b.mu.Lock()
		if b.creates[key] != gen {
			b.mu.Unlock()
			b.logger.Debug("slot %d create of %s superseded, removing %s", slot, key, rec.ID)
			if err := b.call(ctx, func(ctx context.Context) error { return b.remove(ctx, rec.ID) }); err != nil {
				b.logger.Warn("remove superseded session %s: %v", rec.ID, err)
			}
			done(false)
			return
		}
		b.named[key] = backend.NamedSession{Key: key, SessionID: rec.ID, Hosting: true, Settings: settings}
		b.keepAlive(rec.ID)
		b.mu.Unlock()

		b.logger.Debug("slot %d created %s (%s)", slot, key, rec.ID)
		done(true)
	}()
	return nil
}

// keepAlive refreshes the TTL of a hosted session until stopped.
// Callers hold b.mu.
func (b *Backend) keepAlive(id string) {
	ctx, cancel := context.WithCancel(context.Background())
	b.refresh[id] = cancel

	go func() {
		ticker := time.NewTicker(b.ttl / 3)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			err := b.call(ctx, func(ctx context.Context) error {
				_, err := b.client.Pipelined(ctx, func(p redis.Pipeliner) error {
					p.Expire(ctx, b.sessionKey(id), b.ttl)
					p.Expire(ctx, b.membersKey(id), b.ttl)
					return nil
				})
				return err
			})
			if err != nil && ctx.Err() == nil {
				b.logger.Warn("refresh session %s: %v", id, err)
			}
		}
	}()
}

func (b *Backend) stopKeepAlive(id string) {
	b.mu.Lock()
	if stop, ok := b.refresh[id]; ok {
		stop()
		delete(b.refresh, id)
	}
	b.mu.Unlock()
}

func (b *Backend) remove(ctx context.Context, id string) error {
	_, err := b.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, b.sessionKey(id), b.membersKey(id))
		p.ZRem(ctx, b.indexKey(), id)
		return nil
	})
	return err
}

// FindSessions lists advertised sessions owned by other processes,
// oldest first.
func (b *Backend) FindSessions(ctx context.Context, slot int, spec backend.SearchSpec, done func([]backend.SearchResult, bool)) error {
	go func() {
		var results []backend.SearchResult
		err := b.call(ctx, func(ctx context.Context) error {
			var err error
			results, err = b.search(ctx, spec)
			return err
		})
		if err != nil {
			b.logger.Warn("slot %d find: %v", slot, err)
			done(nil, false)
			return
		}
		done(results, true)
	}()
	return nil
}

func (b *Backend) search(ctx context.Context, spec backend.SearchSpec) ([]backend.SearchResult, error) {
	ids, err := b.client.ZRange(ctx, b.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read session index: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, 0, 2*len(ids))
	for _, id := range ids {
		keys = append(keys, b.sessionKey(id))
	}
	for _, id := range ids {
		keys = append(keys, b.membersKey(id))
	}
	vals, err := b.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load sessions: %w", err)
	}

	var results []backend.SearchResult
	var stale []interface{}
	for i, id := range ids {
		raw, ok := vals[i].(string)
		if !ok {
			stale = append(stale, id)
			continue
		}
		var rec storedSession
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			b.logger.Warn("skipping unreadable session %s: %v", id, err)
			continue
		}
		if rec.Owner == b.owner || !rec.Settings.ShouldAdvertise || rec.Settings.IsLANMatch != spec.LAN {
			continue
		}
		members := 0
		if m, ok := vals[len(ids)+i].(string); ok {
			members, _ = strconv.Atoi(m)
		}
		results = append(results, backend.SearchResult{
			SessionID:       rec.ID,
			OwnerID:         rec.Owner,
			Settings:        rec.Settings,
			OpenConnections: rec.Settings.MaxConnections() - members,
		})
		if spec.MaxResults > 0 && len(results) == spec.MaxResults {
			break
		}
	}

	if len(stale) > 0 {
		b.client.ZRem(ctx, b.indexKey(), stale...)
	}
	return results, nil
}

// joinScript takes a connection in a live session.  It returns -1 when
// the session record is gone, 0 when the session is full and the new
// member count otherwise.
var joinScript = redis.NewScript(`
local session = KEYS[1]
local members = KEYS[2]
local max = tonumber(ARGV[1])
if redis.call('EXISTS', session) == 0 or redis.call('EXISTS', members) == 0 then
  return -1
end
local n = redis.call('INCR', members)
if n > max then
  redis.call('DECR', members)
  return 0
end
return n
`)

// leaveScript gives a connection back.  A member count that reaches
// zero, or belongs to a session already deleted, is removed rather than
// left behind.
var leaveScript = redis.NewScript(`
local members = KEYS[1]
if redis.call('EXISTS', members) == 0 then
  return 0
end
local n = redis.call('DECR', members)
if n <= 0 then
  redis.call('DEL', members)
end
return n
`)

// JoinSession reserves a connection in the session described by result.
func (b *Backend) JoinSession(ctx context.Context, slot int, key string, result backend.SearchResult, done func(backend.JoinOutcome)) error {
	go func() {
		if _, exists := b.NamedSession(key); exists {
			done(backend.JoinAlreadyInSession)
			return
		}

		outcome := backend.JoinUnknownError
		var settings backend.Settings
		err := b.call(ctx, func(ctx context.Context) error {
			raw, err := b.client.Get(ctx, b.sessionKey(result.SessionID)).Result()
			if err == redis.Nil {
				outcome = backend.JoinSessionDoesNotExist
				return nil
			}
			if err != nil {
				return err
			}
			var rec storedSession
			if err := json.Unmarshal([]byte(raw), &rec); err != nil {
				return fmt.Errorf("failed to unmarshal session: %w", err)
			}

			keys := []string{b.sessionKey(rec.ID), b.membersKey(rec.ID)}
			n, err := joinScript.Run(ctx, b.client, keys, rec.Settings.MaxConnections()).Int()
			if err != nil {
				return err
			}
			switch {
			case n < 0:
				outcome = backend.JoinSessionDoesNotExist
			case n == 0:
				outcome = backend.JoinSessionFull
			default:
				settings = rec.Settings
				outcome = backend.JoinSuccess
			}
			return nil
		})
		if err != nil {
			b.logger.Warn("slot %d join %s: %v", slot, result.SessionID, err)
		}

		if outcome == backend.JoinSuccess {
			b.mu.Lock()
			b.named[key] = backend.NamedSession{Key: key, SessionID: result.SessionID, Settings: settings}
			b.mu.Unlock()
		}
		done(outcome)
	}()
	return nil
}

// DestroySession removes a hosted session or releases a joined one.
func (b *Backend) DestroySession(ctx context.Context, key string, done func(bool)) error {
	s, ok := b.NamedSession(key)
	if !ok {
		return fmt.Errorf("session %q does not exist", key)
	}

	go func() {
		if s.Hosting {
			b.stopKeepAlive(s.SessionID)
		}
		err := b.call(ctx, func(ctx context.Context) error {
			if s.Hosting {
				return b.remove(ctx, s.SessionID)
			}
			return leaveScript.Run(ctx, b.client, []string{b.membersKey(s.SessionID)}).Err()
		})
		if err != nil {
			b.logger.Warn("destroy %s: %v", key, err)
			done(false)
			return
		}

		b.mu.Lock()
		delete(b.named, key)
		b.mu.Unlock()
		done(true)
	}()
	return nil
}

// NamedSession reports the session registered under key.
func (b *Backend) NamedSession(key string) (backend.NamedSession, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.named[key]
	return s, ok
}

// ConnectString returns the host address advertised by the session
// registered under key.
func (b *Backend) ConnectString(key string) (string, bool) {
	s, ok := b.NamedSession(key)
	if !ok {
		return "", false
	}
	addr, ok := s.Settings.Text(backend.KeyHostAddr)
	return addr, ok && addr != ""
}

// ── Identity ─────────────────────────────────────────────────────────

// Login authenticates creds against the account registry, registering
// the account on first use.  Persistent credentials carry a previously
// issued identity in ID.
func (b *Backend) Login(ctx context.Context, slot int, creds backend.Credentials, done func(string, bool)) error {
	if creds.ID == "" {
		return fmt.Errorf("login: credentials id is required")
	}

	go func() {
		var identity string
		err := b.call(ctx, func(ctx context.Context) error {
			var err error
			if creds.Type == backend.CredentialsPersistent {
				identity, err = b.resume(ctx, creds.ID)
			} else {
				identity, err = b.authenticate(ctx, creds)
			}
			return err
		})
		if err != nil {
			b.logger.Warn("slot %d login: %v", slot, err)
			done("", false)
			return
		}

		b.mu.Lock()
		b.logins[slot] = identity
		b.mu.Unlock()
		done(identity, true)
	}()
	return nil
}

var errBadToken = errors.New("token does not match")

func (b *Backend) authenticate(ctx context.Context, creds backend.Credentials) (string, error) {
	key := b.accountKey(creds.Type, creds.ID)
	acct := storedAccount{Identity: uuid.NewString(), Token: creds.Token, CreatedAt: time.Now()}
	data, err := json.Marshal(acct)
	if err != nil {
		return "", fmt.Errorf("failed to marshal account: %w", err)
	}

	created, err := b.client.SetNX(ctx, key, data, 0).Result()
	if err != nil {
		return "", err
	}
	if created {
		return acct.Identity, b.client.Set(ctx, b.identityKey(acct.Identity), key, 0).Err()
	}

	raw, err := b.client.Get(ctx, key).Result()
	if err != nil {
		return "", err
	}
	var existing storedAccount
	if err := json.Unmarshal([]byte(raw), &existing); err != nil {
		return "", fmt.Errorf("failed to unmarshal account: %w", err)
	}
	if existing.Token != creds.Token {
		return "", errBadToken
	}
	return existing.Identity, nil
}

func (b *Backend) resume(ctx context.Context, identity string) (string, error) {
	n, err := b.client.Exists(ctx, b.identityKey(identity)).Result()
	if err != nil {
		return "", err
	}
	if n == 0 {
		return "", fmt.Errorf("unknown identity %s", identity)
	}
	return identity, nil
}

// Logout forgets the identity of slot.
func (b *Backend) Logout(_ context.Context, slot int, done func(bool)) error {
	go func() {
		b.mu.Lock()
		_, ok := b.logins[slot]
		delete(b.logins, slot)
		b.mu.Unlock()
		done(ok)
	}()
	return nil
}

// ── internal ─────────────────────────────────────────────────────────

// call runs fn under the breaker with a per-operation timeout.  An
// operation cut short by that timeout fails with ErrTimeout.
func (b *Backend) call(ctx context.Context, fn func(ctx context.Context) error) error {
	return b.breaker.Execute(func() error {
		opCtx, cancel := context.WithTimeout(ctx, b.timeout)
		defer cancel()
		err := fn(opCtx)
		if err != nil && ctx.Err() == nil && errors.Is(opCtx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w after %s: %v", ncerr.ErrTimeout, b.timeout, err)
		}
		return err
	})
}

func isFailure(err error) bool {
	return !errors.Is(err, redis.Nil) && !errors.Is(err, errBadToken) && !errors.Is(err, context.Canceled)
}

func (b *Backend) indexKey() string            { return b.keyPrefix + "sessions" }
func (b *Backend) sessionKey(id string) string { return b.keyPrefix + "session:" + id }
func (b *Backend) membersKey(id string) string { return b.keyPrefix + "members:" + id }
func (b *Backend) identityKey(id string) string {
	return b.keyPrefix + "identity:" + id
}
func (b *Backend) accountKey(kind, id string) string {
	return b.keyPrefix + "account:" + kind + ":" + id
}
