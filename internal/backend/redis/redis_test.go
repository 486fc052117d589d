package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"mpcore/internal/backend"
	ncerr "mpcore/internal/errors"
	"mpcore/util"
)

const key = "GameSession"

func newClient(t *testing.T) *redis.Client {
	t.Helper()
	// Skip test if Redis is not available
	client := redis.NewClient(&redis.Options{
		Addr: "127.0.0.1:6379",
		DB:   3, // Use separate DB for backend tests
	})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	t.Cleanup(func() { client.FlushDB(ctx) })
	return client
}

func newBackend(t *testing.T, client *redis.Client) *Backend {
	t.Helper()
	return newBackendTTL(t, client, 0)
}

func newBackendTTL(t *testing.T, client *redis.Client, ttl time.Duration) *Backend {
	t.Helper()
	b, err := New(Config{Client: client, KeyPrefix: "mpcore:test:", SessionTTL: ttl, Logger: util.NewLogger(0)})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return b
}

// ownClient opens a second connection to the test database so a
// backend can be closed without closing the shared client.
func ownClient(t *testing.T) *redis.Client {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:6379", DB: 3})
	t.Cleanup(func() { client.Close() })
	return client
}

func sessionSettings(max int) backend.Settings {
	s := backend.Settings{NumPublicConnections: max, ShouldAdvertise: true}
	s.Set(backend.KeyLevel, backend.IntValue(1))
	s.Set(backend.KeyHostAddr, backend.StringValue("10.0.0.1:7777"))
	return s
}

func createSession(t *testing.T, b *Backend, s backend.Settings) {
	t.Helper()
	created := make(chan bool, 1)
	if err := b.CreateSession(context.Background(), 0, key, s, func(ok bool) { created <- ok }); err != nil {
		t.Fatal(err)
	}
	if !wait(t, created) {
		t.Fatal("create failed")
	}
}

func findSessions(t *testing.T, b *Backend) []backend.SearchResult {
	t.Helper()
	type found struct {
		results []backend.SearchResult
		ok      bool
	}
	finds := make(chan found, 1)
	spec := backend.SearchSpec{MaxResults: 10000, Presence: true}
	if err := b.FindSessions(context.Background(), 0, spec, func(r []backend.SearchResult, ok bool) { finds <- found{r, ok} }); err != nil {
		t.Fatal(err)
	}
	f := wait(t, finds)
	if !f.ok {
		t.Fatal("find failed")
	}
	return f.results
}

func destroySession(t *testing.T, b *Backend) {
	t.Helper()
	destroyed := make(chan bool, 1)
	if err := b.DestroySession(context.Background(), key, func(ok bool) { destroyed <- ok }); err != nil {
		t.Fatal(err)
	}
	if !wait(t, destroyed) {
		t.Fatal("destroy failed")
	}
}

func wait[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(5 * time.Second):
		t.Fatal("completion never fired")
	}
	var zero T
	return zero
}

func TestNew_RequiresClient(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected error without a client")
	}
}

func TestNew_Defaults(t *testing.T) {
	b, err := New(Config{Client: redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})})
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()
	if b.keyPrefix != "mpcore:" {
		t.Errorf("keyPrefix = %q", b.keyPrefix)
	}
	if b.timeout != 5*time.Second {
		t.Errorf("timeout = %v", b.timeout)
	}
	if b.ttl != 30*time.Second {
		t.Errorf("ttl = %v", b.ttl)
	}
	if got := b.sessionKey("abc"); got != "mpcore:session:abc" {
		t.Errorf("sessionKey = %q", got)
	}
}

func TestCall_Timeout(t *testing.T) {
	b, err := New(Config{Client: redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"}), OpTimeout: 20 * time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()

	slow := func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}
	if err := b.call(context.Background(), slow); !errors.Is(err, ncerr.ErrTimeout) {
		t.Errorf("call = %v, want ErrTimeout", err)
	}

	canceled, cancel := context.WithCancel(context.Background())
	cancel()
	if err := b.call(canceled, slow); errors.Is(err, ncerr.ErrTimeout) || !errors.Is(err, context.Canceled) {
		t.Errorf("canceled call = %v, want context.Canceled", err)
	}
	if err := b.call(context.Background(), func(context.Context) error { return nil }); err != nil {
		t.Errorf("fast call = %v", err)
	}
}

func TestRedisBackend(t *testing.T) {
	client := newClient(t)
	ctx := context.Background()
	host := newBackend(t, client)
	joiner := newBackend(t, client)

	settings := backend.Settings{NumPublicConnections: 2, ShouldAdvertise: true}
	settings.Set(backend.KeyLevel, backend.IntValue(1))
	settings.Set(backend.KeyHostAddr, backend.StringValue("10.0.0.1:7777"))

	created := make(chan bool, 1)
	if err := host.CreateSession(ctx, 0, key, settings, func(ok bool) { created <- ok }); err != nil {
		t.Fatal(err)
	}
	if !wait(t, created) {
		t.Fatal("create failed")
	}

	type found struct {
		results []backend.SearchResult
		ok      bool
	}
	finds := make(chan found, 1)
	spec := backend.SearchSpec{MaxResults: 10000, Presence: true}
	if err := joiner.FindSessions(ctx, 0, spec, func(r []backend.SearchResult, ok bool) { finds <- found{r, ok} }); err != nil {
		t.Fatal(err)
	}
	f := wait(t, finds)
	if !f.ok || len(f.results) != 1 {
		t.Fatalf("find = %+v", f)
	}
	if lvl, _ := f.results[0].Settings.Int(backend.KeyLevel); lvl != 1 {
		t.Errorf("advertised level = %d, want 1", lvl)
	}

	joins := make(chan backend.JoinOutcome, 1)
	if err := joiner.JoinSession(ctx, 0, key, f.results[0], func(o backend.JoinOutcome) { joins <- o }); err != nil {
		t.Fatal(err)
	}
	if o := wait(t, joins); o != backend.JoinSuccess {
		t.Fatalf("join = %s", o)
	}
	if addr, ok := joiner.ConnectString(key); !ok || addr != "10.0.0.1:7777" {
		t.Errorf("ConnectString = %q, %v", addr, ok)
	}

	third := newBackend(t, client)
	if err := third.JoinSession(ctx, 0, key, f.results[0], func(o backend.JoinOutcome) { joins <- o }); err != nil {
		t.Fatal(err)
	}
	if o := wait(t, joins); o != backend.JoinSessionFull {
		t.Errorf("third join = %s, want session is full", o)
	}

	destroyed := make(chan bool, 1)
	if err := host.DestroySession(ctx, key, func(ok bool) { destroyed <- ok }); err != nil {
		t.Fatal(err)
	}
	if !wait(t, destroyed) {
		t.Fatal("destroy failed")
	}
	if _, ok := host.NamedSession(key); ok {
		t.Error("named session should be gone after destroy")
	}
	if n, _ := client.Exists(ctx, host.sessionKey(f.results[0].SessionID)).Result(); n != 0 {
		t.Error("session record should be deleted")
	}
}

func TestRedisBackend_Login(t *testing.T) {
	client := newClient(t)
	ctx := context.Background()
	b := newBackend(t, client)

	type login struct {
		id string
		ok bool
	}
	do := func(c backend.Credentials) login {
		ch := make(chan login, 1)
		if err := b.Login(ctx, 0, c, func(id string, ok bool) { ch <- login{id, ok} }); err != nil {
			t.Fatal(err)
		}
		return wait(t, ch)
	}

	first := do(backend.Credentials{Type: "developer", ID: "alice", Token: "secret"})
	if !first.ok || first.id == "" {
		t.Fatalf("first login = %+v", first)
	}
	if again := do(backend.Credentials{Type: "developer", ID: "alice", Token: "secret"}); again.id != first.id {
		t.Errorf("identity changed: %q != %q", again.id, first.id)
	}
	if bad := do(backend.Credentials{Type: "developer", ID: "alice", Token: "wrong"}); bad.ok {
		t.Error("wrong token should fail")
	}
	if resumed := do(backend.Credentials{Type: backend.CredentialsPersistent, ID: first.id}); !resumed.ok {
		t.Error("persistent login with an issued identity should succeed")
	}
	if unknown := do(backend.Credentials{Type: backend.CredentialsPersistent, ID: "nope"}); unknown.ok {
		t.Error("persistent login with an unknown identity should fail")
	}
	if err := b.Login(ctx, 0, backend.Credentials{Type: "developer"}, func(string, bool) {}); err == nil {
		t.Error("empty id should be refused")
	}
}

// TestRedisBackend_DeadHostExpires verifies a host that stops refreshing
// drops out of searches once its TTL runs out.
func TestRedisBackend_DeadHostExpires(t *testing.T) {
	client := newClient(t)
	ctx := context.Background()
	host := newBackendTTL(t, ownClient(t), 500*time.Millisecond)
	finder := newBackend(t, client)

	createSession(t, host, sessionSettings(4))
	results := findSessions(t, finder)
	if len(results) != 1 {
		t.Fatalf("found %d sessions, want 1", len(results))
	}
	id := results[0].SessionID

	host.Close()
	time.Sleep(time.Second)

	if got := findSessions(t, finder); len(got) != 0 {
		t.Errorf("found %d sessions after the host died", len(got))
	}
	if n, _ := client.Exists(ctx, finder.sessionKey(id), finder.membersKey(id)).Result(); n != 0 {
		t.Errorf("%d keys of the dead session survive", n)
	}
	if n, _ := client.ZCard(ctx, finder.indexKey()).Result(); n != 0 {
		t.Errorf("index still lists %d sessions", n)
	}

	joins := make(chan backend.JoinOutcome, 1)
	if err := finder.JoinSession(ctx, 0, key, results[0], func(o backend.JoinOutcome) { joins <- o }); err != nil {
		t.Fatal(err)
	}
	if o := wait(t, joins); o != backend.JoinSessionDoesNotExist {
		t.Errorf("join of an expired session = %s", o)
	}
}

// TestRedisBackend_LiveHostRefreshes verifies a running host keeps its
// session past the TTL.
func TestRedisBackend_LiveHostRefreshes(t *testing.T) {
	client := newClient(t)
	host := newBackendTTL(t, client, 300*time.Millisecond)
	createSession(t, host, sessionSettings(4))

	time.Sleep(time.Second)
	if got := findSessions(t, newBackend(t, client)); len(got) != 1 {
		t.Fatalf("found %d sessions, want the refreshed one", len(got))
	}
	destroySession(t, host)
	if len(host.refresh) != 0 {
		t.Error("refresh still running after destroy")
	}
}

// TestRedisBackend_LeaveAfterHostGone verifies a member leaving a
// deleted session does not recreate its member count.
func TestRedisBackend_LeaveAfterHostGone(t *testing.T) {
	client := newClient(t)
	ctx := context.Background()
	host := newBackend(t, client)
	joiner := newBackend(t, client)

	createSession(t, host, sessionSettings(4))
	results := findSessions(t, joiner)
	if len(results) != 1 {
		t.Fatalf("found %d sessions, want 1", len(results))
	}
	joins := make(chan backend.JoinOutcome, 1)
	if err := joiner.JoinSession(ctx, 0, key, results[0], func(o backend.JoinOutcome) { joins <- o }); err != nil {
		t.Fatal(err)
	}
	if o := wait(t, joins); o != backend.JoinSuccess {
		t.Fatalf("join = %s", o)
	}

	destroySession(t, host)
	destroySession(t, joiner)

	membersKey := joiner.membersKey(results[0].SessionID)
	if n, _ := client.Exists(ctx, membersKey).Result(); n != 0 {
		v, _ := client.Get(ctx, membersKey).Result()
		t.Errorf("member count left behind at %s", v)
	}
}

// TestRedisBackend_SupersededCreate verifies overlapping creates of one
// key leave a single record, and none once it is destroyed.
func TestRedisBackend_SupersededCreate(t *testing.T) {
	client := newClient(t)
	ctx := context.Background()
	host := newBackend(t, client)

	outcomes := make(chan bool, 2)
	for i := 0; i < 2; i++ {
		if err := host.CreateSession(ctx, 0, key, sessionSettings(4), func(ok bool) { outcomes <- ok }); err != nil {
			t.Fatal(err)
		}
	}
	succeeded := 0
	for i := 0; i < 2; i++ {
		if wait(t, outcomes) {
			succeeded++
		}
	}
	if succeeded != 1 {
		t.Fatalf("%d creates succeeded, want 1", succeeded)
	}
	if n, _ := client.ZCard(ctx, host.indexKey()).Result(); n != 1 {
		t.Errorf("index lists %d sessions, want 1", n)
	}

	destroySession(t, host)
	if n, _ := client.ZCard(ctx, host.indexKey()).Result(); n != 0 {
		t.Errorf("index lists %d sessions after destroy", n)
	}
}
