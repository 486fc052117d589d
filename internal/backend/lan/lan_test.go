package lan

import (
	"context"
	"testing"
	"time"

	"mpcore/internal/backend"
	"mpcore/util"
)

const key = "GameSession"

func hostSettings(max int, lanMatch bool) backend.Settings {
	s := backend.Settings{NumPublicConnections: max, IsLANMatch: lanMatch, ShouldAdvertise: true}
	s.Set(backend.KeyLevel, backend.IntValue(1))
	s.Set(backend.KeyHostAddr, backend.StringValue("127.0.0.1:7777"))
	return s
}

func wait[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("completion never fired")
	}
	var zero T
	return zero
}

func create(t *testing.T, b *Backend, s backend.Settings) {
	t.Helper()
	ch := make(chan bool, 1)
	if err := b.CreateSession(context.Background(), 0, key, s, func(ok bool) { ch <- ok }); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if !wait(t, ch) {
		t.Fatal("create failed")
	}
}

func find(t *testing.T, b *Backend, lanMatch bool) []backend.SearchResult {
	t.Helper()
	ch := make(chan []backend.SearchResult, 1)
	spec := backend.SearchSpec{MaxResults: 10000, LAN: lanMatch, Presence: true}
	if err := b.FindSessions(context.Background(), 0, spec, func(r []backend.SearchResult, _ bool) { ch <- r }); err != nil {
		t.Fatalf("FindSessions: %v", err)
	}
	return wait(t, ch)
}

func join(t *testing.T, b *Backend, r backend.SearchResult) backend.JoinOutcome {
	t.Helper()
	ch := make(chan backend.JoinOutcome, 1)
	if err := b.JoinSession(context.Background(), 0, key, r, func(o backend.JoinOutcome) { ch <- o }); err != nil {
		t.Fatalf("JoinSession: %v", err)
	}
	return wait(t, ch)
}

func destroy(t *testing.T, b *Backend) bool {
	t.Helper()
	ch := make(chan bool, 1)
	if err := b.DestroySession(context.Background(), key, func(ok bool) { ch <- ok }); err != nil {
		t.Fatalf("DestroySession: %v", err)
	}
	return wait(t, ch)
}

// TestLAN_HostFindJoin verifies a second backend on the segment can
// discover and join a hosted session.
func TestLAN_HostFindJoin(t *testing.T) {
	net := NewNetwork()
	host := New(net, util.NewLogger(0))
	client := New(net, util.NewLogger(0))

	create(t, host, hostSettings(4, true))

	if got := find(t, host, true); len(got) != 0 {
		t.Errorf("host should not find its own session, got %d", len(got))
	}
	results := find(t, client, true)
	if len(results) != 1 {
		t.Fatalf("found %d sessions, want 1", len(results))
	}
	if results[0].OpenConnections != 3 {
		t.Errorf("open connections = %d, want 3", results[0].OpenConnections)
	}

	if o := join(t, client, results[0]); o != backend.JoinSuccess {
		t.Fatalf("join outcome = %s", o)
	}
	if addr, ok := client.ConnectString(key); !ok || addr != "127.0.0.1:7777" {
		t.Errorf("ConnectString = %q, %v", addr, ok)
	}
	if o := join(t, client, results[0]); o != backend.JoinAlreadyInSession {
		t.Errorf("second join outcome = %s, want already in session", o)
	}
}

// TestLAN_FindFiltersLANFlag verifies searches only match sessions with
// the same LAN flag.
func TestLAN_FindFiltersLANFlag(t *testing.T) {
	net := NewNetwork()
	create(t, New(net, util.NewLogger(0)), hostSettings(4, false))

	client := New(net, util.NewLogger(0))
	if got := find(t, client, true); len(got) != 0 {
		t.Errorf("LAN search matched a non-LAN session")
	}
	if got := find(t, client, false); len(got) != 1 {
		t.Errorf("non-LAN search found %d, want 1", len(got))
	}
}

// TestLAN_JoinFull verifies the host counts against the connection
// limit.
func TestLAN_JoinFull(t *testing.T) {
	net := NewNetwork()
	create(t, New(net, util.NewLogger(0)), hostSettings(2, true))

	first := New(net, util.NewLogger(0))
	results := find(t, first, true)
	if o := join(t, first, results[0]); o != backend.JoinSuccess {
		t.Fatalf("first join = %s", o)
	}
	second := New(net, util.NewLogger(0))
	if o := join(t, second, results[0]); o != backend.JoinSessionFull {
		t.Errorf("second join = %s, want session is full", o)
	}
}

// TestLAN_JoinVanished verifies joining a destroyed session reports
// that it does not exist.
func TestLAN_JoinVanished(t *testing.T) {
	net := NewNetwork()
	host := New(net, util.NewLogger(0))
	create(t, host, hostSettings(4, true))
	client := New(net, util.NewLogger(0))
	results := find(t, client, true)

	destroy(t, host)
	if o := join(t, client, results[0]); o != backend.JoinSessionDoesNotExist {
		t.Errorf("join = %s, want session does not exist", o)
	}
}

// TestLAN_CreateRefusals verifies synchronous refusals.
func TestLAN_CreateRefusals(t *testing.T) {
	b := New(NewNetwork(), util.NewLogger(0))
	never := func(bool) { t.Error("refused call fired its completion") }

	if err := b.CreateSession(context.Background(), 0, key, backend.Settings{}, never); err == nil {
		t.Error("expected refusal for zero connections")
	}
	create(t, b, hostSettings(4, true))
	if err := b.CreateSession(context.Background(), 0, key, hostSettings(4, true), never); err == nil {
		t.Error("expected refusal for duplicate session")
	}
	time.Sleep(20 * time.Millisecond)
}

// TestLAN_SupersededCreate verifies overlapping creates of one key
// advertise a single session and leave nothing behind once destroyed.
func TestLAN_SupersededCreate(t *testing.T) {
	net := NewNetwork()
	net.SetLatency(10 * time.Millisecond)
	host := New(net, util.NewLogger(0))

	first := make(chan bool, 1)
	second := make(chan bool, 1)
	for _, ch := range []chan bool{first, second} {
		ch := ch
		if err := host.CreateSession(context.Background(), 0, key, hostSettings(4, true), func(ok bool) { ch <- ok }); err != nil {
			t.Fatalf("CreateSession: %v", err)
		}
	}
	if wait(t, first) {
		t.Error("superseded create reported success")
	}
	if !wait(t, second) {
		t.Fatal("latest create failed")
	}
	if got := net.Sessions(); got != 1 {
		t.Fatalf("segment advertises %d sessions, want 1", got)
	}

	if !destroy(t, host) {
		t.Fatal("destroy failed")
	}
	if got := net.Sessions(); got != 0 {
		t.Errorf("segment still advertises %d sessions", got)
	}
	if got := find(t, New(net, util.NewLogger(0)), true); len(got) != 0 {
		t.Errorf("client still finds %d sessions", len(got))
	}
}

// TestLAN_DestroyResidue verifies a residual destroy reports success
// while the named session survives.
func TestLAN_DestroyResidue(t *testing.T) {
	net := NewNetwork()
	b := New(net, util.NewLogger(0))
	create(t, b, hostSettings(4, true))

	net.LeaveResidue(1)
	if !destroy(t, b) {
		t.Fatal("residual destroy should report success")
	}
	if _, ok := b.NamedSession(key); !ok {
		t.Fatal("session should survive a residual destroy")
	}

	destroy(t, b)
	if _, ok := b.NamedSession(key); ok {
		t.Error("session should be gone")
	}
	if net.Sessions() != 0 {
		t.Errorf("segment still advertises %d sessions", net.Sessions())
	}
	if err := b.DestroySession(context.Background(), key, func(bool) {}); err == nil {
		t.Error("destroying an absent session should be refused")
	}
}

// TestLAN_LoginLogout verifies identities are stable per credentials
// and persistent credentials replay the stored identity.
func TestLAN_LoginLogout(t *testing.T) {
	b := New(NewNetwork(), util.NewLogger(0))
	type login struct {
		id string
		ok bool
	}
	do := func(c backend.Credentials) login {
		ch := make(chan login, 1)
		if err := b.Login(context.Background(), 0, c, func(id string, ok bool) { ch <- login{id, ok} }); err != nil {
			t.Fatal(err)
		}
		return wait(t, ch)
	}

	first := do(backend.Credentials{Type: "developer", ID: "alice"})
	second := do(backend.Credentials{Type: "developer", ID: "alice"})
	if !first.ok || first.id == "" || first.id != second.id {
		t.Fatalf("identities not stable: %+v %+v", first, second)
	}
	if got := do(backend.Credentials{Type: backend.CredentialsPersistent, ID: first.id}); got.id != first.id {
		t.Errorf("persistent login = %q, want %q", got.id, first.id)
	}
	if got := do(backend.Credentials{Type: "developer"}); got.ok {
		t.Error("empty id should fail")
	}

	out := make(chan bool, 2)
	b.Logout(context.Background(), 0, func(ok bool) { out <- ok }) //nolint:errcheck
	if !wait(t, out) {
		t.Error("logout of a logged-in slot should succeed")
	}
	b.Logout(context.Background(), 0, func(ok bool) { out <- ok }) //nolint:errcheck
	if wait(t, out) {
		t.Error("second logout should fail")
	}
}
