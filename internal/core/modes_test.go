package core

import (
	"bytes"
	"context"
	"errors"
	"net"
	"path/filepath"
	"strings"
	"testing"

	"mpcore/config"
	"mpcore/internal/backend"
	"mpcore/internal/backend/lan"
	ncerr "mpcore/internal/errors"
	"mpcore/internal/identity"
	"mpcore/internal/player"
	"mpcore/internal/transport"
	"mpcore/util"
)

func TestFindMode(t *testing.T) {
	t.Run("lists advertised sessions", func(t *testing.T) {
		segment := lan.NewNetwork()
		host := newTestInstance(t, testOptions{net: segment})
		hostDone := start(host, host.Host)
		waitFor(t, "host to listen", host.Traveler.Hosting)

		var out bytes.Buffer
		finder := newTestInstance(t, testOptions{net: segment, out: &out})
		if err := (&FindMode{Instance: finder}).Run(context.Background()); err != nil {
			t.Fatalf("Run: %v", err)
		}

		got := out.String()
		for _, want := range []string{"SESSION", "test game", "every-man-for-himself", "some level", "3/4", "127.0.0.1:"} {
			if !strings.Contains(got, want) {
				t.Errorf("output missing %q:\n%s", want, got)
			}
		}

		host.Loop.Post(host.Quit)
		await(t, hostDone)
	})

	t.Run("nothing advertised", func(t *testing.T) {
		finder := newTestInstance(t, testOptions{})
		err := (&FindMode{Instance: finder}).Run(context.Background())
		if !errors.Is(err, ncerr.ErrNoSessionFound) {
			t.Errorf("Run = %v, want ErrNoSessionFound", err)
		}
	})
}

func TestLoginMode(t *testing.T) {
	store, err := identity.Open(":memory:")
	if err != nil {
		t.Fatalf("identity.Open: %v", err)
	}
	defer store.Close()

	var out bytes.Buffer
	inst := newTestInstance(t, testOptions{out: &out, ids: store})
	creds := backend.Credentials{Type: "password", ID: "alice", Token: "secret"}
	if err := (&LoginMode{Instance: inst, Credentials: creds}).Run(context.Background()); err != nil {
		t.Fatalf("login: %v", err)
	}
	if !strings.Contains(out.String(), "slot 0 logged in as ") {
		t.Errorf("output = %q", out.String())
	}

	stored, found, err := store.Load(context.Background(), 0)
	if err != nil || !found {
		t.Fatalf("Load = %q, %v, %v", stored, found, err)
	}
	local, _ := inst.Players.Get(0)
	if !local.IsLoggedIn || local.Identity != stored {
		t.Errorf("player = %+v, want logged in as %s", local, stored)
	}
	if inst.Flow.SessionConfig().LANEnabled {
		t.Error("login must disable LAN")
	}

	t.Run("restores the stored identity", func(t *testing.T) {
		out.Reset()
		again := newTestInstance(t, testOptions{out: &out, ids: store})
		if err := (&LoginMode{Instance: again}).Run(context.Background()); err != nil {
			t.Fatalf("restore: %v", err)
		}
		local, _ := again.Players.Get(0)
		if local.Identity != stored {
			t.Errorf("restored identity = %q, want %q", local.Identity, stored)
		}
	})

	t.Run("nothing stored", func(t *testing.T) {
		empty, err := identity.Open(":memory:")
		if err != nil {
			t.Fatal(err)
		}
		defer empty.Close()
		inst := newTestInstance(t, testOptions{ids: empty})
		err = (&LoginMode{Instance: inst}).Run(context.Background())
		if err == nil || !strings.Contains(err.Error(), "no stored identity") {
			t.Errorf("Run = %v, want no stored identity", err)
		}
	})

	t.Run("no credentials and no store", func(t *testing.T) {
		inst := newTestInstance(t, testOptions{})
		err := (&LoginMode{Instance: inst, Credentials: backend.Credentials{Type: "password"}}).Run(context.Background())
		if err == nil {
			t.Fatal("expected error with nothing to log in with")
		}
	})
}

func TestNetTraveler(t *testing.T) {
	inst := newTestInstance(t, testOptions{})
	tr := inst.Traveler

	if err := tr.TravelToLevel(player.SomeLevel, false, ""); err == nil {
		t.Error("client travel without an address must fail")
	}

	first, err := tr.Prepare()
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	again, err := tr.Prepare()
	if err != nil || again != first {
		t.Errorf("Prepare again = %q, %v; want %q", again, err, first)
	}
	if err := tr.TravelToLevel(player.SomeLevel, true, ""); err != nil {
		t.Fatalf("host travel: %v", err)
	}
	if !tr.Hosting() {
		t.Fatal("not hosting after host travel")
	}
	if err := tr.TravelToLevel(player.MainMenu, false, ""); err != nil {
		t.Fatalf("menu travel: %v", err)
	}
	if tr.Hosting() {
		t.Error("still hosting after returning to the menu")
	}

	t.Run("no connector", func(t *testing.T) {
		bare := &NetTraveler{Logger: util.NewLogger(0)}
		if err := bare.TravelToLevel(player.SomeLevel, false, "127.0.0.1:1"); err == nil {
			t.Error("expected error without a connector")
		}
		if err := bare.TravelToLevel(player.MainMenu, false, ""); err != nil {
			t.Errorf("menu travel = %v, want nil", err)
		}
	})
}

func TestBuild(t *testing.T) {
	logger := util.NewLogger(0)
	tests := []struct {
		name  string
		setup func(*config.Config)
		check func(*testing.T, Mode)
	}{
		{
			name:  "host",
			setup: func(c *config.Config) { c.Mode = config.ModeHost },
			check: func(t *testing.T, m Mode) {
				hm, ok := m.(*HostMode)
				if !ok || hm.Console == nil {
					t.Fatalf("mode = %T, want *HostMode with console", m)
				}
				if hm.Instance.Flow.HostLevel() != player.SomeLevel {
					t.Errorf("host level = %s", hm.Instance.Flow.HostLevel())
				}
			},
		},
		{
			name: "headless join over tcp",
			setup: func(c *config.Config) {
				c.Mode = config.ModeJoin
				c.Headless = true
			},
			check: func(t *testing.T, m Mode) {
				jm, ok := m.(*JoinMode)
				if !ok || jm.Console != nil {
					t.Fatalf("mode = %T, want headless *JoinMode", m)
				}
				sc, ok := jm.Instance.Traveler.Connector.(*transport.StreamConnector)
				if !ok {
					t.Fatalf("connector = %T", jm.Instance.Traveler.Connector)
				}
				if _, ok := sc.Dialer.(*transport.TCPDialer); !ok {
					t.Errorf("dialer = %T, want *TCPDialer", sc.Dialer)
				}
				if sc.Retry == nil || sc.Retry.MaxAttempts != config.DefaultDialAttempts {
					t.Errorf("retry = %+v", sc.Retry)
				}
			},
		},
		{
			name: "join through the gateway",
			setup: func(c *config.Config) {
				c.Mode = config.ModeJoin
				c.GatewaySpec = "player@gw.example.com:2222"
			},
			check: func(t *testing.T, m Mode) {
				sc := m.(*JoinMode).Instance.Traveler.Connector.(*transport.StreamConnector)
				if _, ok := sc.Dialer.(*transport.SSHDialer); !ok {
					t.Errorf("dialer = %T, want *SSHDialer", sc.Dialer)
				}
			},
		},
		{
			name: "join over websocket",
			setup: func(c *config.Config) {
				c.Mode = config.ModeJoin
				c.Transport = config.TransportWS
			},
			check: func(t *testing.T, m Mode) {
				ws, ok := m.(*JoinMode).Instance.Traveler.Connector.(*transport.WSConnector)
				if !ok {
					t.Fatalf("connector = %T, want *WSConnector", m.(*JoinMode).Instance.Traveler.Connector)
				}
				if ws.Path != "/mpcore" {
					t.Errorf("path = %q", ws.Path)
				}
			},
		},
		{
			name: "host with lan discovery",
			setup: func(c *config.Config) {
				c.Mode = config.ModeHost
				c.LANPort = freeUDPPort(t)
				c.LANBroadcast = "127.0.0.1"
			},
			check: func(t *testing.T, m Mode) {
				if n := len(m.(*HostMode).Instance.closers); n != 1 {
					t.Errorf("closers = %d, want the beacon", n)
				}
			},
		},
		{
			name:  "find",
			setup: func(c *config.Config) { c.Mode = config.ModeFind },
			check: func(t *testing.T, m Mode) {
				if _, ok := m.(*FindMode); !ok {
					t.Fatalf("mode = %T, want *FindMode", m)
				}
			},
		},
		{
			name: "login with redis and an identity store",
			setup: func(c *config.Config) {
				c.Mode = config.ModeLogin
				c.RedisAddr = "127.0.0.1:6379"
				c.LoginID = "alice"
				c.LoginToken = "secret"
				c.IdentityDB = filepath.Join(t.TempDir(), "ids.db")
			},
			check: func(t *testing.T, m Mode) {
				lm, ok := m.(*LoginMode)
				if !ok {
					t.Fatalf("mode = %T, want *LoginMode", m)
				}
				if lm.Credentials.ID != "alice" || lm.Credentials.Token != "secret" || lm.Credentials.Type != config.DefaultLoginType {
					t.Errorf("credentials = %+v", lm.Credentials)
				}
				if len(lm.Instance.closers) != 2 {
					t.Errorf("closers = %d, want redis and identity store", len(lm.Instance.closers))
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			cfg.ListenAddr = "127.0.0.1:0"
			cfg.LANPort = 0
			tt.setup(cfg)
			if err := cfg.ApplyGatewaySpec(); err != nil {
				t.Fatal(err)
			}
			if err := cfg.Validate(); err != nil {
				t.Fatalf("Validate: %v", err)
			}

			m, err := Build(cfg, logger)
			if err != nil {
				t.Fatalf("Build: %v", err)
			}
			tt.check(t, m)
			instanceOf(m).Close()
		})
	}

	t.Run("no mode", func(t *testing.T) {
		if _, err := Build(config.Default(), logger); err == nil {
			t.Error("expected error without a mode")
		}
	})
}

func instanceOf(m Mode) *Instance {
	switch m := m.(type) {
	case *HostMode:
		return m.Instance
	case *JoinMode:
		return m.Instance
	case *FindMode:
		return m.Instance
	case *LoginMode:
		return m.Instance
	}
	return nil
}

func freeUDPPort(t *testing.T) int {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).Port
}
