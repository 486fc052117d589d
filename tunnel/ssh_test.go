package tunnel

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"

	ncerr "mpcore/internal/errors"
	"mpcore/util"
)

// testGateway is a minimal SSH server that accepts one password,
// answers keepalives and forwards direct-tcpip channels.
type testGateway struct {
	ln   net.Listener
	conf *ssh.ServerConfig

	mu    sync.Mutex
	conns []net.Conn
}

func startGateway(t *testing.T, password string) *testGateway {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatal(err)
	}
	conf := &ssh.ServerConfig{
		PasswordCallback: func(_ ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if string(pass) == password {
				return nil, nil
			}
			return nil, fmt.Errorf("bad password")
		},
	}
	conf.AddHostKey(signer)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	g := &testGateway{ln: ln, conf: conf}
	go g.serve()
	t.Cleanup(g.close)
	return g
}

func (g *testGateway) port() int { return g.ln.Addr().(*net.TCPAddr).Port }

func (g *testGateway) close() {
	g.ln.Close()
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, c := range g.conns {
		c.Close()
	}
}

func (g *testGateway) serve() {
	for {
		conn, err := g.ln.Accept()
		if err != nil {
			return
		}
		g.mu.Lock()
		g.conns = append(g.conns, conn)
		g.mu.Unlock()
		go g.handle(conn)
	}
}

func (g *testGateway) handle(conn net.Conn) {
	_, chans, reqs, err := ssh.NewServerConn(conn, g.conf)
	if err != nil {
		conn.Close()
		return
	}
	go func() {
		for req := range reqs {
			if req.WantReply {
				req.Reply(req.Type == "keepalive@openssh.com", nil) //nolint:errcheck
			}
		}
	}()
	for nc := range chans {
		if nc.ChannelType() != "direct-tcpip" {
			nc.Reject(ssh.UnknownChannelType, "unsupported") //nolint:errcheck
			continue
		}
		var target struct {
			Host     string
			Port     uint32
			OrigHost string
			OrigPort uint32
		}
		if err := ssh.Unmarshal(nc.ExtraData(), &target); err != nil {
			nc.Reject(ssh.ConnectionFailed, "bad payload") //nolint:errcheck
			continue
		}
		up, err := net.Dial("tcp", net.JoinHostPort(target.Host, strconv.Itoa(int(target.Port))))
		if err != nil {
			nc.Reject(ssh.ConnectionFailed, err.Error()) //nolint:errcheck
			continue
		}
		ch, creqs, err := nc.Accept()
		if err != nil {
			up.Close()
			continue
		}
		go ssh.DiscardRequests(creqs)
		go func() {
			defer ch.Close()
			defer up.Close()
			go io.Copy(up, ch) //nolint:errcheck
			io.Copy(ch, up)    //nolint:errcheck
		}()
	}
}

func echoServer(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				io.Copy(c, c) //nolint:errcheck
			}()
		}
	}()
	return ln.Addr().String()
}

func gatewayConfig(g *testGateway, password string) *SSHConfig {
	return &SSHConfig{
		User:        "player",
		Host:        "127.0.0.1",
		Port:        g.port(),
		PromptPass:  true,
		ConnTimeout: 2 * time.Second,
		Prompt:      func(string) ([]byte, error) { return []byte(password), nil },
	}
}

// TestSSHTunnel_ForwardsThroughGateway verifies a connection opened
// through the gateway reaches the target and that keepalives succeed.
func TestSSHTunnel_ForwardsThroughGateway(t *testing.T) {
	g := startGateway(t, "secret")
	target := echoServer(t)

	tun := NewSSHTunnel(gatewayConfig(g, "secret"), util.NewLogger(0))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := tun.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer tun.Close()

	if !tun.IsAlive() {
		t.Fatal("tunnel should be alive")
	}
	if err := tun.Ping(); err != nil {
		t.Fatalf("Ping: %v", err)
	}

	conn, err := tun.Dial(ctx, "tcp", target)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("left\n")); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 5)
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatal(err)
	}
	if string(buf) != "left\n" {
		t.Errorf("echo = %q", buf)
	}
}

func TestSSHTunnel_BadPassword(t *testing.T) {
	g := startGateway(t, "secret")
	tun := NewSSHTunnel(gatewayConfig(g, "guess"), util.NewLogger(0))

	err := tun.Connect(context.Background())
	var sshErr *ncerr.SSHError
	if !errors.As(err, &sshErr) || sshErr.Op != "handshake" {
		t.Fatalf("Connect = %v, want handshake SSHError", err)
	}
	if tun.IsAlive() {
		t.Error("tunnel should not be alive")
	}
}

func TestSSHTunnel_DialBeforeConnect(t *testing.T) {
	tun := NewSSHTunnel(&SSHConfig{Host: "127.0.0.1"}, util.NewLogger(0))
	if _, err := tun.Dial(context.Background(), "tcp", "127.0.0.1:1"); !errors.Is(err, ncerr.ErrNotConnected) {
		t.Errorf("Dial = %v, want ErrNotConnected", err)
	}
	if err := tun.Ping(); !errors.Is(err, ncerr.ErrNotConnected) {
		t.Errorf("Ping = %v, want ErrNotConnected", err)
	}
}

// ── Monitor ──────────────────────────────────────────────────────────

type fakeTunnel struct {
	mu      sync.Mutex
	alive   bool
	pingErr error
	closed  bool
}

func (f *fakeTunnel) Connect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alive = true
	return nil
}

func (f *fakeTunnel) Dial(context.Context, string, string) (net.Conn, error) {
	return nil, ncerr.ErrNotConnected
}

func (f *fakeTunnel) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.alive = false
	return nil
}

func (f *fakeTunnel) IsAlive() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.alive
}

func (f *fakeTunnel) Ping() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pingErr
}

func (f *fakeTunnel) fail(err error) {
	f.mu.Lock()
	f.pingErr = err
	f.mu.Unlock()
}

func TestMonitor_ReportsLostGateway(t *testing.T) {
	ft := &fakeTunnel{}
	m := NewMonitor(ft, 5*time.Millisecond, util.NewLogger(0))
	lost := make(chan error, 4)
	m.OnLost = func(err error) { lost <- err }

	if err := m.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer m.Stop()

	time.Sleep(20 * time.Millisecond)
	select {
	case err := <-lost:
		t.Fatalf("healthy tunnel reported lost: %v", err)
	default:
	}

	ft.fail(errors.New("no reply"))
	select {
	case <-lost:
	case <-time.After(2 * time.Second):
		t.Fatal("OnLost never called")
	}

	time.Sleep(20 * time.Millisecond)
	if len(lost) != 0 {
		t.Error("OnLost should fire once")
	}
}

func TestMonitor_StopIsQuiet(t *testing.T) {
	ft := &fakeTunnel{}
	m := NewMonitor(ft, 5*time.Millisecond, util.NewLogger(0))
	lost := make(chan error, 1)
	m.OnLost = func(err error) { lost <- err }

	if err := m.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := m.Stop(); err != nil {
		t.Fatal(err)
	}
	time.Sleep(20 * time.Millisecond)

	if !ft.closed {
		t.Error("Stop should close the tunnel")
	}
	select {
	case err := <-lost:
		t.Errorf("stopped monitor reported %v", err)
	default:
	}
}
