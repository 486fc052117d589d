// Package cmd wires up the CLI flags and dispatches to the session core.
package cmd

import (
	"context"
	"fmt"
	"os"

	flag "github.com/spf13/pflag"

	"mpcore/config"
	"mpcore/internal/core"
	"mpcore/util"
)

// version is overridable at link time:
//
//	go build -ldflags "-X mpcore/cmd.version=2.0.0"
var version = "1.0.0" //nolint:gochecknoglobals

// Execute parses args and runs the selected mode.  Flags override
// MPCORE_* environment variables, which override the defaults.
func Execute(ctx context.Context, args []string) error {
	cfg := config.Default()
	if err := config.LoadFromEnv(cfg); err != nil {
		return err
	}
	fs := flag.NewFlagSet("mpcore", flag.ContinueOnError)

	// ── mode ─────────────────────────────────────────────────────
	var host, join, find, login bool
	fs.BoolVar(&host, "host", false, "Host a session")
	fs.BoolVar(&join, "join", false, "Join the first session found")
	fs.BoolVar(&find, "find", false, "List advertised sessions")
	fs.BoolVar(&login, "login", false, "Log the local player in")
	fs.IntVar(&cfg.Slot, "slot", cfg.Slot, "Local player slot")

	// ── session ──────────────────────────────────────────────────
	fs.StringVarP(&cfg.CustomName, "name", "N", cfg.CustomName, "Advertised session name")
	fs.IntVarP(&cfg.MaxConnections, "max-connections", "m", cfg.MaxConnections, "Connections including the host")
	fs.BoolVar(&cfg.Private, "private", cfg.Private, "Do not advertise the session")
	fs.BoolVar(&cfg.LAN, "lan", cfg.LAN, "Use the LAN backend (--lan=false for online)")
	fs.StringVar(&cfg.GameMode, "game-mode", cfg.GameMode, "every-man-for-himself, teams or coop")
	fs.StringVar(&cfg.Level, "level", cfg.Level, "Level to host")

	// ── LAN discovery ────────────────────────────────────────────
	fs.IntVar(&cfg.LANPort, "lan-port", cfg.LANPort, "UDP port LAN hosts answer searches on (0 = this process only)")
	fs.StringVar(&cfg.LANBroadcast, "lan-broadcast", cfg.LANBroadcast, "Address LAN searches are broadcast to")

	// ── online backend ───────────────────────────────────────────
	fs.StringVar(&cfg.RedisAddr, "redis", cfg.RedisAddr, "Redis address for online sessions and login")
	fs.StringVar(&cfg.RedisPassword, "redis-password", cfg.RedisPassword, "Redis password")
	fs.IntVar(&cfg.RedisDB, "redis-db", cfg.RedisDB, "Redis database")
	fs.StringVar(&cfg.RedisKeyPrefix, "redis-prefix", cfg.RedisKeyPrefix, "Redis key prefix")
	fs.DurationVar(&cfg.RedisTTL, "redis-ttl", cfg.RedisTTL, "How long a session outlives its host's last refresh")
	fs.DurationVar(&cfg.BackendTimeout, "backend-timeout", cfg.BackendTimeout, "Timeout per backend operation")

	// ── forwarding channel ───────────────────────────────────────
	fs.StringVarP(&cfg.Transport, "transport", "t", cfg.Transport, "Forwarding transport: tcp or ws")
	fs.StringVarP(&cfg.ListenAddr, "listen", "l", cfg.ListenAddr, "Host listen address")
	fs.StringVar(&cfg.AdvertiseAddr, "advertise", cfg.AdvertiseAddr, "Address advertised to clients (default: bound address)")
	fs.StringVar(&cfg.WSPath, "ws-path", cfg.WSPath, "WebSocket path")
	fs.IntVar(&cfg.MaxFrameSize, "max-frame-size", cfg.MaxFrameSize, "Largest accepted frame in bytes (0 = default)")
	fs.DurationVarP(&cfg.Timeout, "timeout", "w", cfg.Timeout, "Connect timeout")
	fs.IntVar(&cfg.DialAttempts, "dial-attempts", cfg.DialAttempts, "Connect attempts before travel fails")

	// ── SSH gateway ──────────────────────────────────────────────
	fs.StringVarP(&cfg.GatewaySpec, "gateway", "G", cfg.GatewaySpec, "Reach the host via SSH [user@]host[:port]")
	fs.StringVar(&cfg.SSHKeyPath, "ssh-key", cfg.SSHKeyPath, "SSH private key file")
	fs.BoolVar(&cfg.SSHPassword, "ssh-password", cfg.SSHPassword, "Prompt for SSH password")
	fs.BoolVar(&cfg.UseSSHAgent, "ssh-agent", cfg.UseSSHAgent, "Use SSH agent")
	fs.BoolVar(&cfg.StrictHostKey, "strict-hostkey", cfg.StrictHostKey, "Verify SSH host keys")
	fs.StringVar(&cfg.KnownHostsPath, "known-hosts", cfg.KnownHostsPath, "Custom known_hosts path")
	fs.DurationVar(&cfg.KeepAlive, "keep-alive", cfg.KeepAlive, "SSH keep-alive interval")

	// ── login ────────────────────────────────────────────────────
	fs.StringVar(&cfg.LoginType, "login-type", cfg.LoginType, "Credential type")
	fs.StringVar(&cfg.LoginID, "login-id", cfg.LoginID, "Account id")
	fs.StringVar(&cfg.LoginToken, "login-token", cfg.LoginToken, "Account token")
	fs.StringVar(&cfg.IdentityDB, "identity-db", cfg.IdentityDB, "SQLite file persisting logged-in identities")

	// ── teardown and output ──────────────────────────────────────
	fs.IntVar(&cfg.DestroyAttempts, "destroy-attempts", cfg.DestroyAttempts, "Session destroy attempts before giving up")
	fs.BoolVar(&cfg.Headless, "headless", cfg.Headless, "No console; run until interrupted")
	fs.CountVarP(&cfg.Verbose, "verbose", "v", "Increase verbosity (repeatable)")

	var showVersion, showHelp, dryRun bool
	fs.BoolVar(&showVersion, "version", false, "Print version and exit")
	fs.BoolVarP(&showHelp, "help", "h", false, "Show this help")
	fs.BoolVar(&dryRun, "dry-run", false, "Validate the configuration and exit")

	fs.Usage = func() { printUsage(fs) }

	// ── parse ────────────────────────────────────────────────────
	if err := fs.Parse(args); err != nil {
		return err
	}

	if showHelp || len(args) == 0 {
		printUsage(fs)
		return nil
	}
	if showVersion {
		fmt.Printf("mpcore %s\n", version)
		return nil
	}
	if fs.NArg() > 0 {
		return fmt.Errorf("unexpected arguments: %v", fs.Args())
	}

	mode, err := selectMode(host, join, find, login)
	if err != nil {
		return err
	}
	cfg.Mode = mode

	// ── gateway spec ─────────────────────────────────────────────
	if err := cfg.ApplyGatewaySpec(); err != nil {
		return err
	}

	// ── validate ─────────────────────────────────────────────────
	if err := cfg.Validate(); err != nil {
		return err
	}
	if dryRun {
		fmt.Print(summary(cfg))
		return nil
	}

	// ── build and run ────────────────────────────────────────────
	logger := util.NewLogger(cfg.Verbose)
	m, err := core.Build(cfg, logger)
	if err != nil {
		return err
	}
	return m.Run(ctx)
}

// ── helpers ──────────────────────────────────────────────────────────

func selectMode(host, join, find, login bool) (config.Mode, error) {
	mode := config.ModeNone
	for _, c := range []struct {
		set  bool
		mode config.Mode
	}{
		{host, config.ModeHost},
		{join, config.ModeJoin},
		{find, config.ModeFind},
		{login, config.ModeLogin},
	} {
		if !c.set {
			continue
		}
		if mode != config.ModeNone {
			return config.ModeNone, fmt.Errorf("--%s and --%s are mutually exclusive", mode, c.mode)
		}
		mode = c.mode
	}
	return mode, nil
}

func summary(cfg *config.Config) string {
	backend := "lan"
	if cfg.LAN && cfg.LANPort > 0 {
		backend += fmt.Sprintf(" (udp %s:%d)", cfg.LANBroadcast, cfg.LANPort)
	}
	if !cfg.LAN {
		backend = "redis " + cfg.RedisAddr
	}
	s := fmt.Sprintf("mode %s, slot %d, backend %s\n", cfg.Mode, cfg.Slot, backend)
	switch cfg.Mode {
	case config.ModeHost:
		s += fmt.Sprintf("hosting %q on %s for %d connections over %s %s\n",
			cfg.CustomName, cfg.Level, cfg.MaxConnections, cfg.Transport, cfg.ListenAddr)
	case config.ModeJoin:
		s += fmt.Sprintf("joining over %s", cfg.Transport)
		if cfg.GatewayEnabled {
			s += fmt.Sprintf(" via %s@%s:%d", cfg.GatewayUser, cfg.GatewayHost, cfg.GatewayPort)
		}
		s += "\n"
	}
	return s
}

func printUsage(fs *flag.FlagSet) {
	fmt.Fprintf(os.Stderr, `mpcore – multiplayer session core v%s

Hosts, finds and joins game sessions and forwards gameplay commands
from clients to the host that owns the game state.

Usage:
  mpcore --host [options]                     Host a session
  mpcore --join [options]                     Join the first session found
  mpcore --find [options]                     List sessions
  mpcore --login --login-id ID [options]      Log in

LAN hosts answer UDP searches on --lan-port, so peers on the same
segment find each other without a server.  Sessions beyond the segment
go through the online backend (--lan=false --redis host:6379).

Options:
`, version)
	fs.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
Console commands (host and join):
  left, right, leave, menu, status, quit

Examples:
  mpcore --host -N "Friday match"
  mpcore --join
  mpcore --host --lan=false --redis localhost:6379 -N "Friday match"
  mpcore --join --lan=false --redis localhost:6379
  mpcore --join --lan=false --redis localhost:6379 -G player@gw.example.com
  mpcore --find --lan=false --redis localhost:6379
  MPCORE_REDIS_ADDR=localhost:6379 mpcore --login --login-id alice --identity-db ids.db
`)
}
