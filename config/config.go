// Package config defines the runtime configuration for mpcore and
// provides helpers for parsing gateway specifications.
package config

import (
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
	"time"

	ncerr "mpcore/internal/errors"
	"mpcore/internal/player"
	"mpcore/internal/session"
)

// Mode selects what the process does after start-up.
type Mode int

const (
	ModeNone Mode = iota
	ModeHost
	ModeJoin
	ModeFind
	ModeLogin
)

func (m Mode) String() string {
	switch m {
	case ModeHost:
		return "host"
	case ModeJoin:
		return "join"
	case ModeFind:
		return "find"
	case ModeLogin:
		return "login"
	default:
		return "none"
	}
}

// Transport names for the forwarding channel.
const (
	TransportTCP = "tcp"
	TransportWS  = "ws"
)

// Config holds every tuneable for a single mpcore process.  Fields with
// an env tag can be set through MPCORE_<name>.
type Config struct {
	Mode Mode
	Slot int `env:"SLOT"`

	// ── Session ──────────────────────────────────────────────────────
	CustomName     string `env:"CUSTOM_NAME"`
	MaxConnections int    `env:"MAX_CONNECTIONS"`
	Private        bool   `env:"PRIVATE"`
	LAN            bool   `env:"LAN"`
	GameMode       string `env:"GAME_MODE"`
	Level          string `env:"LEVEL"`

	// ── LAN discovery ────────────────────────────────────────────────
	LANPort      int    `env:"LAN_PORT"` // 0 keeps LAN sessions inside the process
	LANBroadcast string `env:"LAN_BROADCAST"`

	// ── Online backend ───────────────────────────────────────────────
	RedisAddr      string        `env:"REDIS_ADDR"`
	RedisPassword  string        `env:"REDIS_PASSWORD"`
	RedisDB        int           `env:"REDIS_DB"`
	RedisKeyPrefix string        `env:"REDIS_PREFIX"`
	RedisTTL       time.Duration `env:"REDIS_TTL"`
	BackendTimeout time.Duration `env:"BACKEND_TIMEOUT"`

	// ── Forwarding channel ───────────────────────────────────────────
	Transport     string        `env:"TRANSPORT"`
	ListenAddr    string        `env:"LISTEN"`
	AdvertiseAddr string        `env:"ADVERTISE"`
	WSPath        string        `env:"WS_PATH"`
	MaxFrameSize  int           `env:"MAX_FRAME_SIZE"`
	Timeout       time.Duration `env:"TIMEOUT"`
	DialAttempts  int           `env:"DIAL_ATTEMPTS"`

	// ── SSH gateway ──────────────────────────────────────────────────
	GatewaySpec    string `env:"GATEWAY"` // raw user@host[:port] from -G
	GatewayEnabled bool
	GatewayUser    string
	GatewayHost    string
	GatewayPort    int
	SSHKeyPath     string        `env:"SSH_KEY"`
	SSHPassword    bool          `env:"SSH_PASSWORD"` // true → prompt interactively
	UseSSHAgent    bool          `env:"SSH_AGENT"`
	StrictHostKey  bool          `env:"STRICT_HOSTKEY"`
	KnownHostsPath string        `env:"KNOWN_HOSTS"`
	KeepAlive      time.Duration `env:"KEEP_ALIVE"`

	// ── Login ────────────────────────────────────────────────────────
	LoginType  string `env:"LOGIN_TYPE"`
	LoginID    string `env:"LOGIN_ID"`
	LoginToken string `env:"LOGIN_TOKEN"`
	IdentityDB string `env:"IDENTITY_DB"`

	// ── Session teardown ─────────────────────────────────────────────
	DestroyAttempts int `env:"DESTROY_ATTEMPTS"`

	// ── Output ───────────────────────────────────────────────────────
	Verbose  int  `env:"VERBOSE"`
	Headless bool `env:"HEADLESS"` // no console; run until interrupted
}

// SessionConfig converts the session fields into the configuration the
// flow controller hosts with.  Call Validate first.
func (c *Config) SessionConfig() session.Config {
	mode, _ := session.ParseGameMode(c.GameMode)
	return session.Config{
		CustomName:     c.CustomName,
		MaxConnections: c.MaxConnections,
		Private:        c.Private,
		LANEnabled:     c.LAN,
		GameMode:       mode,
	}
}

// HostLevel returns the level hosted sessions travel to.
func (c *Config) HostLevel() player.Level {
	level, err := player.ParseLevel(c.Level)
	if err != nil || level == player.MainMenu {
		return player.SomeLevel
	}
	return level
}

// ── Gateway-spec parser ──────────────────────────────────────────────

// gatewayRe matches [user@]host[:port].
var gatewayRe = regexp.MustCompile(`^(?:([^@]+)@)?([^:]+)(?::(\d+))?$`)

// ParseGatewaySpec extracts user, host, and port from a string such as
// "player@gw.example.com:2222".  Port defaults to 22.
func ParseGatewaySpec(spec string) (user, host string, port int, err error) {
	m := gatewayRe.FindStringSubmatch(spec)
	if m == nil {
		return "", "", 0, fmt.Errorf("invalid gateway spec %q – expected [user@]host[:port]", spec)
	}
	user = m[1]
	host = m[2]
	port = DefaultSSHPort
	if m[3] != "" {
		port, err = strconv.Atoi(m[3])
		if err != nil || port < 1 || port > 65535 {
			return "", "", 0, fmt.Errorf("invalid gateway port %q", m[3])
		}
	}
	if host == "" {
		return "", "", 0, fmt.Errorf("gateway host is required")
	}
	return user, host, port, nil
}

// ApplyGatewaySpec parses GatewaySpec into the Gateway* fields.  An
// empty spec disables the gateway.
func (c *Config) ApplyGatewaySpec() error {
	if c.GatewaySpec == "" {
		c.GatewayEnabled = false
		return nil
	}
	user, host, port, err := ParseGatewaySpec(c.GatewaySpec)
	if err != nil {
		return &ncerr.ConfigError{
			Field:   "gateway",
			Value:   c.GatewaySpec,
			Message: err.Error(),
			Hint:    "use --gateway player@gw.example.com:22",
		}
	}
	c.GatewayEnabled = true
	c.GatewayUser = user
	c.GatewayHost = host
	c.GatewayPort = port
	return nil
}

// ── Validation ───────────────────────────────────────────────────────

// Validate checks that the configuration is internally consistent.
func (c *Config) Validate() error {
	if c.Mode == ModeNone {
		return &ncerr.ConfigError{
			Field:   "mode",
			Message: "no mode selected",
			Hint:    "pass one of --host, --join, --find or --login",
		}
	}
	if c.Slot < 0 {
		return &ncerr.ConfigError{Field: "slot", Value: c.Slot, Message: "slot must not be negative"}
	}

	if c.MaxConnections < 1 {
		return &ncerr.ConfigError{
			Field:   "max-connections",
			Value:   c.MaxConnections,
			Message: "a session needs at least one connection",
			Hint:    "the host counts toward --max-connections",
		}
	}
	if _, err := session.ParseGameMode(c.GameMode); err != nil {
		return &ncerr.ConfigError{Field: "game-mode", Value: c.GameMode, Message: err.Error()}
	}
	if level, err := player.ParseLevel(c.Level); err != nil || level == player.MainMenu {
		return &ncerr.ConfigError{
			Field:   "level",
			Value:   c.Level,
			Message: "not a playable level",
			Hint:    "use some-level or some-other-level",
		}
	}

	switch c.Transport {
	case TransportTCP, TransportWS:
	default:
		return &ncerr.ConfigError{
			Field:   "transport",
			Value:   c.Transport,
			Message: "unknown forwarding transport",
			Hint:    "use tcp or ws",
		}
	}
	if c.Transport == TransportWS && !strings.HasPrefix(c.WSPath, "/") {
		return &ncerr.ConfigError{Field: "ws-path", Value: c.WSPath, Message: "path must start with /"}
	}
	if c.MaxFrameSize < 0 {
		return &ncerr.ConfigError{Field: "max-frame-size", Value: c.MaxFrameSize, Message: "must not be negative"}
	}

	if c.GatewayEnabled {
		if c.GatewayHost == "" {
			return &ncerr.ConfigError{Field: "gateway", Message: "gateway host is required"}
		}
		if c.Mode == ModeHost {
			return &ncerr.ConfigError{
				Field:   "gateway",
				Value:   c.GatewaySpec,
				Message: "the SSH gateway only carries client connections",
				Hint:    "drop --gateway when hosting, or use --join",
			}
		}
	}

	if c.LANPort < 0 || c.LANPort > 65535 {
		return &ncerr.ConfigError{Field: "lan-port", Value: c.LANPort, Message: "not a UDP port", Hint: "use 0 to disable LAN discovery"}
	}
	if c.LAN && c.LANPort > 0 && net.ParseIP(c.LANBroadcast) == nil {
		return &ncerr.ConfigError{
			Field:   "lan-broadcast",
			Value:   c.LANBroadcast,
			Message: "not an IP address",
			Hint:    "use the segment's broadcast address, e.g. 255.255.255.255",
		}
	}
	if c.RedisTTL < time.Second {
		return &ncerr.ConfigError{Field: "redis-ttl", Value: c.RedisTTL, Message: "must be at least 1s"}
	}

	if !c.LAN && c.RedisAddr == "" {
		return &ncerr.ConfigError{
			Field:   "redis",
			Message: "online sessions need a Redis server",
			Hint:    "pass --redis host:6379 or keep --lan",
		}
	}

	if c.Mode == ModeLogin {
		if c.RedisAddr == "" {
			return &ncerr.ConfigError{
				Field:   "redis",
				Message: "login needs the online backend",
				Hint:    "pass --redis host:6379",
			}
		}
		if c.LoginID == "" && c.IdentityDB == "" {
			return &ncerr.ConfigError{
				Field:   "login-id",
				Message: "nothing to log in with",
				Hint:    "pass --login-id and --login-token, or --identity-db to restore a stored login",
			}
		}
	}

	if c.DestroyAttempts < 1 {
		return &ncerr.ConfigError{Field: "destroy-attempts", Value: c.DestroyAttempts, Message: "must be at least 1"}
	}
	return nil
}
