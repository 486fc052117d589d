package config

import "time"

// ── Default values ───────────────────────────────────────────────────
//
// All tuneable defaults live here so they are easy to audit and reuse
// across CLI flags and environment variable loading.

const (
	// DefaultSSHPort is the standard SSH port.
	DefaultSSHPort = 22

	// DefaultListenAddr is where hosts accept forwarding connections.
	DefaultListenAddr = ":7777"

	// DefaultAdvertiseHost replaces an unspecified bind host in the
	// advertised HOSTADDR.
	DefaultAdvertiseHost = "127.0.0.1"

	// DefaultMaxConnections matches a fresh game instance.
	DefaultMaxConnections = 4

	// DefaultLevel is the level hosts travel to.
	DefaultLevel = "some-level"

	// DefaultConnTimeout bounds dials, handshakes and backend calls.
	DefaultConnTimeout = 10 * time.Second

	// DefaultDialAttempts is how many times a client dials the host
	// before travel fails.
	DefaultDialAttempts = 5

	// DefaultDestroyAttempts bounds LeaveSession when the backend keeps
	// residual state.
	DefaultDestroyAttempts = 5

	// DefaultKeepAlive is the SSH gateway keepalive interval.
	DefaultKeepAlive = 10 * time.Second

	// DefaultLANPort is the UDP port LAN hosts answer searches on.
	DefaultLANPort = 14001

	// DefaultLANBroadcast is where LAN searches are sent.
	DefaultLANBroadcast = "255.255.255.255"

	// DefaultRedisTTL is how long an online session outlives its last
	// refresh, which bounds how long a crashed host stays listed.
	DefaultRedisTTL = 30 * time.Second

	// DefaultRedisPrefix namespaces online sessions in Redis.
	DefaultRedisPrefix = "mpcore:"

	// DefaultLoginType is the credential type for --login-id.
	DefaultLoginType = "password"
)

// Default returns a Config holding every default.
func Default() *Config {
	return &Config{
		MaxConnections:  DefaultMaxConnections,
		LAN:             true,
		Level:           DefaultLevel,
		LANPort:         DefaultLANPort,
		LANBroadcast:    DefaultLANBroadcast,
		RedisKeyPrefix:  DefaultRedisPrefix,
		RedisTTL:        DefaultRedisTTL,
		BackendTimeout:  DefaultConnTimeout,
		Transport:       TransportTCP,
		ListenAddr:      DefaultListenAddr,
		WSPath:          "/mpcore",
		Timeout:         DefaultConnTimeout,
		DialAttempts:    DefaultDialAttempts,
		KeepAlive:       DefaultKeepAlive,
		LoginType:       DefaultLoginType,
		DestroyAttempts: DefaultDestroyAttempts,
	}
}
