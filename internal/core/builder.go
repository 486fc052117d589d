package core

import (
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"mpcore/config"
	"mpcore/internal/backend"
	"mpcore/internal/backend/lan"
	redisbackend "mpcore/internal/backend/redis"
	"mpcore/internal/identity"
	"mpcore/internal/retry"
	"mpcore/internal/session"
	"mpcore/internal/transport"
	"mpcore/tunnel"
	"mpcore/util"
)

// Build constructs the Mode selected by cfg.  cfg must be validated.
func Build(cfg *config.Config, logger *util.Logger) (Mode, error) {
	inst, err := buildInstance(cfg, logger)
	if err != nil {
		return nil, err
	}

	switch cfg.Mode {
	case config.ModeHost:
		return &HostMode{Instance: inst, Console: buildConsole(cfg, inst)}, nil
	case config.ModeJoin:
		return &JoinMode{Instance: inst, Console: buildConsole(cfg, inst)}, nil
	case config.ModeFind:
		return &FindMode{Instance: inst}, nil
	case config.ModeLogin:
		return &LoginMode{Instance: inst, Credentials: backend.Credentials{
			Type:  cfg.LoginType,
			ID:    cfg.LoginID,
			Token: cfg.LoginToken,
		}}, nil
	default:
		inst.Close()
		return nil, fmt.Errorf("no mode selected")
	}
}

func buildInstance(cfg *config.Config, logger *util.Logger) (*Instance, error) {
	backends, closers, err := buildBackends(cfg, logger)
	if err != nil {
		return nil, err
	}

	var ids session.IdentityStore
	if cfg.IdentityDB != "" {
		store, err := identity.Open(cfg.IdentityDB)
		if err != nil {
			closeAll(closers)
			return nil, fmt.Errorf("identity store: %w", err)
		}
		ids = store
		closers = append(closers, store)
	}

	destroy := session.DefaultDestroyRetry()
	destroy.MaxAttempts = cfg.DestroyAttempts

	inst, err := NewInstance(InstanceOptions{
		Slot:          cfg.Slot,
		Session:       cfg.SessionConfig(),
		HostLevel:     cfg.HostLevel(),
		Backends:      backends,
		Identities:    ids,
		Listen:        buildListen(cfg, logger),
		Connector:     buildConnector(cfg, logger),
		AdvertiseAddr: cfg.AdvertiseAddr,
		AdvertiseHost: config.DefaultAdvertiseHost,
		DestroyRetry:  destroy,
		Timeout:       cfg.Timeout,
		Logger:        logger,
		Closers:       closers,
	})
	if err != nil {
		closeAll(closers)
		return nil, err
	}
	return inst, nil
}

// buildBackends always provides the LAN backend and adds the Redis
// backend when an address is configured.  The LAN segment reaches other
// processes through a beacon unless discovery is disabled; only hosts
// bind the discovery port.
func buildBackends(cfg *config.Config, logger *util.Logger) (backend.Selector, []io.Closer, error) {
	segment := lan.NewNetwork()
	sel := backend.Selector{LAN: lan.New(segment, logger)}
	var closers []io.Closer

	if cfg.LAN && cfg.LANPort > 0 {
		listen := ":0"
		if cfg.Mode == config.ModeHost {
			listen = ":" + strconv.Itoa(cfg.LANPort)
		}
		beacon, err := segment.Attach(lan.BeaconConfig{
			Listen: listen,
			Target: net.JoinHostPort(cfg.LANBroadcast, strconv.Itoa(cfg.LANPort)),
			Logger: logger,
		})
		if err != nil {
			return backend.Selector{}, nil, fmt.Errorf("lan discovery: %w", err)
		}
		closers = append(closers, beacon)
	}
	if cfg.RedisAddr == "" {
		return sel, closers, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:        cfg.RedisAddr,
		Password:    cfg.RedisPassword,
		DB:          cfg.RedisDB,
		DialTimeout: cfg.Timeout,
	})
	online, err := redisbackend.New(redisbackend.Config{
		Client:     client,
		KeyPrefix:  cfg.RedisKeyPrefix,
		OpTimeout:  cfg.BackendTimeout,
		SessionTTL: cfg.RedisTTL,
		Logger:     logger,
	})
	if err != nil {
		client.Close()
		closeAll(closers)
		return backend.Selector{}, nil, fmt.Errorf("redis backend: %w", err)
	}
	sel.Online = online
	return sel, append(closers, online), nil
}

// buildListen returns the host listener factory for the configured
// transport.
func buildListen(cfg *config.Config, logger *util.Logger) func() (transport.Listener, error) {
	if cfg.Transport == config.TransportWS {
		return func() (transport.Listener, error) {
			l, err := transport.ListenWS(cfg.ListenAddr, cfg.WSPath, cfg.MaxFrameSize, logger)
			if err != nil {
				return nil, err
			}
			return l, nil
		}
	}
	return func() (transport.Listener, error) {
		l, err := transport.ListenTCP(cfg.ListenAddr, cfg.MaxFrameSize)
		if err != nil {
			return nil, err
		}
		return l, nil
	}
}

// buildConnector creates the client side of the forwarding channel,
// routed through the SSH gateway when one is configured.
func buildConnector(cfg *config.Config, logger *util.Logger) transport.Connector {
	var gateway transport.Dialer
	if cfg.GatewayEnabled {
		gateway = transport.NewSSHDialer(&tunnel.SSHConfig{
			User:          cfg.GatewayUser,
			Host:          cfg.GatewayHost,
			Port:          cfg.GatewayPort,
			KeyPath:       cfg.SSHKeyPath,
			PromptPass:    cfg.SSHPassword,
			UseAgent:      cfg.UseSSHAgent,
			StrictHostKey: cfg.StrictHostKey,
			KnownHosts:    cfg.KnownHostsPath,
			ConnTimeout:   cfg.Timeout,
		}, cfg.KeepAlive, logger)
	}

	if cfg.Transport == config.TransportWS {
		return &transport.WSConnector{
			Dialer:           gateway,
			Path:             cfg.WSPath,
			HandshakeTimeout: cfg.Timeout,
			MaxFrameSize:     cfg.MaxFrameSize,
		}
	}

	dialer := gateway
	if dialer == nil {
		dialer = &transport.TCPDialer{Timeout: cfg.Timeout}
	}
	return &transport.StreamConnector{
		Dialer: dialer,
		Retry: &retry.Backoff{
			InitialDelay: 200 * time.Millisecond,
			MaxDelay:     2 * time.Second,
			Multiplier:   2,
			MaxAttempts:  cfg.DialAttempts,
			Jitter:       true,
		},
		MaxFrameSize: cfg.MaxFrameSize,
		Logger:       logger,
	}
}

func buildConsole(cfg *config.Config, inst *Instance) *Console {
	if cfg.Headless {
		return nil
	}
	return &Console{Instance: inst}
}

func closeAll(closers []io.Closer) {
	for _, c := range closers {
		c.Close()
	}
}
