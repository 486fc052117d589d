package session

import (
	"fmt"
	"strings"

	"mpcore/internal/backend"
	"mpcore/internal/player"
)

// GameMode is the ruleset advertised with a session.
type GameMode int

const (
	EveryManForHimself GameMode = iota
	Teams
	Coop
)

func (g GameMode) String() string {
	switch g {
	case EveryManForHimself:
		return "every-man-for-himself"
	case Teams:
		return "teams"
	case Coop:
		return "coop"
	default:
		return fmt.Sprintf("mode(%d)", int(g))
	}
}

// ParseGameMode maps a mode name to a GameMode.
func ParseGameMode(s string) (GameMode, error) {
	switch strings.ToLower(s) {
	case "every-man-for-himself", "ffa", "":
		return EveryManForHimself, nil
	case "teams":
		return Teams, nil
	case "coop":
		return Coop, nil
	}
	return EveryManForHimself, fmt.Errorf("unknown game mode %q (want every-man-for-himself, teams or coop)", s)
}

// Config describes a session to create.  It is copied into the create
// call and not referenced afterwards.
type Config struct {
	CustomName     string
	MaxConnections int
	Private        bool
	LANEnabled     bool
	GameMode       GameMode
}

// DefaultConfig is the configuration of a fresh game instance.
func DefaultConfig() Config {
	return Config{MaxConnections: 4, LANEnabled: true, GameMode: EveryManForHimself}
}

// Validate reports a config the backend could never accept.
func (c Config) Validate() error {
	if c.MaxConnections <= 0 {
		return fmt.Errorf("max connections must be positive, got %d", c.MaxConnections)
	}
	return nil
}

// BuildSettings derives the backend settings for a create call.  Exactly
// one of the public and private connection counts is non-zero.  The
// level tag is written here so it is advertised atomically with the
// session itself.
func BuildSettings(cfg Config, level player.Level, hostAddr string) backend.Settings {
	s := backend.Settings{
		AllowInvites:                    true,
		AllowJoinInProgress:             true,
		AllowJoinViaPresence:            true,
		AllowJoinViaPresenceFriendsOnly: true,
		IsDedicated:                     false,
		UsesPresence:                    true,
		IsLANMatch:                      cfg.LANEnabled,
		ShouldAdvertise:                 true,
	}
	if cfg.Private {
		s.NumPrivateConnections = cfg.MaxConnections
	} else {
		s.NumPublicConnections = cfg.MaxConnections
	}

	s.Set(backend.KeyMapName, backend.StringValue(level.String()))
	s.Set(backend.KeyLevel, backend.IntValue(int64(level)))
	s.Set(backend.KeyCustomName, backend.StringValue(cfg.CustomName))
	s.Set(backend.KeyGameMode, backend.IntValue(int64(cfg.GameMode)))
	if hostAddr != "" {
		s.Set(backend.KeyHostAddr, backend.StringValue(hostAddr))
	}
	return s
}

// LevelOf reads the advertised level tag of a search result.
func LevelOf(s backend.Settings) (player.Level, bool) {
	v, ok := s.Int(backend.KeyLevel)
	if !ok {
		return player.MainMenu, false
	}
	return player.Level(v), true
}
