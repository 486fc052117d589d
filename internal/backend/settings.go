package backend

import (
	"encoding/json"
	"fmt"
)

// Well-known advertised setting keys.
const (
	KeyMapName    = "MAPNAME"
	KeyLevel      = "LEVEL"
	KeyCustomName = "CUSTOMNAME"
	KeyGameMode   = "GAMEMODE"
	KeyHostAddr   = "HOSTADDR"
)

// Kind is the type tag of an advertised value.  Enums travel as
// KindInt.
type Kind int

const (
	KindString Kind = iota
	KindInt
	KindFloat
	KindBool
	KindBytes
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindBool:
		return "bool"
	case KindBytes:
		return "bytes"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Value is a typed advertised setting.  Only the field matching Kind is
// meaningful.
type Value struct {
	Kind  Kind    `json:"kind"`
	Str   string  `json:"str,omitempty"`
	Int   int64   `json:"int,omitempty"`
	Float float64 `json:"float,omitempty"`
	Bool  bool    `json:"bool,omitempty"`
	Bytes []byte  `json:"bytes,omitempty"`
}

func StringValue(s string) Value { return Value{Kind: KindString, Str: s} }
func IntValue(i int64) Value     { return Value{Kind: KindInt, Int: i} }
func FloatValue(f float64) Value { return Value{Kind: KindFloat, Float: f} }
func BoolValue(b bool) Value     { return Value{Kind: KindBool, Bool: b} }
func BytesValue(b []byte) Value  { return Value{Kind: KindBytes, Bytes: b} }

func (v Value) String() string {
	switch v.Kind {
	case KindString:
		return v.Str
	case KindInt:
		return fmt.Sprintf("%d", v.Int)
	case KindFloat:
		return fmt.Sprintf("%g", v.Float)
	case KindBool:
		return fmt.Sprintf("%t", v.Bool)
	case KindBytes:
		return fmt.Sprintf("%x", v.Bytes)
	default:
		return "?"
	}
}

// Settings are the connection limits, flags and advertised values of a
// session.
type Settings struct {
	NumPublicConnections  int `json:"num_public_connections"`
	NumPrivateConnections int `json:"num_private_connections"`

	AllowInvites                    bool `json:"allow_invites"`
	AllowJoinInProgress             bool `json:"allow_join_in_progress"`
	AllowJoinViaPresence            bool `json:"allow_join_via_presence"`
	AllowJoinViaPresenceFriendsOnly bool `json:"allow_join_via_presence_friends_only"`
	IsDedicated                     bool `json:"is_dedicated"`
	UsesPresence                    bool `json:"uses_presence"`
	IsLANMatch                      bool `json:"is_lan_match"`
	ShouldAdvertise                 bool `json:"should_advertise"`

	Values map[string]Value `json:"values,omitempty"`
}

// MaxConnections returns the connection limit regardless of whether the
// session is public or private.
func (s Settings) MaxConnections() int {
	return s.NumPublicConnections + s.NumPrivateConnections
}

// Set stores v under key.
func (s *Settings) Set(key string, v Value) {
	if s.Values == nil {
		s.Values = make(map[string]Value)
	}
	s.Values[key] = v
}

// Get returns the value stored under key.
func (s Settings) Get(key string) (Value, bool) {
	v, ok := s.Values[key]
	return v, ok
}

// Int returns the integer stored under key.  A value of another kind
// reports false.
func (s Settings) Int(key string) (int64, bool) {
	v, ok := s.Values[key]
	if !ok || v.Kind != KindInt {
		return 0, false
	}
	return v.Int, true
}

// Text returns the string stored under key.
func (s Settings) Text(key string) (string, bool) {
	v, ok := s.Values[key]
	if !ok || v.Kind != KindString {
		return "", false
	}
	return v.Str, true
}

// Clone returns a deep copy so callers can keep settings immutable.
func (s Settings) Clone() Settings {
	out := s
	if s.Values != nil {
		out.Values = make(map[string]Value, len(s.Values))
		for k, v := range s.Values {
			if v.Bytes != nil {
				v.Bytes = append([]byte(nil), v.Bytes...)
			}
			out.Values[k] = v
		}
	}
	return out
}

// Encode serializes settings for storage in an online backend.
func (s Settings) Encode() ([]byte, error) {
	return json.Marshal(s)
}

// DecodeSettings parses settings written by Encode.
func DecodeSettings(data []byte) (Settings, error) {
	var s Settings
	if err := json.Unmarshal(data, &s); err != nil {
		return Settings{}, fmt.Errorf("decode settings: %w", err)
	}
	return s, nil
}
