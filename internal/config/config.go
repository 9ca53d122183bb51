package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/dp2ptrade/rolenet-sub003/internal/util"
)

type Config struct {
	Identity  Identity  `json:"identity"`
	Log       Log       `json:"log"`
	Transport Transport `json:"transport"`
	Presence  Presence  `json:"presence"`
	Call      Call      `json:"call"`
	Chat      Chat      `json:"chat"`
	Storage   Storage   `json:"storage"`
	Notify    Notify    `json:"notify"`
}

type Identity struct {
	// UserID is the id other clients address this user by.
	UserID string `json:"user_id"`

	// KeyFile holds the libp2p identity when transport.kind is "p2p".
	KeyFile string `json:"key_file"`
}

type Log struct {
	Level string `json:"level"` // debug, info, warn, error
}

// Transport kinds.
const (
	TransportP2P   = "p2p"
	TransportRedis = "redis"
	TransportWS    = "ws"
)

type Transport struct {
	Kind string `json:"kind"`

	// p2p
	ListenPort int      `json:"listen_port"`
	MdnsTag    string   `json:"mdns_tag"`
	Bootstrap  []string `json:"bootstrap"` // multiaddrs

	// redis
	RedisURL string `json:"redis_url"` // redis://[:password@]host:port/db

	// ws
	RelayURL string `json:"relay_url"` // ws://host:port/relay

	ReconnectInitialMs int `json:"reconnect_initial_ms"`
	ReconnectMaxMs     int `json:"reconnect_max_ms"`
}

type Presence struct {
	HeartbeatSec int `json:"heartbeat_seconds"`
	TTLSec       int `json:"ttl_seconds"`
	FlapSec      int `json:"flap_window_seconds"`
}

type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

type Call struct {
	NoAnswerSec    int         `json:"no_answer_seconds"`
	NegotiationSec int         `json:"negotiation_seconds"`
	ReconnectSec   int         `json:"reconnect_window_seconds"`
	ICEServers     []ICEServer `json:"ice_servers"`
}

type Chat struct {
	TypingDebounceMs int `json:"typing_debounce_ms"`
	TypingTrailingMs int `json:"typing_trailing_ms"`
	MaxSendAttempts  int `json:"max_send_attempts"`
	RetryInitialMs   int `json:"retry_initial_ms"`
	RetryMaxMs       int `json:"retry_max_ms"`
	HistoryPage      int `json:"history_page"`
}

type Storage struct {
	DBPath string `json:"db_path"` // relative to the peer directory
}

type Notify struct {
	PushAttempts int `json:"push_attempts"`
}

func Default() Config {
	return Config{
		Identity: Identity{
			KeyFile: "data/identity.key",
		},
		Log: Log{
			Level: "info",
		},
		Transport: Transport{
			Kind:               TransportP2P,
			ListenPort:         0,
			MdnsTag:            "rolenet-mdns",
			ReconnectInitialMs: 500,
			ReconnectMaxMs:     30_000,
		},
		Presence: Presence{
			HeartbeatSec: 10,
			TTLSec:       30,
			FlapSec:      5,
		},
		Call: Call{
			NoAnswerSec:    30,
			NegotiationSec: 20,
			ReconnectSec:   15,
			ICEServers: []ICEServer{
				{URLs: []string{"stun:stun.l.google.com:19302"}},
			},
		},
		Chat: Chat{
			TypingDebounceMs: 3000,
			TypingTrailingMs: 5000,
			MaxSendAttempts:  8,
			RetryInitialMs:   500,
			RetryMaxMs:       30_000,
			HistoryPage:      50,
		},
		Storage: Storage{
			DBPath: "data/rolenet.db",
		},
		Notify: Notify{
			PushAttempts: 5,
		},
	}
}

func (c *Config) Validate() error {
	// Identity
	if strings.TrimSpace(c.Identity.UserID) != "" {
		id, err := util.ValidateUserID(c.Identity.UserID)
		if err != nil {
			return fmt.Errorf("identity.user_id: %w", err)
		}
		c.Identity.UserID = id
	}

	// Log
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level %q must be debug, info, warn or error", c.Log.Level)
	}

	// Transport
	switch c.Transport.Kind {
	case TransportP2P:
		if c.Transport.ListenPort < 0 || c.Transport.ListenPort > 65535 {
			return errors.New("transport.listen_port must be 0..65535")
		}
		if strings.TrimSpace(c.Identity.KeyFile) == "" {
			return errors.New("identity.key_file is required for the p2p transport")
		}
	case TransportRedis:
		if err := validateURL(c.Transport.RedisURL, "redis", "rediss"); err != nil {
			return fmt.Errorf("transport.redis_url: %w", err)
		}
	case TransportWS:
		if err := validateURL(c.Transport.RelayURL, "ws", "wss"); err != nil {
			return fmt.Errorf("transport.relay_url: %w", err)
		}
	default:
		return fmt.Errorf("transport.kind %q must be p2p, redis or ws", c.Transport.Kind)
	}
	if c.Transport.ReconnectInitialMs <= 0 || c.Transport.ReconnectMaxMs < c.Transport.ReconnectInitialMs {
		return errors.New("transport.reconnect_initial_ms must be > 0 and <= reconnect_max_ms")
	}

	// Presence
	if c.Presence.TTLSec <= 0 {
		return errors.New("presence.ttl_seconds must be > 0")
	}
	if c.Presence.HeartbeatSec <= 0 {
		return errors.New("presence.heartbeat_seconds must be > 0")
	}
	if c.Presence.HeartbeatSec >= c.Presence.TTLSec {
		return errors.New("presence.heartbeat_seconds must be < presence.ttl_seconds")
	}
	if c.Presence.FlapSec < 0 {
		return errors.New("presence.flap_window_seconds must be >= 0")
	}

	// Call
	if c.Call.NoAnswerSec <= 0 || c.Call.NegotiationSec <= 0 || c.Call.ReconnectSec <= 0 {
		return errors.New("call timeouts must be > 0")
	}
	for i, s := range c.Call.ICEServers {
		if len(s.URLs) == 0 {
			return fmt.Errorf("call.ice_servers[%d]: urls is required", i)
		}
		for _, u := range s.URLs {
			if !strings.HasPrefix(u, "stun:") && !strings.HasPrefix(u, "turn:") && !strings.HasPrefix(u, "turns:") {
				return fmt.Errorf("call.ice_servers[%d]: %q must be a stun: or turn: url", i, u)
			}
			if !strings.HasPrefix(u, "stun:") && s.Username == "" {
				return fmt.Errorf("call.ice_servers[%d]: turn servers need a username", i)
			}
		}
	}

	// Chat
	if c.Chat.TypingDebounceMs <= 0 || c.Chat.TypingTrailingMs <= 0 {
		return errors.New("chat typing intervals must be > 0")
	}
	if c.Chat.MaxSendAttempts < 1 {
		return errors.New("chat.max_send_attempts must be >= 1")
	}
	if c.Chat.RetryInitialMs <= 0 || c.Chat.RetryMaxMs < c.Chat.RetryInitialMs {
		return errors.New("chat.retry_initial_ms must be > 0 and <= retry_max_ms")
	}
	if c.Chat.HistoryPage < 1 || c.Chat.HistoryPage > 500 {
		return errors.New("chat.history_page must be 1..500")
	}

	// Storage
	if strings.TrimSpace(c.Storage.DBPath) == "" {
		return errors.New("storage.db_path is required")
	}

	// Notify
	if c.Notify.PushAttempts < 1 {
		return errors.New("notify.push_attempts must be >= 1")
	}

	return nil
}

func validateURL(raw string, schemes ...string) error {
	if strings.TrimSpace(raw) == "" {
		return errors.New("is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %v", err)
	}
	ok := false
	for _, s := range schemes {
		if u.Scheme == s {
			ok = true
		}
	}
	if !ok {
		return fmt.Errorf("scheme must be one of %s", strings.Join(schemes, ", "))
	}
	if u.Host == "" {
		return errors.New("missing host")
	}
	return nil
}

// Durations in the units the engines take.

func (p Presence) Heartbeat() time.Duration { return time.Duration(p.HeartbeatSec) * time.Second }
func (p Presence) TTL() time.Duration       { return time.Duration(p.TTLSec) * time.Second }
func (p Presence) Flap() time.Duration      { return time.Duration(p.FlapSec) * time.Second }

func (c Call) NoAnswer() time.Duration    { return time.Duration(c.NoAnswerSec) * time.Second }
func (c Call) Negotiation() time.Duration { return time.Duration(c.NegotiationSec) * time.Second }
func (c Call) Reconnect() time.Duration   { return time.Duration(c.ReconnectSec) * time.Second }

func (c Chat) TypingDebounce() time.Duration { return time.Duration(c.TypingDebounceMs) * time.Millisecond }
func (c Chat) TypingTrailing() time.Duration { return time.Duration(c.TypingTrailingMs) * time.Millisecond }
func (c Chat) RetryInitial() time.Duration   { return time.Duration(c.RetryInitialMs) * time.Millisecond }
func (c Chat) RetryMax() time.Duration       { return time.Duration(c.RetryMaxMs) * time.Millisecond }

func (t Transport) ReconnectInitial() time.Duration {
	return time.Duration(t.ReconnectInitialMs) * time.Millisecond
}
func (t Transport) ReconnectMax() time.Duration { return time.Duration(t.ReconnectMaxMs) * time.Millisecond }

func Load(path string) (Config, error) {
	cfg, err := LoadPartial(path)
	if err != nil {
		return Config{}, err
	}
	if err := ApplyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadPartial reads a config file without env overrides or validation.
func LoadPartial(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	// Strip UTF-8 BOM if present (common when editing JSON on Windows).
	b = stripBOM(b)

	// Start from defaults so missing JSON fields remain initialized.
	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// stripBOM removes a UTF-8 byte order mark if present.
func stripBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	return util.WriteJSONFile(path, cfg)
}

// Ensure loads config if it exists; otherwise creates a default config file.
// Returns (cfg, createdNew, err).
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	if err := ApplyEnv(&cfg); err != nil {
		return Config{}, true, err
	}
	return cfg, true, cfg.Validate()
}
