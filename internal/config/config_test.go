package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	require.Equal(t, 30*time.Second, cfg.Call.NoAnswer())
	require.Equal(t, 3*time.Second, cfg.Chat.TypingDebounce())
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]func(*Config){
		"unknown transport":     func(c *Config) { c.Transport.Kind = "carrier-pigeon" },
		"redis without url":     func(c *Config) { c.Transport.Kind = TransportRedis },
		"ws with http url":      func(c *Config) { c.Transport.Kind = TransportWS; c.Transport.RelayURL = "http://relay" },
		"heartbeat beyond ttl":  func(c *Config) { c.Presence.HeartbeatSec = c.Presence.TTLSec },
		"bad ice url":           func(c *Config) { c.Call.ICEServers = []ICEServer{{URLs: []string{"http://x"}}} },
		"turn without username": func(c *Config) { c.Call.ICEServers = []ICEServer{{URLs: []string{"turn:x:3478"}}} },
		"zero send attempts":    func(c *Config) { c.Chat.MaxSendAttempts = 0 },
		"user id with slash":    func(c *Config) { c.Identity.UserID = "a/b" },
		"user id with colon":    func(c *Config) { c.Identity.UserID = "dm:x" },
		"bad log level":         func(c *Config) { c.Log.Level = "loud" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(&cfg)
			require.Error(t, cfg.Validate())
		})
	}
}

func TestEnsureCreatesThenLoads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rolenet.json")

	cfg, created, err := Ensure(path)
	require.NoError(t, err)
	require.True(t, created)
	require.Equal(t, TransportP2P, cfg.Transport.Kind)

	cfg.Identity.UserID = "alice"
	cfg.Chat.HistoryPage = 20
	require.NoError(t, Save(path, cfg))

	again, created, err := Ensure(path)
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, "alice", again.Identity.UserID)
	require.Equal(t, 20, again.Chat.HistoryPage)
}

func TestLoadStripsBOMAndKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rolenet.json")
	data := append([]byte{0xEF, 0xBB, 0xBF}, []byte(`{"identity":{"user_id":"bob"}}`)...)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "bob", cfg.Identity.UserID)
	require.Equal(t, Default().Call.NoAnswerSec, cfg.Call.NoAnswerSec)
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rolenet.json")
	require.NoError(t, Save(path, Default()))

	t.Setenv("ROLENET_TRANSPORT", TransportRedis)
	t.Setenv("ROLENET_REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("ROLENET_LOG_LEVEL", "debug")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, TransportRedis, cfg.Transport.Kind)
	require.Equal(t, "redis://localhost:6379/0", cfg.Transport.RedisURL)
	require.Equal(t, "debug", cfg.Log.Level)
}

func TestWatchReloadsValidChanges(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rolenet.json")
	require.NoError(t, Save(path, Default()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	reloaded := make(chan Config, 4)
	done := make(chan error, 1)
	go func() { done <- Watch(ctx, path, func(c Config) { reloaded <- c }) }()
	time.Sleep(50 * time.Millisecond) // let the watcher register

	require.NoError(t, os.WriteFile(path, []byte(`{"log":{"level":"loud"}}`), 0o644))
	select {
	case <-reloaded:
		t.Fatal("invalid config must not be delivered")
	case <-time.After(500 * time.Millisecond):
	}

	cfg := Default()
	cfg.Call.ICEServers = append(cfg.Call.ICEServers, ICEServer{URLs: []string{"turn:relay.example.org:3478"}, Username: "u", Credential: "p"})
	require.NoError(t, Save(path, cfg))

	select {
	case c := <-reloaded:
		require.Len(t, c.Call.ICEServers, 2)
	case <-time.After(2 * time.Second):
		t.Fatal("no reload")
	}
	cancel()
	require.NoError(t, <-done)
}
