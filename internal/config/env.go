package config

import (
	"fmt"

	env "github.com/Netflix/go-env"
)

// Overrides are read from the environment after the file. Empty variables
// leave the file value alone.
type Overrides struct {
	UserID    string `env:"ROLENET_USER_ID"`
	LogLevel  string `env:"ROLENET_LOG_LEVEL"`
	Transport string `env:"ROLENET_TRANSPORT"`
	RedisURL  string `env:"ROLENET_REDIS_URL"`
	RelayURL  string `env:"ROLENET_RELAY_URL"`
	DBPath    string `env:"ROLENET_DB_PATH"`
}

// ApplyEnv copies the set ROLENET_* variables into cfg.
func ApplyEnv(cfg *Config) error {
	var o Overrides
	if _, err := env.UnmarshalFromEnviron(&o); err != nil {
		return fmt.Errorf("config: environment: %w", err)
	}
	o.apply(cfg)
	return nil
}

func (o Overrides) apply(cfg *Config) {
	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&cfg.Identity.UserID, o.UserID)
	set(&cfg.Log.Level, o.LogLevel)
	set(&cfg.Transport.Kind, o.Transport)
	set(&cfg.Transport.RedisURL, o.RedisURL)
	set(&cfg.Transport.RelayURL, o.RelayURL)
	set(&cfg.Storage.DBPath, o.DBPath)
}
