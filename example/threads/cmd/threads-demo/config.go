package main

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/viper"

	"github.com/AntonStoeckl/tenant-sessions-eventstore-go/eventstore"
)

const envPrefix = "tses"

// Backends the demo can run against.
const (
	backendMemory   = "memory"
	backendSQLite   = "sqlite"
	backendPostgres = "postgres"
)

// Config is read from an optional config file and TSES_* environment variables.
// The postgres section is read by pgsettings from the same sources.
type Config struct {
	Backend  string `mapstructure:"backend"`
	Sender   string `mapstructure:"sender"`
	Receiver string `mapstructure:"receiver"`
	LogLevel string `mapstructure:"log_level"`

	SQLite struct {
		Dir string `mapstructure:"dir"`
	} `mapstructure:"sqlite"`

	Tenancy struct {
		Style       string `mapstructure:"style"`
		TablePrefix string `mapstructure:"table_prefix"`
	} `mapstructure:"tenancy"`

	Metrics struct {
		Listen string `mapstructure:"listen"`
	} `mapstructure:"metrics"`

	Tracing struct {
		Enabled bool `mapstructure:"enabled"`
	} `mapstructure:"tracing"`
}

func loadConfig(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("backend", backendMemory)
	v.SetDefault("sender", "ten1")
	v.SetDefault("receiver", "ten2")
	v.SetDefault("log_level", "info")
	v.SetDefault("sqlite.dir", "")
	v.SetDefault("tenancy.style", "conjoined")
	v.SetDefault("tenancy.table_prefix", "")
	v.SetDefault("metrics.listen", "")
	v.SetDefault("tracing.enabled", false)

	if path != "" {
		v.SetConfigFile(path)

		if err := v.ReadInConfig(); err != nil {
			return Config{}, eventstore.ConfigurationError(err, "reading "+path)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, eventstore.ConfigurationError(err, "unmarshal demo config")
	}

	return cfg, cfg.validate()
}

func (c Config) validate() error {
	switch c.Backend {
	case backendMemory, backendPostgres:
	case backendSQLite:
		if c.SQLite.Dir == "" {
			return eventstore.ConfigurationError(eventstore.ErrMissingConnectionInfo, "sqlite.dir")
		}
	default:
		return eventstore.ConfigurationError(eventstore.ErrInvalidOption, fmt.Sprintf("unknown backend %q", c.Backend))
	}

	if _, err := c.logLevel(); err != nil {
		return err
	}

	if c.Sender == c.Receiver {
		return eventstore.ConfigurationError(eventstore.ErrInvalidOption, "sender and receiver must differ")
	}

	return nil
}

func (c Config) logLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, eventstore.ConfigurationError(eventstore.ErrInvalidOption, "log_level "+c.LogLevel)
	}

	return level, nil
}
