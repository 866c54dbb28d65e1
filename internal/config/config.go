// Package config loads chat client and relay settings from YAML and the
// environment.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/omochice/listing-chat/internal/log"
)

// EnvPrefix prefixes every environment override, e.g. CHAT_SERVER_URL.
const EnvPrefix = "CHAT"

type Config struct {
	Server    ServerConfig
	History   HistoryConfig
	Transport TransportConfig
	Reconcile ReconcileConfig
	Store     StoreConfig
	Relay     RelayConfig
	Log       log.Config
}

type ServerConfig struct {
	URL string
}

type HistoryConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type TransportConfig struct {
	LivenessTimeout   time.Duration `mapstructure:"liveness_timeout"`
	KeepaliveInterval time.Duration `mapstructure:"keepalive_interval"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout"`
	RetryDelay        time.Duration `mapstructure:"retry_delay"`
	MaxRetryDelay     time.Duration `mapstructure:"max_retry_delay"`
	Exponential       bool          `mapstructure:"exponential"`
}

type ReconcileConfig struct {
	DuplicateWindow  time.Duration `mapstructure:"duplicate_window"`
	ProvisionalFloor int64         `mapstructure:"provisional_floor"`
	ProvisionalCeil  int64         `mapstructure:"provisional_ceil"`
}

type StoreConfig struct {
	Path string
}

type RelayConfig struct {
	Listen string
	Secret string
}

// Load reads configuration from path (or config.yaml in the usual
// directories when path is empty) and the environment.
func Load(path string) (*Config, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.url", "ws://localhost:8080/ws")
	v.SetDefault("history.base_url", "http://localhost:8080")
	v.SetDefault("history.timeout", "10s")
	v.SetDefault("transport.liveness_timeout", "10s")
	v.SetDefault("transport.keepalive_interval", "30s")
	v.SetDefault("transport.write_timeout", "10s")
	v.SetDefault("transport.retry_delay", "5s")
	v.SetDefault("transport.max_retry_delay", "1m")
	v.SetDefault("transport.exponential", false)
	v.SetDefault("reconcile.duplicate_window", "5s")
	v.SetDefault("reconcile.provisional_floor", int64(1)<<40)
	v.SetDefault("reconcile.provisional_ceil", int64(1)<<50)
	v.SetDefault("store.path", "")
	v.SetDefault("relay.listen", ":8080")
	v.SetDefault("relay.secret", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)
	v.SetDefault("log.service_name", "listing-chat")
}

// Validate rejects settings the transport and reconciler cannot run with.
func (c *Config) Validate() error {
	if c.Server.URL == "" {
		return errors.New("server.url is required")
	}
	if c.Transport.LivenessTimeout <= 0 || c.Transport.KeepaliveInterval <= 0 || c.Transport.RetryDelay <= 0 {
		return errors.New("transport timeouts must be positive")
	}
	if c.Reconcile.DuplicateWindow <= 0 {
		return errors.New("reconcile.duplicate_window must be positive")
	}
	if c.Reconcile.ProvisionalFloor < 10000 || c.Reconcile.ProvisionalCeil <= c.Reconcile.ProvisionalFloor {
		return fmt.Errorf("invalid provisional id range [%d, %d)", c.Reconcile.ProvisionalFloor, c.Reconcile.ProvisionalCeil)
	}
	return nil
}
