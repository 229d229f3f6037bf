// Package streamconfig loads the subscription manager's configuration from
// a YAML file with environment-variable overrides, in the style of the
// rest of the ecosystem's viper-backed config loaders.
package streamconfig

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/polymarket/subscriptions-core/internal/coreerrors"
	"github.com/polymarket/subscriptions-core/pkg/streaming"
)

// Config is the top-level manager configuration. Maps directly to the YAML
// file structure; every field has a sensible default applied by Load if
// absent from both the file and the environment.
type Config struct {
	MaxMarketsPerWS               int           `mapstructure:"max_markets_per_ws"`
	ReconnectAndCleanupIntervalMs int           `mapstructure:"reconnect_and_cleanup_interval_ms"`
	RateLimiterCapacity           int           `mapstructure:"rate_limiter_capacity"`
	HandshakeTimeout              time.Duration `mapstructure:"handshake_timeout"`
	CircuitBreakerMaxFailures     int           `mapstructure:"circuit_breaker_max_failures"`
	CircuitBreakerResetTimeoutMs  int           `mapstructure:"circuit_breaker_reset_timeout_ms"`
	Logging                       LoggingConfig `mapstructure:"logging"`
	User                          UserConfig    `mapstructure:"user"`
}

// LoggingConfig controls the manager's default logger.
type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

// UserConfig optionally pre-populates credentials for a single user
// channel connection, for CLI demos; production callers typically pass
// Auth values in directly instead of loading them from a file.
type UserConfig struct {
	Key        string `mapstructure:"api_key"`
	Secret     string `mapstructure:"secret"`
	Passphrase string `mapstructure:"passphrase"`
}

func defaults() Config {
	d := streaming.DefaultManagerConfig()
	return Config{
		MaxMarketsPerWS:               d.MaxAssetsPerGroup,
		ReconnectAndCleanupIntervalMs: int(d.ReconnectAndCleanupInterval / time.Millisecond),
		RateLimiterCapacity:           d.RateLimiterCapacity,
		HandshakeTimeout:              10 * time.Second,
		CircuitBreakerMaxFailures:     d.CircuitBreakerMaxFailures,
		CircuitBreakerResetTimeoutMs:  int(d.CircuitBreakerResetTimeout / time.Millisecond),
		Logging:                       LoggingConfig{Level: "INFO"},
	}
}

// Load reads configuration from a YAML file with POLYMARKET_WS_* env var
// overrides. An empty path skips the file and returns defaults overridden
// only by the environment.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("POLYMARKET_WS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := defaults()
	v.SetDefault("max_markets_per_ws", cfg.MaxMarketsPerWS)
	v.SetDefault("reconnect_and_cleanup_interval_ms", cfg.ReconnectAndCleanupIntervalMs)
	v.SetDefault("rate_limiter_capacity", cfg.RateLimiterCapacity)
	v.SetDefault("handshake_timeout", cfg.HandshakeTimeout)
	v.SetDefault("circuit_breaker_max_failures", cfg.CircuitBreakerMaxFailures)
	v.SetDefault("circuit_breaker_reset_timeout_ms", cfg.CircuitBreakerResetTimeoutMs)
	v.SetDefault("logging.level", cfg.Logging.Level)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if key := os.Getenv("POLYMARKET_WS_USER_API_KEY"); key != "" {
		cfg.User.Key = key
	}
	if secret := os.Getenv("POLYMARKET_WS_USER_SECRET"); secret != "" {
		cfg.User.Secret = secret
	}
	if pass := os.Getenv("POLYMARKET_WS_USER_PASSPHRASE"); pass != "" {
		cfg.User.Passphrase = pass
	}

	return &cfg, nil
}

// Validate checks required fields and value ranges.
func (c *Config) Validate() error {
	if c.MaxMarketsPerWS <= 0 {
		return fmt.Errorf("%w: max_markets_per_ws must be > 0", coreerrors.ErrInvalidConfig)
	}
	if c.ReconnectAndCleanupIntervalMs <= 0 {
		return fmt.Errorf("%w: reconnect_and_cleanup_interval_ms must be > 0", coreerrors.ErrInvalidConfig)
	}
	if c.RateLimiterCapacity <= 0 {
		return fmt.Errorf("%w: rate_limiter_capacity must be > 0", coreerrors.ErrInvalidConfig)
	}
	return nil
}

// ManagerConfig converts the loaded config into a streaming.ManagerConfig.
func (c *Config) ManagerConfig() streaming.ManagerConfig {
	return streaming.ManagerConfig{
		MaxAssetsPerGroup:           c.MaxMarketsPerWS,
		ReconnectAndCleanupInterval: time.Duration(c.ReconnectAndCleanupIntervalMs) * time.Millisecond,
		RateLimiterCapacity:         c.RateLimiterCapacity,
		CircuitBreakerMaxFailures:   c.CircuitBreakerMaxFailures,
		CircuitBreakerResetTimeout:  time.Duration(c.CircuitBreakerResetTimeoutMs) * time.Millisecond,
	}
}
