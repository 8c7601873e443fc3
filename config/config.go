package config

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"go.pilab.hu/sessionkit/domain"
)

// Config holds all configuration for the session engine.
// Tags use mapstructure for Viper unmarshalling and env variable binding.
type Config struct {
	LogLevel  string `mapstructure:"LOG_LEVEL"`
	LogPretty bool   `mapstructure:"LOG_PRETTY"`

	// Storage backend: "bbolt" for a single-machine store, "redis" when
	// execution contexts are separate processes.
	StorageDriver string `mapstructure:"STORAGE_DRIVER"`
	BBoltPath     string `mapstructure:"BBOLT_PATH"`
	RedisAddr     string `mapstructure:"REDIS_ADDR"`
	RedisPassword string `mapstructure:"REDIS_PASSWORD"`
	RedisDB       int    `mapstructure:"REDIS_DB"`
	KeyPrefix     string `mapstructure:"KEY_PREFIX"`

	// MasterKey is the base64 encoded master key secrets are derived from.
	// In production it comes from the OS keystore, never from a config file.
	MasterKey string `mapstructure:"MASTER_KEY"`

	AuthRefreshURL string `mapstructure:"AUTH_REFRESH_URL"`

	MaxIdleTime      time.Duration `mapstructure:"MAX_IDLE_TIME"`
	SessionDuration  time.Duration `mapstructure:"SESSION_DURATION"`
	WarningTime      time.Duration `mapstructure:"WARNING_TIME"`
	RefreshThreshold time.Duration `mapstructure:"REFRESH_THRESHOLD"`

	KeyMaxAge  time.Duration `mapstructure:"KEY_MAX_AGE"`
	KeyMaxUses int           `mapstructure:"KEY_MAX_USES"`
}

// Load reads configuration from file, environment variables, and defaults.
// The lifecycle thresholds are validated here so a bad config never reaches
// the engine.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("sessionkit")
	v.SetConfigType("yaml")
	v.AddConfigPath("/etc/sessionkit/")
	v.AddConfigPath("$HOME/.sessionkit")
	v.AddConfigPath(".")

	v.SetEnvPrefix("SESSIONKIT")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	def := domain.DefaultSessionConfig()
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_PRETTY", true)
	v.SetDefault("STORAGE_DRIVER", "bbolt")
	v.SetDefault("BBOLT_PATH", "sessionkit.db")
	v.SetDefault("REDIS_ADDR", "localhost:6379")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("KEY_PREFIX", "sessionkit")
	// Registered empty so the env-only override is visible to Unmarshal.
	v.SetDefault("MASTER_KEY", "")
	v.SetDefault("AUTH_REFRESH_URL", "http://localhost:8080/auth/refresh")
	v.SetDefault("MAX_IDLE_TIME", def.MaxIdleTime)
	v.SetDefault("SESSION_DURATION", def.SessionDuration)
	v.SetDefault("WARNING_TIME", def.WarningTime)
	v.SetDefault("REFRESH_THRESHOLD", def.RefreshThreshold)
	v.SetDefault("KEY_MAX_AGE", 24*time.Hour)
	v.SetDefault("KEY_MAX_USES", 1000)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Missing config file is fine, defaults and env vars apply.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config into struct: %w", err)
	}

	if err := cfg.SessionConfig().Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// SessionConfig converts the loaded durations into the engine's config type.
func (c *Config) SessionConfig() domain.SessionConfig {
	return domain.SessionConfig{
		MaxIdleTime:      c.MaxIdleTime,
		SessionDuration:  c.SessionDuration,
		WarningTime:      c.WarningTime,
		RefreshThreshold: c.RefreshThreshold,
	}
}

// MasterKeyBytes decodes the configured master key.
func (c *Config) MasterKeyBytes() ([]byte, error) {
	if c.MasterKey == "" {
		return nil, fmt.Errorf("master key is not configured")
	}
	key, err := base64.StdEncoding.DecodeString(c.MasterKey)
	if err != nil {
		return nil, fmt.Errorf("master key is not valid base64: %w", err)
	}
	return key, nil
}
