package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Config holds the complete application configuration
type Config struct {
	MQTT    MQTTConfig    `mapstructure:"mqtt"`
	HTTP    HTTPConfig    `mapstructure:"http"`
	Storage StorageConfig `mapstructure:"storage"`
	Logging LoggingConfig `mapstructure:"logging"`
	Policy  PolicyConfig  `mapstructure:"policy"`
	Session SessionConfig `mapstructure:"session"`
	History HistoryConfig `mapstructure:"history"`
	Artwork ArtworkConfig `mapstructure:"artwork"`
}

// MQTTConfig defines broker connection and topic settings
type MQTTConfig struct {
	BrokerURL       string `mapstructure:"broker_url"`
	ClientID        string `mapstructure:"client_id"`
	Username        string `mapstructure:"username"`
	Password        string `mapstructure:"password"`
	TopicPrefix     string `mapstructure:"topic_prefix"`
	DiscoveryPrefix string `mapstructure:"discovery_prefix"`
}

// HTTPConfig defines the REST API and metrics listeners
type HTTPConfig struct {
	Port        int    `mapstructure:"port"`
	BindAddress string `mapstructure:"bind_address"`
	MetricsPort int    `mapstructure:"metrics_port"`
	// Pin guards mutating endpoints. Empty disables the check.
	Pin string `mapstructure:"pin"`
}

// StorageConfig defines the database location
type StorageConfig struct {
	Path          string `mapstructure:"path"`
	RetentionDays int    `mapstructure:"retention_days"`
}

// LoggingConfig defines logging behavior
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// PolicyConfig defines limit enforcement defaults
type PolicyConfig struct {
	// DefaultDailyMinutes applies to users without a stored limit.
	// Zero means no allowance; negative values are rejected.
	DefaultDailyMinutes int    `mapstructure:"default_daily_minutes"`
	WarningSeconds      int    `mapstructure:"warning_seconds"`
	WarnBeforeMinutes   int    `mapstructure:"warn_before_minutes"`
	CheckInterval       string `mapstructure:"check_interval"`
}

// SessionConfig defines session lifecycle settings
type SessionConfig struct {
	StaleTimeout  string `mapstructure:"stale_timeout"`
	RecoveryGrace string `mapstructure:"recovery_grace"`
}

// HistoryConfig points at an optional external history API used as the
// playtime source instead of local aggregates.
type HistoryConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	BaseURL        string `mapstructure:"base_url"`
	Token          string `mapstructure:"token"`
	ActivityEntity string `mapstructure:"activity_entity"`
	TitleEntity    string `mapstructure:"title_entity"`
}

// ArtworkConfig defines the cover image cache
type ArtworkConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Dir       string `mapstructure:"dir"`
	CacheSize int    `mapstructure:"cache_size"`
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	SetDefaults(v)

	// Configure viper
	v.SetConfigFile(configPath)
	v.SetEnvPrefix("PLAYWARDEN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config file
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found, use defaults and environment variables
	}

	// Unmarshal config
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Validate config
	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// SetDefaults sets default configuration values on a viper instance.
func SetDefaults(v *viper.Viper) {
	// MQTT defaults
	v.SetDefault("mqtt.broker_url", "tcp://localhost:1883")
	v.SetDefault("mqtt.client_id", "playwarden")
	v.SetDefault("mqtt.topic_prefix", "playwarden")
	v.SetDefault("mqtt.discovery_prefix", "homeassistant")

	// HTTP defaults
	v.SetDefault("http.port", 8080)
	v.SetDefault("http.bind_address", "0.0.0.0")
	v.SetDefault("http.metrics_port", 9090)

	// Storage defaults
	v.SetDefault("storage.path", "/var/lib/playwarden/playwarden.db")
	v.SetDefault("storage.retention_days", 90)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	// Policy defaults
	v.SetDefault("policy.default_daily_minutes", 120)
	v.SetDefault("policy.warning_seconds", 60)
	v.SetDefault("policy.warn_before_minutes", 15)
	v.SetDefault("policy.check_interval", "60s")

	// Session defaults
	v.SetDefault("session.stale_timeout", "5m")
	v.SetDefault("session.recovery_grace", "2m")

	// History defaults
	v.SetDefault("history.enabled", false)
	v.SetDefault("history.activity_entity", "binary_sensor.playwarden_%s_active")
	v.SetDefault("history.title_entity", "sensor.playwarden_%s_game")

	// Artwork defaults
	v.SetDefault("artwork.enabled", true)
	v.SetDefault("artwork.dir", "/var/lib/playwarden/artwork")
	v.SetDefault("artwork.cache_size", 256)
}

// validate validates the configuration
func validate(cfg *Config) error {
	if cfg.MQTT.BrokerURL == "" {
		return fmt.Errorf("mqtt broker URL is required")
	}
	if cfg.MQTT.TopicPrefix == "" {
		return fmt.Errorf("mqtt topic prefix is required")
	}
	if strings.ContainsAny(cfg.MQTT.TopicPrefix, "#+") {
		return fmt.Errorf("mqtt topic prefix must not contain wildcards: %s", cfg.MQTT.TopicPrefix)
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", cfg.HTTP.Port)
	}
	if cfg.HTTP.MetricsPort <= 0 || cfg.HTTP.MetricsPort > 65535 {
		return fmt.Errorf("invalid metrics port: %d", cfg.HTTP.MetricsPort)
	}
	if cfg.Policy.DefaultDailyMinutes < 0 {
		return fmt.Errorf("default_daily_minutes must not be negative: %d", cfg.Policy.DefaultDailyMinutes)
	}
	if cfg.Policy.WarningSeconds < 0 {
		return fmt.Errorf("warning_seconds must not be negative")
	}

	if cfg.History.Enabled {
		if cfg.History.BaseURL == "" {
			return fmt.Errorf("history.base_url is required when the history source is enabled")
		}
		if !strings.Contains(cfg.History.ActivityEntity, "%s") {
			return fmt.Errorf("history.activity_entity must contain a %%s user placeholder")
		}
		if !strings.Contains(cfg.History.TitleEntity, "%s") {
			return fmt.Errorf("history.title_entity must contain a %%s user placeholder")
		}
	}

	// Validate storage path
	if cfg.Storage.Path == "" {
		return fmt.Errorf("storage path is required")
	}

	// Ensure storage directory exists
	storageDir := filepath.Dir(cfg.Storage.Path)
	if err := os.MkdirAll(storageDir, 0755); err != nil {
		return fmt.Errorf("failed to create storage directory: %w", err)
	}

	return nil
}
