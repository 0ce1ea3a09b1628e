package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	StoreBackendRedis  = "redis"
	StoreBackendMemory = "memory"
)

type Config struct {
	Server struct {
		Addr string `mapstructure:"addr"`
		Mode string `mapstructure:"mode"`
	} `mapstructure:"server"`

	Tracking struct {
		WindowSeconds         int    `mapstructure:"window_seconds"`
		EntryCamera           string `mapstructure:"entry_camera"`
		ReaperIntervalSeconds int    `mapstructure:"reaper_interval_seconds"`
		ArchiveRetentionHours int    `mapstructure:"archive_retention_hours"`
	} `mapstructure:"tracking"`

	Store struct {
		Backend string `mapstructure:"backend"`
		Redis   struct {
			Addr     string `mapstructure:"addr"`
			Password string `mapstructure:"password"`
			DB       int    `mapstructure:"db"`
		} `mapstructure:"redis"`
	} `mapstructure:"store"`

	Database struct {
		DSN string `mapstructure:"dsn"`
	} `mapstructure:"database"`

	Notify struct {
		TelegramToken  string `mapstructure:"telegram_token"`
		TelegramChatID string `mapstructure:"telegram_chat_id"`
		WebhookURL     string `mapstructure:"webhook_url"`
		TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	} `mapstructure:"notify"`

	Auth struct {
		JWTSecret string `mapstructure:"jwt_secret"`
	} `mapstructure:"auth"`

	Log struct {
		Level  string `mapstructure:"level"`
		Pretty bool   `mapstructure:"pretty"`
	} `mapstructure:"log"`
}

func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.mode", "release")
	v.SetDefault("tracking.window_seconds", 30)
	v.SetDefault("tracking.entry_camera", "camera1")
	v.SetDefault("tracking.reaper_interval_seconds", 2)
	v.SetDefault("tracking.archive_retention_hours", 12)
	v.SetDefault("store.backend", StoreBackendRedis)
	v.SetDefault("store.redis.addr", "localhost:6379")
	v.SetDefault("store.redis.db", 0)
	v.SetDefault("notify.timeout_seconds", 5)
	v.SetDefault("log.level", "info")

	v.SetEnvPrefix("TRACKER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Tracking.WindowSeconds <= 0 {
		return fmt.Errorf("tracking.window_seconds must be positive")
	}
	if c.Tracking.ReaperIntervalSeconds <= 0 {
		return fmt.Errorf("tracking.reaper_interval_seconds must be positive")
	}
	if c.Tracking.ReaperIntervalSeconds >= c.Tracking.WindowSeconds {
		return fmt.Errorf("tracking.reaper_interval_seconds must be shorter than the tracking window")
	}
	if c.Tracking.EntryCamera == "" {
		return fmt.Errorf("tracking.entry_camera is required")
	}
	switch c.Store.Backend {
	case StoreBackendRedis, StoreBackendMemory:
	default:
		return fmt.Errorf("store.backend must be %q or %q", StoreBackendRedis, StoreBackendMemory)
	}
	return nil
}

func (c *Config) TrackingWindow() time.Duration {
	return time.Duration(c.Tracking.WindowSeconds) * time.Second
}

func (c *Config) ReaperInterval() time.Duration {
	return time.Duration(c.Tracking.ReaperIntervalSeconds) * time.Second
}

func (c *Config) ArchiveRetention() time.Duration {
	return time.Duration(c.Tracking.ArchiveRetentionHours) * time.Hour
}

func (c *Config) NotifyTimeout() time.Duration {
	return time.Duration(c.Notify.TimeoutSeconds) * time.Second
}
