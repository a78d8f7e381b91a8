// Package config loads application configuration from the environment and an
// optional config file via Viper.
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Supported database drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config holds the application configuration.
type Config struct {
	TelegramBotToken      string        `mapstructure:"telegram_bot_token"`
	DatabaseDriver        string        `mapstructure:"database_driver"`
	DatabasePath          string        `mapstructure:"database_path"`
	DatabaseDSN           string        `mapstructure:"database_dsn"`
	LogLevel              string        `mapstructure:"log_level"`
	HTTPAddr              string        `mapstructure:"http_addr"`
	APIKey                string        `mapstructure:"api_key"`
	PollInterval          time.Duration `mapstructure:"poll_interval"`
	FetchTimeout          time.Duration `mapstructure:"fetch_timeout"`
	TelegramRatePerSecond float64       `mapstructure:"telegram_rate_per_second"`
	MaxURLsPerTarget      int           `mapstructure:"max_urls_per_target"`

	// AllowedUsers is parsed from the comma-separated allowed_users key.
	AllowedUsers []int64 `mapstructure:"-"`
}

// Load reads configuration from environment variables and, when path is
// set, from a config file. Environment variables win.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	users, err := parseUserIDs(v.GetString("allowed_users"))
	if err != nil {
		return nil, err
	}
	cfg.AllowedUsers = users

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("telegram_bot_token", "")
	v.SetDefault("database_driver", DriverSQLite)
	v.SetDefault("database_path", "./data/offerwatch.db")
	v.SetDefault("database_dsn", "")
	v.SetDefault("log_level", "info")
	v.SetDefault("http_addr", ":8080")
	v.SetDefault("api_key", "")
	v.SetDefault("allowed_users", "")
	v.SetDefault("poll_interval", 5*time.Minute)
	v.SetDefault("fetch_timeout", 30*time.Second)
	v.SetDefault("telegram_rate_per_second", 1.0)
	v.SetDefault("max_urls_per_target", 10)
}

// Validate enforces required values and sane limits.
func (c *Config) Validate() error {
	if c.TelegramBotToken == "" {
		return fmt.Errorf("TELEGRAM_BOT_TOKEN is required")
	}
	switch c.DatabaseDriver {
	case DriverSQLite:
		if c.DatabasePath == "" {
			return fmt.Errorf("DATABASE_PATH is required for the sqlite driver")
		}
	case DriverPostgres:
		if c.DatabaseDSN == "" {
			return fmt.Errorf("DATABASE_DSN is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unsupported DATABASE_DRIVER %q", c.DatabaseDriver)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("POLL_INTERVAL must be > 0")
	}
	if c.FetchTimeout <= 0 {
		return fmt.Errorf("FETCH_TIMEOUT must be > 0")
	}
	if c.TelegramRatePerSecond <= 0 {
		return fmt.Errorf("TELEGRAM_RATE_PER_SECOND must be > 0")
	}
	return nil
}

func parseUserIDs(raw string) ([]int64, error) {
	var ids []int64
	for _, s := range strings.Split(raw, ",") {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		uid, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid user ID %q in ALLOWED_USERS: %w", s, err)
		}
		ids = append(ids, uid)
	}
	return ids, nil
}

// IsUserAllowed checks whether a user ID is in the allow list.
// Returns true if the allow list is empty (all users permitted).
func (c *Config) IsUserAllowed(userID int64) bool {
	if len(c.AllowedUsers) == 0 {
		return true
	}
	for _, id := range c.AllowedUsers {
		if id == userID {
			return true
		}
	}
	return false
}
