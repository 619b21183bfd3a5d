package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	// HTTP
	ListenAddr string `mapstructure:"listen-addr"`
	BaseURL    string `mapstructure:"base-url"`

	// Database paths
	SQLitePath string `mapstructure:"sqlite-path"`
	FSMDBPath  string `mapstructure:"fsm-db-path"`

	// Commit workflow: "inline" replays on the request, "fsm" through the FSM manager
	CommitMode    string `mapstructure:"commit-mode"`
	FSMMaxRetries int    `mapstructure:"fsm-max-retries"`

	// Session store
	SessionBackend    string        `mapstructure:"session-backend"`
	SessionPath       string        `mapstructure:"session-path"`
	RedisAddr         string        `mapstructure:"redis-addr"`
	RedisPassword     string        `mapstructure:"redis-password"`
	RedisDB           int           `mapstructure:"redis-db"`
	SessionCookie     string        `mapstructure:"session-cookie"`
	SessionMaxAge     time.Duration `mapstructure:"session-max-age"`
	SessionMaxEntries int           `mapstructure:"session-max-entries"`
	ReapSchedule      string        `mapstructure:"reap-schedule"`

	// Confirmation flow
	NonceSecret  string        `mapstructure:"nonce-secret"`
	NonceTTL     time.Duration `mapstructure:"nonce-ttl"`
	SlugFallback bool          `mapstructure:"slug-fallback"`

	// Security limits
	MaxFields     int   `mapstructure:"max-fields"`
	MaxValueBytes int   `mapstructure:"max-value-bytes"`
	MaxFileSize   int64 `mapstructure:"max-file-size"`

	// Mail
	SMTPHost      string `mapstructure:"smtp-host"`
	SMTPPort      int    `mapstructure:"smtp-port"`
	SMTPUsername  string `mapstructure:"smtp-username"`
	SMTPPassword  string `mapstructure:"smtp-password"`
	SMTPSSL       bool   `mapstructure:"smtp-ssl"`
	MailFrom      string `mapstructure:"mail-from"`
	MailRecipient string `mapstructure:"mail-recipient"`

	// S3 attachment storage; empty bucket disables uploads
	AttachmentsBucket string `mapstructure:"attachments-bucket"`
	S3Region          string `mapstructure:"s3-region"`

	LogLevel string `mapstructure:"log-level"`
}

// Load reads configuration from environment, config file, and defaults
func Load() (*Config, error) {
	// Set defaults
	viper.SetDefault("listen-addr", ":8080")
	viper.SetDefault("base-url", "http://localhost:8080")
	viper.SetDefault("sqlite-path", ".artifacts/site.db")
	viper.SetDefault("fsm-db-path", ".artifacts/fsm")
	viper.SetDefault("commit-mode", "inline")
	viper.SetDefault("fsm-max-retries", 5)
	viper.SetDefault("session-backend", "sqlite")
	viper.SetDefault("session-path", ".artifacts/sessions.db")
	viper.SetDefault("redis-addr", "localhost:6379")
	viper.SetDefault("redis-db", 0)
	viper.SetDefault("session-cookie", "cf7me_session")
	viper.SetDefault("session-max-age", 24*time.Hour)
	viper.SetDefault("session-max-entries", 20)
	viper.SetDefault("reap-schedule", "@every 15m")
	viper.SetDefault("nonce-ttl", 12*time.Hour)
	viper.SetDefault("slug-fallback", true)
	viper.SetDefault("max-fields", 100)
	viper.SetDefault("max-value-bytes", 64*1024)
	viper.SetDefault("max-file-size", 10*1024*1024)
	viper.SetDefault("smtp-port", 587)
	viper.SetDefault("mail-from", "noreply@localhost")
	viper.SetDefault("s3-region", "us-east-1")
	viper.SetDefault("log-level", "info")

	// Environment variables (will be CF7ME_SQLITE_PATH, etc.)
	viper.SetEnvPrefix("CF7ME")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	// Config file (optional)
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("$HOME/.cf7me")

	// Read config file (ignore if not found)
	_ = viper.ReadInConfig()

	// Unmarshal into config struct
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// Validate checks configuration for errors
func (c *Config) Validate() error {
	if c.SQLitePath == "" {
		return fmt.Errorf("sqlite-path cannot be empty")
	}
	if c.BaseURL == "" {
		return fmt.Errorf("base-url cannot be empty")
	}
	switch c.CommitMode {
	case "inline":
	case "fsm":
		if c.FSMDBPath == "" {
			return fmt.Errorf("fsm-db-path cannot be empty in fsm commit mode")
		}
	default:
		return fmt.Errorf("commit-mode must be inline or fsm, got %q", c.CommitMode)
	}
	switch c.SessionBackend {
	case "memory", "sqlite", "redis":
	default:
		return fmt.Errorf("session-backend must be memory, sqlite or redis, got %q", c.SessionBackend)
	}
	if c.SessionCookie == "" {
		return fmt.Errorf("session-cookie cannot be empty")
	}
	if c.SessionMaxAge < 0 {
		return fmt.Errorf("session-max-age must be non-negative")
	}
	if c.SessionMaxEntries < 0 {
		return fmt.Errorf("session-max-entries must be non-negative")
	}
	if len(c.NonceSecret) < 16 {
		return fmt.Errorf("nonce-secret must be at least 16 bytes")
	}
	if c.NonceTTL <= 0 {
		return fmt.Errorf("nonce-ttl must be positive")
	}
	if c.MaxFileSize <= 0 {
		return fmt.Errorf("max-file-size must be positive")
	}
	if c.FSMMaxRetries < 0 {
		return fmt.Errorf("fsm-max-retries must be non-negative")
	}
	return nil
}
