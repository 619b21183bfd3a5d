package config

import (
	"strings"
	"testing"
	"time"
)

func validConfig() Config {
	return Config{
		BaseURL:        "https://example.test",
		SQLitePath:     "site.db",
		FSMDBPath:      "fsm",
		CommitMode:     "inline",
		SessionBackend: "sqlite",
		SessionCookie:  "cf7me_session",
		SessionMaxAge:  time.Hour,
		NonceSecret:    "0123456789abcdef",
		NonceTTL:       time.Hour,
		MaxFileSize:    1024,
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"fsm mode", func(c *Config) { c.CommitMode = "fsm" }, ""},
		{"fsm mode without path", func(c *Config) { c.CommitMode = "fsm"; c.FSMDBPath = "" }, "fsm-db-path"},
		{"unknown commit mode", func(c *Config) { c.CommitMode = "async" }, "commit-mode"},
		{"unknown backend", func(c *Config) { c.SessionBackend = "memcached" }, "session-backend"},
		{"short secret", func(c *Config) { c.NonceSecret = "short" }, "nonce-secret"},
		{"no base url", func(c *Config) { c.BaseURL = "" }, "base-url"},
		{"negative entries", func(c *Config) { c.SessionMaxEntries = -1 }, "session-max-entries"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Expected valid config, got %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Expected error mentioning %s, got %v", tt.wantErr, err)
			}
		})
	}
}
