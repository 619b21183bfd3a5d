package session

import (
	"context"
	"fmt"
)

// Config selects and configures a Store backend.
type Config struct {
	Backend   string
	Path      string
	Address   string
	Password  string
	DB        int
	Prefix    string
	Limits    Limits
	// OnDiscard, when set, is told about entries the store evicts or reaps.
	OnDiscard DiscardFunc
}

// NewStore builds the configured backend. An empty backend means memory.
func NewStore(ctx context.Context, cfg Config) (Store, error) {
	store, err := newStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if d, ok := store.(Discarder); ok && cfg.OnDiscard != nil {
		d.OnDiscard(cfg.OnDiscard)
	}
	return store, nil
}

func newStore(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Backend {
	case "memory", "":
		return NewMemoryStore(cfg.Limits), nil
	case "sqlite":
		if cfg.Path == "" {
			cfg.Path = ".artifacts/sessions.db"
		}
		return NewSQLiteStore(cfg.Path, cfg.Limits)
	case "redis":
		if cfg.Prefix == "" {
			cfg.Prefix = "cf7me:session:"
		}
		return NewRedisStore(ctx, cfg.Address, cfg.Password, cfg.DB, cfg.Prefix, cfg.Limits)
	default:
		return nil, fmt.Errorf("unsupported session backend: %s", cfg.Backend)
	}
}
