package commands

import (
	"context"
	"os"
	"path/filepath"

	"github.com/cf7me/confirmflow/internal/config"
	"github.com/cf7me/confirmflow/pkg/confirm"
	"github.com/cf7me/confirmflow/pkg/db"
	"github.com/cf7me/confirmflow/pkg/errors"
	"github.com/cf7me/confirmflow/pkg/session"
	"github.com/cf7me/confirmflow/pkg/storage"
)

// ensureDirectories creates the directories the configured stores live in.
func ensureDirectories(cfg *config.Config) error {
	if err := os.MkdirAll(filepath.Dir(cfg.SQLitePath), 0755); err != nil {
		return errors.Wrap(err, "failed to create database directory")
	}

	if cfg.SessionBackend == "sqlite" && cfg.SessionPath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.SessionPath), 0755); err != nil {
			return errors.Wrap(err, "failed to create session directory")
		}
	}

	// FSM state is only kept in fsm commit mode
	if cfg.CommitMode == "fsm" && cfg.FSMDBPath != "" {
		if err := os.MkdirAll(cfg.FSMDBPath, 0755); err != nil {
			return errors.Wrap(err, "failed to create FSM directory")
		}
	}

	return nil
}

// openRepository loads the configuration and opens the site database.
func openRepository() (*config.Config, *db.Repository, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, errors.Wrap(err, "config load failed")
	}
	if err := ensureDirectories(cfg); err != nil {
		return nil, nil, err
	}
	repo, err := db.NewRepository(cfg.SQLitePath)
	if err != nil {
		return nil, nil, errors.Wrap(err, "db init failed")
	}
	return cfg, repo, nil
}

// openAttachments returns the S3 attachment client, or nil when no bucket is
// configured.
func openAttachments(ctx context.Context, cfg *config.Config) (*storage.Client, error) {
	if cfg.AttachmentsBucket == "" {
		return nil, nil
	}
	client, err := storage.NewClient(ctx, cfg.AttachmentsBucket, cfg.S3Region, cfg.MaxFileSize)
	if err != nil {
		return nil, errors.Wrap(err, "S3 client failed")
	}
	return client, nil
}

// openSessionStore opens the configured staged submission store. Uploads of
// entries the store evicts or reaps are removed through files, which may be nil.
func openSessionStore(ctx context.Context, cfg *config.Config, files confirm.AttachmentRemover) (session.Store, error) {
	var onDiscard session.DiscardFunc
	if files != nil {
		onDiscard = func(ctx context.Context, sub *session.StagedSubmission) {
			confirm.RemoveAttachments(ctx, files, sub.UploadedFiles)
		}
	}

	store, err := session.NewStore(ctx, session.Config{
		Backend:  cfg.SessionBackend,
		Path:     cfg.SessionPath,
		Address:  cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
		Limits: session.Limits{
			MaxAge:     cfg.SessionMaxAge,
			MaxEntries: cfg.SessionMaxEntries,
		},
		OnDiscard: onDiscard,
	})
	if err != nil {
		return nil, errors.Wrap(err, "session store init failed")
	}
	return store, nil
}
