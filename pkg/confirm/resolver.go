package confirm

import (
	"context"
	"log/slog"

	"github.com/cf7me/confirmflow/pkg/security"
	"github.com/cf7me/confirmflow/pkg/session"
)

// Resolver finds the staged submission a confirmation request refers to.
type Resolver struct {
	store        session.Store
	slugFallback bool
}

// NewResolver creates a Resolver. slugFallback enables lookups without a
// token for integrations that predate tokens.
func NewResolver(store session.Store, slugFallback bool) *Resolver {
	return &Resolver{store: store, slugFallback: slugFallback}
}

// Resolve returns the staged submission and the key it is stored under.
// With a token, the record must carry the same slug. Without one, the oldest
// record for the slug wins, then a legacy entry stored under the slug itself.
func (r *Resolver) Resolve(ctx context.Context, sessionID, slug, token string) (*session.StagedSubmission, string, error) {
	if sessionID == "" || slug == "" {
		return nil, "", nil
	}

	if token != "" {
		if !security.ValidToken(token) {
			slog.Warn("confirm_token_rejected", "slug", slug, "reason", "malformed")
			return nil, "", nil
		}
		sub, err := r.store.Get(ctx, sessionID, token)
		if err != nil {
			return nil, "", err
		}
		if sub == nil || sub.FormSlug != slug {
			return nil, "", nil
		}
		return sub, token, nil
	}

	if !r.slugFallback {
		return nil, "", nil
	}

	subs, err := r.store.List(ctx, sessionID)
	if err != nil {
		return nil, "", err
	}
	for _, sub := range subs {
		if sub.FormSlug == slug && sub.Token != "" {
			return sub, sub.Token, nil
		}
	}

	legacy, err := r.store.Get(ctx, sessionID, slug)
	if err != nil {
		return nil, "", err
	}
	if legacy != nil {
		return legacy, slug, nil
	}
	return nil, "", nil
}
