package confirm

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/cf7me/confirmflow/pkg/errors"
	"github.com/cf7me/confirmflow/pkg/metrics"
	"github.com/cf7me/confirmflow/pkg/security"
	"github.com/cf7me/confirmflow/pkg/session"
)

// Routing fields the host expects on every submission.
const (
	RoutingFormID        = "_wpcf7"
	RoutingUnitTag       = "_wpcf7_unit_tag"
	RoutingContainerPost = "_wpcf7_container_post"
)

// FinalizeRequest is a decoded confirm POST.
type FinalizeRequest struct {
	SessionID string
	Slug      string
	Token     string
	Nonce     string
	// PageID is the confirmation page the POST arrived on.
	PageID int64
}

// Completion is where the visitor goes after a commit.
type Completion struct {
	RedirectURL string
	Status      string
	FormID      int64
}

// Finalizer commits a reviewed submission exactly once.
type Finalizer struct {
	resolver  *Resolver
	configs   ConfigSource
	store     session.Store
	nonces    Nonces
	committer Committer
	site      Site
}

// NewFinalizer creates a Finalizer.
func NewFinalizer(resolver *Resolver, configs ConfigSource, store session.Store, nonces Nonces, committer Committer, site Site) *Finalizer {
	return &Finalizer{
		resolver:  resolver,
		configs:   configs,
		store:     store,
		nonces:    nonces,
		committer: committer,
		site:      site,
	}
}

// Finalize verifies the nonce, resolves the staged submission, replays it
// with interception suppressed and returns the completion destination.
// ErrInvalidNonce leaves everything untouched; every other outcome has
// consumed the staged record, so a repeated POST yields ErrNotFound.
func (f *Finalizer) Finalize(ctx context.Context, req FinalizeRequest) (Completion, error) {
	start := time.Now()
	comp, err := f.finalize(ctx, req)
	metrics.Finalizations.WithLabelValues(finalizeResult(comp, err)).Inc()
	if err == nil {
		metrics.FinalizeLatency.Observe(time.Since(start).Seconds())
	}
	return comp, err
}

func (f *Finalizer) finalize(ctx context.Context, req FinalizeRequest) (Completion, error) {
	if !f.nonces.Verify(req.Nonce, NonceAction, req.SessionID) {
		return Completion{}, ErrInvalidNonce
	}

	slug := security.SanitizeKey(req.Slug)
	if slug == "" {
		return Completion{}, ErrEmptySlug
	}
	token := security.SanitizeText(req.Token)

	sub, key, err := f.resolver.Resolve(ctx, req.SessionID, slug, token)
	if err != nil {
		slog.Error("confirm_resolve_failed", "slug", slug, "error", err)
		return Completion{}, ErrNotFound
	}
	if sub == nil {
		slog.Info("confirm_finalize_not_found", "slug", slug, "session", session.ShortID(req.SessionID))
		return Completion{}, ErrNotFound
	}

	if sub.FormID <= 0 || len(sub.PostedData) == 0 {
		f.discard(ctx, req.SessionID, key)
		return Completion{}, ErrInvalidSubmission
	}

	cfg, err := f.configs.ConfirmConfig(ctx, sub.FormID)
	if err != nil || cfg == nil {
		if err != nil {
			slog.Error("confirm_config_failed", "form_id", sub.FormID, "error", err)
		}
		f.discard(ctx, req.SessionID, key)
		return Completion{}, ErrFormNotFound
	}

	result, err := f.committer.Commit(ctx, Commit{
		SessionID: req.SessionID,
		Key:       key,
		Submission: HostSubmission{
			FormID:          sub.FormID,
			ContainerPageID: req.PageID,
			PostedData:      withRouting(sub.PostedData, sub.FormID, req.PageID),
			UploadedFiles:   sub.UploadedFiles,
			OriginURL:       sub.OriginURL,
		},
	})
	if err != nil {
		return Completion{FormID: sub.FormID}, err
	}
	if result.Status != StatusMailSent {
		slog.Warn("confirm_replay_not_sent", "form_id", sub.FormID, "status", result.Status, "message", result.Message)
	}

	slog.Info("confirm_finalized", "form_id", sub.FormID, "slug", slug, "status", result.Status)
	return Completion{
		RedirectURL: AddQueryArg(f.completionURL(cfg), QueryThanks, "1"),
		Status:      result.Status,
		FormID:      sub.FormID,
	}, nil
}

func (f *Finalizer) completionURL(cfg *FormConfirmConfig) string {
	if thanks := strings.TrimSpace(cfg.ThanksURL); thanks != "" {
		return f.site.SafeRedirectURL(thanks)
	}
	return f.site.Home()
}

func (f *Finalizer) discard(ctx context.Context, sessionID, key string) {
	if err := f.store.Delete(ctx, sessionID, key); err != nil {
		slog.Error("confirm_discard_failed", "session", session.ShortID(sessionID), "error", err)
	}
}

// withRouting returns data with the host routing fields set, replacing any
// stale copies carried over from the original submission.
func withRouting(data session.PostedData, formID, pageID int64) session.PostedData {
	id := strconv.FormatInt(formID, 10)
	page := strconv.FormatInt(pageID, 10)
	routing := session.PostedData{
		{Name: RoutingFormID, Values: []string{id}},
		{Name: RoutingUnitTag, Values: []string{"wpcf7-f" + id + "-p" + page + "-o1"}},
		{Name: RoutingContainerPost, Values: []string{page}},
	}

	out := make(session.PostedData, 0, len(data)+len(routing))
	for _, field := range data.Clone() {
		if _, ok := routing.Get(field.Name); ok {
			continue
		}
		out = append(out, field)
	}
	return append(out, routing...)
}

func finalizeResult(c Completion, err error) string {
	switch {
	case err == nil && c.Status == StatusMailSent:
		return "committed"
	case err == nil && c.Status == "":
		return "committed_unknown"
	case err == nil:
		return "committed_" + c.Status
	case errors.Is(err, ErrInvalidNonce):
		return "invalid_nonce"
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrEmptySlug):
		return "not_found"
	case errors.Is(err, ErrInvalidSubmission):
		return "invalid_submission"
	case errors.Is(err, ErrFormNotFound):
		return "form_not_found"
	default:
		return "dispatch_failed"
	}
}
