package confirm

import (
	"context"
	"log/slog"

	"github.com/cf7me/confirmflow/pkg/metrics"
	"github.com/cf7me/confirmflow/pkg/security"
	"github.com/cf7me/confirmflow/pkg/session"
)

// OutcomeKind tells the caller whether the host should send normally.
type OutcomeKind int

const (
	// Proceed lets the host send mail for this request.
	Proceed OutcomeKind = iota
	// Intercept means the submission was staged and the visitor goes to the confirmation page.
	Intercept
)

func (k OutcomeKind) String() string {
	if k == Intercept {
		return "intercept"
	}
	return "proceed"
}

// Fail-open reasons reported with a Proceed outcome.
const (
	ReasonReplay          = "replay"
	ReasonNoSession       = "no_session"
	ReasonConfigError     = "config_error"
	ReasonUnknownForm     = "unknown_form"
	ReasonConfirmDisabled = "confirm_disabled"
	ReasonNoSlug          = "no_slug"
	ReasonEmptyData       = "empty_data"
	ReasonRejectedData    = "rejected_data"
	ReasonPageError       = "page_error"
	ReasonNoConfirmPage   = "no_confirm_page"
	ReasonTokenError      = "token_error"
	ReasonStageError      = "stage_error"
	ReasonStaged          = "staged"
)

// Outcome is the single decision both response paths consume.
type Outcome struct {
	Kind        OutcomeKind
	Reason      string
	Token       string
	RedirectURL string
}

// InterceptRequest is the host's view of a validated submission at the pre-send point.
type InterceptRequest struct {
	SessionID     string
	FormID        int64
	PostedData    session.PostedData
	UploadedFiles map[string]session.FileRef
	OriginURL     string
}

// Interceptor decides whether a submission needs confirmation and stages it.
// Every lookup failure degrades to Proceed: a broken confirmation setup never
// swallows a submission.
type Interceptor struct {
	configs   ConfigSource
	pages     PageResolver
	store     session.Store
	validator *security.Validator
	site      Site
	newToken  func() (string, error)
}

// NewInterceptor creates an Interceptor. validator may be nil.
func NewInterceptor(configs ConfigSource, pages PageResolver, store session.Store, validator *security.Validator, site Site) *Interceptor {
	return &Interceptor{
		configs:   configs,
		pages:     pages,
		store:     store,
		validator: validator,
		site:      site,
		newToken:  security.NewToken,
	}
}

// Evaluate runs the interception decision for one submission.
func (i *Interceptor) Evaluate(ctx context.Context, req InterceptRequest) Outcome {
	out := i.evaluate(ctx, req)
	metrics.InterceptDecisions.WithLabelValues(out.Kind.String(), out.Reason).Inc()
	return out
}

func (i *Interceptor) evaluate(ctx context.Context, req InterceptRequest) Outcome {
	if InterceptionSuppressed(ctx) {
		return proceed(ReasonReplay)
	}
	if req.SessionID == "" {
		slog.Warn("confirm_intercept_skipped", "form_id", req.FormID, "reason", ReasonNoSession)
		return proceed(ReasonNoSession)
	}

	cfg, err := i.configs.ConfirmConfig(ctx, req.FormID)
	if err != nil {
		slog.Warn("confirm_intercept_skipped", "form_id", req.FormID, "reason", ReasonConfigError, "error", err)
		return proceed(ReasonConfigError)
	}
	if cfg == nil {
		return proceed(ReasonUnknownForm)
	}
	if !cfg.ConfirmEnabled {
		return proceed(ReasonConfirmDisabled)
	}
	if cfg.Slug == "" {
		return proceed(ReasonNoSlug)
	}
	if !hasDisplayableData(req.PostedData) {
		return proceed(ReasonEmptyData)
	}
	if i.validator != nil {
		if err := i.validator.ValidatePostedData(req.PostedData); err != nil {
			slog.Warn("confirm_intercept_skipped", "form_id", req.FormID, "reason", ReasonRejectedData, "error", err)
			return proceed(ReasonRejectedData)
		}
	}

	page, err := i.pages.ConfirmPage(ctx, cfg.Slug)
	if err != nil {
		slog.Warn("confirm_intercept_skipped", "form_id", req.FormID, "slug", cfg.Slug, "reason", ReasonPageError, "error", err)
		return proceed(ReasonPageError)
	}
	if page == nil {
		slog.Warn("confirm_intercept_skipped", "form_id", req.FormID, "slug", cfg.Slug, "reason", ReasonNoConfirmPage)
		return proceed(ReasonNoConfirmPage)
	}

	token, err := i.freshToken(ctx, req.SessionID)
	if err != nil {
		slog.Warn("confirm_intercept_skipped", "form_id", req.FormID, "reason", ReasonTokenError, "error", err)
		return proceed(ReasonTokenError)
	}

	origin := req.OriginURL
	if origin == "" {
		origin = i.site.Home()
	}
	staged := &session.StagedSubmission{
		Token:         token,
		FormID:        req.FormID,
		FormSlug:      cfg.Slug,
		PostedData:    req.PostedData.Clone(),
		UploadedFiles: req.UploadedFiles,
		OriginURL:     origin,
	}
	if err := i.store.Put(ctx, req.SessionID, token, staged); err != nil {
		slog.Warn("confirm_intercept_skipped", "form_id", req.FormID, "reason", ReasonStageError, "error", err)
		return proceed(ReasonStageError)
	}

	redirect := AddQueryArg(i.site.Permalink(page.Path), QueryToken, token)
	slog.Info("confirm_intercepted",
		"form_id", req.FormID,
		"slug", cfg.Slug,
		"session", session.ShortID(req.SessionID),
		"token", session.ShortID(token))

	return Outcome{Kind: Intercept, Reason: ReasonStaged, Token: token, RedirectURL: redirect}
}

// BeforeSend is the host pre-send hook: on Intercept it sets abort and
// records the redirect for the request's response path.
func (i *Interceptor) BeforeSend(ctx context.Context, req InterceptRequest, abort *bool) Outcome {
	out := i.Evaluate(ctx, req)
	if out.Kind == Intercept {
		*abort = true
		PendingRedirectFrom(ctx).Set(out.RedirectURL)
	}
	return out
}

// freshToken draws tokens until one is unused in the session.
func (i *Interceptor) freshToken(ctx context.Context, sessionID string) (string, error) {
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		token, err := i.newToken()
		if err != nil {
			lastErr = err
			continue
		}
		existing, err := i.store.Get(ctx, sessionID, token)
		if err != nil {
			return "", err
		}
		if existing == nil {
			return token, nil
		}
		slog.Warn("confirm_token_collision", "session", session.ShortID(sessionID))
	}
	if lastErr == nil {
		lastErr = errTokenExhausted
	}
	return "", lastErr
}

func proceed(reason string) Outcome {
	return Outcome{Kind: Proceed, Reason: reason}
}

func hasDisplayableData(data session.PostedData) bool {
	for _, f := range data {
		if !f.Internal() {
			return true
		}
	}
	return false
}
