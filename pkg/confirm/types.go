// Package confirm implements the review-before-send flow in front of a host
// form engine: the pre-send interceptor that stages a submission, the renderer
// of the review step, the finalizer that replays the staged submission, and
// the server half of the redirect bridge.
package confirm

import (
	"context"

	"github.com/cf7me/confirmflow/pkg/errors"
	"github.com/cf7me/confirmflow/pkg/session"
)

// Names shared with the page markup, the client script and the query string.
const (
	DirectiveConfirm    = "cf7me_confirm"
	QueryToken          = "cf7me_token"
	QueryThanks         = "cf7me_thanks"
	FieldConfirmMarker  = "cf7me_confirm_submit"
	FieldSlug           = "cf7me_slug"
	FieldToken          = "cf7me_token"
	FieldNonce          = "cf7me_confirm_nonce"
	NonceAction         = "cf7me_confirm_submit"
	ResponseRedirectKey = "cf7me_redirect"
)

// Host submission statuses.
const (
	StatusMailSent         = "mail_sent"
	StatusMailFailed       = "mail_failed"
	StatusAborted          = "aborted"
	StatusValidationFailed = "validation_failed"
)

var (
	// ErrEmptySlug means a confirmation request named no form slug.
	ErrEmptySlug = errors.New("form slug is empty")
	// ErrNotFound means no staged submission matches the slug/token pair.
	ErrNotFound = errors.New("staged submission not found or expired")
	// ErrInvalidNonce means the confirm POST did not carry a valid nonce.
	ErrInvalidNonce = errors.New("invalid or missing confirmation nonce")
	// ErrInvalidSubmission means the staged record lacks a form or data.
	ErrInvalidSubmission = errors.New("staged submission is malformed")
	// ErrFormNotFound means the staged record points at a form that no longer exists.
	ErrFormNotFound = errors.New("form not found")
	// ErrDispatchFailed means the host did not send the replayed submission.
	ErrDispatchFailed = errors.New("host did not dispatch the submission")
)

// FormConfirmConfig is the per-form confirmation configuration. It is owned
// by the form-builder side; this package only reads it.
type FormConfirmConfig struct {
	FormID         int64
	ConfirmEnabled bool
	Slug           string
	ThanksURL      string
}

// Page identifies a site page.
type Page struct {
	ID   int64
	Path string
}

// FormTag is the host's description of one named form field.
type FormTag struct {
	Name   string
	Labels []string
	Values []string
}

// HostSubmission is what the host pipeline validates and mails.
type HostSubmission struct {
	FormID          int64
	ContainerPageID int64
	PostedData      session.PostedData
	UploadedFiles   map[string]session.FileRef
	OriginURL       string
}

// HostResult is the host's verdict on a submission.
type HostResult struct {
	Status  string
	Message string
	Invalid map[string]string
}

// ConfigSource reads form configuration. A nil config with a nil error means
// the form is unknown.
type ConfigSource interface {
	ConfirmConfig(ctx context.Context, formID int64) (*FormConfirmConfig, error)
}

// PageResolver finds the confirmation page of a slug; (nil, nil) when none exists.
type PageResolver interface {
	ConfirmPage(ctx context.Context, slug string) (*Page, error)
}

// Host is the form engine the flow sits in front of.
type Host interface {
	// Submit validates the submission, runs the pre-send hooks and sends mail.
	Submit(ctx context.Context, sub HostSubmission) (HostResult, error)
	// FormTags lists the named fields of a form in declaration order.
	FormTags(ctx context.Context, formID int64) ([]FormTag, error)
}

// Nonces issues and verifies CSRF nonces scoped to an action and a session.
type Nonces interface {
	Issue(action, sessionID string) (string, error)
	Verify(nonce, action, sessionID string) bool
}

var errTokenExhausted = errors.New("could not draw an unused token")
