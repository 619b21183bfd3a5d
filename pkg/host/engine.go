// Package host is the reference form engine the confirmation flow plugs
// into. It owns form definitions, validates submissions, runs the pre-send
// hooks and mails the result.
package host

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/cf7me/confirmflow/pkg/confirm"
	"github.com/cf7me/confirmflow/pkg/db"
	"github.com/cf7me/confirmflow/pkg/errors"
)

// Response messages, as the client shows them.
const (
	MessageMailSent         = "Thank you for your message. It has been sent."
	MessageMailFailed       = "There was an error trying to send your message. Please try again later."
	MessageValidationFailed = "One or more fields have an error. Please check and try again."
	MessageRequired         = "Please fill out this field."
)

// ErrUnknownForm is returned when a submission names a form that does not exist.
var ErrUnknownForm = errors.New("unknown form")

// FormSource loads form definitions; (nil, nil) means the form does not exist.
type FormSource interface {
	GetForm(ctx context.Context, id int64) (*db.Form, error)
}

// BeforeSendHook runs after validation and before mail. Setting abort stops
// the send without reporting an error.
type BeforeSendHook func(ctx context.Context, sub confirm.HostSubmission, abort *bool)

// Engine validates and mails submissions.
type Engine struct {
	forms  FormSource
	mailer Mailer

	mu    sync.RWMutex
	hooks []BeforeSendHook
}

// NewEngine creates an Engine.
func NewEngine(forms FormSource, mailer Mailer) *Engine {
	return &Engine{forms: forms, mailer: mailer}
}

// OnBeforeSend registers a pre-send hook. Hooks run in registration order
// until one aborts.
func (e *Engine) OnBeforeSend(hook BeforeSendHook) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.hooks = append(e.hooks, hook)
}

// Submit runs the submission pipeline. Mail transport failures are reported
// through the result status, not the error.
func (e *Engine) Submit(ctx context.Context, sub confirm.HostSubmission) (confirm.HostResult, error) {
	form, err := e.forms.GetForm(ctx, sub.FormID)
	if err != nil {
		slog.Error("host_form_load_failed", "form_id", sub.FormID, "error", err)
		return confirm.HostResult{}, errors.Wrap(err, "failed to load form")
	}
	if form == nil {
		return confirm.HostResult{}, ErrUnknownForm
	}

	if invalid := validate(form, sub); len(invalid) > 0 {
		slog.Info("host_validation_failed", "form_id", form.ID, "fields", len(invalid))
		return confirm.HostResult{
			Status:  confirm.StatusValidationFailed,
			Message: MessageValidationFailed,
			Invalid: invalid,
		}, nil
	}

	abort := false
	e.mu.RLock()
	hooks := append([]BeforeSendHook(nil), e.hooks...)
	e.mu.RUnlock()
	for _, hook := range hooks {
		hook(ctx, sub, &abort)
		if abort {
			slog.Info("host_send_aborted", "form_id", form.ID)
			return confirm.HostResult{Status: confirm.StatusAborted}, nil
		}
	}

	if err := e.mailer.Send(ctx, form, sub); err != nil {
		slog.Error("host_mail_failed", "form_id", form.ID, "error", err)
		return confirm.HostResult{Status: confirm.StatusMailFailed, Message: MessageMailFailed}, nil
	}

	slog.Info("host_mail_sent", "form_id", form.ID)
	return confirm.HostResult{Status: confirm.StatusMailSent, Message: MessageMailSent}, nil
}

// FormTags lists the named fields of a form in declaration order.
func (e *Engine) FormTags(ctx context.Context, formID int64) ([]confirm.FormTag, error) {
	form, err := e.forms.GetForm(ctx, formID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load form")
	}
	if form == nil {
		return nil, ErrUnknownForm
	}

	tags := make([]confirm.FormTag, 0, len(form.Fields))
	for _, f := range form.Fields {
		if f.Name == "" || f.Type == "submit" {
			continue
		}
		tag := confirm.FormTag{Name: f.Name, Values: f.Values}
		if f.Label != "" {
			tag.Labels = []string{f.Label}
		}
		tags = append(tags, tag)
	}
	return tags, nil
}

// InterceptHook adapts the confirmation interceptor to a pre-send hook. The
// visitor session comes from the request info on ctx.
func InterceptHook(i *confirm.Interceptor) BeforeSendHook {
	return func(ctx context.Context, sub confirm.HostSubmission, abort *bool) {
		i.BeforeSend(ctx, confirm.InterceptRequest{
			SessionID:     confirm.RequestInfoFrom(ctx).SessionID,
			FormID:        sub.FormID,
			PostedData:    sub.PostedData,
			UploadedFiles: sub.UploadedFiles,
			OriginURL:     sub.OriginURL,
		}, abort)
	}
}

func validate(form *db.Form, sub confirm.HostSubmission) map[string]string {
	invalid := make(map[string]string)
	for _, f := range form.Fields {
		if !f.Required || f.Name == "" {
			continue
		}
		if f.Type == "file" {
			if _, ok := sub.UploadedFiles[f.Name]; !ok {
				invalid[f.Name] = MessageRequired
			}
			continue
		}
		if strings.TrimSpace(sub.PostedData.Value(f.Name)) == "" {
			invalid[f.Name] = MessageRequired
		}
	}
	return invalid
}
