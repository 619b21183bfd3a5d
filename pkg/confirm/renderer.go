package confirm

import (
	"bytes"
	"context"
	"html/template"
	"log/slog"

	"github.com/cf7me/confirmflow/pkg/errors"
	"github.com/cf7me/confirmflow/pkg/metrics"
	"github.com/cf7me/confirmflow/pkg/security"
	"github.com/cf7me/confirmflow/pkg/session"
)

// Messages shown in place of the review table.
const (
	MessageNoSlug  = "Confirmation page: no form slug was given."
	MessageExpired = "Your session has expired or there is nothing to confirm. Please submit the form again."
)

var confirmTemplate = template.Must(template.New("confirm").Parse(`<div class="cf7me-confirm-wrap">
<table class="cf7me-confirm-table">
<tbody>
{{- range .Rows}}
<tr><th>{{.Label}}</th><td>{{.Value}}</td></tr>
{{- end}}
</tbody>
</table>
<form method="post" action="{{.Action}}" class="cf7me-confirm-actions">
<input type="hidden" name="` + FieldNonce + `" value="{{.Nonce}}" />
<input type="hidden" name="` + FieldConfirmMarker + `" value="1" />
<input type="hidden" name="` + FieldSlug + `" value="{{.Slug}}" />
<input type="hidden" name="` + FieldToken + `" value="{{.Token}}" />
<a href="{{.BackURL}}" class="cf7me-btn cf7me-btn-back" onclick="if (window.history.length > 1) { history.back(); return false; }">Back to edit</a>
<button type="submit" name="cf7me_confirm_ok" value="1" class="cf7me-btn cf7me-btn-submit">Confirm and send</button>
</form>
</div>`))

var messageTemplate = template.Must(template.New("message").Parse(`<p class="cf7me-confirm-message">{{.}}</p>`))

// Row is one line of the review table.
type Row struct {
	Label string
	Value string
}

// RenderParams are the inputs of one confirmation page render.
type RenderParams struct {
	Slug      string
	Token     string
	SessionID string
	PageURL   string
}

// Renderer produces the read-only review of a staged submission. Rendering
// never mutates state; a page can be reloaded any number of times.
type Renderer struct {
	resolver *Resolver
	host     Host
	nonces   Nonces
	site     Site
}

// NewRenderer creates a Renderer.
func NewRenderer(resolver *Resolver, host Host, nonces Nonces, site Site) *Renderer {
	return &Renderer{resolver: resolver, host: host, nonces: nonces, site: site}
}

// Render returns the confirmation markup for p. Missing slug and missing data
// render a message; only a failure to build the form itself is an error.
func (r *Renderer) Render(ctx context.Context, p RenderParams) (template.HTML, error) {
	slug := security.SanitizeKey(p.Slug)
	if slug == "" {
		metrics.ConfirmRenders.WithLabelValues("no_slug").Inc()
		return message(MessageNoSlug), nil
	}
	token := security.SanitizeText(p.Token)

	sub, _, err := r.resolver.Resolve(ctx, p.SessionID, slug, token)
	if err != nil {
		slog.Error("confirm_resolve_failed", "slug", slug, "error", err)
		sub = nil
	}
	if sub == nil {
		metrics.ConfirmRenders.WithLabelValues("not_found").Inc()
		return message(MessageExpired), nil
	}

	nonce, err := r.nonces.Issue(NonceAction, p.SessionID)
	if err != nil {
		slog.Error("confirm_nonce_failed", "slug", slug, "error", err)
		return "", errors.Wrap(err, "failed to issue confirmation nonce")
	}

	data := struct {
		Rows    []Row
		Action  string
		Nonce   string
		Slug    string
		Token   string
		BackURL string
	}{
		Rows:    r.Rows(ctx, sub),
		Action:  p.PageURL,
		Nonce:   nonce,
		Slug:    slug,
		Token:   token,
		BackURL: r.site.SafeRedirectURL(sub.OriginURL),
	}

	var buf bytes.Buffer
	if err := confirmTemplate.Execute(&buf, data); err != nil {
		return "", errors.Wrap(err, "failed to render confirmation table")
	}

	metrics.ConfirmRenders.WithLabelValues("ok").Inc()
	slog.Info("confirm_rendered", "slug", slug, "form_id", sub.FormID, "rows", len(data.Rows))
	return template.HTML(buf.String()), nil
}

// Rows builds the review table in submission order, skipping internal fields.
// A failing label lookup falls back to raw field names.
func (r *Renderer) Rows(ctx context.Context, sub *session.StagedSubmission) []Row {
	var labels map[string]string
	if tags, err := r.host.FormTags(ctx, sub.FormID); err != nil {
		slog.Warn("confirm_labels_unavailable", "form_id", sub.FormID, "error", err)
	} else {
		labels = fieldLabels(tags)
	}

	rows := make([]Row, 0, len(sub.PostedData))
	for _, f := range sub.PostedData {
		if f.Name == "" || f.Internal() {
			continue
		}
		label, ok := labels[f.Name]
		if !ok {
			label = f.Name
		}
		rows = append(rows, Row{Label: label, Value: f.Display()})
	}
	return rows
}

func message(text string) template.HTML {
	var buf bytes.Buffer
	if err := messageTemplate.Execute(&buf, text); err != nil {
		slog.Error("confirm_message_failed", "error", err)
		return ""
	}
	return template.HTML(buf.String())
}
