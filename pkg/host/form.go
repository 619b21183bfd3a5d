package host

import (
	"bytes"
	"context"
	"html/template"
	"net/url"
	"strconv"

	"github.com/cf7me/confirmflow/pkg/confirm"
	"github.com/cf7me/confirmflow/pkg/db"
	"github.com/cf7me/confirmflow/pkg/errors"
	"github.com/cf7me/confirmflow/pkg/security"
	"github.com/cf7me/confirmflow/pkg/session"
)

// Hidden fields every rendered form carries.
const (
	FieldFormID        = "_wpcf7"
	FieldContainerPost = "_wpcf7_container_post"
	FieldOrigin        = "_cf7me_origin"
)

var formTemplate = template.Must(template.New("form").Parse(`<div class="wpcf7" id="wpcf7-f{{.Form.ID}}">
<form method="post" action="{{.Action}}" class="wpcf7-form" data-cf7me-form="{{.Form.ID}}" data-cf7me-feedback="{{.Feedback}}" enctype="multipart/form-data">
<input type="hidden" name="` + FieldFormID + `" value="{{.Form.ID}}" />
<input type="hidden" name="` + FieldContainerPost + `" value="{{.PageID}}" />
<input type="hidden" name="` + FieldOrigin + `" value="{{.Origin}}" />
{{- range .Form.Fields}}
{{- if eq .Type "submit"}}
<p><button type="submit">{{if .Label}}{{.Label}}{{else}}Send{{end}}</button></p>
{{- else}}
<p><label>{{if .Label}}{{.Label}}{{else}}{{.Name}}{{end}}{{if .Required}} *{{end}}<br />
{{- if eq .Type "textarea"}}
<textarea name="{{.Name}}"{{if .Required}} required{{end}}></textarea>
{{- else if eq .Type "select"}}
<select name="{{.Name}}{{if .Multiple}}[]{{end}}"{{if .Multiple}} multiple{{end}}>{{range .Values}}<option value="{{.}}">{{.}}</option>{{end}}</select>
{{- else if eq .Type "checkbox"}}
{{- $name := .Name}}{{range .Values}}<span><input type="checkbox" name="{{$name}}[]" value="{{.}}" />{{.}}</span>{{end}}
{{- else if eq .Type "radio"}}
{{- $name := .Name}}{{range .Values}}<span><input type="radio" name="{{$name}}" value="{{.}}" />{{.}}</span>{{end}}
{{- else}}
<input type="{{.Type}}" name="{{.Name}}"{{if .Required}} required{{end}} />
{{- end}}
</label></p>
{{- end}}
{{- end}}
<div class="wpcf7-response-output" aria-hidden="true"></div>
</form>
</div>`))

// RenderForm renders form markup posting to action. The async client posts
// to feedback instead.
func (e *Engine) RenderForm(ctx context.Context, formID int64, action, feedback string) (template.HTML, error) {
	form, err := e.forms.GetForm(ctx, formID)
	if err != nil {
		return "", errors.Wrap(err, "failed to load form")
	}
	if form == nil {
		return "", ErrUnknownForm
	}

	info := confirm.RequestInfoFrom(ctx)
	data := struct {
		Form     *db.Form
		Action   string
		Feedback string
		PageID   int64
		Origin   string
	}{form, action, feedback, info.PageID, info.PageURL}

	var buf bytes.Buffer
	if err := formTemplate.Execute(&buf, data); err != nil {
		return "", errors.Wrap(err, "failed to render form")
	}

	confirm.ThanksRedirectsFrom(ctx).Add(form.ID, form.ThanksURL)
	return template.HTML(buf.String()), nil
}

// FormDirective renders [cf7me_form id="..."].
func FormDirective(e *Engine) confirm.DirectiveFunc {
	return func(ctx context.Context, attrs map[string]string) (template.HTML, error) {
		id, err := strconv.ParseInt(attrs["id"], 10, 64)
		if err != nil || id <= 0 {
			return "", errors.New("form directive needs a numeric id")
		}
		idStr := strconv.FormatInt(id, 10)
		return e.RenderForm(ctx, id, "/forms/"+idStr, "/api/forms/"+idStr+"/feedback")
	}
}

// ParseFields builds posted data in field declaration order, which is the
// order the visitor filled the form in. Checkbox groups and multi-selects
// arrive as name[]. Fields the form does not declare are dropped, except the
// routing fields.
func ParseFields(form *db.Form, values url.Values) session.PostedData {
	var data session.PostedData
	for _, name := range []string{FieldFormID, FieldContainerPost, FieldOrigin} {
		if v := values.Get(name); v != "" {
			data = append(data, session.Field{Name: name, Values: []string{v}})
		}
	}

	for _, f := range form.Fields {
		if f.Name == "" || f.Type == "submit" || f.Type == "file" {
			continue
		}
		multiple := f.Type == "checkbox" || f.Multiple
		vals := values[f.Name+"[]"]
		if len(vals) == 0 {
			vals = values[f.Name]
		}
		clean := make([]string, 0, len(vals))
		for _, v := range vals {
			if f.Type == "textarea" {
				clean = append(clean, security.SanitizeTextarea(v))
			} else {
				clean = append(clean, security.SanitizeText(v))
			}
		}
		if !multiple && len(clean) > 1 {
			clean = clean[:1]
		}
		if len(clean) == 0 {
			clean = []string{""}
		}
		data = append(data, session.Field{Name: f.Name, Values: clean, Multiple: multiple})
	}
	return data
}
