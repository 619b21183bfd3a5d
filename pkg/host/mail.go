package host

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"text/template"

	"github.com/cf7me/confirmflow/pkg/confirm"
	"github.com/cf7me/confirmflow/pkg/db"
	"github.com/cf7me/confirmflow/pkg/errors"
	"github.com/cf7me/confirmflow/pkg/session"
	"github.com/gsoultan/gsmail"
	"github.com/gsoultan/gsmail/smtp"
)

// Mailer delivers the notification of an accepted submission.
type Mailer interface {
	Send(ctx context.Context, form *db.Form, sub confirm.HostSubmission) error
}

// Sender is the part of a gsmail sender the mailer needs.
type Sender interface {
	Send(ctx context.Context, email gsmail.Email) error
}

// Downloader fetches the content of an uploaded file.
type Downloader interface {
	Download(ctx context.Context, ref session.FileRef) ([]byte, error)
}

// SMTPMailer renders a form's mail template and sends it through gsmail.
type SMTPMailer struct {
	sender    Sender
	from      string
	recipient string
	files     Downloader
}

// NewSMTPMailer creates a mailer on an SMTP server. recipient is used for
// forms that do not name one.
func NewSMTPMailer(host string, port int, username, password string, ssl bool, from, recipient string) *SMTPMailer {
	slog.Info("host_mailer_init", "smtp_host", host, "smtp_port", port, "ssl", ssl)
	return NewMailer(smtp.NewSender(host, port, username, password, ssl), from, recipient)
}

// NewMailer creates a mailer on an existing sender.
func NewMailer(sender Sender, from, recipient string) *SMTPMailer {
	return &SMTPMailer{sender: sender, from: from, recipient: recipient}
}

// AttachFrom makes the mailer attach uploaded files, read through files.
// Without it uploads are only listed in the body.
func (m *SMTPMailer) AttachFrom(files Downloader) *SMTPMailer {
	m.files = files
	return m
}

// Send implements Mailer.
func (m *SMTPMailer) Send(ctx context.Context, form *db.Form, sub confirm.HostSubmission) error {
	to := strings.TrimSpace(form.Mail.Recipient)
	if to == "" {
		to = m.recipient
	}
	if to == "" {
		return errors.New("no mail recipient configured")
	}

	data := templateData(form, sub)

	subjectSrc := form.Mail.Subject
	if subjectSrc == "" {
		subjectSrc = "New submission: " + form.Title
	}
	subject, err := render("subject", subjectSrc, data)
	if err != nil {
		return errors.Wrap(err, "failed to render mail subject")
	}

	email := gsmail.Email{
		From:    m.from,
		To:      splitRecipients(to),
		Subject: subject,
	}
	if form.Mail.Body != "" {
		if err := email.SetBody(form.Mail.Body, data); err != nil {
			return errors.Wrap(err, "failed to render mail body")
		}
	} else {
		email.Body = []byte(defaultBody(form, sub))
	}

	attachments, err := m.attachments(ctx, sub.UploadedFiles)
	if err != nil {
		return err
	}
	email.Attachments = attachments

	if err := m.sender.Send(ctx, email); err != nil {
		return errors.Wrap(err, "failed to send mail")
	}
	return nil
}

// attachments downloads files in field name order.
func (m *SMTPMailer) attachments(ctx context.Context, files map[string]session.FileRef) ([]gsmail.Attachment, error) {
	if m.files == nil || len(files) == 0 {
		return nil, nil
	}

	fields := make([]string, 0, len(files))
	for field := range files {
		fields = append(fields, field)
	}
	sort.Strings(fields)

	out := make([]gsmail.Attachment, 0, len(fields))
	for _, field := range fields {
		ref := files[field]
		data, err := m.files.Download(ctx, ref)
		if err != nil {
			slog.Error("host_attachment_download_failed", "field", field, "key", ref.Key, "error", err)
			return nil, errors.Wrap(err, "failed to load attachment "+ref.Name)
		}
		contentType := ref.ContentType
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		out = append(out, gsmail.Attachment{Filename: ref.Name, ContentType: contentType, Data: data})
	}
	return out, nil
}

// LogMailer writes notifications to the log. It stands in when no SMTP
// server is configured.
type LogMailer struct{}

// Send implements Mailer.
func (LogMailer) Send(ctx context.Context, form *db.Form, sub confirm.HostSubmission) error {
	slog.Info("host_mail_logged", "form_id", form.ID, "title", form.Title, "body", defaultBody(form, sub))
	return nil
}

// templateData exposes each displayable field under its name and, for
// template convenience, under the name with dashes as underscores.
func templateData(form *db.Form, sub confirm.HostSubmission) map[string]any {
	data := map[string]any{
		"FormTitle": form.Title,
		"Files":     sub.UploadedFiles,
	}
	for _, f := range sub.PostedData {
		if f.Internal() {
			continue
		}
		data[f.Name] = f.Display()
		data[strings.ReplaceAll(f.Name, "-", "_")] = f.Display()
	}
	return data
}

func defaultBody(form *db.Form, sub confirm.HostSubmission) string {
	labels := make(map[string]string, len(form.Fields))
	for _, f := range form.Fields {
		if f.Label != "" {
			labels[f.Name] = f.Label
		}
	}

	var b strings.Builder
	for _, f := range sub.PostedData {
		if f.Internal() {
			continue
		}
		label := labels[f.Name]
		if label == "" {
			label = f.Name
		}
		fmt.Fprintf(&b, "%s: %s\n", label, f.Display())
	}
	for field, ref := range sub.UploadedFiles {
		fmt.Fprintf(&b, "%s: %s (%d bytes)\n", field, ref.Name, ref.Size)
	}
	return b.String()
}

func render(name, src string, data any) (string, error) {
	tmpl, err := template.New(name).Option("missingkey=zero").Parse(src)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func splitRecipients(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
