package db

// Schema defines the SQLite schema for forms and pages.
// Slugs are unique among forms that have one; pages are addressed by path.
const Schema = `
CREATE TABLE IF NOT EXISTS forms (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    title TEXT NOT NULL,
    slug TEXT NOT NULL DEFAULT '',
    confirm_enabled INTEGER NOT NULL DEFAULT 0,
    thanks_url TEXT NOT NULL DEFAULT '',
    fields TEXT NOT NULL DEFAULT '[]',
    mail_recipient TEXT NOT NULL DEFAULT '',
    mail_subject TEXT NOT NULL DEFAULT '',
    mail_body TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_forms_slug ON forms(slug) WHERE slug != '';

CREATE TABLE IF NOT EXISTS pages (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    path TEXT NOT NULL UNIQUE,
    title TEXT NOT NULL,
    content TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_pages_path ON pages(path);
`

// ConfirmPagePrefix is prepended to a form slug to name its confirmation page.
const ConfirmPagePrefix = "confirm-"

// FormField describes one input of a form.
type FormField struct {
	Name     string   `json:"name"`
	Type     string   `json:"type"`
	Label    string   `json:"label,omitempty"`
	Required bool     `json:"required,omitempty"`
	Values   []string `json:"values,omitempty"`
	Multiple bool     `json:"multiple,omitempty"`
}

// MailTemplate is the notification a form sends on a successful submission.
// Body and Subject are text/template sources over the posted fields.
type MailTemplate struct {
	Recipient string
	Subject   string
	Body      string
}

// Form represents a form record with its confirmation settings
type Form struct {
	ID             int64
	Title          string
	Slug           string
	ConfirmEnabled bool
	ThanksURL      string
	Fields         []FormField
	Mail           MailTemplate
	CreatedAt      string
	UpdatedAt      string
}

// Page represents a site page addressed by path
type Page struct {
	ID        int64
	Path      string
	Title     string
	Content   string
	CreatedAt string
	UpdatedAt string
}
