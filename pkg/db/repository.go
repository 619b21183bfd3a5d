package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/cf7me/confirmflow/pkg/confirm"
	"github.com/cf7me/confirmflow/pkg/errors"
	"github.com/cf7me/confirmflow/pkg/security"
	_ "modernc.org/sqlite"
)

var (
	// ErrSlugRequired is returned when a form is saved without a slug.
	ErrSlugRequired = errors.New("form slug is required")
	// ErrSlugImmutable is returned when an existing form's slug would change.
	ErrSlugImmutable = errors.New("form slug cannot be changed once assigned")
	// ErrSlugTaken is returned when another form already uses the slug.
	ErrSlugTaken = errors.New("form slug is already in use")
	// ErrFormNotFound is returned when updating a form that does not exist.
	ErrFormNotFound = errors.New("form not found")
)

// Repository provides database operations for forms and pages
type Repository struct {
	db *sql.DB
}

// NewRepository creates a new repository
func NewRepository(dbPath string) (*Repository, error) {
	slog.Info("database_init", "db_path", dbPath)

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		slog.Error("database_open_failed", "db_path", dbPath, "error", err)
		return nil, errors.Wrap(err, "failed to open database")
	}

	slog.Info("database_create_schema", "db_path", dbPath)
	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		slog.Error("database_schema_failed", "db_path", dbPath, "error", err)
		return nil, errors.Wrap(err, "failed to create schema")
	}

	slog.Info("database_ready", "db_path", dbPath)
	return &Repository{db: db}, nil
}

// Close closes the database connection
func (r *Repository) Close() error {
	return r.db.Close()
}

const formColumns = `id, title, slug, confirm_enabled, thanks_url, fields,
       mail_recipient, mail_subject, mail_body, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanForm(row rowScanner) (*Form, error) {
	var f Form
	var confirmEnabled int
	var fields string
	err := row.Scan(&f.ID, &f.Title, &f.Slug, &confirmEnabled, &f.ThanksURL, &fields,
		&f.Mail.Recipient, &f.Mail.Subject, &f.Mail.Body, &f.CreatedAt, &f.UpdatedAt)
	if err != nil {
		return nil, err
	}
	f.ConfirmEnabled = confirmEnabled != 0
	if err := json.Unmarshal([]byte(fields), &f.Fields); err != nil {
		return nil, errors.Wrap(err, "failed to decode form fields")
	}
	return &f, nil
}

// SaveForm inserts (ID == 0) or updates a form. Slugs are sanitized, required,
// unique across forms and immutable once stored. When confirmation is enabled
// the form's confirmation page is created or repaired.
func (r *Repository) SaveForm(ctx context.Context, f *Form) error {
	slog.Info("database_save_form", "form_id", f.ID, "slug", f.Slug)

	f.Slug = security.SanitizeKey(f.Slug)
	if f.Slug == "" {
		return ErrSlugRequired
	}
	f.ThanksURL = strings.TrimSpace(f.ThanksURL)

	if f.ID != 0 {
		existing, err := r.GetForm(ctx, f.ID)
		if err != nil {
			return err
		}
		if existing == nil {
			return ErrFormNotFound
		}
		if existing.Slug != "" && existing.Slug != f.Slug {
			slog.Error("database_slug_immutable", "form_id", f.ID, "stored", existing.Slug, "requested", f.Slug)
			return ErrSlugImmutable
		}
	}

	taken, err := r.SlugExists(ctx, f.Slug, f.ID)
	if err != nil {
		return err
	}
	if taken {
		slog.Error("database_slug_taken", "slug", f.Slug)
		return ErrSlugTaken
	}

	fields, err := json.Marshal(f.Fields)
	if err != nil {
		return errors.Wrap(err, "failed to encode form fields")
	}
	if f.Fields == nil {
		fields = []byte("[]")
	}

	if f.ID == 0 {
		result, err := r.db.ExecContext(ctx, `
			INSERT INTO forms (title, slug, confirm_enabled, thanks_url, fields, mail_recipient, mail_subject, mail_body)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, f.Title, f.Slug, boolToInt(f.ConfirmEnabled), f.ThanksURL, string(fields),
			f.Mail.Recipient, f.Mail.Subject, f.Mail.Body)
		if err != nil {
			slog.Error("database_insert_failed", "slug", f.Slug, "error", err)
			return errors.Wrap(err, "failed to insert form")
		}
		id, err := result.LastInsertId()
		if err != nil {
			return errors.Wrap(err, "failed to get last insert id")
		}
		f.ID = id
		slog.Info("database_form_created", "form_id", f.ID, "slug", f.Slug)
	} else {
		_, err := r.db.ExecContext(ctx, `
			UPDATE forms
			SET title = ?, slug = ?, confirm_enabled = ?, thanks_url = ?, fields = ?,
			    mail_recipient = ?, mail_subject = ?, mail_body = ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ?
		`, f.Title, f.Slug, boolToInt(f.ConfirmEnabled), f.ThanksURL, string(fields),
			f.Mail.Recipient, f.Mail.Subject, f.Mail.Body, f.ID)
		if err != nil {
			slog.Error("database_update_failed", "form_id", f.ID, "error", err)
			return errors.Wrap(err, "failed to update form")
		}
		slog.Info("database_form_updated", "form_id", f.ID, "slug", f.Slug)
	}

	if f.ConfirmEnabled {
		if _, err := r.EnsureConfirmPage(ctx, f.Slug); err != nil {
			return err
		}
	}
	return nil
}

// GetForm retrieves a form by id; (nil, nil) when it does not exist.
func (r *Repository) GetForm(ctx context.Context, id int64) (*Form, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+formColumns+` FROM forms WHERE id = ?`, id)
	f, err := scanForm(row)
	if err == sql.ErrNoRows {
		slog.Info("database_form_not_found", "form_id", id)
		return nil, nil
	}
	if err != nil {
		slog.Error("database_query_failed", "form_id", id, "error", err)
		return nil, errors.Wrap(err, "failed to query form")
	}
	return f, nil
}

// ListForms retrieves all forms ordered by title
func (r *Repository) ListForms(ctx context.Context) ([]*Form, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+formColumns+` FROM forms ORDER BY title ASC, id ASC`)
	if err != nil {
		slog.Error("database_list_query_failed", "error", err)
		return nil, errors.Wrap(err, "failed to list forms")
	}
	defer rows.Close()

	var forms []*Form
	for rows.Next() {
		f, err := scanForm(rows)
		if err != nil {
			slog.Error("database_scan_row_failed", "error", err)
			return nil, errors.Wrap(err, "failed to scan row")
		}
		forms = append(forms, f)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "rows error")
	}

	slog.Info("database_list_complete", "form_count", len(forms))
	return forms, nil
}

// SlugExists reports whether a form other than excludeID uses slug.
func (r *Repository) SlugExists(ctx context.Context, slug string, excludeID int64) (bool, error) {
	slug = security.SanitizeKey(slug)
	if slug == "" {
		return false, nil
	}
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM forms WHERE slug = ? AND id != ?`, slug, excludeID).Scan(&n)
	if err != nil {
		return false, errors.Wrap(err, "failed to check slug")
	}
	return n > 0, nil
}

// DeleteForm deletes a form by ID
func (r *Repository) DeleteForm(ctx context.Context, id int64) error {
	slog.Info("database_delete_form", "form_id", id)
	if _, err := r.db.ExecContext(ctx, `DELETE FROM forms WHERE id = ?`, id); err != nil {
		slog.Error("database_delete_failed", "form_id", id, "error", err)
		return errors.Wrap(err, "failed to delete form")
	}
	return nil
}

// ConfirmConfig returns the confirmation settings of a form; (nil, nil) when the form is unknown.
func (r *Repository) ConfirmConfig(ctx context.Context, formID int64) (*confirm.FormConfirmConfig, error) {
	f, err := r.GetForm(ctx, formID)
	if err != nil || f == nil {
		return nil, err
	}
	return &confirm.FormConfirmConfig{
		FormID:         f.ID,
		ConfirmEnabled: f.ConfirmEnabled,
		Slug:           f.Slug,
		ThanksURL:      f.ThanksURL,
	}, nil
}

// ConfirmPage resolves the confirmation page of slug; (nil, nil) when there is none.
func (r *Repository) ConfirmPage(ctx context.Context, slug string) (*confirm.Page, error) {
	p, err := r.GetPageByPath(ctx, ConfirmPagePrefix+slug)
	if err != nil || p == nil {
		return nil, err
	}
	return &confirm.Page{ID: p.ID, Path: p.Path}, nil
}

// GetPageByPath retrieves a page; (nil, nil) when it does not exist.
func (r *Repository) GetPageByPath(ctx context.Context, path string) (*Page, error) {
	var p Page
	err := r.db.QueryRowContext(ctx, `
		SELECT id, path, title, content, created_at, updated_at FROM pages WHERE path = ?
	`, path).Scan(&p.ID, &p.Path, &p.Title, &p.Content, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("database_query_failed", "path", path, "error", err)
		return nil, errors.Wrap(err, "failed to query page")
	}
	return &p, nil
}

// ListPages retrieves all pages ordered by path
func (r *Repository) ListPages(ctx context.Context) ([]*Page, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, path, title, content, created_at, updated_at FROM pages ORDER BY path ASC`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list pages")
	}
	defer rows.Close()

	var pages []*Page
	for rows.Next() {
		var p Page
		if err := rows.Scan(&p.ID, &p.Path, &p.Title, &p.Content, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan row")
		}
		pages = append(pages, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "rows error")
	}
	return pages, nil
}

// SavePage inserts or replaces the page stored under p.Path.
func (r *Repository) SavePage(ctx context.Context, p *Page) error {
	slog.Info("database_save_page", "path", p.Path)

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO pages (path, title, content) VALUES (?, ?, ?)
		ON CONFLICT (path) DO UPDATE SET
		    title = excluded.title, content = excluded.content, updated_at = CURRENT_TIMESTAMP
	`, p.Path, p.Title, p.Content)
	if err != nil {
		slog.Error("database_save_page_failed", "path", p.Path, "error", err)
		return errors.Wrap(err, "failed to save page")
	}

	saved, err := r.GetPageByPath(ctx, p.Path)
	if err != nil {
		return err
	}
	if saved != nil {
		*p = *saved
	}
	return nil
}

// EnsureConfirmPage creates the confirmation page of slug, or re-appends the
// confirmation directive to an existing page whose content lost it while
// keeping the text an editor wrote above it.
func (r *Repository) EnsureConfirmPage(ctx context.Context, slug string) (*Page, error) {
	slug = security.SanitizeKey(slug)
	if slug == "" {
		return nil, ErrSlugRequired
	}
	path := ConfirmPagePrefix + slug
	directive := fmt.Sprintf(`[%s slug="%s"]`, confirm.DirectiveConfirm, slug)

	existing, err := r.GetPageByPath(ctx, path)
	if err != nil {
		return nil, err
	}

	if existing != nil {
		if strings.Contains(existing.Content, "["+confirm.DirectiveConfirm) {
			return existing, nil
		}
		preserved := strings.TrimSpace(existing.Content)
		if preserved != "" {
			existing.Content = preserved + "\n\n" + directive
		} else {
			existing.Content = directive
		}
		slog.Info("database_confirm_page_repaired", "path", path)
		if err := r.SavePage(ctx, existing); err != nil {
			return nil, err
		}
		return existing, nil
	}

	page := &Page{Path: path, Title: "Confirm your entry", Content: directive}
	if err := r.SavePage(ctx, page); err != nil {
		return nil, err
	}
	slog.Info("database_confirm_page_created", "path", path, "page_id", page.ID)
	return page, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
