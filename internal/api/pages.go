package api

import (
	"context"
	"html/template"
	"log/slog"
	"net/http"
	"strings"

	"github.com/cf7me/confirmflow/pkg/confirm"
	"github.com/cf7me/confirmflow/pkg/db"
	"github.com/cf7me/confirmflow/pkg/errors"
)

// HomePath is the page served at the site root.
const HomePath = "home"

// QueryStatus carries the host status back to the form page after a
// traditional submission.
const QueryStatus = "cf7me_status"

var statusMessages = map[string]string{
	confirm.StatusMailSent:         "Thank you for your message. It has been sent.",
	confirm.StatusMailFailed:       "There was an error trying to send your message. Please try again later.",
	confirm.StatusValidationFailed: "One or more fields have an error. Please check and try again.",
}

var layout = template.Must(template.New("layout").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8" />
<title>{{.Title}}</title>
</head>
<body>
<main>
<h1>{{.Title}}</h1>
{{- if .Notice}}
<p class="cf7me-notice">{{.Notice}}</p>
{{- end}}
{{.Content}}
</main>
{{.Footer}}
</body>
</html>
`))

type pageView struct {
	Title   string
	Notice  string
	Content template.HTML
	Footer  template.HTML
}

func pagePath(r *http.Request) string {
	path := strings.Trim(r.PathValue("path"), "/")
	if path == "" {
		return HomePath
	}
	return path
}

func (s *Server) showPage(w http.ResponseWriter, r *http.Request) {
	s.renderPage(w, r, http.StatusOK)
}

// renderPage expands the page's directives for this visitor and writes it.
func (s *Server) renderPage(w http.ResponseWriter, r *http.Request, code int) {
	page, ok := s.loadPage(w, r)
	if !ok {
		return
	}

	ctx, redirects := confirm.WithThanksRedirects(s.pageContext(r.Context(), r, page))
	content, err := s.Directives.Expand(ctx, page.Content)
	if err != nil {
		slog.Error("api_page_render_failed", "path", page.Path, "error", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	s.writePage(w, code, pageView{
		Title:   page.Title,
		Notice:  statusMessages[r.URL.Query().Get(QueryStatus)],
		Content: content,
		Footer:  redirects.Footer(ScriptPath),
	})
}

func (s *Server) loadPage(w http.ResponseWriter, r *http.Request) (*db.Page, bool) {
	page, err := s.Pages.GetPageByPath(r.Context(), pagePath(r))
	if err != nil {
		slog.Error("api_page_load_failed", "path", pagePath(r), "error", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return nil, false
	}
	if page == nil {
		http.NotFound(w, r)
		return nil, false
	}
	return page, true
}

func (s *Server) pageContext(ctx context.Context, r *http.Request, page *db.Page) context.Context {
	return confirm.WithRequestInfo(ctx, confirm.RequestInfo{
		SessionID: sessionID(ctx),
		PageID:    page.ID,
		PageURL:   s.Site.Permalink(page.Path),
		Query:     r.URL.Query(),
	})
}

func (s *Server) writePage(w http.ResponseWriter, code int, view pageView) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(code)
	if err := layout.Execute(w, view); err != nil {
		slog.Error("api_layout_failed", "error", err)
	}
}

// postPage handles the confirmation form. Any other POST to a page renders it.
func (s *Server) postPage(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := r.ParseForm(); err != nil {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}
	if r.PostForm.Get(confirm.FieldConfirmMarker) == "" || r.PostForm.Get(confirm.FieldSlug) == "" {
		s.renderPage(w, r, http.StatusOK)
		return
	}

	page, ok := s.loadPage(w, r)
	if !ok {
		return
	}

	sid := sessionID(r.Context())
	unlock := s.Locker.Lock(sid)
	comp, err := s.Finalizer.Finalize(s.pageContext(r.Context(), r, page), confirm.FinalizeRequest{
		SessionID: sid,
		Slug:      r.PostForm.Get(confirm.FieldSlug),
		Token:     r.PostForm.Get(confirm.FieldToken),
		Nonce:     r.PostForm.Get(confirm.FieldNonce),
		PageID:    page.ID,
	})
	unlock()

	switch {
	case err == nil:
		http.Redirect(w, r, comp.RedirectURL, http.StatusSeeOther)
	case errors.Is(err, confirm.ErrInvalidNonce):
		s.renderPage(w, r, http.StatusOK)
	case errors.Is(err, confirm.ErrNotFound), errors.Is(err, confirm.ErrEmptySlug):
		s.terminal(w, http.StatusBadRequest, confirm.MessageExpired)
	case errors.Is(err, confirm.ErrInvalidSubmission):
		s.terminal(w, http.StatusBadRequest, "The submitted data is invalid. Please submit the form again.")
	case errors.Is(err, confirm.ErrFormNotFound):
		s.terminal(w, http.StatusNotFound, "The form could not be found.")
	default:
		slog.Error("api_finalize_failed", "path", page.Path, "error", err)
		s.terminal(w, http.StatusBadGateway, "Your message could not be sent. Please try again later.")
	}
}

func (s *Server) terminal(w http.ResponseWriter, code int, msg string) {
	s.writePage(w, code, pageView{
		Title:   "Submission",
		Content: template.HTML(`<p class="cf7me-error">` + template.HTMLEscapeString(msg) + `</p>`),
	})
}
