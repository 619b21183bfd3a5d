// Package api serves site pages, form submissions and the confirmation step
// over HTTP.
package api

import (
	"context"
	"embed"
	"encoding/json"
	"io"
	"net/http"

	"github.com/cf7me/confirmflow/pkg/confirm"
	"github.com/cf7me/confirmflow/pkg/db"
	"github.com/cf7me/confirmflow/pkg/host"
	"github.com/cf7me/confirmflow/pkg/security"
	"github.com/cf7me/confirmflow/pkg/session"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

//go:embed static/cf7me.js
var staticFS embed.FS

// ScriptPath is where the client bridge script is served.
const ScriptPath = "/assets/cf7me.js"

// PageStore loads site pages; (nil, nil) when the path has no page.
type PageStore interface {
	GetPageByPath(ctx context.Context, path string) (*db.Page, error)
}

// Uploader keeps uploaded files for the lifetime of a submission.
type Uploader interface {
	Upload(ctx context.Context, name, contentType string, r io.Reader) (session.FileRef, error)
	Delete(ctx context.Context, ref session.FileRef) error
}

// Options wires a Server.
type Options struct {
	Pages      PageStore
	Forms      host.FormSource
	Engine     *host.Engine
	Finalizer  *confirm.Finalizer
	Directives *confirm.Directives
	Validator  *security.Validator
	Locker     *session.Locker
	// Files may be nil; file fields are then ignored.
	Files        Uploader
	Site         confirm.Site
	CookieName   string
	SecureCookie bool
}

// Server is the site's HTTP front.
type Server struct {
	Options
}

// NewServer creates a Server.
func NewServer(opts Options) *Server {
	if opts.Locker == nil {
		opts.Locker = session.NewLocker()
	}
	if opts.CookieName == "" {
		opts.CookieName = "cf7me_session"
	}
	return &Server{Options: opts}
}

// Routes returns the HTTP handler.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.healthz)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET "+ScriptPath, s.script)

	mux.HandleFunc("POST /forms/{id}", s.submitForm)
	mux.HandleFunc("POST /api/forms/{id}/feedback", s.submitFeedback)

	mux.HandleFunc("GET /{path...}", s.showPage)
	mux.HandleFunc("POST /{path...}", s.postPage)

	return s.sessionMiddleware(mux)
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) script(w http.ResponseWriter, r *http.Request) {
	data, err := staticFS.ReadFile("static/cf7me.js")
	if err != nil {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/javascript; charset=utf-8")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	w.Write(data)
}

func (s *Server) jsonError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
