package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/cf7me/confirmflow/pkg/security"
)

type sessionKey struct{}

// sessionMiddleware gives every visitor a session id cookie. Ids that do not
// look like ours are replaced rather than trusted.
func (s *Server) sessionMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var id string
		if c, err := r.Cookie(s.CookieName); err == nil && security.ValidToken(c.Value) {
			id = c.Value
		} else {
			fresh, err := security.NewToken()
			if err != nil {
				slog.Error("api_session_create_failed", "error", err)
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				return
			}
			id = fresh
			http.SetCookie(w, &http.Cookie{
				Name:     s.CookieName,
				Value:    id,
				Path:     "/",
				HttpOnly: true,
				Secure:   s.SecureCookie,
				SameSite: http.SameSiteLaxMode,
			})
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), sessionKey{}, id)))
	})
}

func sessionID(ctx context.Context) string {
	id, _ := ctx.Value(sessionKey{}).(string)
	return id
}
