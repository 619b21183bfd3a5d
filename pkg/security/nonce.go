package security

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// NonceClaims binds a nonce to one action and one visitor session.
type NonceClaims struct {
	Action  string `json:"act"`
	Session string `json:"sid"`
	jwt.RegisteredClaims
}

// NonceIssuer creates and verifies CSRF nonces as HS256-signed tokens.
type NonceIssuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewNonceIssuer creates an issuer. ttl bounds how long a rendered page may
// sit before its confirm button stops working.
func NewNonceIssuer(secret []byte, ttl time.Duration) *NonceIssuer {
	return &NonceIssuer{secret: secret, ttl: ttl, now: time.Now}
}

// Issue returns a nonce for action, valid only within sessionID.
func (n *NonceIssuer) Issue(action, sessionID string) (string, error) {
	now := n.now()
	claims := NonceClaims{
		Action:  action,
		Session: sessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(n.ttl)),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(n.secret)
	if err != nil {
		return "", fmt.Errorf("security: sign nonce: %w", err)
	}
	return signed, nil
}

// Verify reports whether nonce was issued for action within sessionID and has not expired.
func (n *NonceIssuer) Verify(nonce, action, sessionID string) bool {
	if nonce == "" {
		return false
	}

	var claims NonceClaims
	token, err := jwt.ParseWithClaims(nonce, &claims, func(token *jwt.Token) (interface{}, error) {
		return n.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(n.now),
	)
	if err != nil || !token.Valid {
		slog.Warn("security_nonce_rejected", "action", action, "error", err)
		return false
	}

	if claims.Action != action || claims.Session != sessionID {
		slog.Warn("security_nonce_rejected", "action", action, "reason", "scope_mismatch")
		return false
	}
	return true
}
