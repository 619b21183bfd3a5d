package confirm

import (
	"context"
	"net/url"
	"sync"
)

type ctxKey int

const (
	suppressKey ctxKey = iota
	pendingKey
	requestKey
	thanksKey
)

// WithInterceptionSuppressed marks ctx as a finalize replay. The interceptor
// lets every submission made under it through to the host's send path.
func WithInterceptionSuppressed(ctx context.Context) context.Context {
	return context.WithValue(ctx, suppressKey, true)
}

// InterceptionSuppressed reports whether ctx belongs to a finalize replay.
func InterceptionSuppressed(ctx context.Context) bool {
	v, _ := ctx.Value(suppressKey).(bool)
	return v
}

// PendingRedirect carries the confirmation URL computed during interception
// to whichever response path completes the request. It lives for one request.
type PendingRedirect struct {
	mu  sync.Mutex
	url string
}

// WithPendingRedirect attaches an empty PendingRedirect to ctx.
func WithPendingRedirect(ctx context.Context) (context.Context, *PendingRedirect) {
	p := &PendingRedirect{}
	return context.WithValue(ctx, pendingKey, p), p
}

// PendingRedirectFrom returns the request's PendingRedirect, or nil.
func PendingRedirectFrom(ctx context.Context) *PendingRedirect {
	p, _ := ctx.Value(pendingKey).(*PendingRedirect)
	return p
}

// Set records url. A nil receiver is a no-op.
func (p *PendingRedirect) Set(url string) {
	if p == nil {
		return
	}
	p.mu.Lock()
	p.url = url
	p.mu.Unlock()
}

// Peek returns the recorded URL without clearing it.
func (p *PendingRedirect) Peek() string {
	if p == nil {
		return ""
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.url
}

// Take returns the recorded URL and clears it.
func (p *PendingRedirect) Take() string {
	if p == nil {
		return ""
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	u := p.url
	p.url = ""
	return u
}

// RequestInfo is what directives need to know about the page request.
type RequestInfo struct {
	SessionID string
	PageID    int64
	PageURL   string
	Query     url.Values
}

// WithRequestInfo attaches info to ctx.
func WithRequestInfo(ctx context.Context, info RequestInfo) context.Context {
	return context.WithValue(ctx, requestKey, info)
}

// RequestInfoFrom returns the RequestInfo attached to ctx.
func RequestInfoFrom(ctx context.Context) RequestInfo {
	info, _ := ctx.Value(requestKey).(RequestInfo)
	return info
}
