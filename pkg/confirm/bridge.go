package confirm

import (
	"bytes"
	"context"
	"html/template"
	"log/slog"
	"strconv"
	"sync"

	"github.com/tidwall/sjson"
)

// FilterFeedback is the host's response-formatting hook for asynchronous
// submissions. When the host aborted without error and the request holds a
// pending redirect, the redirect is merged into payload and cleared.
func FilterFeedback(ctx context.Context, payload []byte, result HostResult) []byte {
	if result.Status != StatusAborted {
		return payload
	}
	pending := PendingRedirectFrom(ctx)
	url := pending.Peek()
	if url == "" {
		return payload
	}

	out, err := sjson.SetBytes(payload, ResponseRedirectKey, url)
	if err != nil {
		slog.Error("confirm_feedback_merge_failed", "error", err)
		return payload
	}
	pending.Take()
	return out
}

// ThanksRedirects collects the completion URL of each form rendered on a page.
type ThanksRedirects struct {
	mu   sync.Mutex
	urls map[string]string
}

// WithThanksRedirects attaches an empty collection to ctx.
func WithThanksRedirects(ctx context.Context) (context.Context, *ThanksRedirects) {
	t := &ThanksRedirects{urls: make(map[string]string)}
	return context.WithValue(ctx, thanksKey, t), t
}

// ThanksRedirectsFrom returns the page's collection, or nil.
func ThanksRedirectsFrom(ctx context.Context) *ThanksRedirects {
	t, _ := ctx.Value(thanksKey).(*ThanksRedirects)
	return t
}

// Add records url for formID. The first URL recorded for a form is kept.
func (t *ThanksRedirects) Add(formID int64, url string) {
	if t == nil || url == "" {
		return
	}
	key := strconv.FormatInt(formID, 10)
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.urls[key]; !ok {
		t.urls[key] = url
	}
}

// Len returns the number of forms with a redirect.
func (t *ThanksRedirects) Len() int {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.urls)
}

var footerTemplate = template.Must(template.New("footer").Parse(
	`<script>window.cf7meThanksRedirects = {{.Redirects}};</script>
<script src="{{.ScriptURL}}" defer></script>`))

// Footer emits the redirect map and the client script tag.
func (t *ThanksRedirects) Footer(scriptURL string) template.HTML {
	redirects := map[string]string{}
	if t != nil {
		t.mu.Lock()
		for k, v := range t.urls {
			redirects[k] = v
		}
		t.mu.Unlock()
	}

	var buf bytes.Buffer
	data := struct {
		Redirects map[string]string
		ScriptURL string
	}{redirects, scriptURL}
	if err := footerTemplate.Execute(&buf, data); err != nil {
		slog.Error("confirm_footer_failed", "error", err)
		return ""
	}
	return template.HTML(buf.String())
}
