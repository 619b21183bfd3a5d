package confirm

import (
	"context"
	"html/template"
	"regexp"
	"strings"
	"sync"

	"github.com/cf7me/confirmflow/pkg/errors"
)

// DirectiveFunc renders one directive occurrence from its attributes.
type DirectiveFunc func(ctx context.Context, attrs map[string]string) (template.HTML, error)

var (
	directivePattern = regexp.MustCompile(`\[([a-z0-9_]+)((?:\s+[a-zA-Z0-9_-]+\s*=\s*(?:"[^"]*"|'[^']*'))*)\s*/?\]`)
	attrPattern      = regexp.MustCompile(`([a-zA-Z0-9_-]+)\s*=\s*(?:"([^"]*)"|'([^']*)')`)
)

// Directives expands bracketed directives such as [cf7me_confirm slug="x"]
// in page content.
type Directives struct {
	mu    sync.RWMutex
	funcs map[string]DirectiveFunc
}

// NewDirectives creates an empty registry.
func NewDirectives() *Directives {
	return &Directives{funcs: make(map[string]DirectiveFunc)}
}

// Register binds name to fn, replacing any earlier binding.
func (d *Directives) Register(name string, fn DirectiveFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.funcs[name] = fn
}

// Expand replaces every registered directive in content with its output.
// Unregistered directives are left as written. Page content is trusted
// markup and is not escaped.
func (d *Directives) Expand(ctx context.Context, content string) (template.HTML, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var b strings.Builder
	last := 0
	for _, m := range directivePattern.FindAllStringSubmatchIndex(content, -1) {
		name := content[m[2]:m[3]]
		fn, ok := d.funcs[name]
		if !ok {
			continue
		}
		out, err := fn(ctx, parseAttrs(content[m[4]:m[5]]))
		if err != nil {
			return "", errors.Wrap(err, "directive "+name)
		}
		b.WriteString(content[last:m[0]])
		b.WriteString(string(out))
		last = m[1]
	}
	b.WriteString(content[last:])
	return template.HTML(b.String()), nil
}

func parseAttrs(s string) map[string]string {
	attrs := make(map[string]string)
	for _, m := range attrPattern.FindAllStringSubmatch(s, -1) {
		val := m[2]
		if val == "" {
			val = m[3]
		}
		attrs[strings.ToLower(m[1])] = val
	}
	return attrs
}

// ConfirmDirective renders the confirmation step for [cf7me_confirm slug="..."],
// taking the token from the page's query string.
func ConfirmDirective(r *Renderer) DirectiveFunc {
	return func(ctx context.Context, attrs map[string]string) (template.HTML, error) {
		info := RequestInfoFrom(ctx)
		return r.Render(ctx, RenderParams{
			Slug:      attrs["slug"],
			Token:     info.Query.Get(QueryToken),
			SessionID: info.SessionID,
			PageURL:   info.PageURL,
		})
	}
}
