package confirm

import (
	"context"
	"html/template"
	"strings"
	"testing"

	"github.com/tidwall/gjson"
)

func TestFilterFeedback(t *testing.T) {
	payload := []byte(`{"contact_form_id":10,"status":"aborted","message":""}`)

	t.Run("aborted with pending redirect", func(t *testing.T) {
		ctx, pending := WithPendingRedirect(context.Background())
		pending.Set("https://example.test/confirm-contact/?cf7me_token=abc")

		out := FilterFeedback(ctx, payload, HostResult{Status: StatusAborted})

		if got := gjson.GetBytes(out, ResponseRedirectKey).String(); got != "https://example.test/confirm-contact/?cf7me_token=abc" {
			t.Errorf("Expected redirect in payload, got %q", got)
		}
		if gjson.GetBytes(out, "contact_form_id").Int() != 10 {
			t.Error("Existing keys must be preserved")
		}
		if pending.Peek() != "" {
			t.Error("Pending redirect should be cleared after merge")
		}
	})

	t.Run("sent", func(t *testing.T) {
		ctx, pending := WithPendingRedirect(context.Background())
		pending.Set("https://example.test/x/")

		out := FilterFeedback(ctx, payload, HostResult{Status: StatusMailSent})
		if gjson.GetBytes(out, ResponseRedirectKey).Exists() {
			t.Error("Redirect merged into a sent response")
		}
	})

	t.Run("aborted without redirect", func(t *testing.T) {
		out := FilterFeedback(context.Background(), payload, HostResult{Status: StatusAborted})
		if string(out) != string(payload) {
			t.Errorf("Payload changed: %s", out)
		}
	})
}

func TestThanksRedirects(t *testing.T) {
	ctx, redirects := WithThanksRedirects(context.Background())
	ThanksRedirectsFrom(ctx).Add(10, "https://example.test/thanks/")
	ThanksRedirectsFrom(ctx).Add(10, "https://example.test/other/")
	ThanksRedirectsFrom(ctx).Add(11, "")

	if redirects.Len() != 1 {
		t.Fatalf("Expected 1 redirect, got %d", redirects.Len())
	}

	footer := string(redirects.Footer("/assets/cf7me.js"))
	if !strings.Contains(footer, `"10":"https://example.test/thanks/"`) && !strings.Contains(footer, `"10":"https:\/\/example.test\/thanks\/"`) {
		t.Errorf("Footer missing first redirect: %s", footer)
	}
	if strings.Contains(footer, "other") {
		t.Error("Later redirect for the same form should be ignored")
	}
	if !strings.Contains(footer, `src="/assets/cf7me.js"`) {
		t.Errorf("Footer missing script tag: %s", footer)
	}

	var nilRedirects *ThanksRedirects
	nilRedirects.Add(1, "x")
	if nilRedirects.Len() != 0 {
		t.Error("Nil collection should stay empty")
	}
}

func TestDirectivesExpand(t *testing.T) {
	d := NewDirectives()
	d.Register("greet", func(ctx context.Context, attrs map[string]string) (template.HTML, error) {
		return template.HTML("<b>hello " + attrs["name"] + "</b>"), nil
	})

	tests := []struct {
		content string
		want    string
	}{
		{`<p>[greet name="taro"]</p>`, `<p><b>hello taro</b></p>`},
		{`[greet name='hanako' /]`, `<b>hello hanako</b>`},
		{`[greet NAME="x"] and [unknown a="b"]`, `<b>hello x</b> and [unknown a="b"]`},
		{`no directives`, `no directives`},
	}

	for _, tt := range tests {
		got, err := d.Expand(context.Background(), tt.content)
		if err != nil {
			t.Fatalf("Expand failed: %v", err)
		}
		if string(got) != tt.want {
			t.Errorf("Expand(%q): expected %q, got %q", tt.content, tt.want, got)
		}
	}
}

func TestConfirmDirectiveUsesQueryToken(t *testing.T) {
	f := newFixture(t)
	token := f.stage(t, "sess-a")

	d := NewDirectives()
	d.Register(DirectiveConfirm, ConfirmDirective(f.renderer))

	ctx := WithRequestInfo(context.Background(), RequestInfo{
		SessionID: "sess-a",
		PageURL:   baseURL + "/confirm-contact/",
		Query:     map[string][]string{QueryToken: {token}},
	})
	html, err := d.Expand(ctx, `<h1>Confirm</h1>[cf7me_confirm slug="contact"]`)
	if err != nil {
		t.Fatalf("Expand failed: %v", err)
	}
	if !strings.Contains(string(html), "<td>Taro</td>") {
		t.Errorf("Confirmation table not rendered: %s", html)
	}
}
