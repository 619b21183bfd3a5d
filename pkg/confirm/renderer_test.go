package confirm

import (
	"context"
	"strings"
	"testing"

	"github.com/cf7me/confirmflow/pkg/errors"
	"github.com/cf7me/confirmflow/pkg/session"
)

func TestRenderShowsStagedData(t *testing.T) {
	f := newFixture(t)
	token := f.stage(t, "sess-a")

	params := RenderParams{Slug: "contact", Token: token, SessionID: "sess-a", PageURL: baseURL + "/confirm-contact/"}
	html, err := f.renderer.Render(context.Background(), params)
	if err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	out := string(html)

	for _, want := range []string{
		"<th>お名前</th><td>Taro</td>",
		"<th>メールアドレス</th><td>taro@example.com</td>",
		`name="` + FieldToken + `" value="` + token + `"`,
		`name="` + FieldSlug + `" value="contact"`,
		`name="` + FieldConfirmMarker + `" value="1"`,
		`name="` + FieldNonce + `"`,
		`href="` + baseURL + `/contact/"`,
		"history.back()",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("Rendered page missing %q", want)
		}
	}
	if strings.Contains(out, "_wpcf7") {
		t.Error("Routing fields must not be displayed")
	}

	again, err := f.renderer.Render(context.Background(), params)
	if err != nil {
		t.Fatalf("Second render failed: %v", err)
	}
	if !strings.Contains(string(again), "<td>Taro</td>") {
		t.Error("Reloading the confirmation page lost the staged data")
	}
}

func TestRenderMessages(t *testing.T) {
	f := newFixture(t)
	token := f.stage(t, "sess-a")

	tests := []struct {
		name   string
		params RenderParams
		want   string
	}{
		{"empty slug", RenderParams{Slug: "", Token: token, SessionID: "sess-a"}, MessageNoSlug},
		{"wrong slug", RenderParams{Slug: "survey", Token: token, SessionID: "sess-a"}, "Please submit the form again."},
		{"other session", RenderParams{Slug: "contact", Token: token, SessionID: "sess-b"}, "Please submit the form again."},
		{"no session", RenderParams{Slug: "contact", Token: token}, "Please submit the form again."},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			html, err := f.renderer.Render(context.Background(), tt.params)
			if err != nil {
				t.Fatalf("Render failed: %v", err)
			}
			if !strings.Contains(string(html), tt.want) {
				t.Errorf("Expected %q in %s", tt.want, html)
			}
			if strings.Contains(string(html), "<table") {
				t.Error("No table expected without resolved data")
			}
		})
	}
}

func TestRenderEscapesValues(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	err := f.store.Put(ctx, "sess-a", "tok", &session.StagedSubmission{
		Token:    "tok",
		FormID:   contactFormID,
		FormSlug: "contact",
		PostedData: session.PostedData{
			{Name: "your-name", Values: []string{"<script>alert(1)</script>"}},
			{Name: "topics", Values: []string{"a", "b", "c"}, Multiple: true},
		},
		OriginURL: "javascript:alert(1)",
	})
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	html, err := f.renderer.Render(ctx, RenderParams{Slug: "contact", SessionID: "sess-a"})
	if err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	out := string(html)
	if strings.Contains(out, "<script>alert(1)</script>") {
		t.Error("Field value was not escaped")
	}
	if !strings.Contains(out, "<td>a, b, c</td>") {
		t.Error("Multi-value field not joined")
	}
	if !strings.Contains(out, "<th>topics</th>") {
		t.Error("Field without a tag should fall back to its name")
	}
	if strings.Contains(out, "javascript:") {
		t.Error("Unsafe origin URL used as back link")
	}
}

func TestRenderWithoutLabels(t *testing.T) {
	f := newFixture(t)
	f.host.tagsErr = errors.New("form engine unavailable")
	token := f.stage(t, "sess-a")

	html, err := f.renderer.Render(context.Background(), RenderParams{Slug: "contact", Token: token, SessionID: "sess-a"})
	if err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	if !strings.Contains(string(html), "<th>your-name</th><td>Taro</td>") {
		t.Errorf("Expected raw field names, got %s", html)
	}
}

func TestFieldLabels(t *testing.T) {
	labels := fieldLabels([]FormTag{
		{Name: "your-name", Labels: []string{"Name"}, Values: []string{"ignored"}},
		{Name: "agree", Values: []string{"I agree"}},
		{Name: "your_phone-number"},
		{Name: ""},
	})

	tests := map[string]string{
		"your-name":         "Name",
		"agree":             "I agree",
		"your_phone-number": "your phone number",
	}
	for name, want := range tests {
		if got := labels[name]; got != want {
			t.Errorf("Label for %s: expected %q, got %q", name, want, got)
		}
	}
	if len(labels) != 3 {
		t.Errorf("Expected 3 labels, got %d", len(labels))
	}
}
