package confirm

import (
	"context"
	"strings"
	"testing"

	"github.com/cf7me/confirmflow/pkg/session"
)

// TestReviewThenSend walks a visitor from submission through review to the
// thanks page.
func TestReviewThenSend(t *testing.T) {
	f := newFixture(t)
	ctx := replayContext("sess-a")

	// Submit.
	ctx, pending := WithPendingRedirect(ctx)
	result, err := f.host.Submit(ctx, HostSubmission{FormID: contactFormID, PostedData: contactData(), OriginURL: baseURL + "/contact/"})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if result.Status != StatusAborted || f.host.sentCount() != 0 {
		t.Fatalf("Expected the first submission to be held, got %s with %d sends", result.Status, f.host.sentCount())
	}
	redirect := pending.Take()
	if !strings.HasPrefix(redirect, baseURL+"/confirm-contact/?"+QueryToken+"=") {
		t.Fatalf("Unexpected redirect %s", redirect)
	}
	token := strings.TrimPrefix(redirect, baseURL+"/confirm-contact/?"+QueryToken+"=")

	// Review.
	page, err := f.renderer.Render(ctx, RenderParams{Slug: "contact", Token: token, SessionID: "sess-a", PageURL: baseURL + "/confirm-contact/"})
	if err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	for _, row := range []string{"<th>お名前</th><td>Taro</td>", "<th>メールアドレス</th><td>taro@example.com</td>"} {
		if !strings.Contains(string(page), row) {
			t.Errorf("Review page missing %s", row)
		}
	}

	// Confirm.
	comp, err := f.finalizer.Finalize(ctx, FinalizeRequest{SessionID: "sess-a", Slug: "contact", Token: token, Nonce: f.nonce(t, "sess-a"), PageID: 100})
	if err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}
	if comp.RedirectURL != "https://example.test/thanks/?cf7me_thanks=1" {
		t.Errorf("Unexpected completion URL %s", comp.RedirectURL)
	}
	if f.host.sentCount() != 1 {
		t.Fatalf("Expected exactly one dispatch, got %d", f.host.sentCount())
	}
	sent := f.host.sent[0]
	if sent.PostedData.Value("your-name") != "Taro" || sent.PostedData.Value("your-email") != "taro@example.com" {
		t.Errorf("Dispatched data differs from submission: %+v", sent.PostedData)
	}
	if sent.ContainerPageID != 100 {
		t.Errorf("Expected container page 100, got %d", sent.ContainerPageID)
	}

	// Revisit.
	page, err = f.renderer.Render(ctx, RenderParams{Slug: "contact", Token: token, SessionID: "sess-a"})
	if err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	if !strings.Contains(string(page), MessageExpired) {
		t.Errorf("Expected expired message after commit, got %s", page)
	}
}

func TestConfirmWithoutPageSendsImmediately(t *testing.T) {
	f := newFixture(t)
	ctx, pending := WithPendingRedirect(replayContext("sess-a"))

	result, err := f.host.Submit(ctx, HostSubmission{FormID: 13, PostedData: contactData()})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if result.Status != StatusMailSent || f.host.sentCount() != 1 {
		t.Errorf("Expected immediate send, got %s with %d sends", result.Status, f.host.sentCount())
	}
	if pending.Peek() != "" {
		t.Error("No redirect expected")
	}
	if subs, _ := f.store.List(context.Background(), "sess-a"); len(subs) != 0 {
		t.Errorf("Expected nothing staged, got %d", len(subs))
	}
}

func TestSessionsAreIsolated(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	stageAs := func(sessionID, name string) string {
		out := f.interceptor.Evaluate(ctx, InterceptRequest{
			SessionID:  sessionID,
			FormID:     contactFormID,
			PostedData: session.PostedData{{Name: "your-name", Values: []string{name}}},
		})
		if out.Kind != Intercept {
			t.Fatalf("Expected intercept for %s", sessionID)
		}
		return out.Token
	}
	tokenA := stageAs("sess-a", "Taro")
	tokenB := stageAs("sess-b", "Hanako")

	r := NewResolver(f.store, true)
	tests := []struct {
		sessionID string
		token     string
		want      string
	}{
		{"sess-a", tokenA, "Taro"},
		{"sess-b", tokenB, "Hanako"},
		{"sess-a", tokenB, ""},
		{"sess-b", tokenA, ""},
		{"sess-a", "", "Taro"},
		{"sess-b", "", "Hanako"},
	}
	for _, tt := range tests {
		sub, _, err := r.Resolve(ctx, tt.sessionID, "contact", tt.token)
		if err != nil {
			t.Fatalf("Resolve failed: %v", err)
		}
		got := ""
		if sub != nil {
			got = sub.PostedData.Value("your-name")
		}
		if got != tt.want {
			t.Errorf("Session %s token %s: expected %q, got %q", tt.sessionID, session.ShortID(tt.token), tt.want, got)
		}
	}
}
