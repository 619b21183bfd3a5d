package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cf7me/confirmflow/pkg/confirm"
	"github.com/cf7me/confirmflow/pkg/db"
	"github.com/cf7me/confirmflow/pkg/host"
	"github.com/cf7me/confirmflow/pkg/security"
	"github.com/cf7me/confirmflow/pkg/session"
	"github.com/gsoultan/gsmail"
	"github.com/tidwall/gjson"
)

const testBaseURL = "https://example.test"

type mockSender struct {
	mu   sync.Mutex
	sent []gsmail.Email
}

func (m *mockSender) Send(ctx context.Context, email gsmail.Email) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, email)
	return nil
}

func (m *mockSender) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

type testSite struct {
	handler  http.Handler
	store    *session.MemoryStore
	sender   *mockSender
	contact  *db.Form
	feedback *db.Form
}

func newTestSite(t *testing.T) *testSite {
	t.Helper()
	ctx := context.Background()

	repo, err := db.NewRepository(filepath.Join(t.TempDir(), "site.db"))
	if err != nil {
		t.Fatalf("Failed to open repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	fields := []db.FormField{
		{Name: "your-name", Type: "text", Label: "お名前", Required: true},
		{Name: "your-email", Type: "email", Label: "メールアドレス", Required: true},
		{Type: "submit", Label: "Send"},
	}
	contact := &db.Form{
		Title:          "Contact",
		Slug:           "contact",
		ConfirmEnabled: true,
		ThanksURL:      testBaseURL + "/thanks/",
		Fields:         fields,
		Mail:           db.MailTemplate{Recipient: "owner@example.test", Subject: "Contact"},
	}
	feedback := &db.Form{
		Title:     "Feedback",
		Slug:      "feedback",
		ThanksURL: testBaseURL + "/thanks/",
		Fields:    fields,
		Mail:      db.MailTemplate{Recipient: "owner@example.test", Subject: "Feedback"},
	}
	for _, f := range []*db.Form{contact, feedback} {
		if err := repo.SaveForm(ctx, f); err != nil {
			t.Fatalf("Failed to save form: %v", err)
		}
	}
	for _, p := range []*db.Page{
		{Path: "contact", Title: "Contact", Content: `<p>Write to us.</p>[cf7me_form id="` + strconv.FormatInt(contact.ID, 10) + `"]`},
		{Path: "thanks", Title: "Thanks", Content: "<p>Thank you.</p>"},
	} {
		if err := repo.SavePage(ctx, p); err != nil {
			t.Fatalf("Failed to save page: %v", err)
		}
	}

	site := confirm.Site{BaseURL: testBaseURL}
	store := session.NewMemoryStore(session.DefaultLimits)
	sender := &mockSender{}
	validator := security.NewValidator(50, 4096, 1<<20)
	nonces := security.NewNonceIssuer([]byte("0123456789abcdef"), time.Hour)

	engine := host.NewEngine(repo, host.NewMailer(sender, "site@example.test", ""))
	interceptor := confirm.NewInterceptor(repo, repo, store, validator, site)
	engine.OnBeforeSend(host.InterceptHook(interceptor))

	resolver := confirm.NewResolver(store, true)
	renderer := confirm.NewRenderer(resolver, engine, nonces, site)
	finalizer := confirm.NewFinalizer(resolver, repo, store, nonces, confirm.NewReplayCommitter(engine, store, nil), site)

	directives := confirm.NewDirectives()
	directives.Register(confirm.DirectiveConfirm, confirm.ConfirmDirective(renderer))
	directives.Register("cf7me_form", host.FormDirective(engine))

	server := NewServer(Options{
		Pages:      repo,
		Forms:      repo,
		Engine:     engine,
		Finalizer:  finalizer,
		Directives: directives,
		Validator:  validator,
		Site:       site,
	})

	return &testSite{handler: server.Routes(), store: store, sender: sender, contact: contact, feedback: feedback}
}

// visitor is a browser with one session cookie.
type visitor struct {
	t      *testing.T
	site   *testSite
	cookie *http.Cookie
}

func (s *testSite) visitor(t *testing.T) *visitor {
	v := &visitor{t: t, site: s}
	rec := v.do(httptest.NewRequest(http.MethodGet, "/healthz", nil))
	for _, c := range rec.Result().Cookies() {
		if c.Name == "cf7me_session" {
			v.cookie = c
		}
	}
	if v.cookie == nil {
		t.Fatal("Expected a session cookie")
	}
	return v
}

func (v *visitor) do(req *http.Request) *httptest.ResponseRecorder {
	if v.cookie != nil {
		req.AddCookie(v.cookie)
	}
	rec := httptest.NewRecorder()
	v.site.handler.ServeHTTP(rec, req)
	return rec
}

func (v *visitor) get(path string) *httptest.ResponseRecorder {
	return v.do(httptest.NewRequest(http.MethodGet, path, nil))
}

func (v *visitor) post(path string, form url.Values) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return v.do(req)
}

func contactValues(formID int64, name string) url.Values {
	return url.Values{
		"_wpcf7":                {strconv.FormatInt(formID, 10)},
		"_wpcf7_container_post": {"1"},
		"_cf7me_origin":         {testBaseURL + "/contact/"},
		"your-name":             {name},
		"your-email":            {"taro@example.com"},
	}
}

var (
	nonceRe = regexp.MustCompile(`name="cf7me_confirm_nonce" value="([^"]+)"`)
	tokenRe = regexp.MustCompile(`name="cf7me_token" value="([^"]*)"`)
)

func confirmValues(t *testing.T, page string) url.Values {
	t.Helper()
	nonce := nonceRe.FindStringSubmatch(page)
	token := tokenRe.FindStringSubmatch(page)
	if nonce == nil || token == nil {
		t.Fatalf("Confirmation form not found in page:\n%s", page)
	}
	return url.Values{
		"cf7me_confirm_submit": {"1"},
		"cf7me_slug":           {"contact"},
		"cf7me_token":          {token[1]},
		"cf7me_confirm_nonce":  {nonce[1]},
		"cf7me_confirm_ok":     {"1"},
	}
}

func TestConfirmFlowTraditional(t *testing.T) {
	s := newTestSite(t)
	v := s.visitor(t)

	page := v.get("/contact/")
	if page.Code != http.StatusOK {
		t.Fatalf("Expected 200 for the form page, got %d", page.Code)
	}
	if !strings.Contains(page.Body.String(), `action="/forms/`+strconv.FormatInt(s.contact.ID, 10)+`"`) {
		t.Errorf("Form page missing the form: %s", page.Body.String())
	}
	if !strings.Contains(page.Body.String(), ScriptPath) {
		t.Error("Form page missing the client script")
	}

	rec := v.post("/forms/"+strconv.FormatInt(s.contact.ID, 10), contactValues(s.contact.ID, "Taro"))
	if rec.Code != http.StatusSeeOther {
		t.Fatalf("Expected 303 after submit, got %d", rec.Code)
	}
	loc := rec.Header().Get("Location")
	if !strings.HasPrefix(loc, testBaseURL+"/confirm-contact/?cf7me_token=") {
		t.Fatalf("Expected redirect to the confirmation page, got %s", loc)
	}
	if s.sender.count() != 0 {
		t.Fatal("Mail sent before confirmation")
	}

	review := v.get(strings.TrimPrefix(loc, testBaseURL))
	body := review.Body.String()
	for _, want := range []string{"<th>お名前</th><td>Taro</td>", "<th>メールアドレス</th><td>taro@example.com</td>"} {
		if !strings.Contains(body, want) {
			t.Errorf("Review page missing %s", want)
		}
	}
	values := confirmValues(t, body)

	done := v.post("/confirm-contact/", values)
	if done.Code != http.StatusSeeOther {
		t.Fatalf("Expected 303 after confirm, got %d: %s", done.Code, done.Body.String())
	}
	if got := done.Header().Get("Location"); got != testBaseURL+"/thanks/?cf7me_thanks=1" {
		t.Errorf("Unexpected completion redirect %s", got)
	}
	if s.sender.count() != 1 {
		t.Fatalf("Expected one mail, got %d", s.sender.count())
	}

	again := v.post("/confirm-contact/", values)
	if again.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 on a repeated confirm, got %d", again.Code)
	}
	if !strings.Contains(again.Body.String(), "Please submit the form again.") {
		t.Errorf("Expected expired message, got %s", again.Body.String())
	}
	if s.sender.count() != 1 {
		t.Errorf("Repeated confirm sent mail again")
	}

	revisit := v.get(strings.TrimPrefix(loc, testBaseURL))
	if !strings.Contains(revisit.Body.String(), confirm.MessageExpired) {
		t.Error("Expected expired message when revisiting a committed token")
	}
}

func TestConfirmFlowAsync(t *testing.T) {
	s := newTestSite(t)
	v := s.visitor(t)

	rec := v.post("/api/forms/"+strconv.FormatInt(s.contact.ID, 10)+"/feedback", contactValues(s.contact.ID, "Taro"))
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	body := rec.Body.Bytes()
	if got := gjson.GetBytes(body, "status").String(); got != confirm.StatusAborted {
		t.Errorf("Expected status aborted, got %s", got)
	}
	if gjson.GetBytes(body, "contact_form_id").Int() != s.contact.ID {
		t.Errorf("Unexpected form id in %s", body)
	}
	redirect := gjson.GetBytes(body, confirm.ResponseRedirectKey).String()
	if !strings.HasPrefix(redirect, testBaseURL+"/confirm-contact/?cf7me_token=") {
		t.Errorf("Expected redirect in payload, got %s", body)
	}
	if s.sender.count() != 0 {
		t.Error("Mail sent before confirmation")
	}
}

func TestSubmitWithoutConfirmation(t *testing.T) {
	s := newTestSite(t)
	v := s.visitor(t)

	rec := v.post("/api/forms/"+strconv.FormatInt(s.feedback.ID, 10)+"/feedback", contactValues(s.feedback.ID, "Taro"))
	body := rec.Body.Bytes()
	if got := gjson.GetBytes(body, "status").String(); got != confirm.StatusMailSent {
		t.Errorf("Expected mail_sent, got %s", got)
	}
	if gjson.GetBytes(body, confirm.ResponseRedirectKey).Exists() {
		t.Error("No confirmation redirect expected")
	}
	if s.sender.count() != 1 {
		t.Errorf("Expected one mail, got %d", s.sender.count())
	}

	trad := v.post("/forms/"+strconv.FormatInt(s.feedback.ID, 10), contactValues(s.feedback.ID, "Taro"))
	if got := trad.Header().Get("Location"); got != testBaseURL+"/contact/?cf7me_status=mail_sent" {
		t.Errorf("Unexpected redirect %s", got)
	}
}

func TestSubmitKeepsRedirectOnSite(t *testing.T) {
	s := newTestSite(t)
	v := s.visitor(t)

	tests := []struct {
		name   string
		origin string
		want   string
	}{
		{"foreign host", "https://evil.example/phish", testBaseURL + "/?cf7me_status=mail_sent"},
		{"scheme relative", "//evil.example/phish", testBaseURL + "/?cf7me_status=mail_sent"},
		{"own page", testBaseURL + "/contact/", testBaseURL + "/contact/?cf7me_status=mail_sent"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			values := contactValues(s.feedback.ID, "Taro")
			values.Set("_cf7me_origin", tt.origin)

			rec := v.post("/forms/"+strconv.FormatInt(s.feedback.ID, 10), values)
			if rec.Code != http.StatusSeeOther {
				t.Fatalf("Expected 303, got %d", rec.Code)
			}
			if got := rec.Header().Get("Location"); got != tt.want {
				t.Errorf("Expected redirect to %s, got %s", tt.want, got)
			}
		})
	}
}

func TestConfirmBackLinkStaysOnSite(t *testing.T) {
	s := newTestSite(t)
	v := s.visitor(t)

	values := contactValues(s.contact.ID, "Taro")
	values.Set("_cf7me_origin", "https://evil.example/phish")
	rec := v.post("/forms/"+strconv.FormatInt(s.contact.ID, 10), values)
	loc := strings.TrimPrefix(rec.Header().Get("Location"), testBaseURL)

	page := v.get(loc).Body.String()
	if strings.Contains(page, "evil.example") {
		t.Errorf("Confirmation page links off-site: %s", page)
	}
	if !strings.Contains(page, `href="`+testBaseURL+`/"`) {
		t.Errorf("Expected back link to the site root, got %s", page)
	}
}

func TestSubmitRejectsOversizedFields(t *testing.T) {
	s := newTestSite(t)
	v := s.visitor(t)

	rec := v.post("/api/forms/"+strconv.FormatInt(s.contact.ID, 10)+"/feedback",
		contactValues(s.contact.ID, strings.Repeat("a", 5000)))
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("Expected 413, got %d", rec.Code)
	}
	if subs, _ := s.store.List(context.Background(), v.cookie.Value); len(subs) != 0 {
		t.Error("Oversized submission was staged")
	}
	if s.sender.count() != 0 {
		t.Errorf("Expected no mail, got %d", s.sender.count())
	}
}

func TestSubmitValidationFailure(t *testing.T) {
	s := newTestSite(t)
	v := s.visitor(t)

	rec := v.post("/api/forms/"+strconv.FormatInt(s.contact.ID, 10)+"/feedback", contactValues(s.contact.ID, ""))
	body := rec.Body.Bytes()
	if got := gjson.GetBytes(body, "status").String(); got != confirm.StatusValidationFailed {
		t.Errorf("Expected validation_failed, got %s", got)
	}
	if got := gjson.GetBytes(body, "invalid_fields.0.field").String(); got != "your-name" {
		t.Errorf("Expected your-name to be invalid, got %s", got)
	}
	if subs, _ := s.store.List(context.Background(), v.cookie.Value); len(subs) != 0 {
		t.Error("Invalid submission was staged")
	}
}

func TestConfirmRequiresNonce(t *testing.T) {
	s := newTestSite(t)
	v := s.visitor(t)

	rec := v.post("/forms/"+strconv.FormatInt(s.contact.ID, 10), contactValues(s.contact.ID, "Taro"))
	loc := strings.TrimPrefix(rec.Header().Get("Location"), testBaseURL)
	values := confirmValues(t, v.get(loc).Body.String())
	values.Set("cf7me_confirm_nonce", "forged")

	res := v.post("/confirm-contact/", values)
	if res.Code != http.StatusOK {
		t.Fatalf("Expected the page to render normally, got %d", res.Code)
	}
	if s.sender.count() != 0 {
		t.Error("Mail sent without a valid nonce")
	}
	if sub, _ := s.store.Get(context.Background(), v.cookie.Value, values.Get("cf7me_token")); sub == nil {
		t.Error("Staged submission removed without a valid nonce")
	}
}

func TestSessionsDoNotShareTokens(t *testing.T) {
	s := newTestSite(t)
	taro := s.visitor(t)
	hanako := s.visitor(t)

	rec := taro.post("/forms/"+strconv.FormatInt(s.contact.ID, 10), contactValues(s.contact.ID, "Taro"))
	loc := strings.TrimPrefix(rec.Header().Get("Location"), testBaseURL)

	page := hanako.get(loc).Body.String()
	if strings.Contains(page, "Taro") {
		t.Error("Another session's data was displayed")
	}
	if !strings.Contains(page, confirm.MessageExpired) {
		t.Errorf("Expected expired message for a foreign token, got %s", page)
	}
}

func TestStaticEndpoints(t *testing.T) {
	s := newTestSite(t)
	v := s.visitor(t)

	tests := []struct {
		path        string
		code        int
		contentType string
		contains    string
	}{
		{"/healthz", http.StatusOK, "application/json", `"ok"`},
		{ScriptPath, http.StatusOK, "text/javascript", "cf7me_redirect"},
		{"/metrics", http.StatusOK, "text/plain", "cf7me_"},
		{"/missing/", http.StatusNotFound, "", ""},
	}

	v.post("/forms/"+strconv.FormatInt(s.contact.ID, 10), contactValues(s.contact.ID, "Taro"))

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			rec := v.get(tt.path)
			if rec.Code != tt.code {
				t.Fatalf("Expected %d, got %d", tt.code, rec.Code)
			}
			if tt.contentType != "" && !strings.HasPrefix(rec.Header().Get("Content-Type"), tt.contentType) {
				t.Errorf("Unexpected content type %s", rec.Header().Get("Content-Type"))
			}
			if !strings.Contains(rec.Body.String(), tt.contains) {
				t.Errorf("Body missing %q", tt.contains)
			}
		})
	}
}
