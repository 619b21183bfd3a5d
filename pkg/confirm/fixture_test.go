package confirm

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cf7me/confirmflow/pkg/errors"
	"github.com/cf7me/confirmflow/pkg/security"
	"github.com/cf7me/confirmflow/pkg/session"
)

type fakeConfigs struct {
	mu    sync.Mutex
	forms map[int64]*FormConfirmConfig
	err   error
}

func (f *fakeConfigs) ConfirmConfig(ctx context.Context, formID int64) (*FormConfirmConfig, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	cfg, ok := f.forms[formID]
	if !ok {
		return nil, nil
	}
	c := *cfg
	return &c, nil
}

func (f *fakeConfigs) remove(formID int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.forms, formID)
}

type fakePages struct {
	pages map[string]*Page
	err   error
}

func (f *fakePages) ConfirmPage(ctx context.Context, slug string) (*Page, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.pages[slug], nil
}

// fakeHost mails whatever reaches it, after running the pre-send hook the
// way the real engine does.
type fakeHost struct {
	mu          sync.Mutex
	tags        map[int64][]FormTag
	tagsErr     error
	interceptor *Interceptor
	sent        []HostSubmission
	outcomes    []Outcome
	submitErr   error
}

func (h *fakeHost) Submit(ctx context.Context, sub HostSubmission) (HostResult, error) {
	if h.submitErr != nil {
		return HostResult{}, h.submitErr
	}
	if h.interceptor != nil {
		abort := false
		out := h.interceptor.BeforeSend(ctx, InterceptRequest{
			SessionID:  RequestInfoFrom(ctx).SessionID,
			FormID:     sub.FormID,
			PostedData: sub.PostedData,
			OriginURL:  sub.OriginURL,
		}, &abort)
		h.mu.Lock()
		h.outcomes = append(h.outcomes, out)
		h.mu.Unlock()
		if abort {
			return HostResult{Status: StatusAborted}, nil
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.sent = append(h.sent, sub)
	return HostResult{Status: StatusMailSent, Message: "Thank you for your message."}, nil
}

func (h *fakeHost) FormTags(ctx context.Context, formID int64) ([]FormTag, error) {
	if h.tagsErr != nil {
		return nil, h.tagsErr
	}
	return h.tags[formID], nil
}

func (h *fakeHost) sentCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sent)
}

// failingStore rejects writes and reads.
type failingStore struct{ session.Store }

func (failingStore) Put(ctx context.Context, sessionID, key string, sub *session.StagedSubmission) error {
	return errors.New("store unavailable")
}

func (failingStore) Get(ctx context.Context, sessionID, key string) (*session.StagedSubmission, error) {
	return nil, nil
}

const (
	contactFormID = 10
	baseURL       = "https://example.test"
)

type fixture struct {
	configs     *fakeConfigs
	pages       *fakePages
	store       *session.MemoryStore
	host        *fakeHost
	nonces      *security.NonceIssuer
	site        Site
	interceptor *Interceptor
	renderer    *Renderer
	finalizer   *Finalizer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		configs: &fakeConfigs{forms: map[int64]*FormConfirmConfig{
			contactFormID: {FormID: contactFormID, ConfirmEnabled: true, Slug: "contact", ThanksURL: "https://example.test/thanks/"},
			11:            {FormID: 11, ConfirmEnabled: false, Slug: "plain"},
			12:            {FormID: 12, ConfirmEnabled: true, Slug: ""},
			13:            {FormID: 13, ConfirmEnabled: true, Slug: "orphan"},
			14:            {FormID: 14, ConfirmEnabled: true, Slug: "survey"},
		}},
		pages: &fakePages{pages: map[string]*Page{
			"contact": {ID: 100, Path: "confirm-contact"},
			"survey":  {ID: 101, Path: "confirm-survey"},
		}},
		store:  session.NewMemoryStore(session.DefaultLimits),
		nonces: security.NewNonceIssuer([]byte("test-secret"), time.Hour),
		site:   Site{BaseURL: baseURL},
	}
	f.host = &fakeHost{tags: map[int64][]FormTag{
		contactFormID: {
			{Name: "your-name", Labels: []string{"お名前"}},
			{Name: "your-email", Labels: []string{"メールアドレス"}},
		},
	}}

	resolver := NewResolver(f.store, true)
	f.interceptor = NewInterceptor(f.configs, f.pages, f.store, security.NewValidator(50, 4096, 1<<20), f.site)
	f.renderer = NewRenderer(resolver, f.host, f.nonces, f.site)
	f.finalizer = NewFinalizer(resolver, f.configs, f.store, f.nonces, NewReplayCommitter(f.host, f.store, nil), f.site)
	f.host.interceptor = f.interceptor
	return f
}

func contactData() session.PostedData {
	return session.PostedData{
		{Name: "_wpcf7", Values: []string{"10"}},
		{Name: "your-name", Values: []string{"Taro"}},
		{Name: "your-email", Values: []string{"taro@example.com"}},
	}
}

// stage intercepts a contact submission for sessionID and returns its token.
func (f *fixture) stage(t *testing.T, sessionID string) string {
	t.Helper()
	out := f.interceptor.Evaluate(context.Background(), InterceptRequest{
		SessionID:  sessionID,
		FormID:     contactFormID,
		PostedData: contactData(),
		OriginURL:  baseURL + "/contact/",
	})
	if out.Kind != Intercept {
		t.Fatalf("Expected intercept, got %s (%s)", out.Kind, out.Reason)
	}
	return out.Token
}

func (f *fixture) nonce(t *testing.T, sessionID string) string {
	t.Helper()
	n, err := f.nonces.Issue(NonceAction, sessionID)
	if err != nil {
		t.Fatalf("Failed to issue nonce: %v", err)
	}
	return n
}

func replayContext(sessionID string) context.Context {
	return WithRequestInfo(context.Background(), RequestInfo{SessionID: sessionID, PageID: 100})
}
