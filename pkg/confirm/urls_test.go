package confirm

import "testing"

func TestSafeRedirectURL(t *testing.T) {
	site := Site{BaseURL: "https://example.test"}

	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"same host", "https://example.test/contact/?a=1", "https://example.test/contact/?a=1"},
		{"same host other case", "https://EXAMPLE.test/contact/", "https://EXAMPLE.test/contact/"},
		{"site relative", "/contact/", "https://example.test/contact/"},
		{"foreign host", "https://evil.example/phish", "https://example.test/"},
		{"foreign host with port", "https://example.test:8443/contact/", "https://example.test/"},
		{"scheme relative", "//evil.example/phish", "https://example.test/"},
		{"backslash relative", `/\evil.example/phish`, "https://example.test/"},
		{"javascript", "javascript:alert(1)", "https://example.test/"},
		{"relative path", "contact/", "https://example.test/"},
		{"empty", "   ", "https://example.test/"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := site.SafeRedirectURL(tt.raw); got != tt.want {
				t.Errorf("SafeRedirectURL(%q) = %q, want %q", tt.raw, got, tt.want)
			}
		})
	}
}
