package confirm

import (
	"net/url"
	"strings"
)

// Site builds absolute URLs for pages of the site.
type Site struct {
	BaseURL string
}

// Home is the site root, the default completion destination.
func (s Site) Home() string {
	return strings.TrimRight(s.BaseURL, "/") + "/"
}

// Permalink is the absolute URL of a page path.
func (s Site) Permalink(path string) string {
	path = strings.Trim(path, "/")
	if path == "" {
		return s.Home()
	}
	return s.Home() + path + "/"
}

// AddQueryArg sets key=value on rawURL, keeping its other parameters and fragment.
func AddQueryArg(rawURL, key, value string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		sep := "?"
		if strings.Contains(rawURL, "?") {
			sep = "&"
		}
		return rawURL + sep + url.QueryEscape(key) + "=" + url.QueryEscape(value)
	}
	q := u.Query()
	q.Set(key, value)
	u.RawQuery = q.Encode()
	return u.String()
}

// SafeRedirectURL accepts URLs on the site's own host and site-relative
// paths; anything else falls back to the site root.
func (s Site) SafeRedirectURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return s.Home()
	}
	u, err := url.Parse(raw)
	if err != nil {
		return s.Home()
	}
	switch {
	case u.Scheme == "http" || u.Scheme == "https":
		if !strings.EqualFold(u.Host, s.host()) {
			return s.Home()
		}
		return u.String()
	case u.Scheme == "" && u.Host == "" && strings.HasPrefix(u.Path, "/") &&
		!strings.HasPrefix(raw, "//") && !strings.HasPrefix(raw, "/\\"):
		return strings.TrimRight(s.BaseURL, "/") + u.String()
	default:
		return s.Home()
	}
}

func (s Site) host() string {
	u, err := url.Parse(s.BaseURL)
	if err != nil {
		return ""
	}
	return u.Host
}
