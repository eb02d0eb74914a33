package crawler

import (
	"fmt"
	"net/url"
	"path"
	"strings"
)

// NormalizeURL standardizes a URL to avoid duplicates.
// It lowercases the scheme and host, removes default ports, sorts query
// parameters, drops fragments and gives empty paths a trailing slash.
func NormalizeURL(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	return normalize(u).String(), nil
}

func normalize(u *url.URL) *url.URL {
	out := *u
	out.Scheme = strings.ToLower(out.Scheme)
	out.Host = strings.ToLower(out.Host)
	if out.Scheme == "http" {
		out.Host = strings.TrimSuffix(out.Host, ":80")
	}
	if out.Scheme == "https" {
		out.Host = strings.TrimSuffix(out.Host, ":443")
	}
	out.Fragment = ""
	out.RawFragment = ""
	if out.Path == "" && out.Host != "" {
		out.Path = "/"
	}
	if out.RawQuery != "" {
		out.RawQuery = out.Query().Encode()
	}
	return &out
}

// IsCrawlable reports whether u is an absolute http(s) URL with a host.
func IsCrawlable(u *url.URL) bool {
	if u == nil || u.Host == "" {
		return false
	}
	scheme := strings.ToLower(u.Scheme)
	return scheme == "http" || scheme == "https"
}

// ResolveReference turns ref into a normalized absolute URL relative to base.
// It returns false for references that cannot be crawled.
func ResolveReference(base *url.URL, ref string) (*url.URL, bool) {
	ref = strings.TrimSpace(ref)
	if ref == "" || strings.HasPrefix(ref, "#") {
		return nil, false
	}
	parsed, err := url.Parse(ref)
	if err != nil {
		return nil, false
	}
	abs := base.ResolveReference(parsed)
	if !IsCrawlable(abs) {
		return nil, false
	}
	return normalize(abs), true
}

// SameDomain reports whether u lives on domain, ignoring case and port.
func SameDomain(u *url.URL, domain string) bool {
	return u != nil && strings.EqualFold(u.Hostname(), domain)
}

var imageExtensions = map[string]struct{}{
	".png": {}, ".jpg": {}, ".jpeg": {}, ".gif": {}, ".bmp": {},
	".svg": {}, ".webp": {}, ".ico": {}, ".tif": {}, ".tiff": {}, ".avif": {},
}

// LooksLikeImage guesses from the path extension whether u is an image.
func LooksLikeImage(u *url.URL) bool {
	if u == nil {
		return false
	}
	_, ok := imageExtensions[strings.ToLower(path.Ext(u.Path))]
	return ok
}
