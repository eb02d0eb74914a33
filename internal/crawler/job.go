package crawler

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ErrInvalidRoot is returned for roots that are not absolute http(s) URLs.
var ErrInvalidRoot = errors.New("crawler: root must be an absolute http or https URL")

// CrawlJob identifies one site-mirroring run. Two jobs are the same job when
// their roots match; FetchImages does not take part in identity.
type CrawlJob struct {
	Root        string `json:"root"`
	FetchImages bool   `json:"fetch_images"`
}

// NewCrawlJob normalizes root and validates it.
func NewCrawlJob(root string, fetchImages bool) (CrawlJob, error) {
	normalized, err := NormalizeURL(strings.TrimSpace(root))
	if err != nil {
		return CrawlJob{}, fmt.Errorf("%w: %w", ErrInvalidRoot, err)
	}
	u, err := url.Parse(normalized)
	if err != nil || !IsCrawlable(u) {
		return CrawlJob{}, fmt.Errorf("%w: %q", ErrInvalidRoot, root)
	}
	return CrawlJob{Root: normalized, FetchImages: fetchImages}, nil
}

// Key is the identity used for maps, child names and lease tables.
func (j CrawlJob) Key() string { return j.Root }

// Equal compares jobs by root.
func (j CrawlJob) Equal(other CrawlJob) bool { return j.Root == other.Root }

// Domain is the host the crawl is confined to.
func (j CrawlJob) Domain() string {
	u, err := url.Parse(j.Root)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}

// RootURL parses the root.
func (j CrawlJob) RootURL() (*url.URL, error) {
	u, err := url.Parse(j.Root)
	if err != nil {
		return nil, fmt.Errorf("parse job root: %w", err)
	}
	return u, nil
}

// RootDocument is the first document seeded into a crawl.
func (j CrawlJob) RootDocument() CrawlDocument {
	return CrawlDocument{URI: j.Root}
}

// ActorName turns the job key into a single path segment.
func (j CrawlJob) ActorName() string { return url.PathEscape(j.Root) }

func (j CrawlJob) String() string { return j.Root }

// CrawlDocument is one URI inside a job. Documents are equal when their URIs
// match.
type CrawlDocument struct {
	URI     string `json:"uri"`
	IsImage bool   `json:"is_image"`
}

// Key is the identity used by claim tables and in-flight sets.
func (d CrawlDocument) Key() string { return d.URI }

// Equal compares documents by URI.
func (d CrawlDocument) Equal(other CrawlDocument) bool { return d.URI == other.URI }

// Kind returns "image" or "html".
func (d CrawlDocument) Kind() string {
	if d.IsImage {
		return "image"
	}
	return "html"
}
