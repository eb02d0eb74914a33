package worker

import (
	"bytes"
	"context"
	"fmt"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/JakeFAU/sitemirror/internal/crawler"
)

// Mirror persists fetched bodies.
type Mirror interface {
	Save(ctx context.Context, job crawler.CrawlJob, doc crawler.CrawlDocument, resp crawler.FetchResponse) (string, error)
}

// BlobMirrorConfig controls where mirrored documents go.
type BlobMirrorConfig struct {
	Prefix string
	// Topic receives one message per mirrored document when a publisher is
	// configured.
	Topic string
}

// BlobMirror stores bodies under content-addressed paths and optionally
// announces each stored object.
type BlobMirror struct {
	store     crawler.BlobStore
	hasher    crawler.Hasher
	publisher crawler.Publisher
	clock     crawler.Clock
	cfg       BlobMirrorConfig
}

// NewBlobMirror builds a BlobMirror. publisher may be nil.
func NewBlobMirror(
	store crawler.BlobStore,
	hasher crawler.Hasher,
	publisher crawler.Publisher,
	clock crawler.Clock,
	cfg BlobMirrorConfig,
) *BlobMirror {
	return &BlobMirror{
		store:     store,
		hasher:    hasher,
		publisher: publisher,
		clock:     clock,
		cfg:       cfg,
	}
}

// Save implements Mirror.
func (m *BlobMirror) Save(
	ctx context.Context,
	job crawler.CrawlJob,
	doc crawler.CrawlDocument,
	resp crawler.FetchResponse,
) (string, error) {
	hash, err := m.hasher.Hash(resp.Body)
	if err != nil {
		return "", fmt.Errorf("hash body: %w", err)
	}
	contentType := contentTypeOf(doc, resp)
	blobPath := m.buildBlobPath(job, hash, extensionOf(doc, contentType))
	uri, err := m.store.PutObject(ctx, blobPath, contentType, bytes.NewReader(resp.Body))
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	if err := m.publish(ctx, job, doc, uri, hash, resp); err != nil {
		return uri, err
	}
	return uri, nil
}

func (m *BlobMirror) buildBlobPath(job crawler.CrawlJob, hash, ext string) string {
	name := fmt.Sprintf("%s/%s%s", job.Domain(), hash, ext)
	prefix := strings.Trim(m.cfg.Prefix, "/")
	if prefix == "" {
		return name
	}
	return prefix + "/" + name
}

func (m *BlobMirror) publish(
	ctx context.Context,
	job crawler.CrawlJob,
	doc crawler.CrawlDocument,
	uri, hash string,
	resp crawler.FetchResponse,
) error {
	if m.cfg.Topic == "" || m.publisher == nil {
		return nil
	}
	now := time.Now().UTC()
	if m.clock != nil {
		now = m.clock.Now()
	}
	payload := map[string]any{
		"job":       job.Key(),
		"url":       doc.URI,
		"kind":      doc.Kind(),
		"blob_uri":  uri,
		"hash":      hash,
		"status":    resp.StatusCode,
		"bytes":     len(resp.Body),
		"timestamp": now.Format(time.RFC3339),
	}
	if _, err := m.publisher.Publish(ctx, m.cfg.Topic, payload); err != nil {
		return fmt.Errorf("publish mirrored document: %w", err)
	}
	return nil
}

func contentTypeOf(doc crawler.CrawlDocument, resp crawler.FetchResponse) string {
	if ct := resp.Headers.Get("Content-Type"); ct != "" {
		return ct
	}
	if doc.IsImage {
		return http.DetectContentType(resp.Body)
	}
	return "text/html; charset=utf-8"
}

func extensionOf(doc crawler.CrawlDocument, contentType string) string {
	if u, err := url.Parse(doc.URI); err == nil {
		if ext := path.Ext(u.Path); ext != "" && len(ext) <= 6 {
			return strings.ToLower(ext)
		}
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return ""
	}
	switch mediaType {
	case "text/html":
		return ".html"
	case "image/png":
		return ".png"
	case "image/jpeg":
		return ".jpg"
	case "image/gif":
		return ".gif"
	case "image/svg+xml":
		return ".svg"
	case "image/webp":
		return ".webp"
	default:
		return ""
	}
}
