package worker

import (
	"fmt"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/sitemirror/internal/actor"
	"github.com/JakeFAU/sitemirror/internal/crawler"
	"github.com/JakeFAU/sitemirror/internal/markup"
	"github.com/JakeFAU/sitemirror/internal/metrics"
)

// EstimatedTimePerDocument is the lease time requested per extracted
// candidate.
const EstimatedTimePerDocument = 5 * time.Second

// ParseWorker extracts same-domain links and images from downloaded pages and
// asks the lease tracker, through the coordinator, which of them to fetch.
type ParseWorker struct {
	job    crawler.CrawlJob
	logger *zap.Logger

	downloadPool actor.Ref
	wired        bool
}

// NewParseWorker builds an unwired parse worker.
func NewParseWorker(job crawler.CrawlJob, logger *zap.Logger) *ParseWorker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ParseWorker{job: job, logger: logger.With(zap.String("job", job.Key()))}
}

// PreStart requests the download pool from the coordinator.
func (p *ParseWorker) PreStart(ctx *actor.Context) {
	p.logger = p.logger.With(zap.String("worker", ctx.Self().Path()))
	if parent := ctx.Parent(); parent != nil {
		parent.Tell(RequestPeerPool{Kind: DownloadPool, ReplyTo: ctx.Self()})
	}
}

// Receive implements actor.Actor.
func (p *ParseWorker) Receive(ctx *actor.Context, msg any) {
	if !p.wired {
		pool, ok := msg.(PeerPool)
		if !ok || pool.Kind != DownloadPool || pool.Pool == nil {
			ctx.Stash(msg)
			return
		}
		p.downloadPool = pool.Pool
		p.wired = true
		if parent := ctx.Parent(); parent != nil {
			parent.Tell(WorkerReady{Kind: ParsePool, Worker: ctx.Self()})
		}
		ctx.UnstashAll()
		return
	}
	switch m := msg.(type) {
	case ParseDocument:
		p.parse(ctx, m)
	case PeerPool:
		if m.Kind == DownloadPool && m.Pool != nil {
			p.downloadPool = m.Pool
		}
	default:
		p.logger.Debug("unhandled message", zap.String("type", fmt.Sprintf("%T", msg)))
	}
}

func (p *ParseWorker) parse(ctx *actor.Context, m ParseDocument) {
	candidates, err := Candidates(p.job, m.Document, m.Body)
	if err != nil {
		p.logger.Warn("parse document failed", zap.String("uri", m.Document.URI), zap.Error(err))
		return
	}
	metrics.ObserveParseCandidates(m.Document.URI, len(candidates))
	if len(candidates) == 0 {
		return
	}
	requestor := m.Requestor
	if requestor == nil {
		requestor = p.downloadPool
	}
	parent := ctx.Parent()
	if parent == nil {
		return
	}
	parent.Tell(crawler.CheckDocuments{
		Documents:          candidates,
		Requestor:          requestor,
		EstimatedCrawlTime: EstimatedTimePerDocument * time.Duration(len(candidates)),
	})
	p.logger.Debug("page parsed", zap.String("uri", m.Document.URI), zap.Int("candidates", len(candidates)))
}

// Candidates returns the crawlable documents page links to: absolute,
// same-domain http(s) URIs, deduplicated in document order. Images are only
// included when the job fetches images.
func Candidates(job crawler.CrawlJob, page crawler.CrawlDocument, body []byte) ([]crawler.CrawlDocument, error) {
	base, err := url.Parse(page.URI)
	if err != nil {
		return nil, fmt.Errorf("parse page uri: %w", err)
	}
	selectors := []markup.Selector{markup.Links}
	if job.FetchImages {
		selectors = append(selectors, markup.Images)
	}
	refs, err := markup.Extract(body, selectors...)
	if err != nil {
		return nil, fmt.Errorf("extract references: %w", err)
	}

	domain := job.Domain()
	seen := make(map[string]struct{}, len(refs))
	out := make([]crawler.CrawlDocument, 0, len(refs))
	for _, ref := range refs {
		abs, ok := crawler.ResolveReference(base, ref.Value)
		if !ok || !crawler.SameDomain(abs, domain) {
			continue
		}
		isImage := ref.Tag == markup.Images.Tag || crawler.LooksLikeImage(abs)
		if isImage && !job.FetchImages {
			continue
		}
		uri := abs.String()
		if _, dup := seen[uri]; dup {
			continue
		}
		seen[uri] = struct{}{}
		out = append(out, crawler.CrawlDocument{URI: uri, IsImage: isImage})
	}
	return out, nil
}
