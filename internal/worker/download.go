package worker

import (
	"context"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/JakeFAU/sitemirror/internal/actor"
	"github.com/JakeFAU/sitemirror/internal/crawler"
	"github.com/JakeFAU/sitemirror/internal/metrics"
)

// DefaultMaxConcurrentDownloads bounds a download worker's in-flight set.
const DefaultMaxConcurrentDownloads = 50

// Limiter delays fetches for politeness.
type Limiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// DownloadConfig tunes a download worker.
type DownloadConfig struct {
	MaxConcurrent int
	UserAgent     string
}

// DownloadDeps bundles the capabilities a download worker uses. Limiter and
// Mirror are optional.
type DownloadDeps struct {
	Fetcher crawler.Fetcher
	Limiter Limiter
	Mirror  Mirror
	Logger  *zap.Logger
}

type fetched struct {
	doc     crawler.CrawlDocument
	outcome Outcome
	status  int
	body    []byte
}

// DownloadWorker fetches documents for one job. It starts unwired and stashes
// everything until the coordinator hands it the parse pool. Once wired it
// keeps up to MaxConcurrent fetches in flight; commands arriving at the bound
// are stashed and each completion replays exactly one of them.
type DownloadWorker struct {
	job    crawler.CrawlJob
	cfg    DownloadConfig
	deps   DownloadDeps
	logger *zap.Logger

	parsePool actor.Ref
	wired     bool
	inflight  map[string]crawler.CrawlDocument
}

// NewDownloadWorker builds an unwired download worker.
func NewDownloadWorker(job crawler.CrawlJob, cfg DownloadConfig, deps DownloadDeps) *DownloadWorker {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultMaxConcurrentDownloads
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DownloadWorker{
		job:      job,
		cfg:      cfg,
		deps:     deps,
		logger:   logger.With(zap.String("job", job.Key())),
		inflight: make(map[string]crawler.CrawlDocument),
	}
}

// PreStart requests the parse pool from the coordinator.
func (w *DownloadWorker) PreStart(ctx *actor.Context) {
	w.logger = w.logger.With(zap.String("worker", ctx.Self().Path()))
	if parent := ctx.Parent(); parent != nil {
		parent.Tell(RequestPeerPool{Kind: ParsePool, ReplyTo: ctx.Self()})
	}
}

// PostStop releases the in-flight gauge for fetches that never reported back.
func (w *DownloadWorker) PostStop(*actor.Context) {
	if n := len(w.inflight); n > 0 {
		metrics.AddInflightDownloads(-n)
	}
}

// Receive implements actor.Actor.
func (w *DownloadWorker) Receive(ctx *actor.Context, msg any) {
	if !w.wired {
		w.unwired(ctx, msg)
		return
	}
	switch m := msg.(type) {
	case DownloadHTML:
		w.accept(ctx, m, m.Document)
	case DownloadImage:
		w.accept(ctx, m, m.Document)
	case fetched:
		w.completed(ctx, m)
	case PeerPool:
		if m.Kind == ParsePool && m.Pool != nil {
			w.parsePool = m.Pool
		}
	default:
		w.logger.Debug("unhandled message", zap.String("type", fmt.Sprintf("%T", msg)))
	}
}

// InFlight reports how many fetches are running. Only meaningful from the
// worker's own goroutine.
func (w *DownloadWorker) InFlight() int { return len(w.inflight) }

func (w *DownloadWorker) unwired(ctx *actor.Context, msg any) {
	pool, ok := msg.(PeerPool)
	if !ok || pool.Kind != ParsePool || pool.Pool == nil {
		ctx.Stash(msg)
		return
	}
	w.parsePool = pool.Pool
	w.wired = true
	if parent := ctx.Parent(); parent != nil {
		parent.Tell(WorkerReady{Kind: DownloadPool, Worker: ctx.Self()})
	}
	w.logger.Debug("download worker wired", zap.Int("stashed", ctx.StashSize()))
	ctx.UnstashAll()
}

func (w *DownloadWorker) backpressured() bool {
	return len(w.inflight) >= w.cfg.MaxConcurrent
}

func (w *DownloadWorker) accept(ctx *actor.Context, cmd any, doc crawler.CrawlDocument) {
	if w.backpressured() {
		ctx.Stash(cmd)
		metrics.ObserveDeferredDownload()
		return
	}
	w.start(ctx, doc)
}

func (w *DownloadWorker) start(ctx *actor.Context, doc crawler.CrawlDocument) bool {
	if _, running := w.inflight[doc.Key()]; running {
		w.logger.Debug("document already in flight", zap.String("uri", doc.URI))
		return false
	}
	w.inflight[doc.Key()] = doc
	metrics.AddInflightDownloads(1)
	ctx.Pipe(func(c context.Context) any {
		return w.fetch(c, doc)
	})
	return true
}

// fetch runs off the actor goroutine and must only read immutable fields.
func (w *DownloadWorker) fetch(ctx context.Context, doc crawler.CrawlDocument) (result fetched) {
	result = fetched{doc: doc, outcome: OutcomeBadRequest}
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("fetch panicked", zap.String("uri", doc.URI), zap.Any("panic", r))
			result = fetched{doc: doc, outcome: OutcomeBadRequest}
		}
	}()

	if w.deps.Limiter != nil {
		if err := w.deps.Limiter.Wait(ctx, doc.URI); err != nil {
			w.logger.Debug("rate limit wait aborted", zap.String("uri", doc.URI), zap.Error(err))
			return result
		}
	}
	req := crawler.FetchRequest{URL: doc.URI}
	if w.cfg.UserAgent != "" {
		req.Headers = http.Header{"User-Agent": {w.cfg.UserAgent}}
	}
	resp, err := w.deps.Fetcher.Fetch(ctx, req)
	outcome := Classify(resp, err)
	if err != nil {
		w.logger.Debug("fetch failed", zap.String("uri", doc.URI), zap.Error(err))
	}
	result = fetched{doc: doc, outcome: outcome, status: resp.StatusCode}
	if outcome != OutcomeOK {
		return result
	}
	result.body = resp.Body
	if w.deps.Mirror != nil {
		uri, err := w.deps.Mirror.Save(ctx, w.job, doc, resp)
		if err != nil {
			w.logger.Warn("mirror document failed", zap.String("uri", doc.URI), zap.Error(err))
		} else {
			w.logger.Debug("document mirrored", zap.String("uri", doc.URI), zap.String("blob_uri", uri))
		}
	}
	return result
}

func (w *DownloadWorker) completed(ctx *actor.Context, m fetched) {
	if _, ok := w.inflight[m.doc.Key()]; !ok {
		return
	}
	delete(w.inflight, m.doc.Key())
	metrics.AddInflightDownloads(-1)

	var byteCount int64
	if m.outcome == OutcomeOK {
		byteCount = int64(len(m.body))
	}
	metrics.ObserveDownload(m.doc.URI, m.doc.Kind(), m.outcome.String(), byteCount)
	w.logger.Debug("download finished",
		zap.String("uri", m.doc.URI),
		zap.String("outcome", m.outcome.String()),
		zap.Int("status", m.status),
		zap.Int64("bytes", byteCount),
	)

	if parent := ctx.Parent(); parent != nil {
		parent.Tell(crawler.CompletedDocument{Document: m.doc, ByteCount: byteCount, CompletedBy: ctx.Self()})
	}
	if m.outcome == OutcomeOK && !m.doc.IsImage && w.parsePool != nil {
		w.parsePool.Tell(ParseDocument{Document: m.doc, Body: m.body, Requestor: ctx.Self()})
	}

	// one in, one out; skipped duplicates do not use up the freed slot
	for !w.backpressured() {
		next, ok := ctx.UnstashOne()
		if !ok {
			return
		}
		var started bool
		switch cmd := next.(type) {
		case DownloadHTML:
			started = w.start(ctx, cmd.Document)
		case DownloadImage:
			started = w.start(ctx, cmd.Document)
		}
		if started {
			return
		}
	}
}

// Classify maps a fetch result to an Outcome.
func Classify(resp crawler.FetchResponse, err error) Outcome {
	switch {
	case err != nil:
		return OutcomeBadRequest
	case resp.StatusCode == http.StatusNotFound, resp.StatusCode == http.StatusGone:
		return OutcomeNotFound
	case resp.StatusCode >= http.StatusBadRequest:
		return OutcomeBadRequest
	case len(resp.Body) == 0:
		return OutcomeNotFound
	default:
		return OutcomeOK
	}
}
