// Package coordinator implements the per-job actors: the job state machine
// and the download coordinator that owns a job's worker pools.
package coordinator

import (
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/sitemirror/internal/actor"
	"github.com/JakeFAU/sitemirror/internal/crawler"
	"github.com/JakeFAU/sitemirror/internal/worker"
)

// Pool and flush defaults.
const (
	DefaultDownloadWorkers = 10
	DefaultParseWorkers    = 10
	DefaultFlushInterval   = 250 * time.Millisecond
)

// GetPoolSize asks the download coordinator how many workers are wired.
type GetPoolSize struct {
	ReplyTo actor.Ref
}

// PoolSize answers GetPoolSize.
type PoolSize struct {
	Download int
	Parse    int
}

type flushStats struct{}

// DownloadConfig sizes the worker pools.
type DownloadConfig struct {
	DownloadWorkers int
	ParseWorkers    int
	FlushInterval   time.Duration
	Worker          worker.DownloadConfig
}

func (c DownloadConfig) withDefaults() DownloadConfig {
	if c.DownloadWorkers <= 0 {
		c.DownloadWorkers = DefaultDownloadWorkers
	}
	if c.ParseWorkers <= 0 {
		c.ParseWorkers = DefaultParseWorkers
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = DefaultFlushInterval
	}
	return c
}

// Download owns the download and parse pools of one job. It relays lease
// checks to the job's tracker, feeds leased documents to the download pool
// and reports accumulated stats to its parent.
type Download struct {
	job     crawler.CrawlJob
	tracker actor.Ref
	cfg     DownloadConfig
	deps    worker.DownloadDeps
	logger  *zap.Logger

	downloads *actor.RoundRobin
	parsers   *actor.RoundRobin
	ready     map[worker.PoolKind]int
	stats     crawler.CrawlJobStats
	flush     actor.Cancellable
}

// NewDownload builds a download coordinator for job.
func NewDownload(job crawler.CrawlJob, tracker actor.Ref, cfg DownloadConfig, deps worker.DownloadDeps) *Download {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Download{
		job:     job,
		tracker: tracker,
		cfg:     cfg.withDefaults(),
		deps:    deps,
		logger:  logger.With(zap.String("job", job.Key())),
		ready:   make(map[worker.PoolKind]int),
		stats:   crawler.NewStats(job),
	}
}

// PreStart arms the stats flush.
func (d *Download) PreStart(ctx *actor.Context) {
	d.flush = ctx.ScheduleRepeatedly(d.cfg.FlushInterval, d.cfg.FlushInterval, flushStats{})
}

// PostStop cancels the stats flush.
func (d *Download) PostStop(*actor.Context) {
	if d.flush != nil {
		d.flush.Cancel()
	}
}

// Receive implements actor.Actor.
func (d *Download) Receive(ctx *actor.Context, msg any) {
	d.ensurePools(ctx)
	switch m := msg.(type) {
	case worker.RequestPeerPool:
		d.peerPool(m)
	case worker.WorkerReady:
		d.ready[m.Kind]++
		if d.ready[m.Kind] == d.poolSize(m.Kind) {
			d.logger.Debug("pool ready", zap.Stringer("pool", m.Kind), zap.Int("workers", d.ready[m.Kind]))
		}
	case GetPoolSize:
		if m.ReplyTo != nil {
			m.ReplyTo.Tell(PoolSize{Download: d.ready[worker.DownloadPool], Parse: d.ready[worker.ParsePool]})
		}
	case crawler.CheckDocuments:
		d.check(ctx, m)
	case crawler.ProcessDocuments:
		for _, doc := range m.Documents {
			d.downloads.Tell(worker.DownloadCommand(doc))
		}
	case crawler.DiscoveredDocuments:
		d.stats = d.stats.WithDiscovered(m.Documents)
	case crawler.CompletedDocument:
		d.stats = d.stats.WithCompleted(m.Document, m.ByteCount)
		d.tracker.Tell(m)
	case flushStats:
		d.flushStats(ctx)
	case actor.Terminated:
		d.logger.Warn("pool worker stopped", zap.String("worker", m.Ref.Path()))
	default:
		d.logger.Debug("unhandled message", zap.String("type", fmt.Sprintf("%T", msg)))
	}
}

func (d *Download) ensurePools(ctx *actor.Context) {
	if d.downloads != nil {
		return
	}
	downloads := make([]actor.Ref, 0, d.cfg.DownloadWorkers)
	for i := range d.cfg.DownloadWorkers {
		ref, err := ctx.Spawn("download-"+strconv.Itoa(i), worker.NewDownloadWorker(d.job, d.cfg.Worker, d.deps))
		if err != nil {
			d.logger.Error("spawn download worker", zap.Int("index", i), zap.Error(err))
			continue
		}
		downloads = append(downloads, ref)
	}
	parsers := make([]actor.Ref, 0, d.cfg.ParseWorkers)
	for i := range d.cfg.ParseWorkers {
		ref, err := ctx.Spawn("parse-"+strconv.Itoa(i), worker.NewParseWorker(d.job, d.deps.Logger))
		if err != nil {
			d.logger.Error("spawn parse worker", zap.Int("index", i), zap.Error(err))
			continue
		}
		parsers = append(parsers, ref)
	}
	self := ctx.Self().Path()
	d.downloads = actor.NewRoundRobin(self+"/downloads", downloads)
	d.parsers = actor.NewRoundRobin(self+"/parsers", parsers)
	d.logger.Info("worker pools started",
		zap.Int("download_workers", len(downloads)),
		zap.Int("parse_workers", len(parsers)),
	)
}

func (d *Download) poolSize(kind worker.PoolKind) int {
	if kind == worker.ParsePool {
		return d.parsers.Size()
	}
	return d.downloads.Size()
}

func (d *Download) peerPool(m worker.RequestPeerPool) {
	if m.ReplyTo == nil {
		return
	}
	pool := actor.Ref(d.downloads)
	if m.Kind == worker.ParsePool {
		pool = d.parsers
	}
	m.ReplyTo.Tell(worker.PeerPool{Kind: m.Kind, Pool: pool})
}

func (d *Download) check(ctx *actor.Context, m crawler.CheckDocuments) {
	if len(m.Documents) == 0 {
		return
	}
	if m.Requestor == nil {
		m.Requestor = d.downloads
	}
	m.ReplyTo = ctx.Self()
	if !d.tracker.Tell(m) {
		d.logger.Warn("lease tracker unreachable", zap.Int("documents", len(m.Documents)))
	}
}

func (d *Download) flushStats(ctx *actor.Context) {
	if d.stats.IsZero() {
		return
	}
	if parent := ctx.Parent(); parent != nil {
		parent.Tell(d.stats)
	}
	d.stats = d.stats.Reset()
}
