// Package server builds the in-process crawl cluster and serves it over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/sitemirror/internal/actor"
	"github.com/JakeFAU/sitemirror/internal/api"
	"github.com/JakeFAU/sitemirror/internal/clock/system"
	"github.com/JakeFAU/sitemirror/internal/cluster"
	"github.com/JakeFAU/sitemirror/internal/config"
	"github.com/JakeFAU/sitemirror/internal/coordinator"
	"github.com/JakeFAU/sitemirror/internal/crawler"
	collyfetcher "github.com/JakeFAU/sitemirror/internal/fetcher/colly"
	"github.com/JakeFAU/sitemirror/internal/hash/sha256"
	"github.com/JakeFAU/sitemirror/internal/id/uuid"
	"github.com/JakeFAU/sitemirror/internal/lease"
	"github.com/JakeFAU/sitemirror/internal/logging"
	"github.com/JakeFAU/sitemirror/internal/metrics"
	"github.com/JakeFAU/sitemirror/internal/policy/ratelimit"
	"github.com/JakeFAU/sitemirror/internal/progress"
	progresssinks "github.com/JakeFAU/sitemirror/internal/progress/sinks"
	gcppublisher "github.com/JakeFAU/sitemirror/internal/publisher/pubsub"
	"github.com/JakeFAU/sitemirror/internal/registry"
	gcsstorage "github.com/JakeFAU/sitemirror/internal/storage/gcs"
	localstorage "github.com/JakeFAU/sitemirror/internal/storage/local"
	memorystorage "github.com/JakeFAU/sitemirror/internal/storage/memory"
	pgstore "github.com/JakeFAU/sitemirror/internal/storage/postgres"
	"github.com/JakeFAU/sitemirror/internal/store"
	"github.com/JakeFAU/sitemirror/internal/worker"
)

const (
	leaseRegistryName = "lease-registry"
	jobRegistryName   = "job-registry"
)

// Options override collaborators Build would otherwise create from config.
type Options struct {
	// Logger replaces the logger built from cfg.Logging.
	Logger *zap.Logger
	// Registerer receives the progress collectors. Defaults to the global
	// registerer.
	Registerer prometheus.Registerer
	// Fetcher replaces the colly fetcher.
	Fetcher crawler.Fetcher
	// BlobStore replaces the store selected by cfg.Storage.Backend.
	BlobStore crawler.BlobStore
	// Publisher replaces the Pub/Sub publisher.
	Publisher crawler.Publisher
	// Statuses replaces the status history repository.
	Statuses store.StatusRepository
	Clock    crawler.Clock
}

// Node is one member of the in-process cluster.
type Node struct {
	Name   string
	System *actor.System
	Jobs   actor.Ref
	Leases actor.Ref
}

// App contains the application's dependencies.
type App struct {
	cfg    config.Config
	logger *zap.Logger
	clock  crawler.Clock

	group    *cluster.Group
	nodes    []*Node
	entry    *actor.RoundRobin
	hub      *progress.Hub
	board    *progresssinks.Board
	statuses store.StatusRepository
	api      *api.Server

	closers []func(context.Context) error
}

// Build creates the application's dependencies and starts its nodes.
func Build(ctx context.Context, cfg config.Config, opts Options) (*App, error) {
	logger := opts.Logger
	if logger == nil {
		var err error
		logger, err = logging.New(logging.Config{Development: cfg.Logging.Development, Level: cfg.Logging.Level})
		if err != nil {
			return nil, fmt.Errorf("logger init failed: %w", err)
		}
	}
	clock := opts.Clock
	if clock == nil {
		clock = system.New()
	}
	metrics.Init()

	app := &App{
		cfg:    cfg,
		logger: logger,
		clock:  clock,
		group:  cluster.NewGroup(),
	}
	app.logger.Info("building application dependencies",
		zap.Int("server_port", cfg.Server.Port),
		zap.Int("local_nodes", cfg.Node.LocalNodes),
		zap.String("storage", cfg.Storage.Backend),
	)

	ok := false
	defer func() {
		if !ok {
			_ = app.Close(context.WithoutCancel(ctx))
		}
	}()

	publisher, err := setupPublisher(ctx, app, opts)
	if err != nil {
		return nil, err
	}
	blobStore, err := setupStorage(ctx, app, opts)
	if err != nil {
		return nil, err
	}
	if err := setupDatabase(ctx, app, opts); err != nil {
		return nil, err
	}
	if err := setupProgress(ctx, app, opts, publisher); err != nil {
		return nil, err
	}

	deps := setupWorkerDeps(app, opts, blobStore, publisher)
	if err := setupNodes(app, deps); err != nil {
		return nil, err
	}

	app.api = api.NewServer(cfg, api.Deps{
		Engine:   app,
		Board:    app.board,
		Statuses: app.statuses,
		Logger:   logger.Named("api"),
	})
	ok = true
	return app, nil
}

// Logger returns the root logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Nodes returns the cluster members in creation order.
func (a *App) Nodes() []*Node { return append([]*Node(nil), a.nodes...) }

// Board returns the latest status per job seen by the hub.
func (a *App) Board() *progresssinks.Board { return a.board }

// Handler returns the HTTP API.
func (a *App) Handler() http.Handler { return a.api.Handler() }

// StartJob sends job to the next node's job registry. The hub always
// subscribes; watchers are added to the same requestor.
func (a *App) StartJob(job crawler.CrawlJob, watchers ...actor.Ref) {
	requestor := a.hub.Subscriber()
	if len(watchers) > 0 {
		targets := append([]actor.Ref{requestor}, watchers...)
		requestor = actor.NewFuncRef(watchers[0].Path()+"+progress", func(msg any) {
			for _, t := range targets {
				t.Tell(msg)
			}
		})
	}
	a.entry.Tell(crawler.StartJob{Job: job, Requestor: requestor})
}

// StopJob asks the cluster to stop job.
func (a *App) StopJob(job crawler.CrawlJob) {
	a.entry.Tell(crawler.StopJob{Job: job})
}

// ListJobs gathers the jobs every node runs, ordered by root.
func (a *App) ListJobs(ctx context.Context) ([]crawler.CrawlJob, error) {
	timeout := a.cfg.Discovery.ProbeTimeout
	seen := make(map[string]crawler.CrawlJob)
	for _, n := range a.nodes {
		msg, err := actor.Ask(ctx, n.Jobs, timeout, func(replyTo actor.Ref) any {
			return registry.ListJobs{ReplyTo: replyTo}
		})
		if err != nil {
			return nil, fmt.Errorf("list jobs on %s: %w", n.Name, err)
		}
		list, ok := msg.(registry.JobList)
		if !ok {
			return nil, fmt.Errorf("list jobs on %s: unexpected reply %T", n.Name, msg)
		}
		for _, job := range list.Jobs {
			seen[job.Key()] = job
		}
	}
	out := make([]crawler.CrawlJob, 0, len(seen))
	for _, job := range seen {
		out = append(out, job)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out, nil
}

// Ready probes every node's registries.
func (a *App) Ready(ctx context.Context) error {
	timeout := a.cfg.Discovery.ProbeTimeout
	for _, n := range a.nodes {
		if !actor.Probe(ctx, n.Jobs, timeout) {
			return fmt.Errorf("%s job registry unreachable", n.Name)
		}
		if !actor.Probe(ctx, n.Leases, timeout) {
			return fmt.Errorf("%s lease registry unreachable", n.Name)
		}
	}
	return nil
}

// Run serves the HTTP API until ctx ends or a termination signal arrives,
// then shuts everything down.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       a.cfg.Server.ReadTimeout,
		WriteTimeout:      a.cfg.Server.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("shutdown initiated")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.shutdownTimeout())
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("server shutdown error", zap.Error(err))
		}
		return nil
	})
	runErr := g.Wait()

	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.shutdownTimeout())
	defer cancel()
	return errors.Join(runErr, a.Close(closeCtx))
}

func (a *App) shutdownTimeout() time.Duration {
	if a.cfg.Server.ShutdownTimeout > 0 {
		return a.cfg.Server.ShutdownTimeout
	}
	return 10 * time.Second
}

// Close stops every node, then flushes the hub and releases clients.
func (a *App) Close(ctx context.Context) error {
	var g errgroup.Group
	for _, n := range a.nodes {
		g.Go(func() error {
			a.group.Leave(n.Name)
			return n.System.Shutdown(ctx)
		})
	}
	err := g.Wait()
	if err != nil {
		a.logger.Warn("node shutdown incomplete", zap.Error(err))
	}
	a.closeInfrastructure(ctx)
	a.logger.Info("shutdown complete")
	_ = a.logger.Sync()
	return err
}

func (a *App) closeInfrastructure(ctx context.Context) {
	if a.hub != nil {
		if err := a.hub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			a.logger.Warn("close failed", zap.Error(err))
		}
	}
	a.closers = nil
}

func setupStorage(ctx context.Context, app *App, opts Options) (crawler.BlobStore, error) {
	if opts.BlobStore != nil {
		return opts.BlobStore, nil
	}
	cfg := app.cfg.Storage
	switch cfg.Backend {
	case config.StorageNone:
		app.logger.Info("document mirroring disabled")
		return nil, nil
	case config.StorageGCS:
		app.logger.Info("using GCS storage backend", zap.String("bucket", cfg.GCSBucket))
		bs, err := gcsstorage.Open(ctx, gcsstorage.Config{Bucket: cfg.GCSBucket, CacheControl: cfg.CacheControl}, app.logger)
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		app.closers = append(app.closers, func(context.Context) error { return bs.Close() })
		return bs, nil
	case config.StorageLocal:
		app.logger.Info("using local storage backend", zap.String("path", cfg.LocalDir))
		bs, err := localstorage.New(localstorage.Config{BaseDir: cfg.LocalDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		return bs, nil
	default:
		app.logger.Info("using in-memory storage backend")
		return memorystorage.NewBlobStore(), nil
	}
}

func setupDatabase(ctx context.Context, app *App, opts Options) error {
	if opts.Statuses != nil {
		app.statuses = opts.Statuses
		return nil
	}
	db := app.cfg.DB
	if db.DSN == "" {
		app.logger.Warn("no DSN specified for database, keeping job status history in memory")
		app.statuses = memorystorage.NewStatusStore()
		return nil
	}
	pg, err := pgstore.NewStatusStore(ctx, pgstore.Config{
		DSN:             db.DSN,
		Table:           db.Table,
		MaxConns:        db.MaxConns,
		MinConns:        db.MinConns,
		MaxConnLifetime: db.MaxConnLifetime,
	})
	if err != nil {
		return fmt.Errorf("status store init failed: %w", err)
	}
	app.closers = append(app.closers, func(context.Context) error {
		pg.Close()
		return nil
	})
	app.statuses = pg
	app.logger.Info("status store initialized", zap.String("table", db.Table))
	return nil
}

func setupPublisher(ctx context.Context, app *App, opts Options) (crawler.Publisher, error) {
	if opts.Publisher != nil {
		return opts.Publisher, nil
	}
	ps := app.cfg.PubSub
	if ps.ProjectID == "" {
		app.logger.Info("no Pub/Sub project configured, notifications disabled")
		return nil, nil
	}
	pub, err := gcppublisher.Open(ctx, ps.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub publisher init failed: %w", err)
	}
	app.closers = append(app.closers, func(context.Context) error { return pub.Close() })
	app.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", ps.ProjectID),
		zap.String("status_topic", ps.StatusTopic),
		zap.String("mirror_topic", ps.MirrorTopic),
	)
	return pub, nil
}

func setupProgress(ctx context.Context, app *App, opts Options, publisher crawler.Publisher) error {
	promSink, err := progresssinks.NewPrometheusSink(opts.Registerer)
	if err != nil {
		return fmt.Errorf("progress metrics init failed: %w", err)
	}
	app.board = progresssinks.NewBoard()
	sinkList := []progress.Sink{
		progresssinks.NewLogSink(app.logger.Named("progress_log")),
		promSink,
		progresssinks.NewStoreSink(app.statuses, app.logger.Named("progress_store")),
	}
	if publisher != nil && app.cfg.PubSub.StatusTopic != "" {
		pubSink, err := progresssinks.NewPublisherSink(publisher, app.cfg.PubSub.StatusTopic, app.cfg.PubSub.TerminalOnly)
		if err != nil {
			return fmt.Errorf("progress publisher init failed: %w", err)
		}
		sinkList = append(sinkList, pubSink)
		app.logger.Debug("added progress publisher sink", zap.String("topic", app.cfg.PubSub.StatusTopic))
	}
	sinkList = append(sinkList, app.board)

	node := app.cfg.Node.Name
	if node == "" {
		node = "local"
	}
	p := app.cfg.Progress
	hubCfg := progress.Config{
		Node:           node,
		BufferSize:     p.BufferSize,
		MaxBatchEvents: p.MaxBatchEvents,
		MaxBatchWait:   p.MaxBatchWait,
		SinkTimeout:    p.SinkTimeout,
		Coalesce:       p.Coalesce,
		Clock:          app.clock,
		Logger:         app.logger.Named("progress_hub"),
	}
	app.hub = progress.NewHub(ctx, hubCfg, sinkList...)
	app.logger.Info("progress hub initialized",
		zap.Int("sinks", len(sinkList)),
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Int("max_batch_events", hubCfg.MaxBatchEvents),
		zap.Duration("max_batch_wait", hubCfg.MaxBatchWait),
	)
	return nil
}

func setupWorkerDeps(app *App, opts Options, blobStore crawler.BlobStore, publisher crawler.Publisher) worker.DownloadDeps {
	c := app.cfg.Crawler
	fetcher := opts.Fetcher
	if fetcher == nil {
		fetcher = collyfetcher.New(collyfetcher.Config{
			UserAgent:     c.UserAgent,
			RespectRobots: c.RespectRobots,
			Timeout:       c.FetchTimeout,
			MaxBodyBytes:  c.MaxBodyBytes,
		})
		app.logger.Info("using colly fetcher", zap.String("user_agent", c.UserAgent))
	}

	deps := worker.DownloadDeps{
		Fetcher: fetcher,
		Limiter: ratelimit.New(ratelimit.Config{DefaultRPS: c.RateLimitRPS, DefaultBurst: c.RateLimitBurst}),
		Logger:  app.logger.Named("download"),
	}
	app.logger.Info("rate limiter configured",
		zap.Float64("default_rps", c.RateLimitRPS),
		zap.Int("default_burst", c.RateLimitBurst),
	)

	if blobStore != nil {
		hasher := sha256.New()
		if app.cfg.Storage.HashLength > 0 {
			hasher = sha256.NewTruncated(app.cfg.Storage.HashLength)
		}
		var mirrorPublisher crawler.Publisher
		if app.cfg.PubSub.MirrorTopic != "" {
			mirrorPublisher = publisher
		}
		deps.Mirror = worker.NewBlobMirror(blobStore, hasher, mirrorPublisher, app.clock, worker.BlobMirrorConfig{
			Prefix: app.cfg.Storage.Prefix,
			Topic:  app.cfg.PubSub.MirrorTopic,
		})
	}
	return deps
}

func setupNodes(app *App, deps worker.DownloadDeps) error {
	base := app.cfg.Node.Name
	if base == "" {
		name, err := uuid.NewUUIDGenerator().NodeName("node")
		if err != nil {
			return fmt.Errorf("node name: %w", err)
		}
		base = name
	}
	count := app.cfg.Node.LocalNodes
	if count <= 0 {
		count = 1
	}

	entries := make([]actor.Ref, 0, count)
	for i := 0; i < count; i++ {
		name := base
		if count > 1 {
			name = fmt.Sprintf("%s-%d", base, i)
		}
		n, err := startNode(app, name, deps)
		if err != nil {
			return err
		}
		app.nodes = append(app.nodes, n)
		entries = append(entries, n.Jobs)
	}
	app.entry = actor.NewRoundRobin("jobs", entries)
	return nil
}

func startNode(app *App, name string, deps worker.DownloadDeps) (*Node, error) {
	logger := logging.ForNode(app.logger, name)
	sys := actor.NewSystem(name, logger)
	member := app.group.Member(name)

	leases, err := sys.Spawn(leaseRegistryName, lease.NewRegistry(lease.RegistryConfig{
		SearchTimeout:   app.cfg.Discovery.TrackerSearchTimeout,
		ProbeTimeout:    app.cfg.Discovery.ProbeTimeout,
		DefaultDuration: app.cfg.Lease.Duration,
	}, member, app.clock, logger.Named("lease")))
	if err != nil {
		return nil, fmt.Errorf("spawn lease registry on %s: %w", name, err)
	}

	deps.Logger = logger.Named("download")
	jobCfg := coordinator.JobConfig{
		TrackerTimeout:    app.cfg.Job.TrackerTimeout,
		StartPollInterval: app.cfg.Job.StartPollInterval,
		InactivityTimeout: app.cfg.Job.InactivityTimeout,
		Download: coordinator.DownloadConfig{
			DownloadWorkers: app.cfg.Crawler.DownloadWorkers,
			ParseWorkers:    app.cfg.Crawler.ParseWorkers,
			FlushInterval:   app.cfg.Job.StatsFlushInterval,
			Worker: worker.DownloadConfig{
				MaxConcurrent: app.cfg.Crawler.MaxConcurrentDownloads,
				UserAgent:     app.cfg.Crawler.UserAgent,
			},
		},
	}
	factory := func(job crawler.CrawlJob) actor.Actor {
		return coordinator.NewJob(job, jobCfg, coordinator.JobDeps{
			LeaseRegistry: leases,
			Clock:         app.clock,
			Worker:        deps,
			Logger:        logger.Named("job"),
		})
	}
	jobs, err := sys.Spawn(jobRegistryName, registry.New(registry.Config{
		SearchTimeout: app.cfg.Discovery.JobSearchTimeout,
	}, member, factory, logger.Named("registry")))
	if err != nil {
		return nil, fmt.Errorf("spawn job registry on %s: %w", name, err)
	}

	app.group.Join(name, cluster.RoleLeaseRegistry, leases)
	app.group.Join(name, cluster.RoleJobRegistry, jobs)
	logger.Info("node started")
	return &Node{Name: name, System: sys, Jobs: jobs, Leases: leases}, nil
}
