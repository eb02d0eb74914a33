package lease

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/sitemirror/internal/actor"
	"github.com/JakeFAU/sitemirror/internal/cluster"
	"github.com/JakeFAU/sitemirror/internal/crawler"
	"github.com/JakeFAU/sitemirror/internal/fanout"
	"github.com/JakeFAU/sitemirror/internal/metrics"
)

const registryLabel = "lease"

// RegistryConfig tunes tracker discovery.
type RegistryConfig struct {
	SearchTimeout   time.Duration
	ProbeTimeout    time.Duration
	DefaultDuration time.Duration
}

func (c RegistryConfig) withDefaults() RegistryConfig {
	if c.SearchTimeout <= 0 {
		c.SearchTimeout = 1500 * time.Millisecond
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 1500 * time.Millisecond
	}
	if c.DefaultDuration <= 0 {
		c.DefaultDuration = DefaultLeaseDuration
	}
	return c
}

type searchResult struct {
	job     crawler.CrawlJob
	tracker actor.Ref
	found   bool
}

type probeResult struct {
	job     crawler.CrawlJob
	tracker actor.Ref
	alive   bool
}

// Registry finds or creates the single tracker of each job. Cached tracker
// references are probed before being handed out; requests for a job already
// being resolved wait for that resolution.
type Registry struct {
	cfg        RegistryConfig
	membership cluster.Membership
	clock      crawler.Clock
	logger     *zap.Logger

	trackers map[string]actor.Ref
	waiters  map[string][]actor.Ref
}

// NewRegistry builds a registry. A nil membership means no peers.
func NewRegistry(cfg RegistryConfig, membership cluster.Membership, clock crawler.Clock, logger *zap.Logger) *Registry {
	if membership == nil {
		membership = cluster.Standalone{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		cfg:        cfg.withDefaults(),
		membership: membership,
		clock:      clock,
		logger:     logger,
		trackers:   make(map[string]actor.Ref),
		waiters:    make(map[string][]actor.Ref),
	}
}

// Receive implements actor.Actor.
func (r *Registry) Receive(ctx *actor.Context, msg any) {
	switch m := msg.(type) {
	case RequestTracker:
		r.request(ctx, m)
	case FindTracker:
		r.answerPeer(ctx, m)
	case TrackerFound:
		r.learn(m)
	case searchResult:
		r.searched(ctx, m)
	case probeResult:
		r.probed(ctx, m)
	case actor.Terminated:
		r.evict(m.Ref)
	}
}

func (r *Registry) request(ctx *actor.Context, m RequestTracker) {
	key := m.Job.Key()
	if waiting, ok := r.waiters[key]; ok {
		r.waiters[key] = append(waiting, m.ReplyTo)
		return
	}
	r.waiters[key] = []actor.Ref{m.ReplyTo}

	if cached, ok := r.trackers[key]; ok {
		job, timeout := m.Job, r.cfg.ProbeTimeout
		ctx.Pipe(func(c context.Context) any {
			return probeResult{job: job, tracker: cached, alive: actor.Probe(c, cached, timeout)}
		})
		return
	}
	r.search(ctx, m.Job)
}

func (r *Registry) search(ctx *actor.Context, job crawler.CrawlJob) {
	if local, ok := ctx.Child(job.ActorName()); ok {
		metrics.ObserveDiscovery(registryLabel, "local")
		r.resolve(job, local)
		return
	}
	peers := r.membership.Peers(cluster.RoleLeaseRegistry)
	timeout := r.cfg.SearchTimeout
	ctx.Pipe(func(c context.Context) any {
		res := fanout.Search(c, peers, timeout,
			func(replyTo actor.Ref) any { return FindTracker{Job: job, ReplyTo: replyTo} },
			func(reply any) (actor.Ref, fanout.Verdict) {
				switch v := reply.(type) {
				case TrackerFound:
					if v.Job.Equal(job) && v.Tracker != nil {
						return v.Tracker, fanout.Positive
					}
				case TrackerNotFound:
					if v.Job.Equal(job) {
						return nil, fanout.Negative
					}
				}
				return nil, fanout.Ignore
			})
		return searchResult{job: job, tracker: res.Value, found: res.Found}
	})
}

func (r *Registry) searched(ctx *actor.Context, m searchResult) {
	if m.found {
		metrics.ObserveDiscovery(registryLabel, "found")
		r.resolve(m.job, m.tracker)
		return
	}
	tracker, ok := ctx.Child(m.job.ActorName())
	if !ok {
		created, err := ctx.Spawn(m.job.ActorName(), NewTracker(m.job, r.cfg.DefaultDuration, r.clock, r.logger))
		if err != nil {
			r.logger.Error("spawn lease tracker", zap.String("job", m.job.Key()), zap.Error(err))
			delete(r.waiters, m.job.Key())
			return
		}
		tracker = created
		for _, peer := range r.membership.Peers(cluster.RoleLeaseRegistry) {
			peer.Tell(TrackerFound{Job: m.job, Tracker: tracker})
		}
	}
	metrics.ObserveDiscovery(registryLabel, "created")
	r.logger.Info("lease tracker created", zap.String("job", m.job.Key()), zap.String("tracker", tracker.Path()))
	r.resolve(m.job, tracker)
}

func (r *Registry) probed(ctx *actor.Context, m probeResult) {
	if m.alive {
		r.resolve(m.job, m.tracker)
		return
	}
	metrics.ObserveDiscovery(registryLabel, "probe_failed")
	r.logger.Info("cached lease tracker unreachable",
		zap.String("job", m.job.Key()),
		zap.String("tracker", m.tracker.Path()),
	)
	if cur, ok := r.trackers[m.job.Key()]; ok && cur == m.tracker {
		delete(r.trackers, m.job.Key())
	}
	r.search(ctx, m.job)
}

func (r *Registry) resolve(job crawler.CrawlJob, tracker actor.Ref) {
	key := job.Key()
	r.trackers[key] = tracker
	for _, waiter := range r.waiters[key] {
		if waiter != nil {
			waiter.Tell(TrackerFound{Job: job, Tracker: tracker})
		}
	}
	delete(r.waiters, key)
}

func (r *Registry) answerPeer(ctx *actor.Context, m FindTracker) {
	if m.ReplyTo == nil {
		return
	}
	if local, ok := ctx.Child(m.Job.ActorName()); ok {
		m.ReplyTo.Tell(TrackerFound{Job: m.Job, Tracker: local})
		return
	}
	m.ReplyTo.Tell(TrackerNotFound{Job: m.Job})
}

func (r *Registry) learn(m TrackerFound) {
	if m.Tracker == nil {
		return
	}
	if _, resolving := r.waiters[m.Job.Key()]; resolving {
		return
	}
	r.trackers[m.Job.Key()] = m.Tracker
}

func (r *Registry) evict(ref actor.Ref) {
	for key, tracker := range r.trackers {
		if tracker == ref {
			delete(r.trackers, key)
		}
	}
}
