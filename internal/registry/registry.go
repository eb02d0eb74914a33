// Package registry implements the job registry: the per-node entry point
// that makes sure each crawl job runs under a single coordinator across the
// cluster.
package registry

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/sitemirror/internal/actor"
	"github.com/JakeFAU/sitemirror/internal/cluster"
	"github.com/JakeFAU/sitemirror/internal/crawler"
	"github.com/JakeFAU/sitemirror/internal/fanout"
	"github.com/JakeFAU/sitemirror/internal/metrics"
)

const (
	// DefaultSearchTimeout bounds the cluster-wide search for a running job.
	DefaultSearchTimeout = 3 * time.Second

	registryLabel = "job"
)

// FindRunningJob is the registry-to-registry lookup.
type FindRunningJob struct {
	Job     crawler.CrawlJob
	ReplyTo actor.Ref
}

// JobFound answers FindRunningJob positively. Registries also announce it to
// their peers after spawning a coordinator.
type JobFound struct {
	Job         crawler.CrawlJob
	Coordinator actor.Ref
}

// JobNotFound answers FindRunningJob when the peer does not run Job.
type JobNotFound struct {
	Job crawler.CrawlJob
}

// ListJobs asks a registry for the jobs its node runs.
type ListJobs struct {
	ReplyTo actor.Ref
}

// JobList answers ListJobs.
type JobList struct {
	Jobs []crawler.CrawlJob
}

// relayed wraps a command forwarded by a peer that did not run the job
// itself. Relayed commands are never relayed again.
type relayed struct {
	Command any
}

type jobSearched struct {
	start       crawler.StartJob
	coordinator actor.Ref
	found       bool
}

// Factory builds the coordinator actor of a job.
type Factory func(job crawler.CrawlJob) actor.Actor

// Config tunes the job registry.
type Config struct {
	SearchTimeout time.Duration
}

// JobRegistry starts jobs, deduplicating them across the cluster with a
// fan-out search. Only one search runs at a time; StartJob requests that
// arrive meanwhile wait in the stash.
type JobRegistry struct {
	cfg        Config
	membership cluster.Membership
	factory    Factory
	logger     *zap.Logger

	searching bool
	jobs      map[actor.Ref]crawler.CrawlJob
	remote    map[string]actor.Ref
}

// New builds a job registry. A nil membership means no peers.
func New(cfg Config, membership cluster.Membership, factory Factory, logger *zap.Logger) *JobRegistry {
	if cfg.SearchTimeout <= 0 {
		cfg.SearchTimeout = DefaultSearchTimeout
	}
	if membership == nil {
		membership = cluster.Standalone{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &JobRegistry{
		cfg:        cfg,
		membership: membership,
		factory:    factory,
		logger:     logger,
		jobs:       make(map[actor.Ref]crawler.CrawlJob),
		remote:     make(map[string]actor.Ref),
	}
}

// Receive implements actor.Actor.
func (r *JobRegistry) Receive(ctx *actor.Context, msg any) {
	switch m := msg.(type) {
	case crawler.StartJob:
		r.startJob(ctx, m)
	case jobSearched:
		r.searched(ctx, m)
	case FindRunningJob:
		r.answerPeer(ctx, m)
	case JobFound:
		if m.Coordinator != nil {
			r.remote[m.Job.Key()] = m.Coordinator
		}
	case crawler.StopJob:
		r.route(ctx, m.Job, m)
	case crawler.SubscribeToJob:
		r.route(ctx, m.Job, m)
	case crawler.UnsubscribeFromJob:
		r.route(ctx, m.Job, m)
	case relayed:
		r.relayedCommand(ctx, m)
	case ListJobs:
		if m.ReplyTo != nil {
			m.ReplyTo.Tell(JobList{Jobs: r.localJobs(ctx)})
		}
	case actor.Terminated:
		r.coordinatorStopped(m)
	default:
		r.logger.Debug("unhandled message", zap.String("type", fmt.Sprintf("%T", msg)))
	}
}

func (r *JobRegistry) startJob(ctx *actor.Context, m crawler.StartJob) {
	if r.searching {
		ctx.Stash(m)
		return
	}
	if local, ok := ctx.Child(m.Job.ActorName()); ok {
		metrics.ObserveDiscovery(registryLabel, "local")
		local.Tell(m)
		return
	}

	r.searching = true
	peers := r.membership.Peers(cluster.RoleJobRegistry)
	timeout := r.cfg.SearchTimeout
	job := m.Job
	r.logger.Debug("searching for running job", zap.String("job", job.Key()), zap.Int("peers", len(peers)))
	ctx.Pipe(func(c context.Context) any {
		res := fanout.Search(c, peers, timeout,
			func(replyTo actor.Ref) any { return FindRunningJob{Job: job, ReplyTo: replyTo} },
			func(reply any) (actor.Ref, fanout.Verdict) {
				switch v := reply.(type) {
				case JobFound:
					if v.Job.Equal(job) && v.Coordinator != nil {
						return v.Coordinator, fanout.Positive
					}
				case JobNotFound:
					if v.Job.Equal(job) {
						return nil, fanout.Negative
					}
				}
				return nil, fanout.Ignore
			})
		return jobSearched{start: m, coordinator: res.Value, found: res.Found}
	})
}

func (r *JobRegistry) searched(ctx *actor.Context, m jobSearched) {
	r.searching = false
	defer ctx.UnstashAll()

	job := m.start.Job
	if m.found {
		metrics.ObserveDiscovery(registryLabel, "found")
		r.remote[job.Key()] = m.coordinator
		r.logger.Info("job already running on a peer",
			zap.String("job", job.Key()),
			zap.String("coordinator", m.coordinator.Path()),
		)
		if m.start.Requestor != nil {
			m.coordinator.Tell(crawler.SubscribeToJob{Job: job, Subscriber: m.start.Requestor})
		}
		return
	}

	if local, ok := ctx.Child(job.ActorName()); ok {
		local.Tell(m.start)
		return
	}
	coordinator, err := ctx.Spawn(job.ActorName(), r.factory(job))
	if err != nil {
		r.logger.Error("spawn job coordinator", zap.String("job", job.Key()), zap.Error(err))
		return
	}
	metrics.ObserveDiscovery(registryLabel, "created")
	r.jobs[coordinator] = job
	delete(r.remote, job.Key())
	r.logger.Info("job coordinator created", zap.String("job", job.Key()), zap.String("coordinator", coordinator.Path()))
	coordinator.Tell(m.start)
	for _, peer := range r.membership.Peers(cluster.RoleJobRegistry) {
		peer.Tell(JobFound{Job: job, Coordinator: coordinator})
	}
}

func (r *JobRegistry) answerPeer(ctx *actor.Context, m FindRunningJob) {
	if m.ReplyTo == nil {
		return
	}
	if local, ok := ctx.Child(m.Job.ActorName()); ok {
		m.ReplyTo.Tell(JobFound{Job: m.Job, Coordinator: local})
		return
	}
	m.ReplyTo.Tell(JobNotFound{Job: m.Job})
}

// route delivers a job command to the local coordinator, then to a known
// remote coordinator, and finally to every peer.
func (r *JobRegistry) route(ctx *actor.Context, job crawler.CrawlJob, cmd any) {
	if local, ok := ctx.Child(job.ActorName()); ok {
		local.Tell(cmd)
		return
	}
	if remote, ok := r.remote[job.Key()]; ok {
		if remote.Tell(cmd) {
			return
		}
		delete(r.remote, job.Key())
	}
	peers := r.membership.Peers(cluster.RoleJobRegistry)
	if len(peers) == 0 {
		r.logger.Debug("command for unknown job dropped", zap.String("job", job.Key()), zap.String("type", fmt.Sprintf("%T", cmd)))
		return
	}
	for _, peer := range peers {
		peer.Tell(relayed{Command: cmd})
	}
}

func (r *JobRegistry) relayedCommand(ctx *actor.Context, m relayed) {
	switch cmd := m.Command.(type) {
	case crawler.StopJob:
		r.routeLocal(ctx, cmd.Job, cmd)
	case crawler.SubscribeToJob:
		r.routeLocal(ctx, cmd.Job, cmd)
	case crawler.UnsubscribeFromJob:
		r.routeLocal(ctx, cmd.Job, cmd)
	}
}

func (r *JobRegistry) routeLocal(ctx *actor.Context, job crawler.CrawlJob, cmd any) {
	if local, ok := ctx.Child(job.ActorName()); ok {
		local.Tell(cmd)
	}
}

func (r *JobRegistry) localJobs(ctx *actor.Context) []crawler.CrawlJob {
	children := ctx.Children()
	out := make([]crawler.CrawlJob, 0, len(children))
	for _, child := range children {
		if job, ok := r.jobs[child]; ok {
			out = append(out, job)
		}
	}
	return out
}

func (r *JobRegistry) coordinatorStopped(m actor.Terminated) {
	job, ok := r.jobs[m.Ref]
	if !ok {
		return
	}
	delete(r.jobs, m.Ref)
	r.logger.Info("job coordinator stopped", zap.String("job", job.Key()))
}
