package coordinator

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/sitemirror/internal/actor"
	"github.com/JakeFAU/sitemirror/internal/clock/system"
	"github.com/JakeFAU/sitemirror/internal/crawler"
	"github.com/JakeFAU/sitemirror/internal/lease"
	"github.com/JakeFAU/sitemirror/internal/metrics"
	"github.com/JakeFAU/sitemirror/internal/worker"
)

// Job lifecycle defaults.
const (
	DefaultTrackerTimeout    = 5 * time.Second
	DefaultStartPollInterval = 20 * time.Millisecond
	DefaultInactivityTimeout = 120 * time.Second
)

// State is a job coordinator's lifecycle phase.
type State int

// Job coordinator states.
const (
	StateWaitingForLeaseTracker State = iota
	StateReady
	StateStarted
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateWaitingForLeaseTracker:
		return "WaitingForLeaseTracker"
	case StateReady:
		return "Ready"
	case StateStarted:
		return "Started"
	case StateTerminated:
		return "Terminated"
	default:
		return "Unknown"
	}
}

var transitions = map[State][]State{
	StateWaitingForLeaseTracker: {StateReady, StateTerminated},
	StateReady:                  {StateStarted, StateTerminated},
	StateStarted:                {StateTerminated},
	StateTerminated:             nil,
}

// CanTransition reports whether the state machine allows from -> to.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

type (
	trackerTimedOut   struct{}
	pollPoolSize      struct{}
	inactivityExpired struct{ generation uint64 }
)

// JobConfig tunes a job coordinator.
type JobConfig struct {
	TrackerTimeout    time.Duration
	StartPollInterval time.Duration
	InactivityTimeout time.Duration
	Download          DownloadConfig
}

func (c JobConfig) withDefaults() JobConfig {
	if c.TrackerTimeout <= 0 {
		c.TrackerTimeout = DefaultTrackerTimeout
	}
	if c.StartPollInterval <= 0 {
		c.StartPollInterval = DefaultStartPollInterval
	}
	if c.InactivityTimeout <= 0 {
		c.InactivityTimeout = DefaultInactivityTimeout
	}
	return c
}

// JobDeps are the collaborators of a job coordinator.
type JobDeps struct {
	LeaseRegistry actor.Ref
	Clock         crawler.Clock
	Worker        worker.DownloadDeps
	Logger        *zap.Logger
}

// Job drives one crawl job through WaitingForLeaseTracker, Ready, Started
// and Terminated, and publishes JobStatusUpdates to its subscribers.
type Job struct {
	job    crawler.CrawlJob
	cfg    JobConfig
	deps   JobDeps
	logger *zap.Logger

	state       State
	status      crawler.JobStatus
	stats       crawler.CrawlJobStats
	start       time.Time
	end         *time.Time
	subscribers map[string]actor.Ref

	tracker  actor.Ref
	download actor.Ref

	trackerTimer    actor.Cancellable
	poll            actor.Cancellable
	inactivity      actor.Cancellable
	inactivityEpoch uint64
}

// NewJob builds a coordinator for job.
func NewJob(job crawler.CrawlJob, cfg JobConfig, deps JobDeps) *Job {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Clock == nil {
		deps.Clock = system.New()
	}
	return &Job{
		job:         job,
		cfg:         cfg.withDefaults(),
		deps:        deps,
		logger:      logger.With(zap.String("job", job.Key())),
		state:       StateWaitingForLeaseTracker,
		status:      crawler.StatusStarting,
		stats:       crawler.NewStats(job),
		subscribers: make(map[string]actor.Ref),
	}
}

// PreStart requests the job's lease tracker.
func (j *Job) PreStart(ctx *actor.Context) {
	j.start = j.deps.Clock.Now()
	j.trackerTimer = ctx.ScheduleOnce(j.cfg.TrackerTimeout, trackerTimedOut{})
	if j.deps.LeaseRegistry == nil || !j.deps.LeaseRegistry.Tell(lease.RequestTracker{Job: j.job, ReplyTo: ctx.Self()}) {
		j.logger.Error("lease registry unreachable")
	}
}

// PostStop cancels every pending timer.
func (j *Job) PostStop(*actor.Context) {
	j.cancelTimers()
}

// Receive implements actor.Actor.
func (j *Job) Receive(ctx *actor.Context, msg any) {
	if m, ok := msg.(crawler.GetJobStatus); ok {
		if m.ReplyTo != nil {
			m.ReplyTo.Tell(j.snapshot())
		}
		return
	}
	switch j.state {
	case StateWaitingForLeaseTracker:
		j.waitingForTracker(ctx, msg)
	case StateReady:
		j.ready(ctx, msg)
	case StateStarted:
		j.started(ctx, msg)
	case StateTerminated:
	}
}

func (j *Job) waitingForTracker(ctx *actor.Context, msg any) {
	switch m := msg.(type) {
	case lease.TrackerFound:
		if !m.Job.Equal(j.job) || m.Tracker == nil {
			return
		}
		j.trackerTimer.Cancel()
		j.tracker = m.Tracker
		download, err := ctx.Spawn("download", NewDownload(j.job, m.Tracker, j.cfg.Download, j.deps.Worker))
		if err != nil {
			j.logger.Error("spawn download coordinator", zap.Error(err))
			j.terminate(ctx, crawler.StatusFailed)
			return
		}
		j.download = download
		if !j.transition(StateReady) {
			return
		}
		j.logger.Info("lease tracker acquired", zap.String("tracker", m.Tracker.Path()))
		ctx.UnstashAll()
	case trackerTimedOut:
		j.logger.Warn("timed out waiting for lease tracker", zap.Duration("timeout", j.cfg.TrackerTimeout))
		j.terminate(ctx, crawler.StatusFailed)
	default:
		ctx.Stash(msg)
	}
}

func (j *Job) ready(ctx *actor.Context, msg any) {
	switch m := msg.(type) {
	case crawler.StartJob:
		j.subscribe(m.Requestor)
		if j.poll == nil {
			j.poll = ctx.ScheduleRepeatedly(0, j.cfg.StartPollInterval, pollPoolSize{})
		}
	case pollPoolSize:
		j.download.Tell(GetPoolSize{ReplyTo: ctx.Self()})
	case PoolSize:
		if m.Download < 1 || j.poll == nil {
			return
		}
		j.poll.Cancel()
		j.poll = nil
		j.download.Tell(crawler.CheckDocuments{Documents: []crawler.CrawlDocument{j.job.RootDocument()}})
		if !j.transition(StateStarted) {
			return
		}
		j.status = crawler.StatusRunning
		j.logger.Info("crawl started", zap.Int("download_workers", m.Download))
		j.publish()
		j.armInactivity(ctx)
	case crawler.SubscribeToJob:
		j.subscribe(m.Subscriber)
	case crawler.UnsubscribeFromJob:
		j.unsubscribe(m.Subscriber)
	case crawler.StopJob:
		j.subscribe(m.Requestor)
		j.terminate(ctx, crawler.StatusStopped)
	case crawler.CrawlJobStats:
		j.stats = j.stats.Merge(m)
	default:
		j.logger.Debug("unhandled message", zap.Stringer("state", j.state), zap.String("type", fmt.Sprintf("%T", msg)))
	}
}

func (j *Job) started(ctx *actor.Context, msg any) {
	switch m := msg.(type) {
	case crawler.CrawlJobStats:
		j.stats = j.stats.Merge(m)
		j.publish()
		j.armInactivity(ctx)
	case inactivityExpired:
		if m.generation != j.inactivityEpoch {
			return
		}
		j.logger.Info("no activity, finishing crawl", zap.Duration("timeout", j.cfg.InactivityTimeout))
		j.terminate(ctx, crawler.StatusFinished)
	case crawler.StartJob:
		j.subscribe(m.Requestor)
	case crawler.SubscribeToJob:
		j.subscribe(m.Subscriber)
	case crawler.UnsubscribeFromJob:
		j.unsubscribe(m.Subscriber)
	case crawler.StopJob:
		j.subscribe(m.Requestor)
		j.terminate(ctx, crawler.StatusStopped)
	case pollPoolSize, PoolSize:
	default:
		j.logger.Debug("unhandled message", zap.Stringer("state", j.state), zap.String("type", fmt.Sprintf("%T", msg)))
	}
}

func (j *Job) transition(to State) bool {
	if !CanTransition(j.state, to) {
		j.logger.Error("illegal state transition", zap.Stringer("from", j.state), zap.Stringer("to", to))
		return false
	}
	j.logger.Debug("state transition", zap.Stringer("from", j.state), zap.Stringer("to", to))
	j.state = to
	return true
}

func (j *Job) terminate(ctx *actor.Context, status crawler.JobStatus) {
	if !j.transition(StateTerminated) {
		return
	}
	j.cancelTimers()
	// requests deferred while waiting for the tracker still hear how it ended
	for {
		msg, ok := ctx.UnstashOne()
		if !ok {
			break
		}
		switch m := msg.(type) {
		case crawler.StartJob:
			j.subscribe(m.Requestor)
		case crawler.SubscribeToJob:
			j.subscribe(m.Subscriber)
		case crawler.StopJob:
			j.subscribe(m.Requestor)
		}
	}
	end := j.deps.Clock.Now()
	j.end = &end
	j.status = status
	j.publish()
	metrics.ObserveJob(string(status))
	j.logger.Info("crawl terminated",
		zap.String("status", string(status)),
		zap.Int64("discovered", j.stats.TotalDiscovered()),
		zap.Int64("downloaded", j.stats.TotalDownloaded()),
		zap.Int64("bytes", j.stats.TotalBytes()),
	)
	if j.tracker != nil {
		j.tracker.Tell(actor.PoisonPill{})
	}
	ctx.Stop()
}

func (j *Job) armInactivity(ctx *actor.Context) {
	if j.inactivity != nil {
		j.inactivity.Cancel()
	}
	j.inactivityEpoch++
	j.inactivity = ctx.ScheduleOnce(j.cfg.InactivityTimeout, inactivityExpired{generation: j.inactivityEpoch})
}

func (j *Job) cancelTimers() {
	for _, c := range []actor.Cancellable{j.trackerTimer, j.poll, j.inactivity} {
		if c != nil {
			c.Cancel()
		}
	}
	j.poll = nil
}

func (j *Job) subscribe(ref actor.Ref) {
	if ref == nil {
		return
	}
	if _, ok := j.subscribers[ref.Path()]; ok {
		return
	}
	j.subscribers[ref.Path()] = ref
	ref.Tell(j.snapshot())
}

func (j *Job) unsubscribe(ref actor.Ref) {
	if ref == nil {
		return
	}
	delete(j.subscribers, ref.Path())
}

func (j *Job) snapshot() crawler.JobStatusUpdate {
	return crawler.NewJobStatusUpdate(j.stats, j.status, j.start, j.end, j.deps.Clock.Now())
}

func (j *Job) publish() {
	update := j.snapshot()
	for path, sub := range j.subscribers {
		if !sub.Tell(update) {
			delete(j.subscribers, path)
		}
	}
}
