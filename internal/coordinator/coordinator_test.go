package coordinator

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/sitemirror/internal/actor"
	"github.com/JakeFAU/sitemirror/internal/crawler"
	"github.com/JakeFAU/sitemirror/internal/lease"
	"github.com/JakeFAU/sitemirror/internal/worker"
)

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

func newSystem(t *testing.T, name string) *actor.System {
	t.Helper()
	sys := actor.NewSystem(name, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = sys.Shutdown(ctx)
	})
	return sys
}

func testJob(t *testing.T) crawler.CrawlJob {
	t.Helper()
	job, err := crawler.NewCrawlJob("https://example.com", false)
	require.NoError(t, err)
	return job
}

// expect returns the next message of type T, skipping others.
func expect[T any](t *testing.T, replies <-chan any) T {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case msg := <-replies:
			if typed, ok := msg.(T); ok {
				return typed
			}
		case <-deadline:
			var zero T
			t.Fatalf("timed out waiting for %T", zero)
			return zero
		}
	}
}

type siteFetcher struct {
	mu    sync.Mutex
	pages map[string]string
	hits  map[string]int
}

func newSiteFetcher(pages map[string]string) *siteFetcher {
	return &siteFetcher{pages: pages, hits: make(map[string]int)}
}

func (f *siteFetcher) Fetch(_ context.Context, req crawler.FetchRequest) (crawler.FetchResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hits[req.URL]++
	body, ok := f.pages[req.URL]
	if !ok {
		return crawler.FetchResponse{URL: req.URL, StatusCode: http.StatusNotFound}, nil
	}
	return crawler.FetchResponse{URL: req.URL, StatusCode: http.StatusOK, Body: []byte(body)}, nil
}

func (f *siteFetcher) hitCounts() map[string]int {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]int, len(f.hits))
	for k, v := range f.hits {
		out[k] = v
	}
	return out
}

type parentStub struct {
	child    actor.Actor
	children chan actor.Ref
	inbox    chan any
}

func (p *parentStub) PreStart(ctx *actor.Context) {
	ref, err := ctx.Spawn("child", p.child)
	if err != nil {
		close(p.children)
		return
	}
	p.children <- ref
}

func (p *parentStub) Receive(_ *actor.Context, msg any) { p.inbox <- msg }

func spawnUnderStub(t *testing.T, sys *actor.System, child actor.Actor) (actor.Ref, chan any) {
	t.Helper()
	stub := &parentStub{child: child, children: make(chan actor.Ref, 1), inbox: make(chan any, 1024)}
	_, err := sys.Spawn("parent", stub)
	require.NoError(t, err)
	select {
	case ref, ok := <-stub.children:
		require.True(t, ok)
		return ref, stub.inbox
	case <-time.After(2 * time.Second):
		t.Fatal("child not spawned")
		return nil, nil
	}
}

func TestTransitionTable(t *testing.T) {
	t.Parallel()

	require.True(t, CanTransition(StateWaitingForLeaseTracker, StateReady))
	require.True(t, CanTransition(StateWaitingForLeaseTracker, StateTerminated))
	require.True(t, CanTransition(StateReady, StateStarted))
	require.True(t, CanTransition(StateStarted, StateTerminated))
	require.False(t, CanTransition(StateWaitingForLeaseTracker, StateStarted))
	require.False(t, CanTransition(StateStarted, StateReady))
	for _, to := range []State{StateWaitingForLeaseTracker, StateReady, StateStarted, StateTerminated} {
		require.False(t, CanTransition(StateTerminated, to))
	}
	require.Equal(t, "WaitingForLeaseTracker", StateWaitingForLeaseTracker.String())
}

func TestDownloadRelaysAndFlushes(t *testing.T) {
	t.Parallel()

	sys := newSystem(t, "download")
	tracker := actor.NewReplyRef(64)
	job := testJob(t)
	fetcher := newSiteFetcher(map[string]string{"https://example.com/a": "<p>leaf</p>"})
	d, inbox := spawnUnderStub(t, sys, NewDownload(job, tracker, DownloadConfig{
		DownloadWorkers: 2,
		ParseWorkers:    1,
		FlushInterval:   20 * time.Millisecond,
	}, worker.DownloadDeps{Fetcher: fetcher}))

	require.Eventually(t, func() bool {
		msg, err := actor.Ask(t.Context(), d, time.Second, func(replyTo actor.Ref) any { return GetPoolSize{ReplyTo: replyTo} })
		if err != nil {
			return false
		}
		size, _ := msg.(PoolSize)
		return size.Download == 2 && size.Parse == 1
	}, 2*time.Second, 10*time.Millisecond)

	doc := crawler.CrawlDocument{URI: "https://example.com/a"}
	d.Tell(crawler.CheckDocuments{Documents: []crawler.CrawlDocument{doc}})
	relayed := expect[crawler.CheckDocuments](t, tracker.Replies())
	require.Equal(t, d.Path(), relayed.ReplyTo.Path())
	require.Equal(t, d.Path()+"/downloads", relayed.Requestor.Path())

	d.Tell(crawler.DiscoveredDocuments{Documents: []crawler.CrawlDocument{doc}})
	d.Tell(crawler.ProcessDocuments{Documents: []crawler.CrawlDocument{doc}})
	completed := expect[crawler.CompletedDocument](t, tracker.Replies())
	require.Equal(t, doc.URI, completed.Document.URI)
	require.Equal(t, int64(len("<p>leaf</p>")), completed.ByteCount)

	total := crawler.NewStats(job)
	require.Eventually(t, func() bool {
		select {
		case msg := <-inbox:
			if stats, ok := msg.(crawler.CrawlJobStats); ok {
				total = total.Merge(stats)
			}
		default:
		}
		return total.HTMLDiscovered == 1 && total.HTMLDownloaded == 1
	}, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, int64(len("<p>leaf</p>")), total.HTMLBytes)

	// nothing new happened, so nothing is flushed
	require.Never(t, func() bool {
		select {
		case msg := <-inbox:
			_, ok := msg.(crawler.CrawlJobStats)
			return ok
		default:
			return false
		}
	}, 100*time.Millisecond, 10*time.Millisecond)
}

func fastJobConfig() JobConfig {
	return JobConfig{
		TrackerTimeout:    2 * time.Second,
		StartPollInterval: 5 * time.Millisecond,
		InactivityTimeout: 150 * time.Millisecond,
		Download: DownloadConfig{
			DownloadWorkers: 2,
			ParseWorkers:    2,
			FlushInterval:   20 * time.Millisecond,
		},
	}
}

func spawnLeaseRegistry(t *testing.T, sys *actor.System) actor.Ref {
	t.Helper()
	ref, err := sys.Spawn("lease-registry", lease.NewRegistry(lease.RegistryConfig{
		SearchTimeout: 10 * time.Millisecond,
		ProbeTimeout:  100 * time.Millisecond,
	}, nil, wallClock{}, nil))
	require.NoError(t, err)
	return ref
}

func collectUntilTerminal(t *testing.T, sub *actor.ReplyRef) []crawler.JobStatusUpdate {
	t.Helper()
	var updates []crawler.JobStatusUpdate
	for {
		update := expect[crawler.JobStatusUpdate](t, sub.Replies())
		updates = append(updates, update)
		if update.Status.Terminal() {
			return updates
		}
	}
}

func TestJobCrawlsSiteAndFinishesWhenIdle(t *testing.T) {
	t.Parallel()

	sys := newSystem(t, "scenario-d")
	registry := spawnLeaseRegistry(t, sys)
	fetcher := newSiteFetcher(map[string]string{
		"https://example.com/":  `<a href="/a">a</a><a href="/b">b</a><a href="https://other.org/">x</a>`,
		"https://example.com/a": `<a href="/">home</a><a href="/b">b</a>`,
		"https://example.com/b": `<p>leaf</p>`,
	})
	job := testJob(t)
	coord, err := sys.Spawn("job", NewJob(job, fastJobConfig(), JobDeps{
		LeaseRegistry: registry,
		Clock:         wallClock{},
		Worker:        worker.DownloadDeps{Fetcher: fetcher},
	}))
	require.NoError(t, err)

	sub := actor.NewReplyRef(256)
	coord.Tell(crawler.StartJob{Job: job, Requestor: sub})

	updates := collectUntilTerminal(t, sub)
	final := updates[len(updates)-1]
	require.Equal(t, crawler.StatusFinished, final.Status)
	require.NotNil(t, final.EndTime)
	require.Equal(t, int64(3), final.Stats.HTMLDiscovered)
	require.Equal(t, int64(3), final.Stats.HTMLDownloaded)
	require.Zero(t, final.Stats.ImagesDiscovered)

	var sawRunning bool
	for _, u := range updates[:len(updates)-1] {
		require.False(t, u.Status.Terminal())
		sawRunning = sawRunning || u.Status == crawler.StatusRunning
	}
	require.True(t, sawRunning)

	// exactly one final status
	require.Never(t, func() bool { return len(sub.Replies()) > 0 }, 200*time.Millisecond, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		return !actor.Probe(t.Context(), coord, 20*time.Millisecond)
	}, time.Second, 10*time.Millisecond)

	for uri, hits := range fetcher.hitCounts() {
		require.Equalf(t, 1, hits, "%s fetched more than once", uri)
	}
}

func TestJobFailsWithoutTracker(t *testing.T) {
	t.Parallel()

	sys := newSystem(t, "no-tracker")
	silent := actor.NewReplyRef(8)
	cfg := fastJobConfig()
	cfg.TrackerTimeout = 50 * time.Millisecond
	job := testJob(t)
	coord, err := sys.Spawn("job", NewJob(job, cfg, JobDeps{LeaseRegistry: silent, Clock: wallClock{}}))
	require.NoError(t, err)

	sub := actor.NewReplyRef(16)
	coord.Tell(crawler.StartJob{Job: job, Requestor: sub})

	updates := collectUntilTerminal(t, sub)
	require.Equal(t, crawler.StatusFailed, updates[len(updates)-1].Status)
	request := expect[lease.RequestTracker](t, silent.Replies())
	require.True(t, request.Job.Equal(job))
}

func TestJobStopAndStatusQuery(t *testing.T) {
	t.Parallel()

	sys := newSystem(t, "stop")
	registry := spawnLeaseRegistry(t, sys)
	cfg := fastJobConfig()
	cfg.InactivityTimeout = time.Minute
	job := testJob(t)
	fetcher := newSiteFetcher(map[string]string{"https://example.com/": "<p>root</p>"})
	coord, err := sys.Spawn("job", NewJob(job, cfg, JobDeps{
		LeaseRegistry: registry,
		Clock:         wallClock{},
		Worker:        worker.DownloadDeps{Fetcher: fetcher},
	}))
	require.NoError(t, err)

	sub := actor.NewReplyRef(256)
	coord.Tell(crawler.StartJob{Job: job, Requestor: sub})
	require.Eventually(t, func() bool {
		msg, err := actor.Ask(t.Context(), coord, time.Second, func(replyTo actor.Ref) any {
			return crawler.GetJobStatus{ReplyTo: replyTo}
		})
		if err != nil {
			return false
		}
		status, _ := msg.(crawler.JobStatusUpdate)
		return status.Status == crawler.StatusRunning && status.Stats.HTMLDownloaded == 1
	}, 2*time.Second, 10*time.Millisecond)

	late := actor.NewReplyRef(16)
	coord.Tell(crawler.SubscribeToJob{Job: job, Subscriber: late})
	gone := actor.NewReplyRef(16)
	coord.Tell(crawler.SubscribeToJob{Job: job, Subscriber: gone})
	coord.Tell(crawler.UnsubscribeFromJob{Job: job, Subscriber: gone})
	coord.Tell(crawler.StopJob{Job: job})

	final := collectUntilTerminal(t, sub)
	require.Equal(t, crawler.StatusStopped, final[len(final)-1].Status)
	lateUpdates := collectUntilTerminal(t, late)
	require.Equal(t, crawler.StatusStopped, lateUpdates[len(lateUpdates)-1].Status)

	// the unsubscribed ref only saw the snapshot sent when it subscribed
	first := expect[crawler.JobStatusUpdate](t, gone.Replies())
	require.Equal(t, crawler.StatusRunning, first.Status)
	require.Len(t, gone.Replies(), 0)
}

func TestJobReleasesTrackerOnTermination(t *testing.T) {
	t.Parallel()

	sys := newSystem(t, "release")
	registry := spawnLeaseRegistry(t, sys)
	cfg := fastJobConfig()
	cfg.InactivityTimeout = 50 * time.Millisecond
	job := testJob(t)
	fetcher := newSiteFetcher(nil)
	coord, err := sys.Spawn("job", NewJob(job, cfg, JobDeps{
		LeaseRegistry: registry,
		Clock:         wallClock{},
		Worker:        worker.DownloadDeps{Fetcher: fetcher},
	}))
	require.NoError(t, err)

	sub := actor.NewReplyRef(64)
	coord.Tell(crawler.StartJob{Job: job, Requestor: sub})
	updates := collectUntilTerminal(t, sub)
	require.Equal(t, crawler.StatusFinished, updates[len(updates)-1].Status)

	// a fresh tracker is handed out for the same job afterwards
	require.Eventually(t, func() bool {
		reply, err := actor.Ask(t.Context(), registry, time.Second, func(replyTo actor.Ref) any {
			return lease.RequestTracker{Job: job, ReplyTo: replyTo}
		})
		if err != nil {
			return false
		}
		found, ok := reply.(lease.TrackerFound)
		if !ok {
			return false
		}
		msg, err := actor.Ask(t.Context(), found.Tracker, 100*time.Millisecond, func(replyTo actor.Ref) any {
			return lease.GetLeaseStats{ReplyTo: replyTo}
		})
		if err != nil {
			return false
		}
		stats, ok := msg.(lease.LeaseStats)
		return ok && stats.Known == 0
	}, 2*time.Second, 20*time.Millisecond)
}
