package crawler

import (
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func mustJob(t *testing.T, root string) CrawlJob {
	t.Helper()
	job, err := NewCrawlJob(root, true)
	require.NoError(t, err)
	return job
}

func TestNewCrawlJobNormalizesRoot(t *testing.T) {
	t.Parallel()

	job := mustJob(t, "  HTTPS://Example.COM:443#top ")
	require.Equal(t, "https://example.com/", job.Root)
	require.Equal(t, "example.com", job.Domain())
	require.Equal(t, CrawlDocument{URI: "https://example.com/"}, job.RootDocument())
	require.NotContains(t, job.ActorName(), "/")
}

func TestNewCrawlJobRejectsNonHTTP(t *testing.T) {
	t.Parallel()

	for _, root := range []string{"", "ftp://example.com", "/relative", "mailto:a@example.com"} {
		_, err := NewCrawlJob(root, false)
		require.ErrorIs(t, err, ErrInvalidRoot, root)
	}
}

func TestJobAndDocumentIdentity(t *testing.T) {
	t.Parallel()

	a := CrawlJob{Root: "https://example.com/", FetchImages: true}
	b := CrawlJob{Root: "https://example.com/", FetchImages: false}
	require.True(t, a.Equal(b))
	require.Equal(t, a.Key(), b.Key())

	d1 := CrawlDocument{URI: "https://example.com/a.png", IsImage: true}
	d2 := CrawlDocument{URI: "https://example.com/a.png"}
	require.True(t, d1.Equal(d2))
	require.Equal(t, "image", d1.Kind())
	require.Equal(t, "html", d2.Kind())
}

func TestStatsMergeIsCommutative(t *testing.T) {
	t.Parallel()

	job := mustJob(t, "https://example.com")
	a := NewStats(job).
		WithDiscovered([]CrawlDocument{{URI: "1"}, {URI: "2", IsImage: true}}).
		WithCompleted(CrawlDocument{URI: "1"}, 100)
	b := NewStats(job).
		WithDiscovered([]CrawlDocument{{URI: "3"}}).
		WithCompleted(CrawlDocument{URI: "2", IsImage: true}, 40)

	require.Equal(t, a.Merge(b), b.Merge(a))
	c := NewStats(job).WithCompleted(CrawlDocument{URI: "3"}, 7)
	require.Equal(t, a.Merge(b).Merge(c), a.Merge(b.Merge(c)))

	merged := a.Merge(b)
	require.EqualValues(t, 2, merged.HTMLDiscovered)
	require.EqualValues(t, 1, merged.ImagesDiscovered)
	require.EqualValues(t, 100, merged.HTMLBytes)
	require.EqualValues(t, 40, merged.ImageBytes)
	require.EqualValues(t, 140, merged.TotalBytes())
}

func TestStatsMergeWithResetIsIdentity(t *testing.T) {
	t.Parallel()

	job := mustJob(t, "https://example.com")
	a := NewStats(job).WithDiscovered([]CrawlDocument{{URI: "x"}}).WithCompleted(CrawlDocument{URI: "x"}, 12)
	require.Equal(t, a, a.Merge(a.Reset()))
	require.True(t, a.Reset().IsZero())
}

func TestStatsMergeIgnoresOtherJobs(t *testing.T) {
	t.Parallel()

	a := NewStats(mustJob(t, "https://a.example")).WithDiscovered([]CrawlDocument{{URI: "x"}})
	b := NewStats(mustJob(t, "https://b.example")).WithDiscovered([]CrawlDocument{{URI: "y"}})
	require.Equal(t, a, a.Merge(b))
}

func TestStatsEmptiness(t *testing.T) {
	t.Parallel()

	s := NewStats(mustJob(t, "https://example.com"))
	require.True(t, s.IsEmpty())
	require.True(t, s.IsZero())

	completed := s.WithCompleted(CrawlDocument{URI: "x"}, 0)
	require.True(t, completed.IsEmpty())
	require.False(t, completed.IsZero())

	discovered := s.WithDiscovered([]CrawlDocument{{URI: "x", IsImage: true}})
	require.False(t, discovered.IsEmpty())
	// the original value is untouched
	require.True(t, s.IsZero())
}

func TestJobStatusUpdateElapsed(t *testing.T) {
	t.Parallel()

	job := mustJob(t, "https://example.com")
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	running := NewJobStatusUpdate(NewStats(job), StatusRunning, start, nil, start.Add(3*time.Second))
	require.Equal(t, 3*time.Second, running.Elapsed)
	require.Nil(t, running.EndTime)
	require.False(t, running.Status.Terminal())

	end := start.Add(5 * time.Second)
	done := NewJobStatusUpdate(NewStats(job), StatusFinished, start, &end, start.Add(time.Hour))
	require.Equal(t, 5*time.Second, done.Elapsed)
	require.True(t, done.Status.Terminal())
	end = end.Add(time.Minute)
	require.Equal(t, start.Add(5*time.Second), *done.EndTime)
}

func TestResolveReference(t *testing.T) {
	t.Parallel()

	base, err := url.Parse("https://example.com/docs/index.html")
	require.NoError(t, err)

	tests := []struct {
		ref  string
		want string
		ok   bool
	}{
		{ref: "/about", want: "https://example.com/about", ok: true},
		{ref: "guide.html#intro", want: "https://example.com/docs/guide.html", ok: true},
		{ref: "https://EXAMPLE.com:443/x?b=2&a=1", want: "https://example.com/x?a=1&b=2", ok: true},
		{ref: "mailto:me@example.com", ok: false},
		{ref: "javascript:void(0)", ok: false},
		{ref: "#top", ok: false},
		{ref: "   ", ok: false},
	}
	for _, tt := range tests {
		got, ok := ResolveReference(base, tt.ref)
		require.Equal(t, tt.ok, ok, tt.ref)
		if tt.ok {
			require.Equal(t, tt.want, got.String(), tt.ref)
		}
	}
}

func TestSameDomainAndImages(t *testing.T) {
	t.Parallel()

	u, err := url.Parse("http://Example.com:8080/img/logo.PNG")
	require.NoError(t, err)
	require.True(t, SameDomain(u, "example.com"))
	require.False(t, SameDomain(u, "other.com"))
	require.True(t, LooksLikeImage(u))

	page, err := url.Parse("https://example.com/page")
	require.NoError(t, err)
	require.False(t, LooksLikeImage(page))
}
