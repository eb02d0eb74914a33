package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/sitemirror/internal/actor"
	"github.com/JakeFAU/sitemirror/internal/config"
	"github.com/JakeFAU/sitemirror/internal/crawler"
	"github.com/JakeFAU/sitemirror/internal/storage/memory"
	"github.com/JakeFAU/sitemirror/internal/store"
)

type fakeEngine struct {
	mu       sync.Mutex
	started  []crawler.CrawlJob
	stopped  []crawler.CrawlJob
	running  []crawler.CrawlJob
	listErr  error
	readyErr error
}

func (f *fakeEngine) StartJob(job crawler.CrawlJob, _ ...actor.Ref) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, job)
}

func (f *fakeEngine) StopJob(job crawler.CrawlJob) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, job)
}

func (f *fakeEngine) ListJobs(context.Context) ([]crawler.CrawlJob, error) {
	return f.running, f.listErr
}

func (f *fakeEngine) Ready(context.Context) error { return f.readyErr }

type fakeBoard map[string]crawler.JobStatusUpdate

func (b fakeBoard) Get(root string) (crawler.JobStatusUpdate, bool) {
	u, ok := b[root]
	return u, ok
}

func (b fakeBoard) List() []crawler.JobStatusUpdate {
	out := make([]crawler.JobStatusUpdate, 0, len(b))
	for _, u := range b {
		out = append(out, u)
	}
	return out
}

func mustJob(t *testing.T, root string) crawler.CrawlJob {
	t.Helper()
	job, err := crawler.NewCrawlJob(root, false)
	require.NoError(t, err)
	return job
}

func runningUpdate(job crawler.CrawlJob) crawler.JobStatusUpdate {
	stats := crawler.NewStats(job)
	stats.HTMLDiscovered = 4
	stats.HTMLDownloaded = 2
	start := time.Unix(1700000000, 0).UTC()
	return crawler.NewJobStatusUpdate(stats, crawler.StatusRunning, start, nil, start.Add(time.Second))
}

func newTestServer(engine *fakeEngine, board StatusBoard, repo store.StatusRepository) *Server {
	return NewServer(config.Config{}, Deps{
		Engine:   engine,
		Board:    board,
		Statuses: repo,
		Metrics:  http.NotFoundHandler(),
		Logger:   zap.NewNop(),
	})
}

func serve(s *Server, method, target string, body []byte) *httptest.ResponseRecorder {
	var req *http.Request
	if body != nil {
		req = httptest.NewRequest(method, target, bytes.NewReader(body))
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestServer_StartJob_NormalizesRoot(t *testing.T) {
	t.Parallel()

	engine := &fakeEngine{}
	s := newTestServer(engine, fakeBoard{}, nil)

	rec := serve(s, http.MethodPost, "/v1/jobs", []byte(`{"root":"https://Example.com","fetch_images":true}`))

	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, engine.started, 1)
	require.Equal(t, "https://example.com/", engine.started[0].Root)
	require.True(t, engine.started[0].FetchImages)
	require.Contains(t, rec.Body.String(), `"root":"https://example.com/"`)
}

func TestServer_StartJob_RejectsBadInput(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"invalid json":  `{invalid`,
		"missing root":  `{"fetch_images":true}`,
		"unknown field": `{"root":"https://example.com","depth":3}`,
		"not http":      `{"root":"ftp://example.com"}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			engine := &fakeEngine{}
			s := newTestServer(engine, fakeBoard{}, nil)
			rec := serve(s, http.MethodPost, "/v1/jobs", []byte(body))
			require.Equal(t, http.StatusBadRequest, rec.Code)
			require.Empty(t, engine.started)
		})
	}
}

func TestServer_StopJob(t *testing.T) {
	t.Parallel()

	engine := &fakeEngine{}
	s := newTestServer(engine, fakeBoard{}, nil)

	rec := serve(s, http.MethodPost, "/v1/jobs/stop", []byte(`{"root":"https://example.com/"}`))

	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, engine.stopped, 1)
	require.Equal(t, "https://example.com/", engine.stopped[0].Key())
}

func TestServer_ListJobs_JoinsBoard(t *testing.T) {
	t.Parallel()

	a := mustJob(t, "https://a.example/")
	b := mustJob(t, "https://b.example/")
	engine := &fakeEngine{running: []crawler.CrawlJob{a, b}}
	s := newTestServer(engine, fakeBoard{a.Key(): runningUpdate(a)}, nil)

	rec := serve(s, http.MethodGet, "/v1/jobs", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Jobs []struct {
			Root   string                   `json:"root"`
			Latest *crawler.JobStatusUpdate `json:"latest"`
		} `json:"jobs"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Jobs, 2)
	require.NotNil(t, body.Jobs[0].Latest)
	require.Equal(t, crawler.StatusRunning, body.Jobs[0].Latest.Status)
	require.Equal(t, int64(4), body.Jobs[0].Latest.Stats.HTMLDiscovered)
	require.Nil(t, body.Jobs[1].Latest)
}

func TestServer_ListJobs_EngineError(t *testing.T) {
	t.Parallel()

	s := newTestServer(&fakeEngine{listErr: errors.New("ask timed out")}, fakeBoard{}, nil)
	rec := serve(s, http.MethodGet, "/v1/jobs", nil)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestServer_JobStatus_FromBoard(t *testing.T) {
	t.Parallel()

	job := mustJob(t, "https://example.com/")
	s := newTestServer(&fakeEngine{}, fakeBoard{job.Key(): runningUpdate(job)}, nil)

	rec := serve(s, http.MethodGet, "/v1/jobs/status?root=https://example.com", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"status":"Running"`)
}

func TestServer_JobStatus_FallsBackToHistory(t *testing.T) {
	t.Parallel()

	job := mustJob(t, "https://old.example/")
	repo := memory.NewStatusStore()
	start := time.Unix(1600000000, 0).UTC()
	end := start.Add(time.Minute)
	update := crawler.NewJobStatusUpdate(crawler.NewStats(job), crawler.StatusFinished, start, &end, end)
	require.NoError(t, repo.UpsertStatus(context.Background(), store.RecordFromUpdate("node-a", update, end)))
	s := newTestServer(&fakeEngine{}, fakeBoard{}, repo)

	rec := serve(s, http.MethodGet, "/v1/jobs/status?root=https://old.example/", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"status":"Finished"`)
	require.Contains(t, rec.Body.String(), `"node":"node-a"`)

	rec = serve(s, http.MethodGet, "/v1/jobs/status?root=https://unknown.example/", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_JobStatus_RequiresRoot(t *testing.T) {
	t.Parallel()

	s := newTestServer(&fakeEngine{}, fakeBoard{}, nil)
	rec := serve(s, http.MethodGet, "/v1/jobs/status", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_Probes(t *testing.T) {
	t.Parallel()

	s := newTestServer(&fakeEngine{}, fakeBoard{}, nil)
	require.Equal(t, http.StatusOK, serve(s, http.MethodGet, "/healthz", nil).Code)
	require.Equal(t, http.StatusOK, serve(s, http.MethodGet, "/readyz", nil).Code)

	notReady := newTestServer(&fakeEngine{readyErr: errors.New("node-1 job registry unreachable")}, fakeBoard{}, nil)
	rec := serve(notReady, http.MethodGet, "/readyz", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Contains(t, rec.Body.String(), "unreachable")
}

func TestServer_MetricsRoute(t *testing.T) {
	t.Parallel()

	s := NewServer(config.Config{}, Deps{
		Engine: &fakeEngine{},
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("crawler_jobs_total 1\n"))
		}),
	})
	rec := serve(s, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "crawler_jobs_total")
}

func TestServer_APIKeyMiddleware(t *testing.T) {
	t.Parallel()

	engine := &fakeEngine{}
	cfg := config.Config{Auth: config.AuthConfig{Enabled: true, APIKey: "secret"}}
	s := NewServer(cfg, Deps{Engine: engine, Board: fakeBoard{}, Metrics: http.NotFoundHandler()})

	rec := serve(s, http.MethodGet, "/v1/jobs", nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/jobs", nil)
	req.Header.Set("X-API-Key", "secret")
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = serve(s, http.MethodGet, "/v1/jobs?api_key=secret", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	// probes stay open
	require.Equal(t, http.StatusOK, serve(s, http.MethodGet, "/healthz", nil).Code)
}

func TestRequestIDMiddlewareSetsHeader(t *testing.T) {
	t.Parallel()

	s := newTestServer(&fakeEngine{}, fakeBoard{}, nil)
	rec := serve(s, http.MethodGet, "/healthz", nil)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestRecoverMiddleware(t *testing.T) {
	t.Parallel()

	h := recoverMiddleware(zap.NewNop())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}
