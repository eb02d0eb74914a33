package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/sitemirror/internal/crawler"
	"github.com/JakeFAU/sitemirror/internal/storage/memory"
	"github.com/JakeFAU/sitemirror/internal/store"
)

type failingRepo struct{}

func (failingRepo) UpsertStatus(context.Context, store.JobRecord) error { return errors.New("down") }

func (failingRepo) GetStatus(context.Context, string) (store.JobRecord, error) {
	return store.JobRecord{}, errors.New("down")
}

func (failingRepo) ListStatuses(context.Context, *crawler.JobStatus, int, int) ([]store.JobRecord, error) {
	return nil, errors.New("down")
}

func seededRepo(t *testing.T) *memory.StatusStore {
	t.Helper()
	repo := memory.NewStatusStore()
	base := time.Unix(1700000000, 0).UTC()
	for i, tc := range []struct {
		root   string
		status crawler.JobStatus
	}{
		{"https://a.example/", crawler.StatusFinished},
		{"https://b.example/", crawler.StatusRunning},
		{"https://c.example/", crawler.StatusFinished},
	} {
		job := mustJob(t, tc.root)
		start := base.Add(time.Duration(i) * time.Hour)
		var end *time.Time
		if tc.status.Terminal() {
			e := start.Add(time.Minute)
			end = &e
		}
		update := crawler.NewJobStatusUpdate(crawler.NewStats(job), tc.status, start, end, start.Add(time.Minute))
		require.NoError(t, repo.UpsertStatus(context.Background(), store.RecordFromUpdate("node-a", update, start.Add(time.Minute))))
	}
	return repo
}

func decodeRuns(t *testing.T, rec *httptest.ResponseRecorder) []runDTO {
	t.Helper()
	var body struct {
		Runs []runDTO `json:"runs"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body.Runs
}

func TestHistoryHandlerListStatuses(t *testing.T) {
	t.Parallel()

	handler := NewHistoryHandler(seededRepo(t), zap.NewNop())
	rec := httptest.NewRecorder()
	handler.ListStatuses(rec, httptest.NewRequest(http.MethodGet, "/v1/jobs/history", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	runs := decodeRuns(t, rec)
	require.Len(t, runs, 3)
	require.Equal(t, "https://c.example/", runs[0].Root)
}

func TestHistoryHandlerFiltersAndPages(t *testing.T) {
	t.Parallel()

	handler := NewHistoryHandler(seededRepo(t), zap.NewNop())
	rec := httptest.NewRecorder()
	handler.ListStatuses(rec, httptest.NewRequest(http.MethodGet, "/v1/jobs/history?status=finished&limit=1&offset=1", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	runs := decodeRuns(t, rec)
	require.Len(t, runs, 1)
	require.Equal(t, "https://a.example/", runs[0].Root)
	require.NotNil(t, runs[0].FinishedAt)
}

func TestHistoryHandlerRejectsBadQuery(t *testing.T) {
	t.Parallel()

	handler := NewHistoryHandler(seededRepo(t), zap.NewNop())
	for _, target := range []string{
		"/v1/jobs/history?limit=-1",
		"/v1/jobs/history?offset=x",
		"/v1/jobs/history?status=done",
	} {
		rec := httptest.NewRecorder()
		handler.ListStatuses(rec, httptest.NewRequest(http.MethodGet, target, nil))
		require.Equal(t, http.StatusBadRequest, rec.Code, target)
	}
}

func TestHistoryHandlerUnavailableAndFailing(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	NewHistoryHandler(nil, nil).ListStatuses(rec, httptest.NewRequest(http.MethodGet, "/v1/jobs/history", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = httptest.NewRecorder()
	NewHistoryHandler(failingRepo{}, zap.NewNop()).ListStatuses(rec, httptest.NewRequest(http.MethodGet, "/v1/jobs/history", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)

	rec = httptest.NewRecorder()
	NewHistoryHandler(failingRepo{}, zap.NewNop()).GetStatus(rec, httptest.NewRequest(http.MethodGet, "/", nil), "https://a.example/")
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestParseLimitOffsetClampsLimit(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest(http.MethodGet, "/?limit=100000&offset=5", nil)
	limit, offset, err := parseLimitOffset(req, defaultHistoryLimit, maxHistoryLimit)
	require.NoError(t, err)
	require.Equal(t, maxHistoryLimit, limit)
	require.Equal(t, 5, offset)
}
