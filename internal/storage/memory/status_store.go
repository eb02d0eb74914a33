package memory

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/JakeFAU/sitemirror/internal/crawler"
	"github.com/JakeFAU/sitemirror/internal/store"
)

type runKey struct {
	root    string
	started int64
}

// StatusStore implements store.StatusRepository in memory.
type StatusStore struct {
	mu   sync.RWMutex
	runs map[runKey]store.JobRecord
}

var _ store.StatusRepository = (*StatusStore)(nil)

// NewStatusStore creates an empty store.
func NewStatusStore() *StatusStore {
	return &StatusStore{runs: make(map[runKey]store.JobRecord)}
}

// UpsertStatus stores rec unless the run already holds a newer update.
func (s *StatusStore) UpsertStatus(_ context.Context, rec store.JobRecord) error {
	if rec.Job.Key() == "" {
		return errors.New("job root is required")
	}
	key := runKey{root: rec.Job.Key(), started: rec.StartedAt.UnixNano()}
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.runs[key]; ok && prev.UpdatedAt.After(rec.UpdatedAt) {
		return nil
	}
	s.runs[key] = rec
	return nil
}

// GetStatus returns the latest run of root.
func (s *StatusStore) GetStatus(_ context.Context, root string) (store.JobRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var (
		latest store.JobRecord
		found  bool
	)
	for key, rec := range s.runs {
		if key.root != root {
			continue
		}
		if !found || rec.StartedAt.After(latest.StartedAt) {
			latest, found = rec, true
		}
	}
	if !found {
		return store.JobRecord{}, store.ErrNotFound
	}
	return latest, nil
}

// ListStatuses returns runs newest first.
func (s *StatusStore) ListStatuses(
	_ context.Context,
	status *crawler.JobStatus,
	limit,
	offset int,
) ([]store.JobRecord, error) {
	s.mu.RLock()
	out := make([]store.JobRecord, 0, len(s.runs))
	for _, rec := range s.runs {
		if status != nil && rec.Status != *status {
			continue
		}
		out = append(out, rec)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].Job.Key() < out[j].Job.Key()
		}
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	if offset < 0 {
		offset = 0
	}
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}
