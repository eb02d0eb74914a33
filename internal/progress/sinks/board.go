package sinks

import (
	"context"
	"sort"
	"sync"

	"github.com/JakeFAU/sitemirror/internal/crawler"
	"github.com/JakeFAU/sitemirror/internal/progress"
)

// Board keeps the latest status update of every job this node has heard
// about. It answers status queries without asking the coordinators.
type Board struct {
	mu     sync.RWMutex
	latest map[string]crawler.JobStatusUpdate
}

// NewBoard returns an empty board.
func NewBoard() *Board {
	return &Board{latest: make(map[string]crawler.JobStatusUpdate)}
}

// Consume records each event. Updates of an older run of the same root
// never replace those of a newer run.
func (b *Board) Consume(_ context.Context, batch []progress.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, evt := range batch {
		key := evt.Job()
		prev, ok := b.latest[key]
		if ok && evt.Update.StartTime.Before(prev.StartTime) {
			continue
		}
		b.latest[key] = evt.Update
	}
	return nil
}

// Get returns the latest update of root.
func (b *Board) Get(root string) (crawler.JobStatusUpdate, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	u, ok := b.latest[root]
	return u, ok
}

// List returns every known job's latest update ordered by root.
func (b *Board) List() []crawler.JobStatusUpdate {
	b.mu.RLock()
	out := make([]crawler.JobStatusUpdate, 0, len(b.latest))
	for _, u := range b.latest {
		out = append(out, u)
	}
	b.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Job.Key() < out[j].Job.Key() })
	return out
}

// Close implements progress.Sink.
func (b *Board) Close(context.Context) error {
	return nil
}
