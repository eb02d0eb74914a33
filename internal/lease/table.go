package lease

import (
	"time"

	"github.com/JakeFAU/sitemirror/internal/crawler"
)

// DefaultLeaseDuration applies when a check carries no estimate.
const DefaultLeaseDuration = 30 * time.Second

// Table maps document keys to leases. It is not safe for concurrent use; a
// Tracker owns exactly one.
type Table struct {
	leases          map[string]*Lease
	defaultDuration time.Duration
}

// NewTable creates an empty table. Non-positive durations fall back to
// DefaultLeaseDuration.
func NewTable(defaultDuration time.Duration) *Table {
	if defaultDuration <= 0 {
		defaultDuration = DefaultLeaseDuration
	}
	return &Table{
		leases:          make(map[string]*Lease),
		defaultDuration: defaultDuration,
	}
}

// Check claims docs for owner. Unseen documents get a fresh lease and appear
// in both results; seen documents appear in processable only when their lease
// could be reclaimed. Duplicates inside docs are considered once.
func (t *Table) Check(docs []crawler.CrawlDocument, owner string, now time.Time, estimate time.Duration) (processable, discovered []crawler.CrawlDocument) {
	if estimate <= 0 {
		estimate = t.defaultDuration
	}
	seen := make(map[string]struct{}, len(docs))
	for _, doc := range docs {
		key := doc.Key()
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}

		existing, ok := t.leases[key]
		if !ok {
			t.leases[key] = New(owner, now, estimate)
			processable = append(processable, doc)
			discovered = append(discovered, doc)
			continue
		}
		if existing.TryClaim(owner, now, estimate) {
			processable = append(processable, doc)
		}
	}
	return processable, discovered
}

// Complete marks doc as downloaded, creating a completed lease if the table
// has never seen it.
func (t *Table) Complete(doc crawler.CrawlDocument, by string) {
	existing, ok := t.leases[doc.Key()]
	if !ok {
		t.leases[doc.Key()] = NewCompleted(by)
		return
	}
	existing.MarkComplete(by)
}

// Lookup returns the lease for doc.
func (t *Table) Lookup(doc crawler.CrawlDocument) (*Lease, bool) {
	l, ok := t.leases[doc.Key()]
	return l, ok
}

// Len returns how many documents the table knows.
func (t *Table) Len() int { return len(t.leases) }

// Completed returns how many documents are complete.
func (t *Table) Completed() int {
	n := 0
	for _, l := range t.leases {
		if l.Complete() {
			n++
		}
	}
	return n
}
