package lease

import (
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/sitemirror/internal/actor"
	"github.com/JakeFAU/sitemirror/internal/crawler"
	"github.com/JakeFAU/sitemirror/internal/metrics"
)

// Tracker owns the claim table of one job.
type Tracker struct {
	job    crawler.CrawlJob
	table  *Table
	clock  crawler.Clock
	logger *zap.Logger
}

// NewTracker builds a tracker for job.
func NewTracker(job crawler.CrawlJob, defaultDuration time.Duration, clock crawler.Clock, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		job:    job,
		table:  NewTable(defaultDuration),
		clock:  clock,
		logger: logger.With(zap.String("job", job.Key())),
	}
}

// Receive implements actor.Actor.
func (t *Tracker) Receive(_ *actor.Context, msg any) {
	switch m := msg.(type) {
	case crawler.CheckDocuments:
		t.check(m)
	case crawler.CompletedDocument:
		t.table.Complete(m.Document, crawler.RefPath(m.CompletedBy))
		metrics.ObserveLeaseDecisions("completed", 1)
	case GetLeaseStats:
		if m.ReplyTo != nil {
			m.ReplyTo.Tell(LeaseStats{Job: t.job, Known: t.table.Len(), Completed: t.table.Completed()})
		}
	}
}

func (t *Tracker) check(m crawler.CheckDocuments) {
	processable, discovered := t.table.Check(m.Documents, crawler.RefPath(m.Requestor), t.clock.Now(), m.EstimatedCrawlTime)
	metrics.ObserveLeaseDecisions("processable", len(processable))
	metrics.ObserveLeaseDecisions("discovered", len(discovered))
	metrics.ObserveLeaseDecisions("excluded", len(m.Documents)-len(processable))

	replyTo := m.ReplyTo
	if replyTo == nil {
		replyTo = m.Requestor
	}
	if replyTo == nil {
		t.logger.Warn("check documents without reply target", zap.Int("documents", len(m.Documents)))
		return
	}
	replyTo.Tell(crawler.ProcessDocuments{Documents: processable, Assignee: m.Requestor})
	replyTo.Tell(crawler.DiscoveredDocuments{Documents: discovered, Discoverer: m.Requestor})
	t.logger.Debug("documents checked",
		zap.Int("requested", len(m.Documents)),
		zap.Int("processable", len(processable)),
		zap.Int("discovered", len(discovered)),
	)
}
