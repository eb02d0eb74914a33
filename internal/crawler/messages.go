package crawler

import (
	"time"

	"github.com/JakeFAU/sitemirror/internal/actor"
)

// StartJob asks the cluster to run job and subscribes Requestor to its
// status updates. Starting a job that already runs only subscribes.
type StartJob struct {
	Job       CrawlJob
	Requestor actor.Ref
}

// StopJob ends a running job with status Stopped.
type StopJob struct {
	Job       CrawlJob
	Requestor actor.Ref
}

// SubscribeToJob adds Subscriber to a job's status recipients.
type SubscribeToJob struct {
	Job        CrawlJob
	Subscriber actor.Ref
}

// UnsubscribeFromJob removes Subscriber from a job's status recipients.
type UnsubscribeFromJob struct {
	Job        CrawlJob
	Subscriber actor.Ref
}

// GetJobStatus asks a job coordinator for its current JobStatusUpdate.
type GetJobStatus struct {
	ReplyTo actor.Ref
}

// CheckDocuments asks the lease tracker which documents Requestor may work
// on. EstimatedCrawlTime sets the lease length; zero means the tracker's
// default. Replies go to ReplyTo, or to Requestor when ReplyTo is nil.
type CheckDocuments struct {
	Documents          []CrawlDocument
	Requestor          actor.Ref
	EstimatedCrawlTime time.Duration
	ReplyTo            actor.Ref
}

// ProcessDocuments lists documents Assignee now holds leases for.
type ProcessDocuments struct {
	Documents []CrawlDocument
	Assignee  actor.Ref
}

// DiscoveredDocuments lists documents the tracker had never seen before.
type DiscoveredDocuments struct {
	Documents  []CrawlDocument
	Discoverer actor.Ref
}

// CompletedDocument reports a finished download. ByteCount is zero for failed
// or empty fetches.
type CompletedDocument struct {
	Document    CrawlDocument
	ByteCount   int64
	CompletedBy actor.Ref
}

// RefPath returns ref's path, or "" for nil refs.
func RefPath(ref actor.Ref) string {
	if ref == nil {
		return ""
	}
	return ref.Path()
}
