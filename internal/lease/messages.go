package lease

import (
	"github.com/JakeFAU/sitemirror/internal/actor"
	"github.com/JakeFAU/sitemirror/internal/crawler"
)

// RequestTracker asks the registry for the job's tracker. The registry always
// answers with TrackerFound, creating a tracker when none exists.
type RequestTracker struct {
	Job     crawler.CrawlJob
	ReplyTo actor.Ref
}

// TrackerFound carries a tracker reference. Registries also broadcast it to
// peers after creating a tracker.
type TrackerFound struct {
	Job     crawler.CrawlJob
	Tracker actor.Ref
}

// FindTracker is the registry-to-registry lookup.
type FindTracker struct {
	Job     crawler.CrawlJob
	ReplyTo actor.Ref
}

// TrackerNotFound answers FindTracker when the peer has no tracker for Job.
type TrackerNotFound struct {
	Job crawler.CrawlJob
}

// GetLeaseStats asks a tracker for its table size.
type GetLeaseStats struct {
	ReplyTo actor.Ref
}

// LeaseStats answers GetLeaseStats.
type LeaseStats struct {
	Job       crawler.CrawlJob
	Known     int
	Completed int
}
