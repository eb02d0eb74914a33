package store

import (
	"context"
	"errors"
	"time"

	"github.com/JakeFAU/sitemirror/internal/crawler"
)

// ErrNotFound signals that no status was recorded for the job.
var ErrNotFound = errors.New("job status not found")

// JobRecord is the persisted view of a job's latest status update. A job
// root that is crawled again gets a new record keyed by its start time.
type JobRecord struct {
	Job        crawler.CrawlJob
	Node       string
	Status     crawler.JobStatus
	Stats      crawler.CrawlJobStats
	StartedAt  time.Time
	FinishedAt *time.Time
	UpdatedAt  time.Time
}

// RecordFromUpdate flattens a status update observed on node at at.
func RecordFromUpdate(node string, update crawler.JobStatusUpdate, at time.Time) JobRecord {
	rec := JobRecord{
		Job:       update.Job,
		Node:      node,
		Status:    update.Status,
		Stats:     update.Stats,
		StartedAt: update.StartTime.UTC(),
		UpdatedAt: at.UTC(),
	}
	if update.EndTime != nil {
		end := update.EndTime.UTC()
		rec.FinishedAt = &end
	}
	return rec
}

// StatusRepository persists job status history.
type StatusRepository interface {
	// UpsertStatus stores rec, replacing the record of the same run.
	UpsertStatus(ctx context.Context, rec JobRecord) error
	// GetStatus loads the most recent run of root or returns ErrNotFound.
	GetStatus(ctx context.Context, root string) (JobRecord, error)
	// ListStatuses returns runs, newest first, optionally filtered by status.
	ListStatuses(ctx context.Context, status *crawler.JobStatus, limit, offset int) ([]JobRecord, error)
}
