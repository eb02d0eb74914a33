package crawler

import "time"

// JobStatus is the externally visible lifecycle of a crawl job.
type JobStatus string

// Job statuses.
const (
	StatusStarting JobStatus = "Starting"
	StatusRunning  JobStatus = "Running"
	StatusFailed   JobStatus = "Failed"
	StatusFinished JobStatus = "Finished"
	StatusStopped  JobStatus = "Stopped"
)

// Terminal reports whether no further updates follow this status.
func (s JobStatus) Terminal() bool {
	switch s {
	case StatusFailed, StatusFinished, StatusStopped:
		return true
	default:
		return false
	}
}

// JobStatusUpdate is published to subscribers whenever a job's status or
// stats change. Updates are replaced, never mutated.
type JobStatusUpdate struct {
	Job       CrawlJob      `json:"job"`
	Stats     CrawlJobStats `json:"stats"`
	Status    JobStatus     `json:"status"`
	StartTime time.Time     `json:"start_time"`
	EndTime   *time.Time    `json:"end_time,omitempty"`
	Elapsed   time.Duration `json:"elapsed"`
}

// NewJobStatusUpdate builds an update, deriving Elapsed from end (or now when
// the job is still running).
func NewJobStatusUpdate(stats CrawlJobStats, status JobStatus, start time.Time, end *time.Time, now time.Time) JobStatusUpdate {
	until := now
	var endCopy *time.Time
	if end != nil {
		e := *end
		endCopy = &e
		until = e
	}
	elapsed := until.Sub(start)
	if elapsed < 0 {
		elapsed = 0
	}
	return JobStatusUpdate{
		Job:       stats.Job,
		Stats:     stats,
		Status:    status,
		StartTime: start,
		EndTime:   endCopy,
		Elapsed:   elapsed,
	}
}
