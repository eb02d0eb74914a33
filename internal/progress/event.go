package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/sitemirror/internal/crawler"
)

var (
	// ErrMissingJob is returned for events without a job root.
	ErrMissingJob = errors.New("progress event missing job")
	// ErrMissingTimestamp is returned for events without a timestamp.
	ErrMissingTimestamp = errors.New("progress event missing timestamp")
)

// Event is one job status update observed on a node.
type Event struct {
	// Node names the node whose hub received the update.
	Node string
	// TS is when the hub received the update.
	TS time.Time
	// Update is the coordinator's snapshot.
	Update crawler.JobStatusUpdate
}

// NewEvent wraps update received at ts.
func NewEvent(node string, update crawler.JobStatusUpdate, ts time.Time) Event {
	return Event{Node: node, TS: ts.UTC(), Update: update}
}

// Job returns the key of the event's job.
func (e Event) Job() string {
	return e.Update.Job.Key()
}

// Terminal reports whether the job ended with this update.
func (e Event) Terminal() bool {
	return e.Update.Status.Terminal()
}

// Validate ensures the event carries enough data to be useful to sinks.
func (e Event) Validate() error {
	if e.Job() == "" {
		return ErrMissingJob
	}
	if e.TS.IsZero() {
		return ErrMissingTimestamp
	}
	switch e.Update.Status {
	case crawler.StatusStarting, crawler.StatusRunning,
		crawler.StatusFailed, crawler.StatusFinished, crawler.StatusStopped:
		return nil
	default:
		return fmt.Errorf("progress event has unknown status %q", e.Update.Status)
	}
}

// Latest keeps the newest event of each job. Updates are full snapshots, so
// older ones in the same batch carry nothing a sink still needs. The result
// is ordered by each job's last appearance in batch.
func Latest(batch []Event) []Event {
	if len(batch) < 2 {
		return batch
	}
	last := make(map[string]int, len(batch))
	for i, evt := range batch {
		last[evt.Job()] = i
	}
	out := make([]Event, 0, len(last))
	for i, evt := range batch {
		if last[evt.Job()] == i {
			out = append(out, evt)
		}
	}
	return out
}
