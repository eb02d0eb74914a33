// Package lease implements the document claim table that keeps two workers
// from downloading the same document, the per-job tracker actor that owns a
// table, and the registry that finds or creates one tracker per job across
// the cluster.
package lease

import "time"

// Lease is a time-limited claim on one document. Once complete it can never
// be claimed again.
type Lease struct {
	owner    string
	deadline time.Time
	complete bool
}

// New returns a lease held by owner until now+d.
func New(owner string, now time.Time, d time.Duration) *Lease {
	return &Lease{owner: owner, deadline: now.Add(d)}
}

// NewCompleted returns a lease that is already complete.
func NewCompleted(owner string) *Lease {
	return &Lease{owner: owner, complete: true}
}

// TryClaim hands the lease to owner until now+d. It only succeeds while the
// lease is not complete and its deadline has passed.
func (l *Lease) TryClaim(owner string, now time.Time, d time.Duration) bool {
	if l.complete || now.Before(l.deadline) {
		return false
	}
	l.owner = owner
	l.deadline = now.Add(d)
	return true
}

// MarkComplete closes the lease for good.
func (l *Lease) MarkComplete(by string) {
	l.complete = true
	if by != "" {
		l.owner = by
	}
}

// Complete reports whether the document has been downloaded.
func (l *Lease) Complete() bool { return l.complete }

// Owner returns the latest holder.
func (l *Lease) Owner() string { return l.owner }

// Deadline returns when the current claim expires.
func (l *Lease) Deadline() time.Time { return l.deadline }

// Expired reports whether an incomplete lease may be claimed again.
func (l *Lease) Expired(now time.Time) bool {
	return !l.complete && !now.Before(l.deadline)
}
