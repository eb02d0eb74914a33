// Package fanout implements the query-all-peers-until-someone-says-yes
// protocol used to locate job coordinators and lease trackers across nodes.
package fanout

import (
	"context"
	"time"

	"github.com/JakeFAU/sitemirror/internal/actor"
)

// Verdict classifies one peer reply.
type Verdict int

// Reply verdicts.
const (
	// Ignore marks replies that belong to some other exchange.
	Ignore Verdict = iota
	// Negative is an explicit "not here".
	Negative
	// Positive ends the search successfully.
	Positive
)

// Result summarizes a finished search.
type Result[T any] struct {
	Value     T
	Found     bool
	Expected  int
	Negatives int
	TimedOut  bool
}

// Search sends the query built by query to every peer and waits until a peer
// answers positively, every peer answered negatively, or timeout elapses.
// Peers that do not answer in time count as "not found". With no peers the
// search waits for the full timeout and resolves as not found.
func Search[T any](
	ctx context.Context,
	peers []actor.Ref,
	timeout time.Duration,
	query func(replyTo actor.Ref) any,
	classify func(reply any) (T, Verdict),
) Result[T] {
	res := Result[T]{Expected: len(peers)}
	reply := actor.NewReplyRef(len(peers) + 1)
	for _, peer := range peers {
		if !peer.Tell(query(reply)) {
			res.Negatives++
		}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		if res.Expected > 0 && res.Negatives >= res.Expected {
			return res
		}
		select {
		case msg := <-reply.Replies():
			value, verdict := classify(msg)
			switch verdict {
			case Positive:
				res.Value = value
				res.Found = true
				return res
			case Negative:
				res.Negatives++
			case Ignore:
			}
		case <-timer.C:
			res.TimedOut = true
			return res
		case <-ctx.Done():
			res.TimedOut = true
			return res
		}
	}
}
