package fanout

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/sitemirror/internal/actor"
)

type ping struct{ replyTo actor.Ref }

type answer struct {
	found bool
	who   string
}

func peer(name string, found bool) actor.Ref {
	return actor.NewFuncRef(name, func(msg any) {
		if p, ok := msg.(ping); ok {
			p.replyTo.Tell(answer{found: found, who: name})
		}
	})
}

func silentPeer(name string) actor.Ref {
	return actor.NewFuncRef(name, func(any) {})
}

func query(replyTo actor.Ref) any { return ping{replyTo: replyTo} }

func classify(msg any) (string, Verdict) {
	a, ok := msg.(answer)
	if !ok {
		return "", Ignore
	}
	if a.found {
		return a.who, Positive
	}
	return "", Negative
}

func TestSearchShortCircuitsOnPositive(t *testing.T) {
	t.Parallel()

	res := Search(context.Background(), []actor.Ref{peer("a", false), peer("b", true), silentPeer("c")},
		time.Second, query, classify)
	require.True(t, res.Found)
	require.Equal(t, "b", res.Value)
	require.False(t, res.TimedOut)
}

func TestSearchResolvesWhenEveryPeerSaysNo(t *testing.T) {
	t.Parallel()

	start := time.Now()
	res := Search(context.Background(), []actor.Ref{peer("a", false), peer("b", false)},
		5*time.Second, query, classify)
	require.False(t, res.Found)
	require.False(t, res.TimedOut)
	require.Equal(t, 2, res.Negatives)
	require.Less(t, time.Since(start), time.Second)
}

func TestSearchTreatsSilenceAsNotFound(t *testing.T) {
	t.Parallel()

	res := Search(context.Background(), []actor.Ref{peer("a", false), silentPeer("b")},
		30*time.Millisecond, query, classify)
	require.False(t, res.Found)
	require.True(t, res.TimedOut)
	require.Equal(t, 1, res.Negatives)
}

func TestSearchWithoutPeersWaitsForDeadline(t *testing.T) {
	t.Parallel()

	start := time.Now()
	res := Search(context.Background(), nil, 40*time.Millisecond, query, classify)
	require.False(t, res.Found)
	require.True(t, res.TimedOut)
	require.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}

func TestSearchCountsUndeliverablePeersAsNegative(t *testing.T) {
	t.Parallel()

	dead := actor.NewRoundRobin("dead", nil)
	res := Search(context.Background(), []actor.Ref{dead}, time.Second, query, classify)
	require.False(t, res.Found)
	require.False(t, res.TimedOut)
	require.Equal(t, 1, res.Negatives)
}
