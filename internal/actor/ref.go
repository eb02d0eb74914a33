package actor

import (
	"sync/atomic"

	"github.com/google/uuid"
)

// Ref addresses something that accepts messages: a running actor, a router, a
// reply channel or a callback.
type Ref interface {
	// Path is a stable, human-readable address, unique per live endpoint.
	Path() string
	// Tell enqueues msg without blocking. It returns false when the endpoint
	// no longer accepts messages.
	Tell(msg any) bool
}

// Actor processes one message at a time.
type Actor interface {
	Receive(ctx *Context, msg any)
}

// PreStarter is implemented by actors that need to run code on their own
// goroutine before the first message.
type PreStarter interface {
	PreStart(ctx *Context)
}

// PostStopper is implemented by actors that release resources on stop.
type PostStopper interface {
	PostStop(ctx *Context)
}

// Identify asks any actor to reply with an Identity. The runtime answers it
// without involving the actor's Receive.
type Identify struct {
	MessageID string
	ReplyTo   Ref
}

// Identity answers Identify.
type Identity struct {
	MessageID string
	Ref       Ref
}

// Terminated is delivered to a parent after one of its children stopped.
type Terminated struct {
	Ref Ref
}

// PoisonPill stops the receiving actor once every message queued ahead of it
// has been processed.
type PoisonPill struct{}

// FuncRef adapts a callback into a Ref. The callback runs on the sender's
// goroutine and must be safe for concurrent use.
type FuncRef struct {
	path string
	fn   func(msg any)
}

// NewFuncRef wraps fn.
func NewFuncRef(path string, fn func(msg any)) *FuncRef {
	return &FuncRef{path: path, fn: fn}
}

// Path implements Ref.
func (f *FuncRef) Path() string { return f.path }

// Tell implements Ref.
func (f *FuncRef) Tell(msg any) bool {
	if f == nil || f.fn == nil {
		return false
	}
	f.fn(msg)
	return true
}

// ReplyRef is a temporary endpoint backed by a buffered channel, used to
// collect replies outside of an actor.
type ReplyRef struct {
	path    string
	replies chan any
}

// NewReplyRef returns a ReplyRef that buffers up to capacity replies. Replies
// beyond capacity are rejected.
func NewReplyRef(capacity int) *ReplyRef {
	if capacity < 1 {
		capacity = 1
	}
	return &ReplyRef{
		path:    "temp/" + uuid.NewString(),
		replies: make(chan any, capacity),
	}
}

// Path implements Ref.
func (r *ReplyRef) Path() string { return r.path }

// Tell implements Ref.
func (r *ReplyRef) Tell(msg any) bool {
	select {
	case r.replies <- msg:
		return true
	default:
		return false
	}
}

// Replies exposes received messages in arrival order.
func (r *ReplyRef) Replies() <-chan any { return r.replies }

// RoundRobin routes each message to the next routee in turn, skipping routees
// that no longer accept messages.
type RoundRobin struct {
	path    string
	routees []Ref
	next    atomic.Uint64
}

// NewRoundRobin builds a router over a fixed set of routees.
func NewRoundRobin(path string, routees []Ref) *RoundRobin {
	return &RoundRobin{path: path, routees: append([]Ref(nil), routees...)}
}

// Path implements Ref.
func (r *RoundRobin) Path() string { return r.path }

// Tell implements Ref.
func (r *RoundRobin) Tell(msg any) bool {
	n := uint64(len(r.routees))
	for range n {
		idx := (r.next.Add(1) - 1) % n
		if r.routees[idx].Tell(msg) {
			return true
		}
	}
	return false
}

// Broadcast sends msg to every routee and returns how many accepted it.
func (r *RoundRobin) Broadcast(msg any) int {
	accepted := 0
	for _, routee := range r.routees {
		if routee.Tell(msg) {
			accepted++
		}
	}
	return accepted
}

// Size returns the number of routees.
func (r *RoundRobin) Size() int { return len(r.routees) }

// Routees returns a copy of the routee list.
func (r *RoundRobin) Routees() []Ref { return append([]Ref(nil), r.routees...) }
