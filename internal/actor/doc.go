// Package actor is the small message-passing runtime every crawl component
// runs on. Each actor owns a goroutine that drains an unbounded FIFO mailbox
// and touches its private state only from inside Receive. Slow work leaves the
// actor through Context.Pipe and re-enters the mailbox as an ordinary message.
//
// The runtime offers exactly what the coordinators need: named children,
// deferred-message stashing, cancellable scheduled messages, request/reply
// helpers (Ask, Probe), a round-robin router and automatic Identify replies
// used for liveness checks.
package actor
