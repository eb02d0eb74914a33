package actor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrAskTimeout is returned when no reply arrives before the deadline.
	ErrAskTimeout = errors.New("actor: ask timed out")
	// ErrUndeliverable is returned when the target rejected the request.
	ErrUndeliverable = errors.New("actor: message undeliverable")
)

// Ask sends the message produced by build to target and waits for the first
// reply.
func Ask(ctx context.Context, target Ref, timeout time.Duration, build func(replyTo Ref) any) (any, error) {
	if target == nil {
		return nil, ErrUndeliverable
	}
	reply := NewReplyRef(1)
	if !target.Tell(build(reply)) {
		return nil, fmt.Errorf("ask %s: %w", target.Path(), ErrUndeliverable)
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case msg := <-reply.Replies():
		return msg, nil
	case <-timer.C:
		return nil, fmt.Errorf("ask %s: %w", target.Path(), ErrAskTimeout)
	case <-ctx.Done():
		return nil, fmt.Errorf("ask %s: %w", target.Path(), ctx.Err())
	}
}

// Probe checks that target is alive with an Identify round trip.
func Probe(ctx context.Context, target Ref, timeout time.Duration) bool {
	if target == nil {
		return false
	}
	id := uuid.NewString()
	msg, err := Ask(ctx, target, timeout, func(replyTo Ref) any {
		return Identify{MessageID: id, ReplyTo: replyTo}
	})
	if err != nil {
		return false
	}
	identity, ok := msg.(Identity)
	return ok && identity.MessageID == id && identity.Ref != nil
}
