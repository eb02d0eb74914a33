package actor

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Context is handed to Receive and exposes the runtime to the actor. It must
// only be used from the actor's own goroutine, except where noted.
type Context struct {
	cell *cell
}

// Self returns the actor's own reference.
func (c *Context) Self() Ref { return c.cell }

// Parent returns the parent actor, or nil for top-level actors.
func (c *Context) Parent() Ref {
	if c.cell.parent == nil {
		return nil
	}
	return c.cell.parent
}

// System returns the hosting system.
func (c *Context) System() *System { return c.cell.system }

// Logger returns a logger scoped to this actor's path.
func (c *Context) Logger() *zap.Logger { return c.cell.logger }

// Spawn starts a child actor. Names are unique among running siblings; the
// name of a stopped child may be reused right away.
func (c *Context) Spawn(name string, a Actor) (Ref, error) {
	if name == "" {
		return nil, ErrInvalidName
	}
	// a stopped child keeps its name until the parent sees it terminate
	if existing, ok := c.cell.children[name]; ok && existing.Alive() {
		return nil, fmt.Errorf("spawn %q: %w", name, ErrNameTaken)
	}
	sys := c.cell.system
	child := newCell(sys, c.cell, name, c.cell.path+"/"+name, a)
	c.cell.children[name] = child
	sys.wg.Add(1)
	go child.run()
	return child, nil
}

// Child looks up a running child by name.
func (c *Context) Child(name string) (Ref, bool) {
	child, ok := c.cell.children[name]
	if !ok || !child.Alive() {
		return nil, false
	}
	return child, true
}

// Children lists running children.
func (c *Context) Children() []Ref {
	out := make([]Ref, 0, len(c.cell.children))
	for _, child := range c.cell.children {
		if child.Alive() {
			out = append(out, child)
		}
	}
	return out
}

// Stop stops the actor after the current message.
func (c *Context) Stop() { c.cell.stopping = true }

// Stash defers msg until UnstashAll or UnstashOne.
func (c *Context) Stash(msg any) { c.cell.stash = append(c.cell.stash, msg) }

// UnstashAll re-queues every stashed message, oldest first, ahead of any mail
// that arrived while they were deferred.
func (c *Context) UnstashAll() {
	if len(c.cell.stash) == 0 {
		return
	}
	msgs := c.cell.stash
	c.cell.stash = nil
	c.cell.mb.prepend(msgs)
}

// UnstashOne removes and returns the oldest stashed message.
func (c *Context) UnstashOne() (any, bool) {
	if len(c.cell.stash) == 0 {
		return nil, false
	}
	msg := c.cell.stash[0]
	c.cell.stash[0] = nil
	c.cell.stash = c.cell.stash[1:]
	return msg, true
}

// StashSize returns the number of deferred messages.
func (c *Context) StashSize() int { return len(c.cell.stash) }

// Pipe runs fn on its own goroutine and delivers a non-nil result to the
// actor's mailbox. The context passed to fn is cancelled when the actor stops.
func (c *Context) Pipe(fn func(ctx context.Context) any) {
	self := c.cell
	go func() {
		var result any
		func() {
			defer func() {
				if r := recover(); r != nil {
					self.logger.Error("piped task panicked", zap.Any("panic", r))
				}
			}()
			result = fn(self.ctx)
		}()
		if result != nil {
			self.Tell(result)
		}
	}()
}
