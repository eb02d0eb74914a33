package actor

import (
	"context"
	"sync/atomic"

	"go.uber.org/zap"
)

// childStopped travels from a stopping child to its parent.
type childStopped struct {
	name  string
	child *cell
}

// cell is the runtime half of an actor: mailbox, children, stash and the
// goroutine that drives Receive.
type cell struct {
	name   string
	path   string
	system *System
	parent *cell
	actor  Actor
	mb     *mailbox
	logger *zap.Logger

	context  *Context
	children map[string]*cell
	stash    []any
	stopping bool

	ctx    context.Context
	cancel context.CancelFunc
	alive  atomic.Bool
	done   chan struct{}
}

func newCell(sys *System, parent *cell, name, path string, a Actor) *cell {
	ctx, cancel := context.WithCancel(context.Background())
	c := &cell{
		name:     name,
		path:     path,
		system:   sys,
		parent:   parent,
		actor:    a,
		mb:       newMailbox(),
		logger:   sys.logger.With(zap.String("actor", path)),
		children: make(map[string]*cell),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	c.context = &Context{cell: c}
	c.alive.Store(true)
	return c
}

// Path implements Ref.
func (c *cell) Path() string { return c.path }

// Tell implements Ref.
func (c *cell) Tell(msg any) bool { return c.mb.push(msg) }

// Alive reports whether the actor is still processing messages.
func (c *cell) Alive() bool { return c.alive.Load() }

// Done is closed once the actor and all of its children stopped.
func (c *cell) Done() <-chan struct{} { return c.done }

func (c *cell) run() {
	defer c.system.wg.Done()
	if p, ok := c.actor.(PreStarter); ok {
		c.invoke(func() { p.PreStart(c.context) })
	}
	for !c.stopping {
		c.handle(c.mb.next())
	}
	c.finish()
}

func (c *cell) handle(msg any) {
	switch m := msg.(type) {
	case PoisonPill:
		c.stopping = true
		return
	case Identify:
		if m.ReplyTo != nil {
			m.ReplyTo.Tell(Identity{MessageID: m.MessageID, Ref: c})
		}
		return
	case childStopped:
		if cur, ok := c.children[m.name]; ok && cur == m.child {
			delete(c.children, m.name)
		}
		msg = Terminated{Ref: m.child}
	}
	c.invoke(func() { c.actor.Receive(c.context, msg) })
}

// invoke runs fn and keeps the actor alive if it panics. State is kept as is
// and processing resumes with the next message.
func (c *cell) invoke(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("actor panic recovered", zap.Any("panic", r), zap.Stack("stack"))
		}
	}()
	fn()
}

func (c *cell) finish() {
	c.alive.Store(false)
	dropped := c.mb.close()
	c.cancel()

	for _, child := range c.children {
		child.Tell(PoisonPill{})
	}
	for _, child := range c.children {
		<-child.done
	}
	c.children = nil

	if p, ok := c.actor.(PostStopper); ok {
		c.invoke(func() { p.PostStop(c.context) })
	}
	if dropped > 0 || len(c.stash) > 0 {
		c.logger.Debug("actor stopped with pending messages",
			zap.Int("dropped", dropped),
			zap.Int("stashed", len(c.stash)),
		)
	}
	c.stash = nil

	if c.parent != nil {
		c.parent.Tell(childStopped{name: c.name, child: c})
	} else {
		c.system.remove(c.name, c)
	}
	close(c.done)
}
