package actor

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

var (
	// ErrNameTaken is returned when a sibling with the same name is running.
	ErrNameTaken = errors.New("actor: name already in use")
	// ErrInvalidName is returned for empty actor names.
	ErrInvalidName = errors.New("actor: name must not be empty")
	// ErrSystemStopped is returned when spawning on a system that shut down.
	ErrSystemStopped = errors.New("actor: system stopped")
)

// System hosts top-level actors and coordinates their shutdown.
type System struct {
	name   string
	logger *zap.Logger

	mu     sync.Mutex
	top    map[string]*cell
	closed bool
	wg     sync.WaitGroup
}

// NewSystem creates an empty actor system. A nil logger disables logging.
func NewSystem(name string, logger *zap.Logger) *System {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &System{
		name:   name,
		logger: logger.With(zap.String("system", name)),
		top:    make(map[string]*cell),
	}
}

// Name returns the system name, used as the root of every actor path.
func (s *System) Name() string { return s.name }

// Logger returns the system logger.
func (s *System) Logger() *zap.Logger { return s.logger }

// Spawn starts a top-level actor.
func (s *System) Spawn(name string, a Actor) (Ref, error) {
	if name == "" {
		return nil, ErrInvalidName
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrSystemStopped
	}
	if _, ok := s.top[name]; ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("spawn %q: %w", name, ErrNameTaken)
	}
	c := newCell(s, nil, name, s.name+"/"+name, a)
	s.top[name] = c
	s.wg.Add(1)
	s.mu.Unlock()

	go c.run()
	return c, nil
}

// Lookup returns a running top-level actor by name.
func (s *System) Lookup(name string) (Ref, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.top[name]
	if !ok {
		return nil, false
	}
	return c, true
}

// Shutdown stops every actor and waits for them to exit or ctx to end.
func (s *System) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	cells := make([]*cell, 0, len(s.top))
	for _, c := range s.top {
		cells = append(cells, c)
	}
	s.mu.Unlock()

	for _, c := range cells {
		c.Tell(PoisonPill{})
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("actor system %s shutdown: %w", s.name, ctx.Err())
	}
}

func (s *System) remove(name string, c *cell) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.top[name]; ok && cur == c {
		delete(s.top, name)
	}
}
