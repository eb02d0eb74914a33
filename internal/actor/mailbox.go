package actor

import "sync"

// mailbox is an unbounded FIFO queue with a single consumer. Producers never
// block; the consumer parks on notify when the queue is empty.
type mailbox struct {
	mu     sync.Mutex
	queue  []any
	notify chan struct{}
	closed bool
}

func newMailbox() *mailbox {
	return &mailbox{notify: make(chan struct{}, 1)}
}

// push appends msg and reports whether the mailbox accepted it.
func (m *mailbox) push(msg any) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.queue = append(m.queue, msg)
	m.mu.Unlock()
	m.signal()
	return true
}

// prepend places msgs, in order, ahead of everything already queued.
func (m *mailbox) prepend(msgs []any) {
	if len(msgs) == 0 {
		return
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	merged := make([]any, 0, len(msgs)+len(m.queue))
	merged = append(merged, msgs...)
	merged = append(merged, m.queue...)
	m.queue = merged
	m.mu.Unlock()
	m.signal()
}

func (m *mailbox) signal() {
	select {
	case m.notify <- struct{}{}:
	default:
	}
}

func (m *mailbox) pop() (any, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.queue) == 0 {
		return nil, false
	}
	msg := m.queue[0]
	m.queue[0] = nil
	m.queue = m.queue[1:]
	return msg, true
}

// next blocks until a message is available.
func (m *mailbox) next() any {
	for {
		if msg, ok := m.pop(); ok {
			return msg
		}
		<-m.notify
	}
}

// close rejects further pushes and returns how many messages were discarded.
func (m *mailbox) close() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	dropped := len(m.queue)
	m.queue = nil
	return dropped
}

func (m *mailbox) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}
