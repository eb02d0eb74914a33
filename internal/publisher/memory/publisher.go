// Package memory records published messages in process memory for tests and
// single-node runs.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"sync"
)

// attributed is implemented by payloads that carry message attributes.
type attributed interface {
	Attributes() map[string]string
}

// Message captures one publish call as it would appear on the wire.
type Message struct {
	Topic      string
	Data       []byte
	Attributes map[string]string
}

// Decode unmarshals the message body into v.
func (m Message) Decode(v any) error {
	if err := json.Unmarshal(m.Data, v); err != nil {
		return fmt.Errorf("decode message: %w", err)
	}
	return nil
}

// Publisher stores published messages for inspection.
type Publisher struct {
	mu       sync.RWMutex
	messages []Message
}

// New returns an empty Publisher.
func New() *Publisher {
	return &Publisher{}
}

// Publish encodes payload as JSON, records it and returns a sequential ID.
func (p *Publisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	msg := Message{Topic: topic, Data: data}
	if a, ok := payload.(attributed); ok {
		msg.Attributes = maps.Clone(a.Attributes())
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, msg)
	return fmt.Sprintf("memory-%d", len(p.messages)), nil
}

// Messages returns the recorded messages, optionally limited to topics.
func (p *Publisher) Messages(topics ...string) []Message {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Message, 0, len(p.messages))
	for _, msg := range p.messages {
		if len(topics) > 0 && !contains(topics, msg.Topic) {
			continue
		}
		msg.Data = append([]byte(nil), msg.Data...)
		msg.Attributes = maps.Clone(msg.Attributes)
		out = append(out, msg)
	}
	return out
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
