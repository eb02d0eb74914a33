package sinks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/sitemirror/internal/crawler"
	"github.com/JakeFAU/sitemirror/internal/progress"
)

// StatusMessage is the wire form of a job status event.
type StatusMessage struct {
	Node   string                  `json:"node"`
	SentAt time.Time               `json:"sent_at"`
	Update crawler.JobStatusUpdate `json:"update"`
}

// Attributes lets subscribers filter by job and status without decoding.
func (m StatusMessage) Attributes() map[string]string {
	return map[string]string{
		"job":    m.Update.Job.Key(),
		"status": string(m.Update.Status),
		"node":   m.Node,
	}
}

// PublisherSink publishes status events to a topic. With TerminalOnly set
// only the final update of each job is sent.
type PublisherSink struct {
	publisher    crawler.Publisher
	topic        string
	terminalOnly bool
}

// NewPublisherSink publishes to topic through publisher.
func NewPublisherSink(publisher crawler.Publisher, topic string, terminalOnly bool) (*PublisherSink, error) {
	if publisher == nil {
		return nil, errors.New("publisher is required")
	}
	if topic == "" {
		return nil, errors.New("topic is required")
	}
	return &PublisherSink{publisher: publisher, topic: topic, terminalOnly: terminalOnly}, nil
}

// Consume publishes the newest event of each job in batch.
func (s *PublisherSink) Consume(ctx context.Context, batch []progress.Event) error {
	var errs []error
	for _, evt := range progress.Latest(batch) {
		if s.terminalOnly && !evt.Terminal() {
			continue
		}
		msg := StatusMessage{Node: evt.Node, SentAt: evt.TS, Update: evt.Update}
		if _, err := s.publisher.Publish(ctx, s.topic, msg); err != nil {
			errs = append(errs, fmt.Errorf("publish status of %s: %w", evt.Job(), err))
		}
	}
	return errors.Join(errs...)
}

// Close implements progress.Sink.
func (s *PublisherSink) Close(context.Context) error {
	return nil
}
