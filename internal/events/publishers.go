package events

import (
	"context"
	"sync"
)

// NoopPublisher discards events. The server uses it when neither NATS nor
// memory mode is configured.
type NoopPublisher struct{}

func (NoopPublisher) Publish(context.Context, string, any) error { return nil }
func (NoopPublisher) Close() error                                { return nil }

// Published is one event captured by a RecordingPublisher.
type Published struct {
	Topic string
	Event any
}

// RecordingPublisher keeps every published event in memory. It backs the
// --memory server mode and tests.
type RecordingPublisher struct {
	mu     sync.Mutex
	events []Published
	closed bool
}

func (p *RecordingPublisher) Publish(ctx context.Context, topic string, event any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	p.events = append(p.events, Published{Topic: topic, Event: event})
	return nil
}

// Events returns a copy of the captured events in publish order.
func (p *RecordingPublisher) Events() []Published {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Published(nil), p.events...)
}

// Batches returns the captured change batches published on topic.
func (p *RecordingPublisher) Batches(topic string) []ChangeBatch {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []ChangeBatch
	for _, e := range p.events {
		if e.Topic != topic {
			continue
		}
		switch b := e.Event.(type) {
		case ChangeBatch:
			out = append(out, b)
		case *ChangeBatch:
			out = append(out, *b)
		}
	}
	return out
}

func (p *RecordingPublisher) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}
