package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/nats-io/nats.go"
)

// Publisher publishes patternd events to the bus.
type Publisher interface {
	// Publish sends payload (JSON-encoded) to subject.
	Publish(ctx context.Context, subject string, payload any) error
}

// NATSPublisher publishes events over a NATS connection.
type NATSPublisher struct {
	nc *nats.Conn
}

// NewNATSPublisher wraps an established NATS connection.
func NewNATSPublisher(nc *nats.Conn) (*NATSPublisher, error) {
	if nc == nil {
		return nil, fmt.Errorf("nats connection cannot be nil")
	}
	return &NATSPublisher{nc: nc}, nil
}

// Publish sends the payload to subject, honoring context cancellation.
func (p *NATSPublisher) Publish(ctx context.Context, subject string, payload any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding event for %s: %w", subject, err)
	}
	if err := p.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("publishing to %s: %w", subject, err)
	}
	return nil
}

// PublishedEvent is one message captured by the in-memory publisher.
type PublishedEvent struct {
	Subject string
	Payload any
}

// MemoryPublisher captures published events for tests. It can be set to
// fail a fixed number of times to exercise retry and dead-letter paths.
type MemoryPublisher struct {
	mu       sync.Mutex
	events   []PublishedEvent
	failNext int
	failErr  error
}

// NewMemoryPublisher creates an empty in-memory publisher.
func NewMemoryPublisher() *MemoryPublisher {
	return &MemoryPublisher{}
}

// FailNext makes the next n Publish calls return err.
func (p *MemoryPublisher) FailNext(n int, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failNext = n
	p.failErr = err
}

// Publish records the event, or fails if FailNext is armed.
func (p *MemoryPublisher) Publish(ctx context.Context, subject string, payload any) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.failNext > 0 {
		p.failNext--
		return p.failErr
	}
	p.events = append(p.events, PublishedEvent{Subject: subject, Payload: payload})
	return nil
}

// Events returns a copy of the captured events.
func (p *MemoryPublisher) Events() []PublishedEvent {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]PublishedEvent, len(p.events))
	copy(out, p.events)
	return out
}

// BySubject returns captured events for one subject.
func (p *MemoryPublisher) BySubject(subject string) []PublishedEvent {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []PublishedEvent
	for _, e := range p.events {
		if e.Subject == subject {
			out = append(out, e)
		}
	}
	return out
}
