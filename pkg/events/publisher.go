package events

import (
	"context"
	"sync"
)

// EventPublisher is the interface for publishing mesh change events.
type EventPublisher interface {
	PublishChanged(ctx context.Context, event *MeshChangedEvent) error
}

// NoOpPublisher is an EventPublisher that does nothing (for in-process usage without events).
type NoOpPublisher struct{}

// PublishChanged is a no-op.
func (p *NoOpPublisher) PublishChanged(_ context.Context, _ *MeshChangedEvent) error {
	return nil
}

// CallbackPublisher is an EventPublisher that calls a callback function (for testing).
type CallbackPublisher struct {
	callback func(ctx context.Context, event *MeshChangedEvent) error
}

// NewCallbackPublisher creates a new CallbackPublisher.
func NewCallbackPublisher(cb func(ctx context.Context, event *MeshChangedEvent) error) *CallbackPublisher {
	return &CallbackPublisher{callback: cb}
}

// PublishChanged calls the callback.
func (p *CallbackPublisher) PublishChanged(ctx context.Context, event *MeshChangedEvent) error {
	return p.callback(ctx, event)
}

// RecordingPublisher keeps every published event in memory.
type RecordingPublisher struct {
	mu     sync.Mutex
	events []MeshChangedEvent
}

// PublishChanged records a copy of the event.
func (p *RecordingPublisher) PublishChanged(_ context.Context, event *MeshChangedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, *event)
	return nil
}

// Events returns the recorded events in publish order.
func (p *RecordingPublisher) Events() []MeshChangedEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]MeshChangedEvent, len(p.events))
	copy(out, p.events)
	return out
}

// OfKind returns the recorded events of one kind.
func (p *RecordingPublisher) OfKind(k Kind) []MeshChangedEvent {
	var out []MeshChangedEvent
	for _, e := range p.Events() {
		if e.Kind == k {
			out = append(out, e)
		}
	}
	return out
}

// Multi fans one event out to several publishers; the first error is returned after
// every publisher has been called.
type Multi []EventPublisher

// PublishChanged implements EventPublisher.
func (m Multi) PublishChanged(ctx context.Context, event *MeshChangedEvent) error {
	var first error
	for _, p := range m {
		if p == nil {
			continue
		}
		if err := p.PublishChanged(ctx, event); err != nil && first == nil {
			first = err
		}
	}
	return first
}
