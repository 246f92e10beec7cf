package nats

import (
	"context"
	"sync"
)

// MockPublisher is a mock implementation of Publisher for testing.
type MockPublisher struct {
	mu           sync.RWMutex
	events       []*StatusEvent
	publishError error
	closed       bool
}

// NewMockPublisher creates a new mock publisher for testing.
func NewMockPublisher() *MockPublisher {
	return &MockPublisher{
		events: make([]*StatusEvent, 0),
	}
}

// PublishStatus records the event and returns any configured error.
func (m *MockPublisher) PublishStatus(ctx context.Context, event *StatusEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.publishError != nil {
		return m.publishError
	}

	m.events = append(m.events, event)
	return nil
}

// Close marks the publisher as closed.
func (m *MockPublisher) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Events returns a copy of all published events.
func (m *MockPublisher) Events() []*StatusEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()

	events := make([]*StatusEvent, len(m.events))
	copy(events, m.events)
	return events
}

// EventsFor returns the events published for a signature.
func (m *MockPublisher) EventsFor(signature string) []*StatusEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()

	events := make([]*StatusEvent, 0)
	for _, event := range m.events {
		if event.Signature == signature {
			events = append(events, event)
		}
	}
	return events
}

// SetPublishError configures the mock to return an error on PublishStatus.
func (m *MockPublisher) SetPublishError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.publishError = err
}

// IsClosed returns whether the publisher has been closed.
func (m *MockPublisher) IsClosed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}
