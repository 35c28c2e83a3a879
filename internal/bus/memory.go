package bus

import (
	"context"
	"sync"
)

// MemorySink collects published events in memory. Used in tests and in
// single-process deployments without a broker.
type MemorySink struct {
	mu     sync.Mutex
	events []Event

	// FailWith, when non-nil, is returned by Publish instead of recording.
	// Tests use it to exercise retry paths.
	FailWith error
}

var _ Sink = (*MemorySink)(nil)

// NewMemorySink creates an empty in-memory sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// Publish records the event, honoring context cancellation.
func (s *MemorySink) Publish(ctx context.Context, e Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWith != nil {
		return s.FailWith
	}
	s.events = append(s.events, e)
	return nil
}

// Events returns a copy of everything published so far, in delivery order.
func (s *MemorySink) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

// SetFailure swaps the injected publish error.
func (s *MemorySink) SetFailure(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.FailWith = err
}

// Close is a no-op.
func (s *MemorySink) Close() error { return nil }
