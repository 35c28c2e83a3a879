// Package bus defines the downstream event transport the outbox publisher
// delivers through. A [Sink] takes one event at a time; delivery retries,
// ordering, and dead-lettering live in the outbox layer, not here.
package bus

import (
	"context"
	"errors"
)

// Event is one published message.
type Event struct {
	// Topic routes the event downstream (Redis stream key suffix, HTTP
	// header, consumer filter).
	Topic string

	// Key is the partition key. Events sharing a key are delivered in order.
	Key string

	// EventID is a globally unique identifier consumers deduplicate on.
	EventID string

	// Payload is the JSON-encoded event body.
	Payload []byte

	// Headers carry transport metadata (tenant, schema version).
	Headers map[string]string
}

// Sink delivers events to a downstream transport. Publish must be safe for
// concurrent use. A non-permanent error means the delivery may be retried.
type Sink interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

// permanentError marks a delivery failure that retrying cannot fix.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return "permanent: " + e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err to signal the publisher that the event should be
// dead-lettered immediately instead of retried.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with [Permanent].
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}
