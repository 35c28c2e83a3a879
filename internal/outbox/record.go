// Package outbox implements transactional event publishing. State changes
// append rows to an outbox store in the same transaction as the change; a
// publisher drains the store to a [bus.Sink] with at-least-once delivery,
// per-aggregate ordering, exponential backoff, and a dead-letter terminal
// state.
package outbox

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// DefaultMaxAttempts is how many deliveries are tried before a record is
// dead-lettered.
const DefaultMaxAttempts = 5

// Status is the lifecycle state of an outbox record.
//
// pending → publishing → published is the happy path. A failed delivery
// returns the record to pending (with attempts incremented) until attempts
// reaches maxAttempts, then dead_letter. published and dead_letter are
// terminal.
type Status string

const (
	StatusPending    Status = "pending"
	StatusPublishing Status = "publishing"
	StatusPublished  Status = "published"
	StatusDeadLetter Status = "dead_letter"
)

// Record is one outbox row.
type Record struct {
	ID            uuid.UUID
	TenantID      string
	Aggregate     string
	AggregateID   string
	Type          string
	Payload       json.RawMessage
	CorrelationID string
	CreatedAt     time.Time
	PublishedAt   *time.Time
	Attempts      int
	MaxAttempts   int
	LastAttemptAt *time.Time
	Error         string
	Status        Status
}

// New creates a pending record with a fresh ID and the default attempt cap.
// CreatedAt is left zero; the store stamps it on append.
func New(tenantID, aggregate, aggregateID, eventType string, payload json.RawMessage) *Record {
	return &Record{
		ID:          uuid.New(),
		TenantID:    tenantID,
		Aggregate:   aggregate,
		AggregateID: aggregateID,
		Type:        eventType,
		Payload:     payload,
		MaxAttempts: DefaultMaxAttempts,
		Status:      StatusPending,
	}
}

// Backoff returns how long a record must wait after its n-th failed attempt
// before it is due again: min(1s × 2^attempts, 30s).
func Backoff(attempts int) time.Duration {
	d := time.Second
	for i := 0; i < attempts && d < 30*time.Second; i++ {
		d *= 2
	}
	if d > 30*time.Second {
		d = 30 * time.Second
	}
	return d
}
