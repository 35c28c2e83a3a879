package outbox

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Store persists outbox records. Implementations must make Claim a
// conditional transition so that concurrent publishers never deliver the
// same record twice within a lease.
type Store interface {
	// Append stamps CreatedAt and persists the record as pending.
	Append(ctx context.Context, rec *Record) error

	// FetchPending returns pending records that are due (past their backoff
	// delay), oldest first, at most limit. A record is held back while an
	// older record of its aggregate is claimed or waiting out a backoff, so
	// a fetch can never let it overtake across batches.
	FetchPending(ctx context.Context, limit int) ([]Record, error)

	// Claim transitions the record from pending to publishing and stamps
	// LastAttemptAt. It returns false when the record was not pending, which
	// means another publisher holds it.
	Claim(ctx context.Context, id uuid.UUID) (bool, error)

	// MarkPublished transitions a publishing record to published and stamps
	// PublishedAt.
	MarkPublished(ctx context.Context, id uuid.UUID) error

	// MarkFailed increments attempts and records the error. The record
	// returns to pending unless attempts has reached MaxAttempts or force
	// is set, in which case it is dead-lettered.
	MarkFailed(ctx context.Context, id uuid.UUID, cause string, force bool) error

	// ReapStale returns publishing records whose lease expired (claimed
	// longer than lease ago) to pending, and reports how many were reaped.
	ReapStale(ctx context.Context, lease time.Duration) (int, error)

	// CountStalePending counts pending records older than the given age.
	// Used to flag stuck work to operators.
	CountStalePending(ctx context.Context, olderThan time.Duration) (int, error)

	Close() error
}

// ── In-memory store ─────────────────────────────────────────────────────────

// MemoryStore is a Store backed by a map. Used in tests and broker-less
// single-process deployments.
type MemoryStore struct {
	mu      sync.Mutex
	records map[uuid.UUID]*Record

	// now is swappable in tests.
	now func() time.Time
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[uuid.UUID]*Record),
		now:     time.Now,
	}
}

func (s *MemoryStore) Append(ctx context.Context, rec *Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.MaxAttempts <= 0 {
		rec.MaxAttempts = DefaultMaxAttempts
	}
	rec.CreatedAt = s.now()
	rec.Status = StatusPending

	cp := *rec
	s.records[rec.ID] = &cp
	return nil
}

func (s *MemoryStore) FetchPending(ctx context.Context, limit int) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var due []Record
	for _, rec := range s.records {
		if rec.Status != StatusPending {
			continue
		}
		if rec.LastAttemptAt != nil && now.Before(rec.LastAttemptAt.Add(Backoff(rec.Attempts))) {
			continue
		}
		if s.olderSiblingHeldLocked(rec, now) {
			continue
		}
		due = append(due, *rec)
	}
	sort.Slice(due, func(i, j int) bool { return due[i].CreatedAt.Before(due[j].CreatedAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

// olderSiblingHeldLocked reports whether an older record of rec's aggregate
// is claimed by a publisher or still inside its backoff window. Fetching rec
// past such a sibling would publish it out of order. An older sibling that is
// due sorts ahead of rec in the same batch and needs no gate; a dead-lettered
// one never blocks, or the aggregate would stall forever.
func (s *MemoryStore) olderSiblingHeldLocked(rec *Record, now time.Time) bool {
	for _, other := range s.records {
		if other.AggregateID != rec.AggregateID || !other.CreatedAt.Before(rec.CreatedAt) {
			continue
		}
		switch other.Status {
		case StatusPublishing:
			return true
		case StatusPending:
			if other.LastAttemptAt != nil && now.Before(other.LastAttemptAt.Add(Backoff(other.Attempts))) {
				return true
			}
		}
	}
	return false
}

func (s *MemoryStore) Claim(ctx context.Context, id uuid.UUID) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok || rec.Status != StatusPending {
		return false, nil
	}
	now := s.now()
	rec.Status = StatusPublishing
	rec.LastAttemptAt = &now
	return true, nil
}

func (s *MemoryStore) MarkPublished(ctx context.Context, id uuid.UUID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return fmt.Errorf("outbox: record %s not found", id)
	}
	now := s.now()
	rec.Status = StatusPublished
	rec.PublishedAt = &now
	rec.Error = ""
	return nil
}

func (s *MemoryStore) MarkFailed(ctx context.Context, id uuid.UUID, cause string, force bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return fmt.Errorf("outbox: record %s not found", id)
	}
	if rec.Attempts < rec.MaxAttempts {
		rec.Attempts++
	}
	rec.Error = cause
	if force || rec.Attempts >= rec.MaxAttempts {
		rec.Status = StatusDeadLetter
	} else {
		rec.Status = StatusPending
	}
	return nil
}

func (s *MemoryStore) ReapStale(ctx context.Context, lease time.Duration) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-lease)
	var reaped int
	for _, rec := range s.records {
		if rec.Status == StatusPublishing && rec.LastAttemptAt != nil && rec.LastAttemptAt.Before(cutoff) {
			rec.Status = StatusPending
			reaped++
		}
	}
	return reaped, nil
}

func (s *MemoryStore) CountStalePending(ctx context.Context, olderThan time.Duration) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-olderThan)
	var n int
	for _, rec := range s.records {
		if rec.Status == StatusPending && rec.CreatedAt.Before(cutoff) {
			n++
		}
	}
	return n, nil
}

// Get returns a copy of the record, for tests and inspection.
func (s *MemoryStore) Get(id uuid.UUID) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

func (s *MemoryStore) Close() error { return nil }
