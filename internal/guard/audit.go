package guard

import (
	"sync"
	"time"
)

// DefaultAuditSize is the standard audit ring capacity.
const DefaultAuditSize = 1000

// AuditAction names a recordable privacy event.
type AuditAction string

const (
	AuditPIIDetected     AuditAction = "pii_detected"
	AuditComplianceCheck AuditAction = "compliance_check"
	AuditRightToErasure  AuditAction = "right_to_erasure"
)

// AuditEntry is one append-only privacy audit record.
type AuditEntry struct {
	Ts       time.Time
	Action   AuditAction
	TenantID string
	Details  string
}

// AuditRing is a bounded append-only log of privacy events. When full, the
// oldest entry is overwritten. Safe for concurrent use.
type AuditRing struct {
	mu      sync.Mutex
	entries []AuditEntry
	head    int
	size    int
}

// NewAuditRing creates a ring holding at most capacity entries.
func NewAuditRing(capacity int) *AuditRing {
	if capacity < 1 {
		capacity = DefaultAuditSize
	}
	return &AuditRing{entries: make([]AuditEntry, capacity)}
}

// Append records one entry, evicting the oldest when full.
func (r *AuditRing) Append(e AuditEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.size == len(r.entries) {
		r.entries[r.head] = e
		r.head = (r.head + 1) % len(r.entries)
		return
	}
	r.entries[(r.head+r.size)%len(r.entries)] = e
	r.size++
}

// Entries returns a copy of the trail, oldest first.
func (r *AuditRing) Entries() []AuditEntry {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]AuditEntry, 0, r.size)
	for i := 0; i < r.size; i++ {
		out = append(out, r.entries[(r.head+i)%len(r.entries)])
	}
	return out
}

// Len returns the number of retained entries.
func (r *AuditRing) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}
