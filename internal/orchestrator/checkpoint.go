package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

// checkpointVersion is bumped when the TurnState shape changes
// incompatibly. Loading an envelope with a different version discards it.
const checkpointVersion = 1

// ErrNoCheckpoint is returned by [CheckpointStore.Load] when the session has
// no saved state.
var ErrNoCheckpoint = errors.New("orchestrator: no checkpoint")

// envelope wraps the state with a version so old checkpoints are rejected
// instead of misparsed.
type envelope struct {
	Version int        `json:"v"`
	SavedAt time.Time  `json:"savedAt"`
	State   *TurnState `json:"state"`
}

// CheckpointStore persists per-session turn state. Implementations must be
// safe for concurrent use.
type CheckpointStore interface {
	Save(ctx context.Context, sessionID string, state *TurnState) error
	Load(ctx context.Context, sessionID string) (*TurnState, error)

	// Delete removes the session's checkpoint, typically on session end.
	Delete(ctx context.Context, sessionID string) error

	Close() error
}

// MemoryCheckpoints keeps checkpoints in process memory. State survives a
// turn but not a restart; the Postgres store covers durability.
type MemoryCheckpoints struct {
	mu      sync.Mutex
	entries map[string][]byte
}

var _ CheckpointStore = (*MemoryCheckpoints)(nil)

// NewMemoryCheckpoints creates an empty in-memory store.
func NewMemoryCheckpoints() *MemoryCheckpoints {
	return &MemoryCheckpoints{entries: make(map[string][]byte)}
}

// Save serializes state under sessionID.
func (m *MemoryCheckpoints) Save(_ context.Context, sessionID string, state *TurnState) error {
	raw, err := json.Marshal(envelope{
		Version: checkpointVersion,
		SavedAt: time.Now(),
		State:   state,
	})
	if err != nil {
		return fmt.Errorf("checkpoint save: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[sessionID] = raw
	return nil
}

// Load returns the saved state or [ErrNoCheckpoint].
func (m *MemoryCheckpoints) Load(_ context.Context, sessionID string) (*TurnState, error) {
	m.mu.Lock()
	raw, ok := m.entries[sessionID]
	m.mu.Unlock()
	if !ok {
		return nil, ErrNoCheckpoint
	}
	return decodeEnvelope(raw)
}

// Delete drops the session's checkpoint.
func (m *MemoryCheckpoints) Delete(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, sessionID)
	return nil
}

// Close implements [CheckpointStore].
func (m *MemoryCheckpoints) Close() error { return nil }

func decodeEnvelope(raw []byte) (*TurnState, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("checkpoint load: %w", err)
	}
	if env.Version != checkpointVersion || env.State == nil {
		return nil, ErrNoCheckpoint
	}
	return env.State, nil
}
