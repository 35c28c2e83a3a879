package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGCheckpoints stores checkpoints in PostgreSQL so a restarted runtime can
// resume mid-turn sessions.
type PGCheckpoints struct {
	pool *pgxpool.Pool
}

var _ CheckpointStore = (*PGCheckpoints)(nil)

// NewPGCheckpoints connects to dsn and migrates the checkpoint table.
func NewPGCheckpoints(ctx context.Context, dsn string) (*PGCheckpoints, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("pg checkpoints: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("pg checkpoints: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pg checkpoints: ping: %w", err)
	}
	s := &PGCheckpoints{pool: pool}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pg checkpoints: migrate: %w", err)
	}
	return s, nil
}

// NewPGCheckpointsFromPool wraps an existing pool. Close is then a no-op on
// the pool, which stays owned by the caller.
func NewPGCheckpointsFromPool(pool *pgxpool.Pool) *PGCheckpoints {
	return &PGCheckpoints{pool: pool}
}

// Migrate creates the checkpoint table.
func (s *PGCheckpoints) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS agent_checkpoints (
			session_id text PRIMARY KEY,
			envelope   jsonb NOT NULL,
			updated_at timestamptz NOT NULL DEFAULT now()
		)`)
	if err != nil {
		return fmt.Errorf("pg checkpoints: %w", err)
	}
	return nil
}

// Save upserts the session's checkpoint.
func (s *PGCheckpoints) Save(ctx context.Context, sessionID string, state *TurnState) error {
	raw, err := json.Marshal(envelope{
		Version: checkpointVersion,
		SavedAt: time.Now(),
		State:   state,
	})
	if err != nil {
		return fmt.Errorf("pg checkpoints: save: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO agent_checkpoints (session_id, envelope, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (session_id) DO UPDATE SET
			envelope = EXCLUDED.envelope, updated_at = now()`,
		sessionID, raw)
	if err != nil {
		return fmt.Errorf("pg checkpoints: save %s: %w", sessionID, err)
	}
	return nil
}

// Load returns the saved state or [ErrNoCheckpoint].
func (s *PGCheckpoints) Load(ctx context.Context, sessionID string) (*TurnState, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx, `
		SELECT envelope FROM agent_checkpoints WHERE session_id = $1`,
		sessionID).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNoCheckpoint
	}
	if err != nil {
		return nil, fmt.Errorf("pg checkpoints: load %s: %w", sessionID, err)
	}
	return decodeEnvelope(raw)
}

// Delete drops the session's checkpoint.
func (s *PGCheckpoints) Delete(ctx context.Context, sessionID string) error {
	if _, err := s.pool.Exec(ctx, `
		DELETE FROM agent_checkpoints WHERE session_id = $1`, sessionID); err != nil {
		return fmt.Errorf("pg checkpoints: delete %s: %w", sessionID, err)
	}
	return nil
}

// Prune removes checkpoints that have not been touched for olderThan,
// returning the number deleted. Sessions that old are long gone.
func (s *PGCheckpoints) Prune(ctx context.Context, olderThan time.Duration) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM agent_checkpoints
		WHERE updated_at < now() - $1::interval`,
		olderThan)
	if err != nil {
		return 0, fmt.Errorf("pg checkpoints: prune: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// Close releases the pool.
func (s *PGCheckpoints) Close() error {
	s.pool.Close()
	return nil
}
