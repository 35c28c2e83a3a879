package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGStore is a Store backed by PostgreSQL. Claims and reaps rely on
// conditional UPDATEs, so any number of publisher processes can share one
// table safely.
type PGStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*PGStore)(nil)

// NewPGStore connects to the database at dsn and runs the schema migration.
func NewPGStore(ctx context.Context, dsn string) (*PGStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("outbox store: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("outbox store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("outbox store: ping: %w", err)
	}
	s := &PGStore{pool: pool}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("outbox store: migrate: %w", err)
	}
	return s, nil
}

// NewPGStoreFromPool wraps an existing pool without migrating. Used when the
// checkpoint store already owns the pool.
func NewPGStoreFromPool(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

// Migrate creates the outbox table and its indexes if they do not exist.
func (s *PGStore) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS outbox_events (
			id              uuid PRIMARY KEY,
			tenant_id       text NOT NULL,
			aggregate       text NOT NULL,
			aggregate_id    text NOT NULL,
			type            text NOT NULL,
			payload         jsonb NOT NULL,
			correlation_id  text,
			created_at      timestamptz NOT NULL DEFAULT now(),
			published_at    timestamptz,
			attempts        int NOT NULL DEFAULT 0,
			max_attempts    int NOT NULL DEFAULT 5,
			last_attempt_at timestamptz,
			error           text,
			status          text NOT NULL DEFAULT 'pending'
		)`,
		`CREATE INDEX IF NOT EXISTS outbox_events_pending_idx
			ON outbox_events (status, created_at) WHERE status = 'pending'`,
		`CREATE INDEX IF NOT EXISTS outbox_events_aggregate_idx
			ON outbox_events (aggregate, aggregate_id)`,
		`CREATE INDEX IF NOT EXISTS outbox_events_aggregate_order_idx
			ON outbox_events (aggregate_id, created_at)
			WHERE status IN ('pending', 'publishing')`,
		`CREATE INDEX IF NOT EXISTS outbox_events_correlation_idx
			ON outbox_events (correlation_id)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("outbox store: %w", err)
		}
	}
	return nil
}

const insertSQL = `INSERT INTO outbox_events
	(id, tenant_id, aggregate, aggregate_id, type, payload, correlation_id, max_attempts, status)
	VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8, 'pending')`

func (s *PGStore) Append(ctx context.Context, rec *Record) error {
	return s.append(ctx, s.pool, rec)
}

// AppendTx appends within a caller-owned transaction, so the record commits
// or rolls back together with the state change that produced it.
func (s *PGStore) AppendTx(ctx context.Context, tx pgx.Tx, rec *Record) error {
	return s.append(ctx, tx, rec)
}

// execer is the Exec surface shared by pgxpool.Pool and pgx.Tx.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func (s *PGStore) append(ctx context.Context, db execer, rec *Record) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.MaxAttempts <= 0 {
		rec.MaxAttempts = DefaultMaxAttempts
	}
	_, err := db.Exec(ctx, insertSQL,
		rec.ID, rec.TenantID, rec.Aggregate, rec.AggregateID, rec.Type,
		rec.Payload, rec.CorrelationID, rec.MaxAttempts)
	if err != nil {
		return fmt.Errorf("outbox store: append %s: %w", rec.ID, err)
	}
	return nil
}

// The NOT EXISTS clause keeps aggregate order across batches: a record whose
// older sibling is claimed or still backing off stays out of the batch, since
// publishing it now would overtake the sibling. An older sibling that is due
// needs no gate: it sorts ahead by created_at and lands in the same batch.
func (s *PGStore) FetchPending(ctx context.Context, limit int) ([]Record, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT r.id, r.tenant_id, r.aggregate, r.aggregate_id, r.type, r.payload,
		       COALESCE(r.correlation_id, ''), r.created_at, r.published_at,
		       r.attempts, r.max_attempts, r.last_attempt_at, COALESCE(r.error, ''), r.status
		FROM outbox_events r
		WHERE r.status = 'pending'
		  AND (r.last_attempt_at IS NULL
		       OR r.last_attempt_at + LEAST(interval '1 second' * POWER(2, r.attempts), interval '30 seconds') <= now())
		  AND NOT EXISTS (
		       SELECT 1 FROM outbox_events prior
		       WHERE prior.aggregate_id = r.aggregate_id
		         AND prior.created_at < r.created_at
		         AND (prior.status = 'publishing'
		              OR (prior.status = 'pending'
		                  AND prior.last_attempt_at IS NOT NULL
		                  AND prior.last_attempt_at + LEAST(interval '1 second' * POWER(2, prior.attempts), interval '30 seconds') > now())))
		ORDER BY r.created_at
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("outbox store: fetch pending: %w", err)
	}
	recs, err := pgx.CollectRows(rows, scanRecord)
	if err != nil {
		return nil, fmt.Errorf("outbox store: fetch pending: %w", err)
	}
	return recs, nil
}

func scanRecord(row pgx.CollectableRow) (Record, error) {
	var rec Record
	err := row.Scan(&rec.ID, &rec.TenantID, &rec.Aggregate, &rec.AggregateID,
		&rec.Type, &rec.Payload, &rec.CorrelationID, &rec.CreatedAt,
		&rec.PublishedAt, &rec.Attempts, &rec.MaxAttempts, &rec.LastAttemptAt,
		&rec.Error, &rec.Status)
	return rec, err
}

func (s *PGStore) Claim(ctx context.Context, id uuid.UUID) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE outbox_events
		SET status = 'publishing', last_attempt_at = now()
		WHERE id = $1 AND status = 'pending'`, id)
	if err != nil {
		return false, fmt.Errorf("outbox store: claim %s: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PGStore) MarkPublished(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE outbox_events
		SET status = 'published', published_at = now(), error = NULL
		WHERE id = $1 AND status = 'publishing'`, id)
	if err != nil {
		return fmt.Errorf("outbox store: mark published %s: %w", id, err)
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("outbox store: mark published %s: record not publishing", id)
	}
	return nil
}

func (s *PGStore) MarkFailed(ctx context.Context, id uuid.UUID, cause string, force bool) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE outbox_events
		SET attempts = LEAST(attempts + 1, max_attempts),
		    error = $2,
		    status = CASE
		      WHEN $3 OR attempts + 1 >= max_attempts THEN 'dead_letter'
		      ELSE 'pending'
		    END
		WHERE id = $1 AND status = 'publishing'`, id, cause, force)
	if err != nil {
		return fmt.Errorf("outbox store: mark failed %s: %w", id, err)
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("outbox store: mark failed %s: record not publishing", id)
	}
	return nil
}

func (s *PGStore) ReapStale(ctx context.Context, lease time.Duration) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE outbox_events
		SET status = 'pending'
		WHERE status = 'publishing' AND last_attempt_at < now() - $1::interval`,
		lease)
	if err != nil {
		return 0, fmt.Errorf("outbox store: reap stale: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *PGStore) CountStalePending(ctx context.Context, olderThan time.Duration) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
		SELECT count(*) FROM outbox_events
		WHERE status = 'pending' AND created_at < now() - $1::interval`,
		olderThan).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("outbox store: count stale pending: %w", err)
	}
	return n, nil
}

// Close releases the connection pool.
func (s *PGStore) Close() error {
	s.pool.Close()
	return nil
}
