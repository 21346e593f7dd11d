package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// appendLockKey is the transaction-scoped advisory lock every Append takes
// before reading the chain tail.
const appendLockKey int64 = 0x63617065_6e670001

const eventColumns = `id, type, timestamp, task_id, actor, content, hash, prev_hash`

// PgStore is a PostgreSQL-backed audit Store with hash-chained integrity.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a PgStore.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// EnsureTable creates the audit_events table if it doesn't exist.
func (s *PgStore) EnsureTable(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS audit_events (
			id        TEXT PRIMARY KEY,
			type      TEXT NOT NULL,
			timestamp TIMESTAMPTZ NOT NULL,
			task_id   TEXT NOT NULL DEFAULT '',
			actor     TEXT NOT NULL DEFAULT '',
			content   JSONB NOT NULL DEFAULT '{}',
			hash      TEXT NOT NULL,
			prev_hash TEXT NOT NULL DEFAULT ''
		)`)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `CREATE INDEX IF NOT EXISTS idx_audit_type ON audit_events(type)`)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `CREATE INDEX IF NOT EXISTS idx_audit_task ON audit_events(task_id) WHERE task_id != ''`)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `CREATE INDEX IF NOT EXISTS idx_audit_timestamp_id ON audit_events(timestamp, id)`)
	return err
}

// Append creates and stores a new event, computing the hash chain. Appends
// take a transaction-scoped advisory lock, so the tail they link to is the
// tail they commit behind, and timestamps never run backwards along the chain.
func (s *PgStore) Append(ctx context.Context, r Record) (*Event, error) {
	if r.Content == nil {
		r.Content = map[string]any{}
	}
	contentJSON, err := json.Marshal(r.Content)
	if err != nil {
		return nil, fmt.Errorf("marshal content: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, appendLockKey); err != nil {
		return nil, fmt.Errorf("lock chain: %w", err)
	}

	var prevHash string
	var tailAt time.Time
	err = tx.QueryRow(ctx, `SELECT hash, timestamp FROM audit_events ORDER BY timestamp DESC, id DESC LIMIT 1`).
		Scan(&prevHash, &tailAt)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("read chain tail: %w", err)
	}

	now := time.Now().UTC().Truncate(time.Microsecond)
	if !tailAt.IsZero() && !now.After(tailAt) {
		now = tailAt.UTC().Add(time.Microsecond)
	}
	id := uuid.Must(uuid.NewV7()).String()

	e := &Event{
		ID:        id,
		Type:      r.Type,
		Timestamp: now,
		TaskID:    r.TaskID,
		Actor:     r.Actor,
		Content:   r.Content,
		PrevHash:  prevHash,
	}
	e.Hash = computeHash(prevHash, e.ID, e.Type, e.TaskID, e.Actor, e.Timestamp, contentJSON)

	_, err = tx.Exec(ctx, `
		INSERT INTO audit_events (`+eventColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7, $8)`,
		e.ID, e.Type, e.Timestamp, e.TaskID, e.Actor, string(contentJSON), e.Hash, e.PrevHash)
	if err != nil {
		return nil, fmt.Errorf("insert event: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit event: %w", err)
	}
	return e, nil
}

// Get retrieves a single event by ID.
func (s *PgStore) Get(ctx context.Context, id string) (*Event, error) {
	events, err := s.scanMany(ctx, `SELECT `+eventColumns+` FROM audit_events WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("get event %s: %w", id, err)
	}
	if len(events) == 0 {
		return nil, fmt.Errorf("get event %s: %w", id, ErrNotFound)
	}
	return &events[0], nil
}

// Recent returns the most recent events in reverse chronological order.
func (s *PgStore) Recent(ctx context.Context, limit int) ([]Event, error) {
	return s.scanMany(ctx, `SELECT `+eventColumns+` FROM audit_events ORDER BY timestamp DESC, id DESC LIMIT $1`, pgLimit(limit))
}

// ByType returns events of one type, newest first.
func (s *PgStore) ByType(ctx context.Context, eventType string, limit int) ([]Event, error) {
	return s.scanMany(ctx, `SELECT `+eventColumns+` FROM audit_events WHERE type = $1 ORDER BY timestamp DESC, id DESC LIMIT $2`, eventType, pgLimit(limit))
}

// ByTask returns a task's events in chronological order.
func (s *PgStore) ByTask(ctx context.Context, taskID string, limit int) ([]Event, error) {
	return s.scanMany(ctx, `SELECT `+eventColumns+` FROM audit_events WHERE task_id = $1 ORDER BY timestamp ASC, id ASC LIMIT $2`, taskID, pgLimit(limit))
}

// Since returns events created after the given ID, for polling/SSE.
func (s *PgStore) Since(ctx context.Context, afterID string, limit int) ([]Event, error) {
	return s.scanMany(ctx, `
		SELECT `+eventColumns+` FROM audit_events
		WHERE (timestamp, id) > (SELECT timestamp, id FROM audit_events WHERE id = $1)
		ORDER BY timestamp ASC, id ASC LIMIT $2`, afterID, pgLimit(limit))
}

// Count returns the total number of events.
func (s *PgStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM audit_events`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}

// VerifyChain walks the entire chain chronologically and verifies hash integrity.
func (s *PgStore) VerifyChain(ctx context.Context) error {
	events, err := s.scanMany(ctx, `SELECT `+eventColumns+` FROM audit_events ORDER BY timestamp ASC, id ASC`)
	if err != nil {
		return fmt.Errorf("verify chain query: %w", err)
	}
	return verify(events)
}

// pgLimit maps "no limit" to LIMIT NULL, which PostgreSQL treats as ALL.
func pgLimit(limit int) any {
	if limit <= 0 {
		return nil
	}
	return limit
}

func (s *PgStore) scanMany(ctx context.Context, query string, args ...any) ([]Event, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var contentJSON []byte
		if err := rows.Scan(&e.ID, &e.Type, &e.Timestamp, &e.TaskID, &e.Actor, &contentJSON, &e.Hash, &e.PrevHash); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(contentJSON, &e.Content); err != nil {
			return nil, fmt.Errorf("unmarshal content: %w", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration: %w", err)
	}
	return events, nil
}
