package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // SQLite driver
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS audit_events (
	seq       INTEGER PRIMARY KEY AUTOINCREMENT,
	id        TEXT NOT NULL UNIQUE,
	type      TEXT NOT NULL,
	timestamp INTEGER NOT NULL,
	task_id   TEXT NOT NULL DEFAULT '',
	actor     TEXT NOT NULL DEFAULT '',
	content   TEXT NOT NULL DEFAULT '{}',
	hash      TEXT NOT NULL,
	prev_hash TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_audit_type ON audit_events(type);
CREATE INDEX IF NOT EXISTS idx_audit_task ON audit_events(task_id);
`

// SQLiteStore keeps the audit chain in SQLite. Chain order is the insertion
// sequence.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore wraps an open SQLite handle and ensures the table exists.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	if _, err := db.Exec(sqliteSchema); err != nil {
		return nil, fmt.Errorf("create audit schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Append links a new event to the chain tail inside one transaction.
func (s *SQLiteStore) Append(ctx context.Context, r Record) (*Event, error) {
	if r.Content == nil {
		r.Content = map[string]any{}
	}
	contentJSON, err := json.Marshal(r.Content)
	if err != nil {
		return nil, fmt.Errorf("marshal content: %w", err)
	}
	var content map[string]any
	if err := json.Unmarshal(contentJSON, &content); err != nil {
		return nil, fmt.Errorf("normalize content: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var prevHash string
	err = tx.QueryRowContext(ctx, `SELECT hash FROM audit_events ORDER BY seq DESC LIMIT 1`).Scan(&prevHash)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("read chain tail: %w", err)
	}

	e := &Event{
		ID:        uuid.Must(uuid.NewV7()).String(),
		Type:      r.Type,
		Timestamp: time.Now().Truncate(time.Microsecond),
		TaskID:    r.TaskID,
		Actor:     r.Actor,
		Content:   content,
		PrevHash:  prevHash,
	}
	e.Hash = computeHash(prevHash, e.ID, e.Type, e.TaskID, e.Actor, e.Timestamp, contentJSON)

	_, err = tx.ExecContext(ctx, `
		INSERT INTO audit_events (id, type, timestamp, task_id, actor, content, hash, prev_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Type, e.Timestamp.UnixNano(), e.TaskID, e.Actor, string(contentJSON), e.Hash, e.PrevHash)
	if err != nil {
		return nil, fmt.Errorf("insert event: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit event: %w", err)
	}
	return e, nil
}

const sqliteEventColumns = `id, type, timestamp, task_id, actor, content, hash, prev_hash`

func (s *SQLiteStore) Get(ctx context.Context, id string) (*Event, error) {
	events, err := s.query(ctx, `SELECT `+sqliteEventColumns+` FROM audit_events WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("get event %s: %w", id, err)
	}
	if len(events) == 0 {
		return nil, fmt.Errorf("get event %s: %w", id, ErrNotFound)
	}
	return &events[0], nil
}

func (s *SQLiteStore) Recent(ctx context.Context, limit int) ([]Event, error) {
	return s.query(ctx, `SELECT `+sqliteEventColumns+` FROM audit_events ORDER BY seq DESC LIMIT ?`, sqliteLimit(limit))
}

func (s *SQLiteStore) ByType(ctx context.Context, eventType string, limit int) ([]Event, error) {
	return s.query(ctx, `SELECT `+sqliteEventColumns+` FROM audit_events WHERE type = ? ORDER BY seq DESC LIMIT ?`,
		eventType, sqliteLimit(limit))
}

func (s *SQLiteStore) ByTask(ctx context.Context, taskID string, limit int) ([]Event, error) {
	return s.query(ctx, `SELECT `+sqliteEventColumns+` FROM audit_events WHERE task_id = ? ORDER BY seq ASC LIMIT ?`,
		taskID, sqliteLimit(limit))
}

func (s *SQLiteStore) Since(ctx context.Context, afterID string, limit int) ([]Event, error) {
	return s.query(ctx, `
		SELECT `+sqliteEventColumns+` FROM audit_events
		WHERE seq > (SELECT seq FROM audit_events WHERE id = ?)
		ORDER BY seq ASC LIMIT ?`, afterID, sqliteLimit(limit))
}

func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_events`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) VerifyChain(ctx context.Context) error {
	events, err := s.query(ctx, `SELECT `+sqliteEventColumns+` FROM audit_events ORDER BY seq ASC`)
	if err != nil {
		return fmt.Errorf("verify chain query: %w", err)
	}
	return verify(events)
}

// sqliteLimit maps "no limit" to SQLite's LIMIT -1.
func sqliteLimit(limit int) int {
	if limit <= 0 {
		return -1
	}
	return limit
}

func (s *SQLiteStore) query(ctx context.Context, q string, args ...any) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var ts int64
		var contentJSON string
		if err := rows.Scan(&e.ID, &e.Type, &ts, &e.TaskID, &e.Actor, &contentJSON, &e.Hash, &e.PrevHash); err != nil {
			return nil, err
		}
		e.Timestamp = time.Unix(0, ts).UTC()
		if err := json.Unmarshal([]byte(contentJSON), &e.Content); err != nil {
			return nil, fmt.Errorf("unmarshal content: %w", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration: %w", err)
	}
	return events, nil
}
