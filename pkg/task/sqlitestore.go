package task

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // SQLite driver
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS tasks (
	id               TEXT PRIMARY KEY,
	capacity         TEXT NOT NULL,
	status           TEXT NOT NULL,
	title            TEXT NOT NULL DEFAULT '',
	description      TEXT NOT NULL DEFAULT '',
	payload          TEXT NOT NULL DEFAULT '{}',
	priority         INTEGER NOT NULL DEFAULT 0,
	due_at           INTEGER,
	tri              TEXT,
	owner            TEXT NOT NULL DEFAULT '',
	lock_holder      TEXT NOT NULL DEFAULT '',
	lock_acquired_at INTEGER,
	lock_expires_at  INTEGER,
	renewals         INTEGER NOT NULL DEFAULT 0,
	created_at       INTEGER NOT NULL,
	updated_at       INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tasks_capacity_status ON tasks(capacity, status);
`

const sqliteColumns = `id, capacity, status, title, description, payload, priority, due_at, tri, owner,
	lock_holder, lock_acquired_at, lock_expires_at, renewals, created_at, updated_at`

// SQLiteStore persists tasks in a SQLite database. Timestamps are stored as
// Unix nanoseconds so lock comparisons in WHERE clauses are exact.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore wraps an open SQLite handle and ensures the tasks table exists.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	if _, err := db.Exec(sqliteSchema); err != nil {
		return nil, fmt.Errorf("create task schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Create persists a new task and sets its ID, CreatedAt, and UpdatedAt.
func (s *SQLiteStore) Create(ctx context.Context, t *Task) (*Task, error) {
	cp := t.Clone()
	if cp.ID == "" {
		cp.ID = uuid.Must(uuid.NewV7()).String()
	}
	if cp.Status == "" {
		cp.Status = StatusOpen
	}
	if cp.Payload == nil {
		cp.Payload = map[string]any{}
	}
	if err := cp.Validate(); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	cp.CreatedAt = now
	cp.UpdatedAt = now

	vals, err := sqliteValues(cp)
	if err != nil {
		return nil, err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO tasks (`+sqliteColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`, vals...)
	if err != nil {
		return nil, fmt.Errorf("insert task: %w", err)
	}
	return cp, nil
}

// Get retrieves a task by ID.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*Task, error) {
	return s.get(ctx, s.db, id)
}

type sqliteQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLiteStore) get(ctx context.Context, q sqliteQuerier, id string) (*Task, error) {
	t, err := scanSQLiteTask(q.QueryRowContext(ctx, `SELECT `+sqliteColumns+` FROM tasks WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get task %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	return t, nil
}

// List returns tasks matching the filter.
func (s *SQLiteStore) List(ctx context.Context, f Filter) ([]Task, error) {
	q := strings.Builder{}
	q.WriteString("SELECT " + sqliteColumns + " FROM tasks WHERE 1=1")
	args := []any{}

	if f.Capacity != "" {
		q.WriteString(" AND capacity=?")
		args = append(args, string(f.Capacity))
	}
	if len(f.Statuses) > 0 {
		q.WriteString(" AND status IN (" + placeholders(len(f.Statuses)) + ")")
		for _, st := range f.Statuses {
			args = append(args, string(st))
		}
	}
	if f.Owner != "" {
		q.WriteString(" AND owner=?")
		args = append(args, f.Owner)
	}
	if len(f.IDs) > 0 {
		q.WriteString(" AND id IN (" + placeholders(len(f.IDs)) + ")")
		for _, id := range f.IDs {
			args = append(args, id)
		}
	}
	if !f.UpdatedSince.IsZero() {
		q.WriteString(" AND updated_at >= ?")
		args = append(args, f.UpdatedSince.UnixNano())
	}
	q.WriteString(" ORDER BY priority DESC, created_at ASC, id ASC")
	if f.Limit > 0 {
		q.WriteString(fmt.Sprintf(" LIMIT %d", f.Limit))
	}

	rows, err := s.db.QueryContext(ctx, q.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []Task
	for rows.Next() {
		t, err := scanSQLiteTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}

// Update reads, patches and rewrites the row inside one transaction. The
// final UPDATE repeats the expected status and lock in its WHERE clause so a
// writer from another process still loses cleanly.
func (s *SQLiteStore) Update(ctx context.Context, id string, p Patch) (*Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	cur, err := s.get(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if !p.Matches(cur) {
		return nil, fmt.Errorf("update task %s: %w", id, ErrStale)
	}
	next := cur.Clone()
	p.Apply(next)
	if err := next.Validate(); err != nil {
		return nil, err
	}
	next.UpdatedAt = time.Now().UTC()

	payloadJSON, err := json.Marshal(next.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	holder, acquired, expires := unixLock(next.Lock)
	curHolder, curAcquired, _ := unixLock(cur.Lock)

	res, err := tx.ExecContext(ctx, `
		UPDATE tasks SET
			status=?, owner=?, payload=?, lock_holder=?, lock_acquired_at=?, lock_expires_at=?,
			renewals=?, updated_at=?
		WHERE id=? AND status=? AND lock_holder=? AND lock_acquired_at IS ?`,
		string(next.Status), next.Owner, string(payloadJSON), holder, acquired, expires,
		next.Renewals, next.UpdatedAt.UnixNano(),
		id, string(cur.Status), curHolder, curAcquired,
	)
	if err != nil {
		return nil, fmt.Errorf("update task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, fmt.Errorf("update task %s: %w", id, ErrStale)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit task %s: %w", id, err)
	}
	return next, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func unixLock(l *Lock) (holder string, acquired, expires sql.NullInt64) {
	if l == nil {
		return "", sql.NullInt64{}, sql.NullInt64{}
	}
	return l.HolderID,
		sql.NullInt64{Int64: l.AcquiredAt.UnixNano(), Valid: true},
		sql.NullInt64{Int64: l.ExpiresAt.UnixNano(), Valid: true}
}

func sqliteValues(t *Task) ([]any, error) {
	payloadJSON, err := json.Marshal(t.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	var tri sql.NullString
	if t.TRI != nil {
		b, err := json.Marshal(t.TRI)
		if err != nil {
			return nil, fmt.Errorf("marshal tri: %w", err)
		}
		tri = sql.NullString{String: string(b), Valid: true}
	}
	var due sql.NullInt64
	if t.DueAt != nil {
		due = sql.NullInt64{Int64: t.DueAt.UnixNano(), Valid: true}
	}
	holder, acquired, expires := unixLock(t.Lock)
	return []any{
		t.ID, string(t.Capacity), string(t.Status), t.Title, t.Description, string(payloadJSON), t.Priority,
		due, tri, t.Owner, holder, acquired, expires, t.Renewals, t.CreatedAt.UnixNano(), t.UpdatedAt.UnixNano(),
	}, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteTask(row rowScanner) (*Task, error) {
	var t Task
	var capacity, status, payloadJSON, holder string
	var tri sql.NullString
	var due, acquired, expires sql.NullInt64
	var created, updated int64
	err := row.Scan(&t.ID, &capacity, &status, &t.Title, &t.Description, &payloadJSON, &t.Priority, &due,
		&tri, &t.Owner, &holder, &acquired, &expires, &t.Renewals, &created, &updated)
	if err != nil {
		return nil, err
	}
	t.Capacity = Capacity(capacity)
	t.Status = Status(status)
	if err := json.Unmarshal([]byte(payloadJSON), &t.Payload); err != nil || t.Payload == nil {
		t.Payload = map[string]any{}
	}
	if due.Valid {
		d := time.Unix(0, due.Int64).UTC()
		t.DueAt = &d
	}
	if tri.Valid {
		var v TRI
		if err := json.Unmarshal([]byte(tri.String), &v); err == nil {
			t.TRI = &v
		}
	}
	if holder != "" && acquired.Valid && expires.Valid {
		t.Lock = &Lock{
			HolderID:   holder,
			AcquiredAt: time.Unix(0, acquired.Int64).UTC(),
			ExpiresAt:  time.Unix(0, expires.Int64).UTC(),
		}
	}
	t.CreatedAt = time.Unix(0, created).UTC()
	t.UpdatedAt = time.Unix(0, updated).UTC()
	return &t, nil
}
