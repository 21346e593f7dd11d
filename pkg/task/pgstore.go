package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const taskColumns = `id, capacity, status, title, description, payload, priority, due_at, tri, owner,
	lock_holder, lock_acquired_at, lock_expires_at, renewals, created_at, updated_at`

// PgStore is a PostgreSQL-backed task store.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a PgStore.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// EnsureTable creates the tasks table if it doesn't exist.
func (s *PgStore) EnsureTable(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS tasks (
			id               TEXT PRIMARY KEY,
			capacity         TEXT NOT NULL,
			status           TEXT NOT NULL DEFAULT 'open',
			title            TEXT NOT NULL DEFAULT '',
			description      TEXT NOT NULL DEFAULT '',
			payload          JSONB NOT NULL DEFAULT '{}',
			priority         INTEGER NOT NULL DEFAULT 0,
			due_at           TIMESTAMPTZ,
			tri              JSONB,
			owner            TEXT NOT NULL DEFAULT '',
			lock_holder      TEXT NOT NULL DEFAULT '',
			lock_acquired_at TIMESTAMPTZ,
			lock_expires_at  TIMESTAMPTZ,
			renewals         INTEGER NOT NULL DEFAULT 0,
			created_at       TIMESTAMPTZ DEFAULT NOW(),
			updated_at       TIMESTAMPTZ DEFAULT NOW()
		)`)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `CREATE INDEX IF NOT EXISTS idx_tasks_capacity_status ON tasks(capacity, status)`)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `CREATE INDEX IF NOT EXISTS idx_tasks_owner ON tasks(owner) WHERE owner != ''`)
	return err
}

// Create inserts a new task.
func (s *PgStore) Create(ctx context.Context, t *Task) (*Task, error) {
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
	now := time.Now().Truncate(time.Microsecond)
	cp.CreatedAt = now
	cp.UpdatedAt = now

	payloadJSON, err := json.Marshal(cp.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	triJSON, err := marshalTRI(cp.TRI)
	if err != nil {
		return nil, err
	}
	holder, acquired, expires := lockColumns(cp.Lock)

	_, err = s.pool.Exec(ctx, `
		INSERT INTO tasks (`+taskColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7, $8, $9::jsonb, $10, $11, $12, $13, $14, $15, $16)`,
		cp.ID, string(cp.Capacity), string(cp.Status), cp.Title, cp.Description, string(payloadJSON), cp.Priority,
		cp.DueAt, triJSON, cp.Owner, holder, acquired, expires, cp.Renewals, cp.CreatedAt, cp.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	return cp, nil
}

// Get retrieves a single task by ID.
func (s *PgStore) Get(ctx context.Context, id string) (*Task, error) {
	t, err := scanTask(s.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("get task %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	return t, nil
}

// List returns tasks matching f, ordered by priority desc then created_at asc.
func (s *PgStore) List(ctx context.Context, f Filter) ([]Task, error) {
	var where []string
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if f.Capacity != "" {
		where = append(where, "capacity = "+arg(string(f.Capacity)))
	}
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			statuses[i] = string(st)
		}
		where = append(where, "status = ANY("+arg(statuses)+")")
	}
	if f.Owner != "" {
		where = append(where, "owner = "+arg(f.Owner))
	}
	if len(f.IDs) > 0 {
		where = append(where, "id = ANY("+arg(f.IDs)+")")
	}
	if !f.UpdatedSince.IsZero() {
		where = append(where, "updated_at >= "+arg(f.UpdatedSince))
	}

	query := `SELECT ` + taskColumns + ` FROM tasks`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY priority DESC, created_at ASC, id ASC"
	if f.Limit > 0 {
		query += " LIMIT " + arg(f.Limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration: %w", err)
	}
	return tasks, nil
}

// Update applies p in a single statement. When p.Expect is set the WHERE
// clause carries the expected status and lock so a concurrent writer makes
// this update match zero rows.
func (s *PgStore) Update(ctx context.Context, id string, p Patch) (*Task, error) {
	now := time.Now().Truncate(time.Microsecond)

	setClauses := "updated_at = $1"
	args := []any{now}
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if p.Status != nil {
		setClauses += ", status = " + arg(string(*p.Status))
	}
	if p.Owner != nil {
		setClauses += ", owner = " + arg(*p.Owner)
	}
	if p.ClearLock && p.Lock == nil {
		setClauses += ", lock_holder = '', lock_acquired_at = NULL, lock_expires_at = NULL"
	}
	if p.Lock != nil {
		holder, acquired, expires := lockColumns(p.Lock)
		setClauses += ", lock_holder = " + arg(holder)
		setClauses += ", lock_acquired_at = " + arg(acquired)
		setClauses += ", lock_expires_at = " + arg(expires)
	}
	if p.Renewals != nil {
		setClauses += ", renewals = " + arg(*p.Renewals)
	}
	if len(p.Payload) > 0 {
		payloadJSON, err := json.Marshal(p.Payload)
		if err != nil {
			return nil, fmt.Errorf("marshal payload: %w", err)
		}
		setClauses += ", payload = payload || " + arg(string(payloadJSON)) + "::jsonb"
	}

	where := "id = " + arg(id)
	if p.Expect != nil {
		holder, acquired, _ := lockColumns(p.Expect.Lock)
		where += " AND status = " + arg(string(p.Expect.Status))
		where += " AND lock_holder = " + arg(holder)
		where += " AND lock_acquired_at IS NOT DISTINCT FROM " + arg(acquired)
	}

	query := fmt.Sprintf("UPDATE tasks SET %s WHERE %s RETURNING %s", setClauses, where, taskColumns)
	t, err := scanTask(s.pool.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		// Zero rows: either the id is unknown or the precondition failed.
		if _, getErr := s.Get(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, fmt.Errorf("update task %s: %w", id, ErrStale)
	}
	if err != nil {
		return nil, fmt.Errorf("update task %s: %w", id, err)
	}
	return t, nil
}

func lockColumns(l *Lock) (holder string, acquired, expires *time.Time) {
	if l == nil {
		return "", nil, nil
	}
	a := l.AcquiredAt.Truncate(time.Microsecond)
	e := l.ExpiresAt.Truncate(time.Microsecond)
	return l.HolderID, &a, &e
}

func marshalTRI(tri *TRI) (*string, error) {
	if tri == nil {
		return nil, nil
	}
	b, err := json.Marshal(tri)
	if err != nil {
		return nil, fmt.Errorf("marshal tri: %w", err)
	}
	s := string(b)
	return &s, nil
}

func scanTask(row pgx.Row) (*Task, error) {
	var t Task
	var payloadJSON, triJSON []byte
	var capacity, status, holder string
	var acquired, expires *time.Time
	err := row.Scan(&t.ID, &capacity, &status, &t.Title, &t.Description, &payloadJSON, &t.Priority, &t.DueAt,
		&triJSON, &t.Owner, &holder, &acquired, &expires, &t.Renewals, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	t.Capacity = Capacity(capacity)
	t.Status = Status(status)
	if err := json.Unmarshal(payloadJSON, &t.Payload); err != nil || t.Payload == nil {
		t.Payload = map[string]any{}
	}
	if len(triJSON) > 0 {
		var tri TRI
		if err := json.Unmarshal(triJSON, &tri); err == nil {
			t.TRI = &tri
		}
	}
	if holder != "" && acquired != nil && expires != nil {
		t.Lock = &Lock{HolderID: holder, AcquiredAt: *acquired, ExpiresAt: *expires}
	}
	return &t, nil
}
