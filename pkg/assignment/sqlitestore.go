package assignment

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS task_assignments (
	task_id    TEXT NOT NULL,
	user_id    TEXT NOT NULL,
	role       TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	PRIMARY KEY (task_id, user_id, role)
);
CREATE INDEX IF NOT EXISTS idx_task_assignments_user ON task_assignments(user_id);
`

// SQLiteStore persists assignments in SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore wraps an open SQLite handle and ensures the table exists.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	if _, err := db.Exec(sqliteSchema); err != nil {
		return nil, fmt.Errorf("create assignment schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Add(ctx context.Context, a Assignment) (*Assignment, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO task_assignments (task_id, user_id, role, created_at)
		VALUES (?, ?, ?, ?)`,
		a.TaskID, a.UserID, a.Role, time.Now().UnixNano())
	if err != nil {
		return nil, fmt.Errorf("add assignment %s/%s: %w", a.TaskID, a.UserID, err)
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT task_id, user_id, role, created_at FROM task_assignments
		WHERE task_id = ? AND user_id = ? AND role = ?`, a.TaskID, a.UserID, a.Role)
	out, err := scanSQLite(row)
	if err != nil {
		return nil, fmt.Errorf("add assignment %s/%s: re-fetch failed: %w", a.TaskID, a.UserID, err)
	}
	return out, nil
}

func (s *SQLiteStore) Remove(ctx context.Context, taskID, userID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM task_assignments WHERE task_id = ? AND user_id = ?`, taskID, userID)
	if err != nil {
		return fmt.Errorf("remove assignment %s/%s: %w", taskID, userID, err)
	}
	return nil
}

func (s *SQLiteStore) ByTask(ctx context.Context, taskID string) ([]Assignment, error) {
	return s.query(ctx, `
		SELECT task_id, user_id, role, created_at FROM task_assignments
		WHERE task_id = ? ORDER BY created_at ASC, user_id ASC`, taskID)
}

func (s *SQLiteStore) ByUser(ctx context.Context, userID string) ([]Assignment, error) {
	return s.query(ctx, `
		SELECT task_id, user_id, role, created_at FROM task_assignments
		WHERE user_id = ? ORDER BY created_at ASC, task_id ASC`, userID)
}

func (s *SQLiteStore) query(ctx context.Context, q string, args ...any) ([]Assignment, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list assignments: %w", err)
	}
	defer rows.Close()

	var out []Assignment
	for rows.Next() {
		a, err := scanSQLite(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLite(row rowScanner) (*Assignment, error) {
	var a Assignment
	var created int64
	if err := row.Scan(&a.TaskID, &a.UserID, &a.Role, &created); err != nil {
		return nil, err
	}
	a.CreatedAt = time.Unix(0, created).UTC()
	return &a, nil
}
