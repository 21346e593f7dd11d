package assignment

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PgStore is a PostgreSQL-backed assignment store.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a PgStore.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// EnsureTable creates the task_assignments table if it doesn't exist.
func (s *PgStore) EnsureTable(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS task_assignments (
			task_id    TEXT NOT NULL,
			user_id    TEXT NOT NULL,
			role       TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (task_id, user_id, role)
		)`)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `CREATE INDEX IF NOT EXISTS task_assignments_user_idx ON task_assignments(user_id)`)
	return err
}

// Add inserts the assignment, then re-reads it so a concurrent or repeated
// insert returns the row that won.
func (s *PgStore) Add(ctx context.Context, a Assignment) (*Assignment, error) {
	now := time.Now().Truncate(time.Microsecond)
	_, err := s.pool.Exec(ctx, `
		INSERT INTO task_assignments (task_id, user_id, role, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT DO NOTHING`,
		a.TaskID, a.UserID, a.Role, now)
	if err != nil {
		return nil, fmt.Errorf("add assignment %s/%s: %w", a.TaskID, a.UserID, err)
	}

	var out Assignment
	err = s.pool.QueryRow(ctx, `
		SELECT task_id, user_id, role, created_at FROM task_assignments
		WHERE task_id = $1 AND user_id = $2 AND role = $3`,
		a.TaskID, a.UserID, a.Role).Scan(&out.TaskID, &out.UserID, &out.Role, &out.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("add assignment %s/%s: re-fetch failed: %w", a.TaskID, a.UserID, err)
	}
	return &out, nil
}

func (s *PgStore) Remove(ctx context.Context, taskID, userID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM task_assignments WHERE task_id = $1 AND user_id = $2`, taskID, userID)
	if err != nil {
		return fmt.Errorf("remove assignment %s/%s: %w", taskID, userID, err)
	}
	return nil
}

func (s *PgStore) ByTask(ctx context.Context, taskID string) ([]Assignment, error) {
	return s.scanMany(ctx, `
		SELECT task_id, user_id, role, created_at FROM task_assignments
		WHERE task_id = $1 ORDER BY created_at ASC, user_id ASC`, taskID)
}

func (s *PgStore) ByUser(ctx context.Context, userID string) ([]Assignment, error) {
	return s.scanMany(ctx, `
		SELECT task_id, user_id, role, created_at FROM task_assignments
		WHERE user_id = $1 ORDER BY created_at ASC, task_id ASC`, userID)
}

func (s *PgStore) scanMany(ctx context.Context, query string, args ...any) ([]Assignment, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list assignments: %w", err)
	}
	defer rows.Close()

	var out []Assignment
	for rows.Next() {
		var a Assignment
		if err := rows.Scan(&a.TaskID, &a.UserID, &a.Role, &a.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
