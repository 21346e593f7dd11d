package assignment

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"capacity-engine/pkg/task"
)

func newSQLite(t *testing.T) Store {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "assignments.db"))
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	s, err := NewSQLiteStore(db)
	require.NoError(t, err)
	return s
}

func storeContract(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("add is idempotent", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		first, err := s.Add(ctx, Assignment{TaskID: "t1", UserID: "alice", Role: "owner"})
		require.NoError(t, err)
		again, err := s.Add(ctx, Assignment{TaskID: "t1", UserID: "alice", Role: "owner"})
		require.NoError(t, err)
		assert.True(t, first.CreatedAt.Equal(again.CreatedAt))

		got, err := s.ByTask(ctx, "t1")
		require.NoError(t, err)
		assert.Len(t, got, 1)
	})

	t.Run("roles are additive", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		_, err := s.Add(ctx, Assignment{TaskID: "t1", UserID: "alice", Role: "owner"})
		require.NoError(t, err)
		_, err = s.Add(ctx, Assignment{TaskID: "t1", UserID: "alice", Role: "reviewer"})
		require.NoError(t, err)
		_, err = s.Add(ctx, Assignment{TaskID: "t1", UserID: "bob", Role: "reviewer"})
		require.NoError(t, err)
		_, err = s.Add(ctx, Assignment{TaskID: "t2", UserID: "alice", Role: "owner"})
		require.NoError(t, err)

		byTask, err := s.ByTask(ctx, "t1")
		require.NoError(t, err)
		assert.Len(t, byTask, 3)

		byUser, err := s.ByUser(ctx, "alice")
		require.NoError(t, err)
		assert.Len(t, byUser, 3)
	})

	t.Run("remove drops every role and tolerates absence", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		_, err := s.Add(ctx, Assignment{TaskID: "t1", UserID: "alice", Role: "owner"})
		require.NoError(t, err)
		_, err = s.Add(ctx, Assignment{TaskID: "t1", UserID: "alice", Role: "reviewer"})
		require.NoError(t, err)
		_, err = s.Add(ctx, Assignment{TaskID: "t1", UserID: "bob", Role: "owner"})
		require.NoError(t, err)

		require.NoError(t, s.Remove(ctx, "t1", "alice"))
		require.NoError(t, s.Remove(ctx, "t1", "alice"))
		require.NoError(t, s.Remove(ctx, "nope", "nobody"))

		got, err := s.ByTask(ctx, "t1")
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "bob", got[0].UserID)
	})
}

func TestMemStore(t *testing.T) {
	storeContract(t, func(*testing.T) Store { return NewMemStore() })
}

func TestSQLiteStore(t *testing.T) {
	storeContract(t, newSQLite)
}

func TestService(t *testing.T) {
	ctx := context.Background()
	tasks := task.NewMemStore()
	svc := NewService(tasks, NewMemStore())

	tk, err := tasks.Create(ctx, &task.Task{Capacity: task.GroupDeliberation})
	require.NoError(t, err)

	a, err := svc.Assign(ctx, tk.ID, "alice", "")
	require.NoError(t, err)
	assert.Equal(t, DefaultRole, a.Role)

	_, err = svc.Assign(ctx, "missing", "alice", "owner")
	assert.ErrorIs(t, err, task.ErrNotFound)

	_, err = svc.Assign(ctx, tk.ID, "", "owner")
	assert.ErrorIs(t, err, ErrUserRequired)

	_, err = svc.Assign(ctx, tk.ID, "alice", "reviewer")
	require.NoError(t, err)
	ids, err := svc.TaskIDs(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{tk.ID}, ids)

	require.NoError(t, svc.Unassign(ctx, tk.ID, "alice"))
	require.NoError(t, svc.Unassign(ctx, tk.ID, "alice"))
	got, err := svc.ForTask(ctx, tk.ID)
	require.NoError(t, err)
	assert.Empty(t, got)

	_, err = svc.ForTask(ctx, "missing")
	assert.ErrorIs(t, err, task.ErrNotFound)
}

// An assignment never touches the task's lock or owner.
func TestAssignmentIndependentOfLock(t *testing.T) {
	ctx := context.Background()
	tasks := task.NewMemStore()
	svc := NewService(tasks, NewMemStore())

	tk, err := tasks.Create(ctx, &task.Task{Capacity: task.Foresight})
	require.NoError(t, err)
	_, err = svc.Assign(ctx, tk.ID, "team-a", "owner")
	require.NoError(t, err)

	got, err := tasks.Get(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, tk, got)
}
