package task

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"capacity-engine/internal/db/dbtest"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "tasks.db"))
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	store, err := NewSQLiteStore(db)
	require.NoError(t, err)
	return store
}

// storeContract runs the behavior every Store implementation must share.
func storeContract(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("create defaults to open", func(t *testing.T) {
		s := newStore(t)
		created, err := s.Create(ctx, &Task{Capacity: Foresight, Title: "scan horizon"})
		require.NoError(t, err)
		assert.NotEmpty(t, created.ID)
		assert.Equal(t, StatusOpen, created.Status)
		assert.Nil(t, created.Lock)
		assert.Empty(t, created.Owner)

		got, err := s.Get(ctx, created.ID)
		require.NoError(t, err)
		assert.Equal(t, "scan horizon", got.Title)
		assert.Equal(t, Foresight, got.Capacity)
	})

	t.Run("create rejects bad capacity", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Create(ctx, &Task{Capacity: "panic-mode"})
		assert.ErrorIs(t, err, ErrInvalid)
	})

	t.Run("get unknown", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Get(ctx, "nope")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("update merges payload", func(t *testing.T) {
		s := newStore(t)
		created, err := s.Create(ctx, &Task{Capacity: SelfAdjustment, Payload: map[string]any{"a": "1"}})
		require.NoError(t, err)

		st := StatusCancelled
		got, err := s.Update(ctx, created.ID, Patch{Status: &st, Payload: map[string]any{"b": "2"}})
		require.NoError(t, err)
		assert.Equal(t, StatusCancelled, got.Status)
		assert.Equal(t, "1", got.Payload["a"])
		assert.Equal(t, "2", got.Payload["b"])
	})

	t.Run("conditional update on lock", func(t *testing.T) {
		s := newStore(t)
		created, err := s.Create(ctx, &Task{Capacity: ImmediateResponse})
		require.NoError(t, err)

		now := time.Now().UTC().Truncate(time.Microsecond)
		lock := &Lock{HolderID: "alice", AcquiredAt: now, ExpiresAt: now.Add(time.Hour)}
		_, err = s.Update(ctx, created.ID, Patch{Lock: lock, Expect: &Expect{Status: StatusOpen}})
		require.NoError(t, err)

		// A second writer that also observed "no lock" must lose.
		other := &Lock{HolderID: "bob", AcquiredAt: now, ExpiresAt: now.Add(time.Hour)}
		_, err = s.Update(ctx, created.ID, Patch{Lock: other, Expect: &Expect{Status: StatusOpen}})
		assert.ErrorIs(t, err, ErrStale)

		got, err := s.Get(ctx, created.ID)
		require.NoError(t, err)
		require.NotNil(t, got.Lock)
		assert.Equal(t, "alice", got.Lock.HolderID)
		assert.True(t, got.Lock.ExpiresAt.Equal(lock.ExpiresAt))

		_, err = s.Update(ctx, created.ID, Patch{ClearLock: true, Expect: &Expect{Status: StatusOpen, Lock: got.Lock}})
		require.NoError(t, err)
		got, err = s.Get(ctx, created.ID)
		require.NoError(t, err)
		assert.Nil(t, got.Lock)
	})

	t.Run("update unknown", func(t *testing.T) {
		s := newStore(t)
		st := StatusDone
		_, err := s.Update(ctx, "missing", Patch{Status: &st})
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("list filters", func(t *testing.T) {
		s := newStore(t)
		for i, c := range []Capacity{Foresight, Foresight, StructuralChange} {
			_, err := s.Create(ctx, &Task{Capacity: c, Priority: i})
			require.NoError(t, err)
		}
		got, err := s.List(ctx, Filter{Capacity: Foresight})
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, 1, got[0].Priority, "higher priority first")

		got, err = s.List(ctx, Filter{Statuses: []Status{StatusDone}})
		require.NoError(t, err)
		assert.Empty(t, got)

		got, err = s.List(ctx, Filter{Limit: 1})
		require.NoError(t, err)
		assert.Len(t, got, 1)
	})

	t.Run("round trips tri and due date", func(t *testing.T) {
		s := newStore(t)
		due := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
		created, err := s.Create(ctx, &Task{
			Capacity: GroupDeliberation,
			DueAt:    &due,
			TRI:      &TRI{Tension: 0.8, Resources: 0.3, Institutions: 0.5},
		})
		require.NoError(t, err)
		got, err := s.Get(ctx, created.ID)
		require.NoError(t, err)
		require.NotNil(t, got.TRI)
		assert.InDelta(t, 0.8, got.TRI.Tension, 1e-9)
		require.NotNil(t, got.DueAt)
		assert.True(t, got.DueAt.Equal(due))
	})
}

func TestMemStore(t *testing.T) {
	storeContract(t, func(t *testing.T) Store { return NewMemStore() })
}

func newTestPgStore(t *testing.T) *PgStore {
	t.Helper()
	store := NewPgStore(dbtest.Pool(t))
	require.NoError(t, store.EnsureTable(context.Background()))
	return store
}

func TestPgStore(t *testing.T) {
	storeContract(t, func(t *testing.T) Store { return newTestPgStore(t) })
}

// Lock times carry nanoseconds in memory but microseconds in PostgreSQL; an
// expectation built from either must match the stored row.
func TestPgStoreExpectMatchesTruncatedLock(t *testing.T) {
	ctx := context.Background()
	s := newTestPgStore(t)
	created, err := s.Create(ctx, &Task{Capacity: Foresight})
	require.NoError(t, err)

	at := time.Date(2026, 6, 1, 8, 0, 0, 123456789, time.UTC)
	lock := &Lock{HolderID: "alice", AcquiredAt: at, ExpiresAt: at.Add(time.Hour)}
	st := StatusClaimed
	claimed, err := s.Update(ctx, created.ID, Patch{Status: &st, Lock: lock, Expect: &Expect{Status: StatusOpen}})
	require.NoError(t, err)
	assert.True(t, claimed.Lock.AcquiredAt.Equal(at.Truncate(time.Microsecond)))

	active := StatusActive
	_, err = s.Update(ctx, created.ID, Patch{Status: &active, Expect: &Expect{Status: StatusClaimed, Lock: lock}})
	require.NoError(t, err)

	// A different lock instance held by the same user does not match.
	later := &Lock{HolderID: "alice", AcquiredAt: at.Add(time.Second), ExpiresAt: at.Add(time.Hour)}
	_, err = s.Update(ctx, created.ID, Patch{ClearLock: true, Expect: &Expect{Status: StatusActive, Lock: later}})
	assert.ErrorIs(t, err, ErrStale)

	_, err = s.Update(ctx, created.ID, Patch{ClearLock: true, Expect: &Expect{Status: StatusActive, Lock: claimed.Lock}})
	require.NoError(t, err)
}

func TestSQLiteStore(t *testing.T) {
	storeContract(t, func(t *testing.T) Store { return newTestSQLiteStore(t) })
}

func TestTaskJSONRoundTrip(t *testing.T) {
	due := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	acquired := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	in := Task{
		ID:       "t1",
		Capacity: StructuralChange,
		Status:   StatusBlocked,
		Title:    "rewrite charter",
		Payload:  map[string]any{PayloadPauseReason: "awaiting vote"},
		DueAt:    &due,
		TRI:      &TRI{Tension: 0.1, Resources: 0.2, Institutions: 0.3},
		Owner:    "alice",
		Lock:     &Lock{HolderID: "alice", AcquiredAt: acquired, ExpiresAt: acquired.Add(time.Hour)},
		Renewals: 2,
	}
	b, err := json.Marshal(in)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"capacity":"structural-change"`)
	assert.Contains(t, string(b), `"status":"blocked"`)

	var out Task
	require.NoError(t, json.Unmarshal(b, &out))
	assert.Equal(t, in.Capacity, out.Capacity)
	assert.Equal(t, in.Status, out.Status)
	assert.Equal(t, in.Owner, out.Owner)
	assert.Equal(t, in.Renewals, out.Renewals)
	assert.True(t, in.Lock.Same(out.Lock))
	assert.Equal(t, *in.TRI, *out.TRI)
}

func TestValidate(t *testing.T) {
	tk := &Task{Capacity: Foresight, Status: StatusOpen, TRI: &TRI{Tension: 1.2}}
	err := tk.Validate()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalid))

	tk.TRI.Tension = 1
	assert.NoError(t, tk.Validate())

	tk.Status = "paused"
	assert.ErrorIs(t, tk.Validate(), ErrInvalid)
}

func TestLockLive(t *testing.T) {
	now := time.Now()
	var nilLock *Lock
	assert.False(t, nilLock.Live(now))
	assert.True(t, (&Lock{ExpiresAt: now.Add(time.Second)}).Live(now))
	assert.False(t, (&Lock{ExpiresAt: now}).Live(now), "expiry instant counts as released")
	assert.True(t, nilLock.Same(nil))
}

func TestOverdue(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Hour)
	tk := &Task{Status: StatusActive, DueAt: &past}
	assert.True(t, tk.Overdue(now))
	tk.Status = StatusDone
	assert.False(t, tk.Overdue(now))
	tk.DueAt = nil
	tk.Status = StatusOpen
	assert.False(t, tk.Overdue(now))
}
