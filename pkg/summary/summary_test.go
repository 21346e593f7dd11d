package summary

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"capacity-engine/pkg/assignment"
	"capacity-engine/pkg/task"
)

func TestSummarize(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	tasks := task.NewMemStore()
	assignments := assignment.NewService(tasks, assignment.NewMemStore())
	agg := NewAggregator(tasks, assignments)

	mk := func(c task.Capacity, st task.Status, owner string, due *time.Time) string {
		created, err := tasks.Create(ctx, &task.Task{Capacity: c, DueAt: due})
		require.NoError(t, err)
		_, err = tasks.Update(ctx, created.ID, task.Patch{Status: &st, Owner: &owner})
		require.NoError(t, err)
		return created.ID
	}

	overdueOpen := mk(task.Foresight, task.StatusOpen, "", &past)
	mk(task.Foresight, task.StatusDone, "alice", &past) // terminal, never overdue
	mineActive := mk(task.ImmediateResponse, task.StatusActive, "alice", &future)
	assignedToAlice := mk(task.StructuralChange, task.StatusBlocked, "bob", nil)
	mk(task.ImmediateResponse, task.StatusCancelled, "bob", &past)

	_, err := assignments.Assign(ctx, assignedToAlice, "alice", "reviewer")
	require.NoError(t, err)

	before, err := tasks.List(ctx, task.Filter{})
	require.NoError(t, err)

	s, err := agg.Summarize(ctx, task.Filter{}, "alice", now)
	require.NoError(t, err)

	assert.Equal(t, 5, s.Total)
	assert.Equal(t, map[task.Status]int{
		task.StatusOpen: 1, task.StatusClaimed: 0, task.StatusActive: 1,
		task.StatusBlocked: 1, task.StatusDone: 1, task.StatusCancelled: 1,
	}, s.ByStatus)
	assert.Equal(t, map[task.Capacity]int{
		task.ImmediateResponse: 2, task.SelfAdjustment: 0, task.GroupDeliberation: 0,
		task.Foresight: 2, task.StructuralChange: 1,
	}, s.ByCapacity)
	assert.Equal(t, []string{overdueOpen}, s.Overdue)
	assert.ElementsMatch(t, []string{mineActive, assignedToAlice, findDone(t, before)}, s.Mine)

	after, err := tasks.List(ctx, task.Filter{})
	require.NoError(t, err)
	assert.Equal(t, before, after, "summarize must not write")
}

func findDone(t *testing.T, ts []task.Task) string {
	t.Helper()
	for _, tk := range ts {
		if tk.Status == task.StatusDone {
			return tk.ID
		}
	}
	t.Fatal("no done task")
	return ""
}

func TestSummarizeFilteredAndEmpty(t *testing.T) {
	ctx := context.Background()
	tasks := task.NewMemStore()
	agg := NewAggregator(tasks, nil)

	s, err := agg.Summarize(ctx, task.Filter{}, "", time.Now())
	require.NoError(t, err)
	assert.Zero(t, s.Total)
	assert.Len(t, s.ByStatus, len(task.Statuses))
	assert.Len(t, s.ByCapacity, len(task.Capacities))
	assert.Empty(t, s.Mine)

	for i := 0; i < 3; i++ {
		_, err := tasks.Create(ctx, &task.Task{Capacity: task.SelfAdjustment})
		require.NoError(t, err)
	}
	_, err = tasks.Create(ctx, &task.Task{Capacity: task.Foresight})
	require.NoError(t, err)

	s, err = agg.Summarize(ctx, task.Filter{Capacity: task.SelfAdjustment, Limit: 1}, "", time.Now())
	require.NoError(t, err)
	assert.Equal(t, 3, s.Total)
	assert.Equal(t, 3, s.ByCapacity[task.SelfAdjustment])
	assert.Zero(t, s.ByCapacity[task.Foresight])
}
