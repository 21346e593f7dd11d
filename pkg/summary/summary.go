// Package summary derives read-only views over the task collection.
package summary

import (
	"context"
	"fmt"
	"time"

	"capacity-engine/pkg/task"
)

// Summary is a point-in-time projection of the tasks matching a filter.
type Summary struct {
	Total      int                   `json:"total"`
	ByStatus   map[task.Status]int   `json:"by_status"`
	ByCapacity map[task.Capacity]int `json:"by_capacity"`
	Overdue    []string              `json:"overdue"`
	Mine       []string              `json:"mine"`
	At         time.Time             `json:"at"`
}

// AssigneeLookup returns the ids of tasks a user is assigned to.
type AssigneeLookup interface {
	TaskIDs(ctx context.Context, userID string) ([]string, error)
}

// Aggregator computes summaries on demand. It holds no state and never writes.
type Aggregator struct {
	tasks       task.Store
	assignments AssigneeLookup
}

// NewAggregator creates an Aggregator. assignments may be nil, in which case
// Mine only considers ownership.
func NewAggregator(tasks task.Store, assignments AssigneeLookup) *Aggregator {
	return &Aggregator{tasks: tasks, assignments: assignments}
}

// Summarize counts the tasks matching f. Filter.Limit is ignored so counts
// always cover the full collection.
func (a *Aggregator) Summarize(ctx context.Context, f task.Filter, caller string, now time.Time) (Summary, error) {
	f.Limit = 0
	tasks, err := a.tasks.List(ctx, f)
	if err != nil {
		return Summary{}, fmt.Errorf("summarize: %w", err)
	}

	assigned := map[string]bool{}
	if caller != "" && a.assignments != nil {
		ids, err := a.assignments.TaskIDs(ctx, caller)
		if err != nil {
			return Summary{}, fmt.Errorf("summarize assignments for %s: %w", caller, err)
		}
		for _, id := range ids {
			assigned[id] = true
		}
	}

	s := Summary{
		ByStatus:   make(map[task.Status]int, len(task.Statuses)),
		ByCapacity: make(map[task.Capacity]int, len(task.Capacities)),
		Overdue:    []string{},
		Mine:       []string{},
		At:         now,
	}
	for _, st := range task.Statuses {
		s.ByStatus[st] = 0
	}
	for _, c := range task.Capacities {
		s.ByCapacity[c] = 0
	}

	for i := range tasks {
		t := &tasks[i]
		s.Total++
		s.ByStatus[t.Status]++
		s.ByCapacity[t.Capacity]++
		if t.Overdue(now) {
			s.Overdue = append(s.Overdue, t.ID)
		}
		if caller != "" && (t.Owner == caller || assigned[t.ID]) {
			s.Mine = append(s.Mine, t.ID)
		}
	}
	return s, nil
}
