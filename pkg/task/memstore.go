package task

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemStore is an in-memory Store. Conditional updates are serialized by a
// single mutex, which makes it a faithful stand-in for a row-level
// compare-and-set in tests and single-process deployments.
type MemStore struct {
	mu    sync.RWMutex
	tasks map[string]*Task
	now   func() time.Time
}

// NewMemStore creates an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{tasks: make(map[string]*Task), now: time.Now}
}

// WithClock overrides the timestamp source. Used by tests.
func (s *MemStore) WithClock(now func() time.Time) *MemStore {
	s.now = now
	return s
}

// Create inserts a new task, assigning ID and timestamps.
func (s *MemStore) Create(_ context.Context, t *Task) (*Task, error) {
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
	now := s.now()
	cp.CreatedAt = now
	cp.UpdatedAt = now

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[cp.ID]; exists {
		return nil, fmt.Errorf("create task %s: duplicate id", cp.ID)
	}
	s.tasks[cp.ID] = cp
	return cp.Clone(), nil
}

// Get retrieves a single task by ID.
func (s *MemStore) Get(_ context.Context, id string) (*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("get task %s: %w", id, ErrNotFound)
	}
	return t.Clone(), nil
}

// List returns tasks matching f ordered by priority desc then created_at asc.
func (s *MemStore) List(_ context.Context, f Filter) ([]Task, error) {
	s.mu.RLock()
	var out []Task
	for _, t := range s.tasks {
		if f.Match(t) {
			out = append(out, *t.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// Update applies p atomically, honoring p.Expect.
func (s *MemStore) Update(_ context.Context, id string, p Patch) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("update task %s: %w", id, ErrNotFound)
	}
	if !p.Matches(t) {
		return nil, fmt.Errorf("update task %s: %w", id, ErrStale)
	}
	next := t.Clone()
	p.Apply(next)
	if err := next.Validate(); err != nil {
		return nil, err
	}
	next.UpdatedAt = s.now()
	s.tasks[id] = next
	return next.Clone(), nil
}
