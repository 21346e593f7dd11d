package assignment

import (
	"context"
	"sync"
	"time"
)

// MemStore is an in-memory Store.
type MemStore struct {
	mu   sync.Mutex
	rows []Assignment
	now  func() time.Time
}

// NewMemStore creates an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{now: time.Now}
}

func (s *MemStore) Add(_ context.Context, a Assignment) (*Assignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.rows {
		if r.TaskID == a.TaskID && r.UserID == a.UserID && r.Role == a.Role {
			return &r, nil
		}
	}
	a.CreatedAt = s.now()
	s.rows = append(s.rows, a)
	return &a, nil
}

func (s *MemStore) Remove(_ context.Context, taskID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.rows[:0]
	for _, r := range s.rows {
		if r.TaskID != taskID || r.UserID != userID {
			kept = append(kept, r)
		}
	}
	s.rows = kept
	return nil
}

func (s *MemStore) ByTask(_ context.Context, taskID string) ([]Assignment, error) {
	return s.filter(func(a Assignment) bool { return a.TaskID == taskID }), nil
}

func (s *MemStore) ByUser(_ context.Context, userID string) ([]Assignment, error) {
	return s.filter(func(a Assignment) bool { return a.UserID == userID }), nil
}

func (s *MemStore) filter(keep func(Assignment) bool) []Assignment {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Assignment
	for _, r := range s.rows {
		if keep(r) {
			out = append(out, r)
		}
	}
	return out
}
