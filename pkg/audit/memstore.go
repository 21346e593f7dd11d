package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned for an unknown event id.
var ErrNotFound = errors.New("event not found")

// MemStore keeps the audit chain in memory.
type MemStore struct {
	mu     sync.RWMutex
	events []Event
}

// NewMemStore creates an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{}
}

// Append adds an event to the end of the chain.
func (s *MemStore) Append(_ context.Context, r Record) (*Event, error) {
	if r.Content == nil {
		r.Content = map[string]any{}
	}
	contentJSON, err := json.Marshal(r.Content)
	if err != nil {
		return nil, fmt.Errorf("marshal content: %w", err)
	}
	// Store the decoded form so verification re-marshals identical bytes.
	var content map[string]any
	if err := json.Unmarshal(contentJSON, &content); err != nil {
		return nil, fmt.Errorf("normalize content: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	prevHash := ""
	if n := len(s.events); n > 0 {
		prevHash = s.events[n-1].Hash
	}
	e := Event{
		ID:        uuid.Must(uuid.NewV7()).String(),
		Type:      r.Type,
		Timestamp: time.Now().Truncate(time.Microsecond),
		TaskID:    r.TaskID,
		Actor:     r.Actor,
		Content:   content,
		PrevHash:  prevHash,
	}
	e.Hash = computeHash(prevHash, e.ID, e.Type, e.TaskID, e.Actor, e.Timestamp, contentJSON)
	s.events = append(s.events, e)
	return &e, nil
}

// Get retrieves a single event by ID.
func (s *MemStore) Get(_ context.Context, id string) (*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := range s.events {
		if s.events[i].ID == id {
			e := s.events[i]
			return &e, nil
		}
	}
	return nil, fmt.Errorf("get event %s: %w", id, ErrNotFound)
}

// Recent returns the newest events first.
func (s *MemStore) Recent(_ context.Context, limit int) ([]Event, error) {
	return s.newest(func(Event) bool { return true }, limit), nil
}

// ByType returns events of one type, newest first.
func (s *MemStore) ByType(_ context.Context, eventType string, limit int) ([]Event, error) {
	return s.newest(func(e Event) bool { return e.Type == eventType }, limit), nil
}

// ByTask returns a task's events in chronological order.
func (s *MemStore) ByTask(_ context.Context, taskID string, limit int) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Event
	for _, e := range s.events {
		if e.TaskID == taskID {
			out = append(out, e)
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

// Since returns events appended after afterID in chronological order.
func (s *MemStore) Since(_ context.Context, afterID string, limit int) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Event
	found := false
	for _, e := range s.events {
		if found {
			out = append(out, e)
			if limit > 0 && len(out) == limit {
				break
			}
		}
		if e.ID == afterID {
			found = true
		}
	}
	return out, nil
}

// Count returns the number of events.
func (s *MemStore) Count(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events), nil
}

// VerifyChain checks every link in the chain.
func (s *MemStore) VerifyChain(_ context.Context) error {
	s.mu.RLock()
	events := append([]Event(nil), s.events...)
	s.mu.RUnlock()
	return verify(events)
}

func (s *MemStore) newest(match func(Event) bool, limit int) []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Event
	for i := len(s.events) - 1; i >= 0; i-- {
		if match(s.events[i]) {
			out = append(out, s.events[i])
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out
}
