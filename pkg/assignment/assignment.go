// Package assignment records which users are associated with a task,
// independent of who currently holds its lock.
package assignment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"capacity-engine/pkg/task"
)

// Assignment links a user to a task in a free-form role ("owner", "reviewer").
type Assignment struct {
	TaskID    string    `json:"task_id"`
	UserID    string    `json:"user_id"`
	Role      string    `json:"role"`
	CreatedAt time.Time `json:"created_at"`
}

// DefaultRole is used when a caller assigns without naming a role.
const DefaultRole = "member"

// ErrUserRequired is returned when assigning without a user id.
var ErrUserRequired = errors.New("user id required")

// Store is the contract for assignment persistence.
type Store interface {
	// Add records an assignment. Adding an existing (task, user, role)
	// triple is a no-op and returns the stored record.
	Add(ctx context.Context, a Assignment) (*Assignment, error)

	// Remove deletes every role userID holds on taskID. Removing nothing is
	// not an error.
	Remove(ctx context.Context, taskID, userID string) error

	// ByTask returns the assignments on a task, oldest first.
	ByTask(ctx context.Context, taskID string) ([]Assignment, error)

	// ByUser returns the assignments held by a user, oldest first.
	ByUser(ctx context.Context, userID string) ([]Assignment, error)
}

// Service validates assignments against the task store.
type Service struct {
	tasks task.Store
	store Store
}

// NewService creates a Service.
func NewService(tasks task.Store, store Store) *Service {
	return &Service{tasks: tasks, store: store}
}

// Assign associates userID with taskID in role. The task must exist.
func (s *Service) Assign(ctx context.Context, taskID, userID, role string) (*Assignment, error) {
	if userID == "" {
		return nil, ErrUserRequired
	}
	if role == "" {
		role = DefaultRole
	}
	if _, err := s.tasks.Get(ctx, taskID); err != nil {
		return nil, fmt.Errorf("assign %s to %s: %w", userID, taskID, err)
	}
	return s.store.Add(ctx, Assignment{TaskID: taskID, UserID: userID, Role: role})
}

// Unassign removes userID from taskID. Absent assignments are ignored.
func (s *Service) Unassign(ctx context.Context, taskID, userID string) error {
	if userID == "" {
		return ErrUserRequired
	}
	return s.store.Remove(ctx, taskID, userID)
}

// ForTask lists a task's assignments. The task must exist.
func (s *Service) ForTask(ctx context.Context, taskID string) ([]Assignment, error) {
	if _, err := s.tasks.Get(ctx, taskID); err != nil {
		return nil, fmt.Errorf("assignments of %s: %w", taskID, err)
	}
	return s.store.ByTask(ctx, taskID)
}

// TaskIDs returns the ids of tasks userID is assigned to, in any role.
func (s *Service) TaskIDs(ctx context.Context, userID string) ([]string, error) {
	as, err := s.store.ByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(as))
	var ids []string
	for _, a := range as {
		if !seen[a.TaskID] {
			seen[a.TaskID] = true
			ids = append(ids, a.TaskID)
		}
	}
	return ids, nil
}
