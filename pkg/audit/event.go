// Package audit is the append-only, hash-chained record of lifecycle and
// guardrail activity. Each event commits to its predecessor's hash so the log
// can be verified end to end.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"time"
)

// Event types emitted by the engine.
const (
	TaskClaimed        = "task.claimed"
	TaskCompleted      = "task.completed"
	TaskCancelled      = "task.cancelled"
	TaskRenewed        = "task.renewed"
	TaskReviewed       = "task.reviewed"
	GuardrailThrottled = "guardrail.throttled"
	GuardrailBlocked   = "guardrail.blocked"
	LockExpired        = "lock.expired"
)

// Event is a single entry in the audit chain.
type Event struct {
	ID        string         `json:"id"`        // UUID v7 (time-ordered)
	Type      string         `json:"type"`      // e.g. "task.claimed"
	Timestamp time.Time      `json:"timestamp"` // when the event was recorded
	TaskID    string         `json:"task_id"`
	Actor     string         `json:"actor"` // who triggered it
	Content   map[string]any `json:"content"`
	Hash      string         `json:"hash"`      // SHA-256 of canonical form
	PrevHash  string         `json:"prev_hash"` // hash chain link
}

// Record is the caller-supplied part of an event.
type Record struct {
	Type    string
	TaskID  string
	Actor   string
	Content map[string]any
}

// Store is the contract for audit persistence.
type Store interface {
	Append(ctx context.Context, r Record) (*Event, error)
	Get(ctx context.Context, id string) (*Event, error)
	Recent(ctx context.Context, limit int) ([]Event, error)
	ByType(ctx context.Context, eventType string, limit int) ([]Event, error)
	ByTask(ctx context.Context, taskID string, limit int) ([]Event, error)
	Since(ctx context.Context, afterID string, limit int) ([]Event, error)
	Count(ctx context.Context) (int, error)
	VerifyChain(ctx context.Context) error
}

// computeHash computes a SHA-256 hash for chain integrity.
func computeHash(prevHash, id, eventType, taskID, actor string, timestamp time.Time, contentJSON []byte) string {
	data := fmt.Sprintf("%s|%s|%s|%s|%s|%d|%s", prevHash, id, eventType, taskID, actor, timestamp.UnixNano(), string(contentJSON))
	h := sha256.Sum256([]byte(data))
	return fmt.Sprintf("%x", h)
}

// verify walks events in chain order and checks every link and hash.
func verify(events []Event) error {
	prevHash := ""
	for i, e := range events {
		if e.PrevHash != prevHash {
			return fmt.Errorf("event %d (%s): prev_hash mismatch: got %s, want %s", i, e.ID, e.PrevHash, prevHash)
		}
		contentJSON, err := json.Marshal(e.Content)
		if err != nil {
			return fmt.Errorf("event %d (%s): marshal content: %w", i, e.ID, err)
		}
		if want := computeHash(prevHash, e.ID, e.Type, e.TaskID, e.Actor, e.Timestamp, contentJSON); e.Hash != want {
			return fmt.Errorf("event %d (%s): hash mismatch: got %s, want %s", i, e.ID, e.Hash, want)
		}
		prevHash = e.Hash
	}
	return nil
}
