// Package task defines the governance task model, its lock record, and the
// storage contract the lifecycle engine is built on.
package task

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Capacity is the governance response mode a task belongs to.
type Capacity string

const (
	ImmediateResponse Capacity = "immediate-response"
	SelfAdjustment    Capacity = "self-adjustment"
	GroupDeliberation Capacity = "group-deliberation"
	Foresight         Capacity = "foresight"
	StructuralChange  Capacity = "structural-change"
)

// Capacities lists every capacity in display order.
var Capacities = []Capacity{ImmediateResponse, SelfAdjustment, GroupDeliberation, Foresight, StructuralChange}

// Valid reports whether c is one of the five known capacities.
func (c Capacity) Valid() bool {
	for _, k := range Capacities {
		if c == k {
			return true
		}
	}
	return false
}

// Status is the lifecycle state of a task.
type Status string

const (
	StatusOpen      Status = "open"
	StatusClaimed   Status = "claimed"
	StatusActive    Status = "active"
	StatusBlocked   Status = "blocked"
	StatusDone      Status = "done"
	StatusCancelled Status = "cancelled"
)

// Statuses lists every status in lifecycle order.
var Statuses = []Status{StatusOpen, StatusClaimed, StatusActive, StatusBlocked, StatusDone, StatusCancelled}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	for _, k := range Statuses {
		if s == k {
			return true
		}
	}
	return false
}

// Terminal reports whether no transition may leave s.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusCancelled
}

// InFlight reports whether s counts as a parallel work stream.
func (s Status) InFlight() bool {
	return s == StatusClaimed || s == StatusActive || s == StatusBlocked
}

// Payload keys written by the lifecycle.
const (
	PayloadPauseReason  = "pause_reason"
	PayloadCancelReason = "cancel_reason"
	PayloadCancelledBy  = "cancelled_by"
	PayloadOutputs      = "outputs"
)

// TRI is the (tension, resources, institutions) health triple of the loop a
// task is attached to. Each component is in [0,1].
type TRI struct {
	Tension      float64 `json:"tension"`
	Resources    float64 `json:"resources"`
	Institutions float64 `json:"institutions"`
}

// Validate checks all components are within [0,1].
func (t TRI) Validate() error {
	for name, v := range map[string]float64{"tension": t.Tension, "resources": t.Resources, "institutions": t.Institutions} {
		if v < 0 || v > 1 {
			return fmt.Errorf("tri.%s %v out of range [0,1]", name, v)
		}
	}
	return nil
}

// Lock is the mutual-exclusion record backing a claim.
type Lock struct {
	HolderID   string    `json:"holder_id"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Live reports whether the lock is still valid at now. A nil lock is never live.
func (l *Lock) Live(now time.Time) bool {
	return l != nil && now.Before(l.ExpiresAt)
}

// Same reports whether a and b describe the same lock instance.
func (l *Lock) Same(other *Lock) bool {
	if l == nil || other == nil {
		return l == nil && other == nil
	}
	return l.HolderID == other.HolderID && l.AcquiredAt.Equal(other.AcquiredAt)
}

// Task is a unit of governance work.
type Task struct {
	ID          string         `json:"id"`
	Capacity    Capacity       `json:"capacity"`
	Status      Status         `json:"status"`
	Title       string         `json:"title"`
	Description string         `json:"description"`
	Payload     map[string]any `json:"payload"`
	Priority    int            `json:"priority"`
	DueAt       *time.Time     `json:"due_at,omitempty"`
	TRI         *TRI           `json:"tri,omitempty"`
	Owner       string         `json:"owner,omitempty"` // last claimant
	Lock        *Lock          `json:"lock,omitempty"`
	Renewals    int            `json:"renewals"` // time-box renewals since last review
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// Validate checks enum fields and TRI ranges.
func (t *Task) Validate() error {
	if !t.Capacity.Valid() {
		return fmt.Errorf("%w: unknown capacity %q", ErrInvalid, t.Capacity)
	}
	if !t.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalid, t.Status)
	}
	if t.TRI != nil {
		if err := t.TRI.Validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalid, err)
		}
	}
	return nil
}

// Overdue reports whether the task is past its deadline and still open for work.
func (t *Task) Overdue(now time.Time) bool {
	return t.DueAt != nil && t.DueAt.Before(now) && !t.Status.Terminal()
}

// Clone returns a deep copy so callers never share payload maps or pointers
// with a store.
func (t *Task) Clone() *Task {
	cp := *t
	if t.Payload != nil {
		cp.Payload = make(map[string]any, len(t.Payload))
		for k, v := range t.Payload {
			cp.Payload[k] = v
		}
	}
	if t.DueAt != nil {
		d := *t.DueAt
		cp.DueAt = &d
	}
	if t.TRI != nil {
		tri := *t.TRI
		cp.TRI = &tri
	}
	if t.Lock != nil {
		l := *t.Lock
		cp.Lock = &l
	}
	return &cp
}

// Expect is the precondition of a conditional update: the stored status and
// lock must match exactly or the write is rejected with ErrStale.
type Expect struct {
	Status Status
	Lock   *Lock
}

// Patch describes a partial update. Nil fields are left untouched; Payload
// entries are merged into the stored payload key by key.
type Patch struct {
	Status    *Status
	Owner     *string
	Lock      *Lock
	ClearLock bool
	Renewals  *int
	Payload   map[string]any
	Expect    *Expect
}

// Matches reports whether t satisfies the patch precondition.
func (p Patch) Matches(t *Task) bool {
	if p.Expect == nil {
		return true
	}
	return t.Status == p.Expect.Status && t.Lock.Same(p.Expect.Lock)
}

// Apply mutates t in place according to p. It does not check Expect.
func (p Patch) Apply(t *Task) {
	if p.Status != nil {
		t.Status = *p.Status
	}
	if p.Owner != nil {
		t.Owner = *p.Owner
	}
	if p.ClearLock {
		t.Lock = nil
	}
	if p.Lock != nil {
		l := *p.Lock
		t.Lock = &l
	}
	if p.Renewals != nil {
		t.Renewals = *p.Renewals
	}
	if len(p.Payload) > 0 {
		if t.Payload == nil {
			t.Payload = map[string]any{}
		}
		for k, v := range p.Payload {
			t.Payload[k] = v
		}
	}
}

// Filter controls which tasks List returns. Zero values match everything.
type Filter struct {
	Capacity     Capacity  `json:"capacity,omitempty"`
	Statuses     []Status  `json:"statuses,omitempty"`
	Owner        string    `json:"owner,omitempty"`
	IDs          []string  `json:"ids,omitempty"`
	UpdatedSince time.Time `json:"updated_since,omitempty"`
	Limit        int       `json:"limit,omitempty"`
}

// Match reports whether t passes the filter (Limit is not considered).
func (f Filter) Match(t *Task) bool {
	if f.Capacity != "" && t.Capacity != f.Capacity {
		return false
	}
	if len(f.Statuses) > 0 && !containsStatus(f.Statuses, t.Status) {
		return false
	}
	if f.Owner != "" && t.Owner != f.Owner {
		return false
	}
	if len(f.IDs) > 0 && !containsString(f.IDs, t.ID) {
		return false
	}
	if !f.UpdatedSince.IsZero() && t.UpdatedAt.Before(f.UpdatedSince) {
		return false
	}
	return true
}

func containsStatus(list []Status, s Status) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

var (
	// ErrNotFound is returned for an unknown task id.
	ErrNotFound = errors.New("task not found")
	// ErrStale is returned when a conditional update's precondition no longer holds.
	ErrStale = errors.New("task changed since read")
	// ErrInvalid is returned for a task that fails validation.
	ErrInvalid = errors.New("invalid task")
)

// Store is the contract for task persistence.
type Store interface {
	Create(ctx context.Context, t *Task) (*Task, error)
	Get(ctx context.Context, id string) (*Task, error)
	List(ctx context.Context, f Filter) ([]Task, error)
	Update(ctx context.Context, id string, p Patch) (*Task, error)
}
