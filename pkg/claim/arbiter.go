// Package claim owns the mutual-exclusion protocol for who may work on a task.
//
// Locks live on the task record itself. Acquisition is optimistic: read the
// current lock, decide, then write with a conditional update that fails if
// the status or lock changed in between. Exactly one of several contending
// writers wins; the rest observe ErrAlreadyHeld. Nothing here retries.
package claim

import (
	"context"
	"errors"
	"fmt"
	"time"

	"capacity-engine/pkg/task"
)

// DefaultDuration is the lock lifetime used when none is configured.
const DefaultDuration = 4 * time.Hour

var (
	// ErrAlreadyHeld is returned when another holder owns a live lock, or
	// when a concurrent writer won the conditional update.
	ErrAlreadyHeld = errors.New("lock already held")
	// ErrNotHolder is returned when a non-holder tries to release a lock.
	ErrNotHolder = errors.New("caller does not hold the lock")
)

// Arbiter acquires and releases task locks through a task.Store.
type Arbiter struct {
	store    task.Store
	duration time.Duration
	now      func() time.Time
}

// NewArbiter creates an Arbiter. A non-positive duration uses DefaultDuration.
func NewArbiter(store task.Store, duration time.Duration) *Arbiter {
	if duration <= 0 {
		duration = DefaultDuration
	}
	return &Arbiter{store: store, duration: duration, now: time.Now}
}

// WithClock overrides the time source. Used by tests.
func (a *Arbiter) WithClock(now func() time.Time) *Arbiter {
	a.now = now
	return a
}

// Now returns the arbiter's current time.
func (a *Arbiter) Now() time.Time { return a.now() }

// Duration returns the default lock lifetime.
func (a *Arbiter) Duration() time.Duration { return a.duration }

// Acquire takes the lock on taskID for holder.
func (a *Arbiter) Acquire(ctx context.Context, taskID, holder string, d time.Duration) (*task.Lock, error) {
	t, err := a.store.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	updated, err := a.Claim(ctx, t, holder, d, task.Patch{})
	if err != nil {
		return nil, err
	}
	return updated.Lock, nil
}

// Claim takes the lock on t for holder and applies extra in the same
// conditional write, so the lock and whatever else the caller changes land
// together or not at all. t must be the caller's most recent read.
func (a *Arbiter) Claim(ctx context.Context, t *task.Task, holder string, d time.Duration, extra task.Patch) (*task.Task, error) {
	if holder == "" {
		return nil, fmt.Errorf("claim task %s: holder required", t.ID)
	}
	now := a.now()
	if t.Lock.Live(now) && t.Lock.HolderID != holder {
		return nil, fmt.Errorf("claim task %s: held by %s until %s: %w",
			t.ID, t.Lock.HolderID, t.Lock.ExpiresAt.Format(time.RFC3339), ErrAlreadyHeld)
	}
	if d <= 0 {
		d = a.duration
	}

	now = now.Truncate(time.Microsecond)
	p := extra
	p.ClearLock = false
	p.Lock = &task.Lock{HolderID: holder, AcquiredAt: now, ExpiresAt: now.Add(d)}
	p.Expect = &task.Expect{Status: t.Status, Lock: t.Lock}

	updated, err := a.store.Update(ctx, t.ID, p)
	if errors.Is(err, task.ErrStale) {
		return nil, fmt.Errorf("claim task %s: lost race: %w", t.ID, ErrAlreadyHeld)
	}
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// Release clears the lock on taskID if holder owns it.
func (a *Arbiter) Release(ctx context.Context, taskID, holder string) error {
	t, err := a.store.Get(ctx, taskID)
	if err != nil {
		return err
	}
	if !Holds(t, holder) {
		return fmt.Errorf("release task %s: %w", taskID, ErrNotHolder)
	}
	_, err = a.store.Update(ctx, taskID, task.Patch{
		ClearLock: true,
		Expect:    &task.Expect{Status: t.Status, Lock: t.Lock},
	})
	if errors.Is(err, task.ErrStale) {
		return fmt.Errorf("release task %s: %w", taskID, ErrNotHolder)
	}
	return err
}

// Holds reports whether holder is recorded on t's lock, live or not. Once
// expired, the record stays until someone else claims, so a matching holder
// means nobody has taken the task over.
func Holds(t *task.Task, holder string) bool {
	return holder != "" && t.Lock != nil && t.Lock.HolderID == holder
}

// HoldsLive reports whether holder owns an unexpired lock on t.
func HoldsLive(t *task.Task, holder string, now time.Time) bool {
	return Holds(t, holder) && t.Lock.Live(now)
}
