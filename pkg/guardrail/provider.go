package guardrail

import (
	"context"
	"fmt"
	"time"

	"capacity-engine/pkg/task"
)

// PayloadDelta is the payload key a completed task may carry to weight its
// contribution to the delta budget. Tasks without it count as 1.
const PayloadDelta = "delta"

// StoreProvider derives guardrail signals from the task store itself.
type StoreProvider struct {
	store  task.Store
	period time.Duration
	now    func() time.Time
}

// NewStoreProvider creates a StoreProvider. period bounds the window over
// which completed work counts against the delta budget.
func NewStoreProvider(store task.Store, period time.Duration) *StoreProvider {
	if period <= 0 {
		period = 24 * time.Hour
	}
	return &StoreProvider{store: store, period: period, now: time.Now}
}

// WithClock overrides the time source. Used by tests.
func (p *StoreProvider) WithClock(now func() time.Time) *StoreProvider {
	p.now = now
	return p
}

// GuardrailContext counts in-flight tasks in t's capacity and the change
// committed in the current period.
func (p *StoreProvider) GuardrailContext(ctx context.Context, t *task.Task) (Context, error) {
	inFlight, err := p.store.List(ctx, task.Filter{
		Capacity: t.Capacity,
		Statuses: []task.Status{task.StatusClaimed, task.StatusActive, task.StatusBlocked},
	})
	if err != nil {
		return Context{}, fmt.Errorf("count parallel streams: %w", err)
	}
	streams := 0
	for i := range inFlight {
		if inFlight[i].ID != t.ID {
			streams++
		}
	}

	done, err := p.store.List(ctx, task.Filter{
		Capacity:     t.Capacity,
		Statuses:     []task.Status{task.StatusDone},
		UpdatedSince: p.now().Add(-p.period),
	})
	if err != nil {
		return Context{}, fmt.Errorf("sum committed delta: %w", err)
	}
	var delta float64
	for i := range done {
		delta += deltaOf(&done[i])
	}

	return Context{ParallelStreams: streams, DeltaUsed: delta, Renewals: t.Renewals}, nil
}

func deltaOf(t *task.Task) float64 {
	switch v := t.Payload[PayloadDelta].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	default:
		return 1
	}
}
