// Package lifecycle is the task state machine:
//
//	open ──claim──▶ claimed ──start──▶ active ◀──resume── blocked
//	                   │                 │                  ▲
//	                   └──────pause──────┴──────────────────┘
//	claimed|active|blocked ──complete──▶ done
//	open|claimed|active|blocked ──cancel──▶ cancelled
//
// done and cancelled are terminal. Every transition is written with a
// conditional update on the status and lock the manager just read, so a
// concurrent writer turns a would-be lost update into a reported error.
package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"capacity-engine/pkg/audit"
	"capacity-engine/pkg/claim"
	"capacity-engine/pkg/guardrail"
	"capacity-engine/pkg/task"
)

// ClaimResult is a successful claim. Decision is Throttle when the guardrail
// permitted the claim with a warning the caller should surface.
type ClaimResult struct {
	Task     *task.Task         `json:"task"`
	Decision guardrail.Decision `json:"decision"`
}

// Manager drives tasks through their lifecycle.
type Manager struct {
	store   task.Store
	arbiter *claim.Arbiter
	policy  guardrail.Policy
	signals guardrail.ContextProvider
	sink    audit.Sink
	logger  *zap.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithPolicy sets the guardrail thresholds.
func WithPolicy(p guardrail.Policy) Option { return func(m *Manager) { m.policy = p } }

// WithContextProvider replaces the store-derived guardrail signals.
func WithContextProvider(p guardrail.ContextProvider) Option {
	return func(m *Manager) { m.signals = p }
}

// WithSink sets the telemetry sink.
func WithSink(s audit.Sink) Option { return func(m *Manager) { m.sink = s } }

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(m *Manager) { m.logger = l } }

// New creates a Manager over store, arbitrating locks through arbiter.
func New(store task.Store, arbiter *claim.Arbiter, opts ...Option) *Manager {
	m := &Manager{
		store:   store,
		arbiter: arbiter,
		policy:  guardrail.DefaultPolicy(),
		sink:    audit.Nop{},
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.signals == nil {
		m.signals = guardrail.NewStoreProvider(store, 0)
	}
	return m
}

// Create stores a new task in open status with no lock and no owner.
func (m *Manager) Create(ctx context.Context, t *task.Task) (*task.Task, error) {
	cp := t.Clone()
	cp.ID = ""
	cp.Status = task.StatusOpen
	cp.Owner = ""
	cp.Lock = nil
	cp.Renewals = 0
	if err := cp.Validate(); err != nil {
		return nil, err
	}
	created, err := m.store.Create(ctx, cp)
	if err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	m.logger.Debug("task created", zap.String("task_id", created.ID), zap.String("capacity", string(created.Capacity)))
	return created, nil
}

// Get returns a task by id.
func (m *Manager) Get(ctx context.Context, id string) (*task.Task, error) {
	return m.store.Get(ctx, id)
}

// List returns tasks matching f.
func (m *Manager) List(ctx context.Context, f task.Filter) ([]task.Task, error) {
	return m.store.List(ctx, f)
}

// Claim gives user the lock on an open task, or on a claimed task whose lock
// has expired or is already theirs. A guardrail block vetoes the claim
// without touching the task; a throttle lets it through with a warning.
func (m *Manager) Claim(ctx context.Context, id, user string) (*ClaimResult, error) {
	if user == "" {
		return nil, ErrActorRequired
	}
	t, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.Status != task.StatusOpen && t.Status != task.StatusClaimed {
		return nil, m.invalid(OpClaim, t, nil)
	}

	// Re-claiming your own task extends the time-box, so it is judged as a renewal.
	reclaim := t.Status == task.StatusClaimed && claim.Holds(t, user)
	extra := 0
	if reclaim {
		extra = 1
	}
	decision, err := m.evaluate(ctx, t, extra)
	if err != nil {
		return nil, err
	}
	if decision.Blocked() {
		m.guardrailAudit(ctx, t, user, OpClaim, decision)
		return nil, &GuardrailBlockedError{Reason: decision.Reason}
	}

	status := task.StatusClaimed
	patch := task.Patch{Status: &status, Owner: &user}
	if reclaim {
		n := t.Renewals + 1
		patch.Renewals = &n
	}
	updated, err := m.arbiter.Claim(ctx, t, user, 0, patch)
	if errors.Is(err, claim.ErrAlreadyHeld) {
		if fresh, getErr := m.store.Get(ctx, id); getErr == nil && fresh.Status != task.StatusOpen && fresh.Status != task.StatusClaimed {
			return nil, m.invalid(OpClaim, fresh, nil)
		}
		m.logger.Debug("claim contended", zap.String("task_id", id), zap.String("user", user), zap.Error(err))
		return nil, fmt.Errorf("%w: %w", ErrAlreadyClaimed, err)
	}
	if err != nil {
		return nil, err
	}

	if decision.Throttled() {
		m.guardrailAudit(ctx, updated, user, OpClaim, decision)
	}
	m.sink.Emit(ctx, audit.Record{
		Type:   audit.TaskClaimed,
		TaskID: updated.ID,
		Actor:  user,
		Content: map[string]any{
			"capacity":   string(updated.Capacity),
			"decision":   string(decision.Result),
			"reason":     decision.Reason,
			"expires_at": updated.Lock.ExpiresAt,
		},
	})
	m.logger.Info("task claimed",
		zap.String("task_id", updated.ID),
		zap.String("user", user),
		zap.String("decision", string(decision.Result)))
	return &ClaimResult{Task: updated, Decision: decision}, nil
}

// Start moves a claimed task to active. The caller must hold a live lock.
func (m *Manager) Start(ctx context.Context, id, user string) (*task.Task, error) {
	return m.transition(ctx, OpStart, id, user, []task.Status{task.StatusClaimed}, true,
		func(*task.Task) task.Patch {
			st := task.StatusActive
			return task.Patch{Status: &st}
		})
}

// Pause moves a claimed or active task to blocked, recording reason in the
// payload. The caller must hold a live lock, which is kept so they can resume.
func (m *Manager) Pause(ctx context.Context, id, user, reason string) (*task.Task, error) {
	return m.transition(ctx, OpPause, id, user, []task.Status{task.StatusClaimed, task.StatusActive}, true,
		func(*task.Task) task.Patch {
			st := task.StatusBlocked
			return task.Patch{Status: &st, Payload: map[string]any{task.PayloadPauseReason: reason}}
		})
}

// Resume moves a blocked task back to active. The caller must hold a live lock.
func (m *Manager) Resume(ctx context.Context, id, user string) (*task.Task, error) {
	return m.transition(ctx, OpResume, id, user, []task.Status{task.StatusBlocked}, true,
		func(*task.Task) task.Patch {
			st := task.StatusActive
			return task.Patch{Status: &st}
		})
}

// Complete finishes a task and releases its lock. It is never subject to
// guardrail evaluation.
func (m *Manager) Complete(ctx context.Context, id, user string, outputs map[string]any) (*task.Task, error) {
	t, err := m.transition(ctx, OpComplete, id, user,
		[]task.Status{task.StatusClaimed, task.StatusActive, task.StatusBlocked}, false,
		func(*task.Task) task.Patch {
			st := task.StatusDone
			p := task.Patch{Status: &st, ClearLock: true}
			if outputs != nil {
				p.Payload = map[string]any{task.PayloadOutputs: outputs}
			}
			return p
		})
	if err != nil {
		return nil, err
	}
	m.sink.Emit(ctx, audit.Record{
		Type:    audit.TaskCompleted,
		TaskID:  t.ID,
		Actor:   user,
		Content: map[string]any{"capacity": string(t.Capacity), "outputs": outputs},
	})
	return t, nil
}

// Cancel is the administrative stop: any non-terminal task, any actor,
// regardless of who holds the lock. The lock is cleared.
func (m *Manager) Cancel(ctx context.Context, id, actor, reason string) (*task.Task, error) {
	if actor == "" {
		return nil, ErrActorRequired
	}
	t, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.Status.Terminal() {
		return nil, m.invalid(OpCancel, t, nil)
	}
	st := task.StatusCancelled
	updated, err := m.write(ctx, OpCancel, t, task.Patch{
		Status:    &st,
		ClearLock: true,
		Payload:   map[string]any{task.PayloadCancelReason: reason, task.PayloadCancelledBy: actor},
	})
	if err != nil {
		return nil, err
	}
	m.sink.Emit(ctx, audit.Record{
		Type:    audit.TaskCancelled,
		TaskID:  updated.ID,
		Actor:   actor,
		Content: map[string]any{"reason": reason, "previous_status": string(t.Status)},
	})
	m.logger.Info("task cancelled", zap.String("task_id", id), zap.String("actor", actor))
	return updated, nil
}

// Renew extends the holder's lock by the default duration and counts one
// more renewal since the last review. The guardrail sees the post-renewal
// count, so the renewal that would exceed the maximum is the one blocked.
func (m *Manager) Renew(ctx context.Context, id, user string) (*ClaimResult, error) {
	if user == "" {
		return nil, ErrActorRequired
	}
	t, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !t.Status.InFlight() {
		return nil, m.invalid(OpRenew, t, nil)
	}
	if !claim.Holds(t, user) {
		return nil, m.invalid(OpRenew, t, claim.ErrNotHolder)
	}

	decision, err := m.evaluate(ctx, t, 1)
	if err != nil {
		return nil, err
	}
	if decision.Blocked() {
		m.guardrailAudit(ctx, t, user, OpRenew, decision)
		return nil, &GuardrailBlockedError{Reason: decision.Reason}
	}

	n := t.Renewals + 1
	updated, err := m.arbiter.Claim(ctx, t, user, 0, task.Patch{Renewals: &n})
	if errors.Is(err, claim.ErrAlreadyHeld) {
		return nil, m.stale(ctx, OpRenew, id)
	}
	if err != nil {
		return nil, err
	}
	if decision.Throttled() {
		m.guardrailAudit(ctx, updated, user, OpRenew, decision)
	}
	m.sink.Emit(ctx, audit.Record{
		Type:    audit.TaskRenewed,
		TaskID:  updated.ID,
		Actor:   user,
		Content: map[string]any{"renewals": n, "expires_at": updated.Lock.ExpiresAt},
	})
	return &ClaimResult{Task: updated, Decision: decision}, nil
}

// Review records that someone looked at the task's time-box and resets the
// renewal count. It does not change status or lock.
func (m *Manager) Review(ctx context.Context, id, reviewer string) (*task.Task, error) {
	if reviewer == "" {
		return nil, ErrActorRequired
	}
	t, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.Status.Terminal() {
		return nil, m.invalid(OpReview, t, nil)
	}
	zero := 0
	updated, err := m.write(ctx, OpReview, t, task.Patch{Renewals: &zero})
	if err != nil {
		return nil, err
	}
	m.sink.Emit(ctx, audit.Record{
		Type:    audit.TaskReviewed,
		TaskID:  updated.ID,
		Actor:   reviewer,
		Content: map[string]any{"renewals_cleared": t.Renewals},
	})
	return updated, nil
}

// transition runs a holder-only operation: check status, check the caller
// holds the lock (live when requireLive), then write conditionally.
func (m *Manager) transition(ctx context.Context, op Op, id, user string, from []task.Status, requireLive bool,
	build func(*task.Task) task.Patch) (*task.Task, error) {
	if user == "" {
		return nil, ErrActorRequired
	}
	t, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !statusIn(t.Status, from) {
		return nil, m.invalid(op, t, nil)
	}
	if !claim.Holds(t, user) {
		return nil, m.invalid(op, t, claim.ErrNotHolder)
	}
	if requireLive && !t.Lock.Live(m.arbiter.Now()) {
		return nil, m.invalid(op, t, errLockExpired)
	}
	updated, err := m.write(ctx, op, t, build(t))
	if err != nil {
		return nil, err
	}
	m.logger.Debug("task transitioned",
		zap.String("task_id", id),
		zap.String("op", string(op)),
		zap.String("from", string(t.Status)),
		zap.String("to", string(updated.Status)))
	return updated, nil
}

var errLockExpired = errors.New("lock expired")

// write applies p conditioned on the status and lock in t.
func (m *Manager) write(ctx context.Context, op Op, t *task.Task, p task.Patch) (*task.Task, error) {
	p.Expect = &task.Expect{Status: t.Status, Lock: t.Lock}
	updated, err := m.store.Update(ctx, t.ID, p)
	if errors.Is(err, task.ErrStale) {
		return nil, m.stale(ctx, op, t.ID)
	}
	if err != nil {
		return nil, fmt.Errorf("%s task %s: %w", op, t.ID, err)
	}
	return updated, nil
}

// stale reports a lost conditional write against the task's fresh status.
func (m *Manager) stale(ctx context.Context, op Op, id string) error {
	fresh, err := m.store.Get(ctx, id)
	if err != nil {
		return err
	}
	return m.invalid(op, fresh, task.ErrStale)
}

func (m *Manager) invalid(op Op, t *task.Task, cause error) error {
	err := &InvalidTransitionError{Op: op, Status: t.Status, Cause: cause}
	m.logger.Debug("transition rejected", zap.String("task_id", t.ID), zap.Error(err))
	return err
}

// evaluate gathers signals and runs the guardrail. The renewal count is never
// below what the task itself records; extraRenewals is added on top.
func (m *Manager) evaluate(ctx context.Context, t *task.Task, extraRenewals int) (guardrail.Decision, error) {
	signals, err := m.signals.GuardrailContext(ctx, t)
	if err != nil {
		return guardrail.Decision{}, fmt.Errorf("guardrail context for %s: %w", t.ID, err)
	}
	signals.Renewals = max(signals.Renewals, t.Renewals) + extraRenewals
	return guardrail.Evaluate(m.policy, *t, signals), nil
}

func (m *Manager) guardrailAudit(ctx context.Context, t *task.Task, actor string, op Op, d guardrail.Decision) {
	eventType := audit.GuardrailThrottled
	if d.Blocked() {
		eventType = audit.GuardrailBlocked
		m.logger.Info("guardrail blocked operation",
			zap.String("task_id", t.ID),
			zap.String("op", string(op)),
			zap.String("reason", d.Reason))
	}
	m.sink.Emit(ctx, audit.Record{
		Type:    eventType,
		TaskID:  t.ID,
		Actor:   actor,
		Content: map[string]any{"op": string(op), "reason": d.Reason, "capacity": string(t.Capacity)},
	})
}

func statusIn(s task.Status, list []task.Status) bool {
	for _, v := range list {
		if s == v {
			return true
		}
	}
	return false
}
