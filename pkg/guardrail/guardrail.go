// Package guardrail decides whether a state-changing task operation may
// proceed. Evaluate is a pure function of its inputs: it reads no clock, keeps
// no state, and never mutates the task or context it is given.
package guardrail

import (
	"context"
	"fmt"

	"capacity-engine/pkg/task"
)

// Result is the outcome of a guardrail evaluation.
type Result string

const (
	Allow    Result = "allow"
	Throttle Result = "throttle"
	Block    Result = "block"
)

// Decision is a guardrail verdict. Reason is set whenever Result != Allow.
type Decision struct {
	Result Result `json:"result"`
	Reason string `json:"reason,omitempty"`
}

// Blocked reports whether the decision vetoes the operation.
func (d Decision) Blocked() bool { return d.Result == Block }

// Throttled reports whether the decision permits the operation with a warning.
func (d Decision) Throttled() bool { return d.Result == Throttle }

// Context carries the system signals a decision depends on. It is supplied
// by the caller (normally a ContextProvider) and never stored here.
type Context struct {
	ParallelStreams int     `json:"parallel_streams"` // in-flight tasks in the same capacity, excluding this one
	DeltaUsed       float64 `json:"delta_used"`       // change committed this period
	Renewals        int     `json:"renewals"`         // time-box renewals since the last review
}

// Policy holds the configurable thresholds. A zero ceiling or budget disables
// the corresponding check.
type Policy struct {
	MaxParallel        map[task.Capacity]int `mapstructure:"max_parallel" json:"max_parallel"`
	DefaultMaxParallel int                   `mapstructure:"default_max_parallel" json:"default_max_parallel"`
	MaxRenewals        int                   `mapstructure:"max_renewals" json:"max_renewals"`
	DeltaBudget        float64               `mapstructure:"delta_budget" json:"delta_budget"`
	DeltaMargin        float64               `mapstructure:"delta_margin" json:"delta_margin"`
	HighTension        float64               `mapstructure:"high_tension" json:"high_tension"`
}

// DefaultPolicy returns the thresholds used when no configuration is given.
func DefaultPolicy() Policy {
	return Policy{
		MaxParallel: map[task.Capacity]int{
			task.ImmediateResponse: 5,
			task.SelfAdjustment:    8,
			task.GroupDeliberation: 3,
			task.Foresight:         4,
			task.StructuralChange:  2,
		},
		MaxRenewals: 3,
		DeltaBudget: 20,
		DeltaMargin: 0.1,
		HighTension: 0.8,
	}
}

// Ceiling returns the parallel-stream ceiling for c, or 0 when unlimited.
func (p Policy) Ceiling(c task.Capacity) int {
	if n, ok := p.MaxParallel[c]; ok {
		return n
	}
	return p.DefaultMaxParallel
}

// Evaluate applies the policy to a task and its context. Checks run in a
// fixed order and the first match wins, so identical inputs always produce an
// identical decision.
func Evaluate(p Policy, t task.Task, c Context) Decision {
	if ceiling := p.Ceiling(t.Capacity); ceiling > 0 && c.ParallelStreams+1 > ceiling {
		return Decision{Result: Block, Reason: fmt.Sprintf(
			"capacity %s already has %d parallel streams (ceiling %d)", t.Capacity, c.ParallelStreams, ceiling)}
	}
	if p.MaxRenewals > 0 && c.Renewals > p.MaxRenewals {
		return Decision{Result: Block, Reason: fmt.Sprintf(
			"time-box renewed %d times without review (max %d)", c.Renewals, p.MaxRenewals)}
	}
	if p.DeltaBudget > 0 {
		if c.DeltaUsed > p.DeltaBudget {
			return Decision{Result: Block, Reason: fmt.Sprintf(
				"delta budget exhausted: %.2f used of %.2f", c.DeltaUsed, p.DeltaBudget)}
		}
		if c.DeltaUsed >= p.DeltaBudget*(1-p.DeltaMargin) {
			return Decision{Result: Throttle, Reason: fmt.Sprintf(
				"delta budget nearly exhausted: %.2f used of %.2f", c.DeltaUsed, p.DeltaBudget)}
		}
	}
	if t.TRI != nil && p.HighTension > 0 && t.TRI.Tension > p.HighTension {
		return Decision{Result: Throttle, Reason: fmt.Sprintf(
			"loop tension %.2f exceeds %.2f", t.TRI.Tension, p.HighTension)}
	}
	return Decision{Result: Allow}
}

// ContextProvider supplies the system signals for a task.
type ContextProvider interface {
	GuardrailContext(ctx context.Context, t *task.Task) (Context, error)
}

// ContextFunc adapts a function to ContextProvider.
type ContextFunc func(ctx context.Context, t *task.Task) (Context, error)

// GuardrailContext calls f.
func (f ContextFunc) GuardrailContext(ctx context.Context, t *task.Task) (Context, error) {
	return f(ctx, t)
}
