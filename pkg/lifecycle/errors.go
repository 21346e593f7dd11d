package lifecycle

import (
	"errors"
	"fmt"

	"capacity-engine/pkg/task"
)

// Op names a lifecycle operation.
type Op string

const (
	OpClaim    Op = "claim"
	OpStart    Op = "start"
	OpPause    Op = "pause"
	OpResume   Op = "resume"
	OpComplete Op = "complete"
	OpCancel   Op = "cancel"
	OpRenew    Op = "renew"
	OpReview   Op = "review"
)

var (
	// ErrInvalidTransition matches every *InvalidTransitionError.
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrAlreadyClaimed is returned when another caller holds a live lock.
	ErrAlreadyClaimed = errors.New("task already claimed")
	// ErrGuardrailBlocked matches every *GuardrailBlockedError.
	ErrGuardrailBlocked = errors.New("blocked by guardrail")
	// ErrActorRequired is returned when an operation is attempted anonymously.
	ErrActorRequired = errors.New("actor required")
)

// InvalidTransitionError reports an operation that is not legal from the
// task's current status, or by the current caller.
type InvalidTransitionError struct {
	Op     Op
	Status task.Status
	Cause  error // set when the status was fine but the caller was not
}

func (e *InvalidTransitionError) Error() string {
	msg := fmt.Sprintf("cannot %s task in status %s", e.Op, e.Status)
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Is matches ErrInvalidTransition.
func (e *InvalidTransitionError) Is(target error) bool { return target == ErrInvalidTransition }

// Unwrap exposes the holder failure, if any.
func (e *InvalidTransitionError) Unwrap() error { return e.Cause }

// GuardrailBlockedError carries the guardrail's reason verbatim.
type GuardrailBlockedError struct {
	Reason string
}

func (e *GuardrailBlockedError) Error() string { return "blocked by guardrail: " + e.Reason }

// Is matches ErrGuardrailBlocked.
func (e *GuardrailBlockedError) Is(target error) bool { return target == ErrGuardrailBlocked }
