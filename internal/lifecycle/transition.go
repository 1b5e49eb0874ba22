// Package lifecycle enforces the issue status state machine.
//
// The machine has three states (open, in_progress, done) with no designated
// initial or terminal state: an issue may be created in any status and may
// be reopened from done. The single forbidden edge is open -> done; work
// must be acknowledged as in_progress before it can be closed.
package lifecycle

import (
	"errors"
	"fmt"

	"github.com/joescharf/triage/internal/models"
)

// ErrInvalidTransition is matched by every *InvalidTransitionError.
var ErrInvalidTransition = errors.New("invalid status transition")

// InvalidTransitionError describes a rejected status change.
type InvalidTransitionError struct {
	From models.Status
	To   models.Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("an issue cannot move directly from %s to %s; move it to %s first",
		e.From, e.To, models.StatusInProgress)
}

// Is lets errors.Is match ErrInvalidTransition.
func (e *InvalidTransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// ValidateTransition returns an *InvalidTransitionError when moving from
// current to next is not allowed. It has no side effects.
func ValidateTransition(current, next models.Status) error {
	if current == models.StatusOpen && next == models.StatusDone {
		return &InvalidTransitionError{From: current, To: next}
	}
	return nil
}

// AllowedTargets lists the statuses reachable from current, including
// current itself.
func AllowedTargets(current models.Status) []models.Status {
	var out []models.Status
	for _, s := range models.Statuses {
		if ValidateTransition(current, s) == nil {
			out = append(out, s)
		}
	}
	return out
}
