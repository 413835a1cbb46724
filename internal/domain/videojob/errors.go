package videojob

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	// ErrJobNotFound covers both a missing job and one owned by another
	// user, so existence is never leaked to non-owners.
	ErrJobNotFound = errors.New("job not found")

	// ErrPropertyNotFound covers missing or foreign properties the same way.
	ErrPropertyNotFound = errors.New("property not found")

	// ErrInvalidTransition is returned when a user action targets a job
	// that is not in the state the action requires.
	ErrInvalidTransition = errors.New("job is not in the required state")

	// ErrStaleCallback marks a late or duplicate stage callback. It is a
	// no-op by contract: no state change, no credit mutation.
	ErrStaleCallback = errors.New("stale or duplicate stage callback")

	ErrInternal = errors.New("internal error")
)

// InsufficientCreditsError carries the amounts needed for the client's
// top-up prompt.
type InsufficientCreditsError struct {
	Required  int
	Available int
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits: need %d, have %d", e.Required, e.Available)
}

// SceneValidationError reports which scene violated the dialogue bound.
type SceneValidationError struct {
	Scene  int
	Reason string
}

func (e *SceneValidationError) Error() string {
	return fmt.Sprintf("scene %d: %s", e.Scene+1, e.Reason)
}

// DispatchError is returned when a stage call could not be dispatched. The
// job has already been failed and refunded; the id lets the client point
// the user at their history.
type DispatchError struct {
	JobID      uuid.UUID
	Diagnostic string
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("stage dispatch failed for job %s: %s", e.JobID, e.Diagnostic)
}
