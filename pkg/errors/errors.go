// Package errors holds the worker's error vocabulary: sentinel errors for
// domain conditions, error codes with metadata, and PipelineError, which
// carries the Kind the task consumer uses to decide between ack, reject and
// dead-lettering.
//
// Usage:
//
//	import tferrors "github.com/otherjamesbrown/penf-transcribe/pkg/errors"
//
//	if tferrors.KindOf(err) == tferrors.KindMalformedTask {
//	    // reject without requeue, no ack report
//	}
package errors

import "errors"

// Domain errors.
var (
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrValidation indicates invalid input.
	ErrValidation = errors.New("validation error")

	// ErrInvalidState indicates the operation is not valid for the current state.
	ErrInvalidState = errors.New("invalid state")

	// ErrMissingAudio indicates a chunk file could not be found on disk.
	ErrMissingAudio = errors.New("audio file not found")

	// ErrSessionClosed indicates the broker session went away underneath a call.
	ErrSessionClosed = errors.New("broker session closed")
)

// IsNotFound reports whether any error in err's chain is ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsValidation reports whether any error in err's chain is ErrValidation.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}

// IsInvalidState reports whether any error in err's chain is ErrInvalidState.
func IsInvalidState(err error) bool {
	return errors.Is(err, ErrInvalidState)
}

// IsSessionClosed reports whether any error in err's chain is ErrSessionClosed.
func IsSessionClosed(err error) bool {
	return errors.Is(err, ErrSessionClosed)
}
