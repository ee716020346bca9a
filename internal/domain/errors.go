package domain

import "errors"

// Common domain errors used across the application.
var (
	// ErrValidation is returned when a domain entity or a submitted
	// schedule fails validation. This is often wrapped with a more
	// specific error message.
	ErrValidation = errors.New("validation failed")

	// ErrDuplicateSubmission is returned when a task that has already
	// left the pending state is submitted again.
	ErrDuplicateSubmission = errors.New("task already submitted")

	// ErrReparenting is returned when a task tries to claim a subtask
	// that already belongs to a different parent.
	ErrReparenting = errors.New("task already has a parent")
)
