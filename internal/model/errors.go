package model

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned for unknown job ids and for cancel
	// attempts on jobs that already reached a terminal state.
	ErrNotFound = errors.New("download not found")

	// ErrDuplicateID is returned by the store when a job id is reused.
	ErrDuplicateID = errors.New("duplicate download id")

	// ErrCapacity is returned when the active-download ceiling is
	// reached. The submission is rejected, not queued.
	ErrCapacity = errors.New("too many active downloads")
)

// ValidationError rejects a submission before any job record is created.
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}
