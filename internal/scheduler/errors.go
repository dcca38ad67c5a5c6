package scheduler

import "errors"

// Domain errors for the scheduler.
var (
	// ErrStaleSubscription is reported when a COV subscription could not be
	// renewed before its deadline. The point falls back to polling.
	ErrStaleSubscription = errors.New("scheduler: stale subscription")

	// ErrNotScheduled is returned for a key the scheduler does not hold.
	ErrNotScheduled = errors.New("scheduler: point not scheduled")

	// ErrAlreadyScheduled is returned by Add for a key already scheduled.
	ErrAlreadyScheduled = errors.New("scheduler: point already scheduled")

	// ErrManualPoint is returned when scheduling a point in manual mode.
	ErrManualPoint = errors.New("scheduler: manual points are not scheduled")

	// ErrLocalPoint is returned when scheduling a point served locally.
	ErrLocalPoint = errors.New("scheduler: local points are not scheduled")

	// ErrMismatch is returned by ExpectValue when the read value differs.
	ErrMismatch = errors.New("scheduler: value mismatch")
)
