package domain

import "errors"

var (
	// ErrProbeFailure: an activity/pressure probe was unavailable or unparsable.
	ErrProbeFailure = errors.New("probe failure")

	// ErrActionFailure: a termination request failed.
	ErrActionFailure = errors.New("action failure")

	// ErrPersistenceFailure: habits could not be written or parsed.
	ErrPersistenceFailure = errors.New("persistence failure")

	// ErrNoTargets: the initial target list is empty.
	ErrNoTargets = errors.New("no targets configured")

	// ErrInvalidTarget: a target-list token does not follow the grammar.
	ErrInvalidTarget = errors.New("invalid target")
)
