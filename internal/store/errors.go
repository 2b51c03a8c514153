package store

import "errors"

var (
	// ErrNotFound is returned when the requested record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrDuplicateIdempotency is returned by InsertJob when a non-terminal
	// job already exists for the same (repo, ref, host) triple.
	ErrDuplicateIdempotency = errors.New("a non-terminal job already exists for this repo, ref and host")

	// ErrNotClaimable is returned by ClaimJob when the job is no longer
	// pending — another agent won the claim race, or the job was cancelled.
	ErrNotClaimable = errors.New("job is not in a claimable state")

	// ErrNotAssigned is returned by CompleteJob when the acknowledging
	// agent is not the one the job was assigned to.
	ErrNotAssigned = errors.New("job is not assigned to this agent")

	// ErrAlreadyTerminal is returned when a terminal transition is
	// requested on a job that has already reached a terminal state.
	// The stored job accompanies the error so callers can return the
	// recorded outcome.
	ErrAlreadyTerminal = errors.New("job is already in a terminal state")
)
