package types

import "errors"

// Engine error taxonomy. Engines return these wrapped with context;
// callers test with errors.Is to translate them into user-visible states.
var (
	ErrProjectNotFound = errors.New("project not found")
	ErrRefNotFound     = errors.New("ref not found")
	ErrNodeNotFound    = errors.New("node not found")
	ErrNotAuthorized   = errors.New("not a project member")

	// ErrRefLocked means the storage-side ref row lock timed out.
	ErrRefLocked = errors.New("ref is locked")
	// ErrLeaseHeld means another session holds the ref lease.
	ErrLeaseHeld = errors.New("ref lease held by another session")
	// ErrLeaseExpired means our lease was preempted mid-operation.
	ErrLeaseExpired = errors.New("ref lease expired")

	ErrInvalidArgument = errors.New("invalid argument")
	ErrConflict        = errors.New("conflict")
)
