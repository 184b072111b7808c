// Package errors defines the error taxonomy shared by every latch component.
// All latch packages return either one of these sentinels or a typed error
// defined here, possibly wrapped; callers match with errors.Is / errors.As.
package errors

import (
	"errors"
	"fmt"
)

var (
	// ErrNotLocked is returned when releasing a resource that holds no lock.
	ErrNotLocked = errors.New("latch: resource is not locked")
	// ErrNotOwner is returned when releasing a lock held by another identity.
	ErrNotOwner = errors.New("latch: lock held by another identity")
	// ErrForbidden is returned when an operation requires an admin override
	// the caller does not have.
	ErrForbidden = errors.New("latch: operation forbidden")
	// ErrNotFound is returned when the resource catalog has no entry for the
	// requested resource.
	ErrNotFound = errors.New("latch: resource not found")
	// ErrPersistenceUnavailable is returned when the durable store is
	// unreachable or timed out. In-memory state has been rolled back before
	// this is returned; callers may retry.
	ErrPersistenceUnavailable = errors.New("latch: persistence unavailable")
	// ErrInternalInconsistency is returned when the durable log and the
	// in-memory state can no longer be reconciled (sequence gap, failed
	// compensating undo). Writes on the affected resource halt until an
	// operator intervenes.
	ErrInternalInconsistency = errors.New("latch: internal inconsistency")
	// ErrHubClosed is returned when operating on a hub that has shut down.
	ErrHubClosed = errors.New("latch: hub closed")
	// ErrRelayClosed is returned when publishing on a closed relay.
	ErrRelayClosed = errors.New("latch: relay closed")
	// ErrTimeout is returned when a bounded operation exceeded its deadline.
	ErrTimeout = errors.New("latch: timeout")
)

// ConflictError reports a failed acquire on a resource that is already held.
// It always carries the current holder so a human can act on the rejection.
type ConflictError struct {
	Resource string
	Holder   string
}

// Error implements the error interface.
func (e *ConflictError) Error() string {
	return fmt.Sprintf("latch: %s is locked by %s", e.Resource, e.Holder)
}

// IsConflict reports whether err is a ConflictError and returns it if so.
func IsConflict(err error) (*ConflictError, bool) {
	var ce *ConflictError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}
