package lockstore

import (
	"context"
	"time"
)

// LockRecord describes the current exclusive holder of one resource. Absence
// of a record means the resource is free. At most one record exists per
// resource at any instant.
type LockRecord struct {
	Resource   string    `json:"resource"`
	Holder     string    `json:"holder"`
	AcquiredAt time.Time `json:"acquired_at"`
	Note       string    `json:"note,omitempty"`
}

// Store is the lock table contract. Implementations must make the
// existence check and record creation in Acquire a single atomic step with
// respect to all other calls on the same resource.
type Store interface {
	// Acquire creates a lock record for resource held by identity. It fails
	// with *errors.ConflictError carrying the current holder if a record
	// already exists.
	Acquire(ctx context.Context, resource, identity, note string) (*LockRecord, error)
	// Release removes the record for resource if identity holds it. It fails
	// with errors.ErrNotLocked when no record exists and errors.ErrNotOwner
	// when the holder differs; Release has no privilege concept.
	Release(ctx context.Context, resource, identity string) error
	// ForceRelease unconditionally removes any record for resource. It fails
	// with errors.ErrNotLocked when no record exists.
	ForceRelease(ctx context.Context, resource string) error
	// Get returns the record for resource, or nil when the resource is free.
	Get(ctx context.Context, resource string) (*LockRecord, error)
	// Snapshot returns all currently held locks. The result is a copy; it may
	// be stale by the time the caller acts on it.
	Snapshot(ctx context.Context) ([]LockRecord, error)
}
