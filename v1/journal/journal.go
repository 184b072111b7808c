package journal

import (
	"context"
	"time"
)

// Action names the lock mutation an audit event describes.
type Action string

const (
	ActionAcquire      Action = "ACQUIRE"
	ActionRelease      Action = "RELEASE"
	ActionForceRelease Action = "FORCE_RELEASE"
)

// Entry describes an intended mutation before it is applied.
type Entry struct {
	Actor    string
	Action   Action
	Resource string
	Detail   string
}

// AuditEvent is one committed, immutable record in the audit log. Seq is
// assigned at commit time and increases monotonically; a gap in the sequence
// observed by a reader signals log corruption.
type AuditEvent struct {
	ID        string    `json:"id"`
	Seq       uint64    `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
	Actor     string    `json:"actor"`
	Action    Action    `json:"action"`
	Resource  string    `json:"resource"`
	Detail    string    `json:"detail,omitempty"`
}

// Journal is the durable persistence contract for lock mutations.
type Journal interface {
	// Commit durably records entry as a pending intent, invokes apply, then
	// finalizes the record on success or marks it aborted on failure. apply
	// is never invoked unless the intent record was durably written. When the
	// backing store is unreachable Commit fails with
	// errors.ErrPersistenceUnavailable (wrapped); if that happens after apply
	// already ran, the caller owns undoing the applied mutation.
	// On success it returns the finalized event.
	Commit(ctx context.Context, entry Entry, apply func(context.Context) error) (*AuditEvent, error)
	// History returns finalized events for resource, newest first, at most
	// limit entries (limit <= 0 means no bound). Re-reading with the same
	// arguments and no intervening commits returns identical results. A
	// sequence gap in the underlying log fails with
	// errors.ErrInternalInconsistency.
	History(ctx context.Context, resource string, limit int) ([]AuditEvent, error)
}
