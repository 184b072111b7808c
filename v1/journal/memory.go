package journal

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	latcherrors "github.com/openpdm/latch/v1/errors"
)

type recordStatus string

const (
	statusPending   recordStatus = "pending"
	statusFinalized recordStatus = "finalized"
	statusAborted   recordStatus = "aborted"
)

type memoryRecord struct {
	event  AuditEvent
	status recordStatus
}

// Memory is an in-process Journal for standalone deployments and tests. The
// backing slice plays the role of the durable medium, including an
// unavailability switch so failure paths can be exercised.
type Memory struct {
	mu          sync.Mutex
	records     []memoryRecord
	seq         uint64
	unavailable bool
	now         func() time.Time
}

// MemoryOption configures a Memory journal.
type MemoryOption func(*Memory)

// WithMemoryClock overrides the time source, mainly for tests.
func WithMemoryClock(now func() time.Time) MemoryOption {
	return func(j *Memory) {
		if now != nil {
			j.now = now
		}
	}
}

// NewMemory returns an empty in-memory journal.
func NewMemory(opts ...MemoryOption) *Memory {
	j := &Memory{now: time.Now}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// SetUnavailable toggles simulated outage of the backing store. While set,
// Commit fails with errors.ErrPersistenceUnavailable without applying.
func (j *Memory) SetUnavailable(down bool) {
	j.mu.Lock()
	j.unavailable = down
	j.mu.Unlock()
}

// Commit implements Journal.Commit.
func (j *Memory) Commit(ctx context.Context, entry Entry, apply func(context.Context) error) (*AuditEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", latcherrors.ErrPersistenceUnavailable, err)
	}

	// Record the intent.
	j.mu.Lock()
	if j.unavailable {
		j.mu.Unlock()
		return nil, fmt.Errorf("%w: store offline", latcherrors.ErrPersistenceUnavailable)
	}
	j.seq++
	ev := AuditEvent{
		ID:        uuid.NewString(),
		Seq:       j.seq,
		Timestamp: j.now().UTC(),
		Actor:     entry.Actor,
		Action:    entry.Action,
		Resource:  entry.Resource,
		Detail:    entry.Detail,
	}
	idx := len(j.records)
	j.records = append(j.records, memoryRecord{event: ev, status: statusPending})
	j.mu.Unlock()

	if err := apply(ctx); err != nil {
		j.mu.Lock()
		j.records[idx].status = statusAborted
		j.mu.Unlock()
		return nil, err
	}

	j.mu.Lock()
	j.records[idx].status = statusFinalized
	j.mu.Unlock()
	out := ev
	return &out, nil
}

// History implements Journal.History.
func (j *Memory) History(ctx context.Context, resource string, limit int) ([]AuditEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	j.mu.Lock()
	defer j.mu.Unlock()

	var out []AuditEvent
	prev := uint64(0)
	for i := len(j.records) - 1; i >= 0; i-- {
		rec := j.records[i]
		if prev != 0 && rec.event.Seq != prev-1 {
			return nil, fmt.Errorf("%w: sequence gap at %d", latcherrors.ErrInternalInconsistency, rec.event.Seq)
		}
		prev = rec.event.Seq
		if rec.status != statusFinalized || rec.event.Resource != resource {
			continue
		}
		out = append(out, rec.event)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}
