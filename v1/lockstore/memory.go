package lockstore

import (
	"context"
	"sort"
	"sync"
	"time"

	latcherrors "github.com/openpdm/latch/v1/errors"
)

// InMemory implements Store using a mutex-guarded map. It is the
// authoritative lock table for a single-node deployment.
type InMemory struct {
	mu    sync.Mutex
	locks map[string]*LockRecord
	now   func() time.Time
}

// InMemoryOption configures an InMemory store.
type InMemoryOption func(*InMemory)

// WithClock overrides the time source, mainly for tests.
func WithClock(now func() time.Time) InMemoryOption {
	return func(s *InMemory) {
		if now != nil {
			s.now = now
		}
	}
}

// NewInMemory returns an empty in-memory lock store.
func NewInMemory(opts ...InMemoryOption) *InMemory {
	s := &InMemory{
		locks: make(map[string]*LockRecord),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Acquire implements Store.Acquire. The existence check and the record
// creation happen inside one critical section, so two concurrent acquires for
// the same resource can never both observe an empty slot.
func (s *InMemory) Acquire(ctx context.Context, resource, identity, note string) (*LockRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.locks[resource]; ok {
		return nil, &latcherrors.ConflictError{Resource: resource, Holder: existing.Holder}
	}
	rec := &LockRecord{
		Resource:   resource,
		Holder:     identity,
		AcquiredAt: s.now().UTC(),
		Note:       note,
	}
	s.locks[resource] = rec
	out := *rec
	return &out, nil
}

// Release implements Store.Release.
func (s *InMemory) Release(ctx context.Context, resource, identity string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.locks[resource]
	if !ok {
		return latcherrors.ErrNotLocked
	}
	if existing.Holder != identity {
		return latcherrors.ErrNotOwner
	}
	delete(s.locks, resource)
	return nil
}

// ForceRelease implements Store.ForceRelease.
func (s *InMemory) ForceRelease(ctx context.Context, resource string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.locks[resource]; !ok {
		return latcherrors.ErrNotLocked
	}
	delete(s.locks, resource)
	return nil
}

// Get implements Store.Get.
func (s *InMemory) Get(ctx context.Context, resource string) (*LockRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.locks[resource]
	if !ok {
		return nil, nil
	}
	out := *rec
	return &out, nil
}

// Snapshot implements Store.Snapshot. Records are sorted by resource name so
// repeated snapshots of the same state compare equal.
func (s *InMemory) Snapshot(ctx context.Context) ([]LockRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	out := make([]LockRecord, 0, len(s.locks))
	for _, rec := range s.locks {
		out = append(out, *rec)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Resource < out[j].Resource })
	return out, nil
}
