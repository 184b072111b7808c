package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"pkt.systems/pslog"

	latcherr "github.com/openpdm/latch/v1/errors"
	"github.com/openpdm/latch/v1/event"
	"github.com/openpdm/latch/v1/hub"
	"github.com/openpdm/latch/v1/journal"
	"github.com/openpdm/latch/v1/lockstore"
	"github.com/openpdm/latch/v1/metrics"
	"github.com/openpdm/latch/v1/relay"
)

var tracer = otel.Tracer("github.com/openpdm/latch/v1/coordinator")

// Catalog answers whether a resource name is known to the system. Acquire
// requests for unknown resources are rejected before touching the lock table.
type Catalog interface {
	Exists(ctx context.Context, resource string) (bool, error)
}

// CatalogFunc adapts a function to the Catalog interface.
type CatalogFunc func(ctx context.Context, resource string) (bool, error)

func (f CatalogFunc) Exists(ctx context.Context, resource string) (bool, error) {
	return f(ctx, resource)
}

// AllowAll is a Catalog that accepts every resource name.
func AllowAll() Catalog {
	return CatalogFunc(func(context.Context, string) (bool, error) { return true, nil })
}

// Authorizer decides whether an identity may use administrative overrides.
type Authorizer interface {
	IsAdmin(ctx context.Context, identity string) (bool, error)
}

// AuthorizerFunc adapts a function to the Authorizer interface.
type AuthorizerFunc func(ctx context.Context, identity string) (bool, error)

func (f AuthorizerFunc) IsAdmin(ctx context.Context, identity string) (bool, error) {
	return f(ctx, identity)
}

// DenyAdmin rejects every override request.
func DenyAdmin() Authorizer {
	return AuthorizerFunc(func(context.Context, string) (bool, error) { return false, nil })
}

// Coordinator is the single entry point for lock mutations. It owns the
// ordering between the lock store, the journal and session fan-out, the
// compensating undo when a journal commit fails after the lock table already
// changed, and the per-resource quarantine when even the undo fails.
type Coordinator struct {
	store   lockstore.Store
	journal journal.Journal
	hub     *hub.Hub
	relay   relay.Relay
	catalog Catalog
	auth    Authorizer
	logger  pslog.Logger
	now     func() time.Time

	mu          sync.RWMutex
	quarantined map[string]struct{}

	resMu    sync.Mutex
	resLocks map[string]*sync.Mutex
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithRelay attaches a cross-node relay. Local events are published to it and
// ForwardRemote pumps remote events into the local hub.
func WithRelay(r relay.Relay) Option {
	return func(c *Coordinator) { c.relay = r }
}

// WithCatalog replaces the default allow-all resource catalog.
func WithCatalog(cat Catalog) Option {
	return func(c *Coordinator) { c.catalog = cat }
}

// WithAuthorizer replaces the default deny-all admin authorizer.
func WithAuthorizer(a Authorizer) Option {
	return func(c *Coordinator) { c.auth = a }
}

// WithLogger sets the structured logger.
func WithLogger(l pslog.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// New builds a Coordinator around a lock store, a journal and a session hub.
func New(store lockstore.Store, j journal.Journal, h *hub.Hub, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:       store,
		journal:     j,
		hub:         h,
		catalog:     AllowAll(),
		auth:        DenyAdmin(),
		logger:      pslog.NoopLogger(),
		now:         time.Now,
		quarantined: make(map[string]struct{}),
		resLocks:    make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// TryAcquire attempts to take the lock on resource for identity. On conflict
// the returned error carries the current holder. The lock only becomes
// visible to other sessions once the journal record is durable.
func (c *Coordinator) TryAcquire(ctx context.Context, resource, identity, note string) (*lockstore.LockRecord, error) {
	ctx, span := tracer.Start(ctx, "Coordinator.TryAcquire",
		trace.WithAttributes(
			attribute.String("latch.resource", resource),
			attribute.String("latch.identity", identity),
		))
	defer span.End()

	defer c.lockResource(resource)()

	if c.isQuarantined(resource) {
		return nil, fmt.Errorf("acquire %q: %w", resource, latcherr.ErrInternalInconsistency)
	}
	ok, err := c.catalog.Exists(ctx, resource)
	if err != nil {
		return nil, fmt.Errorf("catalog lookup for %q: %w", resource, err)
	}
	if !ok {
		return nil, fmt.Errorf("acquire %q: %w", resource, latcherr.ErrNotFound)
	}

	c.logger.Debug("lock.acquire.begin", "resource", resource, "identity", identity)

	var (
		rec     *lockstore.LockRecord
		applied bool
	)
	start := c.now()
	ev, err := c.journal.Commit(ctx, journal.Entry{
		Actor:    identity,
		Action:   journal.ActionAcquire,
		Resource: resource,
		Detail:   note,
	}, func(ctx context.Context) error {
		r, err := c.store.Acquire(ctx, resource, identity, note)
		if err != nil {
			return err
		}
		rec = r
		applied = true
		return nil
	})
	if err != nil {
		if conflict, ok := latcherr.IsConflict(err); ok {
			metrics.ConflictCounter.Inc()
			c.logger.Debug("lock.acquire.conflict",
				"resource", resource, "identity", identity, "holder", conflict.Holder)
			return nil, err
		}
		if errors.Is(err, latcherr.ErrPersistenceUnavailable) {
			metrics.PersistenceFailureCounter.Inc()
			if applied {
				c.compensateAcquire(ctx, resource, identity)
			}
			c.logger.Warn("lock.acquire.persistence_failure",
				"resource", resource, "identity", identity, "error", err)
			if c.isQuarantined(resource) {
				return nil, fmt.Errorf("acquire %q: %w", resource, latcherr.ErrInternalInconsistency)
			}
			return nil, err
		}
		return nil, err
	}
	metrics.CommitDuration.Observe(c.now().Sub(start).Seconds())
	metrics.AcquireCounter.Inc()
	metrics.HeldLocksGauge.Inc()

	c.logger.Info("lock.acquire.ok",
		"resource", resource, "identity", identity, "seq", ev.Seq)
	c.announce(ctx, event.ResourceLocked, resource, identity)
	return rec, nil
}

// TryRelease releases the lock on resource held by identity. With
// adminOverride set and an identity the Authorizer accepts, a lock held by
// someone else is force-released instead.
func (c *Coordinator) TryRelease(ctx context.Context, resource, identity string, adminOverride bool) error {
	ctx, span := tracer.Start(ctx, "Coordinator.TryRelease",
		trace.WithAttributes(
			attribute.String("latch.resource", resource),
			attribute.String("latch.identity", identity),
			attribute.Bool("latch.override", adminOverride),
		))
	defer span.End()

	defer c.lockResource(resource)()

	if c.isQuarantined(resource) {
		return fmt.Errorf("release %q: %w", resource, latcherr.ErrInternalInconsistency)
	}

	prior, err := c.store.Get(ctx, resource)
	if err != nil {
		return err
	}
	if prior == nil {
		return fmt.Errorf("release %q: %w", resource, latcherr.ErrNotLocked)
	}

	action := journal.ActionRelease
	detail := ""
	if prior.Holder != identity {
		if !adminOverride {
			return fmt.Errorf("release %q held by %q: %w", resource, prior.Holder, latcherr.ErrForbidden)
		}
		admin, err := c.auth.IsAdmin(ctx, identity)
		if err != nil {
			return fmt.Errorf("authorize override for %q: %w", identity, err)
		}
		if !admin {
			return fmt.Errorf("override by %q: %w", identity, latcherr.ErrForbidden)
		}
		action = journal.ActionForceRelease
		detail = "was held by " + prior.Holder
	}

	c.logger.Debug("lock.release.begin",
		"resource", resource, "identity", identity, "action", string(action))

	var applied bool
	start := c.now()
	ev, err := c.journal.Commit(ctx, journal.Entry{
		Actor:    identity,
		Action:   action,
		Resource: resource,
		Detail:   detail,
	}, func(ctx context.Context) error {
		var err error
		if action == journal.ActionForceRelease {
			err = c.store.ForceRelease(ctx, resource)
		} else {
			err = c.store.Release(ctx, resource, identity)
		}
		if err != nil {
			return err
		}
		applied = true
		return nil
	})
	if err != nil {
		switch {
		case errors.Is(err, latcherr.ErrNotOwner):
			// Holder changed between the probe and the critical section.
			return fmt.Errorf("release %q: %w", resource, latcherr.ErrForbidden)
		case errors.Is(err, latcherr.ErrPersistenceUnavailable):
			metrics.PersistenceFailureCounter.Inc()
			if applied {
				c.compensateRelease(ctx, resource, prior)
			}
			c.logger.Warn("lock.release.persistence_failure",
				"resource", resource, "identity", identity, "error", err)
			if c.isQuarantined(resource) {
				return fmt.Errorf("release %q: %w", resource, latcherr.ErrInternalInconsistency)
			}
			return err
		default:
			return err
		}
	}
	metrics.CommitDuration.Observe(c.now().Sub(start).Seconds())
	metrics.HeldLocksGauge.Dec()
	if action == journal.ActionForceRelease {
		metrics.ForceReleaseCounter.Inc()
	} else {
		metrics.ReleaseCounter.Inc()
	}

	c.logger.Info("lock.release.ok",
		"resource", resource, "identity", identity, "action", string(action), "seq", ev.Seq)
	c.announce(ctx, event.ResourceUnlocked, resource, identity)
	return nil
}

// Status reports the current lock record for resource, or nil when free.
func (c *Coordinator) Status(ctx context.Context, resource string) (*lockstore.LockRecord, error) {
	return c.store.Get(ctx, resource)
}

// Locks returns a snapshot of every held lock.
func (c *Coordinator) Locks(ctx context.Context) ([]lockstore.LockRecord, error) {
	return c.store.Snapshot(ctx)
}

// History returns the newest-first audit trail, optionally filtered by
// resource, capped at limit entries.
func (c *Coordinator) History(ctx context.Context, resource string, limit int) ([]journal.AuditEvent, error) {
	return c.journal.History(ctx, resource, limit)
}

// Online lists the identities currently connected to the hub.
func (c *Coordinator) Online() []string {
	return c.hub.ListOnline()
}

// Quarantined reports whether resource is refusing mutations after a failed
// compensating undo. Operator intervention is required to clear it.
func (c *Coordinator) Quarantined(resource string) bool {
	return c.isQuarantined(resource)
}

// ClearQuarantine lifts the quarantine on resource after an operator has
// reconciled the lock table against the journal.
func (c *Coordinator) ClearQuarantine(resource string) {
	c.mu.Lock()
	delete(c.quarantined, resource)
	c.mu.Unlock()
	c.logger.Warn("lock.quarantine.cleared", "resource", resource)
}

// ForwardRemote subscribes to the relay and re-broadcasts remote events into
// the local hub until ctx is cancelled. It is a no-op when no relay is
// configured.
func (c *Coordinator) ForwardRemote(ctx context.Context) error {
	if c.relay == nil {
		<-ctx.Done()
		return ctx.Err()
	}
	ch, err := c.relay.Subscribe(ctx)
	if err != nil {
		return fmt.Errorf("subscribe relay: %w", err)
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			c.logger.Debug("relay.forward",
				"type", string(ev.Type), "resource", ev.Resource, "actor", ev.Actor)
			c.hub.Broadcast(ev)
		}
	}
}

func (c *Coordinator) announce(ctx context.Context, typ event.Type, resource, actor string) {
	ev := &event.Event{
		Type:      typ,
		Resource:  resource,
		Actor:     actor,
		Online:    c.hub.ListOnline(),
		Timestamp: c.now().UTC(),
	}
	c.hub.Broadcast(ev)
	if c.relay != nil {
		if err := c.relay.Publish(ctx, ev); err != nil {
			c.logger.Warn("relay.publish.failed",
				"type", string(typ), "resource", resource, "error", err)
		}
	}
}

// compensateAcquire undoes an acquire whose journal record could not be
// finalized. If the undo itself fails the resource is quarantined.
func (c *Coordinator) compensateAcquire(ctx context.Context, resource, identity string) {
	err := c.store.ForceRelease(context.WithoutCancel(ctx), resource)
	if err != nil && !errors.Is(err, latcherr.ErrNotLocked) {
		c.quarantine(resource, "undo acquire", err)
		return
	}
	c.logger.Warn("lock.acquire.rolled_back", "resource", resource, "identity", identity)
}

// compensateRelease restores a lock whose release could not be journaled.
func (c *Coordinator) compensateRelease(ctx context.Context, resource string, prior *lockstore.LockRecord) {
	_, err := c.store.Acquire(context.WithoutCancel(ctx), resource, prior.Holder, prior.Note)
	if err != nil {
		c.quarantine(resource, "undo release", err)
		return
	}
	c.logger.Warn("lock.release.rolled_back", "resource", resource, "holder", prior.Holder)
}

// lockResource serializes mutations on one resource from commit through
// fan-out, so sessions always see events in commit order. The returned
// function releases the lock.
func (c *Coordinator) lockResource(resource string) func() {
	c.resMu.Lock()
	m, ok := c.resLocks[resource]
	if !ok {
		m = &sync.Mutex{}
		c.resLocks[resource] = m
	}
	c.resMu.Unlock()
	m.Lock()
	return m.Unlock
}

func (c *Coordinator) quarantine(resource, op string, cause error) {
	c.mu.Lock()
	c.quarantined[resource] = struct{}{}
	c.mu.Unlock()
	c.logger.Error("lock.quarantine.entered",
		"resource", resource, "op", op, "error", cause)
}

func (c *Coordinator) isQuarantined(resource string) bool {
	c.mu.RLock()
	_, ok := c.quarantined[resource]
	c.mu.RUnlock()
	return ok
}
