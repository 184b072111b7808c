package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	latcherr "github.com/openpdm/latch/v1/errors"
	"github.com/openpdm/latch/v1/event"
	"github.com/openpdm/latch/v1/hub"
	"github.com/openpdm/latch/v1/journal"
	"github.com/openpdm/latch/v1/lockstore"
	"github.com/openpdm/latch/v1/relay"
)

// collectConn implements hub.Conn and keeps every frame it was handed.
type collectConn struct {
	mu     sync.Mutex
	frames [][]byte
}

func (c *collectConn) WriteMessage(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	c.frames = append(c.frames, cp)
	return nil
}

func (c *collectConn) SetWriteDeadline(time.Time) error { return nil }
func (c *collectConn) Close() error                     { return nil }

func (c *collectConn) events(t *testing.T) []event.Event {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]event.Event, 0, len(c.frames))
	for _, f := range c.frames {
		var ev event.Event
		if err := json.Unmarshal(f, &ev); err != nil {
			t.Fatalf("decode frame %q: %v", f, err)
		}
		out = append(out, ev)
	}
	return out
}

func waitForEvents(t *testing.T, conn *collectConn, n int) []event.Event {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		evs := conn.events(t)
		if len(evs) >= n {
			return evs
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d events, have %d", n, len(conn.events(t)))
	return nil
}

// finalizeFailJournal runs the apply function, then reports the durable
// store as unavailable, mimicking a store that dies between intent and
// finalize.
type finalizeFailJournal struct {
	inner *journal.Memory
	fail  bool
}

func (j *finalizeFailJournal) Commit(ctx context.Context, entry journal.Entry, apply func(context.Context) error) (*journal.AuditEvent, error) {
	if !j.fail {
		return j.inner.Commit(ctx, entry, apply)
	}
	if err := apply(ctx); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("%w: finalize lost", latcherr.ErrPersistenceUnavailable)
}

func (j *finalizeFailJournal) History(ctx context.Context, resource string, limit int) ([]journal.AuditEvent, error) {
	return j.inner.History(ctx, resource, limit)
}

// undoFailStore rejects ForceRelease so the compensating undo path can be
// driven into quarantine.
type undoFailStore struct {
	lockstore.Store
}

func (s *undoFailStore) ForceRelease(ctx context.Context, resource string) error {
	return errors.New("undo rejected")
}

func newTestCoordinator(t *testing.T, opts ...Option) (*Coordinator, *journal.Memory, *hub.Hub) {
	t.Helper()
	jrn := journal.NewMemory()
	h := hub.New()
	t.Cleanup(func() { _ = h.Close() })
	c := New(lockstore.NewInMemory(), jrn, h, opts...)
	return c, jrn, h
}

func TestAcquireReleaseRoundTrip(t *testing.T) {
	ctx := context.Background()
	c, _, _ := newTestCoordinator(t)

	rec, err := c.TryAcquire(ctx, "part1.mcam", "alice", "editing bracket")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if rec.Holder != "alice" {
		t.Fatalf("holder = %q, want alice", rec.Holder)
	}

	got, err := c.Status(ctx, "part1.mcam")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if got == nil || got.Holder != "alice" {
		t.Fatalf("status = %+v, want held by alice", got)
	}

	_, err = c.TryAcquire(ctx, "part1.mcam", "bob", "")
	conflict, ok := latcherr.IsConflict(err)
	if !ok {
		t.Fatalf("bob acquire: %v, want conflict", err)
	}
	if conflict.Holder != "alice" {
		t.Fatalf("conflict holder = %q, want alice", conflict.Holder)
	}

	if err := c.TryRelease(ctx, "part1.mcam", "bob", false); !errors.Is(err, latcherr.ErrForbidden) {
		t.Fatalf("bob release: %v, want ErrForbidden", err)
	}

	if err := c.TryRelease(ctx, "part1.mcam", "alice", false); err != nil {
		t.Fatalf("alice release: %v", err)
	}
	got, err = c.Status(ctx, "part1.mcam")
	if err != nil {
		t.Fatalf("status after release: %v", err)
	}
	if got != nil {
		t.Fatalf("status after release = %+v, want nil", got)
	}

	hist, err := c.History(ctx, "part1.mcam", 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(hist) != 2 {
		t.Fatalf("history length = %d, want 2", len(hist))
	}
	if hist[0].Action != journal.ActionRelease || hist[1].Action != journal.ActionAcquire {
		t.Fatalf("history order = %s, %s; want RELEASE then ACQUIRE", hist[0].Action, hist[1].Action)
	}
	if hist[0].Seq <= hist[1].Seq {
		t.Fatalf("sequence not increasing: %d then %d", hist[1].Seq, hist[0].Seq)
	}
}

func TestAdminOverride(t *testing.T) {
	ctx := context.Background()
	admins := AuthorizerFunc(func(_ context.Context, identity string) (bool, error) {
		return identity == "root", nil
	})
	c, _, _ := newTestCoordinator(t, WithAuthorizer(admins))

	if _, err := c.TryAcquire(ctx, "asm.mcam", "alice", ""); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	if err := c.TryRelease(ctx, "asm.mcam", "bob", true); !errors.Is(err, latcherr.ErrForbidden) {
		t.Fatalf("bob override: %v, want ErrForbidden", err)
	}

	if err := c.TryRelease(ctx, "asm.mcam", "root", true); err != nil {
		t.Fatalf("root override: %v", err)
	}
	got, _ := c.Status(ctx, "asm.mcam")
	if got != nil {
		t.Fatalf("status after force release = %+v, want nil", got)
	}

	hist, err := c.History(ctx, "asm.mcam", 1)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(hist) != 1 || hist[0].Action != journal.ActionForceRelease {
		t.Fatalf("newest entry = %+v, want FORCE_RELEASE", hist)
	}
	if hist[0].Actor != "root" || hist[0].Detail != "was held by alice" {
		t.Fatalf("audit entry = %+v", hist[0])
	}
}

func TestReleaseUnlockedResource(t *testing.T) {
	ctx := context.Background()
	c, _, _ := newTestCoordinator(t)

	if err := c.TryRelease(ctx, "ghost.mcam", "alice", false); !errors.Is(err, latcherr.ErrNotLocked) {
		t.Fatalf("release: %v, want ErrNotLocked", err)
	}
	hist, err := c.History(ctx, "ghost.mcam", 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(hist) != 0 {
		t.Fatalf("failed release left audit entries: %+v", hist)
	}
}

func TestCatalogRejectsUnknownResource(t *testing.T) {
	ctx := context.Background()
	known := CatalogFunc(func(_ context.Context, resource string) (bool, error) {
		return resource == "listed.mcam", nil
	})
	c, _, _ := newTestCoordinator(t, WithCatalog(known))

	if _, err := c.TryAcquire(ctx, "listed.mcam", "alice", ""); err != nil {
		t.Fatalf("acquire listed: %v", err)
	}
	if _, err := c.TryAcquire(ctx, "unlisted.mcam", "alice", ""); !errors.Is(err, latcherr.ErrNotFound) {
		t.Fatalf("acquire unlisted: %v, want ErrNotFound", err)
	}
}

func TestPersistenceOutageLeavesNoLock(t *testing.T) {
	ctx := context.Background()
	c, jrn, _ := newTestCoordinator(t)

	jrn.SetUnavailable(true)
	_, err := c.TryAcquire(ctx, "part2.mcam", "alice", "")
	if !errors.Is(err, latcherr.ErrPersistenceUnavailable) {
		t.Fatalf("acquire during outage: %v, want ErrPersistenceUnavailable", err)
	}
	got, _ := c.Status(ctx, "part2.mcam")
	if got != nil {
		t.Fatalf("dangling lock after failed commit: %+v", got)
	}

	jrn.SetUnavailable(false)
	if _, err := c.TryAcquire(ctx, "part2.mcam", "alice", ""); err != nil {
		t.Fatalf("acquire after recovery: %v", err)
	}
}

func TestFinalizeFailureRollsBackAcquire(t *testing.T) {
	ctx := context.Background()
	jrn := &finalizeFailJournal{inner: journal.NewMemory(), fail: true}
	h := hub.New()
	t.Cleanup(func() { _ = h.Close() })
	c := New(lockstore.NewInMemory(), jrn, h)

	_, err := c.TryAcquire(ctx, "part3.mcam", "alice", "")
	if !errors.Is(err, latcherr.ErrPersistenceUnavailable) {
		t.Fatalf("acquire: %v, want ErrPersistenceUnavailable", err)
	}
	got, _ := c.Status(ctx, "part3.mcam")
	if got != nil {
		t.Fatalf("lock survived rolled-back commit: %+v", got)
	}

	jrn.fail = false
	if _, err := c.TryAcquire(ctx, "part3.mcam", "bob", ""); err != nil {
		t.Fatalf("acquire after rollback: %v", err)
	}
}

func TestFinalizeFailureRestoresReleasedLock(t *testing.T) {
	ctx := context.Background()
	jrn := &finalizeFailJournal{inner: journal.NewMemory()}
	h := hub.New()
	t.Cleanup(func() { _ = h.Close() })
	c := New(lockstore.NewInMemory(), jrn, h)

	if _, err := c.TryAcquire(ctx, "part4.mcam", "alice", "rework"); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	jrn.fail = true
	err := c.TryRelease(ctx, "part4.mcam", "alice", false)
	if !errors.Is(err, latcherr.ErrPersistenceUnavailable) {
		t.Fatalf("release: %v, want ErrPersistenceUnavailable", err)
	}
	got, _ := c.Status(ctx, "part4.mcam")
	if got == nil || got.Holder != "alice" {
		t.Fatalf("lock not restored after rolled-back release: %+v", got)
	}
}

func TestQuarantineAfterFailedUndo(t *testing.T) {
	ctx := context.Background()
	jrn := &finalizeFailJournal{inner: journal.NewMemory(), fail: true}
	store := &undoFailStore{Store: lockstore.NewInMemory()}
	h := hub.New()
	t.Cleanup(func() { _ = h.Close() })
	c := New(store, jrn, h)

	_, err := c.TryAcquire(ctx, "part5.mcam", "alice", "")
	if !errors.Is(err, latcherr.ErrInternalInconsistency) {
		t.Fatalf("acquire: %v, want ErrInternalInconsistency", err)
	}
	if !c.Quarantined("part5.mcam") {
		t.Fatal("resource not quarantined after failed undo")
	}

	// Further mutations are refused, reads still work.
	if _, err := c.TryAcquire(ctx, "part5.mcam", "bob", ""); !errors.Is(err, latcherr.ErrInternalInconsistency) {
		t.Fatalf("acquire on quarantined resource: %v", err)
	}
	if err := c.TryRelease(ctx, "part5.mcam", "alice", false); !errors.Is(err, latcherr.ErrInternalInconsistency) {
		t.Fatalf("release on quarantined resource: %v", err)
	}
	if _, err := c.Status(ctx, "part5.mcam"); err != nil {
		t.Fatalf("status on quarantined resource: %v", err)
	}

	// Unrelated resources are unaffected.
	jrn.fail = false
	if _, err := c.TryAcquire(ctx, "other.mcam", "bob", ""); err != nil {
		t.Fatalf("acquire unrelated resource: %v", err)
	}

	c.ClearQuarantine("part5.mcam")
	if c.Quarantined("part5.mcam") {
		t.Fatal("quarantine not cleared")
	}
}

func TestAcquireBroadcastsToSessions(t *testing.T) {
	ctx := context.Background()
	c, _, h := newTestCoordinator(t)

	conn := &collectConn{}
	if _, err := h.Connect("alice", conn); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitForEvents(t, conn, 1) // own join

	if _, err := c.TryAcquire(ctx, "part6.mcam", "alice", ""); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	evs := waitForEvents(t, conn, 2)
	locked := evs[len(evs)-1]
	if locked.Type != event.ResourceLocked {
		t.Fatalf("last event = %s, want RESOURCE_LOCKED", locked.Type)
	}
	if locked.Resource != "part6.mcam" || locked.Actor != "alice" {
		t.Fatalf("event = %+v", locked)
	}
	if len(locked.Online) != 1 || locked.Online[0] != "alice" {
		t.Fatalf("online roster = %v, want [alice]", locked.Online)
	}

	if err := c.TryRelease(ctx, "part6.mcam", "alice", false); err != nil {
		t.Fatalf("release: %v", err)
	}
	evs = waitForEvents(t, conn, 3)
	if evs[len(evs)-1].Type != event.ResourceUnlocked {
		t.Fatalf("last event = %s, want RESOURCE_UNLOCKED", evs[len(evs)-1].Type)
	}
}

func TestForceReleaseNotifiesEveryone(t *testing.T) {
	ctx := context.Background()
	admins := AuthorizerFunc(func(_ context.Context, identity string) (bool, error) {
		return identity == "alice", nil
	})
	c, _, h := newTestCoordinator(t, WithAuthorizer(admins))

	conns := map[string]*collectConn{
		"alice": {}, "bob": {}, "carol": {},
	}
	for _, identity := range []string{"alice", "bob", "carol"} {
		if _, err := h.Connect(identity, conns[identity]); err != nil {
			t.Fatalf("connect %s: %v", identity, err)
		}
	}

	if _, err := c.TryAcquire(ctx, "part7.mcam", "bob", ""); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := c.TryRelease(ctx, "part7.mcam", "alice", true); err != nil {
		t.Fatalf("override release: %v", err)
	}

	// Everyone, including the displaced holder, sees the forced unlock.
	for identity, conn := range conns {
		waitFor := func() *event.Event {
			deadline := time.Now().Add(2 * time.Second)
			for time.Now().Before(deadline) {
				for _, ev := range conn.events(t) {
					if ev.Type == event.ResourceUnlocked && ev.Resource == "part7.mcam" {
						return &ev
					}
				}
				time.Sleep(5 * time.Millisecond)
			}
			return nil
		}
		ev := waitFor()
		if ev == nil {
			t.Fatalf("%s never saw the forced unlock", identity)
		}
		if ev.Actor != "alice" {
			t.Fatalf("%s saw actor %q, want alice", identity, ev.Actor)
		}
	}
}

func TestBroadcastFollowsCommitOrderPerResource(t *testing.T) {
	// The clock gates the acquiring goroutine between its commit and its
	// broadcast, so a concurrent release gets every chance to overtake it.
	entered := make(chan struct{})
	gate := make(chan struct{})
	var calls atomic.Int32
	clock := func() time.Time {
		if calls.Add(1) == 2 {
			close(entered)
			<-gate
		}
		return time.Now()
	}
	c, _, h := newTestCoordinator(t, WithClock(clock))

	conn := &collectConn{}
	if _, err := h.Connect("alice", conn); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitForEvents(t, conn, 1) // own join

	acquired := make(chan error, 1)
	go func() {
		_, err := c.TryAcquire(context.Background(), "part8.mcam", "alice", "")
		acquired <- err
	}()
	<-entered

	released := make(chan error, 1)
	go func() {
		released <- c.TryRelease(context.Background(), "part8.mcam", "alice", false)
	}()

	// The lock is committed but not yet announced; the release must wait.
	select {
	case err := <-released:
		t.Fatalf("release finished before acquire was announced: %v", err)
	case <-time.After(100 * time.Millisecond):
	}

	close(gate)
	if err := <-acquired; err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := <-released; err != nil {
		t.Fatalf("release: %v", err)
	}

	evs := waitForEvents(t, conn, 3)
	var order []event.Type
	for _, ev := range evs {
		if ev.Resource == "part8.mcam" {
			order = append(order, ev.Type)
		}
	}
	if len(order) != 2 || order[0] != event.ResourceLocked || order[1] != event.ResourceUnlocked {
		t.Fatalf("event order = %v, want RESOURCE_LOCKED then RESOURCE_UNLOCKED", order)
	}
}

func TestForwardRemoteBridgesRelayToHub(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := relay.NewInMemory()
	peer := bus.Join()

	c, _, h := newTestCoordinator(t, WithRelay(bus))
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = c.ForwardRemote(ctx)
	}()

	conn := &collectConn{}
	if _, err := h.Connect("alice", conn); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitForEvents(t, conn, 1)

	// A lock taken on another node reaches local sessions.
	remote := &event.Event{
		Type:      event.ResourceLocked,
		Resource:  "remote.mcam",
		Actor:     "carol",
		Timestamp: time.Now().UTC(),
	}
	if err := peer.Publish(ctx, remote); err != nil {
		t.Fatalf("peer publish: %v", err)
	}
	evs := waitForEvents(t, conn, 2)
	got := evs[len(evs)-1]
	if got.Type != event.ResourceLocked || got.Actor != "carol" || got.Resource != "remote.mcam" {
		t.Fatalf("forwarded event = %+v", got)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("ForwardRemote did not stop on cancel")
	}
}
