package journal

import (
	"context"
	stdErrors "errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"

	latcherrors "github.com/openpdm/latch/v1/errors"
)

func newRedisJournal(t *testing.T) (*Redis, *miniredis.Miniredis, context.Context) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
		mr.Close()
	})
	return NewRedis(client), mr, context.Background()
}

func TestRedisCommitFinalizeAndHistory(t *testing.T) {
	j, _, ctx := newRedisJournal(t)

	ev1, err := j.Commit(ctx, Entry{Actor: "alice", Action: ActionAcquire, Resource: "part1.mcam", Detail: "editing"},
		func(context.Context) error { return nil })
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	ev2, err := j.Commit(ctx, Entry{Actor: "alice", Action: ActionRelease, Resource: "part1.mcam"},
		func(context.Context) error { return nil })
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if ev2.Seq != ev1.Seq+1 {
		t.Fatalf("expected contiguous seqs, got %d then %d", ev1.Seq, ev2.Seq)
	}

	events, err := j.History(ctx, "part1.mcam", 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Action != ActionRelease || events[1].Action != ActionAcquire {
		t.Fatalf("expected newest first, got %+v", events)
	}
}

func TestRedisCommitAbortHiddenFromHistory(t *testing.T) {
	j, _, ctx := newRedisJournal(t)

	applyErr := stdErrors.New("boom")
	if _, err := j.Commit(ctx, Entry{Actor: "bob", Action: ActionAcquire, Resource: "a.mcam"},
		func(context.Context) error { return applyErr }); !stdErrors.Is(err, applyErr) {
		t.Fatalf("expected apply error, got %v", err)
	}
	if _, err := j.Commit(ctx, Entry{Actor: "bob", Action: ActionAcquire, Resource: "a.mcam"},
		func(context.Context) error { return nil }); err != nil {
		t.Fatalf("commit: %v", err)
	}

	events, err := j.History(ctx, "a.mcam", 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected only the finalized event, got %+v", events)
	}
}

func TestRedisCommitUnavailableWhenStoreDown(t *testing.T) {
	j, mr, ctx := newRedisJournal(t)
	mr.Close()

	applied := false
	_, err := j.Commit(ctx, Entry{Actor: "carol", Action: ActionAcquire, Resource: "b.mcam"},
		func(context.Context) error { applied = true; return nil })
	if !stdErrors.Is(err, latcherrors.ErrPersistenceUnavailable) {
		t.Fatalf("expected ErrPersistenceUnavailable, got %v", err)
	}
	if applied {
		t.Fatal("apply must not run when the intent write failed")
	}
}

func TestRedisHistoryDetectsSequenceGap(t *testing.T) {
	j, mr, ctx := newRedisJournal(t)

	for i := 0; i < 3; i++ {
		if _, err := j.Commit(ctx, Entry{Actor: "alice", Action: ActionAcquire, Resource: "c.mcam"},
			func(context.Context) error { return nil }); err != nil {
			t.Fatalf("commit: %v", err)
		}
	}
	// Simulate corruption: drop the middle record outright.
	mr.Del(redisRecordPrefix + "2")

	if _, err := j.History(ctx, "c.mcam", 0); !stdErrors.Is(err, latcherrors.ErrInternalInconsistency) {
		t.Fatalf("expected ErrInternalInconsistency, got %v", err)
	}
}
