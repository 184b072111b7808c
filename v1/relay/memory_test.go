package relay

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/openpdm/latch/v1/event"
)

func recvEvent(t *testing.T, ch <-chan *event.Event) *event.Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for relayed event")
		return nil
	}
}

func TestInMemoryRelayCrossNodeDelivery(t *testing.T) {
	a := NewInMemory()
	b := a.Join()
	defer a.Close()
	defer b.Close()
	ctx := context.Background()

	chB, err := b.Subscribe(ctx)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	want := &event.Event{Type: event.ResourceLocked, Resource: "part1.mcam", Actor: "alice", Timestamp: time.Now().UTC()}
	if err := a.Publish(ctx, want); err != nil {
		t.Fatalf("publish: %v", err)
	}
	got := recvEvent(t, chB)
	if got.Type != want.Type || got.Resource != want.Resource || got.Actor != want.Actor {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestInMemoryRelayNoLoopback(t *testing.T) {
	a := NewInMemory()
	defer a.Close()
	ctx := context.Background()

	chA, err := a.Subscribe(ctx)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := a.Publish(ctx, &event.Event{Type: event.ResourceLocked, Resource: "x", Actor: "alice"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case ev := <-chA:
		t.Fatalf("publisher received its own event %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestInMemoryRelaySubscribeCanceledByContext(t *testing.T) {
	a := NewInMemory()
	b := a.Join()
	defer a.Close()
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := b.Subscribe(ctx)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	cancel()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("channel not closed after cancel")
		}
	}
}

func TestInMemoryRelayPublishDuringSubscriberChurn(t *testing.T) {
	a := NewInMemory()
	b := a.Join()
	defer a.Close()
	defer b.Close()

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ev := &event.Event{Type: event.ResourceLocked, Resource: "part1.mcam", Actor: "alice"}
		for {
			select {
			case <-stop:
				return
			default:
				_ = a.Publish(context.Background(), ev)
			}
		}
	}()

	for i := 0; i < 2000; i++ {
		ctx, cancel := context.WithCancel(context.Background())
		ch, err := b.Subscribe(ctx)
		if err != nil {
			cancel()
			t.Fatalf("subscribe: %v", err)
		}
		go func() {
			for range ch {
			}
		}()
		cancel()
	}
	close(stop)
	wg.Wait()
}

func TestInMemoryRelayClosedPublishFails(t *testing.T) {
	a := NewInMemory()
	if err := a.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := a.Publish(context.Background(), &event.Event{Type: event.SessionJoined, Actor: "x"}); err == nil {
		t.Fatal("expected error on closed relay")
	}
}
