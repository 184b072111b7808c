package relay

import (
	"context"
	"sync"

	"github.com/google/uuid"

	latcherrors "github.com/openpdm/latch/v1/errors"
	"github.com/openpdm/latch/v1/event"
)

// memoryBus is the shared medium behind every InMemory node on one bus.
type memoryBus struct {
	mu    sync.Mutex
	nodes []*InMemory
}

// InMemory is a process-local Relay, mainly for standalone deployments and
// tests. Join creates additional nodes on the same bus:
//
//	a := relay.NewInMemory()
//	b := a.Join()
//
// Events published on a arrive at b's subscribers and vice versa.
type InMemory struct {
	bus    *memoryBus
	node   string
	mu     sync.Mutex
	subs   []chan *event.Event
	closed bool
}

// NewInMemory creates a bus with a single node on it.
func NewInMemory() *InMemory {
	bus := &memoryBus{}
	return bus.join()
}

// Join adds another node to this relay's bus.
func (r *InMemory) Join() *InMemory {
	return r.bus.join()
}

func (b *memoryBus) join() *InMemory {
	r := &InMemory{bus: b, node: uuid.NewString()}
	b.mu.Lock()
	b.nodes = append(b.nodes, r)
	b.mu.Unlock()
	return r
}

// Publish implements Relay.Publish.
func (r *InMemory) Publish(ctx context.Context, ev *event.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return latcherrors.ErrRelayClosed
	}

	r.bus.mu.Lock()
	nodes := append([]*InMemory(nil), r.bus.nodes...)
	r.bus.mu.Unlock()
	for _, node := range nodes {
		if node.node == r.node {
			continue
		}
		node.deliver(ev)
	}
	return nil
}

// deliver sends under the mutex: unsubscribe and Close also close channels
// under it, so a send can never hit a closed channel. The sends are
// non-blocking, keeping the critical section short.
func (r *InMemory) deliver(ev *event.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ch := range r.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Subscribe implements Relay.Subscribe.
func (r *InMemory) Subscribe(ctx context.Context) (<-chan *event.Event, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, latcherrors.ErrRelayClosed
	}
	ch := make(chan *event.Event, 32)
	r.subs = append(r.subs, ch)
	r.mu.Unlock()

	go func() {
		<-ctx.Done()
		r.unsubscribe(ch)
	}()
	return ch, nil
}

func (r *InMemory) unsubscribe(ch chan *event.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, c := range r.subs {
		if c == ch {
			r.subs[i] = r.subs[len(r.subs)-1]
			r.subs = r.subs[:len(r.subs)-1]
			close(c)
			return
		}
	}
}

// Close implements Relay.Close.
func (r *InMemory) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	for _, ch := range r.subs {
		close(ch)
	}
	r.subs = nil
	r.mu.Unlock()

	r.bus.mu.Lock()
	for i, node := range r.bus.nodes {
		if node == r {
			r.bus.nodes[i] = r.bus.nodes[len(r.bus.nodes)-1]
			r.bus.nodes = r.bus.nodes[:len(r.bus.nodes)-1]
			break
		}
	}
	r.bus.mu.Unlock()
	return nil
}
