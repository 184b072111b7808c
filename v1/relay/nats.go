package relay

import (
	"context"
	"sync"

	"github.com/google/uuid"
	nats "github.com/nats-io/nats.go"

	latcherrors "github.com/openpdm/latch/v1/errors"
	"github.com/openpdm/latch/v1/event"
)

const natsEventSubject = "latch.events"

// NATSRelay implements Relay on a NATS subject shared by all nodes.
type NATSRelay struct {
	conn *nats.Conn
	node string

	mu     sync.Mutex
	sub    *nats.Subscription
	subs   []chan *event.Event
	closed bool
}

// NewNATSRelay returns a relay using the provided NATS connection. The
// caller keeps ownership of the connection.
func NewNATSRelay(conn *nats.Conn) *NATSRelay {
	return &NATSRelay{conn: conn, node: uuid.NewString()}
}

// Publish implements Relay.Publish.
func (r *NATSRelay) Publish(ctx context.Context, ev *event.Event) error {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return latcherrors.ErrRelayClosed
	}
	data, err := encodeFrame(r.node, ev)
	if err != nil {
		return err
	}
	return r.conn.Publish(natsEventSubject, data)
}

// Subscribe implements Relay.Subscribe.
func (r *NATSRelay) Subscribe(ctx context.Context) (<-chan *event.Event, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, latcherrors.ErrRelayClosed
	}
	ch := make(chan *event.Event, 32)
	r.subs = append(r.subs, ch)
	if r.sub == nil {
		sub, err := r.conn.Subscribe(natsEventSubject, func(msg *nats.Msg) {
			f, err := decodeFrame(msg.Data)
			if err != nil || f.Node == r.node || f.Event == nil {
				return
			}
			// Send under the mutex so unsubscribe and Close cannot close a
			// channel mid-delivery.
			r.mu.Lock()
			for _, c := range r.subs {
				select {
				case c <- f.Event:
				default:
				}
			}
			r.mu.Unlock()
		})
		if err != nil {
			r.subs = r.subs[:len(r.subs)-1]
			r.mu.Unlock()
			return nil, err
		}
		r.sub = sub
	}
	r.mu.Unlock()

	go func() {
		<-ctx.Done()
		r.unsubscribe(ch)
	}()
	return ch, nil
}

func (r *NATSRelay) unsubscribe(ch chan *event.Event) {
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
func (r *NATSRelay) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	var err error
	if r.sub != nil {
		err = r.sub.Unsubscribe()
	}
	for _, ch := range r.subs {
		close(ch)
	}
	r.subs = nil
	return err
}
