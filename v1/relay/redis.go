package relay

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"

	latcherrors "github.com/openpdm/latch/v1/errors"
	"github.com/openpdm/latch/v1/event"
)

const (
	redisEventChannel      = "latch:events"
	redisRelayPublishLimit = 5 * time.Second
)

// RedisRelay implements Relay over one Redis pub/sub channel shared by all
// nodes.
type RedisRelay struct {
	client *redis.Client
	node   string

	mu     sync.Mutex
	pubsub *redis.PubSub
	subs   []chan *event.Event
	closed bool
}

// NewRedisRelay returns a relay using the provided Redis client.
func NewRedisRelay(client *redis.Client) *RedisRelay {
	return &RedisRelay{client: client, node: uuid.NewString()}
}

// Publish implements Relay.Publish.
func (r *RedisRelay) Publish(ctx context.Context, ev *event.Event) error {
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
	cctx, cancel := context.WithTimeout(ctx, redisRelayPublishLimit)
	defer cancel()
	return r.client.Publish(cctx, redisEventChannel, data).Err()
}

// Subscribe implements Relay.Subscribe. The first subscription opens the
// underlying pub/sub connection; later ones share its dispatch loop.
func (r *RedisRelay) Subscribe(ctx context.Context) (<-chan *event.Event, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, latcherrors.ErrRelayClosed
	}
	ch := make(chan *event.Event, 32)
	r.subs = append(r.subs, ch)
	if r.pubsub == nil {
		r.pubsub = r.client.Subscribe(context.Background(), redisEventChannel)
		go r.dispatch(r.pubsub.Channel())
	}
	r.mu.Unlock()

	go func() {
		<-ctx.Done()
		r.unsubscribe(ch)
	}()
	return ch, nil
}

func (r *RedisRelay) dispatch(msgs <-chan *redis.Message) {
	for msg := range msgs {
		f, err := decodeFrame([]byte(msg.Payload))
		if err != nil || f.Node == r.node || f.Event == nil {
			continue
		}
		// Sends stay under the mutex so unsubscribe and Close cannot close
		// a channel mid-delivery.
		r.mu.Lock()
		for _, ch := range r.subs {
			select {
			case ch <- f.Event:
			default:
			}
		}
		r.mu.Unlock()
	}
}

func (r *RedisRelay) unsubscribe(ch chan *event.Event) {
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
func (r *RedisRelay) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	var err error
	if r.pubsub != nil {
		err = r.pubsub.Close()
	}
	for _, ch := range r.subs {
		close(ch)
	}
	r.subs = nil
	return err
}
