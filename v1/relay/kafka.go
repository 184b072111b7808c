package relay

import (
	"context"
	"sync"

	sarama "github.com/IBM/sarama"
	"github.com/google/uuid"

	latcherrors "github.com/openpdm/latch/v1/errors"
	"github.com/openpdm/latch/v1/event"
)

const kafkaEventTopic = "latch-events"

// KafkaRelay implements Relay on a Kafka topic shared by all nodes.
type KafkaRelay struct {
	client   sarama.Client
	producer sarama.SyncProducer
	consumer sarama.Consumer
	node     string

	mu     sync.Mutex
	pc     sarama.PartitionConsumer
	subs   []chan *event.Event
	closed bool
}

// NewKafkaRelay creates a relay connecting to the given brokers.
func NewKafkaRelay(brokers []string, cfg *sarama.Config) (*KafkaRelay, error) {
	if !cfg.Producer.Return.Successes {
		cfg.Producer.Return.Successes = true
	}
	client, err := sarama.NewClient(brokers, cfg)
	if err != nil {
		return nil, err
	}
	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	consumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		_ = producer.Close()
		_ = client.Close()
		return nil, err
	}
	return &KafkaRelay{
		client:   client,
		producer: producer,
		consumer: consumer,
		node:     uuid.NewString(),
	}, nil
}

// Publish implements Relay.Publish.
func (r *KafkaRelay) Publish(ctx context.Context, ev *event.Event) error {
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
	msg := &sarama.ProducerMessage{Topic: kafkaEventTopic, Value: sarama.ByteEncoder(data)}
	_, _, err = r.producer.SendMessage(msg)
	return err
}

// Subscribe implements Relay.Subscribe.
func (r *KafkaRelay) Subscribe(ctx context.Context) (<-chan *event.Event, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, latcherrors.ErrRelayClosed
	}
	ch := make(chan *event.Event, 32)
	r.subs = append(r.subs, ch)
	if r.pc == nil {
		pc, err := r.consumer.ConsumePartition(kafkaEventTopic, 0, sarama.OffsetNewest)
		if err != nil {
			r.subs = r.subs[:len(r.subs)-1]
			r.mu.Unlock()
			return nil, err
		}
		r.pc = pc
		go r.dispatch(pc)
	}
	r.mu.Unlock()

	go func() {
		<-ctx.Done()
		r.unsubscribe(ch)
	}()
	return ch, nil
}

func (r *KafkaRelay) dispatch(pc sarama.PartitionConsumer) {
	for msg := range pc.Messages() {
		f, err := decodeFrame(msg.Value)
		if err != nil || f.Node == r.node || f.Event == nil {
			continue
		}
		// Send under the mutex so unsubscribe and Close cannot close a
		// channel mid-delivery.
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

func (r *KafkaRelay) unsubscribe(ch chan *event.Event) {
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
func (r *KafkaRelay) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	if r.pc != nil {
		_ = r.pc.Close()
	}
	err := r.producer.Close()
	if cerr := r.consumer.Close(); err == nil {
		err = cerr
	}
	// The client owns the broker connections shared by producer and
	// consumer, so it goes down last.
	if cerr := r.client.Close(); err == nil {
		err = cerr
	}
	for _, ch := range r.subs {
		close(ch)
	}
	r.subs = nil
	return err
}
