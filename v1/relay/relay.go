// Package relay propagates committed lock events between engine replicas so
// every node's hub can keep its local clients synchronized. Delivery is
// advisory and at-most-once; the journal, not the relay, is the durable
// source of truth.
package relay

import (
	"context"
	"encoding/json"

	"github.com/openpdm/latch/v1/event"
)

// Relay is the cross-node event fan-out contract. Every implementation tags
// outgoing frames with its own node ID and drops its own frames on receive,
// so a node never echoes events back into the hub that produced them.
type Relay interface {
	// Publish sends ev to all other nodes. It never blocks on slow peers.
	Publish(ctx context.Context, ev *event.Event) error
	// Subscribe returns a channel of events published by other nodes. The
	// channel closes when ctx is canceled or the relay is closed. Slow
	// consumers lose events rather than stall the relay.
	Subscribe(ctx context.Context) (<-chan *event.Event, error)
	// Close tears down connections and closes all subscription channels.
	Close() error
}

// frame is the wire envelope carrying a relayed event plus its origin.
type frame struct {
	Node  string       `json:"node"`
	Event *event.Event `json:"event"`
}

func encodeFrame(node string, ev *event.Event) ([]byte, error) {
	return json.Marshal(frame{Node: node, Event: ev})
}

func decodeFrame(data []byte) (*frame, error) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	return &f, nil
}
