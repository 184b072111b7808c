package relay

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/openpdm/latch/v1/event"
)

func findMulticastInterface() *net.Interface {
	ifaces, _ := net.Interfaces()
	for _, ifi := range ifaces {
		if ifi.Flags&net.FlagMulticast != 0 && ifi.Flags&net.FlagUp != 0 && ifi.Flags&net.FlagLoopback == 0 {
			return &ifi
		}
	}
	return nil
}

func TestMeshRelayCrossNodeDelivery(t *testing.T) {
	ifi := findMulticastInterface()
	ifaceName := ""
	if ifi != nil {
		ifaceName = ifi.Name
	}
	opts := MeshOptions{
		Port:      9000 + (int(time.Now().Unix()) % 1000),
		Group:     "239.0.0.2",
		Interface: ifaceName,
	}

	a, err := NewMeshRelay(opts)
	if err != nil {
		t.Skipf("mesh relay unavailable in this environment: %v", err)
	}
	defer a.Close()
	b, err := NewMeshRelay(opts)
	if err != nil {
		t.Skipf("mesh relay unavailable in this environment: %v", err)
	}
	defer b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	chB, err := b.Subscribe(ctx)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	time.Sleep(200 * time.Millisecond)

	want := &event.Event{Type: event.ResourceLocked, Resource: "part1.mcam", Actor: "alice", Timestamp: time.Now().UTC()}
	if err := a.Publish(ctx, want); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case got := <-chB:
		if got.Type != want.Type || got.Resource != want.Resource || got.Actor != want.Actor {
			t.Fatalf("got %+v, want %+v", got, want)
		}
	case <-ctx.Done():
		t.Skip("no multicast delivery in this environment")
	}
}

func TestMeshPacketRoundTrip(t *testing.T) {
	p := meshPacket{
		Magic:   meshMagic,
		Type:    meshTypeEvent,
		NodeID:  [16]byte{1, 2, 3, 4},
		Payload: []byte(`{"type":"RESOURCE_LOCKED"}`),
	}
	buf := make([]byte, 2048)
	n, err := p.marshal(buf)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var q meshPacket
	if err := q.unmarshal(buf[:n]); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if q.Type != p.Type || q.NodeID != p.NodeID || string(q.Payload) != string(p.Payload) {
		t.Fatalf("round trip mismatch: %+v vs %+v", q, p)
	}
}

func TestMeshPacketLargePayload(t *testing.T) {
	payload := make([]byte, 8192)
	for i := range payload {
		payload[i] = byte('a' + i%26)
	}
	p := meshPacket{
		Magic:   meshMagic,
		Type:    meshTypeEvent,
		NodeID:  [16]byte{9},
		Payload: payload,
	}
	buf := packetBuffer(20 + len(payload))
	if len(buf) < 20+len(payload) {
		t.Fatalf("buffer too small: %d", len(buf))
	}
	n, err := p.marshal(buf)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var q meshPacket
	if err := q.unmarshal(buf[:n]); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if string(q.Payload) != string(payload) {
		t.Fatal("large payload corrupted in round trip")
	}
}

func TestMeshPacketRejectsBadMagic(t *testing.T) {
	buf := make([]byte, 64)
	buf[0] = 0xFF
	var p meshPacket
	if err := p.unmarshal(buf); err != errInvalidMagic {
		t.Fatalf("expected errInvalidMagic, got %v", err)
	}
}
