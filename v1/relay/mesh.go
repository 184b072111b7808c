package relay

import (
	"context"
	"fmt"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/net/ipv4"

	latcherrors "github.com/openpdm/latch/v1/errors"
	"github.com/openpdm/latch/v1/event"
)

// MeshOptions configures the UDP multicast relay.
type MeshOptions struct {
	Port          int
	Interface     string
	Group         string
	Peers         []string      // Static seeds for unicast delivery
	AdvertiseAddr string        // Address advertised to other peers (e.g. "10.0.0.1:7947")
	Heartbeat     time.Duration // Interval for hello datagrams (default 5s)
	PeerTTL       time.Duration // How long a silent peer stays known (default 30s)
}

// MeshRelay implements Relay over UDP multicast with unicast fallback to
// known peers, for deployments where no broker is available. Datagram
// delivery is inherently best effort, which matches the relay contract.
type MeshRelay struct {
	opts      MeshOptions
	nodeID    [16]byte
	conn      net.PacketConn
	pconn     *ipv4.PacketConn
	groupAddr *net.UDPAddr

	mu   sync.Mutex
	subs []chan *event.Event

	peersMu      sync.Mutex
	knownPeers   map[string]time.Time
	resolvedAddr map[string]*net.UDPAddr

	ctx    context.Context
	cancel context.CancelFunc
}

// NewMeshRelay joins the multicast group and starts listening.
func NewMeshRelay(opts MeshOptions) (*MeshRelay, error) {
	if opts.Port == 0 {
		opts.Port = 7947
	}
	if opts.Group == "" {
		opts.Group = "239.0.0.2"
	}
	if opts.Heartbeat == 0 {
		opts.Heartbeat = 5 * time.Second
	}
	if opts.PeerTTL == 0 {
		opts.PeerTTL = 30 * time.Second
	}

	addr, err := net.ResolveUDPAddr("udp4", fmt.Sprintf("%s:%d", opts.Group, opts.Port))
	if err != nil {
		return nil, fmt.Errorf("relay: resolve multicast address: %w", err)
	}

	// Allow multiple nodes on one host to share the port.
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			return c.Control(func(fd uintptr) {
				_ = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
			})
		},
	}
	c, err := lc.ListenPacket(context.Background(), "udp4", fmt.Sprintf("0.0.0.0:%d", opts.Port))
	if err != nil {
		return nil, fmt.Errorf("relay: listen on port %d: %w", opts.Port, err)
	}

	pconn := ipv4.NewPacketConn(c)
	var iface *net.Interface
	if opts.Interface != "" {
		iface, err = net.InterfaceByName(opts.Interface)
		if err != nil {
			_ = c.Close()
			return nil, fmt.Errorf("relay: find interface %s: %w", opts.Interface, err)
		}
	}
	if err := pconn.JoinGroup(iface, addr); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("relay: join group %s: %w", opts.Group, err)
	}
	if iface != nil {
		if err := pconn.SetMulticastInterface(iface); err != nil {
			_ = c.Close()
			return nil, fmt.Errorf("relay: set multicast interface: %w", err)
		}
	}
	// Loopback so multiple nodes on one host hear each other.
	_ = pconn.SetMulticastLoopback(true)

	ctx, cancel := context.WithCancel(context.Background())
	r := &MeshRelay{
		opts:         opts,
		nodeID:       [16]byte(uuid.New()),
		conn:         c,
		pconn:        pconn,
		groupAddr:    addr,
		knownPeers:   make(map[string]time.Time),
		resolvedAddr: make(map[string]*net.UDPAddr),
		ctx:          ctx,
		cancel:       cancel,
	}
	go r.listen()
	go r.heartbeatLoop()
	go r.cleanupPeers()
	return r, nil
}

// Publish implements Relay.Publish.
func (r *MeshRelay) Publish(ctx context.Context, ev *event.Event) error {
	select {
	case <-r.ctx.Done():
		return latcherrors.ErrRelayClosed
	default:
	}
	payload, err := ev.Encode()
	if err != nil {
		return err
	}
	p := meshPacket{Magic: meshMagic, Type: meshTypeEvent, NodeID: r.nodeID, Payload: payload}
	buf := packetBuffer(20 + len(payload))
	defer packetBufferPool.Put(buf)
	n, err := p.marshal(buf)
	if err != nil {
		return err
	}
	r.broadcast(buf[:n])
	return nil
}

// broadcast sends the datagram to the multicast group and all known peers.
func (r *MeshRelay) broadcast(payload []byte) {
	_, _ = r.conn.WriteTo(payload, r.groupAddr)

	r.peersMu.Lock()
	addrs := make([]*net.UDPAddr, 0, len(r.resolvedAddr))
	for _, addr := range r.resolvedAddr {
		addrs = append(addrs, addr)
	}
	r.peersMu.Unlock()
	for _, addr := range addrs {
		_, _ = r.conn.WriteTo(payload, addr)
	}

	for _, peer := range r.opts.Peers {
		r.peersMu.Lock()
		_, known := r.resolvedAddr[peer]
		r.peersMu.Unlock()
		if known {
			continue
		}
		if addr, err := net.ResolveUDPAddr("udp4", peer); err == nil {
			_, _ = r.conn.WriteTo(payload, addr)
		}
	}
}

// Subscribe implements Relay.Subscribe.
func (r *MeshRelay) Subscribe(ctx context.Context) (<-chan *event.Event, error) {
	select {
	case <-r.ctx.Done():
		return nil, latcherrors.ErrRelayClosed
	default:
	}
	ch := make(chan *event.Event, 32)
	r.mu.Lock()
	r.subs = append(r.subs, ch)
	r.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
		case <-r.ctx.Done():
		}
		r.unsubscribe(ch)
	}()
	return ch, nil
}

func (r *MeshRelay) unsubscribe(ch chan *event.Event) {
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
func (r *MeshRelay) Close() error {
	r.cancel()
	return r.conn.Close()
}

func (r *MeshRelay) listen() {
	// Payload length is a uint16, so this covers the largest frame.
	buf := make([]byte, 20+65535)
	for {
		select {
		case <-r.ctx.Done():
			return
		default:
		}
		n, _, err := r.conn.ReadFrom(buf)
		if err != nil {
			select {
			case <-r.ctx.Done():
				return
			default:
				continue
			}
		}
		var p meshPacket
		if err := p.unmarshal(buf[:n]); err != nil {
			continue
		}
		if p.NodeID == r.nodeID {
			continue
		}
		switch p.Type {
		case meshTypeHello:
			r.observePeer(string(p.Payload))
		case meshTypeEvent:
			ev, err := event.Decode(p.Payload)
			if err != nil {
				continue
			}
			// Send under the mutex so unsubscribe cannot close a channel
			// mid-delivery.
			r.mu.Lock()
			for _, ch := range r.subs {
				select {
				case ch <- ev:
				default:
				}
			}
			r.mu.Unlock()
		}
	}
}

func (r *MeshRelay) observePeer(addr string) {
	if addr == "" {
		return
	}
	r.peersMu.Lock()
	defer r.peersMu.Unlock()
	r.knownPeers[addr] = time.Now()
	if _, ok := r.resolvedAddr[addr]; !ok {
		if rAddr, err := net.ResolveUDPAddr("udp4", addr); err == nil {
			r.resolvedAddr[addr] = rAddr
		}
	}
}

func (r *MeshRelay) heartbeatLoop() {
	ticker := time.NewTicker(r.opts.Heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			p := meshPacket{
				Magic:   meshMagic,
				Type:    meshTypeHello,
				NodeID:  r.nodeID,
				Payload: []byte(r.opts.AdvertiseAddr),
			}
			buf := packetBuffer(20 + len(p.Payload))
			if n, err := p.marshal(buf); err == nil {
				r.broadcast(buf[:n])
			}
			packetBufferPool.Put(buf)
		}
	}
}

func (r *MeshRelay) cleanupPeers() {
	ticker := time.NewTicker(r.opts.PeerTTL)
	defer ticker.Stop()
	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-r.opts.PeerTTL)
			r.peersMu.Lock()
			for addr, seen := range r.knownPeers {
				if seen.Before(cutoff) {
					delete(r.knownPeers, addr)
					delete(r.resolvedAddr, addr)
				}
			}
			r.peersMu.Unlock()
		}
	}
}
