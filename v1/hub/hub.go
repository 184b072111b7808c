package hub

import (
	"sort"
	"sync"
	"time"

	uuid "github.com/hashicorp/go-uuid"
	"pkt.systems/pslog"

	latcherrors "github.com/openpdm/latch/v1/errors"
	"github.com/openpdm/latch/v1/event"
	"github.com/openpdm/latch/v1/metrics"
)

const (
	defaultSendBuffer   = 64
	defaultWriteTimeout = 5 * time.Second
)

// Hub is the session registry and broadcast fan-out. All mutation of the
// registry goes through its methods; critical sections only touch in-memory
// maps, never the network. Each session gets a buffered outbound queue
// drained by its own writer goroutine, so delivery to one session is
// independent of every other.
type Hub struct {
	mu         sync.Mutex
	byID       map[string]*Session
	byIdentity map[string]*Session
	closed     bool

	logger       pslog.Logger
	writeTimeout time.Duration
	sendBuffer   int
	now          func() time.Time
	wg           sync.WaitGroup
}

// Option configures a Hub.
type Option func(*Hub)

// WithLogger sets the structured logger.
func WithLogger(logger pslog.Logger) Option {
	return func(h *Hub) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// WithWriteTimeout bounds a single write to one session's connection.
func WithWriteTimeout(d time.Duration) Option {
	return func(h *Hub) {
		if d > 0 {
			h.writeTimeout = d
		}
	}
}

// WithSendBuffer sets the per-session outbound queue length. A session whose
// queue overflows is treated as failed and evicted.
func WithSendBuffer(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.sendBuffer = n
		}
	}
}

// WithHubClock overrides the time source, mainly for tests.
func WithHubClock(now func() time.Time) Option {
	return func(h *Hub) {
		if now != nil {
			h.now = now
		}
	}
}

// New returns an empty hub.
func New(opts ...Option) *Hub {
	h := &Hub{
		byID:         make(map[string]*Session),
		byIdentity:   make(map[string]*Session),
		logger:       pslog.NoopLogger(),
		writeTimeout: defaultWriteTimeout,
		sendBuffer:   defaultSendBuffer,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Connect registers a session for identity over conn. If identity already
// has a live session, that session is closed before the new one is
// registered; the swap is atomic with respect to concurrent Connect calls
// for the same identity. The new session is OPEN when Connect returns, and
// a SESSION_JOINED event has been queued to every session including the new
// one.
func (h *Hub) Connect(identity string, conn Conn) (*Session, error) {
	id, err := uuid.GenerateUUID()
	if err != nil {
		return nil, err
	}
	sess := &Session{
		ID:       id,
		Identity: identity,
		conn:     conn,
		out:      make(chan []byte, h.sendBuffer),
		done:     make(chan struct{}),
	}
	sess.state.Store(int32(StateConnecting))

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, latcherrors.ErrHubClosed
	}
	prior := h.byIdentity[identity]
	if prior != nil {
		h.evictLocked(prior)
	}
	h.byID[sess.ID] = sess
	h.byIdentity[identity] = sess
	sess.advance(StateOpen)
	h.wg.Add(1)
	go h.writeLoop(sess)
	metrics.SessionGauge.Set(float64(len(h.byID)))
	h.mu.Unlock()

	if prior != nil {
		h.finishClose(prior)
	}
	h.logger.Info("hub.session.join", "identity", identity, "session", sess.ID, "replaced", prior != nil)
	h.Broadcast(&event.Event{
		Type:      event.SessionJoined,
		Actor:     identity,
		Online:    h.ListOnline(),
		Timestamp: h.now().UTC(),
	})
	return sess, nil
}

// Disconnect removes the session with the given id. Disconnecting an absent
// session is a no-op.
func (h *Hub) Disconnect(sessionID string) {
	h.mu.Lock()
	sess, ok := h.byID[sessionID]
	if ok {
		h.evictLocked(sess)
		metrics.SessionGauge.Set(float64(len(h.byID)))
	}
	h.mu.Unlock()
	if !ok {
		return
	}
	h.finishClose(sess)
	h.logger.Info("hub.session.leave", "identity", sess.Identity, "session", sess.ID)
	h.Broadcast(&event.Event{
		Type:      event.SessionLeft,
		Actor:     sess.Identity,
		Online:    h.ListOnline(),
		Timestamp: h.now().UTC(),
	})
}

// Broadcast queues ev for every live session. Failure to deliver to one
// session evicts that session but never surfaces to the broadcaster and
// never blocks delivery to the rest.
func (h *Hub) Broadcast(ev *event.Event) {
	data, err := ev.Encode()
	if err != nil {
		h.logger.Error("hub.broadcast.encode_error", "error", err)
		return
	}
	h.mu.Lock()
	var overflowed []*Session
	for _, sess := range h.byID {
		select {
		case sess.out <- data:
		default:
			// Queue full: the session is too slow to keep up; detach it.
			overflowed = append(overflowed, sess)
		}
	}
	for _, sess := range overflowed {
		h.evictLocked(sess)
	}
	if len(overflowed) > 0 {
		metrics.SessionGauge.Set(float64(len(h.byID)))
	}
	h.mu.Unlock()
	metrics.BroadcastCounter.Inc()

	for _, sess := range overflowed {
		h.finishClose(sess)
		h.logger.Warn("hub.session.overflow", "identity", sess.Identity, "session", sess.ID)
	}
}

// SendTo queues ev for exactly one identity's session. An offline identity
// is not an error; the call silently does nothing.
func (h *Hub) SendTo(identity string, ev *event.Event) {
	data, err := ev.Encode()
	if err != nil {
		h.logger.Error("hub.sendto.encode_error", "error", err)
		return
	}
	h.mu.Lock()
	sess, ok := h.byIdentity[identity]
	if ok {
		select {
		case sess.out <- data:
			ok = true
		default:
			ok = false
		}
	}
	h.mu.Unlock()
	if !ok {
		h.logger.Debug("hub.sendto.skip", "identity", identity)
	}
}

// ListOnline returns a sorted snapshot of connected identities. It may be
// stale by the time the caller acts on it.
func (h *Hub) ListOnline() []string {
	h.mu.Lock()
	out := make([]string, 0, len(h.byIdentity))
	for identity := range h.byIdentity {
		out = append(out, identity)
	}
	h.mu.Unlock()
	sort.Strings(out)
	return out
}

// Close evicts every session and waits for their writers to finish. The hub
// rejects Connect afterwards.
func (h *Hub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	sessions := make([]*Session, 0, len(h.byID))
	for _, sess := range h.byID {
		sessions = append(sessions, sess)
	}
	for _, sess := range sessions {
		h.evictLocked(sess)
	}
	metrics.SessionGauge.Set(0)
	h.mu.Unlock()

	for _, sess := range sessions {
		h.finishClose(sess)
	}
	h.wg.Wait()
	return nil
}

// evictLocked removes sess from the registry and marks it CLOSING. Caller
// holds h.mu; the connection itself is closed outside the lock by
// finishClose.
func (h *Hub) evictLocked(sess *Session) {
	if !sess.advance(StateClosing) {
		return
	}
	delete(h.byID, sess.ID)
	if cur := h.byIdentity[sess.Identity]; cur == sess {
		delete(h.byIdentity, sess.Identity)
	}
	close(sess.done)
}

// finishClose completes CLOSING -> CLOSED: the writer drains, the connection
// receives its close signal, and the session becomes unusable.
func (h *Hub) finishClose(sess *Session) {
	_ = sess.conn.Close()
	sess.advance(StateClosed)
}

// writeLoop drains one session's outbound queue. A failed or timed-out
// write evicts the session; delivery to other sessions is unaffected.
func (h *Hub) writeLoop(sess *Session) {
	defer h.wg.Done()
	for {
		select {
		case <-sess.done:
			return
		case data := <-sess.out:
			_ = sess.conn.SetWriteDeadline(h.now().Add(h.writeTimeout))
			if err := sess.conn.WriteMessage(data); err != nil {
				h.logger.Warn("hub.session.write_error", "identity", sess.Identity, "session", sess.ID, "error", err)
				h.Disconnect(sess.ID)
				return
			}
		}
	}
}
