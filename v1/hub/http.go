package hub

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// IdentityFunc resolves the pre-authenticated identity for a request. The
// surrounding application owns authentication; an empty return rejects the
// request.
type IdentityFunc func(r *http.Request) string

var upgrader = websocket.Upgrader{}

// wsConn adapts a gorilla websocket connection to Conn.
type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) WriteMessage(data []byte) error {
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) SetWriteDeadline(t time.Time) error {
	return c.conn.SetWriteDeadline(t)
}

func (c *wsConn) Close() error {
	return c.conn.Close()
}

// WebSocketHandler upgrades the request and registers a session on h. The
// read pump only watches for the peer going away; inbound frames carry no
// protocol.
func WebSocketHandler(h *Hub, identity IdentityFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := identity(r)
		if id == "" {
			http.Error(w, "missing identity", http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		sess, err := h.Connect(id, &wsConn{conn: conn})
		if err != nil {
			_ = conn.Close()
			return
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				h.Disconnect(sess.ID)
				return
			}
		}
	}
}

// sseConn adapts a server-sent-events response to Conn.
type sseConn struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	rc      *http.ResponseController
	flusher http.Flusher
	cancel  func()
	closed  bool
}

func (c *sseConn) WriteMessage(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return http.ErrHandlerTimeout
	}
	if _, err := fmt.Fprintf(c.w, "data: %s\n\n", data); err != nil {
		return err
	}
	c.flusher.Flush()
	return nil
}

func (c *sseConn) SetWriteDeadline(t time.Time) error {
	return c.rc.SetWriteDeadline(t)
}

func (c *sseConn) Close() error {
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		c.cancel()
	}
	c.mu.Unlock()
	return nil
}

// SSEHandler streams hub events over Server-Sent Events, a fallback for
// clients that cannot hold a WebSocket.
func SSEHandler(h *Hub, identity IdentityFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := identity(r)
		if id == "" {
			http.Error(w, "missing identity", http.StatusUnauthorized)
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "stream unsupported", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		flusher.Flush()

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()
		conn := &sseConn{
			w:       w,
			rc:      http.NewResponseController(w),
			flusher: flusher,
			cancel:  cancel,
		}
		sess, err := h.Connect(id, conn)
		if err != nil {
			return
		}
		<-ctx.Done()
		h.Disconnect(sess.ID)
	}
}
