package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
)

const (
	// DefaultWriteTimeout bounds a single write to a slow subscriber.
	DefaultWriteTimeout = 5 * time.Second
	// DefaultSendBuffer is how many events may queue for one subscriber before new ones are dropped.
	DefaultSendBuffer = 64
)

// conn wraps a single WebSocket connection and its outbound queue.
type conn struct {
	ws     *websocket.Conn
	sub    Subscription
	send   chan []byte
	cancel context.CancelFunc
}

// Hub manages all active WebSocket subscriptions and fans events out to them.
type Hub struct {
	mu    sync.RWMutex
	conns map[*conn]struct{}
}

// NewHub creates a new WebSocket hub.
func NewHub() *Hub {
	return &Hub{conns: make(map[*conn]struct{})}
}

// Serve upgrades the request to a WebSocket and keeps it subscribed until the client disconnects.
// The caller is responsible for authenticating the request and building sub.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, sub Subscription) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // origin checks are left to the reverse proxy
	})
	if err != nil {
		slog.Error("Hub.Serve: websocket accept failed", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	c := &conn{ws: ws, sub: sub, send: make(chan []byte, DefaultSendBuffer), cancel: cancel}

	h.mu.Lock()
	h.conns[c] = struct{}{}
	h.mu.Unlock()
	slog.Info("Hub.Serve: subscriber connected", "tenantID", sub.TenantID, "table", sub.Table, "remote", r.RemoteAddr)

	defer func() {
		h.remove(c)
		_ = ws.Close(websocket.StatusNormalClosure, "")
	}()
	go h.writeLoop(ctx, c)
	// Read loop detects disconnects and consumes pings.
	for {
		if _, _, err := ws.Read(ctx); err != nil {
			return
		}
	}
}

// Publish queues ev for every subscriber whose subscription matches it. It never
// waits on a subscriber; when a subscriber's queue is full the event is dropped for it.
func (h *Hub) Publish(_ context.Context, ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		slog.Error("Hub.Publish: marshal failed", "error", err, "table", ev.Table)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	queued := 0
	for c := range h.conns {
		if !c.sub.Matches(ev) {
			continue
		}
		select {
		case c.send <- data:
			queued++
		default:
			slog.Warn("Hub.Publish: subscriber queue full, dropping event", "tenantID", c.sub.TenantID, "table", ev.Table)
		}
	}
	slog.Debug("Hub.Publish: event queued", "table", ev.Table, "action", ev.Action, "subscribers", queued)
}

// writeLoop drains the connection's queue until the connection ends.
func (h *Hub) writeLoop(ctx context.Context, c *conn) {
	for {
		select {
		case <-ctx.Done():
			return
		case data := <-c.send:
			wctx, cancel := context.WithTimeout(ctx, DefaultWriteTimeout)
			err := c.ws.Write(wctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				slog.Debug("Hub.writeLoop: write failed", "error", err, "tenantID", c.sub.TenantID)
				h.remove(c)
				return
			}
		}
	}
}

// ConnectionCount returns the number of active connections.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

func (h *Hub) remove(c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.conns[c]; ok {
		c.cancel()
		delete(h.conns, c)
		slog.Info("Hub: subscriber disconnected", "tenantID", c.sub.TenantID)
	}
}
