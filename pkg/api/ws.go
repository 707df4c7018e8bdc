package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"yawm/pkg/store"
	"yawm/pkg/wireguard"
)

const (
	wsWriteWait    = 10 * time.Second
	wsPingInterval = 30 * time.Second
)

// WatchHub pushes config updates to nodes waiting for their mesh to fill up.
type WatchHub struct {
	upgrader websocket.Upgrader
	mu       sync.Mutex
	conns    map[*websocket.Conn]string // conn -> mesh id
	log      *zap.Logger
}

func NewWatchHub(log *zap.Logger) *WatchHub {
	if log == nil {
		log = zap.NewNop()
	}
	return &WatchHub{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		conns: map[*websocket.Conn]string{},
		log:   log,
	}
}

// Count returns the number of open watch connections.
func (h *WatchHub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// Close drops every watcher; used on server shutdown.
func (h *WatchHub) Close() {
	h.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()
	for _, c := range conns {
		_ = c.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(wsWriteWait))
		_ = c.Close()
	}
}

// Serve upgrades the request and sends first, then a fresh render every time
// updates fires and the output changed. It returns when the client goes away,
// the mesh or the caller's record expires, or updates is closed.
func (h *WatchHub) Serve(w http.ResponseWriter, r *http.Request, meshID, addr string, first any, updates <-chan struct{}, render func() (any, error)) {
	c, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("ws upgrade failed", zap.String("mesh", meshID), zap.String("address", addr), zap.Error(err))
		return
	}
	h.mu.Lock()
	h.conns[c] = meshID
	h.mu.Unlock()
	h.log.Debug("watcher connected", zap.String("mesh", meshID), zap.String("address", addr))
	defer func() {
		h.mu.Lock()
		delete(h.conns, c)
		h.mu.Unlock()
		_ = c.Close()
		h.log.Debug("watcher disconnected", zap.String("mesh", meshID), zap.String("address", addr))
	}()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := c.NextReader(); err != nil {
				return
			}
		}
	}()

	if err := writeUpdate(c, first); err != nil {
		return
	}
	last := first
	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()
	for {
		select {
		case <-done:
			return
		case <-ping.C:
			if err := c.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		case _, ok := <-updates:
			if !ok {
				return
			}
			next, err := render()
			if err != nil {
				reason := "config unavailable"
				if errors.Is(err, store.ErrMeshNotFound) || errors.Is(err, wireguard.ErrNotRegistered) {
					reason = "Not registered or expired"
				}
				_ = c.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason),
					time.Now().Add(wsWriteWait))
				return
			}
			if sameUpdate(last, next) {
				continue
			}
			if err := writeUpdate(c, next); err != nil {
				return
			}
			last = next
		}
	}
}

// sameUpdate compares two rendered payloads by their wire form.
func sameUpdate(a, b any) bool {
	sa, okA := a.(string)
	sb, okB := b.(string)
	if okA || okB {
		return okA && okB && sa == sb
	}
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	return errA == nil && errB == nil && bytes.Equal(ja, jb)
}

func writeUpdate(c *websocket.Conn, v any) error {
	_ = c.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if s, ok := v.(string); ok {
		return c.WriteMessage(websocket.TextMessage, []byte(s))
	}
	return c.WriteJSON(v)
}
