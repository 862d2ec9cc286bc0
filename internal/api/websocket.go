package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/NikhilSetiya/evalsync/internal/batch"
	"github.com/NikhilSetiya/evalsync/pkg/logging"
)

const progressWriteTimeout = 5 * time.Second

// ProgressSource publishes batch progress snapshots
type ProgressSource interface {
	Subscribe() (<-chan batch.Progress, func())
}

// ProgressHub streams batch progress to websocket clients
type ProgressHub struct {
	source   ProgressSource
	upgrader websocket.Upgrader
	logger   *logging.Logger

	mu      sync.Mutex
	clients map[*websocket.Conn]bool
	last    *batch.Progress
}

// NewProgressHub creates a hub. Connections are accepted from
// allowedOrigins; an empty list accepts any origin.
func NewProgressHub(source ProgressSource, allowedOrigins []string) *ProgressHub {
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = true
	}

	return &ProgressHub{
		source: source,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return len(allowed) == 0 || allowed["*"] || origin == "" || allowed[origin]
			},
		},
		logger:  logging.GetLogger(),
		clients: make(map[*websocket.Conn]bool),
	}
}

// Run forwards progress to every client until ctx is cancelled, then
// disconnects them
func (h *ProgressHub) Run(ctx context.Context) {
	updates, unsubscribe := h.source.Subscribe()
	defer unsubscribe()
	defer h.closeAll()

	for {
		select {
		case <-ctx.Done():
			return
		case p, ok := <-updates:
			if !ok {
				return
			}
			h.broadcast(p)
		}
	}
}

// ServeWS upgrades the request and registers the client. A new client
// receives the latest snapshot immediately.
func (h *ProgressHub) ServeWS(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed", "error", err)
		return
	}

	h.mu.Lock()
	h.clients[conn] = true
	if h.last != nil {
		h.write(conn, *h.last)
	}
	count := len(h.clients)
	h.mu.Unlock()

	h.logger.Debug("Progress client connected", "clients", count)

	go func() {
		defer h.remove(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// ClientCount returns the number of connected clients
func (h *ProgressHub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *ProgressHub) broadcast(p batch.Progress) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.last = &p
	for conn := range h.clients {
		if err := h.write(conn, p); err != nil {
			delete(h.clients, conn)
			conn.Close()
		}
	}
}

// write must be called with mu held
func (h *ProgressHub) write(conn *websocket.Conn, p batch.Progress) error {
	conn.SetWriteDeadline(time.Now().Add(progressWriteTimeout))
	if err := conn.WriteJSON(p); err != nil {
		h.logger.Debug("Failed to send progress update", "error", err)
		return err
	}
	return nil
}

func (h *ProgressHub) remove(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.clients[conn] {
		delete(h.clients, conn)
		conn.Close()
	}
}

func (h *ProgressHub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for conn := range h.clients {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(time.Second))
		conn.Close()
		delete(h.clients, conn)
	}
}
