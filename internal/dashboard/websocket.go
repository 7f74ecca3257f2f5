package dashboard

import (
	"log/slog"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
)

// wsHub manages the active websocket connections and fans newly recorded
// entries out to the clients subscribed to the entry's tenant.
//
// A single hub goroutine owns the connection set; registration,
// unregistration and broadcasts all arrive over channels.
type wsHub struct {
	connections map[*wsConn]struct{}

	broadcastCh  chan tenantMessage
	registerCh   chan *wsConn
	unregisterCh chan *wsConn
	done         chan struct{}
	stopOnce     sync.Once
	logger       *slog.Logger
}

// tenantMessage is one encoded entry addressed to a tenant's subscribers.
type tenantMessage struct {
	tenantID string
	data     []byte
}

// wsConn wraps a single websocket connection subscribed to one tenant.
type wsConn struct {
	conn     *websocket.Conn
	tenantID string
	send     chan []byte
}

// The API is consumed by first-party tooling on the same deployment, so
// any origin is accepted.
var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func newWSHub(logger *slog.Logger) *wsHub {
	return &wsHub{
		connections:  make(map[*wsConn]struct{}),
		broadcastCh:  make(chan tenantMessage, 256),
		registerCh:   make(chan *wsConn),
		unregisterCh: make(chan *wsConn),
		done:         make(chan struct{}),
		logger:       logger,
	}
}

// run is the hub event loop. Runs in a background goroutine until stop.
func (h *wsHub) run() {
	for {
		select {
		case conn := <-h.registerCh:
			h.connections[conn] = struct{}{}
			h.logger.Debug("websocket client connected", "tenant", conn.tenantID, "total", len(h.connections))

		case conn := <-h.unregisterCh:
			if _, ok := h.connections[conn]; ok {
				delete(h.connections, conn)
				close(conn.send)
				h.logger.Debug("websocket client disconnected", "tenant", conn.tenantID, "total", len(h.connections))
			}

		case msg := <-h.broadcastCh:
			for conn := range h.connections {
				if conn.tenantID != msg.tenantID {
					continue
				}
				select {
				case conn.send <- msg.data:
				default:
					// Slow client: drop it rather than block the feed.
					delete(h.connections, conn)
					close(conn.send)
				}
			}

		case <-h.done:
			for conn := range h.connections {
				delete(h.connections, conn)
				close(conn.send)
			}
			return
		}
	}
}

func (h *wsHub) stop() {
	h.stopOnce.Do(func() { close(h.done) })
}

// broadcast queues data for the tenant's subscribers. Non-blocking: the
// message is dropped when the queue is full, since the feed is
// best-effort and clients can re-query the logs to catch up.
func (h *wsHub) broadcast(tenantID string, data []byte) {
	select {
	case h.broadcastCh <- tenantMessage{tenantID: tenantID, data: data}:
	default:
	}
}

// handleWebSocket upgrades the request and subscribes the client to the
// tenant in the URL.
// GET /api/tenants/{tenantID}/audit/ws
func (d *Dashboard) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		d.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client := &wsConn{
		conn:     conn,
		tenantID: chi.URLParam(r, "tenantID"),
		send:     make(chan []byte, 64),
	}

	select {
	case d.hub.registerCh <- client:
	case <-d.hub.done:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump(d.hub)
}

// writePump sends queued messages to the connection. It owns all writes.
func (c *wsConn) writePump() {
	defer c.conn.Close()

	for msg := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
	c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

// readPump drains the connection to detect disconnects, then unregisters.
// The feed is server-to-client only; incoming messages are ignored.
func (c *wsConn) readPump(hub *wsHub) {
	defer func() {
		select {
		case hub.unregisterCh <- c:
		case <-hub.done:
		}
		c.conn.Close()
	}()

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
