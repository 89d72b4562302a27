// Package realtime pushes alert transitions to connected WebSocket
// clients. Adapted from control_plane/ws_hub.go's single-broadcaster
// hub (register/unregister channels, a connection cap, a periodic
// flush tick): the teacher's per-tenant dashboard-metrics broadcast
// becomes a per-device alert-event broadcast here, since EdgeWatch has
// no dashboard service to poll.
package realtime

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ryne2010/edgewatch/internal/store"
)

const maxHubConnections = 200

// AlertEvent is one alert open/resolve transition, pushed to clients
// subscribed to its device (or to every device, for an empty filter).
type AlertEvent struct {
	DeviceID  string         `json:"device_id"`
	AlertType string         `json:"alert_type"`
	Severity  store.Severity `json:"severity"`
	Message   string         `json:"message"`
	Status    string         `json:"status"` // "open" or "resolved"
	Timestamp time.Time      `json:"timestamp"`
}

type registration struct {
	conn     *websocket.Conn
	deviceID string // empty subscribes to every device
}

// Hub fans AlertEvents out to WebSocket clients, each filtered to one
// device or to all devices.
type Hub struct {
	clients    map[*websocket.Conn]string
	register   chan registration
	unregister chan *websocket.Conn
	events     chan AlertEvent
	mu         sync.RWMutex
	pending    []AlertEvent
}

func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*websocket.Conn]string),
		register:   make(chan registration),
		unregister: make(chan *websocket.Conn),
		events:     make(chan AlertEvent, 256),
	}
}

// Run drives the hub's register/unregister/flush loop until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return

		case reg := <-h.register:
			h.mu.Lock()
			if len(h.clients) >= maxHubConnections {
				h.mu.Unlock()
				reg.conn.Close()
				log.Printf("realtime: connection rejected: max connections (%d) reached", maxHubConnections)
				continue
			}
			h.clients[reg.conn] = reg.deviceID
			h.mu.Unlock()
			log.Printf("realtime: client registered for device %q, total %d", reg.deviceID, len(h.clients))

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			h.mu.Unlock()

		case ev := <-h.events:
			h.mu.Lock()
			h.pending = append(h.pending, ev)
			h.mu.Unlock()

		case <-ticker.C:
			h.flush()
		}
	}
}

// flush sends every pending event to each matching client, mirroring the
// teacher's broadcastAll write-deadline/unregister-on-error pattern.
func (h *Hub) flush() {
	h.mu.Lock()
	events := h.pending
	h.pending = nil
	h.mu.Unlock()
	if len(events) == 0 {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for conn, deviceFilter := range h.clients {
		for _, ev := range events {
			if deviceFilter != "" && deviceFilter != ev.DeviceID {
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteJSON(ev); err != nil {
				log.Printf("realtime: write error: %v", err)
				go h.Unregister(conn)
				break
			}
		}
	}
}

func (h *Hub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	log.Printf("realtime: shutting down hub with %d clients", len(h.clients))
	for conn := range h.clients {
		conn.Close()
	}
	h.clients = make(map[*websocket.Conn]string)
}

// Register adds a new client connection, optionally filtered to one device.
func (h *Hub) Register(conn *websocket.Conn, deviceID string) {
	h.register <- registration{conn: conn, deviceID: deviceID}
}

// Unregister removes a client connection.
func (h *Hub) Unregister(conn *websocket.Conn) {
	h.unregister <- conn
}

// Broadcast enqueues an alert transition for delivery on the next flush.
// Non-blocking: a full queue drops the event rather than stalling the
// alert pipeline that triggered it.
func (h *Hub) Broadcast(ev AlertEvent) {
	select {
	case h.events <- ev:
	default:
		log.Printf("realtime: event queue full, dropping alert event for device %s", ev.DeviceID)
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
