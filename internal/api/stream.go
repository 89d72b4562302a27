package api

import (
	"log"
	"net/http"

	"github.com/gorilla/websocket"
)

var streamUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Cross-origin dashboards are the whole point of this endpoint;
	// RoleAuth already gates who gets this far.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleAlertsStream upgrades to a WebSocket and registers the connection
// on the shared Hub, optionally filtered to one device_id.
func (a *API) handleAlertsStream(w http.ResponseWriter, r *http.Request) {
	if a.Hub == nil {
		http.Error(w, "live alert stream not configured", http.StatusServiceUnavailable)
		return
	}
	conn, err := streamUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("api: alerts stream upgrade: %v", err)
		return
	}
	deviceID := r.URL.Query().Get("device_id")
	a.Hub.Register(conn, deviceID)

	// Drain and discard client frames until the connection closes, so a
	// dead peer is detected and unregistered rather than leaking a slot.
	go func() {
		defer a.Hub.Unregister(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}
