package realtime

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ryne2010/edgewatch/internal/store"
)

var testUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func newTestServer(t *testing.T, hub *Hub) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		deviceID := r.URL.Query().Get("device_id")
		hub.Register(conn, deviceID)
		go func() {
			defer hub.Unregister(conn)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()
	}))
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server, deviceID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/stream"
	if deviceID != "" {
		url += "?device_id=" + deviceID
	}
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestHubBroadcastsToSubscribedDevice(t *testing.T) {
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)

	srv := newTestServer(t, hub)
	conn := dial(t, srv, "dev-1")

	waitForClientCount(t, hub, 1)

	hub.Broadcast(AlertEvent{DeviceID: "dev-1", AlertType: "water_pressure_low", Severity: store.SeverityWarning, Status: "open", Timestamp: time.Now()})

	var ev AlertEvent
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if ev.DeviceID != "dev-1" || ev.AlertType != "water_pressure_low" {
		t.Fatalf("unexpected event received: %+v", ev)
	}
}

func TestHubFiltersEventsByDevice(t *testing.T) {
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)

	srv := newTestServer(t, hub)
	conn := dial(t, srv, "dev-1")
	waitForClientCount(t, hub, 1)

	hub.Broadcast(AlertEvent{DeviceID: "dev-2", AlertType: "oil_pressure_low", Status: "open", Timestamp: time.Now()})
	hub.Broadcast(AlertEvent{DeviceID: "dev-1", AlertType: "battery_low", Status: "open", Timestamp: time.Now()})

	var ev AlertEvent
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if ev.AlertType != "battery_low" {
		t.Fatalf("expected only the dev-1 event to be delivered, got %+v", ev)
	}
}

func TestHubUnsubscribedClientSeesEveryDevice(t *testing.T) {
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)

	srv := newTestServer(t, hub)
	conn := dial(t, srv, "")
	waitForClientCount(t, hub, 1)

	hub.Broadcast(AlertEvent{DeviceID: "dev-7", AlertType: "signal_weak", Status: "open", Timestamp: time.Now()})

	var ev AlertEvent
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if ev.DeviceID != "dev-7" {
		t.Fatalf("expected an unfiltered client to receive every device's events, got %+v", ev)
	}
}

func waitForClientCount(t *testing.T, hub *Hub, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if hub.ClientCount() == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for client count %d, last seen %d", want, hub.ClientCount())
}
