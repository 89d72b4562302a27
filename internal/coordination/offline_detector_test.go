package coordination

import (
	"context"
	"testing"
	"time"

	"github.com/ryne2010/edgewatch/internal/alerts"
	"github.com/ryne2010/edgewatch/internal/store"
)

func TestDeviceIsOfflineNeverSeen(t *testing.T) {
	d := store.Device{DeviceID: "dev-1", OfflineAfterS: 180}
	if !deviceIsOffline(d, time.Now().UTC()) {
		t.Fatalf("a device with no LastSeenAt must be considered offline")
	}
}

func TestDeviceIsOfflineWithinThreshold(t *testing.T) {
	now := time.Now().UTC()
	seen := now.Add(-30 * time.Second)
	d := store.Device{DeviceID: "dev-1", OfflineAfterS: 180, LastSeenAt: &seen}
	if deviceIsOffline(d, now) {
		t.Fatalf("a device seen well within OfflineAfterS must not be offline")
	}
}

func TestDeviceIsOfflinePastThreshold(t *testing.T) {
	now := time.Now().UTC()
	seen := now.Add(-200 * time.Second)
	d := store.Device{DeviceID: "dev-1", OfflineAfterS: 180, LastSeenAt: &seen}
	if !deviceIsOffline(d, now) {
		t.Fatalf("a device not seen for longer than OfflineAfterS must be offline")
	}
}

func TestSweepOpensAndResolvesOfflineAlert(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()
	s := ms.AsStore()
	ev := alerts.NewEvaluator(s.Alerts, s.Devices, nil, 85.0, 3)
	detector := NewOfflineDetector(s.Devices, ev, time.Minute)

	if _, err := s.Devices.Create(ctx, store.Device{
		DeviceID: "dev-1", Enabled: true, OperationMode: store.OperationActive, OfflineAfterS: 180,
	}); err != nil {
		t.Fatalf("create device: %v", err)
	}

	detector.sweep(ctx)
	open, err := s.Alerts.ListOpen(ctx, "dev-1")
	if err != nil {
		t.Fatalf("list open: %v", err)
	}
	if len(open) != 1 || open[0].AlertType != alerts.TypeDeviceOffline {
		t.Fatalf("expected device_offline opened for a never-seen device, got %+v", open)
	}

	now := time.Now().UTC()
	if _, err := s.Devices.Update(ctx, "dev-1", func(d *store.Device) error {
		d.LastSeenAt = &now
		return nil
	}); err != nil {
		t.Fatalf("update last seen: %v", err)
	}

	detector.sweep(ctx)
	open, err = s.Alerts.ListOpen(ctx, "dev-1")
	if err != nil {
		t.Fatalf("list open: %v", err)
	}
	if len(open) != 0 {
		t.Fatalf("expected device_offline resolved once the device reports in, got %+v", open)
	}
}

func TestSweepSkipsDisabledDevices(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()
	s := ms.AsStore()
	ev := alerts.NewEvaluator(s.Alerts, s.Devices, nil, 85.0, 3)
	detector := NewOfflineDetector(s.Devices, ev, time.Minute)

	if _, err := s.Devices.Create(ctx, store.Device{
		DeviceID: "dev-1", Enabled: false, OperationMode: store.OperationActive, OfflineAfterS: 180,
	}); err != nil {
		t.Fatalf("create device: %v", err)
	}

	detector.sweep(ctx)
	open, err := s.Alerts.ListOpen(ctx, "dev-1")
	if err != nil {
		t.Fatalf("list open: %v", err)
	}
	if len(open) != 0 {
		t.Fatalf("a disabled device must never be evaluated for offline status, got %+v", open)
	}
}
