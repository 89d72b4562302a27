package notify

import (
	"context"
	"testing"
	"time"

	"github.com/ryne2010/edgewatch/internal/store"
)

type fakeAdapter struct {
	calls int
	err   error
}

func (f *fakeAdapter) Deliver(ctx context.Context, dest store.NotificationDestination, a store.Alert, d store.Device) error {
	f.calls++
	return f.err
}

func newTestRouter(t *testing.T, adapter Adapter) (*Router, *store.MemoryStore) {
	t.Helper()
	ms := store.NewMemoryStore()
	ms.SetDestinations([]store.NotificationDestination{
		{ID: "dest-1", Kind: "generic", URL: "https://example.com/hook", Enabled: true},
	})
	r := NewRouter(ms.AsStore().Notifications, DefaultPolicy(), map[string]Adapter{"generic": adapter})
	return r, ms
}

func testAlert() store.Alert {
	return store.Alert{ID: "alert-1", DeviceID: "dev-1", AlertType: "water_pressure_low", Severity: store.SeverityWarning, CreatedAt: time.Now().UTC()}
}

func TestRouteDeliversToEnabledDestination(t *testing.T) {
	adapter := &fakeAdapter{}
	r, _ := newTestRouter(t, adapter)

	events, err := r.Route(context.Background(), testAlert(), store.Device{DeviceID: "dev-1"})
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if len(events) != 1 || events[0].Outcome != store.RouteDelivered {
		t.Fatalf("expected one delivered event, got %+v", events)
	}
	if adapter.calls != 1 {
		t.Fatalf("expected the adapter to be invoked once, got %d", adapter.calls)
	}
}

func TestRouteSuppressesWhenDeviceMuted(t *testing.T) {
	adapter := &fakeAdapter{}
	r, _ := newTestRouter(t, adapter)

	until := time.Now().Add(time.Hour)
	events, err := r.Route(context.Background(), testAlert(), store.Device{DeviceID: "dev-1", AlertsMutedUntil: &until})
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if len(events) != 1 || events[0].Outcome != store.RouteSuppressedMuted {
		t.Fatalf("expected suppressed_muted, got %+v", events)
	}
	if adapter.calls != 0 {
		t.Fatalf("a muted device must not reach the adapter")
	}
}

func TestRouteSuppressesDuringQuietHours(t *testing.T) {
	adapter := &fakeAdapter{}
	r, _ := newTestRouter(t, adapter)
	r.Now = func() time.Time { return time.Date(2026, 1, 1, 23, 0, 0, 0, time.UTC) }
	r.Policy.QuietHours = QuietHoursWindow{StartMinute: 22 * 60, EndMinute: 6 * 60}

	events, err := r.Route(context.Background(), testAlert(), store.Device{DeviceID: "dev-1", QuietHoursTZ: "UTC"})
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if len(events) != 1 || events[0].Outcome != store.RouteSuppressedQuiet {
		t.Fatalf("expected suppressed_quiet inside the wrapped window, got %+v", events)
	}
}

func TestRouteDedupesWithinWindow(t *testing.T) {
	adapter := &fakeAdapter{}
	r, _ := newTestRouter(t, adapter)

	alert := testAlert()
	if _, err := r.Route(context.Background(), alert, store.Device{DeviceID: "dev-1"}); err != nil {
		t.Fatalf("first route: %v", err)
	}
	events, err := r.Route(context.Background(), alert, store.Device{DeviceID: "dev-1"})
	if err != nil {
		t.Fatalf("second route: %v", err)
	}
	if len(events) != 1 || events[0].Outcome != store.RouteSuppressedDedupe {
		t.Fatalf("expected the second notification suppressed as a duplicate, got %+v", events)
	}
	if adapter.calls != 1 {
		t.Fatalf("expected only the first route to reach the adapter, got %d calls", adapter.calls)
	}
}

func TestRouteThrottlesAfterMaxCount(t *testing.T) {
	adapter := &fakeAdapter{}
	r, ms := newTestRouter(t, adapter)
	r.Policy.ThrottleMaxCount = 1
	r.Policy.DedupeWindow = 0 // isolate the throttle check from dedupe

	if _, err := r.Route(context.Background(), testAlert(), store.Device{DeviceID: "dev-1"}); err != nil {
		t.Fatalf("first route: %v", err)
	}
	second := testAlert()
	second.AlertType = "oil_pressure_low" // distinct alert_type avoids the dedupe check
	events, err := r.Route(context.Background(), second, store.Device{DeviceID: "dev-1"})
	if err != nil {
		t.Fatalf("second route: %v", err)
	}
	if len(events) != 1 || events[0].Outcome != store.RouteSuppressedThrottle {
		t.Fatalf("expected the device's per-hour budget to suppress the second alert, got %+v", events)
	}
	_ = ms
}

func TestRouteMarksUnknownAdapterAsDeliveryFailed(t *testing.T) {
	ms := store.NewMemoryStore()
	ms.SetDestinations([]store.NotificationDestination{
		{ID: "dest-1", Kind: "discord", URL: "https://example.com/hook", Enabled: true},
	})
	r := NewRouter(ms.AsStore().Notifications, DefaultPolicy(), map[string]Adapter{})

	events, err := r.Route(context.Background(), testAlert(), store.Device{DeviceID: "dev-1"})
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if len(events) != 1 || events[0].Outcome != store.RouteDeliveryFailed || events[0].ErrorClass != "unknown_adapter" {
		t.Fatalf("expected delivery_failed/unknown_adapter, got %+v", events)
	}
}

func TestRouteQuietHoursEvaluatedInDeviceLocalTimezone(t *testing.T) {
	adapter := &fakeAdapter{}
	r, _ := newTestRouter(t, adapter)
	// 23:00 UTC is 18:00 in America/Chicago (UTC-5 in the summer), well
	// outside a 22:00-06:00 window evaluated in the device's own zone.
	r.Now = func() time.Time { return time.Date(2026, 7, 1, 23, 0, 0, 0, time.UTC) }
	r.Policy.QuietHours = QuietHoursWindow{StartMinute: 22 * 60, EndMinute: 6 * 60}

	events, err := r.Route(context.Background(), testAlert(), store.Device{DeviceID: "dev-1", QuietHoursTZ: "America/Chicago"})
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if len(events) != 1 || events[0].Outcome != store.RouteDelivered {
		t.Fatalf("expected delivery once converted to the device's local time, got %+v", events)
	}
	if adapter.calls != 1 {
		t.Fatalf("expected the adapter to be invoked once, got %d", adapter.calls)
	}
}

func TestQuietHoursContainWrapsPastMidnight(t *testing.T) {
	w := QuietHoursWindow{StartMinute: 22 * 60, EndMinute: 6 * 60}
	cases := []struct {
		hour, minute int
		want         bool
	}{
		{23, 0, true},
		{2, 0, true},
		{5, 59, true},
		{6, 0, false},
		{12, 0, false},
		{21, 59, false},
	}
	for _, c := range cases {
		now := time.Date(2026, 1, 1, c.hour, c.minute, 0, 0, time.UTC)
		if got := quietHoursContain(w, now); got != c.want {
			t.Fatalf("quietHoursContain(%02d:%02d) = %v, want %v", c.hour, c.minute, got, c.want)
		}
	}
}
