// Package notify implements the alert notification router, grounded on
// original_source/api/app/services/routing.py (the ordered suppression
// chain) and notifications.py (per-destination fan-out and adapters).
package notify

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/ryne2010/edgewatch/internal/observability"
	"github.com/ryne2010/edgewatch/internal/store"
)

// Window durations for the dedupe and throttle checks (routing.py §4/§5).
// Dedupe suppresses a repeat notification for the same (device, alert_type)
// within DedupeWindow; throttle caps the total delivered notification count
// for a device within ThrottleWindow.
type Policy struct {
	DedupeWindow     time.Duration
	ThrottleWindow   time.Duration
	ThrottleMaxCount int
	// QuietHours is the default suppression window, used for any device
	// that doesn't carry its own override (none currently do; spec §9
	// keeps this process-wide default explicit rather than hidden global
	// state, so it can still be swapped in tests via Router.Policy).
	QuietHours QuietHoursWindow
}

func DefaultPolicy() Policy {
	return Policy{
		DedupeWindow:     15 * time.Minute,
		ThrottleWindow:   time.Hour,
		ThrottleMaxCount: 20,
	}
}

// Router drives the ordered suppression chain: disabled -> muted ->
// quiet_hours -> dedupe -> throttle -> deliver, exactly as routing.py's
// route_alert orders its checks, short-circuiting at the first that
// applies and recording every destination's outcome as a NotificationEvent.
type Router struct {
	Notifications store.NotificationStore
	Policy        Policy
	Adapters      map[string]Adapter
	Now           func() time.Time
}

func NewRouter(notifications store.NotificationStore, policy Policy, adapters map[string]Adapter) *Router {
	return &Router{
		Notifications: notifications,
		Policy:        policy,
		Adapters:      adapters,
		Now:           time.Now,
	}
}

// Route evaluates and, where not suppressed, delivers one alert transition
// to every enabled destination, returning the per-destination outcomes.
func (r *Router) Route(ctx context.Context, a store.Alert, d store.Device) ([]store.NotificationEvent, error) {
	now := r.Now()

	destinations, err := r.Notifications.ListDestinations(ctx)
	if err != nil {
		return nil, err
	}

	events := make([]store.NotificationEvent, 0, len(destinations))
	for _, dest := range destinations {
		ev := store.NotificationEvent{
			AlertID:                a.ID,
			DeviceID:               a.DeviceID,
			AlertType:              a.AlertType,
			Channel:                dest.Kind,
			DestinationFingerprint: fingerprint(dest),
		}

		switch {
		case !dest.Enabled:
			ev.Outcome = store.RouteSuppressedDisabled
			ev.Reason = "destination disabled"
		case d.AlertsMutedUntil != nil && now.Before(*d.AlertsMutedUntil):
			ev.Outcome = store.RouteSuppressedMuted
			ev.Reason = "device alerts muted"
			if d.AlertsMutedReason != nil {
				ev.Reason = *d.AlertsMutedReason
			}
		case inQuietHours(now, r.Policy.QuietHours, d.QuietHoursTZ):
			ev.Outcome = store.RouteSuppressedQuiet
			ev.Reason = "quiet hours window"
		default:
			if dup, err := r.isDuplicate(ctx, a, now); err != nil {
				return nil, err
			} else if dup {
				ev.Outcome = store.RouteSuppressedDedupe
				ev.Reason = "duplicate within dedupe window"
			} else if throttled, err := r.isThrottled(ctx, a.DeviceID, now); err != nil {
				return nil, err
			} else if throttled {
				ev.Outcome = store.RouteSuppressedThrottle
				ev.Reason = "device notification budget exceeded"
			} else {
				adapter, ok := r.Adapters[dest.Kind]
				if !ok {
					ev.Outcome = store.RouteDeliveryFailed
					ev.ErrorClass = "unknown_adapter"
				} else if err := adapter.Deliver(ctx, dest, a, d); err != nil {
					ev.Outcome = store.RouteDeliveryFailed
					ev.ErrorClass = classifyError(err)
				} else {
					ev.Outcome = store.RouteDelivered
				}
			}
		}

		if err := r.Notifications.Insert(ctx, ev); err != nil {
			return nil, err
		}
		observability.NotificationOutcomes.WithLabelValues(dest.Kind, string(ev.Outcome)).Inc()
		events = append(events, ev)
	}

	return events, nil
}

func (r *Router) isDuplicate(ctx context.Context, a store.Alert, now time.Time) (bool, error) {
	n, err := r.Notifications.CountDelivered(ctx, a.DeviceID, a.AlertType, now.Add(-r.Policy.DedupeWindow))
	return n > 0, err
}

func (r *Router) isThrottled(ctx context.Context, deviceID string, now time.Time) (bool, error) {
	n, err := r.Notifications.CountDeliveredForDevice(ctx, deviceID, now.Add(-r.Policy.ThrottleWindow))
	if err != nil {
		return false, err
	}
	return n >= r.Policy.ThrottleMaxCount, nil
}

// fingerprint hashes the destination URL so the audit trail never stores
// a raw webhook/token URL — notifications.py's SHA256-destination-
// fingerprint convention, truncated to the first 16 hex characters.
func fingerprint(d store.NotificationDestination) string {
	sum := sha256.Sum256([]byte(d.Kind + "|" + d.URL))
	return hex.EncodeToString(sum[:])[:16]
}

func classifyError(err error) string {
	if err == nil {
		return ""
	}
	return "adapter_error"
}
