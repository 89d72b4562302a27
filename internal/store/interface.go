// Package store defines the durable persistence boundary for EdgeWatch's
// server side, following the shape of control_plane/store/interface.go in
// the teacher repo: one narrow interface, a Postgres implementation, an
// in-memory fake for tests, and sentinel errors translated from driver
// errors at the adapter boundary.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("store: not found")
	ErrConflict = errors.New("store: conflict")
)

// Store is the full persistence surface the API and background jobs use.
type Store struct {
	Devices       DeviceStore
	Telemetry     TelemetryStore
	Batches       BatchStore
	Quarantine    QuarantineStore
	Alerts        AlertStore
	Notifications NotificationStore
	Commands      CommandStore
}

type DeviceStore interface {
	Create(ctx context.Context, d Device) (Device, error)
	Get(ctx context.Context, deviceID string) (Device, error)
	GetByFingerprint(ctx context.Context, fingerprint string) (Device, error)
	Update(ctx context.Context, deviceID string, fn func(*Device) error) (Device, error)
	List(ctx context.Context) ([]Device, error)
	TouchLastSeen(ctx context.Context, deviceID string, ts time.Time) error
}

type TelemetryStore interface {
	// InsertAccepted inserts points that already passed idempotency
	// filtering; caller guarantees no duplicate (device_id, message_id).
	InsertAccepted(ctx context.Context, points []TelemetryPoint) error
	// ClaimMessageIDs runs the dedupe insert (spec §4.2.b): rows whose
	// (device_id, message_id) is new are returned as accepted (claimed);
	// the rest are duplicates.
	ClaimMessageIDs(ctx context.Context, deviceID string, messageIDs []string) (claimed map[string]bool, err error)
}

type BatchStore interface {
	Create(ctx context.Context, b IngestionBatch) error
	SetProcessingStatus(ctx context.Context, batchID string, status ProcessingStatus) error
}

type QuarantineStore interface {
	Insert(ctx context.Context, points []QuarantinedPoint) error
	// Prune deletes quarantined rows older than olderThan, returning the
	// count removed, for the retention job.
	Prune(ctx context.Context, olderThan time.Time) (int, error)
}

type AlertStore interface {
	// GetOpen returns the open alert for (deviceID, alertType), or
	// ErrNotFound if none is open.
	GetOpen(ctx context.Context, deviceID, alertType string) (Alert, error)
	// Open inserts a new open alert iff none is open, atomically, so
	// the "at most one open alert" invariant (spec §3/§8) holds under
	// concurrent ingests for the same device.
	Open(ctx context.Context, a Alert) (Alert, opened bool, err error)
	// Resolve closes the open alert for (deviceID, alertType) and
	// records the one-shot resolution alert in the same call.
	Resolve(ctx context.Context, deviceID, alertType string, resolution Alert) error
	ListOpen(ctx context.Context, deviceID string) ([]Alert, error)
	List(ctx context.Context, deviceID string, openOnly bool, limit int) ([]Alert, error)
}

type NotificationStore interface {
	Insert(ctx context.Context, e NotificationEvent) error
	// CountDelivered counts delivered=true events for the dedupe/throttle
	// windows in the router (spec §4.3.1 steps 4-5).
	CountDelivered(ctx context.Context, deviceID, alertType string, since time.Time) (int, error)
	CountDeliveredForDevice(ctx context.Context, deviceID string, since time.Time) (int, error)
	ListDestinations(ctx context.Context) ([]NotificationDestination, error)
	// Prune deletes notification events older than olderThan, returning
	// the count removed, for the retention job.
	Prune(ctx context.Context, olderThan time.Time) (int, error)
}

type CommandStore interface {
	// Enqueue runs expire-then-supersede-then-insert in one transaction
	// (spec §4.4 "Enqueue"), returning the new pending command.
	Enqueue(ctx context.Context, deviceID string, payload CommandPayload, ttl time.Duration, now time.Time) (DeviceControlCommand, error)
	// GetPending returns the live pending command for a device, first
	// expiring any stale pending rows (spec device_commands.py parity).
	GetPending(ctx context.Context, deviceID string, now time.Time) (DeviceControlCommand, error)
	Ack(ctx context.Context, deviceID, commandID string, now time.Time) (DeviceControlCommand, error)
	PendingSummary(ctx context.Context, deviceID string, now time.Time) (count int, nextExpiry *time.Time, err error)
	// ETagFragment returns the literal fragment format from spec §4.4 —
	// "{id}:{expires_at_isoformat}:{status}" or "none".
	ETagFragment(ctx context.Context, deviceID string, now time.Time) (string, error)
}
