package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process fake implementing every Store sub-interface,
// grounded on control_plane/store/memory.go's mutex-guarded-map approach in
// the teacher repo. Used by unit tests only — no production caller wires it.
type MemoryStore struct {
	mu sync.Mutex

	devices       map[string]Device
	byFingerprint map[string]string         // fingerprint -> device_id
	telemetry     map[string]TelemetryPoint // device_id|message_id -> point
	dedupe        map[string]bool
	batches       map[string]IngestionBatch
	quarantine    []QuarantinedPoint
	alerts        map[string]Alert // id -> alert
	notifications []NotificationEvent
	destinations  []NotificationDestination
	commands      map[string]DeviceControlCommand
	seq           int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		devices:       make(map[string]Device),
		byFingerprint: make(map[string]string),
		telemetry:     make(map[string]TelemetryPoint),
		dedupe:        make(map[string]bool),
		batches:       make(map[string]IngestionBatch),
		alerts:        make(map[string]Alert),
		commands:      make(map[string]DeviceControlCommand),
	}
}

func (m *MemoryStore) nextID(prefix string) string {
	m.seq++
	return fmt.Sprintf("%s-%d", prefix, m.seq)
}

func (m *MemoryStore) AsStore() Store {
	return Store{
		Devices:       (*memDeviceStore)(m),
		Telemetry:     (*memTelemetryStore)(m),
		Batches:       (*memBatchStore)(m),
		Quarantine:    (*memQuarantineStore)(m),
		Alerts:        (*memAlertStore)(m),
		Notifications: (*memNotificationStore)(m),
		Commands:      (*memCommandStore)(m),
	}
}

func (m *MemoryStore) SetDestinations(d []NotificationDestination) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.destinations = d
}

// --- devices ---

type memDeviceStore MemoryStore

func (s *memDeviceStore) Create(ctx context.Context, d Device) (Device, error) {
	m := (*MemoryStore)(s)
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.devices[d.DeviceID]; exists {
		return Device{}, ErrConflict
	}
	if d.QuietHoursTZ == "" {
		d.QuietHoursTZ = "UTC"
	}
	d.CreatedAt = time.Now().UTC()
	d.UpdatedAt = d.CreatedAt
	m.devices[d.DeviceID] = d
	m.byFingerprint[d.TokenFingerprint] = d.DeviceID
	return d, nil
}

func (s *memDeviceStore) Get(ctx context.Context, deviceID string) (Device, error) {
	m := (*MemoryStore)(s)
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[deviceID]
	if !ok {
		return Device{}, ErrNotFound
	}
	return d, nil
}

func (s *memDeviceStore) GetByFingerprint(ctx context.Context, fingerprint string) (Device, error) {
	m := (*MemoryStore)(s)
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byFingerprint[fingerprint]
	if !ok {
		return Device{}, ErrNotFound
	}
	return m.devices[id], nil
}

func (s *memDeviceStore) Update(ctx context.Context, deviceID string, fn func(*Device) error) (Device, error) {
	m := (*MemoryStore)(s)
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[deviceID]
	if !ok {
		return Device{}, ErrNotFound
	}
	if err := fn(&d); err != nil {
		return Device{}, err
	}
	d.UpdatedAt = time.Now().UTC()
	m.devices[deviceID] = d
	m.byFingerprint[d.TokenFingerprint] = deviceID
	return d, nil
}

func (s *memDeviceStore) List(ctx context.Context) ([]Device, error) {
	m := (*MemoryStore)(s)
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Device, 0, len(m.devices))
	for _, d := range m.devices {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out, nil
}

func (s *memDeviceStore) TouchLastSeen(ctx context.Context, deviceID string, ts time.Time) error {
	m := (*MemoryStore)(s)
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[deviceID]
	if !ok {
		return ErrNotFound
	}
	if d.LastSeenAt == nil || ts.After(*d.LastSeenAt) {
		d.LastSeenAt = &ts
		m.devices[deviceID] = d
	}
	return nil
}

// --- telemetry ---

type memTelemetryStore MemoryStore

func telemetryKey(deviceID, messageID string) string { return deviceID + "|" + messageID }

func (s *memTelemetryStore) InsertAccepted(ctx context.Context, points []TelemetryPoint) error {
	m := (*MemoryStore)(s)
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range points {
		p.CreatedAt = time.Now().UTC()
		m.telemetry[telemetryKey(p.DeviceID, p.MessageID)] = p
	}
	return nil
}

func (s *memTelemetryStore) ClaimMessageIDs(ctx context.Context, deviceID string, messageIDs []string) (map[string]bool, error) {
	m := (*MemoryStore)(s)
	m.mu.Lock()
	defer m.mu.Unlock()
	claimed := make(map[string]bool, len(messageIDs))
	for _, id := range messageIDs {
		key := telemetryKey(deviceID, id)
		if m.dedupe[key] {
			continue
		}
		m.dedupe[key] = true
		claimed[id] = true
	}
	return claimed, nil
}

// --- batches ---

type memBatchStore MemoryStore

func (s *memBatchStore) Create(ctx context.Context, b IngestionBatch) error {
	m := (*MemoryStore)(s)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batches[b.BatchID] = b
	return nil
}

func (s *memBatchStore) SetProcessingStatus(ctx context.Context, batchID string, status ProcessingStatus) error {
	m := (*MemoryStore)(s)
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.batches[batchID]
	if !ok {
		return ErrNotFound
	}
	b.ProcessingStatus = status
	m.batches[batchID] = b
	return nil
}

// --- quarantine ---

type memQuarantineStore MemoryStore

func (s *memQuarantineStore) Insert(ctx context.Context, points []QuarantinedPoint) error {
	m := (*MemoryStore)(s)
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range points {
		p.ID = m.nextID("qp")
		p.CreatedAt = time.Now().UTC()
		m.quarantine = append(m.quarantine, p)
	}
	return nil
}

func (s *memQuarantineStore) Prune(ctx context.Context, olderThan time.Time) (int, error) {
	m := (*MemoryStore)(s)
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.quarantine[:0]
	removed := 0
	for _, p := range m.quarantine {
		if p.CreatedAt.Before(olderThan) {
			removed++
			continue
		}
		kept = append(kept, p)
	}
	m.quarantine = kept
	return removed, nil
}

// --- alerts ---

type memAlertStore MemoryStore

func (s *memAlertStore) GetOpen(ctx context.Context, deviceID, alertType string) (Alert, error) {
	m := (*MemoryStore)(s)
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.alerts {
		if a.DeviceID == deviceID && a.AlertType == alertType && a.IsOpen() {
			return a, nil
		}
	}
	return Alert{}, ErrNotFound
}

func (s *memAlertStore) Open(ctx context.Context, a Alert) (Alert, bool, error) {
	m := (*MemoryStore)(s)
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.alerts {
		if existing.DeviceID == a.DeviceID && existing.AlertType == a.AlertType && existing.IsOpen() {
			return existing, false, nil
		}
	}
	a.ID = m.nextID("alert")
	m.alerts[a.ID] = a
	return a, true, nil
}

func (s *memAlertStore) Resolve(ctx context.Context, deviceID, alertType string, resolution Alert) error {
	m := (*MemoryStore)(s)
	m.mu.Lock()
	defer m.mu.Unlock()
	found := false
	for id, a := range m.alerts {
		if a.DeviceID == deviceID && a.AlertType == alertType && a.IsOpen() {
			resolvedAt := resolution.CreatedAt
			a.ResolvedAt = &resolvedAt
			m.alerts[id] = a
			found = true
			break
		}
	}
	if !found {
		return ErrNotFound
	}
	resolution.ID = m.nextID("alert")
	resolution.ResolvedAt = &resolution.CreatedAt
	m.alerts[resolution.ID] = resolution
	return nil
}

func (s *memAlertStore) ListOpen(ctx context.Context, deviceID string) ([]Alert, error) {
	return s.List(ctx, deviceID, true, 0)
}

func (s *memAlertStore) List(ctx context.Context, deviceID string, openOnly bool, limit int) ([]Alert, error) {
	m := (*MemoryStore)(s)
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	var out []Alert
	for _, a := range m.alerts {
		if deviceID != "" && a.DeviceID != deviceID {
			continue
		}
		if openOnly && !a.IsOpen() {
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// --- notifications ---

type memNotificationStore MemoryStore

func (s *memNotificationStore) Insert(ctx context.Context, e NotificationEvent) error {
	m := (*MemoryStore)(s)
	m.mu.Lock()
	defer m.mu.Unlock()
	e.ID = m.nextID("notif")
	e.CreatedAt = time.Now().UTC()
	m.notifications = append(m.notifications, e)
	return nil
}

func (s *memNotificationStore) CountDelivered(ctx context.Context, deviceID, alertType string, since time.Time) (int, error) {
	m := (*MemoryStore)(s)
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.notifications {
		if e.DeviceID == deviceID && e.AlertType == alertType && e.Outcome == RouteDelivered && !e.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (s *memNotificationStore) CountDeliveredForDevice(ctx context.Context, deviceID string, since time.Time) (int, error) {
	m := (*MemoryStore)(s)
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.notifications {
		if e.DeviceID == deviceID && e.Outcome == RouteDelivered && !e.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (s *memNotificationStore) ListDestinations(ctx context.Context) ([]NotificationDestination, error) {
	m := (*MemoryStore)(s)
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []NotificationDestination
	for _, d := range m.destinations {
		if d.Enabled {
			out = append(out, d)
		}
	}
	return out, nil
}

func (s *memNotificationStore) Prune(ctx context.Context, olderThan time.Time) (int, error) {
	m := (*MemoryStore)(s)
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.notifications[:0]
	removed := 0
	for _, e := range m.notifications {
		if e.CreatedAt.Before(olderThan) {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	m.notifications = kept
	return removed, nil
}

// --- commands ---

type memCommandStore MemoryStore

func (s *memCommandStore) expireLocked(deviceID string, now time.Time) {
	m := (*MemoryStore)(s)
	for id, c := range m.commands {
		if c.DeviceID == deviceID && c.Status == CommandPending && !now.Before(c.ExpiresAt) {
			c.Status = CommandExpired
			m.commands[id] = c
		}
	}
}

func (s *memCommandStore) Enqueue(ctx context.Context, deviceID string, payload CommandPayload, ttl time.Duration, now time.Time) (DeviceControlCommand, error) {
	m := (*MemoryStore)(s)
	m.mu.Lock()
	defer m.mu.Unlock()

	s.expireLocked(deviceID, now)
	for id, c := range m.commands {
		if c.DeviceID == deviceID && c.Status == CommandPending {
			c.Status = CommandSuperseded
			c.SupersededAt = &now
			m.commands[id] = c
		}
	}

	cmd := DeviceControlCommand{
		ID:        m.nextID("cmd"),
		DeviceID:  deviceID,
		Payload:   payload,
		Status:    CommandPending,
		IssuedAt:  now,
		ExpiresAt: now.Add(ttl),
	}
	m.commands[cmd.ID] = cmd
	return cmd, nil
}

func (s *memCommandStore) GetPending(ctx context.Context, deviceID string, now time.Time) (DeviceControlCommand, error) {
	m := (*MemoryStore)(s)
	m.mu.Lock()
	defer m.mu.Unlock()
	s.expireLocked(deviceID, now)
	var best *DeviceControlCommand
	for id := range m.commands {
		c := m.commands[id]
		if c.DeviceID == deviceID && c.Status == CommandPending && now.Before(c.ExpiresAt) {
			if best == nil || c.IssuedAt.After(best.IssuedAt) {
				cc := c
				best = &cc
			}
		}
	}
	if best == nil {
		return DeviceControlCommand{}, ErrNotFound
	}
	return *best, nil
}

func (s *memCommandStore) Ack(ctx context.Context, deviceID, commandID string, now time.Time) (DeviceControlCommand, error) {
	m := (*MemoryStore)(s)
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.commands[commandID]
	if !ok || c.DeviceID != deviceID {
		return DeviceControlCommand{}, ErrNotFound
	}
	switch c.Status {
	case CommandPending:
		c.Status = CommandAcknowledged
		if c.AcknowledgedAt == nil {
			ackAt := now
			c.AcknowledgedAt = &ackAt
		}
	case CommandAcknowledged:
		// idempotent
	}
	m.commands[commandID] = c
	return c, nil
}

func (s *memCommandStore) PendingSummary(ctx context.Context, deviceID string, now time.Time) (int, *time.Time, error) {
	m := (*MemoryStore)(s)
	m.mu.Lock()
	defer m.mu.Unlock()
	s.expireLocked(deviceID, now)
	count := 0
	var latest *time.Time
	for _, c := range m.commands {
		if c.DeviceID == deviceID && c.Status == CommandPending && now.Before(c.ExpiresAt) {
			count++
			if latest == nil || c.ExpiresAt.After(*latest) {
				exp := c.ExpiresAt
				latest = &exp
			}
		}
	}
	return count, latest, nil
}

func (s *memCommandStore) ETagFragment(ctx context.Context, deviceID string, now time.Time) (string, error) {
	cmd, err := s.GetPending(ctx, deviceID, now)
	if err == ErrNotFound {
		return "none", nil
	}
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s:%s:%s", cmd.ID, cmd.ExpiresAt.Format(time.RFC3339Nano), cmd.Status), nil
}
