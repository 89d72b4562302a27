// Package coordination carries the teacher's background-job coordination
// shape — periodic liveness sweeps and leader election — repurposed from
// control_plane/coordination/agent_monitor.go and leader.go onto
// EdgeWatch's device fleet instead of FluxForge's scheduling agents.
package coordination

import (
	"context"
	"log"
	"time"

	"github.com/ryne2010/edgewatch/internal/alerts"
	"github.com/ryne2010/edgewatch/internal/observability"
	"github.com/ryne2010/edgewatch/internal/store"
)

// OfflineDetector periodically compares each device's LastSeenAt against
// its own OfflineAfterS and opens/resolves the device_offline alert,
// grounded directly on control_plane/coordination/agent_monitor.go's
// ticker-driven checkLiveness loop.
type OfflineDetector struct {
	Devices  store.DeviceStore
	Alerts   *alerts.Evaluator
	Interval time.Duration
}

func NewOfflineDetector(devices store.DeviceStore, ev *alerts.Evaluator, interval time.Duration) *OfflineDetector {
	return &OfflineDetector{Devices: devices, Alerts: ev, Interval: interval}
}

func (m *OfflineDetector) Start(ctx context.Context) {
	go m.loop(ctx)
}

func (m *OfflineDetector) loop(ctx context.Context) {
	ticker := time.NewTicker(m.Interval)
	defer ticker.Stop()

	log.Printf("coordination: offline detector starting, interval=%v", m.Interval)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

func (m *OfflineDetector) sweep(ctx context.Context) {
	devices, err := m.Devices.List(ctx)
	if err != nil {
		log.Printf("coordination: offline detector: list devices: %v", err)
		return
	}

	now := time.Now().UTC()
	offlineCount := 0
	for _, d := range devices {
		if !d.Enabled || d.OperationMode == store.OperationDisabled {
			continue
		}
		offline := deviceIsOffline(d, now)
		if offline {
			offlineCount++
		}
		if err := m.Alerts.EvaluateOffline(ctx, d.DeviceID, offline); err != nil {
			log.Printf("coordination: offline detector: device %s: %v", d.DeviceID, err)
		}
	}
	observability.OfflineDevices.Set(float64(offlineCount))
}

func deviceIsOffline(d store.Device, now time.Time) bool {
	if d.LastSeenAt == nil {
		return true
	}
	threshold := time.Duration(d.OfflineAfterS) * time.Second
	return now.Sub(*d.LastSeenAt) > threshold
}
