// Package alerts implements the alert hysteresis state machine, grounded
// on original_source/api/app/services/monitor.py: a generic (low, recover)
// pair per continuous metric, a boolean-flag lifecycle for power input and
// load sustainability, and an N-of-M consecutive-sample detector for the
// microphone channel. Every transition is expressed as an idempotent
// open-or-resolve call against store.AlertStore, which itself enforces
// at-most-one-open-alert-per-(device,type) (spec §4.3 / §5).
package alerts

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/ryne2010/edgewatch/internal/contracts"
	"github.com/ryne2010/edgewatch/internal/notify"
	"github.com/ryne2010/edgewatch/internal/observability"
	"github.com/ryne2010/edgewatch/internal/realtime"
	"github.com/ryne2010/edgewatch/internal/store"
)

// Alert type identifiers. Resolution events reuse the teacher convention
// of naming the closing alert row after what became true again, mirrored
// from monitor.py's _is_resolution_event helper.
const (
	TypeWaterPressureLow = "water_pressure_low"
	TypeOilPressureLow   = "oil_pressure_low"
	TypeOilLevelLow      = "oil_level_low"
	TypeDripOilLevelLow  = "drip_oil_level_low"
	TypeOilLifeLow       = "oil_life_low"
	TypeBatteryLow       = "battery_low"
	TypeSignalWeak       = "signal_weak"
	TypeMicrophoneAnom   = "microphone_anomaly"
	TypePowerInputNotOK  = "power_input_not_ok"
	TypeLoadUnsustain    = "load_unsustainable"
	TypeDeviceOffline    = "device_offline"
)

// genericMetric binds a metric key to the alert type it drives and its
// (low, recover) threshold pair, resolved from contracts.AlertThresholds.
type genericMetric struct {
	metricKey string
	alertType string
	severity  store.Severity
	pair      func(contracts.AlertThresholds) contracts.ThresholdPair
}

var genericMetrics = []genericMetric{
	{"water_pressure_psi", TypeWaterPressureLow, store.SeverityWarning, func(t contracts.AlertThresholds) contracts.ThresholdPair { return t.WaterPressurePSI }},
	{"oil_pressure_psi", TypeOilPressureLow, store.SeverityWarning, func(t contracts.AlertThresholds) contracts.ThresholdPair { return t.OilPressurePSI }},
	{"oil_level_pct", TypeOilLevelLow, store.SeverityWarning, func(t contracts.AlertThresholds) contracts.ThresholdPair { return t.OilLevelPct }},
	{"drip_oil_level_pct", TypeDripOilLevelLow, store.SeverityWarning, func(t contracts.AlertThresholds) contracts.ThresholdPair { return t.DripOilLevelPct }},
	{"oil_life_pct", TypeOilLifeLow, store.SeverityWarning, func(t contracts.AlertThresholds) contracts.ThresholdPair { return t.OilLifePct }},
	{"battery_v", TypeBatteryLow, store.SeverityWarning, func(t contracts.AlertThresholds) contracts.ThresholdPair { return t.BatteryV }},
	{"signal_rssi_dbm", TypeSignalWeak, store.SeverityWarning, func(t contracts.AlertThresholds) contracts.ThresholdPair { return t.SignalRSSIDbm }},
}

// micState tracks the consecutive-sample counter for the microphone
// detector per device. monitor.py keeps this alongside device state; we
// keep it in process memory guarded by a mutex since it resets freely on
// restart without violating any invariant (a fresh run simply needs
// MicConsecutiveRequired more samples before it would re-open the alert).
type micState struct {
	mu    sync.Mutex
	count map[string]int
}

// Evaluator runs the hysteresis machine against one batch of metrics for
// one device, persisting transitions through store.AlertStore.
type Evaluator struct {
	Alerts  store.AlertStore
	Devices store.DeviceStore
	// Notify routes every open/resolve transition to the configured
	// destinations. Nil disables notification delivery entirely (used by
	// tests that only care about the alert state machine).
	Notify *notify.Router
	// Hub pushes every transition to connected WebSocket viewers
	// (spec §6's live alert stream). Nil disables the push side entirely.
	Hub *realtime.Hub

	// MicThresholdDB is the dB level the microphone must meet or exceed to
	// count as a noisy sample.
	MicThresholdDB float64
	// MicConsecutiveRequired is the number of consecutive noisy samples
	// needed before the anomaly alert opens (monitor.py's N-of-M detector,
	// simplified to "N consecutive" per spec §4.3's Design Notes).
	MicConsecutiveRequired int

	mic micState
}

func NewEvaluator(alertStore store.AlertStore, devices store.DeviceStore, router *notify.Router, micThresholdDB float64, micConsecutive int) *Evaluator {
	return &Evaluator{
		Alerts:                 alertStore,
		Devices:                devices,
		Notify:                 router,
		MicThresholdDB:         micThresholdDB,
		MicConsecutiveRequired: micConsecutive,
		mic:                    micState{count: make(map[string]int)},
	}
}

// EvaluateOffline drives the device_offline alert's open/resolve pair,
// called by the coordination package's offline-check job rather than
// per-telemetry-point (spec §4.3 "offline detection").
func (e *Evaluator) EvaluateOffline(ctx context.Context, deviceID string, offline bool) error {
	if offline {
		return e.open(ctx, deviceID, TypeDeviceOffline, store.SeverityWarning, "no heartbeat within offline_after_s")
	}
	return e.resolve(ctx, deviceID, TypeDeviceOffline, store.SeverityWarning, "heartbeat resumed")
}

// Evaluate inspects one metric snapshot and drives every applicable alert
// type's hysteresis/flag logic. It is safe to call once per accepted
// telemetry point; each underlying Open/Resolve call is itself idempotent.
func (e *Evaluator) Evaluate(ctx context.Context, deviceID string, metrics map[string]store.MetricValue, thresholds contracts.AlertThresholds) error {
	for _, gm := range genericMetrics {
		mv, ok := metrics[gm.metricKey]
		if !ok || mv.Kind() != "number" {
			continue
		}
		pair := gm.pair(thresholds)
		if err := e.evalHysteresis(ctx, deviceID, gm.alertType, gm.severity, mv.NumberValue(), pair); err != nil {
			return fmt.Errorf("alerts: %s: %w", gm.alertType, err)
		}
	}

	if mv, ok := metrics["microphone_db"]; ok && mv.Kind() == "number" {
		if err := e.evalMicrophone(ctx, deviceID, mv.NumberValue()); err != nil {
			return fmt.Errorf("alerts: microphone: %w", err)
		}
	}

	if mv, ok := metrics["power_input_ok"]; ok && mv.Kind() == "boolean" {
		if err := e.evalBooleanFlag(ctx, deviceID, TypePowerInputNotOK, store.SeverityCritical, !mv.BoolValue()); err != nil {
			return fmt.Errorf("alerts: power input: %w", err)
		}
	}

	if mv, ok := metrics["load_sustainable"]; ok && mv.Kind() == "boolean" {
		if err := e.evalBooleanFlag(ctx, deviceID, TypeLoadUnsustain, store.SeverityWarning, !mv.BoolValue()); err != nil {
			return fmt.Errorf("alerts: load sustainability: %w", err)
		}
	}

	return nil
}

// evalHysteresis implements the generic low/recover pair: value < low
// opens (or keeps open) the alert; value >= recover resolves it. A value
// exactly at low is not yet an alert (spec §8's boundary law; mirrors
// monitor.py's strict `< low` comparison). Values strictly between low
// and recover leave the current state untouched — this is the
// hysteresis band that prevents chatter at the boundary.
func (e *Evaluator) evalHysteresis(ctx context.Context, deviceID, alertType string, severity store.Severity, value float64, pair contracts.ThresholdPair) error {
	switch {
	case value < pair.Low:
		return e.open(ctx, deviceID, alertType, severity, fmt.Sprintf("value %.3f below low threshold %.3f", value, pair.Low))
	case value >= pair.Recover:
		return e.resolve(ctx, deviceID, alertType, severity, fmt.Sprintf("value %.3f at or above recover threshold %.3f", value, pair.Recover))
	default:
		return nil
	}
}

func (e *Evaluator) evalBooleanFlag(ctx context.Context, deviceID, alertType string, severity store.Severity, bad bool) error {
	if bad {
		return e.open(ctx, deviceID, alertType, severity, "flag reported false")
	}
	return e.resolve(ctx, deviceID, alertType, severity, "flag reported true")
}

// evalMicrophone implements the N-consecutive-samples detector: the
// counter increments on each noisy sample and resets to zero on the
// first quiet one, opening the alert only once the run reaches
// MicConsecutiveRequired, and resolving it the moment a quiet sample
// breaks the run while the alert is open.
func (e *Evaluator) evalMicrophone(ctx context.Context, deviceID string, db float64) error {
	e.mic.mu.Lock()
	if db >= e.MicThresholdDB {
		e.mic.count[deviceID]++
	} else {
		e.mic.count[deviceID] = 0
	}
	count := e.mic.count[deviceID]
	e.mic.mu.Unlock()

	if count >= e.MicConsecutiveRequired {
		return e.open(ctx, deviceID, TypeMicrophoneAnom, store.SeverityWarning,
			fmt.Sprintf("%d consecutive samples at or above %.1f dB", count, e.MicThresholdDB))
	}
	if count == 0 {
		return e.resolve(ctx, deviceID, TypeMicrophoneAnom, store.SeverityWarning, "sample below microphone threshold")
	}
	return nil
}

func (e *Evaluator) open(ctx context.Context, deviceID, alertType string, severity store.Severity, message string) error {
	opened_, opened, err := e.Alerts.Open(ctx, store.Alert{
		DeviceID:  deviceID,
		AlertType: alertType,
		Severity:  severity,
		Message:   message,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	if opened {
		observability.AlertTransitions.WithLabelValues(alertType, "open").Inc()
		e.notify(ctx, opened_, "open")
	}
	return nil
}

func (e *Evaluator) resolve(ctx context.Context, deviceID, alertType string, severity store.Severity, message string) error {
	resolution := store.Alert{
		DeviceID:  deviceID,
		AlertType: alertType,
		Severity:  severity,
		Message:   message,
		CreatedAt: time.Now().UTC(),
	}
	err := e.Alerts.Resolve(ctx, deviceID, alertType, resolution)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
	observability.AlertTransitions.WithLabelValues(alertType, "resolve").Inc()
	e.notify(ctx, resolution, "resolved")
	return nil
}

// notify routes a just-persisted transition to every configured
// destination and pushes it to live WebSocket viewers, trapping and
// logging any delivery error rather than letting it propagate back to
// the caller that triggered the alert (spec §7: "Notification delivery
// exceptions are trapped, classified, and recorded — never propagated").
func (e *Evaluator) notify(ctx context.Context, a store.Alert, status string) {
	if e.Hub != nil {
		e.Hub.Broadcast(realtime.AlertEvent{
			DeviceID:  a.DeviceID,
			AlertType: a.AlertType,
			Severity:  a.Severity,
			Message:   a.Message,
			Status:    status,
			Timestamp: a.CreatedAt,
		})
	}
	if e.Notify == nil || e.Devices == nil {
		return
	}
	device, err := e.Devices.Get(ctx, a.DeviceID)
	if err != nil {
		log.Printf("alerts: notify: resolve device %s: %v", a.DeviceID, err)
		return
	}
	if _, err := e.Notify.Route(ctx, a, device); err != nil {
		log.Printf("alerts: notify: route alert %s/%s: %v", a.DeviceID, a.AlertType, err)
	}
}

// RefreshGauges recomputes the edgewatch_alerts_open gauge vector from the
// store's current open-alert listing across every known device — called by
// the retention/metrics job on a timer rather than per-evaluation, since it
// is a full scan.
func RefreshGauges(ctx context.Context, devices store.DeviceStore, alertStore store.AlertStore) error {
	all, err := devices.List(ctx)
	if err != nil {
		return err
	}
	counts := make(map[string]float64)
	for _, d := range all {
		open, err := alertStore.ListOpen(ctx, d.DeviceID)
		if err != nil {
			return err
		}
		for _, a := range open {
			counts[a.AlertType]++
		}
	}
	allTypes := []string{
		TypeWaterPressureLow, TypeOilPressureLow, TypeOilLevelLow, TypeDripOilLevelLow,
		TypeOilLifeLow, TypeBatteryLow, TypeSignalWeak, TypeMicrophoneAnom,
		TypePowerInputNotOK, TypeLoadUnsustain, TypeDeviceOffline,
	}
	for _, t := range allTypes {
		observability.AlertsOpen.WithLabelValues(t).Set(counts[t])
	}
	return nil
}
