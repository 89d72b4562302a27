package alerts

import (
	"context"
	"testing"

	"github.com/ryne2010/edgewatch/internal/contracts"
	"github.com/ryne2010/edgewatch/internal/store"
)

func testThresholds() contracts.AlertThresholds {
	return contracts.AlertThresholds{
		WaterPressurePSI: contracts.ThresholdPair{Low: 20, Recover: 25},
		OilPressurePSI:   contracts.ThresholdPair{Low: 15, Recover: 20},
		OilLevelPct:      contracts.ThresholdPair{Low: 10, Recover: 15},
		DripOilLevelPct:  contracts.ThresholdPair{Low: 10, Recover: 15},
		OilLifePct:       contracts.ThresholdPair{Low: 5, Recover: 10},
		BatteryV:         contracts.ThresholdPair{Low: 11.5, Recover: 12.0},
		SignalRSSIDbm:    contracts.ThresholdPair{Low: -110, Recover: -100},
	}
}

func newTestEvaluator() (*Evaluator, *store.MemoryStore) {
	ms := store.NewMemoryStore()
	s := ms.AsStore()
	return NewEvaluator(s.Alerts, s.Devices, nil, 80.0, 3), ms
}

func TestEvaluateHysteresisOpensAndResolves(t *testing.T) {
	e, _ := newTestEvaluator()
	ctx := context.Background()
	thresholds := testThresholds()

	metrics := map[string]store.MetricValue{"water_pressure_psi": store.NumberValue(18)}
	if err := e.Evaluate(ctx, "dev-1", metrics, thresholds); err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	open, err := e.Alerts.ListOpen(ctx, "dev-1")
	if err != nil {
		t.Fatalf("list open: %v", err)
	}
	if len(open) != 1 || open[0].AlertType != TypeWaterPressureLow {
		t.Fatalf("expected water_pressure_low open, got %+v", open)
	}

	// A value strictly between low and recover leaves the alert open.
	metrics["water_pressure_psi"] = store.NumberValue(22)
	if err := e.Evaluate(ctx, "dev-1", metrics, thresholds); err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	open, _ = e.Alerts.ListOpen(ctx, "dev-1")
	if len(open) != 1 {
		t.Fatalf("expected alert to remain open in the hysteresis band, got %+v", open)
	}

	// Crossing the recover threshold resolves it.
	metrics["water_pressure_psi"] = store.NumberValue(26)
	if err := e.Evaluate(ctx, "dev-1", metrics, thresholds); err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	open, _ = e.Alerts.ListOpen(ctx, "dev-1")
	if len(open) != 0 {
		t.Fatalf("expected alert resolved, got %+v", open)
	}
}

func TestEvaluateHysteresisAtLowBoundaryDoesNotOpen(t *testing.T) {
	e, _ := newTestEvaluator()
	ctx := context.Background()
	thresholds := testThresholds()

	// Spec §8: a value exactly at low is not yet an alert (strict <).
	metrics := map[string]store.MetricValue{"water_pressure_psi": store.NumberValue(20)}
	if err := e.Evaluate(ctx, "dev-1", metrics, thresholds); err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	open, err := e.Alerts.ListOpen(ctx, "dev-1")
	if err != nil {
		t.Fatalf("list open: %v", err)
	}
	if len(open) != 0 {
		t.Fatalf("expected no alert at the low boundary, got %+v", open)
	}

	// One tick below low does open it.
	metrics["water_pressure_psi"] = store.NumberValue(19.999)
	if err := e.Evaluate(ctx, "dev-1", metrics, thresholds); err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	open, _ = e.Alerts.ListOpen(ctx, "dev-1")
	if len(open) != 1 || open[0].AlertType != TypeWaterPressureLow {
		t.Fatalf("expected water_pressure_low open just below the low threshold, got %+v", open)
	}

	// Exactly at recover resolves it (non-strict >=).
	metrics["water_pressure_psi"] = store.NumberValue(25)
	if err := e.Evaluate(ctx, "dev-1", metrics, thresholds); err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	open, _ = e.Alerts.ListOpen(ctx, "dev-1")
	if len(open) != 0 {
		t.Fatalf("expected alert resolved exactly at recover, got %+v", open)
	}
}

func TestEvaluateHysteresisIsIdempotent(t *testing.T) {
	e, _ := newTestEvaluator()
	ctx := context.Background()
	thresholds := testThresholds()
	metrics := map[string]store.MetricValue{"oil_pressure_psi": store.NumberValue(5)}

	for i := 0; i < 3; i++ {
		if err := e.Evaluate(ctx, "dev-1", metrics, thresholds); err != nil {
			t.Fatalf("evaluate iteration %d: %v", i, err)
		}
	}
	open, err := e.Alerts.ListOpen(ctx, "dev-1")
	if err != nil {
		t.Fatalf("list open: %v", err)
	}
	if len(open) != 1 {
		t.Fatalf("re-evaluating a sustained low value must not open duplicate alerts, got %+v", open)
	}
}

func TestEvaluateBooleanFlags(t *testing.T) {
	e, _ := newTestEvaluator()
	ctx := context.Background()
	thresholds := testThresholds()

	metrics := map[string]store.MetricValue{
		"power_input_ok":   store.BoolValue(false),
		"load_sustainable": store.BoolValue(false),
	}
	if err := e.Evaluate(ctx, "dev-1", metrics, thresholds); err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	open, _ := e.Alerts.ListOpen(ctx, "dev-1")
	if len(open) != 2 {
		t.Fatalf("expected power_input_not_ok and load_unsustainable open, got %+v", open)
	}

	metrics["power_input_ok"] = store.BoolValue(true)
	metrics["load_sustainable"] = store.BoolValue(true)
	if err := e.Evaluate(ctx, "dev-1", metrics, thresholds); err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	open, _ = e.Alerts.ListOpen(ctx, "dev-1")
	if len(open) != 0 {
		t.Fatalf("expected both flags resolved, got %+v", open)
	}
}

func TestEvaluateMicrophoneRequiresConsecutiveSamples(t *testing.T) {
	e, _ := newTestEvaluator()
	ctx := context.Background()
	thresholds := testThresholds()

	noisy := map[string]store.MetricValue{"microphone_db": store.NumberValue(85)}
	for i := 0; i < 2; i++ {
		if err := e.Evaluate(ctx, "dev-1", noisy, thresholds); err != nil {
			t.Fatalf("evaluate: %v", err)
		}
	}
	open, _ := e.Alerts.ListOpen(ctx, "dev-1")
	if len(open) != 0 {
		t.Fatalf("expected no alert before MicConsecutiveRequired samples, got %+v", open)
	}

	if err := e.Evaluate(ctx, "dev-1", noisy, thresholds); err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	open, _ = e.Alerts.ListOpen(ctx, "dev-1")
	if len(open) != 1 || open[0].AlertType != TypeMicrophoneAnom {
		t.Fatalf("expected microphone_anomaly open on the 3rd consecutive sample, got %+v", open)
	}

	quiet := map[string]store.MetricValue{"microphone_db": store.NumberValue(40)}
	if err := e.Evaluate(ctx, "dev-1", quiet, thresholds); err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	open, _ = e.Alerts.ListOpen(ctx, "dev-1")
	if len(open) != 0 {
		t.Fatalf("expected a single quiet sample to resolve the run immediately, got %+v", open)
	}
}

func TestEvaluateOffline(t *testing.T) {
	e, _ := newTestEvaluator()
	ctx := context.Background()

	if err := e.EvaluateOffline(ctx, "dev-1", true); err != nil {
		t.Fatalf("evaluate offline: %v", err)
	}
	open, _ := e.Alerts.ListOpen(ctx, "dev-1")
	if len(open) != 1 || open[0].AlertType != TypeDeviceOffline {
		t.Fatalf("expected device_offline open, got %+v", open)
	}

	if err := e.EvaluateOffline(ctx, "dev-1", false); err != nil {
		t.Fatalf("evaluate offline resolve: %v", err)
	}
	open, _ = e.Alerts.ListOpen(ctx, "dev-1")
	if len(open) != 0 {
		t.Fatalf("expected device_offline resolved, got %+v", open)
	}
}

func TestResolveWithoutOpenAlertIsNoop(t *testing.T) {
	e, _ := newTestEvaluator()
	ctx := context.Background()
	thresholds := testThresholds()

	metrics := map[string]store.MetricValue{"battery_v": store.NumberValue(12.5)}
	if err := e.Evaluate(ctx, "dev-1", metrics, thresholds); err != nil {
		t.Fatalf("resolving a never-opened alert should be a no-op, got error: %v", err)
	}
}

func TestAlertsCreatedAtIsStamped(t *testing.T) {
	e, _ := newTestEvaluator()
	ctx := context.Background()
	thresholds := testThresholds()

	metrics := map[string]store.MetricValue{"oil_level_pct": store.NumberValue(5)}
	if err := e.Evaluate(ctx, "dev-1", metrics, thresholds); err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	open, _ := e.Alerts.ListOpen(ctx, "dev-1")
	if len(open) != 1 || open[0].CreatedAt.IsZero() {
		t.Fatalf("expected a non-zero CreatedAt on the opened alert, got %+v", open)
	}
}
