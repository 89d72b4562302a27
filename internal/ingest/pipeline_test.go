package ingest

import (
	"testing"
	"time"

	"github.com/ryne2010/edgewatch/internal/contracts"
	"github.com/ryne2010/edgewatch/internal/store"
)

func testContract() contracts.TelemetryContract {
	return contracts.TelemetryContract{
		Version: "v1",
		Metrics: map[string]contracts.MetricSpec{
			"water_pressure_psi": {Key: "water_pressure_psi", Type: contracts.MetricNumber},
			"power_input_ok":     {Key: "power_input_ok", Type: contracts.MetricBoolean},
		},
	}
}

func TestPreparePointsAcceptsValidPoints(t *testing.T) {
	points := []RawPoint{
		{MessageID: "m1", Ts: time.Now(), Metrics: map[string]store.MetricValue{
			"water_pressure_psi": store.NumberValue(30),
		}},
	}
	out := PreparePoints(points, PrepareOptions{Contract: testContract(), Mode: MismatchQuarantine, BatchID: "b1", DeviceID: "d1"})
	if len(out.Candidates) != 1 || len(out.Quarantined) != 0 || out.Rejected != 0 {
		t.Fatalf("expected one clean candidate, got %+v", out)
	}
}

func TestPreparePointsQuarantinesTypeMismatch(t *testing.T) {
	points := []RawPoint{
		{MessageID: "m1", Ts: time.Now(), Metrics: map[string]store.MetricValue{
			"water_pressure_psi": store.StringValue("not a number"),
		}},
	}
	out := PreparePoints(points, PrepareOptions{Contract: testContract(), Mode: MismatchQuarantine, BatchID: "b1", DeviceID: "d1"})
	if len(out.Candidates) != 0 || len(out.Quarantined) != 1 {
		t.Fatalf("expected the mismatched point quarantined, got %+v", out)
	}
	if out.Drift.TypeMismatchCount != 1 || out.Drift.TypeMismatchKeys[0] != "water_pressure_psi" {
		t.Fatalf("expected drift summary to record the mismatch, got %+v", out.Drift)
	}
}

func TestPreparePointsRejectModeDropsMismatches(t *testing.T) {
	points := []RawPoint{
		{MessageID: "m1", Ts: time.Now(), Metrics: map[string]store.MetricValue{
			"water_pressure_psi": store.StringValue("bad"),
		}},
	}
	out := PreparePoints(points, PrepareOptions{Contract: testContract(), Mode: MismatchReject, BatchID: "b1", DeviceID: "d1"})
	if len(out.Candidates) != 0 || len(out.Quarantined) != 0 || out.Rejected != 1 {
		t.Fatalf("reject mode should drop the point with no quarantine row, got %+v", out)
	}
	if len(out.RejectErrors) != 1 {
		t.Fatalf("expected one reject error message, got %+v", out.RejectErrors)
	}
}

func TestPreparePointsTracksUnknownKeysAsAdditiveDrift(t *testing.T) {
	points := []RawPoint{
		{MessageID: "m1", Ts: time.Now(), Metrics: map[string]store.MetricValue{
			"water_pressure_psi": store.NumberValue(30),
			"new_sensor_field":   store.NumberValue(1),
		}},
	}
	out := PreparePoints(points, PrepareOptions{Contract: testContract(), Mode: MismatchQuarantine, BatchID: "b1", DeviceID: "d1"})
	if len(out.Candidates) != 1 {
		t.Fatalf("an unknown key must not block an otherwise valid point, got %+v", out)
	}
	if out.Drift.UnknownKeyCount != 1 || out.Drift.UnknownKeys[0] != "new_sensor_field" {
		t.Fatalf("expected unknown key tracked in drift summary, got %+v", out.Drift)
	}
}

func TestPreparePointsTracksClientTimestampSpan(t *testing.T) {
	early := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	late := time.Date(2026, 1, 1, 1, 0, 0, 0, time.UTC)
	points := []RawPoint{
		{MessageID: "m1", Ts: late, Metrics: map[string]store.MetricValue{"water_pressure_psi": store.NumberValue(30)}},
		{MessageID: "m2", Ts: early, Metrics: map[string]store.MetricValue{"water_pressure_psi": store.NumberValue(30)}},
	}
	out := PreparePoints(points, PrepareOptions{Contract: testContract(), Mode: MismatchQuarantine, BatchID: "b1", DeviceID: "d1"})
	if out.ClientTsMin == nil || !out.ClientTsMin.Equal(early) {
		t.Fatalf("expected ClientTsMin %v, got %v", early, out.ClientTsMin)
	}
	if out.ClientTsMax == nil || !out.ClientTsMax.Equal(late) {
		t.Fatalf("expected ClientTsMax %v, got %v", late, out.ClientTsMax)
	}
}

func TestWireMetricsRoundTrip(t *testing.T) {
	original := map[string]store.MetricValue{
		"a": store.NumberValue(1.5),
		"b": store.StringValue("x"),
		"c": store.BoolValue(true),
		"d": store.NullValue(),
	}
	wire := EncodeWireMetrics(original)
	decoded := DecodeWireMetrics(wire)
	for k, v := range original {
		got, ok := decoded[k]
		if !ok || got.Kind() != v.Kind() {
			t.Fatalf("round trip mismatch for key %q: want kind %q got %+v", k, v.Kind(), got)
		}
	}
}

func TestParseIngestSource(t *testing.T) {
	cases := []struct {
		raw     string
		want    store.IngestSource
		wantErr bool
	}{
		{"", store.SourceDevice, false},
		{"device", store.SourceDevice, false},
		{"replay", store.SourceReplay, false},
		{"pubsub", store.SourcePubsub, false},
		{"backfill", store.SourceBackfill, false},
		{"bogus", "", true},
	}
	for _, c := range cases {
		got, err := ParseIngestSource(c.raw)
		if (err != nil) != c.wantErr {
			t.Fatalf("ParseIngestSource(%q): unexpected error state, err=%v", c.raw, err)
		}
		if !c.wantErr && got != c.want {
			t.Fatalf("ParseIngestSource(%q) = %q, want %q", c.raw, got, c.want)
		}
	}
}
