package ingest

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/ryne2010/edgewatch/internal/store"
)

func TestBuildAndParsePubSubBatchPayloadRoundTrip(t *testing.T) {
	points := []RawPoint{
		{MessageID: "m1", Ts: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC), Metrics: map[string]store.MetricValue{
			"water_pressure_psi": store.NumberValue(28.5),
		}},
	}
	raw, err := BuildPubSubBatchPayload("dev-1", "device", points)
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	parsed, err := ParsePubSubBatchPayload(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if parsed.DeviceID != "dev-1" || parsed.Source != store.SourceDevice {
		t.Fatalf("unexpected parsed envelope: %+v", parsed)
	}
	if len(parsed.Points) != 1 || parsed.Points[0].MessageID != "m1" {
		t.Fatalf("unexpected parsed points: %+v", parsed.Points)
	}
	if parsed.Points[0].Metrics["water_pressure_psi"].NumberValue() != 28.5 {
		t.Fatalf("metric value did not survive the round trip: %+v", parsed.Points[0].Metrics)
	}
}

func TestParsePubSubBatchPayloadRejectsMissingFields(t *testing.T) {
	cases := []string{
		`{"device_id":"d1","source":"device","points":[{"message_id":"m1","ts":"2026-01-01T00:00:00Z","metrics":{}}]}`, // missing batch_id
		`{"batch_id":"b1","source":"device","points":[{"message_id":"m1","ts":"2026-01-01T00:00:00Z","metrics":{}}]}`,  // missing device_id
		`{"batch_id":"b1","device_id":"d1","source":"device","points":[]}`,                                             // no points
		`{"batch_id":"b1","device_id":"d1","source":"device","points":[{"ts":"2026-01-01T00:00:00Z","metrics":{}}]}`,   // missing message_id
	}
	for i, c := range cases {
		if _, err := ParsePubSubBatchPayload([]byte(c)); err == nil {
			t.Fatalf("case %d: expected validation error, got nil", i)
		}
	}
}

func TestDecodeEventPayloadBase64Decodes(t *testing.T) {
	payload, err := BuildPubSubBatchPayload("dev-1", "device", []RawPoint{
		{MessageID: "m1", Ts: time.Now(), Metrics: map[string]store.MetricValue{"x": store.NumberValue(1)}},
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	// streaming.Event.Payload is a []byte, which encoding/json renders as
	// base64 — simulate the envelope a push-delivery webhook would send.
	envelopeJSON := []byte(`{"id":"evt-1","topic":"edgewatch.ingest","payload":"` + base64.StdEncoding.EncodeToString(payload) + `"}`)

	decoded, err := DecodeEventPayload(envelopeJSON)
	if err != nil {
		t.Fatalf("decode event payload: %v", err)
	}
	if string(decoded) != string(payload) {
		t.Fatalf("decoded payload does not match original:\ngot  %s\nwant %s", decoded, payload)
	}
}
