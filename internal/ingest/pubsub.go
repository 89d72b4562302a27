package ingest

import (
	"encoding/json"
	"time"

	"github.com/ryne2010/edgewatch/internal/apperr"
	"github.com/ryne2010/edgewatch/internal/store"
)

// pubSubPointWire is the wire shape of one point inside a pub/sub batch
// payload (ingest_pipeline.py's PubSubBatch point schema).
type pubSubPointWire struct {
	MessageID string         `json:"message_id"`
	Ts        time.Time      `json:"ts"`
	Metrics   map[string]any `json:"metrics"`
}

type pubSubBatchWire struct {
	BatchID  string            `json:"batch_id"`
	DeviceID string            `json:"device_id"`
	Source   string            `json:"source"`
	Points   []pubSubPointWire `json:"points"`
}

// ParsedPubSubBatch is a validated pub/sub ingest payload, decoded metrics
// already converted to tagged store.MetricValue (type checking against
// the contract happens later, in PreparePoints).
type ParsedPubSubBatch struct {
	BatchID  string
	DeviceID string
	Source   store.IngestSource
	Points   []RawPoint
}

// BuildPubSubBatchPayload serializes a batch for publication onto the
// pub/sub topic (ingest_pipeline.py's build_pubsub_batch_payload).
func BuildPubSubBatchPayload(deviceID, source string, points []RawPoint) ([]byte, error) {
	wire := pubSubBatchWire{
		DeviceID: deviceID,
		Source:   source,
		Points:   make([]pubSubPointWire, 0, len(points)),
	}
	for _, p := range points {
		wire.Points = append(wire.Points, pubSubPointWire{
			MessageID: p.MessageID,
			Ts:        p.Ts,
			Metrics:   EncodeWireMetrics(p.Metrics),
		})
	}
	return json.Marshal(wire)
}

// ParsePubSubBatchPayload validates a received pub/sub payload with the
// same strictness as ingest_pipeline.py's parse_pubsub_batch_payload:
// batch_id, device_id, and source are required, points must be non-empty,
// and every point needs a message_id, a timestamp, and a metrics object.
func ParsePubSubBatchPayload(raw []byte) (ParsedPubSubBatch, error) {
	var wire pubSubBatchWire
	if err := json.Unmarshal(raw, &wire); err != nil {
		return ParsedPubSubBatch{}, apperr.Wrap(apperr.KindValidation, "malformed pubsub batch payload", err)
	}
	if wire.BatchID == "" {
		return ParsedPubSubBatch{}, apperr.New(apperr.KindValidation, "pubsub batch missing batch_id")
	}
	if wire.DeviceID == "" {
		return ParsedPubSubBatch{}, apperr.New(apperr.KindValidation, "pubsub batch missing device_id")
	}
	source, err := ParseIngestSource(wire.Source)
	if err != nil {
		return ParsedPubSubBatch{}, err
	}
	if len(wire.Points) == 0 {
		return ParsedPubSubBatch{}, apperr.New(apperr.KindValidation, "pubsub batch has no points")
	}

	points := make([]RawPoint, 0, len(wire.Points))
	for i, p := range wire.Points {
		if p.MessageID == "" {
			return ParsedPubSubBatch{}, apperr.WithDetails(apperr.KindValidation, "pubsub point missing message_id", map[string]any{"index": i})
		}
		if p.Ts.IsZero() {
			return ParsedPubSubBatch{}, apperr.WithDetails(apperr.KindValidation, "pubsub point missing ts", map[string]any{"index": i})
		}
		if p.Metrics == nil {
			return ParsedPubSubBatch{}, apperr.WithDetails(apperr.KindValidation, "pubsub point missing metrics", map[string]any{"index": i})
		}
		points = append(points, RawPoint{
			MessageID: p.MessageID,
			Ts:        p.Ts,
			Metrics:   DecodeWireMetrics(p.Metrics),
		})
	}

	return ParsedPubSubBatch{
		BatchID:  wire.BatchID,
		DeviceID: wire.DeviceID,
		Source:   source,
		Points:   points,
	}, nil
}
