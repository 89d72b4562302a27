package ingest

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ryne2010/edgewatch/internal/contracts"
	"github.com/ryne2010/edgewatch/internal/store"
)

// PushWorker handles one delivered pub/sub Event by replaying it through
// the same pipeline the direct-ingest path uses, implementing spec
// §4.2.d's "push delivery lands on the pubsub pipeline mode, which
// shares the validation/dedupe/quarantine path with the direct mode."
type PushWorker struct {
	Service    *Service
	Devices    store.DeviceStore
	Thresholds func(ctx context.Context, deviceID string) (contracts.AlertThresholds, error)
}

func NewPushWorker(svc *Service, devices store.DeviceStore, thresholds func(context.Context, string) (contracts.AlertThresholds, error)) *PushWorker {
	return &PushWorker{Service: svc, Devices: devices, Thresholds: thresholds}
}

// HandleBatchPayload parses and ingests one pub/sub batch payload,
// returning the same Result the direct HTTP path returns — used both by
// the push-delivery webhook and by a pull-subscriber loop.
func (w *PushWorker) HandleBatchPayload(ctx context.Context, raw []byte, contractVersion string) (Result, error) {
	parsed, err := ParsePubSubBatchPayload(raw)
	if err != nil {
		return Result{}, err
	}

	device, err := w.Devices.Get(ctx, parsed.DeviceID)
	if err != nil {
		return Result{}, fmt.Errorf("push worker: resolve device %s: %w", parsed.DeviceID, err)
	}

	thresholds, err := w.Thresholds(ctx, parsed.DeviceID)
	if err != nil {
		return Result{}, fmt.Errorf("push worker: load thresholds: %w", err)
	}

	result, err := w.Service.IngestBatch(ctx, device, string(parsed.Source), contractVersion, thresholds, parsed.Points)
	if err != nil {
		return Result{}, err
	}
	return result, nil
}

// DecodeEventPayload extracts the raw pub/sub batch bytes from a
// streaming.Event's JSON envelope — a push delivery webhook forwards the
// broker's event envelope, not the bare batch. streaming.Event.Payload is
// a []byte field, which encoding/json both renders and parses as a base64
// string, so unmarshaling straight into a []byte field decodes it for us.
func DecodeEventPayload(eventJSON []byte) ([]byte, error) {
	var envelope struct {
		Payload []byte `json:"payload"`
	}
	if err := json.Unmarshal(eventJSON, &envelope); err != nil {
		return nil, fmt.Errorf("push worker: decode event envelope: %w", err)
	}
	return envelope.Payload, nil
}
