// Package ingest implements telemetry intake: source parsing, per-point
// contract validation, idempotent dedupe, quarantine classification, and
// batch lineage recording. Grounded on
// original_source/api/app/services/ingest_pipeline.py.
package ingest

import (
	"fmt"
	"sort"
	"time"

	"github.com/ryne2010/edgewatch/internal/apperr"
	"github.com/ryne2010/edgewatch/internal/contracts"
	"github.com/ryne2010/edgewatch/internal/store"
)

// TypeMismatchMode governs what happens to a point whose metrics fail
// contract type validation (ingest_pipeline.py's type_mismatch_mode).
type TypeMismatchMode string

const (
	// MismatchQuarantine keeps the batch's other points flowing and files
	// the offending point to the quarantine table (the default).
	MismatchQuarantine TypeMismatchMode = "quarantine"
	// MismatchReject drops the point entirely; it is counted but not
	// stored anywhere, for contract versions under active hardening.
	MismatchReject TypeMismatchMode = "reject"
)

// RawPoint is one telemetry point as received over the wire, before type
// decoding against the contract.
type RawPoint struct {
	MessageID string
	Ts        time.Time
	Metrics   map[string]store.MetricValue
}

// CandidatePoint is a point that passed contract validation and is ready
// for idempotent insertion.
type CandidatePoint struct {
	MessageID string
	Ts        time.Time
	Metrics   map[string]store.MetricValue
}

// PreparedIngest is prepare_points' full return value: the points ready to
// persist, the points filed to quarantine, and the lineage summary.
type PreparedIngest struct {
	Candidates  []CandidatePoint
	Quarantined []store.QuarantinedPoint
	Rejected    int
	// RejectErrors holds up to maxRejectErrors formatted mismatch messages
	// when Mode == MismatchReject, surfaced verbatim in the 422 response
	// body (spec §4.2(a): "up to 10 error messages plus total count").
	RejectErrors []string
	Drift        store.DriftSummary
	ClientTsMin  *time.Time
	ClientTsMax  *time.Time
}

// maxRejectErrors caps the reject-mode error list returned to the client,
// per spec §4.2(a)/§6.
const maxRejectErrors = 10

// ParseIngestSource validates the wire "source" field against the allowed
// set (ingest_pipeline.py's parse_ingest_source), defaulting to "device"
// when blank.
func ParseIngestSource(raw string) (store.IngestSource, error) {
	if raw == "" {
		return store.SourceDevice, nil
	}
	switch store.IngestSource(raw) {
	case store.SourceDevice, store.SourceReplay, store.SourcePubsub, store.SourceBackfill:
		return store.IngestSource(raw), nil
	default:
		return "", apperr.New(apperr.KindValidation, fmt.Sprintf("unknown ingest source %q", raw))
	}
}

// NormalizeUTC converts ts to UTC, matching ingest_pipeline.py's
// normalize_utc (naive timestamps are assumed UTC at the JSON-decode
// boundary, so this is purely a location conversion here).
func NormalizeUTC(ts time.Time) time.Time {
	return ts.UTC()
}

// DecodeWireMetrics converts a JSON-decoded metrics object (numbers as
// float64, per encoding/json's default) into tagged store.MetricValue,
// shared by both the direct-HTTP and pub/sub wire paths.
func DecodeWireMetrics(m map[string]any) map[string]store.MetricValue {
	out := make(map[string]store.MetricValue, len(m))
	for k, v := range m {
		switch t := v.(type) {
		case nil:
			out[k] = store.NullValue()
		case float64:
			out[k] = store.NumberValue(t)
		case string:
			out[k] = store.StringValue(t)
		case bool:
			out[k] = store.BoolValue(t)
		}
	}
	return out
}

// EncodeWireMetrics is DecodeWireMetrics' inverse, used when re-serializing
// a batch onto the pub/sub topic.
func EncodeWireMetrics(m map[string]store.MetricValue) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		switch v.Kind() {
		case "number":
			out[k] = v.NumberValue()
		case "string":
			out[k] = v.StringValue()
		case "boolean":
			out[k] = v.BoolValue()
		default:
			out[k] = nil
		}
	}
	return out
}

func FormatTypeMismatch(point string, mismatches []contracts.TypeMismatch) string {
	if len(mismatches) == 0 {
		return ""
	}
	parts := make([]string, 0, len(mismatches))
	for _, m := range mismatches {
		parts = append(parts, contracts.FormatTypeMismatch(m))
	}
	return fmt.Sprintf("point %s: %v", point, parts)
}

// PrepareOptions configures prepare_points' behavior for one batch.
type PrepareOptions struct {
	Contract contracts.TelemetryContract
	Mode     TypeMismatchMode
	BatchID  string
	DeviceID string
}

// PreparePoints is ingest_pipeline.py's prepare_points: per point, it
// normalizes the timestamp, tracks the batch's client timestamp span,
// validates metrics against the contract, and classifies the point as
// accepted, quarantined, or rejected, accumulating the unknown-key and
// type-mismatch-key unions for the batch's drift summary.
func PreparePoints(points []RawPoint, opts PrepareOptions) PreparedIngest {
	out := PreparedIngest{Drift: store.DriftSummary{
		UnknownKeysMode:  "quarantine",
		TypeMismatchMode: string(opts.Mode),
	}}
	unknownUnion := map[string]bool{}
	mismatchUnion := map[string]bool{}

	for _, p := range points {
		ts := NormalizeUTC(p.Ts)
		if out.ClientTsMin == nil || ts.Before(*out.ClientTsMin) {
			out.ClientTsMin = &ts
		}
		if out.ClientTsMax == nil || ts.After(*out.ClientTsMax) {
			out.ClientTsMax = &ts
		}

		unknown, mismatches := opts.Contract.ValidateMetricsDetailed(p.Metrics)
		for k := range unknown {
			unknownUnion[k] = true
		}

		if len(mismatches) == 0 {
			out.Candidates = append(out.Candidates, CandidatePoint{
				MessageID: p.MessageID,
				Ts:        ts,
				Metrics:   p.Metrics,
			})
			continue
		}

		for _, m := range mismatches {
			mismatchUnion[m.Key] = true
		}

		if opts.Mode == MismatchReject {
			out.Rejected++
			for _, m := range mismatches {
				if len(out.RejectErrors) >= maxRejectErrors {
					break
				}
				out.RejectErrors = append(out.RejectErrors, contracts.FormatTypeMismatch(m))
			}
			continue
		}

		errs := make([]string, 0, len(mismatches))
		for _, m := range mismatches {
			errs = append(errs, contracts.FormatTypeMismatch(m))
		}
		out.Quarantined = append(out.Quarantined, store.QuarantinedPoint{
			BatchID:   opts.BatchID,
			DeviceID:  opts.DeviceID,
			MessageID: p.MessageID,
			Ts:        ts,
			Metrics:   p.Metrics,
			Errors:    errs,
		})
	}

	out.Drift.UnknownKeys = sortedKeys(unknownUnion)
	out.Drift.UnknownKeyCount = len(unknownUnion)
	out.Drift.TypeMismatchKeys = sortedKeys(mismatchUnion)
	out.Drift.TypeMismatchCount = len(mismatchUnion)
	out.Drift.PointsQuarantined = len(out.Quarantined)
	return out
}

func sortedKeys(m map[string]bool) []string {
	if len(m) == 0 {
		return nil
	}
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// CandidateRows converts the accepted candidates into persistable
// TelemetryPoint rows for a given device and batch (ingest_pipeline.py's
// candidate_rows).
func CandidateRows(deviceID, batchID string, candidates []CandidatePoint) []store.TelemetryPoint {
	rows := make([]store.TelemetryPoint, 0, len(candidates))
	for _, c := range candidates {
		rows = append(rows, store.TelemetryPoint{
			DeviceID:  deviceID,
			MessageID: c.MessageID,
			Ts:        c.Ts,
			Metrics:   c.Metrics,
			BatchID:   batchID,
		})
	}
	return rows
}
