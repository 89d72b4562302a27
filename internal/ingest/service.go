package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ryne2010/edgewatch/internal/alerts"
	"github.com/ryne2010/edgewatch/internal/apperr"
	"github.com/ryne2010/edgewatch/internal/contracts"
	"github.com/ryne2010/edgewatch/internal/observability"
	"github.com/ryne2010/edgewatch/internal/store"
)

// Service wires the pipeline's pure functions to the durable store and the
// alert evaluator, implementing spec §4.2's end-to-end accept path.
type Service struct {
	Store        store.Store
	Alerts       *alerts.Evaluator
	Mode         TypeMismatchMode
	ArtifactRoot string
}

func NewService(s store.Store, ev *alerts.Evaluator, artifactRoot string) *Service {
	return &Service{Store: s, Alerts: ev, Mode: MismatchQuarantine, ArtifactRoot: artifactRoot}
}

// Result is what the ingest HTTP handler reports back to the device
// (spec §6's POST /ingest response body).
type Result struct {
	BatchID     string
	Submitted   int
	Accepted    int
	Duplicates  int
	Quarantined int
	Rejected    int
}

// IngestBatch runs the full pipeline for one batch of raw points
// submitted under the given source and contract version, for an already
// authenticated device.
func (s *Service) IngestBatch(ctx context.Context, device store.Device, source, contractVersion string, thresholds contracts.AlertThresholds, rawPoints []RawPoint) (Result, error) {
	ingestSource, err := ParseIngestSource(source)
	if err != nil {
		return Result{}, err
	}

	contract, err := contracts.LoadTelemetryContract(s.ArtifactRoot, contractVersion)
	if err != nil {
		return Result{}, fmt.Errorf("ingest: load contract: %w", err)
	}

	batchID := uuid.NewString()
	result := Result{BatchID: batchID, Submitted: len(rawPoints)}

	// Validate every submitted point against the contract before any
	// idempotency claim, mirroring original_source/api/app/routes/ingest.py:
	// reject mode must persist nothing (not even a dedupe-registry entry)
	// for a batch it rejects outright.
	prepared := PreparePoints(rawPoints, PrepareOptions{
		Contract: contract,
		Mode:     s.Mode,
		BatchID:  batchID,
		DeviceID: device.DeviceID,
	})
	result.Quarantined = len(prepared.Quarantined)
	result.Rejected = prepared.Rejected

	if s.Mode == MismatchReject && prepared.Rejected > 0 {
		if err := s.Store.Batches.Create(ctx, store.IngestionBatch{
			BatchID:          batchID,
			DeviceID:         device.DeviceID,
			ContractVersion:  contract.Version,
			ContractSHA256:   contract.SHA256,
			ReceivedAt:       time.Now().UTC(),
			Submitted:        result.Submitted,
			Accepted:         0,
			Duplicates:       0,
			Quarantined:      0,
			ClientTsMin:      prepared.ClientTsMin,
			ClientTsMax:      prepared.ClientTsMax,
			Drift:            prepared.Drift,
			Source:           ingestSource,
			PipelineMode:     store.PipelineDirect,
			ProcessingStatus: store.ProcessingRejected,
		}); err != nil {
			return Result{}, fmt.Errorf("ingest: record rejected batch lineage: %w", err)
		}
		observability.IngestPoints.WithLabelValues("rejected").Add(float64(prepared.Rejected))
		observability.IngestBatches.WithLabelValues(string(store.ProcessingRejected)).Inc()
		return Result{}, apperr.WithDetails(apperr.KindContract,
			"telemetry metrics failed contract validation",
			map[string]any{
				"batch_id":         batchID,
				"contract_version": contract.Version,
				"contract_hash":    contract.SHA256,
				"errors":           prepared.RejectErrors,
				"error_count":      prepared.Rejected,
			})
	}

	// Only points that passed validation are dedupe-claimed and persisted;
	// quarantined points are recorded without ever touching the dedupe
	// registry (each quarantine row is independently identified).
	messageIDs := make([]string, 0, len(prepared.Candidates))
	byMessageID := make(map[string]CandidatePoint, len(prepared.Candidates))
	for _, c := range prepared.Candidates {
		messageIDs = append(messageIDs, c.MessageID)
		byMessageID[c.MessageID] = c
	}

	claimed, err := s.Store.Telemetry.ClaimMessageIDs(ctx, device.DeviceID, messageIDs)
	if err != nil {
		return Result{}, fmt.Errorf("ingest: claim message ids: %w", err)
	}
	result.Duplicates = len(messageIDs) - len(claimed)

	acceptedCandidates := make([]CandidatePoint, 0, len(claimed))
	for id := range claimed {
		acceptedCandidates = append(acceptedCandidates, byMessageID[id])
	}
	result.Accepted = len(acceptedCandidates)

	rows := CandidateRows(device.DeviceID, batchID, acceptedCandidates)
	if err := s.Store.Telemetry.InsertAccepted(ctx, rows); err != nil {
		return Result{}, fmt.Errorf("ingest: insert accepted points: %w", err)
	}
	if err := s.Store.Quarantine.Insert(ctx, prepared.Quarantined); err != nil {
		return Result{}, fmt.Errorf("ingest: insert quarantined points: %w", err)
	}

	status := store.ProcessingCompleted
	if err := s.Store.Batches.Create(ctx, store.IngestionBatch{
		BatchID:          batchID,
		DeviceID:         device.DeviceID,
		ContractVersion:  contract.Version,
		ContractSHA256:   contract.SHA256,
		ReceivedAt:       time.Now().UTC(),
		Submitted:        result.Submitted,
		Accepted:         result.Accepted,
		Duplicates:       result.Duplicates,
		Quarantined:      result.Quarantined,
		ClientTsMin:      prepared.ClientTsMin,
		ClientTsMax:      prepared.ClientTsMax,
		Drift:            prepared.Drift,
		Source:           ingestSource,
		PipelineMode:     store.PipelineDirect,
		ProcessingStatus: status,
	}); err != nil {
		return Result{}, fmt.Errorf("ingest: record batch lineage: %w", err)
	}

	if err := s.Store.Devices.TouchLastSeen(ctx, device.DeviceID, time.Now().UTC()); err != nil {
		return Result{}, fmt.Errorf("ingest: touch last seen: %w", err)
	}

	if s.Alerts != nil {
		for _, c := range acceptedCandidates {
			if err := s.Alerts.Evaluate(ctx, device.DeviceID, c.Metrics, thresholds); err != nil {
				return Result{}, fmt.Errorf("ingest: evaluate alerts: %w", err)
			}
		}
	}

	observability.IngestPoints.WithLabelValues("accepted").Add(float64(result.Accepted))
	observability.IngestPoints.WithLabelValues("duplicate").Add(float64(result.Duplicates))
	observability.IngestPoints.WithLabelValues("quarantined").Add(float64(result.Quarantined))
	observability.IngestPoints.WithLabelValues("rejected").Add(float64(result.Rejected))
	observability.IngestBatches.WithLabelValues(string(status)).Inc()

	return result, nil
}
