package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ryne2010/edgewatch/internal/apperr"
	"github.com/ryne2010/edgewatch/internal/auth"
	"github.com/ryne2010/edgewatch/internal/contracts"
	"github.com/ryne2010/edgewatch/internal/ingest"
	"github.com/ryne2010/edgewatch/internal/middleware"
	"github.com/ryne2010/edgewatch/internal/observability"
	"github.com/ryne2010/edgewatch/internal/store"
)

// --- POST /api/v1/ingest -----------------------------------------------

type wirePoint struct {
	MessageID string         `json:"message_id"`
	Ts        time.Time      `json:"ts"`
	Metrics   map[string]any `json:"metrics"`
}

type ingestRequest struct {
	Source          string      `json:"source"`
	ContractVersion string      `json:"contract_version"`
	Points          []wirePoint `json:"points"`
}

type ingestResponse struct {
	BatchID     string `json:"batch_id"`
	Submitted   int    `json:"submitted"`
	Accepted    int    `json:"accepted"`
	Duplicates  int    `json:"duplicates"`
	Quarantined int    `json:"quarantined"`
	Rejected    int    `json:"rejected"`
}

func (a *API) handleIngest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	device, ok := middleware.DeviceFromContext(r.Context())
	if !ok {
		writeError(w, r, apperr.New(apperr.KindAuth, "device not resolved"))
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, a.MaxBodyBytes)
	var req ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, apperr.Wrap(apperr.KindValidation, "malformed ingest body", err))
		return
	}

	if !a.Limiter.AllowN(device.DeviceID, len(req.Points)) {
		observability.IngestRateLimited.WithLabelValues(device.DeviceID).Inc()
		middleware.WriteRateLimited(w, defaultRetryAfter())
		return
	}

	rawPoints := make([]ingest.RawPoint, 0, len(req.Points))
	for _, p := range req.Points {
		if p.MessageID == "" {
			writeError(w, r, apperr.New(apperr.KindValidation, "point missing message_id"))
			return
		}
		rawPoints = append(rawPoints, ingest.RawPoint{
			MessageID: p.MessageID,
			Ts:        ingest.NormalizeUTC(p.Ts),
			Metrics:   ingest.DecodeWireMetrics(p.Metrics),
		})
	}

	contractVersion := req.ContractVersion
	if contractVersion == "" {
		contractVersion = a.ContractVersion
	}

	if a.PubsubMode {
		a.publishIngestBatch(w, r, device.DeviceID, req.Source, rawPoints)
		return
	}

	thresholds, err := a.thresholds()
	if err != nil {
		writeError(w, r, apperr.Wrap(apperr.KindTransient, "load alert thresholds", err))
		return
	}

	result, err := a.Ingest.IngestBatch(r.Context(), device, req.Source, contractVersion, thresholds, rawPoints)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, ingestResponse{
		BatchID:     result.BatchID,
		Submitted:   result.Submitted,
		Accepted:    result.Accepted,
		Duplicates:  result.Duplicates,
		Quarantined: result.Quarantined,
		Rejected:    result.Rejected,
	})
}

// publishIngestBatch implements the pubsub ingest pipeline mode: the batch
// is handed to the broker and the device gets an immediate accepted
// response, with the actual validate/store/alert work happening later in
// the pull-subscriber goroutine wired in cmd/edgewatchd.
func (a *API) publishIngestBatch(w http.ResponseWriter, r *http.Request, deviceID, source string, points []ingest.RawPoint) {
	payload, err := ingest.BuildPubSubBatchPayload(deviceID, source, points)
	if err != nil {
		writeError(w, r, apperr.Wrap(apperr.KindValidation, "build pubsub batch payload", err))
		return
	}
	if err := a.Publisher.Publish(r.Context(), a.PubsubTopic, payload); err != nil {
		writeError(w, r, apperr.Wrap(apperr.KindTransient, "publish ingest batch", err))
		return
	}
	writeJSON(w, http.StatusAccepted, ingestResponse{Submitted: len(points)})
}

// --- GET /api/v1/device-policy ------------------------------------------

type devicePolicyResponse struct {
	PolicyVersion         string                    `json:"policy_version"`
	Reporting             contracts.ReportingPolicy `json:"reporting"`
	PendingCommand        *store.CommandPayload     `json:"pending_command,omitempty"`
	PendingCommandID      string                    `json:"pending_command_id,omitempty"`
	PendingCommandCount   int                       `json:"pending_command_count"`
	PendingCommandNextExp *time.Time                `json:"pending_command_next_expiry,omitempty"`
}

func (a *API) handleDevicePolicy(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	device, ok := middleware.DeviceFromContext(r.Context())
	if !ok {
		writeError(w, r, apperr.New(apperr.KindAuth, "device not resolved"))
		return
	}

	etag, err := a.Commands.ETag(r.Context(), device.DeviceID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if match := r.Header.Get("If-None-Match"); match != "" && match == etag {
		w.Header().Set("ETag", etag)
		w.WriteHeader(http.StatusNotModified)
		return
	}

	policy, err := contracts.LoadEdgePolicy(a.ArtifactRoot, a.PolicyVersion)
	if err != nil {
		writeError(w, r, apperr.Wrap(apperr.KindTransient, "load edge policy", err))
		return
	}

	resp := devicePolicyResponse{PolicyVersion: policy.Version, Reporting: policy.Reporting}

	pending, err := a.Commands.Poll(r.Context(), device.DeviceID)
	if err == nil {
		resp.PendingCommand = &pending.Payload
		resp.PendingCommandID = pending.ID
	} else if err != store.ErrNotFound {
		writeError(w, r, err)
		return
	}

	count, nextExpiry, err := a.Commands.Summary(r.Context(), device.DeviceID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	resp.PendingCommandCount = count
	resp.PendingCommandNextExp = nextExpiry

	w.Header().Set("ETag", etag)
	writeJSON(w, http.StatusOK, resp)
}

// --- POST /api/v1/device-commands/{id}/ack ------------------------------

func (a *API) handleAckCommand(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	device, ok := middleware.DeviceFromContext(r.Context())
	if !ok {
		writeError(w, r, apperr.New(apperr.KindAuth, "device not resolved"))
		return
	}

	commandID, ok := pathSegment(r.URL.Path, "/api/v1/device-commands/", "/ack")
	if !ok {
		http.NotFound(w, r)
		return
	}

	cmd, err := a.Commands.Ack(r.Context(), device.DeviceID, commandID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cmd)
}

// --- POST /api/v1/internal/pubsub/push -----------------------------------

func (a *API) handlePubsubPush(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if a.PubsubToken != "" && r.Header.Get("X-Pubsub-Token") != a.PubsubToken {
		writeError(w, r, apperr.New(apperr.KindAuth, "invalid pubsub push token"))
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, a.MaxBodyBytes))
	if err != nil {
		writeError(w, r, apperr.Wrap(apperr.KindValidation, "read push body", err))
		return
	}

	payload, err := ingest.DecodeEventPayload(body)
	if err != nil {
		writeError(w, r, apperr.Wrap(apperr.KindValidation, "decode push envelope", err))
		return
	}

	result, err := a.PushWorker.HandleBatchPayload(r.Context(), payload, a.ContractVersion)
	if err != nil {
		writeError(w, r, apperr.Wrap(apperr.KindTransient, "pubsub push ingest", err))
		return
	}

	writeJSON(w, http.StatusOK, ingestResponse{
		BatchID:     result.BatchID,
		Submitted:   result.Submitted,
		Accepted:    result.Accepted,
		Duplicates:  result.Duplicates,
		Quarantined: result.Quarantined,
		Rejected:    result.Rejected,
	})
}

// --- /api/v1/admin/devices[, /{id}] ---------------------------------------

type createDeviceRequest struct {
	DeviceID           string `json:"device_id"`
	DisplayName        string `json:"display_name"`
	RawToken           string `json:"token"`
	HeartbeatIntervalS int    `json:"heartbeat_interval_s"`
	OfflineAfterS      int    `json:"offline_after_s"`
	QuietHoursTZ       string `json:"quiet_hours_tz"`
}

func (a *API) handleAdminDevicesCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.createDevice(w, r)
	case http.MethodGet:
		a.listDevices(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (a *API) createDevice(w http.ResponseWriter, r *http.Request) {
	var req createDeviceRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, a.MaxBodyBytes)).Decode(&req); err != nil {
		writeError(w, r, apperr.Wrap(apperr.KindValidation, "malformed device body", err))
		return
	}
	if req.DeviceID == "" || req.RawToken == "" {
		writeError(w, r, apperr.New(apperr.KindValidation, "device_id and token are required"))
		return
	}

	hash, fingerprint := auth.NewDeviceCredential(req.RawToken)

	heartbeat := req.HeartbeatIntervalS
	if heartbeat <= 0 {
		heartbeat = 60
	}
	offlineAfter := req.OfflineAfterS
	if offlineAfter <= 0 {
		offlineAfter = heartbeat * 3
	}

	quietHoursTZ := req.QuietHoursTZ
	if quietHoursTZ == "" {
		quietHoursTZ = "UTC"
	} else if _, err := time.LoadLocation(quietHoursTZ); err != nil {
		writeError(w, r, apperr.New(apperr.KindValidation, fmt.Sprintf("unknown quiet_hours_tz %q", quietHoursTZ)))
		return
	}

	d, err := a.Store.Devices.Create(r.Context(), store.Device{
		DeviceID:           req.DeviceID,
		DisplayName:        req.DisplayName,
		TokenHash:          hash,
		TokenFingerprint:   fingerprint,
		HeartbeatIntervalS: heartbeat,
		OfflineAfterS:      offlineAfter,
		Enabled:            true,
		OperationMode:      store.OperationActive,
		QuietHoursTZ:       quietHoursTZ,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, d)
}

func (a *API) listDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := a.Store.Devices.List(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, devices)
}

type updateDeviceRequest struct {
	DisplayName  *string `json:"display_name"`
	Enabled      *bool   `json:"enabled"`
	QuietHoursTZ *string `json:"quiet_hours_tz"`
}

func (a *API) handleAdminDeviceItem(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/admin/devices/")
	if rest == "" {
		http.NotFound(w, r)
		return
	}

	if deviceID, ok := pathSegment(rest, "", "/controls/shutdown"); ok {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		a.requestShutdown(w, r, deviceID)
		return
	}

	if r.Method != http.MethodPatch {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	deviceID := rest

	var req updateDeviceRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, a.MaxBodyBytes)).Decode(&req); err != nil {
		writeError(w, r, apperr.Wrap(apperr.KindValidation, "malformed device update body", err))
		return
	}
	if req.QuietHoursTZ != nil {
		if _, err := time.LoadLocation(*req.QuietHoursTZ); err != nil {
			writeError(w, r, apperr.New(apperr.KindValidation, fmt.Sprintf("unknown quiet_hours_tz %q", *req.QuietHoursTZ)))
			return
		}
	}

	updated, err := a.Store.Devices.Update(r.Context(), deviceID, func(d *store.Device) error {
		if req.DisplayName != nil {
			d.DisplayName = *req.DisplayName
		}
		if req.Enabled != nil {
			d.Enabled = *req.Enabled
		}
		if req.QuietHoursTZ != nil {
			d.QuietHoursTZ = *req.QuietHoursTZ
		}
		return nil
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// --- /api/v1/devices/{id}/controls/{operation|alerts} ---------------------
// --- /api/v1/admin/devices/{id}/controls/shutdown (routed separately above via RoleAuth chain reuse)

type operationControlRequest struct {
	OperationMode      store.OperationMode `json:"operation_mode"`
	SleepPollIntervalS int                 `json:"sleep_poll_interval_s"`
}

type alertsControlRequest struct {
	MuteMinutes int     `json:"mute_minutes"`
	Reason      *string `json:"reason"`
}

type shutdownControlRequest struct {
	GraceSeconds int     `json:"grace_seconds"`
	Reason       *string `json:"reason"`
}

func (a *API) handleDeviceControls(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPatch {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/devices/")
	parts := strings.Split(rest, "/")
	if len(parts) != 3 || parts[1] != "controls" {
		http.NotFound(w, r)
		return
	}
	deviceID, action := parts[0], parts[2]

	switch action {
	case "operation":
		a.setOperationMode(w, r, deviceID)
	case "alerts":
		a.setAlertsMute(w, r, deviceID)
	default:
		http.NotFound(w, r)
	}
}

func (a *API) setOperationMode(w http.ResponseWriter, r *http.Request, deviceID string) {
	var req operationControlRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, a.MaxBodyBytes)).Decode(&req); err != nil {
		writeError(w, r, apperr.Wrap(apperr.KindValidation, "malformed operation control body", err))
		return
	}
	switch req.OperationMode {
	case store.OperationActive, store.OperationSleep, store.OperationDisabled:
	default:
		writeError(w, r, apperr.New(apperr.KindValidation, fmt.Sprintf("unknown operation_mode %q", req.OperationMode)))
		return
	}

	cmd, err := a.Commands.Enqueue(r.Context(), deviceID, store.CommandPayload{
		OperationMode:      req.OperationMode,
		SleepPollIntervalS: req.SleepPollIntervalS,
	}, 0)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, cmd)
}

func (a *API) setAlertsMute(w http.ResponseWriter, r *http.Request, deviceID string) {
	var req alertsControlRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, a.MaxBodyBytes)).Decode(&req); err != nil {
		writeError(w, r, apperr.Wrap(apperr.KindValidation, "malformed alerts control body", err))
		return
	}
	if req.MuteMinutes <= 0 {
		writeError(w, r, apperr.New(apperr.KindValidation, "mute_minutes must be > 0"))
		return
	}
	until := time.Now().UTC().Add(time.Duration(req.MuteMinutes) * time.Minute)

	device, err := a.Store.Devices.Update(r.Context(), deviceID, func(d *store.Device) error {
		d.AlertsMutedUntil = &until
		d.AlertsMutedReason = req.Reason
		return nil
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	cmd, err := a.Commands.Enqueue(r.Context(), deviceID, store.CommandPayload{
		OperationMode:      device.OperationMode,
		SleepPollIntervalS: device.SleepPollIntervalS,
		AlertsMutedUntil:   &until,
		AlertsMutedReason:  req.Reason,
	}, 0)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, cmd)
}

func (a *API) requestShutdown(w http.ResponseWriter, r *http.Request, deviceID string) {
	var req shutdownControlRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, a.MaxBodyBytes)).Decode(&req); err != nil {
		writeError(w, r, apperr.Wrap(apperr.KindValidation, "malformed shutdown control body", err))
		return
	}
	grace := req.GraceSeconds
	if grace <= 0 {
		grace = 60
	}

	cmd, err := a.Commands.Enqueue(r.Context(), deviceID, store.CommandPayload{
		OperationMode:     store.OperationActive,
		ShutdownRequested: true,
		ShutdownGraceS:    grace,
		ShutdownReason:    req.Reason,
	}, 0)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, cmd)
}

// --- GET /api/v1/alerts ----------------------------------------------------

func (a *API) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	deviceID := r.URL.Query().Get("device_id")
	openOnly := r.URL.Query().Get("open_only") == "true"
	limit := parseLimit(r.URL.Query().Get("limit"), 100, 1000)

	if deviceID == "" {
		writeError(w, r, apperr.New(apperr.KindValidation, "device_id query parameter is required"))
		return
	}

	alertsList, err := a.Store.Alerts.List(r.Context(), deviceID, openOnly, limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, alertsList)
}

// pathSegment extracts the id between prefix and suffix in an URL path
// of the form {prefix}{id}{suffix}, e.g. "/x/" + id + "/ack".
func pathSegment(path, prefix, suffix string) (string, bool) {
	if !strings.HasPrefix(path, prefix) || !strings.HasSuffix(path, suffix) {
		return "", false
	}
	id := strings.TrimSuffix(strings.TrimPrefix(path, prefix), suffix)
	if id == "" {
		return "", false
	}
	return id, true
}
