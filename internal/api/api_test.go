package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ryne2010/edgewatch/internal/alerts"
	"github.com/ryne2010/edgewatch/internal/auth"
	"github.com/ryne2010/edgewatch/internal/commands"
	"github.com/ryne2010/edgewatch/internal/idempotency"
	"github.com/ryne2010/edgewatch/internal/ingest"
	"github.com/ryne2010/edgewatch/internal/middleware"
	"github.com/ryne2010/edgewatch/internal/store"
)

// artifactRoot points at the repo's real contracts/ fixtures (this test
// runs with its package directory as the working directory).
const artifactRoot = "../.."

func newTestAPI(t *testing.T) (*API, *store.MemoryStore, http.Handler) {
	t.Helper()
	ms := store.NewMemoryStore()
	s := ms.AsStore()
	evaluator := alerts.NewEvaluator(s.Alerts, s.Devices, nil, 85.0, 3)
	ingestSvc := ingest.NewService(s, evaluator, artifactRoot)

	a := &API{
		Store:           s,
		Ingest:          ingestSvc,
		Commands:        commands.NewService(s.Commands, 5*time.Minute),
		Alerts:          evaluator,
		ArtifactRoot:    artifactRoot,
		ContractVersion: "v1",
		PolicyVersion:   "v1",
		Limiter:         middleware.NewDeviceLimiter(10_000),
		MaxBodyBytes:    1 << 20,
	}
	idemStore := idempotency.NewStore(nil)
	return a, ms, a.Routes(idemStore)
}

func registerDevice(t *testing.T, ms *store.MemoryStore, deviceID, rawToken string) {
	t.Helper()
	hash, fingerprint := auth.NewDeviceCredential(rawToken)
	_, err := ms.AsStore().Devices.Create(nil, store.Device{
		DeviceID:           deviceID,
		TokenHash:          hash,
		TokenFingerprint:   fingerprint,
		HeartbeatIntervalS: 60,
		OfflineAfterS:      180,
		Enabled:            true,
		OperationMode:      store.OperationActive,
	})
	if err != nil {
		t.Fatalf("register device: %v", err)
	}
}

func adminToken(t *testing.T) string {
	t.Helper()
	tok, err := auth.GenerateToken(auth.RoleAdmin)
	if err != nil {
		t.Fatalf("generate admin token: %v", err)
	}
	return tok
}

func viewerToken(t *testing.T) string {
	t.Helper()
	tok, err := auth.GenerateToken(auth.RoleViewer)
	if err != nil {
		t.Fatalf("generate viewer token: %v", err)
	}
	return tok
}

func TestHandleIngestAcceptsValidBatch(t *testing.T) {
	_, ms, handler := newTestAPI(t)
	registerDevice(t, ms, "dev-1", "raw-token-1")

	body := `{"source":"device","points":[{"message_id":"m1","ts":"2026-01-01T00:00:00Z","metrics":{"water_pressure_psi":30}}]}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/ingest", bytes.NewBufferString(body))
	req.Header.Set("Authorization", "Bearer raw-token-1")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp ingestResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Accepted != 1 || resp.Submitted != 1 {
		t.Fatalf("expected one accepted point, got %+v", resp)
	}
}

func TestHandleIngestRejectsUnauthenticatedDevice(t *testing.T) {
	_, _, handler := newTestAPI(t)
	body := `{"source":"device","points":[]}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/ingest", bytes.NewBufferString(body))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without a bearer token, got %d", rec.Code)
	}
}

func TestHandleIngestRejectsDisabledDevice(t *testing.T) {
	_, ms, handler := newTestAPI(t)
	registerDevice(t, ms, "dev-1", "raw-token-1")
	if _, err := ms.AsStore().Devices.Update(nil, "dev-1", func(d *store.Device) error {
		d.Enabled = false
		return nil
	}); err != nil {
		t.Fatalf("disable device: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/ingest", bytes.NewBufferString(`{"points":[]}`))
	req.Header.Set("Authorization", "Bearer raw-token-1")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for a disabled device, got %d", rec.Code)
	}
}

func TestAdminDeviceLifecycle(t *testing.T) {
	_, _, handler := newTestAPI(t)
	token := adminToken(t)

	createBody := `{"device_id":"dev-2","token":"raw-token-2","display_name":"Pad 2"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/admin/devices", bytes.NewBufferString(createBody))
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201 creating device, got %d: %s", rec.Code, rec.Body.String())
	}

	listReq := httptest.NewRequest(http.MethodGet, "/api/v1/admin/devices", nil)
	listReq.Header.Set("Authorization", "Bearer "+token)
	listRec := httptest.NewRecorder()
	handler.ServeHTTP(listRec, listReq)
	if listRec.Code != http.StatusOK {
		t.Fatalf("expected 200 listing devices, got %d", listRec.Code)
	}
	var devices []store.Device
	if err := json.Unmarshal(listRec.Body.Bytes(), &devices); err != nil {
		t.Fatalf("decode device list: %v", err)
	}
	if len(devices) != 1 || devices[0].DeviceID != "dev-2" {
		t.Fatalf("expected the newly created device listed, got %+v", devices)
	}
}

func TestAdminRouteRejectsViewerRole(t *testing.T) {
	_, _, handler := newTestAPI(t)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/admin/devices", nil)
	req.Header.Set("Authorization", "Bearer "+viewerToken(t))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for a viewer hitting an admin-only route, got %d", rec.Code)
	}
}

func TestDevicePolicyETagNotModified(t *testing.T) {
	_, ms, handler := newTestAPI(t)
	registerDevice(t, ms, "dev-1", "raw-token-1")

	req := httptest.NewRequest(http.MethodGet, "/api/v1/device-policy", nil)
	req.Header.Set("Authorization", "Bearer raw-token-1")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 on first poll, got %d: %s", rec.Code, rec.Body.String())
	}
	etag := rec.Header().Get("ETag")
	if etag == "" {
		t.Fatalf("expected an ETag header on the first response")
	}

	req2 := httptest.NewRequest(http.MethodGet, "/api/v1/device-policy", nil)
	req2.Header.Set("Authorization", "Bearer raw-token-1")
	req2.Header.Set("If-None-Match", etag)
	rec2 := httptest.NewRecorder()
	handler.ServeHTTP(rec2, req2)
	if rec2.Code != http.StatusNotModified {
		t.Fatalf("expected 304 when If-None-Match matches, got %d", rec2.Code)
	}
}

func TestDeviceControlsEnqueuesCommandAndPolicyPicksItUp(t *testing.T) {
	_, ms, handler := newTestAPI(t)
	registerDevice(t, ms, "dev-1", "raw-token-1")
	token := adminToken(t)

	ctrlBody := `{"operation_mode":"sleep","sleep_poll_interval_s":120}`
	ctrlReq := httptest.NewRequest(http.MethodPatch, "/api/v1/devices/dev-1/controls/operation", bytes.NewBufferString(ctrlBody))
	ctrlReq.Header.Set("Authorization", "Bearer "+token)
	ctrlRec := httptest.NewRecorder()
	handler.ServeHTTP(ctrlRec, ctrlReq)
	if ctrlRec.Code != http.StatusAccepted {
		t.Fatalf("expected 202 enqueueing an operation command, got %d: %s", ctrlRec.Code, ctrlRec.Body.String())
	}

	policyReq := httptest.NewRequest(http.MethodGet, "/api/v1/device-policy", nil)
	policyReq.Header.Set("Authorization", "Bearer raw-token-1")
	policyRec := httptest.NewRecorder()
	handler.ServeHTTP(policyRec, policyReq)

	var resp devicePolicyResponse
	if err := json.Unmarshal(policyRec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode device-policy response: %v", err)
	}
	if resp.PendingCommand == nil || resp.PendingCommand.OperationMode != store.OperationSleep {
		t.Fatalf("expected the enqueued sleep command to surface as pending, got %+v", resp)
	}
}

func TestHandleListAlertsRequiresDeviceID(t *testing.T) {
	_, _, handler := newTestAPI(t)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/alerts", nil)
	req.Header.Set("Authorization", "Bearer "+viewerToken(t))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without device_id, got %d: %s", rec.Code, rec.Body.String())
	}
}
