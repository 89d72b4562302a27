// Package api implements spec §6's HTTP surface: device-facing ingest and
// policy endpoints, the internal pub/sub push webhook, and the
// admin/operator/viewer management endpoints. Grounded on
// control_plane/api.go's handler-method-on-a-shared-struct shape in the
// teacher repo, generalized from FluxForge's job/state domain to
// EdgeWatch's device/telemetry/alert domain.
package api

import (
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/ryne2010/edgewatch/internal/alerts"
	"github.com/ryne2010/edgewatch/internal/auth"
	"github.com/ryne2010/edgewatch/internal/commands"
	"github.com/ryne2010/edgewatch/internal/contracts"
	"github.com/ryne2010/edgewatch/internal/idempotency"
	"github.com/ryne2010/edgewatch/internal/ingest"
	"github.com/ryne2010/edgewatch/internal/middleware"
	"github.com/ryne2010/edgewatch/internal/realtime"
	"github.com/ryne2010/edgewatch/internal/store"
	"github.com/ryne2010/edgewatch/internal/streaming"
)

// API holds every dependency the handlers need, wired once in cmd/edgewatchd.
type API struct {
	Store        store.Store
	Ingest       *ingest.Service
	PushWorker   *ingest.PushWorker
	Commands     *commands.Service
	Alerts       *alerts.Evaluator
	ArtifactRoot string

	ContractVersion string
	PolicyVersion   string

	Limiter      *middleware.DeviceLimiter
	MaxBodyBytes int64
	PubsubToken  string

	// Publisher, PubsubMode, and PubsubTopic implement spec §4.2.d's
	// pubsub ingest pipeline mode: when PubsubMode is set, handleIngest
	// enqueues the batch onto Publisher/PubsubTopic instead of calling
	// Ingest.IngestBatch synchronously, and a pull-subscriber elsewhere
	// (wired in cmd/edgewatchd) drains the topic through PushWorker.
	Publisher   streaming.Publisher
	PubsubMode  bool
	PubsubTopic string

	// Hub pushes alert transitions to live WebSocket viewers. Nil
	// disables GET /api/v1/alerts/stream (returns 503).
	Hub *realtime.Hub
}

// thresholds loads the current edge policy's alert thresholds, cached by
// contracts.LoadEdgePolicy the same way the telemetry contract is.
func (a *API) thresholds() (contracts.AlertThresholds, error) {
	policy, err := contracts.LoadEdgePolicy(a.ArtifactRoot, a.PolicyVersion)
	if err != nil {
		return contracts.AlertThresholds{}, err
	}
	return policy.AlertThresholds, nil
}

// Routes builds the full mux, wiring CORS/RequestID globally and
// DeviceAuth/RoleAuth/idempotency per endpoint group, mirroring
// control_plane/main.go's route table.
func (a *API) Routes(idemStore *idempotency.Store) http.Handler {
	mux := http.NewServeMux()

	deviceAuth := middleware.DeviceAuth(a.Store.Devices)
	adminAuth := middleware.RoleAuth(auth.RoleAdmin)
	operatorAuth := middleware.RoleAuth(auth.RoleAdmin, auth.RoleOperator)
	viewerAuth := middleware.RoleAuth(auth.RoleAdmin, auth.RoleOperator, auth.RoleViewer)
	idem := idempotency.Middleware(idemStore)

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	mux.Handle("/api/v1/ingest", deviceAuth(http.HandlerFunc(a.handleIngest)))
	mux.Handle("/api/v1/device-policy", deviceAuth(http.HandlerFunc(a.handleDevicePolicy)))
	mux.Handle("/api/v1/device-commands/", deviceAuth(http.HandlerFunc(a.handleAckCommand)))

	mux.Handle("/api/v1/internal/pubsub/push", http.HandlerFunc(a.handlePubsubPush))

	mux.Handle("/api/v1/admin/devices", adminAuth(idem(http.HandlerFunc(a.handleAdminDevicesCollection))))
	mux.Handle("/api/v1/admin/devices/", adminAuth(idem(http.HandlerFunc(a.handleAdminDeviceItem))))

	mux.Handle("/api/v1/devices/", operatorAuth(idem(http.HandlerFunc(a.handleDeviceControls))))

	mux.Handle("/api/v1/alerts", viewerAuth(http.HandlerFunc(a.handleListAlerts)))
	mux.Handle("/api/v1/alerts/stream", viewerAuth(http.HandlerFunc(a.handleAlertsStream)))

	handler := middleware.RequestID(middleware.CORS(mux))
	return handler
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func parseLimit(raw string, def, max int) int {
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}

func defaultRetryAfter() time.Duration { return 30 * time.Second }
