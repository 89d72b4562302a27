package store

import "time"

// OperationMode is Device.operation_mode per spec §3.
type OperationMode string

const (
	OperationActive   OperationMode = "active"
	OperationSleep    OperationMode = "sleep"
	OperationDisabled OperationMode = "disabled"
)

// Device is the fleet-managed field node (spec §3 "Device").
type Device struct {
	DeviceID           string
	DisplayName        string
	TokenHash          []byte // KDF hash of the raw bearer token
	TokenFingerprint   string // truncated, indexed fingerprint for lookup
	HeartbeatIntervalS int
	OfflineAfterS      int
	Enabled            bool
	OperationMode      OperationMode
	SleepPollIntervalS int
	AlertsMutedUntil   *time.Time
	AlertsMutedReason  *string
	// QuietHoursTZ is the IANA zone (e.g. "America/Chicago") the
	// notification router evaluates this device's quiet-hours window in.
	// Empty is treated as "UTC".
	QuietHoursTZ string
	LastSeenAt   *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// MetricValue is a tagged scalar: number | string | boolean | null.
// Exactly one of the typed fields is set when Null is false.
type MetricValue struct {
	Null   bool
	Number *float64
	Str    *string
	Bool   *bool
}

func NumberValue(v float64) MetricValue { return MetricValue{Number: &v} }
func StringValue(v string) MetricValue  { return MetricValue{Str: &v} }
func BoolValue(v bool) MetricValue      { return MetricValue{Bool: &v} }
func NullValue() MetricValue            { return MetricValue{Null: true} }

// Kind reports the declared-type name this value matches, or "" for null.
func (v MetricValue) Kind() string {
	switch {
	case v.Null:
		return ""
	case v.Number != nil:
		return "number"
	case v.Str != nil:
		return "string"
	case v.Bool != nil:
		return "boolean"
	default:
		return ""
	}
}

// NumberValue returns the numeric payload, or 0 if this value isn't a number.
func (v MetricValue) NumberValue() float64 {
	if v.Number == nil {
		return 0
	}
	return *v.Number
}

// StringValue returns the string payload, or "" if this value isn't a string.
func (v MetricValue) StringValue() string {
	if v.Str == nil {
		return ""
	}
	return *v.Str
}

// BoolValue returns the boolean payload, or false if this value isn't a bool.
func (v MetricValue) BoolValue() bool {
	if v.Bool == nil {
		return false
	}
	return *v.Bool
}

// TelemetryPoint is a single validated, persisted sample (spec §3).
type TelemetryPoint struct {
	DeviceID  string
	MessageID string
	Ts        time.Time
	Metrics   map[string]MetricValue
	BatchID   string
	CreatedAt time.Time
}

// IngestSource is IngestionBatch.source.
type IngestSource string

const (
	SourceDevice   IngestSource = "device"
	SourceReplay   IngestSource = "replay"
	SourcePubsub   IngestSource = "pubsub"
	SourceBackfill IngestSource = "backfill"
)

// PipelineMode is IngestionBatch.pipeline_mode.
type PipelineMode string

const (
	PipelineDirect     PipelineMode = "direct"
	PipelinePubsub     PipelineMode = "pubsub"
	PipelineSimulation PipelineMode = "simulation"
)

// ProcessingStatus is IngestionBatch.processing_status.
type ProcessingStatus string

const (
	ProcessingPending       ProcessingStatus = "pending"
	ProcessingQueued        ProcessingStatus = "queued"
	ProcessingCompleted     ProcessingStatus = "completed"
	ProcessingRejected      ProcessingStatus = "rejected"
	ProcessingPublishFailed ProcessingStatus = "publish_failed"
)

// DriftSummary records unknown/mismatched metric keys observed in a batch.
type DriftSummary struct {
	UnknownKeys       []string `json:"unknown_keys"`
	UnknownKeyCount   int      `json:"unknown_key_count"`
	UnknownKeysMode   string   `json:"unknown_keys_mode"`
	TypeMismatchKeys  []string `json:"type_mismatch_keys"`
	TypeMismatchCount int      `json:"type_mismatch_count"`
	TypeMismatchMode  string   `json:"type_mismatch_mode"`
	PointsQuarantined int      `json:"points_quarantined"`
}

// IngestionBatch is the lineage/audit row for one ingest request (spec §3).
type IngestionBatch struct {
	BatchID          string
	DeviceID         string
	ContractVersion  string
	ContractSHA256   string
	ReceivedAt       time.Time
	Submitted        int
	Accepted         int
	Duplicates       int
	Quarantined      int
	ClientTsMin      *time.Time
	ClientTsMax      *time.Time
	Drift            DriftSummary
	Source           IngestSource
	PipelineMode     PipelineMode
	ProcessingStatus ProcessingStatus
}

// QuarantinedPoint is a point rejected by type but whose batch is otherwise
// accepted (spec §3 "QuarantinedPoint").
type QuarantinedPoint struct {
	ID        string
	BatchID   string
	DeviceID  string
	MessageID string
	Ts        time.Time
	Metrics   map[string]MetricValue
	Errors    []string
	CreatedAt time.Time
}

// Severity is Alert.severity.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert is one open-or-resolved alert record (spec §3 "Alert").
type Alert struct {
	ID         string
	DeviceID   string
	AlertType  string
	Severity   Severity
	Message    string
	CreatedAt  time.Time
	ResolvedAt *time.Time
}

// IsOpen reports whether the alert has not yet been resolved.
func (a Alert) IsOpen() bool { return a.ResolvedAt == nil }

// RoutingOutcome is NotificationEvent.routing decision (spec §4.3.1).
type RoutingOutcome string

const (
	RouteDelivered          RoutingOutcome = "delivered"
	RouteSuppressedDisabled RoutingOutcome = "suppressed_disabled"
	RouteSuppressedMuted    RoutingOutcome = "suppressed_muted"
	RouteSuppressedQuiet    RoutingOutcome = "suppressed_quiet_hours"
	RouteSuppressedDedupe   RoutingOutcome = "suppressed_dedupe"
	RouteSuppressedThrottle RoutingOutcome = "suppressed_throttle"
	RouteDeliveryFailed     RoutingOutcome = "delivery_failed"
)

// NotificationEvent is a write-once audit row for one routing decision
// against one destination (spec §3 "NotificationEvent").
type NotificationEvent struct {
	ID                     string
	AlertID                string
	DeviceID               string
	AlertType              string
	Channel                string
	Outcome                RoutingOutcome
	Reason                 string
	DestinationFingerprint string
	ErrorClass             string
	CreatedAt              time.Time
}

// CommandStatus is DeviceControlCommand.status (spec §3).
type CommandStatus string

const (
	CommandPending      CommandStatus = "pending"
	CommandAcknowledged CommandStatus = "acknowledged"
	CommandSuperseded   CommandStatus = "superseded"
	CommandExpired      CommandStatus = "expired"
)

// CommandPayload is the JSON body applied by the device (spec §3/§4.4).
type CommandPayload struct {
	OperationMode      OperationMode `json:"operation_mode"`
	SleepPollIntervalS int           `json:"sleep_poll_interval_s"`
	ShutdownRequested  bool          `json:"shutdown_requested"`
	ShutdownGraceS     int           `json:"shutdown_grace_s"`
	AlertsMutedUntil   *time.Time    `json:"alerts_muted_until,omitempty"`
	AlertsMutedReason  *string       `json:"alerts_muted_reason,omitempty"`
	ShutdownReason     *string       `json:"shutdown_reason,omitempty"`
}

// DeviceControlCommand is a single durable command targeting a device
// (spec §3 "DeviceControlCommand").
type DeviceControlCommand struct {
	ID             string
	DeviceID       string
	Payload        CommandPayload
	Status         CommandStatus
	IssuedAt       time.Time
	ExpiresAt      time.Time
	AcknowledgedAt *time.Time
	SupersededAt   *time.Time
}

// NotificationDestination is one configured fan-out target (generic,
// slack, discord, telegram) — grounded on original_source/.../notifications.py.
type NotificationDestination struct {
	ID      string
	Kind    string // generic | slack | discord | telegram
	URL     string
	Enabled bool
}
