package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore backs Store with a jackc/pgx/v5 connection pool, following
// control_plane/store/postgres.go's construction and error-translation
// style in the teacher repo.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresPool opens a pgxpool.Pool against databaseURL, the same
// entry point shape as the teacher's postgres.go constructor.
func NewPostgresPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	cfg.MaxConns = 20
	cfg.MinConns = 2
	cfg.MaxConnLifetime = time.Hour
	cfg.MaxConnIdleTime = 15 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// AsStore wires every sub-interface onto this Postgres backend.
func (p *PostgresStore) AsStore() Store {
	return Store{
		Devices:       (*pgDeviceStore)(p),
		Telemetry:     (*pgTelemetryStore)(p),
		Batches:       (*pgBatchStore)(p),
		Quarantine:    (*pgQuarantineStore)(p),
		Alerts:        (*pgAlertStore)(p),
		Notifications: (*pgNotificationStore)(p),
		Commands:      (*pgCommandStore)(p),
	}
}

func translateErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// --- metrics JSON codec ---

func encodeMetrics(m map[string]MetricValue) ([]byte, error) {
	raw := make(map[string]any, len(m))
	for k, v := range m {
		switch {
		case v.Null:
			raw[k] = nil
		case v.Number != nil:
			raw[k] = *v.Number
		case v.Str != nil:
			raw[k] = *v.Str
		case v.Bool != nil:
			raw[k] = *v.Bool
		}
	}
	return json.Marshal(raw)
}

func decodeMetrics(data []byte) (map[string]MetricValue, error) {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	out := make(map[string]MetricValue, len(raw))
	for k, v := range raw {
		switch t := v.(type) {
		case nil:
			out[k] = NullValue()
		case float64:
			out[k] = NumberValue(t)
		case string:
			out[k] = StringValue(t)
		case bool:
			out[k] = BoolValue(t)
		}
	}
	return out, nil
}

// --- devices ---

type pgDeviceStore PostgresStore

func (s *pgDeviceStore) Create(ctx context.Context, d Device) (Device, error) {
	if d.QuietHoursTZ == "" {
		d.QuietHoursTZ = "UTC"
	}
	const q = `
		INSERT INTO devices (
			device_id, display_name, token_hash, token_fingerprint,
			heartbeat_interval_s, offline_after_s, enabled, operation_mode,
			sleep_poll_interval_s, quiet_hours_tz, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,now(),now())
		RETURNING created_at, updated_at`
	row := s.pool.QueryRow(ctx, q, d.DeviceID, d.DisplayName, d.TokenHash, d.TokenFingerprint,
		d.HeartbeatIntervalS, d.OfflineAfterS, d.Enabled, d.OperationMode, d.SleepPollIntervalS, d.QuietHoursTZ)
	if err := row.Scan(&d.CreatedAt, &d.UpdatedAt); err != nil {
		return Device{}, fmt.Errorf("insert device: %w", translateErr(err))
	}
	return d, nil
}

func (s *pgDeviceStore) scanDevice(row pgx.Row) (Device, error) {
	var d Device
	err := row.Scan(&d.DeviceID, &d.DisplayName, &d.TokenHash, &d.TokenFingerprint,
		&d.HeartbeatIntervalS, &d.OfflineAfterS, &d.Enabled, &d.OperationMode,
		&d.SleepPollIntervalS, &d.AlertsMutedUntil, &d.AlertsMutedReason, &d.QuietHoursTZ,
		&d.LastSeenAt, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return Device{}, translateErr(err)
	}
	return d, nil
}

const deviceColumns = `device_id, display_name, token_hash, token_fingerprint,
	heartbeat_interval_s, offline_after_s, enabled, operation_mode,
	sleep_poll_interval_s, alerts_muted_until, alerts_muted_reason, quiet_hours_tz,
	last_seen_at, created_at, updated_at`

func (s *pgDeviceStore) Get(ctx context.Context, deviceID string) (Device, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+deviceColumns+` FROM devices WHERE device_id=$1`, deviceID)
	return s.scanDevice(row)
}

func (s *pgDeviceStore) GetByFingerprint(ctx context.Context, fingerprint string) (Device, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+deviceColumns+` FROM devices WHERE token_fingerprint=$1`, fingerprint)
	return s.scanDevice(row)
}

func (s *pgDeviceStore) Update(ctx context.Context, deviceID string, fn func(*Device) error) (Device, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Device{}, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `SELECT `+deviceColumns+` FROM devices WHERE device_id=$1 FOR UPDATE`, deviceID)
	d, err := s.scanDevice(row)
	if err != nil {
		return Device{}, err
	}
	if err := fn(&d); err != nil {
		return Device{}, err
	}

	const upd = `
		UPDATE devices SET
			display_name=$2, token_hash=$3, token_fingerprint=$4,
			heartbeat_interval_s=$5, offline_after_s=$6, enabled=$7,
			operation_mode=$8, sleep_poll_interval_s=$9,
			alerts_muted_until=$10, alerts_muted_reason=$11, quiet_hours_tz=$12,
			last_seen_at=$13, updated_at=now()
		WHERE device_id=$1
		RETURNING updated_at`
	row2 := tx.QueryRow(ctx, upd, d.DeviceID, d.DisplayName, d.TokenHash, d.TokenFingerprint,
		d.HeartbeatIntervalS, d.OfflineAfterS, d.Enabled, d.OperationMode, d.SleepPollIntervalS,
		d.AlertsMutedUntil, d.AlertsMutedReason, d.QuietHoursTZ, d.LastSeenAt)
	if err := row2.Scan(&d.UpdatedAt); err != nil {
		return Device{}, fmt.Errorf("update device: %w", translateErr(err))
	}
	if err := tx.Commit(ctx); err != nil {
		return Device{}, fmt.Errorf("commit: %w", err)
	}
	return d, nil
}

func (s *pgDeviceStore) List(ctx context.Context) ([]Device, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+deviceColumns+` FROM devices ORDER BY device_id`)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	defer rows.Close()
	var out []Device
	for rows.Next() {
		d, err := s.scanDevice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *pgDeviceStore) TouchLastSeen(ctx context.Context, deviceID string, ts time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE devices SET last_seen_at = GREATEST(COALESCE(last_seen_at, $2), $2)
		WHERE device_id=$1`, deviceID, ts)
	return err
}

// --- telemetry ---

type pgTelemetryStore PostgresStore

func (s *pgTelemetryStore) InsertAccepted(ctx context.Context, points []TelemetryPoint) error {
	if len(points) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, p := range points {
		metricsJSON, err := encodeMetrics(p.Metrics)
		if err != nil {
			return fmt.Errorf("encode metrics for %s: %w", p.MessageID, err)
		}
		batch.Queue(`
			INSERT INTO telemetry_points (device_id, message_id, ts, metrics, batch_id, created_at)
			VALUES ($1,$2,$3,$4,$5,now())
			ON CONFLICT (device_id, message_id) DO NOTHING`,
			p.DeviceID, p.MessageID, p.Ts, metricsJSON, p.BatchID)
	}
	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()
	for range points {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("insert telemetry point: %w", err)
		}
	}
	return nil
}

func (s *pgTelemetryStore) ClaimMessageIDs(ctx context.Context, deviceID string, messageIDs []string) (map[string]bool, error) {
	claimed := make(map[string]bool, len(messageIDs))
	if len(messageIDs) == 0 {
		return claimed, nil
	}
	rows, err := s.pool.Query(ctx, `
		INSERT INTO ingest_dedupe (device_id, message_id, claimed_at)
		SELECT $1, unnest($2::text[]), now()
		ON CONFLICT (device_id, message_id) DO NOTHING
		RETURNING message_id`, deviceID, messageIDs)
	if err != nil {
		return nil, fmt.Errorf("claim message ids: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		claimed[id] = true
	}
	return claimed, rows.Err()
}

// --- batches ---

type pgBatchStore PostgresStore

func (s *pgBatchStore) Create(ctx context.Context, b IngestionBatch) error {
	driftJSON, err := json.Marshal(b.Drift)
	if err != nil {
		return fmt.Errorf("encode drift summary: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO ingestion_batches (
			batch_id, device_id, contract_version, contract_sha256, received_at,
			submitted, accepted, duplicates, quarantined,
			client_ts_min, client_ts_max, drift_summary,
			source, pipeline_mode, processing_status
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
		b.BatchID, b.DeviceID, b.ContractVersion, b.ContractSHA256, b.ReceivedAt,
		b.Submitted, b.Accepted, b.Duplicates, b.Quarantined,
		b.ClientTsMin, b.ClientTsMax, driftJSON, b.Source, b.PipelineMode, b.ProcessingStatus)
	if err != nil {
		return fmt.Errorf("insert ingestion batch: %w", err)
	}
	return nil
}

func (s *pgBatchStore) SetProcessingStatus(ctx context.Context, batchID string, status ProcessingStatus) error {
	_, err := s.pool.Exec(ctx, `UPDATE ingestion_batches SET processing_status=$2 WHERE batch_id=$1`, batchID, status)
	return err
}

// --- quarantine ---

type pgQuarantineStore PostgresStore

func (s *pgQuarantineStore) Insert(ctx context.Context, points []QuarantinedPoint) error {
	if len(points) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, p := range points {
		metricsJSON, err := encodeMetrics(p.Metrics)
		if err != nil {
			return fmt.Errorf("encode quarantined metrics: %w", err)
		}
		batch.Queue(`
			INSERT INTO quarantined_points (id, batch_id, device_id, message_id, ts, metrics, errors, created_at)
			VALUES (gen_random_uuid(),$1,$2,$3,$4,$5,$6,now())`,
			p.BatchID, p.DeviceID, p.MessageID, p.Ts, metricsJSON, p.Errors)
	}
	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()
	for range points {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("insert quarantined point: %w", err)
		}
	}
	return nil
}

func (s *pgQuarantineStore) Prune(ctx context.Context, olderThan time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM quarantined_points WHERE created_at < $1`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("prune quarantined points: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// --- alerts ---

type pgAlertStore PostgresStore

func (s *pgAlertStore) scan(row pgx.Row) (Alert, error) {
	var a Alert
	err := row.Scan(&a.ID, &a.DeviceID, &a.AlertType, &a.Severity, &a.Message, &a.CreatedAt, &a.ResolvedAt)
	if err != nil {
		return Alert{}, translateErr(err)
	}
	return a, nil
}

const alertColumns = `id, device_id, alert_type, severity, message, created_at, resolved_at`

func (s *pgAlertStore) GetOpen(ctx context.Context, deviceID, alertType string) (Alert, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+alertColumns+` FROM alerts
		WHERE device_id=$1 AND alert_type=$2 AND resolved_at IS NULL`, deviceID, alertType)
	return s.scan(row)
}

// Open relies on a partial unique index
// (device_id, alert_type) WHERE resolved_at IS NULL (spec §9) to enforce
// at-most-one-open atomically; a conflict means another concurrent
// transaction already opened it, so Open reports opened=false rather
// than erroring (spec §5 "the loser's transaction observes the winner's
// row").
func (s *pgAlertStore) Open(ctx context.Context, a Alert) (Alert, bool, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO alerts (id, device_id, alert_type, severity, message, created_at)
		VALUES (gen_random_uuid(),$1,$2,$3,$4,$5)
		ON CONFLICT (device_id, alert_type) WHERE resolved_at IS NULL DO NOTHING
		RETURNING `+alertColumns,
		a.DeviceID, a.AlertType, a.Severity, a.Message, a.CreatedAt)
	opened, err := s.scan(row)
	if errors.Is(err, ErrNotFound) {
		existing, getErr := s.GetOpen(ctx, a.DeviceID, a.AlertType)
		return existing, false, getErr
	}
	if err != nil {
		return Alert{}, false, err
	}
	return opened, true, nil
}

func (s *pgAlertStore) Resolve(ctx context.Context, deviceID, alertType string, resolution Alert) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE alerts SET resolved_at=$3
		WHERE device_id=$1 AND alert_type=$2 AND resolved_at IS NULL`,
		deviceID, alertType, resolution.CreatedAt)
	if err != nil {
		return fmt.Errorf("resolve alert: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO alerts (id, device_id, alert_type, severity, message, created_at, resolved_at)
		VALUES (gen_random_uuid(),$1,$2,$3,$4,$5,$5)`,
		resolution.DeviceID, resolution.AlertType, resolution.Severity, resolution.Message, resolution.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert resolution record: %w", err)
	}
	return tx.Commit(ctx)
}

func (s *pgAlertStore) ListOpen(ctx context.Context, deviceID string) ([]Alert, error) {
	return s.List(ctx, deviceID, true, 0)
}

func (s *pgAlertStore) List(ctx context.Context, deviceID string, openOnly bool, limit int) ([]Alert, error) {
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	q := `SELECT ` + alertColumns + ` FROM alerts WHERE ($1='' OR device_id=$1)`
	if openOnly {
		q += ` AND resolved_at IS NULL`
	}
	q += ` ORDER BY created_at DESC LIMIT $2`
	rows, err := s.pool.Query(ctx, q, deviceID, limit)
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	defer rows.Close()
	var out []Alert
	for rows.Next() {
		a, err := s.scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// --- notifications ---

type pgNotificationStore PostgresStore

func (s *pgNotificationStore) Insert(ctx context.Context, e NotificationEvent) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO notification_events (
			id, alert_id, device_id, alert_type, channel, outcome, reason,
			destination_fingerprint, error_class, created_at
		) VALUES (gen_random_uuid(),$1,$2,$3,$4,$5,$6,$7,$8,now())`,
		e.AlertID, e.DeviceID, e.AlertType, e.Channel, e.Outcome, e.Reason,
		e.DestinationFingerprint, e.ErrorClass)
	if err != nil {
		return fmt.Errorf("insert notification event: %w", err)
	}
	return nil
}

func (s *pgNotificationStore) CountDelivered(ctx context.Context, deviceID, alertType string, since time.Time) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
		SELECT count(*) FROM notification_events
		WHERE device_id=$1 AND alert_type=$2 AND outcome='delivered' AND created_at >= $3`,
		deviceID, alertType, since).Scan(&n)
	return n, err
}

func (s *pgNotificationStore) CountDeliveredForDevice(ctx context.Context, deviceID string, since time.Time) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
		SELECT count(*) FROM notification_events
		WHERE device_id=$1 AND outcome='delivered' AND created_at >= $2`,
		deviceID, since).Scan(&n)
	return n, err
}

func (s *pgNotificationStore) ListDestinations(ctx context.Context) ([]NotificationDestination, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, kind, url, enabled FROM notification_destinations WHERE enabled`)
	if err != nil {
		return nil, fmt.Errorf("list destinations: %w", err)
	}
	defer rows.Close()
	var out []NotificationDestination
	for rows.Next() {
		var d NotificationDestination
		if err := rows.Scan(&d.ID, &d.Kind, &d.URL, &d.Enabled); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *pgNotificationStore) Prune(ctx context.Context, olderThan time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM notification_events WHERE created_at < $1`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("prune notification events: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// --- commands ---

type pgCommandStore PostgresStore

func (s *pgCommandStore) scan(row pgx.Row) (DeviceControlCommand, error) {
	var c DeviceControlCommand
	var payloadJSON []byte
	err := row.Scan(&c.ID, &c.DeviceID, &payloadJSON, &c.Status, &c.IssuedAt, &c.ExpiresAt,
		&c.AcknowledgedAt, &c.SupersededAt)
	if err != nil {
		return DeviceControlCommand{}, translateErr(err)
	}
	if err := json.Unmarshal(payloadJSON, &c.Payload); err != nil {
		return DeviceControlCommand{}, fmt.Errorf("decode command payload: %w", err)
	}
	return c, nil
}

const commandColumns = `id, device_id, payload, status, issued_at, expires_at, acknowledged_at, superseded_at`

// Enqueue mirrors device_commands.py's enqueue_device_control_command:
// expire stale pending rows, supersede any still-pending row, then insert
// the new pending row, all under one row-level-locked transaction (spec §4.4/§5).
func (s *pgCommandStore) Enqueue(ctx context.Context, deviceID string, payload CommandPayload, ttl time.Duration, now time.Time) (DeviceControlCommand, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return DeviceControlCommand{}, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		SELECT 1 FROM device_control_commands WHERE device_id=$1 FOR UPDATE`, deviceID); err != nil {
		return DeviceControlCommand{}, fmt.Errorf("lock pending set: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE device_control_commands SET status='expired'
		WHERE device_id=$1 AND status='pending' AND expires_at <= $2`, deviceID, now); err != nil {
		return DeviceControlCommand{}, fmt.Errorf("expire commands: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE device_control_commands SET status='superseded', superseded_at=$2
		WHERE device_id=$1 AND status='pending'`, deviceID, now); err != nil {
		return DeviceControlCommand{}, fmt.Errorf("supersede commands: %w", err)
	}

	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return DeviceControlCommand{}, fmt.Errorf("encode payload: %w", err)
	}
	expiresAt := now.Add(ttl)
	row := tx.QueryRow(ctx, `
		INSERT INTO device_control_commands (id, device_id, payload, status, issued_at, expires_at)
		VALUES (gen_random_uuid(),$1,$2,'pending',$3,$4)
		RETURNING `+commandColumns, deviceID, payloadJSON, now, expiresAt)
	cmd, err := s.scan(row)
	if err != nil {
		return DeviceControlCommand{}, fmt.Errorf("insert command: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return DeviceControlCommand{}, fmt.Errorf("commit: %w", err)
	}
	return cmd, nil
}

func (s *pgCommandStore) GetPending(ctx context.Context, deviceID string, now time.Time) (DeviceControlCommand, error) {
	if _, err := s.pool.Exec(ctx, `
		UPDATE device_control_commands SET status='expired'
		WHERE device_id=$1 AND status='pending' AND expires_at <= $2`, deviceID, now); err != nil {
		return DeviceControlCommand{}, fmt.Errorf("expire commands: %w", err)
	}
	row := s.pool.QueryRow(ctx, `
		SELECT `+commandColumns+` FROM device_control_commands
		WHERE device_id=$1 AND status='pending' AND expires_at > $2
		ORDER BY issued_at DESC, id DESC LIMIT 1`, deviceID, now)
	return s.scan(row)
}

// Ack mirrors device_commands.py's ack_device_command: a pending command
// whose expiry already passed transitions to expired-then-acknowledged in
// the same call only if still within status 'pending' at read time — the
// Python source acknowledges even a just-expired command rather than
// rejecting it, which this preserves.
func (s *pgCommandStore) Ack(ctx context.Context, deviceID, commandID string, now time.Time) (DeviceControlCommand, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return DeviceControlCommand{}, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `
		SELECT `+commandColumns+` FROM device_control_commands
		WHERE id=$1 AND device_id=$2 FOR UPDATE`, commandID, deviceID)
	cmd, err := s.scan(row)
	if err != nil {
		return DeviceControlCommand{}, err
	}

	switch cmd.Status {
	case CommandPending:
		cmd.Status = CommandAcknowledged
		if cmd.AcknowledgedAt == nil {
			cmd.AcknowledgedAt = &now
		}
	case CommandAcknowledged:
		// idempotent: already acknowledged, return as-is.
	default:
		// expired/superseded: leave status as-is, still return 200.
	}

	if _, err := tx.Exec(ctx, `
		UPDATE device_control_commands SET status=$2, acknowledged_at=$3
		WHERE id=$1`, cmd.ID, cmd.Status, cmd.AcknowledgedAt); err != nil {
		return DeviceControlCommand{}, fmt.Errorf("ack command: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return DeviceControlCommand{}, fmt.Errorf("commit: %w", err)
	}
	return cmd, nil
}

func (s *pgCommandStore) PendingSummary(ctx context.Context, deviceID string, now time.Time) (int, *time.Time, error) {
	if _, err := s.pool.Exec(ctx, `
		UPDATE device_control_commands SET status='expired'
		WHERE device_id=$1 AND status='pending' AND expires_at <= $2`, deviceID, now); err != nil {
		return 0, nil, fmt.Errorf("expire commands: %w", err)
	}
	var count int
	var latest *time.Time
	err := s.pool.QueryRow(ctx, `
		SELECT count(*), max(expires_at) FROM device_control_commands
		WHERE device_id=$1 AND status='pending' AND expires_at > $2`, deviceID, now).Scan(&count, &latest)
	return count, latest, err
}

func (s *pgCommandStore) ETagFragment(ctx context.Context, deviceID string, now time.Time) (string, error) {
	pending, err := s.GetPending(ctx, deviceID, now)
	if errors.Is(err, ErrNotFound) {
		return "none", nil
	}
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s:%s:%s", pending.ID, pending.ExpiresAt.Format(time.RFC3339Nano), pending.Status), nil
}
