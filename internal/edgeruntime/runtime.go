package edgeruntime

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/ryne2010/edgewatch/internal/buffer"
	"github.com/ryne2010/edgewatch/internal/contracts"
	"github.com/ryne2010/edgewatch/internal/store"
)

// SampleFunc reads the device's sensors once, returning the raw metric
// snapshot. It is hardware-specific and supplied by cmd/edge-agent's
// main, keeping this package free of any particular sensor driver.
type SampleFunc func() map[string]store.MetricValue

// PowerState is the sustained-bad-input-window tracker, persisted across
// restarts (spec §9 Open Question #1, decided in SPEC_FULL.md §D: the
// power-saver window survives a restart, including samples observed in
// the prior run).
type PowerState struct {
	BadSince *time.Time `json:"bad_since"`
}

// CommandApplyState records the last control command this device already
// applied, so a repeated poll of the same pending command (e.g. after a
// crash between apply and ack) doesn't re-run side effects like a second
// shutdown countdown.
type CommandApplyState struct {
	LastAppliedCommandID string `json:"last_applied_command_id"`
}

// CostCapState is the daily bytes-sent counter that gates non-heartbeat
// telemetry once the policy's max_bytes_per_day budget is exhausted
// (spec §4.1 step 4). Persisted so a mid-day restart doesn't reset the
// budget.
type CostCapState struct {
	Date           string `json:"date"` // YYYY-MM-DD, UTC
	BytesSentToday int64  `json:"bytes_sent_today"`
}

// Runtime drives the edge agent's sample/flush/poll cadence.
type Runtime struct {
	Config *Config
	Sample SampleFunc
	Buffer *buffer.LocalBuffer
	Client *http.Client

	policy      contracts.EdgePolicy
	policyETag  string
	mode        store.OperationMode
	sleepPollS  int
	alertsMuted bool
	muteUntil   time.Time
	powerState  PowerState
	applyState  CommandApplyState
	shutdownAt  *time.Time
	costCap     CostCapState

	consecutiveFailures  int
	backoffUntil         time.Time
	pendingShutdownGrace time.Duration
}

func NewRuntime(cfg *Config, sample SampleFunc, buf *buffer.LocalBuffer) *Runtime {
	return &Runtime{
		Config: cfg,
		Sample: sample,
		Buffer: buf,
		Client: &http.Client{Timeout: 10 * time.Second},
		mode:   store.OperationActive,
	}
}

func (r *Runtime) policyCachePath() string {
	return filepath.Join(r.Config.StateDir, "policy_cache.json")
}
func (r *Runtime) powerStatePath() string {
	return filepath.Join(r.Config.StateDir, "power_state.json")
}
func (r *Runtime) applyStatePath() string {
	return filepath.Join(r.Config.StateDir, "command_state.json")
}
func (r *Runtime) costCapPath() string {
	return filepath.Join(r.Config.StateDir, "cost_cap_state.json")
}

// Bootstrap loads persisted local state (policy cache, power-saver
// window, last-applied command), falling back to the bundled artifact
// and zero values on first boot.
func (r *Runtime) Bootstrap() error {
	var cached struct {
		ETag   string               `json:"etag"`
		Policy contracts.EdgePolicy `json:"policy"`
	}
	if err := ReadSidecarJSON(r.policyCachePath(), &cached); err == nil {
		r.policy = cached.Policy
		r.policyETag = cached.ETag
	} else if !os.IsNotExist(err) {
		log.Printf("edgeruntime: policy cache unreadable, falling back to bundled artifact: %v", err)
	}
	if r.policy.Version == "" {
		policy, err := contracts.LoadEdgePolicy(r.Config.ArtifactRoot, "v1")
		if err != nil {
			return fmt.Errorf("edgeruntime: load bundled edge policy: %w", err)
		}
		r.policy = policy
	}

	if err := ReadSidecarJSON(r.powerStatePath(), &r.powerState); err != nil && !os.IsNotExist(err) {
		log.Printf("edgeruntime: power state unreadable, starting fresh: %v", err)
	}
	if err := ReadSidecarJSON(r.applyStatePath(), &r.applyState); err != nil && !os.IsNotExist(err) {
		log.Printf("edgeruntime: command-apply state unreadable, starting fresh: %v", err)
	}
	if err := ReadSidecarJSON(r.costCapPath(), &r.costCap); err != nil && !os.IsNotExist(err) {
		log.Printf("edgeruntime: cost-cap state unreadable, starting fresh: %v", err)
	}
	today := time.Now().UTC().Format("2006-01-02")
	if r.costCap.Date != today {
		r.costCap = CostCapState{Date: today}
	}
	return nil
}

// Run is the agent's main loop: cadence-driven sampling into the local
// buffer, periodic flush, and periodic policy/command poll, following the
// ticker-per-concern shape of fluxforge/agent/main.go's
// registration-then-heartbeat-loop structure.
func (r *Runtime) Run(ctx context.Context) {
	sampleTicker := time.NewTicker(r.sampleInterval())
	defer sampleTicker.Stop()
	heartbeatTicker := time.NewTicker(r.heartbeatInterval())
	defer heartbeatTicker.Stop()
	flushTicker := time.NewTicker(30 * time.Second)
	defer flushTicker.Stop()
	pollTicker := time.NewTicker(time.Duration(r.commandPollInterval()) * time.Second)
	defer pollTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sampleTicker.C:
			r.sampleOnce(ctx)
			sampleTicker.Reset(r.sampleInterval())
		case <-heartbeatTicker.C:
			r.sendHeartbeat(ctx)
			heartbeatTicker.Reset(r.heartbeatInterval())
		case <-flushTicker.C:
			if time.Now().Before(r.backoffUntil) {
				break
			}
			if err := r.flush(ctx); err != nil {
				r.registerFlushFailure()
				log.Printf("edgeruntime: flush: %v (backing off until %s)", err, r.backoffUntil.Format(time.RFC3339))
			} else {
				r.consecutiveFailures = 0
				r.backoffUntil = time.Time{}
			}
		case <-pollTicker.C:
			if err := r.pollCommandsAndPolicy(ctx); err != nil {
				log.Printf("edgeruntime: poll: %v", err)
			}
			pollTicker.Reset(time.Duration(r.commandPollInterval()) * time.Second)
		}

		if r.shutdownAt != nil && !time.Now().Before(*r.shutdownAt) {
			log.Println("edgeruntime: shutdown grace elapsed, exiting")
			return
		}
	}
}

// registerFlushFailure advances the full-jitter exponential backoff
// window after a network/5xx flush failure (spec §4.1 step 2:
// backoff_initial_s → backoff_max_s with full jitter). The loop keeps
// ticking but skips flush attempts until backoffUntil passes; it never
// cancels in-flight I/O, it just withholds new work (spec §5).
func (r *Runtime) registerFlushFailure() {
	r.consecutiveFailures++
	initial := r.policy.Reporting.BackoffInitialS
	if initial <= 0 {
		initial = 1
	}
	max := r.policy.Reporting.BackoffMaxS
	if max <= 0 {
		max = 300
	}
	ceiling := float64(initial) * float64(uint64(1)<<uint(minInt(r.consecutiveFailures, 20)))
	if ceiling > float64(max) {
		ceiling = float64(max)
	}
	jittered := rand.Float64() * ceiling
	r.backoffUntil = time.Now().Add(time.Duration(jittered * float64(time.Second)))
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// heartbeatInterval resolves the heartbeat cadence from the state table
// in spec §4.1: sleep mode collapses both sample and heartbeat cadence
// onto sleep_poll_interval_s; otherwise the saver/normal heartbeat
// interval applies independent of the sample interval.
func (r *Runtime) heartbeatInterval() time.Duration {
	switch {
	case r.mode == store.OperationSleep:
		if r.sleepPollS > 0 {
			return time.Duration(r.sleepPollS) * time.Second
		}
		return time.Duration(r.policy.OperationDefaults.DefaultSleepPollIntervalS) * time.Second
	case r.powerSaverActive():
		return time.Duration(r.policy.Reporting.SaverHeartbeatIntervalS) * time.Second
	default:
		return time.Duration(r.policy.Reporting.HeartbeatIntervalS) * time.Second
	}
}

// sendHeartbeat enqueues a heartbeat-only point purely to keep
// last_seen_at fresh (spec glossary). It is produced even in
// operation_mode=disabled's sleep-cadence poll and is exempt from
// cost-cap suppression (spec §4.1 step 4).
func (r *Runtime) sendHeartbeat(ctx context.Context) {
	metricsJSON, err := json.Marshal(map[string]any{"heartbeat": true})
	if err != nil {
		log.Printf("edgeruntime: encode heartbeat: %v", err)
		return
	}
	if err := r.Buffer.Enqueue(ctx, generateRandomID(), time.Now().UTC(), metricsJSON, "heartbeat"); err != nil {
		log.Printf("edgeruntime: enqueue heartbeat: %v", err)
	}
}

// sampleInterval resolves the active cadence from operation mode and
// power-saver state (spec §4.1's cadence table).
func (r *Runtime) sampleInterval() time.Duration {
	switch {
	case r.mode == store.OperationSleep:
		if r.sleepPollS > 0 {
			return time.Duration(r.sleepPollS) * time.Second
		}
		return time.Duration(r.policy.OperationDefaults.DefaultSleepPollIntervalS) * time.Second
	case r.powerSaverActive():
		return time.Duration(r.policy.Reporting.SaverSampleIntervalS) * time.Second
	default:
		return time.Duration(r.policy.Reporting.SampleIntervalS) * time.Second
	}
}

func (r *Runtime) commandPollInterval() int {
	if r.policy.Reporting.HeartbeatIntervalS > 0 {
		return r.policy.Reporting.HeartbeatIntervalS
	}
	return 60
}

func (r *Runtime) powerSaverActive() bool {
	return r.powerState.BadSince != nil &&
		time.Since(*r.powerState.BadSince) >= time.Duration(r.policy.PowerManagement.SustainedWindowS)*time.Second
}

func (r *Runtime) sampleOnce(ctx context.Context) {
	if r.mode == store.OperationDisabled {
		return
	}
	metrics := r.Sample()
	r.trackPowerWindow(metrics)

	metricsJSON, err := json.Marshal(metricsToWire(metrics))
	if err != nil {
		log.Printf("edgeruntime: encode sample: %v", err)
		return
	}
	messageID := generateRandomID()
	if err := r.Buffer.Enqueue(ctx, messageID, time.Now().UTC(), metricsJSON, "device"); err != nil {
		log.Printf("edgeruntime: enqueue sample: %v", err)
	}
}

// trackPowerWindow updates the persisted sustained-bad-input window from
// the power_input_ok and load_sustainable flags, per the Open Question
// decision that this window survives a restart.
func (r *Runtime) trackPowerWindow(metrics map[string]store.MetricValue) {
	ok := true
	if v, present := metrics["power_input_ok"]; present && v.Kind() == "boolean" {
		ok = v.BoolValue()
	}
	if v, present := metrics["load_sustainable"]; present && v.Kind() == "boolean" {
		ok = ok && v.BoolValue()
	}

	changed := false
	if !ok && r.powerState.BadSince == nil {
		now := time.Now().UTC()
		r.powerState.BadSince = &now
		changed = true
	} else if ok && r.powerState.BadSince != nil {
		r.powerState.BadSince = nil
		changed = true
	}
	if changed {
		if err := WriteSidecarJSON(r.powerStatePath(), r.powerState); err != nil {
			log.Printf("edgeruntime: persist power state: %v", err)
		}
	}
}

func metricsToWire(m map[string]store.MetricValue) map[string]any {
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

// flush drains up to one batch's worth of buffered points to the server.
// A 5xx or network failure leaves the rows in the buffer for the next
// attempt (spec §9 Open Question #2: a publish_failed response from the
// server is treated the same as any other 5xx — the edge agent does not
// distinguish it, it only backs off its own un-acked rows).
func (r *Runtime) flush(ctx context.Context) error {
	r.rolloverCostCapIfNewDay()

	maxPoints := r.policy.Reporting.MaxPointsPerBatch
	if maxPoints <= 0 {
		maxPoints = 200
	}
	rows, err := r.Buffer.DequeueBatch(ctx, maxPoints)
	if err != nil {
		return fmt.Errorf("dequeue: %w", err)
	}

	capExceeded := r.policy.CostCaps.MaxBytesPerDay > 0 && r.costCap.BytesSentToday >= r.policy.CostCaps.MaxBytesPerDay
	if capExceeded {
		allowed := rows[:0]
		for _, row := range rows {
			if row.Source == "heartbeat" || row.Source == "startup" {
				allowed = append(allowed, row)
			}
		}
		rows = allowed
	}
	if len(rows) == 0 {
		return nil
	}

	type wirePoint struct {
		MessageID string          `json:"message_id"`
		Ts        time.Time       `json:"ts"`
		Metrics   json.RawMessage `json:"metrics"`
	}
	body := struct {
		Source string      `json:"source"`
		Points []wirePoint `json:"points"`
	}{Source: "device"}
	for _, row := range rows {
		body.Points = append(body.Points, wirePoint{MessageID: row.MessageID, Ts: row.Ts, Metrics: row.Metrics})
	}

	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode batch: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.Config.ServerURL+"/ingest", bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+r.Config.DeviceToken)

	resp, err := r.Client.Do(req)
	if err != nil {
		return fmt.Errorf("post /ingest: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return fmt.Errorf("server returned %s, leaving batch buffered for retry", resp.Status)
	}
	if resp.StatusCode >= 300 {
		log.Printf("edgeruntime: /ingest returned %s, dropping rejected batch", resp.Status)
	}

	r.costCap.BytesSentToday += int64(len(data))
	if err := WriteSidecarJSON(r.costCapPath(), r.costCap); err != nil {
		log.Printf("edgeruntime: persist cost-cap state: %v", err)
	}

	ids := make([]int64, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row.ID)
	}
	return r.Buffer.Delete(ctx, ids)
}

// rolloverCostCapIfNewDay resets the daily byte budget at UTC midnight.
func (r *Runtime) rolloverCostCapIfNewDay() {
	today := time.Now().UTC().Format("2006-01-02")
	if r.costCap.Date == today {
		return
	}
	r.costCap = CostCapState{Date: today}
	if err := WriteSidecarJSON(r.costCapPath(), r.costCap); err != nil {
		log.Printf("edgeruntime: persist cost-cap rollover: %v", err)
	}
}

// devicePolicyResponse mirrors the GET /device-policy wire shape from
// spec §6.
type devicePolicyResponse struct {
	PolicyVersion    string                `json:"policy_version"`
	PendingCommand   *store.CommandPayload `json:"pending_command"`
	PendingCommandID string                `json:"pending_command_id"`
}

// pollCommandsAndPolicy fetches the device's policy/command state using
// If-None-Match against the cached ETag, applies any new pending command
// exactly once (tracked via CommandApplyState), and acks it.
func (r *Runtime) pollCommandsAndPolicy(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.Config.ServerURL+"/device-policy", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+r.Config.DeviceToken)
	if r.policyETag != "" {
		req.Header.Set("If-None-Match", r.policyETag)
	}

	resp, err := r.Client.Do(req)
	if err != nil {
		return fmt.Errorf("get /device-policy: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		return nil
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("get /device-policy returned %s", resp.Status)
	}

	var payload devicePolicyResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return fmt.Errorf("decode device-policy response: %w", err)
	}
	r.policyETag = resp.Header.Get("ETag")
	if err := WriteSidecarJSON(r.policyCachePath(), struct {
		ETag   string               `json:"etag"`
		Policy contracts.EdgePolicy `json:"policy"`
	}{ETag: r.policyETag, Policy: r.policy}); err != nil {
		log.Printf("edgeruntime: persist policy cache: %v", err)
	}

	if payload.PendingCommand == nil || payload.PendingCommandID == "" {
		return nil
	}
	if payload.PendingCommandID == r.applyState.LastAppliedCommandID {
		return nil // already applied, ack was presumably lost; re-ack defensively
	}

	r.pendingShutdownGrace = 0
	r.applyCommand(*payload.PendingCommand)
	r.applyState.LastAppliedCommandID = payload.PendingCommandID
	if err := WriteSidecarJSON(r.applyStatePath(), r.applyState); err != nil {
		log.Printf("edgeruntime: persist command-apply state: %v", err)
	}

	if err := r.ackCommand(ctx, payload.PendingCommandID); err != nil {
		// Ack failed: retry next tick. A pending shutdown is only armed
		// once the ack is confirmed cleared (spec §4.4 step 4), so the
		// grace timer does not start yet.
		return err
	}
	if r.pendingShutdownGrace > 0 {
		at := time.Now().UTC().Add(r.pendingShutdownGrace)
		r.shutdownAt = &at
	}
	return nil
}

// applyCommand applies a pending control command's overrides exactly
// once (the caller has already checked PendingCommandID against
// CommandApplyState). Remote shutdown is gated on Config's platform/
// policy permission: if the platform doesn't allow it, the request is
// silently cleared rather than armed (spec §4.4 step 4).
func (r *Runtime) applyCommand(cmd store.CommandPayload) {
	r.mode = cmd.OperationMode
	r.sleepPollS = cmd.SleepPollIntervalS
	if cmd.AlertsMutedUntil != nil {
		r.alertsMuted = true
		r.muteUntil = *cmd.AlertsMutedUntil
	}
	if cmd.ShutdownRequested {
		if !r.Config.AllowRemoteShutdown {
			log.Printf("edgeruntime: shutdown requested but remote shutdown is gated off on this platform, ignoring")
			return
		}
		r.pendingShutdownGrace = time.Duration(cmd.ShutdownGraceS) * time.Second
		log.Printf("edgeruntime: shutdown armed, will execute %v after ack clears", r.pendingShutdownGrace)
	}
}

func (r *Runtime) ackCommand(ctx context.Context, commandID string) error {
	url := fmt.Sprintf("%s/device-commands/%s/ack", r.Config.ServerURL, commandID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+r.Config.DeviceToken)
	resp, err := r.Client.Do(req)
	if err != nil {
		return fmt.Errorf("ack command: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("ack command returned %s", resp.Status)
	}
	return nil
}
