package contracts

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// ReportingPolicy is EdgePolicy.reporting (spec §6).
type ReportingPolicy struct {
	SampleIntervalS         int `yaml:"sample_interval_s"`
	AlertSampleIntervalS    int `yaml:"alert_sample_interval_s"`
	HeartbeatIntervalS      int `yaml:"heartbeat_interval_s"`
	AlertReportIntervalS    int `yaml:"alert_report_interval_s"`
	SaverSampleIntervalS    int `yaml:"saver_sample_interval_s"`
	SaverHeartbeatIntervalS int `yaml:"saver_heartbeat_interval_s"`
	MaxPointsPerBatch       int `yaml:"max_points_per_batch"`
	BufferMaxPoints         int `yaml:"buffer_max_points"`
	BufferMaxAgeS           int `yaml:"buffer_max_age_s"`
	BackoffInitialS         int `yaml:"backoff_initial_s"`
	BackoffMaxS             int `yaml:"backoff_max_s"`
}

// ThresholdPair is one (low, recover) hysteresis pair (spec §3/§6).
type ThresholdPair struct {
	Low     float64
	Recover float64
}

// AlertThresholds holds every named hysteresis pair from the edge policy
// artifact (spec §6 example fields).
type AlertThresholds struct {
	WaterPressurePSI ThresholdPair
	OilPressurePSI   ThresholdPair
	OilLevelPct      ThresholdPair
	DripOilLevelPct  ThresholdPair
	OilLifePct       ThresholdPair
	BatteryV         ThresholdPair
	SignalRSSIDbm    ThresholdPair
}

type CostCapsPolicy struct {
	MaxBytesPerDay        int64 `yaml:"max_bytes_per_day"`
	MaxSnapshotsPerDay    int   `yaml:"max_snapshots_per_day"`
	MaxMediaUploadsPerDay int   `yaml:"max_media_uploads_per_day"`
}

// PowerManagementPolicy gates the power-saver cadence transition (spec §6).
type PowerManagementPolicy struct {
	Enabled           bool    `yaml:"enabled"`
	Mode              string  `yaml:"mode"`
	InputWarnMinV     float64 `yaml:"input_warn_min_v"`
	InputCriticalMinV float64 `yaml:"input_critical_min_v"`
	SustainedWindowS  int     `yaml:"sustained_window_s"`
}

// OperationDefaults seeds device-side defaults (spec §6).
type OperationDefaults struct {
	ControlCommandTTLS        int `yaml:"control_command_ttl_s"`
	DefaultSleepPollIntervalS int `yaml:"default_sleep_poll_interval_s"`
}

// EdgePolicy is a loaded, hashed edge policy artifact (spec §3 "EdgePolicy").
type EdgePolicy struct {
	Version           string
	SHA256            string
	CacheMaxAgeS      int
	Reporting         ReportingPolicy
	DeltaThresholds   map[string]float64
	AlertThresholds   AlertThresholds
	CostCaps          CostCapsPolicy
	PowerManagement   PowerManagementPolicy
	OperationDefaults OperationDefaults
}

type thresholdPairFile struct {
	WaterPressureLowPSI     float64 `yaml:"water_pressure_low_psi"`
	WaterPressureRecoverPSI float64 `yaml:"water_pressure_recover_psi"`
	OilPressureLowPSI       float64 `yaml:"oil_pressure_low_psi"`
	OilPressureRecoverPSI   float64 `yaml:"oil_pressure_recover_psi"`
	OilLevelLowPct          float64 `yaml:"oil_level_low_pct"`
	OilLevelRecoverPct      float64 `yaml:"oil_level_recover_pct"`
	DripOilLevelLowPct      float64 `yaml:"drip_oil_level_low_pct"`
	DripOilLevelRecoverPct  float64 `yaml:"drip_oil_level_recover_pct"`
	OilLifeLowPct           float64 `yaml:"oil_life_low_pct"`
	OilLifeRecoverPct       float64 `yaml:"oil_life_recover_pct"`
	BatteryLowV             float64 `yaml:"battery_low_v"`
	BatteryRecoverV         float64 `yaml:"battery_recover_v"`
	SignalLowRSSIDbm        float64 `yaml:"signal_low_rssi_dbm"`
	SignalRecoverRSSIDbm    float64 `yaml:"signal_recover_rssi_dbm"`
}

type edgePolicyFile struct {
	Version           string                `yaml:"version"`
	CacheMaxAgeS      int                   `yaml:"cache_max_age_s"`
	Reporting         ReportingPolicy       `yaml:"reporting"`
	DeltaThresholds   map[string]float64    `yaml:"delta_thresholds"`
	AlertThresholds   thresholdPairFile     `yaml:"alert_thresholds"`
	CostCaps          CostCapsPolicy        `yaml:"cost_caps"`
	PowerManagement   PowerManagementPolicy `yaml:"power_management"`
	OperationDefaults OperationDefaults     `yaml:"operation_defaults"`
}

func validateThreshold(name string, t ThresholdPair) error {
	if t.Recover <= t.Low {
		return fmt.Errorf("invalid alert thresholds for %s: recover (%v) must be > low (%v)", name, t.Recover, t.Low)
	}
	return nil
}

var (
	policyMu    sync.Mutex
	policyCache = map[string]EdgePolicy{}
)

// LoadEdgePolicy loads contracts/edge_policy/<version>.yaml, validating
// every hysteresis pair (recover > low) and every delta/cost-cap bound,
// mirroring edge_policy.py's load_edge_policy validation order exactly.
func LoadEdgePolicy(root, version string) (EdgePolicy, error) {
	policyMu.Lock()
	defer policyMu.Unlock()
	if p, ok := policyCache[version]; ok {
		return p, nil
	}

	path, err := edgePolicyPath(root, version)
	if err != nil {
		return EdgePolicy{}, err
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return EdgePolicy{}, fmt.Errorf("read edge policy %s: %w", path, err)
	}
	sum := sha256.Sum256(raw)

	var file edgePolicyFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return EdgePolicy{}, fmt.Errorf("parse edge policy %s: %w", path, err)
	}
	if file.Version == "" {
		file.Version = version
	}

	thresholds := AlertThresholds{
		WaterPressurePSI: ThresholdPair{file.AlertThresholds.WaterPressureLowPSI, file.AlertThresholds.WaterPressureRecoverPSI},
		OilPressurePSI:   ThresholdPair{file.AlertThresholds.OilPressureLowPSI, file.AlertThresholds.OilPressureRecoverPSI},
		OilLevelPct:      ThresholdPair{file.AlertThresholds.OilLevelLowPct, file.AlertThresholds.OilLevelRecoverPct},
		DripOilLevelPct:  ThresholdPair{file.AlertThresholds.DripOilLevelLowPct, file.AlertThresholds.DripOilLevelRecoverPct},
		OilLifePct:       ThresholdPair{file.AlertThresholds.OilLifeLowPct, file.AlertThresholds.OilLifeRecoverPct},
		BatteryV:         ThresholdPair{file.AlertThresholds.BatteryLowV, file.AlertThresholds.BatteryRecoverV},
		SignalRSSIDbm:    ThresholdPair{file.AlertThresholds.SignalLowRSSIDbm, file.AlertThresholds.SignalRecoverRSSIDbm},
	}
	named := map[string]ThresholdPair{
		"water_pressure": thresholds.WaterPressurePSI,
		"oil_pressure":   thresholds.OilPressurePSI,
		"oil_level":      thresholds.OilLevelPct,
		"drip_oil_level": thresholds.DripOilLevelPct,
		"oil_life":       thresholds.OilLifePct,
		"battery":        thresholds.BatteryV,
		"signal":         thresholds.SignalRSSIDbm,
	}
	for name, t := range named {
		if err := validateThreshold(name, t); err != nil {
			return EdgePolicy{}, err
		}
	}
	for k, v := range file.DeltaThresholds {
		if v <= 0 {
			return EdgePolicy{}, fmt.Errorf("invalid delta threshold for %s: %v (must be > 0)", k, v)
		}
	}
	if file.CostCaps.MaxBytesPerDay <= 0 {
		return EdgePolicy{}, fmt.Errorf("cost_caps.max_bytes_per_day must be > 0")
	}
	if file.CostCaps.MaxSnapshotsPerDay <= 0 {
		return EdgePolicy{}, fmt.Errorf("cost_caps.max_snapshots_per_day must be > 0")
	}
	if file.CostCaps.MaxMediaUploadsPerDay <= 0 {
		return EdgePolicy{}, fmt.Errorf("cost_caps.max_media_uploads_per_day must be > 0")
	}

	policy := EdgePolicy{
		Version:           file.Version,
		SHA256:            hex.EncodeToString(sum[:]),
		CacheMaxAgeS:      file.CacheMaxAgeS,
		Reporting:         file.Reporting,
		DeltaThresholds:   file.DeltaThresholds,
		AlertThresholds:   thresholds,
		CostCaps:          file.CostCaps,
		PowerManagement:   file.PowerManagement,
		OperationDefaults: file.OperationDefaults,
	}
	policyCache[version] = policy
	return policy, nil
}

func edgePolicyPath(root, version string) (string, error) {
	v := strings.TrimSpace(version)
	if v == "" {
		return "", fmt.Errorf("policy version is empty")
	}
	if strings.Contains(v, "/") || strings.Contains(v, "..") {
		return "", fmt.Errorf("invalid policy version %q", v)
	}
	return filepath.Join(root, "contracts", "edge_policy", v+".yaml"), nil
}
