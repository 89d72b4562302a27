// Package contracts loads the version-addressed YAML artifacts EdgeWatch
// validates telemetry against and configures edge policy from (spec §6),
// grounded on original_source/api/app/contracts.py and edge_policy.py —
// same load order (read bytes, sha256, yaml decode, typed extraction,
// threshold-pair validation), expressed with gopkg.in/yaml.v3 instead of
// Python's PyYAML.
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

	"github.com/ryne2010/edgewatch/internal/store"
)

// MetricType is the declared type of one contract metric.
type MetricType string

const (
	MetricNumber  MetricType = "number"
	MetricString  MetricType = "string"
	MetricBoolean MetricType = "boolean"
)

type MetricSpec struct {
	Key         string     `yaml:"-"`
	Type        MetricType `yaml:"type"`
	Unit        string     `yaml:"unit"`
	Description string     `yaml:"description"`
}

// TelemetryContract is a loaded, hashed telemetry contract (spec §6).
type TelemetryContract struct {
	Version string
	SHA256  string
	Metrics map[string]MetricSpec
}

type telemetryContractFile struct {
	Version string                `yaml:"version"`
	Metrics map[string]MetricSpec `yaml:"metrics"`
}

// TypeMismatch records a known metric key whose value didn't match its
// declared type.
type TypeMismatch struct {
	Key      string
	Expected MetricType
	Actual   string
}

// ValidateMetricsDetailed classifies metrics against the contract:
// unknown keys (additive drift, always allowed at this layer) and type
// mismatches (breaking drift) — mirrors contracts.py's validate_metrics.
func (c TelemetryContract) ValidateMetricsDetailed(metrics map[string]store.MetricValue) (unknown map[string]bool, mismatches []TypeMismatch) {
	unknown = make(map[string]bool)
	for key, v := range metrics {
		spec, ok := c.Metrics[key]
		if !ok {
			unknown[key] = true
			continue
		}
		if v.Null {
			continue
		}
		if v.Kind() != string(spec.Type) {
			mismatches = append(mismatches, TypeMismatch{Key: key, Expected: spec.Type, Actual: v.Kind()})
		}
	}
	return unknown, mismatches
}

func FormatTypeMismatch(m TypeMismatch) string {
	return fmt.Sprintf("metric '%s' expected type '%s' but got '%s'", m.Key, m.Expected, m.Actual)
}

var (
	telemetryMu    sync.Mutex
	telemetryCache = map[string]TelemetryContract{}
)

// LoadTelemetryContract loads contracts/telemetry/<version>.yaml, caching
// per version the way contracts.py's @lru_cache does.
func LoadTelemetryContract(root, version string) (TelemetryContract, error) {
	telemetryMu.Lock()
	defer telemetryMu.Unlock()
	if c, ok := telemetryCache[version]; ok {
		return c, nil
	}

	path, err := telemetryContractPath(root, version)
	if err != nil {
		return TelemetryContract{}, err
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return TelemetryContract{}, fmt.Errorf("read telemetry contract %s: %w", path, err)
	}
	sum := sha256.Sum256(raw)

	var file telemetryContractFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return TelemetryContract{}, fmt.Errorf("parse telemetry contract %s: %w", path, err)
	}
	if file.Version == "" {
		file.Version = version
	}
	for key, spec := range file.Metrics {
		switch spec.Type {
		case MetricNumber, MetricString, MetricBoolean:
		default:
			return TelemetryContract{}, fmt.Errorf("invalid metric type for %q: %q", key, spec.Type)
		}
		spec.Key = key
		file.Metrics[key] = spec
	}

	contract := TelemetryContract{
		Version: file.Version,
		SHA256:  hex.EncodeToString(sum[:]),
		Metrics: file.Metrics,
	}
	telemetryCache[version] = contract
	return contract, nil
}

func telemetryContractPath(root, version string) (string, error) {
	v := strings.TrimSpace(version)
	if v == "" {
		return "", fmt.Errorf("contract version is empty")
	}
	if strings.Contains(v, "/") || strings.Contains(v, "..") {
		return "", fmt.Errorf("invalid contract version %q", v)
	}
	return filepath.Join(root, "contracts", "telemetry", v+".yaml"), nil
}
