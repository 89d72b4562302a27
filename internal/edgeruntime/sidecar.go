package edgeruntime

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// WriteSidecarJSON atomically persists v as JSON to path: write to a temp
// file in the same directory, fsync it, then rename over the destination.
// Every piece of local edge state that must survive a power-cut mid-write
// (policy cache, command-apply-state, power-saver state, cost-cap
// counters) goes through this helper rather than a direct os.WriteFile,
// since a partial write to the real path would corrupt state the agent
// trusts on its next boot.
func WriteSidecarJSON(path string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("edgeruntime: marshal sidecar %s: %w", path, err)
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("edgeruntime: create temp sidecar: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("edgeruntime: write temp sidecar: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("edgeruntime: fsync temp sidecar: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("edgeruntime: close temp sidecar: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("edgeruntime: rename sidecar into place: %w", err)
	}
	return nil
}

// ReadSidecarJSON loads a previously-written sidecar file into v. A
// missing file is reported via os.IsNotExist(err) to the caller, which
// treats "no sidecar yet" as a cold-start default rather than an error.
func ReadSidecarJSON(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}
