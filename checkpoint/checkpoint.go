// Package checkpoint persists the last fully-applied LSN to a small JSON
// file, the optional recovery shortcut spec.md section 4.5 allows: a
// pointer into the WAL a future Recover could fast-forward to rather than
// replaying from the start of history.
package checkpoint

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// State is the on-disk checkpoint shape.
type State struct {
	LSN int64 `json:"lsn"`
}

// Write atomically replaces path with a checkpoint recording lsn: the
// payload is written to a sibling temp file and renamed into place, so a
// crash mid-write never leaves a torn checkpoint behind.
func Write(path string, lsn int64) error {
	payload, err := json.Marshal(State{LSN: lsn})
	if err != nil {
		return fmt.Errorf("checkpoint: marshal: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, payload, 0o644); err != nil {
		return fmt.Errorf("checkpoint: write temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("checkpoint: rename into place: %w", err)
	}
	return nil
}

// Read loads the checkpoint at path. ok is false if no checkpoint exists
// yet, which is not an error: a fresh WAL directory has none.
func Read(path string) (lsn int64, ok bool, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("checkpoint: read %s: %w", filepath.Base(path), err)
	}

	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return 0, false, fmt.Errorf("checkpoint: decode: %w", err)
	}
	return st.LSN, true, nil
}
