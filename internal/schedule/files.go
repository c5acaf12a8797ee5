// Package schedule coordinates worker processes: it partitions the page
// space, spawns one OS process per assignment, supervises them through
// structured progress and result files, and restarts failures with a cooldown.
package schedule

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Worker coordination happens exclusively through JSON files in the work
// directory. The scheduler never inspects worker logs.
func AssignmentPath(dir, workerID string) string {
	return filepath.Join(dir, "assignment-"+workerID+".json")
}

func ProgressPath(dir, workerID string) string {
	return filepath.Join(dir, "progress-"+workerID+".json")
}

func ResultPath(dir, workerID string) string {
	return filepath.Join(dir, "result-"+workerID+".json")
}

// WriteJSON writes v atomically: full temp file first, rename after. A
// reader polling the path never sees a partial document.
func WriteJSON(path string, v any) error {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("publish %s: %w", path, err)
	}
	return nil
}

// ReadJSON reads the document at path into v.
func ReadJSON(path string, v any) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}
