package export

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Save writes payload into dir under Filename(exportedAt, f) and returns
// the full path.
func Save(dir string, exportedAt time.Time, f Format, payload string) (string, error) {
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create export dir: %w", err)
	}
	path := filepath.Join(dir, Filename(exportedAt, f))
	if err := os.WriteFile(path, []byte(payload), 0o644); err != nil {
		return "", fmt.Errorf("write export: %w", err)
	}
	return path, nil
}
