package export

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"vibechat/internal/store"
)

// WriteBundles writes bundles as indented JSON. A single bundle is written as
// an object named after the conversation; several go into one array file.
func (e *Exporter) WriteBundles(bundles []Bundle) (string, error) {
	if len(bundles) == 0 {
		return "", fmt.Errorf("nothing to export")
	}
	dir := e.Dir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create export directory: %w", err)
	}

	var (
		path string
		v    any
	)
	if len(bundles) == 1 {
		path = filepath.Join(dir, FileName(bundles[0].Conversation, ".json"))
		v = bundles[0]
	} else {
		name := "conversations-" + e.now().UTC().Format("20060102-150405")
		path = filepath.Join(dir, FileName(store.Conversation{Title: name}, ".json"))
		v = bundles
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode bundles: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return "", fmt.Errorf("write bundle file: %w", err)
	}
	return path, nil
}

func ReadFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read bundle file: %w", err)
	}
	return data, nil
}
