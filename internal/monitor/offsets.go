package monitor

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const offsetsVersion = 1

// offsetFile is the on-disk form of the per-source resume offsets.
type offsetFile struct {
	Version     int              `json:"version"`
	Offsets     map[string]int64 `json:"offsets"`
	LastUpdated time.Time        `json:"lastUpdated"`
}

// loadOffsets reads the offsets saved at path. A missing file yields an
// empty map.
func loadOffsets(path string) (map[string]int64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]int64{}, nil
		}
		return nil, fmt.Errorf("reading offsets: %w", err)
	}
	var f offsetFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing offsets: %w", err)
	}
	out := make(map[string]int64, len(f.Offsets))
	for name, off := range f.Offsets {
		if off > 0 {
			out[name] = off
		}
	}
	return out, nil
}

// saveOffsets writes offsets to path through a temp file and rename, so a
// crash leaves either the old or the new set.
func saveOffsets(path string, offsets map[string]int64) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating offsets dir: %w", err)
	}

	data, err := json.MarshalIndent(offsetFile{
		Version:     offsetsVersion,
		Offsets:     offsets,
		LastUpdated: time.Now().UTC(),
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling offsets: %w", err)
	}
	data = append(data, '\n')

	tmp, err := os.CreateTemp(dir, ".offsets-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("renaming offsets file: %w", err)
	}
	committed = true
	return nil
}
