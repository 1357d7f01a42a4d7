package feed

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

const maxEntryBytes = 1 << 20

// Log is the append-only feed file. Entries are stored in arrival order.
type Log struct {
	path string
}

// NewLog returns a Log backed by path. The file is created on first append.
func NewLog(path string) *Log {
	return &Log{path: path}
}

// Path returns the backing file path.
func (l *Log) Path() string {
	return l.path
}

// Append writes entries, one JSON object per line.
func (l *Log) Append(entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	var buf bytes.Buffer
	for _, e := range entries {
		data, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("marshaling feed entry: %w", err)
		}
		buf.Write(data)
		buf.WriteByte('\n')
	}

	f, err := os.OpenFile(l.path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o600)
	if err != nil {
		return fmt.Errorf("opening feed log: %w", err)
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		f.Close()
		return fmt.Errorf("appending feed entries: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing feed log: %w", err)
	}
	return nil
}

// ReadAll returns every decodable entry in storage order. Malformed lines
// are skipped. A missing file yields no entries.
func (l *Log) ReadAll() ([]Entry, error) {
	var out []Entry
	err := l.scan(func(line []byte) {
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil || e.Type == "" {
			return
		}
		out = append(out, e)
	})
	return out, err
}

func (l *Log) scan(fn func(line []byte)) error {
	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("opening feed log: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxEntryBytes)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		fn(line)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scanning feed log: %w", err)
	}
	return nil
}

// Prune rewrites the log without the entries drop selects, using a temp
// file and rename so a crash leaves either the old or the new file.
// Lines that do not decode are kept verbatim. It returns the number of
// entries removed.
func (l *Log) Prune(drop func(Entry) bool) (int, error) {
	var (
		kept    bytes.Buffer
		removed int
		present bool
	)
	err := l.scan(func(line []byte) {
		present = true
		var e Entry
		if json.Unmarshal(line, &e) == nil && drop(e) {
			removed++
			return
		}
		kept.Write(line)
		kept.WriteByte('\n')
	})
	if err != nil {
		return 0, err
	}
	if !present || removed == 0 {
		return 0, nil
	}

	tmp, err := os.CreateTemp(filepath.Dir(l.path), ".feed-*.tmp")
	if err != nil {
		return 0, fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(kept.Bytes()); err != nil {
		tmp.Close()
		return 0, fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return 0, fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, l.path); err != nil {
		return 0, fmt.Errorf("renaming feed log: %w", err)
	}
	committed = true
	return removed, nil
}
