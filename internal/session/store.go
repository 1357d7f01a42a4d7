package session

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/groupwatch/backend/internal/location"
)

const (
	fileExt = ".jsonl"

	// DefaultHeaderReadBytes bounds how much of each file the rejoin scan
	// reads. Metadata lines are far shorter than this.
	DefaultHeaderReadBytes = 4096

	maxLineBytes = 1 << 20
)

// Store owns the directory of append-only session files. Every write
// opens, writes one line and closes the file again.
type Store struct {
	dir         string
	headerBytes int
}

// NewStore returns a Store rooted at dir. headerBytes <= 0 selects
// DefaultHeaderReadBytes.
func NewStore(dir string, headerBytes int) *Store {
	if headerBytes <= 0 {
		headerBytes = DefaultHeaderReadBytes
	}
	return &Store{dir: dir, headerBytes: headerBytes}
}

// Dir returns the session directory.
func (s *Store) Dir() string {
	return s.dir
}

// Create writes a new session file whose first line is md and returns its
// file name (relative to Dir).
func (s *Store) Create(md Metadata) (string, error) {
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return "", fmt.Errorf("creating session dir: %w", err)
	}
	data, err := encodeMetadata(md)
	if err != nil {
		return "", fmt.Errorf("marshaling metadata: %w", err)
	}

	base := md.StartTime.UTC().Format("20060102-150405") + "_" + location.Sanitize(md.Location)
	for i := 1; i <= 100; i++ {
		name := base
		if i > 1 {
			name += "-" + strconv.Itoa(i)
		}
		name += fileExt

		f, err := os.OpenFile(filepath.Join(s.dir, name), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
		if errors.Is(err, os.ErrExist) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("creating session file: %w", err)
		}
		_, werr := f.Write(data)
		cerr := f.Close()
		if werr != nil {
			os.Remove(f.Name())
			return "", fmt.Errorf("writing metadata: %w", werr)
		}
		if cerr != nil {
			os.Remove(f.Name())
			return "", fmt.Errorf("closing session file: %w", cerr)
		}
		return name, nil
	}
	return "", fmt.Errorf("no free file name for %s", base)
}

// Append adds ev to an existing session file. It never creates the file,
// so a deleted session cannot be resurrected without its metadata line.
func (s *Store) Append(filename string, ev Event) error {
	data, err := encodeEvent(ev)
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(s.dir, filename), os.O_WRONLY|os.O_APPEND, 0)
	if err != nil {
		return fmt.Errorf("opening session file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("appending event: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing session file: %w", err)
	}
	return nil
}

// List returns the session file names in the directory. A missing
// directory is not an error.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading session dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), fileExt) {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

// ReadHeader decodes the metadata line of filename, reading at most the
// configured header prefix.
func (s *Store) ReadHeader(filename string) (Metadata, error) {
	f, err := os.Open(filepath.Join(s.dir, filename))
	if err != nil {
		return Metadata{}, err
	}
	defer f.Close()

	buf := make([]byte, s.headerBytes)
	n, err := io.ReadFull(f, buf)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return Metadata{}, fmt.Errorf("reading header: %w", err)
	}
	buf = buf[:n]

	line := buf
	if i := bytes.IndexByte(buf, '\n'); i >= 0 {
		line = buf[:i]
	} else if n == s.headerBytes {
		return Metadata{}, fmt.Errorf("%w: metadata exceeds %d bytes", ErrInvalidRecord, s.headerBytes)
	}

	rec, err := DecodeRecord(line)
	if err != nil {
		return Metadata{}, err
	}
	if rec.Meta == nil {
		return Metadata{}, fmt.Errorf("%w: first line is not metadata", ErrInvalidRecord)
	}
	return *rec.Meta, nil
}

// ReadAll decodes the whole file. A file whose first line is not metadata
// is rejected; malformed event lines after it are skipped.
func (s *Store) ReadAll(filename string) (Metadata, []Event, error) {
	f, err := os.Open(filepath.Join(s.dir, filename))
	if err != nil {
		return Metadata{}, nil, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	var (
		md     *Metadata
		events []Event
	)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		rec, err := DecodeRecord(line)
		if md == nil {
			if err != nil {
				return Metadata{}, nil, err
			}
			if rec.Meta == nil {
				return Metadata{}, nil, fmt.Errorf("%w: first line is not metadata", ErrInvalidRecord)
			}
			md = rec.Meta
			continue
		}
		if err != nil || rec.Event == nil {
			continue
		}
		events = append(events, *rec.Event)
	}
	if err := scanner.Err(); err != nil {
		return Metadata{}, nil, fmt.Errorf("scanning session file: %w", err)
	}
	if md == nil {
		return Metadata{}, nil, fmt.Errorf("%w: empty file", ErrInvalidRecord)
	}
	return *md, events, nil
}

// FindByLocation scans file headers for a session whose stored location
// equals loc. When several match, the one with the latest start time wins.
// Unreadable files are skipped.
func (s *Store) FindByLocation(loc string) (string, Metadata, bool, error) {
	names, err := s.List()
	if err != nil {
		return "", Metadata{}, false, err
	}
	var (
		bestName string
		best     Metadata
		found    bool
	)
	for _, name := range names {
		md, err := s.ReadHeader(name)
		if err != nil {
			continue
		}
		if md.Location != loc {
			continue
		}
		if !found || md.StartTime.After(best.StartTime) {
			bestName, best, found = name, md, true
		}
	}
	return bestName, best, found, nil
}

// Clear deletes every session file and returns how many were removed.
func (s *Store) Clear() (int, error) {
	names, err := s.List()
	if err != nil {
		return 0, err
	}
	removed := 0
	var firstErr error
	for _, name := range names {
		if err := os.Remove(filepath.Join(s.dir, name)); err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("removing %s: %w", name, err)
			}
			continue
		}
		removed++
	}
	return removed, firstErr
}

// validFilename rejects names that could escape the session directory.
func validFilename(name string) bool {
	return name != "" &&
		name == filepath.Base(name) &&
		!strings.ContainsAny(name, `/\`) &&
		strings.HasSuffix(name, fileExt)
}

// lastWorldName returns the latest WORLD_NAME_UPDATE value in events.
func lastWorldName(events []Event) string {
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].Type == EventWorldNameUpdate && events[i].Details["worldName"] != "" {
			return events[i].Details["worldName"]
		}
	}
	return ""
}
