package monitor

import "github.com/groupwatch/backend/internal/event"

// Source is one incremental event stream, e.g. the client log parser's
// output or the relationship poller's diffs.
//
// Implementations are called from the monitor poll loop only and do not
// need to be safe for concurrent use.
type Source interface {
	// Name returns a short lowercase identifier used in logs and health
	// reports.
	Name() string

	// Read returns envelopes appended since offset and the offset to use on
	// the next call. No new data yields nil and the same offset.
	Read(offset int64) ([]event.Envelope, int64, error)
}

// FileSource tails a JSONL file of envelopes.
type FileSource struct {
	name string
	path string
}

func NewFileSource(name, path string) *FileSource {
	return &FileSource{name: name, path: path}
}

func (s *FileSource) Name() string { return s.name }

func (s *FileSource) Path() string { return s.path }

func (s *FileSource) Read(offset int64) ([]event.Envelope, int64, error) {
	return TailJSONL(s.path, offset)
}
