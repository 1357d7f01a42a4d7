package monitor

import (
	"bufio"
	"encoding/json"
	"io"
	"log"
	"os"

	"github.com/groupwatch/backend/internal/event"
)

// TailJSONL reads complete envelope lines from path starting at offset and
// returns them with the offset to resume from. A trailing line without a
// newline is left for the next call. Malformed lines are skipped but still
// consumed. When the file has shrunk below offset (client restart or log
// rotation) reading restarts from the beginning. A missing file yields no
// envelopes and offset 0.
func TailJSONL(path string, offset int64) ([]event.Envelope, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, nil
		}
		return nil, offset, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, offset, err
	}
	if info.Size() < offset {
		log.Printf("monitor: %s shrank (%d < %d), rereading from start", path, info.Size(), offset)
		offset = 0
	}
	if info.Size() == offset {
		return nil, offset, nil
	}

	if offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			return nil, offset, err
		}
	}

	var out []event.Envelope
	reader := bufio.NewReader(f)
	parsedOffset := offset

	for {
		line, err := reader.ReadBytes('\n')
		if err != nil && err != io.EOF {
			return out, parsedOffset, err
		}
		// Incomplete lines are preserved for the next read.
		if len(line) == 0 || line[len(line)-1] != '\n' {
			break
		}
		parsedOffset += int64(len(line))

		data := line[:len(line)-1]
		if len(data) > 0 && data[len(data)-1] == '\r' {
			data = data[:len(data)-1]
		}
		if len(data) == 0 {
			continue
		}

		var env event.Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Type == "" {
			continue
		}
		out = append(out, env)
	}

	return out, parsedOffset, nil
}
