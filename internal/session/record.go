package session

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrInvalidRecord is returned when a session file line is not valid
// metadata or a valid event.
var ErrInvalidRecord = errors.New("invalid session record")

// ErrInvalidFilename is returned for session file names that are not a
// plain *.jsonl name inside the session directory.
var ErrInvalidFilename = errors.New("invalid session file name")

// EventType classifies entries appended to a session file.
type EventType string

const (
	EventLocationChange  EventType = "LOCATION_CHANGE"
	EventSessionRejoin   EventType = "SESSION_REJOIN"
	EventSessionEnd      EventType = "SESSION_END"
	EventWorldNameUpdate EventType = "WORLD_NAME_UPDATE"
	EventPlayerJoin      EventType = "PLAYER_JOIN"
	EventPlayerLeft      EventType = "PLAYER_LEFT"
)

var knownEventTypes = map[EventType]bool{
	EventLocationChange:  true,
	EventSessionRejoin:   true,
	EventSessionEnd:      true,
	EventWorldNameUpdate: true,
	EventPlayerJoin:      true,
	EventPlayerLeft:      true,
}

// Valid reports whether t is one of the known event types.
func (t EventType) Valid() bool {
	return knownEventTypes[t]
}

// Metadata is the first line of every session file.
type Metadata struct {
	ID         string    `json:"id"`
	WorldID    string    `json:"worldId"`
	InstanceID string    `json:"instanceId"`
	Location   string    `json:"location"`
	GroupID    string    `json:"groupId,omitempty"`
	StartTime  time.Time `json:"startTime"`
	WorldName  string    `json:"worldName,omitempty"`
}

// Event is one appended session log entry.
type Event struct {
	Type      EventType         `json:"type"`
	Timestamp time.Time         `json:"timestamp"`
	Actor     string            `json:"actor,omitempty"`
	Details   map[string]string `json:"details,omitempty"`
}

// Record is one decoded line of a session file: exactly one of Meta and
// Event is set.
type Record struct {
	Meta  *Metadata
	Event *Event
}

// metaLine is the on-disk shape of a metadata line. The Meta marker is
// what distinguishes it from an event.
type metaLine struct {
	Meta bool `json:"meta"`
	Metadata
}

type probe struct {
	Meta *bool `json:"meta"`
}

// DecodeRecord parses one line. Lines that are not JSON objects, metadata
// missing id/location/startTime, and events with an unknown type or zero
// timestamp are rejected with ErrInvalidRecord.
func DecodeRecord(line []byte) (Record, error) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 || line[0] != '{' {
		return Record{}, fmt.Errorf("%w: not a json object", ErrInvalidRecord)
	}

	var p probe
	if err := json.Unmarshal(line, &p); err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}

	if p.Meta != nil && *p.Meta {
		var ml metaLine
		if err := json.Unmarshal(line, &ml); err != nil {
			return Record{}, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
		}
		md := ml.Metadata
		if md.ID == "" || md.Location == "" || md.StartTime.IsZero() {
			return Record{}, fmt.Errorf("%w: incomplete metadata", ErrInvalidRecord)
		}
		return Record{Meta: &md}, nil
	}

	var ev Event
	if err := json.Unmarshal(line, &ev); err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	if !ev.Type.Valid() {
		return Record{}, fmt.Errorf("%w: unknown event type %q", ErrInvalidRecord, ev.Type)
	}
	if ev.Timestamp.IsZero() {
		return Record{}, fmt.Errorf("%w: event without timestamp", ErrInvalidRecord)
	}
	return Record{Event: &ev}, nil
}

func encodeMetadata(md Metadata) ([]byte, error) {
	data, err := json.Marshal(metaLine{Meta: true, Metadata: md})
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

func encodeEvent(ev Event) ([]byte, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}
