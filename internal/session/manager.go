// Package session maintains per-instance session logs for the group
// instances the local user visits.
//
// A session is one append-only JSONL file whose first line is the
// session metadata. The Manager opens a session when the user enters a
// logged group instance, reuses an existing file when the user returns to
// the same location, and appends a SESSION_END when the user leaves.
// Files are never deleted except through ClearSessions.
package session

import (
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/groupwatch/backend/internal/event"
	"github.com/groupwatch/backend/internal/location"
)

// Notifier receives the tracked group id whenever it changes, whether or
// not the new instance is logged. groupID is "" outside group instances.
type Notifier interface {
	GroupChanged(groupID string)
}

// Action describes what a Manager call did.
type Action string

const (
	ActionCreated   Action = "created"
	ActionRejoined  Action = "rejoined"
	ActionUnchanged Action = "unchanged"
	ActionSkipped   Action = "skipped"
	ActionAppended  Action = "appended"
	ActionDropped   Action = "dropped"
	ActionFailed    Action = "failed"
)

// Result is the outcome of one Manager operation. Err is set when a write
// failed; policy rejections and dropped events are not errors.
type Result struct {
	Action    Action
	SessionID string
	Filename  string
	Reason    string
	Err       error
}

// Summary is one listed session.
type Summary struct {
	Metadata
	Filename    string    `json:"filename"`
	EventCount  int       `json:"eventCount"`
	LastEventAt time.Time `json:"lastEventAt,omitempty"`
}

// Options configures a Manager.
type Options struct {
	Dir             string
	AllowedGroupIDs []string
	HeaderReadBytes int
	Notifier        Notifier
	Now             func() time.Time
	NewID           func() string
}

type active struct {
	filename string
	meta     Metadata
}

// Manager turns location and player events into session files. All
// methods are safe for concurrent use; calls are serialized.
type Manager struct {
	mu       sync.Mutex
	store    *Store
	policy   Policy
	notifier Notifier
	now      func() time.Time
	newID    func() string

	current *active

	// last observed location, independent of whether it is logged
	worldID    string
	instanceID string
	location   string
	worldName  string
	groupID    string
}

// NewManager creates a Manager writing session files under opts.Dir.
func NewManager(opts Options) *Manager {
	m := &Manager{
		store:    NewStore(opts.Dir, opts.HeaderReadBytes),
		policy:   NewPolicy(opts.AllowedGroupIDs),
		notifier: opts.Notifier,
		now:      opts.Now,
		newID:    opts.NewID,
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.newID == nil {
		m.newID = uuid.NewString
	}
	return m
}

// Store exposes the underlying file store.
func (m *Manager) Store() *Store {
	return m.store
}

// SetNotifier replaces the group change notifier.
func (m *Manager) SetNotifier(n Notifier) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifier = n
}

// OnLocationChange applies a location change. It is idempotent: replaying
// the location of the active session is a no-op.
func (m *Manager) OnLocationChange(ev event.LocationChange) Result {
	m.mu.Lock()
	res, notify, groupID := m.locationChange(ev)
	notifier := m.notifier
	m.mu.Unlock()

	if notify && notifier != nil {
		notifier.GroupChanged(groupID)
	}
	logResult("location change", res)
	return res
}

func (m *Manager) locationChange(ev event.LocationChange) (res Result, notify bool, groupID string) {
	ts := m.timestamp(ev.Timestamp)
	loc := location.Parse(ev.Location)
	key := location.Key(ev.Location)

	if loc.GroupID != m.groupID {
		m.groupID = loc.GroupID
		notify = true
	}
	groupID = m.groupID

	if m.current != nil && m.current.meta.Location == key {
		return m.result(ActionUnchanged), notify, groupID
	}

	if m.location != key {
		m.worldName = ""
	}
	m.location = key
	m.worldID = firstNonEmpty(loc.WorldID, ev.WorldID)
	m.instanceID = firstNonEmpty(loc.InstanceID, ev.InstanceID)

	if reason := m.policy.Check(loc.GroupID); reason != "" {
		res = Result{Action: ActionSkipped, Reason: reason}
		if m.current != nil {
			res.SessionID = m.current.meta.ID
			res.Filename = m.current.filename
			if err := m.endCurrent(reason, ts); err != nil {
				res.Err = err
			}
		}
		return res, notify, groupID
	}

	if m.current != nil {
		if err := m.endCurrent(ReasonChangedInstance, ts); err != nil {
			log.Printf("session: ending previous session: %v", err)
		}
	}

	filename, md, found, err := m.store.FindByLocation(key)
	if err != nil {
		log.Printf("session: rejoin scan failed, starting new session: %v", err)
	}
	if found {
		rejoin := Event{
			Type:      EventSessionRejoin,
			Timestamp: ts,
			Details:   map[string]string{"location": key},
		}
		if err := m.store.Append(filename, rejoin); err != nil {
			return Result{Action: ActionFailed, Filename: filename, Err: fmt.Errorf("rejoin %s: %w", filename, err)}, notify, groupID
		}
		m.current = &active{filename: filename, meta: md}
		if md.WorldName != "" && m.worldName == "" {
			m.worldName = md.WorldName
		}
		return m.result(ActionRejoined), notify, groupID
	}

	md = Metadata{
		ID:         m.newID(),
		WorldID:    m.worldID,
		InstanceID: m.instanceID,
		Location:   key,
		GroupID:    loc.GroupID,
		StartTime:  ts,
		WorldName:  m.worldName,
	}
	filename, err = m.store.Create(md)
	if err != nil {
		return Result{Action: ActionFailed, Err: fmt.Errorf("create session: %w", err)}, notify, groupID
	}
	first := Event{
		Type:      EventLocationChange,
		Timestamp: ts,
		Details: map[string]string{
			"location":   key,
			"worldId":    m.worldID,
			"instanceId": m.instanceID,
			"groupId":    loc.GroupID,
		},
	}
	if err := m.store.Append(filename, first); err != nil {
		// Leave current unset so a retry finds the file and rejoins it.
		return Result{Action: ActionFailed, SessionID: md.ID, Filename: filename, Err: fmt.Errorf("initial event: %w", err)}, notify, groupID
	}
	m.current = &active{filename: filename, meta: md}
	return m.result(ActionCreated), notify, groupID
}

// endCurrent appends SESSION_END to the active session and clears the
// in-memory pointer. The pointer is cleared even when the append fails.
func (m *Manager) endCurrent(reason string, ts time.Time) error {
	cur := m.current
	m.current = nil
	err := m.store.Append(cur.filename, Event{
		Type:      EventSessionEnd,
		Timestamp: ts,
		Details:   map[string]string{"reason": reason},
	})
	if err != nil {
		return fmt.Errorf("end session %s: %w", cur.meta.ID, err)
	}
	return nil
}

// OnWorldNameChange records the resolved world name. The metadata line is
// never rewritten; readers recover the name from WORLD_NAME_UPDATE.
func (m *Manager) OnWorldNameChange(ev event.WorldName) Result {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.worldName = ev.Name
	if m.current == nil {
		return Result{Action: ActionDropped}
	}
	if m.current.meta.WorldName == ev.Name {
		return m.result(ActionUnchanged)
	}
	err := m.store.Append(m.current.filename, Event{
		Type:      EventWorldNameUpdate,
		Timestamp: m.timestamp(ev.Timestamp),
		Details:   map[string]string{"worldName": ev.Name},
	})
	if err != nil {
		res := m.result(ActionFailed)
		res.Err = fmt.Errorf("world name update: %w", err)
		logResult("world name", res)
		return res
	}
	m.current.meta.WorldName = ev.Name
	return m.result(ActionAppended)
}

// OnPlayerJoined appends a PLAYER_JOIN to the active session.
func (m *Manager) OnPlayerJoined(ev event.PlayerJoined) Result {
	var details map[string]string
	if ev.UserID != "" {
		details = map[string]string{"userId": ev.UserID}
	}
	return m.OnPlayerEvent(EventPlayerJoin, ev.DisplayName, details, ev.Timestamp)
}

// OnPlayerLeft appends a PLAYER_LEFT to the active session.
func (m *Manager) OnPlayerLeft(ev event.PlayerLeft) Result {
	return m.OnPlayerEvent(EventPlayerLeft, ev.DisplayName, nil, ev.Timestamp)
}

// OnPlayerEvent appends a player event while a session is active. Events
// arriving with no active session are dropped, not buffered.
func (m *Manager) OnPlayerEvent(typ EventType, actor string, details map[string]string, ts time.Time) Result {
	if typ != EventPlayerJoin && typ != EventPlayerLeft {
		return Result{Action: ActionFailed, Err: fmt.Errorf("%w: %s is not a player event", ErrInvalidRecord, typ)}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == nil {
		return Result{Action: ActionDropped}
	}
	err := m.store.Append(m.current.filename, Event{
		Type:      typ,
		Timestamp: m.timestamp(ts),
		Actor:     actor,
		Details:   details,
	})
	if err != nil {
		res := m.result(ActionFailed)
		res.Err = fmt.Errorf("player event: %w", err)
		logResult("player event", res)
		return res
	}
	return m.result(ActionAppended)
}

// ListSessions returns every readable session, newest first. groupFilter
// "" lists all groups. Corrupt files are skipped.
func (m *Manager) ListSessions(groupFilter string) ([]Summary, error) {
	names, err := m.store.List()
	if err != nil {
		return nil, err
	}
	out := make([]Summary, 0, len(names))
	for _, name := range names {
		md, events, err := m.store.ReadAll(name)
		if err != nil {
			log.Printf("session: skipping %s: %v", name, err)
			continue
		}
		if groupFilter != "" && md.GroupID != groupFilter {
			continue
		}
		if md.WorldName == "" {
			md.WorldName = lastWorldName(events)
		}
		sum := Summary{Filename: name, Metadata: md, EventCount: len(events)}
		if len(events) > 0 {
			sum.LastEventAt = events[len(events)-1].Timestamp
		}
		out = append(out, sum)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].StartTime.After(out[j].StartTime)
	})
	return out, nil
}

// SessionEvents returns the events of one session file in file order,
// without the metadata line.
func (m *Manager) SessionEvents(filename string) ([]Event, error) {
	if !validFilename(filename) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidFilename, filename)
	}
	_, events, err := m.store.ReadAll(filename)
	if err != nil {
		return nil, err
	}
	return events, nil
}

// ClearSessions deletes all session files. The active session pointer is
// dropped with them; the tracked location and group are kept.
func (m *Manager) ClearSessions() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = nil
	n, err := m.store.Clear()
	if err != nil {
		log.Printf("session: clear: %v", err)
	}
	return n, err
}

// CurrentGroupID returns the group of the last observed location, logged
// or not.
func (m *Manager) CurrentGroupID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.groupID
}

// Current returns the metadata of the active session, if any.
func (m *Manager) Current() (Metadata, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return Metadata{}, false
	}
	return m.current.meta, true
}

// WorldName returns the latest known world name for the tracked location.
func (m *Manager) WorldName() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.worldName
}

func (m *Manager) result(a Action) Result {
	res := Result{Action: a}
	if m.current != nil {
		res.SessionID = m.current.meta.ID
		res.Filename = m.current.filename
	}
	return res
}

func (m *Manager) timestamp(ts time.Time) time.Time {
	if ts.IsZero() {
		return m.now().UTC()
	}
	return ts.UTC()
}

func logResult(op string, res Result) {
	if res.Err != nil {
		log.Printf("session: %s: %v", op, res.Err)
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
