package session

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/groupwatch/backend/internal/event"
)

const (
	locA      = "wrld_aaa:1001~group(grp_123)~groupAccessType(public)~region(us)"
	locB      = "wrld_bbb:2002~group(grp_456)~groupAccessType(members)~region(eu)"
	locPublic = "wrld_ccc:3003~region(us)"
)

type recordingNotifier struct {
	mu     sync.Mutex
	groups []string
}

func (n *recordingNotifier) GroupChanged(groupID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.groups = append(n.groups, groupID)
}

func (n *recordingNotifier) got() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.groups...)
}

// newTestManager returns a Manager on a temp dir with a deterministic
// clock and id sequence.
func newTestManager(t *testing.T, allowed []string) (*Manager, *recordingNotifier) {
	t.Helper()
	n := &recordingNotifier{}
	seq := 0
	clock := testTime(0)
	m := NewManager(Options{
		Dir:             t.TempDir(),
		AllowedGroupIDs: allowed,
		Notifier:        n,
		Now: func() time.Time {
			clock = clock.Add(time.Second)
			return clock
		},
		NewID: func() string {
			seq++
			return fmt.Sprintf("session-%d", seq)
		},
	})
	return m, n
}

func move(loc string, minute int) event.LocationChange {
	return event.LocationChange{Location: loc, Timestamp: testTime(minute)}
}

func sessionFiles(t *testing.T, m *Manager) []string {
	t.Helper()
	names, err := m.Store().List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	return names
}

func eventTypes(t *testing.T, m *Manager, filename string) []EventType {
	t.Helper()
	events, err := m.SessionEvents(filename)
	if err != nil {
		t.Fatalf("SessionEvents: %v", err)
	}
	types := make([]EventType, len(events))
	for i, ev := range events {
		types[i] = ev.Type
	}
	return types
}

func assertTypes(t *testing.T, got []EventType, want ...EventType) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("event types = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event types = %v, want %v", got, want)
		}
	}
}

func TestLeaveAndRejoinReusesSession(t *testing.T) {
	m, _ := newTestManager(t, nil)

	res := m.OnLocationChange(move(locA, 0))
	if res.Action != ActionCreated {
		t.Fatalf("first visit action = %s, want created", res.Action)
	}
	s1 := res.SessionID
	assertTypes(t, eventTypes(t, m, res.Filename), EventLocationChange)

	res = m.OnLocationChange(move(locPublic, 10))
	if res.Action != ActionSkipped || res.Reason != ReasonLeftGroupInstance {
		t.Fatalf("leave result = %+v, want skipped/%s", res, ReasonLeftGroupInstance)
	}
	if _, ok := m.Current(); ok {
		t.Fatal("in-memory session not cleared after leaving group instance")
	}
	events, _ := m.SessionEvents(res.Filename)
	if got := events[len(events)-1].Details["reason"]; got != ReasonLeftGroupInstance {
		t.Errorf("SESSION_END reason = %q, want %q", got, ReasonLeftGroupInstance)
	}

	res = m.OnLocationChange(move(locA, 20))
	if res.Action != ActionRejoined {
		t.Fatalf("return action = %s, want rejoined", res.Action)
	}
	if res.SessionID != s1 {
		t.Errorf("rejoined session %q, want %q", res.SessionID, s1)
	}

	files := sessionFiles(t, m)
	if len(files) != 1 {
		t.Fatalf("got %d session files, want 1", len(files))
	}
	assertTypes(t, eventTypes(t, m, files[0]), EventLocationChange, EventSessionEnd, EventSessionRejoin)
}

func TestUngroupedLocationsNeverLog(t *testing.T) {
	m, _ := newTestManager(t, nil)

	for i, loc := range []string{locPublic, "private", "offline", "traveling", ""} {
		res := m.OnLocationChange(move(loc, i))
		if res.Action != ActionSkipped {
			t.Errorf("location %q action = %s, want skipped", loc, res.Action)
		}
	}
	if files := sessionFiles(t, m); len(files) != 0 {
		t.Errorf("ungrouped locations created files: %v", files)
	}

	if res := m.OnPlayerJoined(event.PlayerJoined{DisplayName: "alice"}); res.Action != ActionDropped {
		t.Errorf("player join outside session action = %s, want dropped", res.Action)
	}
	if files := sessionFiles(t, m); len(files) != 0 {
		t.Errorf("dropped player event created files: %v", files)
	}
}

func TestRepeatedLocationIsIdempotent(t *testing.T) {
	m, n := newTestManager(t, nil)

	first := m.OnLocationChange(move(locA, 0))
	for i := 0; i < 3; i++ {
		res := m.OnLocationChange(move(locA, 1))
		if res.Action != ActionUnchanged {
			t.Fatalf("repeat %d action = %s, want unchanged", i, res.Action)
		}
		if res.SessionID != first.SessionID {
			t.Fatalf("repeat switched session to %q", res.SessionID)
		}
	}
	assertTypes(t, eventTypes(t, m, first.Filename), EventLocationChange)

	if got := n.got(); len(got) != 1 || got[0] != "grp_123" {
		t.Errorf("group notifications = %v, want [grp_123]", got)
	}
}

func TestAllowListRejectsOtherGroups(t *testing.T) {
	m, n := newTestManager(t, []string{"grp_123"})

	if res := m.OnLocationChange(move(locA, 0)); res.Action != ActionCreated {
		t.Fatalf("allowed group action = %s, want created", res.Action)
	}
	res := m.OnLocationChange(move(locB, 5))
	if res.Action != ActionSkipped || res.Reason != ReasonGroupNotAllowed {
		t.Fatalf("disallowed group result = %+v", res)
	}
	if m.CurrentGroupID() != "grp_456" {
		t.Errorf("CurrentGroupID = %q, want grp_456 even though not logged", m.CurrentGroupID())
	}

	if files := sessionFiles(t, m); len(files) != 1 {
		t.Errorf("got %d files, want 1", len(files))
	}
	want := []string{"grp_123", "grp_456"}
	got := n.got()
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("group notifications = %v, want %v", got, want)
	}
}

func TestSwitchingInstancesEndsPreviousSession(t *testing.T) {
	m, _ := newTestManager(t, nil)

	a := m.OnLocationChange(move(locA, 0))
	b := m.OnLocationChange(move(locB, 5))
	if b.Action != ActionCreated || b.SessionID == a.SessionID {
		t.Fatalf("second instance result = %+v", b)
	}

	events, err := m.SessionEvents(a.Filename)
	if err != nil {
		t.Fatal(err)
	}
	last := events[len(events)-1]
	if last.Type != EventSessionEnd || last.Details["reason"] != ReasonChangedInstance {
		t.Errorf("last event of previous session = %+v", last)
	}
}

func TestGroupChangeBroadcastWithoutLogging(t *testing.T) {
	m, n := newTestManager(t, nil)

	m.OnLocationChange(move(locA, 0))
	m.OnLocationChange(move(locPublic, 1))
	m.OnLocationChange(move("private", 2))

	got := n.got()
	want := []string{"grp_123", ""}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("group notifications = %v, want %v", got, want)
	}
}

func TestWorldNameRecordedAsEvent(t *testing.T) {
	m, _ := newTestManager(t, nil)

	res := m.OnLocationChange(move(locA, 0))
	if r := m.OnWorldNameChange(event.WorldName{Name: "The Great Pug", Timestamp: testTime(1)}); r.Action != ActionAppended {
		t.Fatalf("world name action = %s, want appended", r.Action)
	}
	if r := m.OnWorldNameChange(event.WorldName{Name: "The Great Pug", Timestamp: testTime(1)}); r.Action != ActionUnchanged {
		t.Errorf("repeated world name action = %s, want unchanged", r.Action)
	}

	md, err := m.Store().ReadHeader(res.Filename)
	if err != nil {
		t.Fatal(err)
	}
	if md.WorldName != "" {
		t.Errorf("metadata line was rewritten with world name %q", md.WorldName)
	}

	sessions, err := m.ListSessions("")
	if err != nil {
		t.Fatal(err)
	}
	if len(sessions) != 1 || sessions[0].WorldName != "The Great Pug" {
		t.Errorf("ListSessions did not repair world name: %+v", sessions)
	}
}

func TestPlayerEventsAppended(t *testing.T) {
	m, _ := newTestManager(t, nil)

	res := m.OnLocationChange(move(locA, 0))
	m.OnPlayerJoined(event.PlayerJoined{DisplayName: "alice", UserID: "usr_a", Timestamp: testTime(1)})
	m.OnPlayerLeft(event.PlayerLeft{DisplayName: "alice", Timestamp: testTime(2)})

	events, err := m.SessionEvents(res.Filename)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 3 {
		t.Fatalf("got %d events, want 3", len(events))
	}
	if events[1].Actor != "alice" || events[1].Details["userId"] != "usr_a" {
		t.Errorf("join event = %+v", events[1])
	}
	if events[2].Type != EventPlayerLeft {
		t.Errorf("leave event type = %s", events[2].Type)
	}

	if r := m.OnPlayerEvent(EventSessionEnd, "x", nil, testTime(3)); r.Action != ActionFailed || r.Err == nil {
		t.Errorf("non-player event type accepted: %+v", r)
	}
}

func TestListSessionsFiltersAndSorts(t *testing.T) {
	m, _ := newTestManager(t, nil)

	m.OnLocationChange(move(locA, 0))
	m.OnLocationChange(move(locB, 30))
	m.OnLocationChange(move("wrld_ddd:4~group(grp_123)", 60))

	dir := m.Store().Dir()
	if err := os.WriteFile(filepath.Join(dir, "corrupt.jsonl"), []byte("{oops\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	all, err := m.ListSessions("")
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Fatalf("ListSessions returned %d, want 3 (corrupt file skipped)", len(all))
	}
	for i := 1; i < len(all); i++ {
		if all[i].StartTime.After(all[i-1].StartTime) {
			t.Errorf("sessions not sorted newest first: %v before %v", all[i-1].StartTime, all[i].StartTime)
		}
	}

	grp, err := m.ListSessions("grp_123")
	if err != nil {
		t.Fatal(err)
	}
	if len(grp) != 2 {
		t.Errorf("group filter returned %d sessions, want 2", len(grp))
	}
}

func TestClearSessions(t *testing.T) {
	m, _ := newTestManager(t, nil)

	m.OnLocationChange(move(locA, 0))
	m.OnLocationChange(move(locB, 1))

	n, err := m.ClearSessions()
	if err != nil {
		t.Fatalf("ClearSessions: %v", err)
	}
	if n != 2 {
		t.Errorf("removed %d files, want 2", n)
	}
	if _, ok := m.Current(); ok {
		t.Error("current session survived ClearSessions")
	}
	if r := m.OnPlayerJoined(event.PlayerJoined{DisplayName: "bob"}); r.Action != ActionDropped {
		t.Errorf("player event after clear action = %s, want dropped", r.Action)
	}
	if files := sessionFiles(t, m); len(files) != 0 {
		t.Errorf("files after clear: %v", files)
	}
	if m.CurrentGroupID() != "grp_456" {
		t.Errorf("tracked group lost on clear: %q", m.CurrentGroupID())
	}
}

func TestSessionEventsRejectsTraversal(t *testing.T) {
	m, _ := newTestManager(t, nil)
	if _, err := m.SessionEvents("../../etc/passwd.jsonl"); err == nil {
		t.Error("expected error for path traversal")
	}
}

func TestCreateFailureIsContained(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "sessions")
	if err := os.WriteFile(blocker, []byte("not a dir"), 0o600); err != nil {
		t.Fatal(err)
	}
	m := NewManager(Options{Dir: blocker})

	res := m.OnLocationChange(move(locA, 0))
	if res.Action != ActionFailed || res.Err == nil {
		t.Fatalf("result = %+v, want failed with error", res)
	}
	if _, ok := m.Current(); ok {
		t.Error("failed create left an active session")
	}
}
