package monitor

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/groupwatch/backend/internal/event"
	"github.com/groupwatch/backend/internal/feed"
	"github.com/groupwatch/backend/internal/roster"
	"github.com/groupwatch/backend/internal/session"
)

type recordingEncounters struct {
	mu  sync.Mutex
	ids []string
	err error
}

func (r *recordingEncounters) RecordEncounter(_ context.Context, userID, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.ids = append(r.ids, userID)
	return nil
}

type stubSource struct {
	name  string
	read  func(offset int64) ([]event.Envelope, int64, error)
	calls int
}

func (s *stubSource) Name() string { return s.name }

func (s *stubSource) Read(offset int64) ([]event.Envelope, int64, error) {
	s.calls++
	return s.read(offset)
}

type recordingDispatcher struct {
	events []any
}

func (d *recordingDispatcher) Dispatch(_ context.Context, ev any) error {
	d.events = append(d.events, ev)
	return nil
}

func TestPollRoutesClientEvents(t *testing.T) {
	dir := t.TempDir()
	clientPath := filepath.Join(dir, "client.jsonl")
	writeFile(t, clientPath, locationLine+joinLine+
		`{"type":"player-joined","data":{"displayName":"Bob","timestamp":"2026-01-30T10:00:06Z"}}`+"\n")

	mgr := session.NewManager(session.Options{Dir: filepath.Join(dir, "sessions")})
	r := roster.New()
	enc := &recordingEncounters{}
	router := &Router{Sessions: mgr, Roster: r, Encounters: enc}
	m := NewMonitor(Options{}, router, NewFileSource("client", clientPath))

	res := m.Poll(context.Background())
	if res.Events != 3 || len(res.Failed) != 0 {
		t.Fatalf("Poll = %+v", res)
	}

	if _, ok := mgr.Current(); !ok {
		t.Fatal("expected an active session")
	}
	if got := mgr.CurrentGroupID(); got != "grp_1" {
		t.Errorf("CurrentGroupID = %q, want grp_1", got)
	}
	if r.Len() != 2 {
		t.Errorf("roster len = %d, want 2", r.Len())
	}
	if present := r.Present(); len(present) != 1 || present[0].UserID != "usr_a" {
		t.Errorf("present = %v", present)
	}
	if len(enc.ids) != 1 || enc.ids[0] != "usr_a" {
		t.Errorf("encounters = %v", enc.ids)
	}

	// A new location clears the roster.
	appendFile(t, clientPath, `{"type":"location-change","data":{"location":"wrld_2:9","timestamp":"2026-01-30T10:05:00Z"}}`+"\n")
	m.Poll(context.Background())
	if r.Len() != 0 {
		t.Errorf("roster len after move = %d, want 0", r.Len())
	}
	if _, ok := mgr.Current(); ok {
		t.Error("ungrouped location should end the session")
	}
}

func TestPollRoutesFriendEvents(t *testing.T) {
	dir := t.TempDir()
	friendPath := filepath.Join(dir, "friends.jsonl")
	writeFile(t, friendPath,
		`{"type":"friendship-relationship-changed","data":{"userId":"usr_a","displayName":"Alice","type":"add","timestamp":"2026-01-30T10:00:00Z"}}`+"\n"+
			`{"type":"friend-state-changed","data":{"friend":{"id":"usr_a","state":"online","status":"active","location":"wrld_1:1"},"previous":{"id":"usr_a","state":"offline","status":"offline","location":"offline"},"change":{"status":true,"location":true}}}`+"\n")

	gen := feed.NewGenerator(feed.Options{})
	if err := gen.Initialize(filepath.Join(dir, "feed")); err != nil {
		t.Fatal(err)
	}
	m := NewMonitor(Options{}, &Router{Feed: gen}, NewFileSource("friends", friendPath))
	m.Poll(context.Background())

	entries, err := gen.RecentEntries(0)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 || entries[0].Type != feed.TypeOnline || entries[1].Type != feed.TypeFriendAdd {
		t.Errorf("entries = %+v", entries)
	}
}

func TestPollResumesFromOffset(t *testing.T) {
	path := filepath.Join(t.TempDir(), "client.jsonl")
	writeFile(t, path, locationLine)
	d := &recordingDispatcher{}
	m := NewMonitor(Options{}, d, NewFileSource("client", path))

	m.Poll(context.Background())
	m.Poll(context.Background())
	if len(d.events) != 1 {
		t.Fatalf("dispatched %d events, want 1", len(d.events))
	}
	if m.Offset("client") != int64(len(locationLine)) {
		t.Errorf("offset = %d", m.Offset("client"))
	}

	appendFile(t, path, joinLine)
	m.Poll(context.Background())
	if len(d.events) != 2 {
		t.Fatalf("dispatched %d events, want 2", len(d.events))
	}
	if _, ok := d.events[1].(event.PlayerJoined); !ok {
		t.Errorf("second event = %T, want event.PlayerJoined", d.events[1])
	}
}

func TestPollContainsSourcePanicsAndErrors(t *testing.T) {
	panicky := &stubSource{name: "panicky", read: func(int64) ([]event.Envelope, int64, error) {
		panic("boom")
	}}
	broken := &stubSource{name: "broken", read: func(off int64) ([]event.Envelope, int64, error) {
		return nil, off, errors.New("disk gone")
	}}
	d := &recordingDispatcher{}
	m := NewMonitor(Options{HealthThreshold: 2}, d, panicky, broken)

	for i := 0; i < 2; i++ {
		res := m.Poll(context.Background())
		if len(res.Failed) != 2 {
			t.Fatalf("poll %d failed = %v", i, res.Failed)
		}
	}

	health := m.Health()
	if len(health) != 2 {
		t.Fatalf("health = %+v", health)
	}
	for _, h := range health {
		if h.Status != StatusFailed {
			t.Errorf("%s status = %s, want failed", h.Source, h.Status)
		}
	}
	if health[0].Source != "broken" || health[1].Source != "panicky" {
		t.Errorf("health not sorted: %v", health)
	}
}

func TestPollSkipsUndecodableEnvelope(t *testing.T) {
	src := &stubSource{name: "client", read: func(off int64) ([]event.Envelope, int64, error) {
		if off > 0 {
			return nil, off, nil
		}
		return []event.Envelope{
			{Type: "mystery", Data: []byte(`{}`)},
			{Type: event.TypeWorldName, Data: []byte(`{"name":"Hangout","timestamp":"2026-01-30T10:00:00Z"}`)},
		}, 10, nil
	}}
	d := &recordingDispatcher{}
	m := NewMonitor(Options{}, d, src)

	res := m.Poll(context.Background())
	if res.Events != 1 || len(d.events) != 1 {
		t.Errorf("Poll = %+v, dispatched %d", res, len(d.events))
	}
}

func TestProcessExitResetsRoster(t *testing.T) {
	r := roster.New()
	r.Join("Alice", "usr_a", time.Now())

	running := true
	p := NewProcessProbe("game")
	p.list = func(context.Context) ([]string, error) {
		if running {
			return []string{"game"}, nil
		}
		return nil, nil
	}
	m := NewMonitor(Options{}, &Router{Roster: r})
	m.SetProcessProbe(p, r.Reset)

	if res := m.Poll(context.Background()); res.Exited {
		t.Fatal("exit reported while running")
	}
	running = false
	if res := m.Poll(context.Background()); !res.Exited {
		t.Fatal("exit not reported")
	}
	if r.Len() != 0 {
		t.Errorf("roster len = %d, want 0", r.Len())
	}
}

func TestRouterReportsComponentErrors(t *testing.T) {
	enc := &recordingEncounters{err: errors.New("queue stopped")}
	r := roster.New()
	router := &Router{Roster: r, Encounters: enc}

	err := router.Dispatch(context.Background(), event.PlayerJoined{DisplayName: "Alice", UserID: "usr_a"})
	if err == nil {
		t.Fatal("expected encounter error")
	}
	if r.Len() != 1 {
		t.Error("roster should still see the join")
	}

	if err := router.Dispatch(context.Background(), "not an event"); err == nil {
		t.Error("expected error for unsupported event")
	}
}

func TestRestartResumesFromSavedOffsets(t *testing.T) {
	dir := t.TempDir()
	clientPath := filepath.Join(dir, "client.jsonl")
	friendPath := filepath.Join(dir, "friends.jsonl")
	offsetsPath := filepath.Join(dir, "state", "monitor-offsets.json")
	writeFile(t, clientPath, locationLine+joinLine)
	writeFile(t, friendPath,
		`{"type":"friendship-relationship-changed","data":{"userId":"usr_a","displayName":"Alice","type":"add","timestamp":"2026-01-30T10:00:00Z"}}`+"\n"+
			`{"type":"friend-state-changed","data":{"friend":{"id":"usr_a","state":"online","status":"active","location":"wrld_1:1"},"previous":{"id":"usr_a","state":"offline","status":"offline","location":"offline"},"change":{"status":true,"location":true}}}`+"\n")

	enc := &recordingEncounters{}
	run := func() *session.Manager {
		mgr := session.NewManager(session.Options{Dir: filepath.Join(dir, "sessions")})
		gen := feed.NewGenerator(feed.Options{})
		if err := gen.Initialize(filepath.Join(dir, "feed")); err != nil {
			t.Fatal(err)
		}
		defer gen.Shutdown()
		router := &Router{Sessions: mgr, Roster: roster.New(), Encounters: enc, Feed: gen}
		m := NewMonitor(Options{OffsetsPath: offsetsPath}, router,
			NewFileSource("client", clientPath), NewFileSource("friends", friendPath))
		m.Poll(context.Background())
		return mgr
	}

	run()
	mgr := run()

	if len(enc.ids) != 1 {
		t.Errorf("encounters = %v, want one", enc.ids)
	}

	gen := feed.NewGenerator(feed.Options{})
	if err := gen.Initialize(filepath.Join(dir, "feed")); err != nil {
		t.Fatal(err)
	}
	defer gen.Shutdown()
	entries, err := gen.RecentEntries(0)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Errorf("feed entries after restart = %d, want 2", len(entries))
	}

	sessions, err := mgr.ListSessions("")
	if err != nil {
		t.Fatal(err)
	}
	if len(sessions) != 1 {
		t.Fatalf("sessions = %d, want 1", len(sessions))
	}
	events, err := mgr.SessionEvents(sessions[0].Filename)
	if err != nil {
		t.Fatal(err)
	}
	var types []session.EventType
	for _, ev := range events {
		types = append(types, ev.Type)
	}
	if len(events) != 2 || events[0].Type != session.EventLocationChange || events[1].Type != session.EventPlayerJoin {
		t.Errorf("session events = %v", types)
	}
}

func TestOffsetsResetWhenSourceShrinks(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "client.jsonl")
	offsetsPath := filepath.Join(dir, "offsets.json")
	writeFile(t, path, locationLine+joinLine)

	d := &recordingDispatcher{}
	NewMonitor(Options{OffsetsPath: offsetsPath}, d, NewFileSource("client", path)).Poll(context.Background())

	// The client rotated its log.
	writeFile(t, path, joinLine)
	m := NewMonitor(Options{OffsetsPath: offsetsPath}, d, NewFileSource("client", path))
	m.Poll(context.Background())
	if len(d.events) != 3 {
		t.Fatalf("dispatched %d events, want 3", len(d.events))
	}
	if got := m.Offset("client"); got != int64(len(joinLine)) {
		t.Errorf("offset = %d, want %d", got, len(joinLine))
	}
}

func TestCorruptOffsetsFileStartsOver(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "client.jsonl")
	offsetsPath := filepath.Join(dir, "offsets.json")
	writeFile(t, path, locationLine)
	writeFile(t, offsetsPath, "{not json")

	d := &recordingDispatcher{}
	m := NewMonitor(Options{OffsetsPath: offsetsPath}, d, NewFileSource("client", path))
	m.Poll(context.Background())
	if len(d.events) != 1 {
		t.Fatalf("dispatched %d events, want 1", len(d.events))
	}

	saved, err := loadOffsets(offsetsPath)
	if err != nil {
		t.Fatalf("offsets not rewritten: %v", err)
	}
	if saved["client"] != int64(len(locationLine)) {
		t.Errorf("saved offsets = %v", saved)
	}
}

func TestRepeatedLocationKeepsRoster(t *testing.T) {
	mgr := session.NewManager(session.Options{Dir: t.TempDir()})
	r := roster.New()
	router := &Router{Sessions: mgr, Roster: r}
	ctx := context.Background()
	ts := time.Date(2026, 1, 30, 10, 0, 0, 0, time.UTC)
	loc := event.LocationChange{Location: "wrld_1:1~group(grp_1)", Timestamp: ts}

	if err := router.Dispatch(ctx, loc); err != nil {
		t.Fatal(err)
	}
	if err := router.Dispatch(ctx, event.PlayerJoined{DisplayName: "Bob", UserID: "usr_b", Timestamp: ts}); err != nil {
		t.Fatal(err)
	}
	if err := router.Dispatch(ctx, loc); err != nil {
		t.Fatal(err)
	}
	if present := r.Present(); len(present) != 1 || present[0].UserID != "usr_b" {
		t.Fatalf("present after repeated location = %v", present)
	}

	// After the client exits the same location starts over.
	r.Reset()
	router.ForgetLocation()
	r.Join("Carol", "usr_c", ts)
	if err := router.Dispatch(ctx, loc); err != nil {
		t.Fatal(err)
	}
	if r.Len() != 0 {
		t.Errorf("roster len = %d, want 0", r.Len())
	}

	r.Join("Dave", "usr_d", ts)
	if err := router.Dispatch(ctx, event.LocationChange{Location: "wrld_2:5~group(grp_1)", Timestamp: ts}); err != nil {
		t.Fatal(err)
	}
	if r.Len() != 0 {
		t.Errorf("roster len after move = %d, want 0", r.Len())
	}
}
