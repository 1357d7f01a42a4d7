// Package feed turns relationship-state diffs into classified, deduplicated
// notification entries and persists them to an append-only log.
package feed

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/groupwatch/backend/internal/event"
	"github.com/groupwatch/backend/internal/location"
)

// ErrNotInitialized is returned when the generator has no bound log.
var ErrNotInitialized = errors.New("feed: generator not initialized")

const (
	logFileName   = "feed.jsonl"
	cleanupMarker = ".feed-cleanup-v1"
)

// EntryType classifies a feed entry.
type EntryType string

const (
	TypeOnline            EntryType = "online"
	TypeOffline           EntryType = "offline"
	TypeStatus            EntryType = "status"
	TypeStatusDescription EntryType = "status_description"
	TypeGroup             EntryType = "group"
	TypeAvatar            EntryType = "avatar"
	TypeLocation          EntryType = "location"
	TypeFriendAdd         EntryType = "friend_add"
	TypeFriendRemove      EntryType = "friend_remove"
)

// Entry is one persisted notification.
type Entry struct {
	ID          string            `json:"id"`
	Type        EntryType         `json:"type"`
	UserID      string            `json:"userId"`
	DisplayName string            `json:"displayName"`
	Timestamp   time.Time         `json:"timestamp"`
	Details     string            `json:"details,omitempty"`
	Data        map[string]string `json:"data,omitempty"`
}

// Result is the outcome of handling one input event.
type Result struct {
	Entries []Entry
	Err     error
}

// FriendSinceRecorder receives the start time of new friendships.
type FriendSinceRecorder interface {
	UpdateFriendSince(ctx context.Context, userID, displayName string, since time.Time) (bool, error)
}

// Listener is called with the entries produced by each handled event.
type Listener func([]Entry)

type Options struct {
	FriendSince FriendSinceRecorder
	Now         func() time.Time
	NewID       func() string
}

// Generator classifies friend-state changes. Dedup caches live in memory
// only; a restart may emit one redundant entry per user.
type Generator struct {
	opts Options

	mu         sync.Mutex
	log        *Log
	lastDesc   map[string]string
	lastAvatar map[string]string
	listeners  []Listener
}

func NewGenerator(opts Options) *Generator {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	return &Generator{
		opts:       opts,
		lastDesc:   make(map[string]string),
		lastAvatar: make(map[string]string),
	}
}

// Initialize binds the generator to <dir>/feed.jsonl and runs the one-time
// legacy cleanup if it has not run in dir before.
func (g *Generator) Initialize(dir string) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating feed dir: %w", err)
	}
	l := NewLog(filepath.Join(dir, logFileName))
	if err := cleanupLegacy(dir, l); err != nil {
		log.Printf("feed: legacy cleanup failed: %v", err)
	}

	g.mu.Lock()
	g.log = l
	g.mu.Unlock()
	return nil
}

// cleanupLegacy removes location entries that point at noise values. An
// older rule wrote them before such locations were suppressed.
func cleanupLegacy(dir string, l *Log) error {
	marker := filepath.Join(dir, cleanupMarker)
	if _, err := os.Stat(marker); err == nil {
		return nil
	}
	removed, err := l.Prune(func(e Entry) bool {
		return e.Type == TypeLocation && location.IsNoise(e.Data["location"])
	})
	if err != nil {
		return err
	}
	if removed > 0 {
		log.Printf("feed: removed %d legacy noise entries", removed)
	}
	if err := os.WriteFile(marker, []byte(time.Now().UTC().Format(time.RFC3339)+"\n"), 0o600); err != nil {
		return fmt.Errorf("writing cleanup marker: %w", err)
	}
	return nil
}

// Shutdown detaches listeners, drops the dedup caches and unbinds the log.
func (g *Generator) Shutdown() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.log = nil
	g.listeners = nil
	g.lastDesc = make(map[string]string)
	g.lastAvatar = make(map[string]string)
}

// Subscribe registers fn for every batch of new entries.
func (g *Generator) Subscribe(fn Listener) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.listeners = append(g.listeners, fn)
}

// HandleStateChange classifies one diff. It may produce no entries, one,
// or several.
func (g *Generator) HandleStateChange(ev event.FriendStateChanged) Result {
	g.mu.Lock()
	if g.log == nil {
		g.mu.Unlock()
		return Result{Err: ErrNotInitialized}
	}
	entries := g.classify(ev)
	res := g.persist(entries)
	listeners := g.listeners
	g.mu.Unlock()

	g.notify(listeners, res)
	return res
}

func (g *Generator) classify(ev event.FriendStateChanged) []Entry {
	cur, prev, ch := ev.Friend, ev.Previous, ev.Change
	userID := firstNonEmpty(cur.ID, prev.ID)
	if userID == "" {
		return nil
	}
	name := firstNonEmpty(cur.DisplayName, prev.DisplayName)
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = g.opts.Now()
	}
	newEntry := func(t EntryType, details string, data map[string]string) Entry {
		return Entry{
			ID:          g.opts.NewID(),
			Type:        t,
			UserID:      userID,
			DisplayName: name,
			Timestamp:   ts.UTC(),
			Details:     details,
			Data:        data,
		}
	}

	var entries []Entry
	wentOffline := cur.IsOffline() && !prev.IsOffline()
	cameOnline := !cur.IsOffline() && prev.IsOffline()

	switch {
	case wentOffline:
		entries = append(entries, newEntry(TypeOffline, "went offline", map[string]string{
			"previousLocation": prev.Location,
		}))
		delete(g.lastAvatar, userID)
	case cameOnline:
		entries = append(entries, newEntry(TypeOnline, "came online", map[string]string{
			"status":   cur.Status,
			"location": cur.Location,
		}))
	case ch.Status && cur.Status != prev.Status:
		entries = append(entries, newEntry(TypeStatus, fmt.Sprintf("status %s -> %s", prev.Status, cur.Status), map[string]string{
			"status":         cur.Status,
			"previousStatus": prev.Status,
		}))
	}

	if cur.IsOffline() {
		return entries
	}

	if ch.StatusDescription {
		if last, ok := g.lastDesc[userID]; !ok || last != cur.StatusDescription {
			g.lastDesc[userID] = cur.StatusDescription
			entries = append(entries, newEntry(TypeStatusDescription, cur.StatusDescription, map[string]string{
				"statusDescription": cur.StatusDescription,
				"previous":          prev.StatusDescription,
			}))
		}
	}

	if ch.RepresentedGroup && cur.GroupID() != prev.GroupID() {
		data := map[string]string{
			"groupId":         cur.GroupID(),
			"previousGroupId": prev.GroupID(),
		}
		details := "stopped representing a group"
		if cur.RepresentedGroup != nil {
			data["groupName"] = cur.RepresentedGroup.Name
			details = "now representing " + cur.RepresentedGroup.Name
		}
		entries = append(entries, newEntry(TypeGroup, details, data))
	}

	if ch.Avatar && cur.AvatarID != "" {
		if last, ok := g.lastAvatar[userID]; !ok || last != cur.AvatarID {
			g.lastAvatar[userID] = cur.AvatarID
			entries = append(entries, newEntry(TypeAvatar, cur.AvatarName, map[string]string{
				"avatarId":   cur.AvatarID,
				"avatarName": cur.AvatarName,
			}))
		}
	}

	// The online entry already carries the location it came online in.
	if ch.Location && !cameOnline && !location.IsNoise(cur.Location) {
		loc := location.Parse(cur.Location)
		entries = append(entries, newEntry(TypeLocation, loc.WorldID, map[string]string{
			"location":         cur.Location,
			"worldId":          loc.WorldID,
			"groupId":          loc.GroupID,
			"previousLocation": prev.Location,
		}))
	}
	return entries
}

// HandleFriendship records an add or remove. Adds also report the
// friendship start to the configured recorder.
func (g *Generator) HandleFriendship(ev event.FriendshipChanged) Result {
	var t EntryType
	switch ev.Type {
	case event.FriendshipAdd:
		t = TypeFriendAdd
	case event.FriendshipRemove:
		t = TypeFriendRemove
	default:
		return Result{Err: fmt.Errorf("feed: unknown friendship type %q", ev.Type)}
	}
	if ev.UserID == "" {
		return Result{Err: errors.New("feed: friendship event without user id")}
	}
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = g.opts.Now()
	}

	g.mu.Lock()
	if g.log == nil {
		g.mu.Unlock()
		return Result{Err: ErrNotInitialized}
	}
	res := g.persist([]Entry{{
		ID:          g.opts.NewID(),
		Type:        t,
		UserID:      ev.UserID,
		DisplayName: ev.DisplayName,
		Timestamp:   ts.UTC(),
	}})
	listeners := g.listeners
	g.mu.Unlock()

	if t == TypeFriendAdd && g.opts.FriendSince != nil {
		if _, err := g.opts.FriendSince.UpdateFriendSince(context.Background(), ev.UserID, ev.DisplayName, ts); err != nil {
			log.Printf("feed: recording friendSince for %s: %v", ev.UserID, err)
		}
	}
	g.notify(listeners, res)
	return res
}

// persist must be called with g.mu held.
func (g *Generator) persist(entries []Entry) Result {
	if len(entries) == 0 {
		return Result{}
	}
	if err := g.log.Append(entries); err != nil {
		log.Printf("feed: persisting %d entries: %v", len(entries), err)
		return Result{Entries: entries, Err: err}
	}
	return Result{Entries: entries}
}

// notify fans out persisted entries only.
func (g *Generator) notify(listeners []Listener, res Result) {
	if res.Err != nil || len(res.Entries) == 0 {
		return
	}
	for _, fn := range listeners {
		fn(res.Entries)
	}
}

// RecentEntries returns up to limit entries, newest first. limit <= 0
// returns everything.
func (g *Generator) RecentEntries(limit int) ([]Entry, error) {
	g.mu.Lock()
	l := g.log
	g.mu.Unlock()
	if l == nil {
		return nil, ErrNotInitialized
	}

	entries, err := l.ReadAll()
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
