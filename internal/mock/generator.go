// Package mock drives the tracking core with synthetic client and friend
// events so the dashboard can be exercised without a game client.
package mock

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"time"

	"github.com/groupwatch/backend/internal/event"
	"github.com/groupwatch/backend/internal/monitor"
)

type mockWorld struct {
	id      string
	name    string
	groupID string // "" for a public instance
	pattern string
	players []mockPlayer
}

type mockPlayer struct {
	name   string
	userID string
}

type mockFriend struct {
	id      string
	name    string
	avatars []string
	moods   []string
	groups  []string
}

var worlds = []mockWorld{
	{
		id: "wrld_mock_lounge", name: "Midnight Lounge", groupID: "grp_mock_regulars", pattern: "steady",
		players: []mockPlayer{{"Aster", "usr_mock_aster"}, {"Birch", "usr_mock_birch"}, {"Cobalt", "usr_mock_cobalt"}, {"Drift", ""}},
	},
	{
		id: "wrld_mock_arena", name: "Sky Arena", groupID: "grp_mock_league", pattern: "burst",
		players: []mockPlayer{{"Ember", "usr_mock_ember"}, {"Flint", "usr_mock_flint"}, {"Aster", "usr_mock_aster"}},
	},
	{
		id: "wrld_mock_plaza", name: "Open Plaza", pattern: "churn",
		players: []mockPlayer{{"Gale", "usr_mock_gale"}, {"Haze", ""}},
	},
}

var friends = []mockFriend{
	{id: "usr_mock_aster", name: "Aster", avatars: []string{"avtr_fox", "avtr_owl"}, moods: []string{"chilling", "Let's play"}, groups: []string{"grp_mock_regulars"}},
	{id: "usr_mock_ember", name: "Ember", avatars: []string{"avtr_robot"}, moods: []string{"afk", "", "streaming"}},
	{id: "usr_mock_gale", name: "Gale", avatars: []string{"avtr_cat", "avtr_cat", "avtr_dragon"}, moods: []string{"new here"}, groups: []string{"grp_mock_league", ""}},
}

// Options configures a Generator.
type Options struct {
	Interval time.Duration
	// Ticks spent in each world before moving on.
	Dwell int
	Seed  int64
	Now   func() time.Time
}

// Generator cycles through mock worlds, announcing the players in each and
// flipping mock friends between states.
type Generator struct {
	dispatcher monitor.Dispatcher
	opts       Options
	rng        *rand.Rand

	tick    int
	world   int
	inside  map[string]bool
	friends map[string]event.Friend
	added   map[string]bool
}

func NewGenerator(d monitor.Dispatcher, opts Options) *Generator {
	if opts.Interval <= 0 {
		opts.Interval = 500 * time.Millisecond
	}
	if opts.Dwell <= 0 {
		opts.Dwell = 40
	}
	if opts.Seed == 0 {
		opts.Seed = time.Now().UnixNano()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	g := &Generator{
		dispatcher: d,
		opts:       opts,
		rng:        rand.New(rand.NewSource(opts.Seed)),
		world:      -1,
		inside:     make(map[string]bool),
		friends:    make(map[string]event.Friend),
		added:      make(map[string]bool),
	}
	for _, f := range friends {
		g.friends[f.id] = offlineFriend(f)
	}
	return g
}

// Start dispatches the first world and keeps ticking until ctx is
// cancelled. It blocks.
func (g *Generator) Start(ctx context.Context) {
	g.Step(ctx)

	ticker := time.NewTicker(g.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.Step(ctx)
		}
	}
}

// Step advances the simulation by one tick and returns the events it
// dispatched. It is not safe for concurrent use.
func (g *Generator) Step(ctx context.Context) []any {
	var events []any
	emit := func(ev any) {
		events = append(events, ev)
		if err := g.dispatcher.Dispatch(ctx, ev); err != nil {
			log.Printf("mock: dispatch %T: %v", ev, err)
		}
	}

	if g.world < 0 || g.tick%g.opts.Dwell == 0 {
		g.enterNext(emit)
	} else {
		g.advancePlayers(emit)
	}
	g.advanceFriends(emit)
	g.tick++
	return events
}

func (g *Generator) enterNext(emit func(any)) {
	g.world = (g.world + 1) % len(worlds)
	w := worlds[g.world]
	now := g.opts.Now()

	instance := fmt.Sprintf("%05d", 10000+g.rng.Intn(90000))
	if w.groupID != "" {
		instance += "~group(" + w.groupID + ")~groupAccessType(members)"
	}
	emit(event.LocationChange{
		WorldID:    w.id,
		InstanceID: instance,
		Location:   w.id + ":" + instance,
		Timestamp:  now,
	})
	emit(event.WorldName{Name: w.name, Timestamp: now})

	g.inside = make(map[string]bool)
	for _, p := range w.players {
		g.join(p, emit)
	}
}

func (g *Generator) advancePlayers(emit func(any)) {
	w := worlds[g.world]
	var chance float64
	switch w.pattern {
	case "steady":
		chance = 0.03
	case "burst":
		if g.tick%8 < 3 {
			chance = 0.3
		}
	case "churn":
		chance = 0.2
	}
	for _, p := range w.players {
		if g.rng.Float64() >= chance {
			continue
		}
		if g.inside[p.name] {
			g.inside[p.name] = false
			emit(event.PlayerLeft{DisplayName: p.name, Timestamp: g.opts.Now()})
		} else {
			g.join(p, emit)
		}
	}
}

func (g *Generator) join(p mockPlayer, emit func(any)) {
	g.inside[p.name] = true
	emit(event.PlayerJoined{DisplayName: p.name, UserID: p.userID, Timestamp: g.opts.Now()})
}

func (g *Generator) advanceFriends(emit func(any)) {
	for _, f := range friends {
		if !g.added[f.id] {
			g.added[f.id] = true
			emit(event.FriendshipChanged{
				UserID:      f.id,
				DisplayName: f.name,
				Type:        event.FriendshipAdd,
				Timestamp:   g.opts.Now(),
			})
		}
		if g.rng.Float64() >= 0.1 {
			continue
		}
		prev := g.friends[f.id]
		next, change := g.mutate(f, prev)
		if !change.Any() {
			continue
		}
		g.friends[f.id] = next
		emit(event.FriendStateChanged{Friend: next, Previous: prev, Change: change, Timestamp: g.opts.Now()})
	}
}

// mutate picks one plausible transition for a friend.
func (g *Generator) mutate(f mockFriend, prev event.Friend) (event.Friend, event.Change) {
	next := prev
	var change event.Change

	if prev.IsOffline() {
		next.State, next.Status = "online", "active"
		next.Location = worlds[g.rng.Intn(len(worlds))].id + ":1"
		change.Status, change.Location = true, true
		return next, change
	}

	switch g.rng.Intn(6) {
	case 0:
		return offlineFriend(f), event.Change{Status: true, Location: true}
	case 1:
		next.Status = pick(g.rng, []string{"active", "join me", "busy"})
		change.Status = next.Status != prev.Status
	case 2:
		next.StatusDescription = pick(g.rng, f.moods)
		change.StatusDescription = next.StatusDescription != prev.StatusDescription
	case 3:
		next.AvatarID = pick(g.rng, f.avatars)
		next.AvatarName = next.AvatarID
		change.Avatar = next.AvatarID != prev.AvatarID
	case 4:
		if len(f.groups) > 0 {
			if id := pick(g.rng, f.groups); id != "" {
				next.RepresentedGroup = &event.Group{ID: id, Name: id}
			} else {
				next.RepresentedGroup = nil
			}
			change.RepresentedGroup = next.GroupID() != prev.GroupID()
		}
	default:
		next.Location = pick(g.rng, []string{"private", worlds[g.rng.Intn(len(worlds))].id + ":2"})
		change.Location = next.Location != prev.Location
	}
	return next, change
}

func offlineFriend(f mockFriend) event.Friend {
	return event.Friend{
		ID:          f.id,
		DisplayName: f.name,
		State:       "offline",
		Status:      "offline",
		Location:    "offline",
	}
}

func pick(rng *rand.Rand, vals []string) string {
	return vals[rng.Intn(len(vals))]
}
