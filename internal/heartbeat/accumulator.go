// Package heartbeat accrues co-presence statistics by sampling the live
// roster on a fixed interval, and records discrete encounters through a
// single-consumer queue so the counter store never sees overlapping write
// bursts from this path.
package heartbeat

import (
	"context"
	"errors"
	"log"
	"math"
	"sync"
	"time"

	"github.com/groupwatch/backend/internal/roster"
	"github.com/groupwatch/backend/internal/storage/sqlite"
)

// ErrNotRunning is returned by RecordEncounter when the accumulator is not
// started.
var ErrNotRunning = errors.New("heartbeat: accumulator not running")

const (
	DefaultInterval       = time.Minute
	DefaultUnitMinutes    = 1
	DefaultQueueSize      = 256
	DefaultMigrationDelay = 30 * time.Second
)

// Store is the subset of the counter store the accumulator writes to.
type Store interface {
	RecordHeartbeat(ctx context.Context, players []sqlite.Presence, unitMinutes int, at time.Time) error
	RecordEncounter(ctx context.Context, p sqlite.Presence, at time.Time) error
	GetPlayerStats(ctx context.Context, userID string) (sqlite.PlayerStats, bool, error)
	GetBulkStats(ctx context.Context, userIDs []string) (map[string]sqlite.PlayerStats, error)
	SetFriendSinceIfEmpty(ctx context.Context, userID, displayName string, since time.Time) (bool, error)
}

// Roster reports who is co-present right now.
type Roster interface {
	Present() []roster.Player
}

// Options configures an Accumulator. Zero values select the defaults.
type Options struct {
	Interval       time.Duration
	UnitMinutes    int
	QueueSize      int
	MigrationDelay time.Duration
	// LegacyLogPath is the relationship-change log backfilled once after
	// MigrationDelay. Empty disables the migration.
	LegacyLogPath string
	// Filter limits accrual to tracked counterparties. Nil tracks everyone
	// on the roster.
	Filter func(userID string) bool
	Now    func() time.Time
}

// TickResult is the outcome of one heartbeat sample.
type TickResult struct {
	Counted int
	Err     error
}

type encounter struct {
	p  sqlite.Presence
	at time.Time
}

// Accumulator owns the heartbeat ticker and the encounter worker.
type Accumulator struct {
	store  Store
	roster Roster
	opts   Options

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	loops   sync.WaitGroup

	// qmu guards queue against close while a sender is blocked on it.
	qmu        sync.RWMutex
	queue      chan encounter
	accepting  bool
	workerDone chan struct{}
}

// NewAccumulator returns a stopped Accumulator.
func NewAccumulator(store Store, r Roster, opts Options) *Accumulator {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.UnitMinutes <= 0 {
		opts.UnitMinutes = DefaultUnitMinutes
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.MigrationDelay <= 0 {
		opts.MigrationDelay = DefaultMigrationDelay
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Accumulator{store: store, roster: r, opts: opts}
}

// Start launches the ticker, the encounter worker and the one-shot
// friendSince migration. Calling Start on a running accumulator is a no-op.
func (a *Accumulator) Start(ctx context.Context) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running {
		return
	}
	a.running = true

	loopCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	a.qmu.Lock()
	a.queue = make(chan encounter, a.opts.QueueSize)
	a.accepting = true
	a.workerDone = make(chan struct{})
	go a.work(a.queue, a.workerDone)
	a.qmu.Unlock()

	a.loops.Add(1)
	go func() {
		defer a.loops.Done()
		a.run(loopCtx)
	}()

	if a.opts.LegacyLogPath != "" {
		a.loops.Add(1)
		go func() {
			defer a.loops.Done()
			a.migrateAfterDelay(loopCtx)
		}()
	}
	log.Printf("heartbeat: started (interval %s, unit %dm)", a.opts.Interval, a.opts.UnitMinutes)
}

// Stop halts the ticker, closes the queue and waits until every pending
// encounter has been written. It is safe to call more than once.
func (a *Accumulator) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.running {
		return
	}
	a.running = false
	a.cancel()
	a.loops.Wait()

	a.qmu.Lock()
	a.accepting = false
	close(a.queue)
	done := a.workerDone
	a.qmu.Unlock()
	<-done
	log.Printf("heartbeat: stopped")
}

// Running reports whether Start has been called without a matching Stop.
func (a *Accumulator) Running() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.running
}

func (a *Accumulator) run(ctx context.Context) {
	ticker := time.NewTicker(a.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.Tick(ctx)
		}
	}
}

// Tick samples the roster and credits every tracked, co-present player
// with one unit. Failures are logged and returned, never fatal.
func (a *Accumulator) Tick(ctx context.Context) (res TickResult) {
	defer func() {
		if r := recover(); r != nil {
			res = TickResult{Err: errors.New("heartbeat: tick panicked")}
			log.Printf("heartbeat: tick panic: %v", r)
		}
	}()

	players := a.tracked()
	if len(players) == 0 {
		return TickResult{}
	}
	if err := a.store.RecordHeartbeat(ctx, players, a.opts.UnitMinutes, a.opts.Now()); err != nil {
		log.Printf("heartbeat: tick failed for %d players: %v", len(players), err)
		return TickResult{Err: err}
	}
	return TickResult{Counted: len(players)}
}

func (a *Accumulator) tracked() []sqlite.Presence {
	present := a.roster.Present()
	seen := make(map[string]bool, len(present))
	out := make([]sqlite.Presence, 0, len(present))
	for _, p := range present {
		if p.UserID == "" || seen[p.UserID] {
			continue
		}
		if a.opts.Filter != nil && !a.opts.Filter(p.UserID) {
			continue
		}
		seen[p.UserID] = true
		out = append(out, sqlite.Presence{UserID: p.UserID, DisplayName: p.DisplayName})
	}
	return out
}

// RecordEncounter queues one encounter for userID. It blocks while the
// queue is full and returns ErrNotRunning once the accumulator is stopped.
func (a *Accumulator) RecordEncounter(ctx context.Context, userID, displayName string) error {
	if userID == "" {
		return errors.New("heartbeat: user id is required")
	}
	a.qmu.RLock()
	defer a.qmu.RUnlock()
	if !a.accepting {
		return ErrNotRunning
	}
	item := encounter{p: sqlite.Presence{UserID: userID, DisplayName: displayName}, at: a.opts.Now()}
	select {
	case a.queue <- item:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// work drains the queue in order until it is closed.
func (a *Accumulator) work(queue <-chan encounter, done chan<- struct{}) {
	defer close(done)
	for item := range queue {
		if err := a.store.RecordEncounter(context.Background(), item.p, item.at); err != nil {
			log.Printf("heartbeat: dropping encounter for %s: %v", item.p.UserID, err)
		}
	}
}

// PlayerStats returns the counters for one player.
func (a *Accumulator) PlayerStats(ctx context.Context, userID string) (sqlite.PlayerStats, bool, error) {
	return a.store.GetPlayerStats(ctx, userID)
}

// FriendStats is the display shape returned by BulkFriendStats.
type FriendStats struct {
	UserID           string     `json:"userId"`
	DisplayName      string     `json:"displayName"`
	TimeSpentMinutes int64      `json:"timeSpentMinutes"`
	TimeSpentHours   float64    `json:"timeSpentHours"`
	EncounterCount   int64      `json:"encounterCount"`
	LastSeen         time.Time  `json:"lastSeen"`
	FriendSince      *time.Time `json:"friendSince,omitempty"`
}

// BulkFriendStats looks up many players at once. Players never seen are
// absent from the result.
func (a *Accumulator) BulkFriendStats(ctx context.Context, userIDs []string) (map[string]FriendStats, error) {
	rows, err := a.store.GetBulkStats(ctx, userIDs)
	if err != nil {
		return nil, err
	}
	out := make(map[string]FriendStats, len(rows))
	for id, st := range rows {
		out[id] = FriendStats{
			UserID:           st.UserID,
			DisplayName:      st.DisplayName,
			TimeSpentMinutes: st.TimeSpentMinutes,
			TimeSpentHours:   hours(st.TimeSpentMinutes),
			EncounterCount:   st.EncounterCount,
			LastSeen:         st.LastSeen,
			FriendSince:      st.FriendSince,
		}
	}
	return out, nil
}

// hours converts minutes to hours rounded to one decimal.
func hours(minutes int64) float64 {
	return math.Round(float64(minutes)/60*10) / 10
}

// UpdateFriendSince records when a friendship started. An existing value
// is never overwritten; changed reports whether this call stored since.
func (a *Accumulator) UpdateFriendSince(ctx context.Context, userID, displayName string, since time.Time) (bool, error) {
	return a.store.SetFriendSinceIfEmpty(ctx, userID, displayName, since)
}

func (a *Accumulator) migrateAfterDelay(ctx context.Context) {
	timer := time.NewTimer(a.opts.MigrationDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return
	case <-timer.C:
	}
	n, err := a.BackfillFriendSince(ctx, a.opts.LegacyLogPath)
	if err != nil {
		log.Printf("heartbeat: friendSince backfill failed: %v", err)
		return
	}
	log.Printf("heartbeat: friendSince backfill set %d players", n)
}
