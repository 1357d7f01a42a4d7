// Package roster tracks who is currently in the local user's instance, as
// reported by the client log stream.
package roster

import (
	"sort"
	"sync"
	"time"
)

// Player is one roster entry.
type Player struct {
	UserID      string    `json:"userId,omitempty"`
	DisplayName string    `json:"displayName"`
	JoinedAt    time.Time `json:"joinedAt"`
}

// Roster is keyed by display name because leave events carry only the
// display name. It is safe for concurrent use.
type Roster struct {
	mu      sync.RWMutex
	players map[string]Player
}

func New() *Roster {
	return &Roster{players: make(map[string]Player)}
}

// Join adds or refreshes a player. A repeated join without a user id keeps
// the id learned earlier.
func (r *Roster) Join(displayName, userID string, at time.Time) {
	if displayName == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.players[displayName]
	if !ok {
		p = Player{DisplayName: displayName, JoinedAt: at}
	}
	if userID != "" {
		p.UserID = userID
	}
	r.players[displayName] = p
}

func (r *Roster) Leave(displayName string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.players, displayName)
}

// Reset empties the roster. Called on every location change and when the
// client process goes away.
func (r *Roster) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.players = make(map[string]Player)
}

// Present returns the players with a known user id, sorted by user id.
func (r *Roster) Present() []Player {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Player, 0, len(r.players))
	for _, p := range r.players {
		if p.UserID == "" {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// Len returns the number of players, including those without a user id.
func (r *Roster) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.players)
}
