package monitor

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/groupwatch/backend/internal/event"
	"github.com/groupwatch/backend/internal/feed"
	"github.com/groupwatch/backend/internal/location"
	"github.com/groupwatch/backend/internal/session"
)

// Dispatcher receives decoded events.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev any) error
}

type Sessions interface {
	OnLocationChange(ev event.LocationChange) session.Result
	OnWorldNameChange(ev event.WorldName) session.Result
	OnPlayerJoined(ev event.PlayerJoined) session.Result
	OnPlayerLeft(ev event.PlayerLeft) session.Result
}

type Roster interface {
	Join(displayName, userID string, at time.Time)
	Leave(displayName string)
	Reset()
}

type Encounters interface {
	RecordEncounter(ctx context.Context, userID, displayName string) error
}

type Feed interface {
	HandleStateChange(ev event.FriendStateChanged) feed.Result
	HandleFriendship(ev event.FriendshipChanged) feed.Result
}

// Router fans client events out to the session manager, the live roster
// and the encounter queue, and relationship events to the feed. Nil
// components are skipped.
type Router struct {
	Sessions   Sessions
	Roster     Roster
	Encounters Encounters
	Feed       Feed

	mu       sync.Mutex
	location string
}

// Dispatch routes one event. The returned error is the first component
// failure; the remaining components still see the event.
func (r *Router) Dispatch(ctx context.Context, ev any) error {
	var errs []error
	switch ev := ev.(type) {
	case event.LocationChange:
		// The client re-announces everyone in a new instance. A repeat of
		// the current location brings no join burst, so the roster stays.
		if r.enteredNewLocation(ev.Location) && r.Roster != nil {
			r.Roster.Reset()
		}
		if r.Sessions != nil {
			errs = append(errs, r.Sessions.OnLocationChange(ev).Err)
		}
	case event.WorldName:
		if r.Sessions != nil {
			errs = append(errs, r.Sessions.OnWorldNameChange(ev).Err)
		}
	case event.PlayerJoined:
		if r.Roster != nil {
			r.Roster.Join(ev.DisplayName, ev.UserID, ev.Timestamp)
		}
		if r.Sessions != nil {
			errs = append(errs, r.Sessions.OnPlayerJoined(ev).Err)
		}
		if r.Encounters != nil && ev.UserID != "" {
			if err := r.Encounters.RecordEncounter(ctx, ev.UserID, ev.DisplayName); err != nil {
				log.Printf("monitor: encounter for %s not queued: %v", ev.UserID, err)
				errs = append(errs, err)
			}
		}
	case event.PlayerLeft:
		if r.Roster != nil {
			r.Roster.Leave(ev.DisplayName)
		}
		if r.Sessions != nil {
			errs = append(errs, r.Sessions.OnPlayerLeft(ev).Err)
		}
	case event.FriendStateChanged:
		if r.Feed != nil {
			errs = append(errs, r.Feed.HandleStateChange(ev).Err)
		}
	case event.FriendshipChanged:
		if r.Feed != nil {
			errs = append(errs, r.Feed.HandleFriendship(ev).Err)
		}
	default:
		return fmt.Errorf("monitor: unsupported event %T", ev)
	}
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// enteredNewLocation records raw as the current location and reports
// whether it differs from the previous one.
func (r *Router) enteredNewLocation(raw string) bool {
	key := location.Key(raw)
	r.mu.Lock()
	defer r.mu.Unlock()
	if key == r.location && key != "" {
		return false
	}
	r.location = key
	return true
}

// ForgetLocation makes the next location change reset the roster even if it
// repeats the last one. Used when the client process exits.
func (r *Router) ForgetLocation() {
	r.mu.Lock()
	r.location = ""
	r.mu.Unlock()
}
