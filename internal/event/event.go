// Package event defines the events consumed from the local client log
// stream and from the relationship snapshot source.
package event

import (
	"encoding/json"
	"fmt"
	"time"
)

// Envelope names, as written by the upstream log parser and snapshot poller.
const (
	TypeLocationChange     = "location-change"
	TypeWorldName          = "world-name"
	TypePlayerJoined       = "player-joined"
	TypePlayerLeft         = "player-left"
	TypeFriendStateChanged = "friend-state-changed"
	TypeFriendshipChanged  = "friendship-relationship-changed"
)

// LocationChange is emitted when the local user moves to a new instance.
type LocationChange struct {
	WorldID    string    `json:"worldId"`
	InstanceID string    `json:"instanceId"`
	Location   string    `json:"location"`
	Timestamp  time.Time `json:"timestamp"`
}

// WorldName is emitted once the client resolves the current world's name,
// usually shortly after the location change.
type WorldName struct {
	Name      string    `json:"name"`
	Timestamp time.Time `json:"timestamp"`
}

type PlayerJoined struct {
	DisplayName string    `json:"displayName"`
	UserID      string    `json:"userId,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

type PlayerLeft struct {
	DisplayName string    `json:"displayName"`
	Timestamp   time.Time `json:"timestamp"`
}

// Group is the group a friend currently represents.
type Group struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Friend is one relationship snapshot as returned by the remote service.
type Friend struct {
	ID                string `json:"id"`
	DisplayName       string `json:"displayName"`
	State             string `json:"state"`
	Status            string `json:"status"`
	StatusDescription string `json:"statusDescription"`
	Location          string `json:"location"`
	RepresentedGroup  *Group `json:"representedGroup,omitempty"`
	AvatarID          string `json:"avatarId"`
	AvatarName        string `json:"avatarName"`
}

// IsOffline reports whether the snapshot describes an offline friend.
func (f Friend) IsOffline() bool {
	return f.State == "offline" || f.Location == "offline" || f.Status == "offline"
}

// GroupID returns the represented group id, or "" when none.
func (f Friend) GroupID() string {
	if f.RepresentedGroup == nil {
		return ""
	}
	return f.RepresentedGroup.ID
}

// Change flags which fields differ between Previous and Friend. The
// snapshot source computes it; consumers never diff snapshots themselves.
type Change struct {
	Status            bool `json:"status"`
	Location          bool `json:"location"`
	StatusDescription bool `json:"statusDescription"`
	RepresentedGroup  bool `json:"representedGroup"`
	Avatar            bool `json:"avatar"`
}

// Any reports whether at least one field changed.
func (c Change) Any() bool {
	return c.Status || c.Location || c.StatusDescription || c.RepresentedGroup || c.Avatar
}

type FriendStateChanged struct {
	Friend    Friend    `json:"friend"`
	Previous  Friend    `json:"previous"`
	Change    Change    `json:"change"`
	Timestamp time.Time `json:"timestamp"`
}

// FriendshipType is the kind of relationship change.
type FriendshipType string

const (
	FriendshipAdd    FriendshipType = "add"
	FriendshipRemove FriendshipType = "remove"
)

type FriendshipChanged struct {
	UserID      string         `json:"userId"`
	DisplayName string         `json:"displayName"`
	Type        FriendshipType `json:"type"`
	Timestamp   time.Time      `json:"timestamp"`
}

// Envelope is one line of a tailed event stream.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Decode unmarshals the payload into the concrete event type named by
// Type. The returned value is one of the event structs in this package
// (not a pointer).
func (e Envelope) Decode() (any, error) {
	var (
		v   any
		err error
	)
	switch e.Type {
	case TypeLocationChange:
		var ev LocationChange
		err = json.Unmarshal(e.Data, &ev)
		v = ev
	case TypeWorldName:
		var ev WorldName
		err = json.Unmarshal(e.Data, &ev)
		v = ev
	case TypePlayerJoined:
		var ev PlayerJoined
		err = json.Unmarshal(e.Data, &ev)
		v = ev
	case TypePlayerLeft:
		var ev PlayerLeft
		err = json.Unmarshal(e.Data, &ev)
		v = ev
	case TypeFriendStateChanged:
		var ev FriendStateChanged
		err = json.Unmarshal(e.Data, &ev)
		v = ev
	case TypeFriendshipChanged:
		var ev FriendshipChanged
		err = json.Unmarshal(e.Data, &ev)
		v = ev
	default:
		return nil, fmt.Errorf("unknown event type %q", e.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", e.Type, err)
	}
	return v, nil
}

// Wrap builds an envelope around ev. It is the inverse of Decode and is
// used by the mock generator and tests.
func Wrap(ev any) (Envelope, error) {
	var typ string
	switch ev.(type) {
	case LocationChange:
		typ = TypeLocationChange
	case WorldName:
		typ = TypeWorldName
	case PlayerJoined:
		typ = TypePlayerJoined
	case PlayerLeft:
		typ = TypePlayerLeft
	case FriendStateChanged:
		typ = TypeFriendStateChanged
	case FriendshipChanged:
		typ = TypeFriendshipChanged
	default:
		return Envelope{}, fmt.Errorf("unsupported event %T", ev)
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Type: typ, Data: data}, nil
}
