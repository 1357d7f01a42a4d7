package ws

import (
	"github.com/groupwatch/backend/internal/feed"
)

type MessageType string

const (
	MsgSnapshot     MessageType = "snapshot"
	MsgGroupChanged MessageType = "group_changed"
	MsgFeed         MessageType = "feed"
	MsgError        MessageType = "error"
)

// WSMessage is one frame sent to dashboards. Seq increases by one per
// message so clients can detect drops.
type WSMessage struct {
	Type    MessageType `json:"type"`
	Seq     uint64      `json:"seq"`
	Payload interface{} `json:"payload"`
}

// SnapshotPayload is sent on connect and periodically afterwards.
type SnapshotPayload struct {
	GroupID   string       `json:"groupId"`
	WorldName string       `json:"worldName,omitempty"`
	Feed      []feed.Entry `json:"feed"`
}

type GroupChangedPayload struct {
	GroupID string `json:"groupId"`
}

type FeedPayload struct {
	Entries []feed.Entry `json:"entries"`
}
