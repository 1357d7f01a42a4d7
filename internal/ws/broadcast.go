package ws

import (
	"encoding/json"
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/groupwatch/backend/internal/feed"
)

// ErrTooManyConnections is returned by AddClient when the connection limit
// is reached.
var ErrTooManyConnections = errors.New("too many websocket connections")

type client struct {
	conn *websocket.Conn
	b    *Broadcaster
	send chan []byte
}

func (c *client) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			c.b.RemoveClient(c)
			return
		}
	}
}

func (c *client) close() {
	close(c.send)
}

// SnapshotFunc builds the state sent to new clients.
type SnapshotFunc func() SnapshotPayload

// Broadcaster pushes group changes and feed entries to every connected
// dashboard. It satisfies session.Notifier and its QueueFeed method is a
// feed.Listener.
type Broadcaster struct {
	mu       sync.RWMutex
	clients  map[*client]bool
	maxConns int
	snapshot SnapshotFunc
	throttle time.Duration
	seq      atomic.Uint64

	snapshotTicker *time.Ticker
	done           chan struct{}
	stopOnce       sync.Once

	flushMu     sync.Mutex
	pendingFeed []feed.Entry
	flushTimer  *time.Timer
}

// NewBroadcaster creates a broadcaster. Feed entries are batched for
// throttle before being sent. A zero snapshotInterval disables periodic
// snapshots; maxConns 0 is unlimited.
func NewBroadcaster(snapshot SnapshotFunc, throttle, snapshotInterval time.Duration, maxConns int) *Broadcaster {
	b := &Broadcaster{
		clients:  make(map[*client]bool),
		maxConns: maxConns,
		snapshot: snapshot,
		throttle: throttle,
		done:     make(chan struct{}),
	}
	if snapshotInterval > 0 {
		b.snapshotTicker = time.NewTicker(snapshotInterval)
		go b.snapshotLoop()
	}
	return b
}

func (b *Broadcaster) AddClient(conn *websocket.Conn) (*client, error) {
	b.mu.Lock()
	if b.maxConns > 0 && len(b.clients) >= b.maxConns {
		b.mu.Unlock()
		return nil, ErrTooManyConnections
	}
	c := &client{conn: conn, b: b, send: make(chan []byte, 64)}
	// The buffer is empty, so the snapshot never blocks.
	if data, ok := b.snapshotMessage(); ok {
		c.send <- data
	}
	b.clients[c] = true
	b.mu.Unlock()

	go c.writePump()
	return c, nil
}

func (b *Broadcaster) RemoveClient(c *client) {
	b.mu.Lock()
	if _, ok := b.clients[c]; ok {
		delete(b.clients, c)
		c.close()
	}
	b.mu.Unlock()
}

// GroupChanged broadcasts the newly tracked group id immediately.
func (b *Broadcaster) GroupChanged(groupID string) {
	b.broadcast(WSMessage{
		Type:    MsgGroupChanged,
		Payload: GroupChangedPayload{GroupID: groupID},
	})
}

// QueueFeed batches feed entries and sends them after the throttle window.
func (b *Broadcaster) QueueFeed(entries []feed.Entry) {
	if len(entries) == 0 {
		return
	}
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	b.pendingFeed = append(b.pendingFeed, entries...)

	if b.flushTimer == nil {
		b.flushTimer = time.AfterFunc(b.throttle, b.flush)
	}
}

func (b *Broadcaster) flush() {
	b.flushMu.Lock()
	entries := b.pendingFeed
	b.pendingFeed = nil
	b.flushTimer = nil
	b.flushMu.Unlock()

	if len(entries) == 0 {
		return
	}
	b.broadcast(WSMessage{
		Type:    MsgFeed,
		Payload: FeedPayload{Entries: entries},
	})
}

func (b *Broadcaster) snapshotLoop() {
	for {
		select {
		case <-b.done:
			return
		case <-b.snapshotTicker.C:
			if data, ok := b.snapshotMessage(); ok {
				b.send(data)
			}
		}
	}
}

func (b *Broadcaster) snapshotMessage() ([]byte, bool) {
	if b.snapshot == nil {
		return nil, false
	}
	data, err := json.Marshal(WSMessage{Type: MsgSnapshot, Seq: b.seq.Add(1), Payload: b.snapshot()})
	if err != nil {
		log.Printf("ws: snapshot marshal error: %v", err)
		return nil, false
	}
	return data, true
}

func (b *Broadcaster) broadcast(msg WSMessage) {
	msg.Seq = b.seq.Add(1)
	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("ws: broadcast marshal error: %v", err)
		return
	}
	b.send(data)
}

// send queues data for every client. Channels are only written under the
// read lock so RemoveClient cannot close one mid-send.
func (b *Broadcaster) send(data []byte) {
	var slow []*client
	b.mu.RLock()
	for c := range b.clients {
		select {
		case c.send <- data:
		default:
			slow = append(slow, c)
		}
	}
	b.mu.RUnlock()

	for _, c := range slow {
		// Client can't keep up, disconnect it
		log.Printf("ws: client too slow, disconnecting")
		b.RemoveClient(c)
	}
}

func (b *Broadcaster) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// Stop halts the snapshot loop, drops pending feed entries and disconnects
// every client. It is safe to call more than once.
func (b *Broadcaster) Stop() {
	b.stopOnce.Do(func() {
		close(b.done)
		if b.snapshotTicker != nil {
			b.snapshotTicker.Stop()
		}

		b.flushMu.Lock()
		if b.flushTimer != nil {
			b.flushTimer.Stop()
			b.flushTimer = nil
		}
		b.pendingFeed = nil
		b.flushMu.Unlock()

		b.mu.Lock()
		for c := range b.clients {
			delete(b.clients, c)
			c.close()
		}
		b.mu.Unlock()
	})
}
