// Package broadcast fans persisted room events out to open connections.
//
// The Gateway is a registry of room id -> set of subscriptions. Connections
// add themselves on connect and remove themselves on disconnect. Delivery is
// best effort: a subscription whose buffer is full is evicted rather than
// skipped, so a client never sees a silent gap; it reconnects and catches up
// from message history.
package broadcast

import (
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/nous-labs/huddle/pkg/store"
)

// Frame types.
const (
	FrameMessage  = "message"  // persisted chat message (human or assistant)
	FrameTask     = "task"     // task created or updated
	FrameReminder = "reminder" // overdue task reminder
	FrameStatus   = "status"   // transient status, e.g. "assistant is thinking"
	FrameError    = "error"    // sent to one connection only
	FrameRoom     = "room"     // room settings changed

	FrameDocument        = "document" // document uploaded
	FrameDocumentDeleted = "document_deleted"
)

// DefaultBuffer is the per-subscription queue length.
const DefaultBuffer = 64

// Frame is a single event delivered to a room's connections.
type Frame struct {
	Type     string          `json:"type"`
	RoomID   string          `json:"room_id"`
	Message  *store.Message  `json:"message,omitempty"`
	Task     *store.Task     `json:"task,omitempty"`
	Room     *store.Room     `json:"room,omitempty"`
	Document *store.Document `json:"document,omitempty"`
	Text     string          `json:"text,omitempty"`
	TS       string          `json:"ts"`
}

// Marshal serializes a frame to JSON, stamping it if needed.
func (f Frame) Marshal() []byte {
	if f.TS == "" {
		f.TS = time.Now().UTC().Format(time.RFC3339)
	}
	b, _ := json.Marshal(f)
	return b
}

// Subscription is one connection's view of a room.
type Subscription struct {
	ID     string
	RoomID string

	ch        chan Frame
	closeOnce sync.Once
}

// Frames returns the delivery channel. It is closed on Unsubscribe, on
// eviction and on gateway Close.
func (s *Subscription) Frames() <-chan Frame {
	return s.ch
}

func (s *Subscription) close() {
	s.closeOnce.Do(func() { close(s.ch) })
}

type room struct {
	mu   sync.Mutex
	subs map[*Subscription]struct{}
}

// Gateway is the room -> connections registry.
type Gateway struct {
	mu     sync.RWMutex
	rooms  map[string]*room
	buffer int
	closed bool
}

// NewGateway creates a gateway whose subscriptions buffer up to buffer frames.
func NewGateway(buffer int) *Gateway {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Gateway{
		rooms:  make(map[string]*room),
		buffer: buffer,
	}
}

// Subscribe registers a connection for a room. Caller MUST call Unsubscribe
// when the connection goes away.
func (g *Gateway) Subscribe(roomID, connID string) *Subscription {
	sub := &Subscription{
		ID:     connID,
		RoomID: roomID,
		ch:     make(chan Frame, g.buffer),
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		sub.close()
		return sub
	}
	r, ok := g.rooms[roomID]
	if !ok {
		r = &room{subs: make(map[*Subscription]struct{})}
		g.rooms[roomID] = r
	}
	r.mu.Lock()
	r.subs[sub] = struct{}{}
	r.mu.Unlock()

	slog.Debug("broadcast subscribe", "room", roomID, "conn", connID)
	return sub
}

// Unsubscribe removes a subscription and closes its channel. Safe to call
// more than once and after eviction.
func (g *Gateway) Unsubscribe(sub *Subscription) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if r, ok := g.rooms[sub.RoomID]; ok {
		r.mu.Lock()
		delete(r.subs, sub)
		if len(r.subs) == 0 {
			delete(g.rooms, sub.RoomID)
		}
		r.mu.Unlock()
	}
	sub.close()
}

// Broadcast delivers f to every subscription of the room and returns how
// many received it. Never blocks. Frames for one room reach each
// subscription in the order Broadcast was called.
func (g *Gateway) Broadcast(roomID string, f Frame) int {
	if f.TS == "" {
		f.TS = time.Now().UTC().Format(time.RFC3339)
	}
	f.RoomID = roomID

	g.mu.RLock()
	r, ok := g.rooms[roomID]
	g.mu.RUnlock()
	if !ok {
		return 0
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	delivered := 0
	for sub := range r.subs {
		select {
		case sub.ch <- f:
			delivered++
		default:
			// Too slow: evict instead of leaving a gap in its stream
			delete(r.subs, sub)
			sub.close()
			slog.Warn("broadcast subscriber evicted", "room", roomID, "conn", sub.ID)
		}
	}
	return delivered
}

// OpenConnections returns the connection ids subscribed to a room, sorted.
func (g *Gateway) OpenConnections(roomID string) []string {
	g.mu.RLock()
	r, ok := g.rooms[roomID]
	g.mu.RUnlock()
	if !ok {
		return nil
	}

	r.mu.Lock()
	ids := make([]string, 0, len(r.subs))
	for sub := range r.subs {
		ids = append(ids, sub.ID)
	}
	r.mu.Unlock()

	sort.Strings(ids)
	return ids
}

// SubscriberCount returns the number of open subscriptions across rooms.
func (g *Gateway) SubscriberCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()

	n := 0
	for _, r := range g.rooms {
		r.mu.Lock()
		n += len(r.subs)
		r.mu.Unlock()
	}
	return n
}

// Close closes every subscription. Later subscriptions are closed immediately.
func (g *Gateway) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.closed = true
	for id, r := range g.rooms {
		r.mu.Lock()
		for sub := range r.subs {
			sub.close()
		}
		r.mu.Unlock()
		delete(g.rooms, id)
	}
}
