package realtime

import (
	"log/slog"
	"sync"
)

// Registry maps logical room names to live subscriber sets.
//
// It is the only structure shared across sessions. It is constructed and
// injected by the composition root; there is no ambient singleton.
type Registry struct {
	log *slog.Logger

	mu    sync.Mutex
	rooms map[string]*Room
}

// NewRegistry constructs an empty Registry.
func NewRegistry(log *slog.Logger) *Registry {
	return &Registry{
		log:   log,
		rooms: make(map[string]*Room),
	}
}

// Join adds client to the named room, creating the room if needed.
// Idempotent for the same session id.
func (r *Registry) Join(room string, client *Client) {
	if r == nil || client == nil || room == "" {
		return
	}

	r.mu.Lock()
	rm, ok := r.rooms[room]
	if !ok {
		rm = newRoom(r.log, room)
		r.rooms[room] = rm
	}
	r.mu.Unlock()

	rm.join(client)
}

// Leave removes the session from the named room. Empty rooms are discarded.
func (r *Registry) Leave(room, sessionID string) {
	if r == nil || room == "" || sessionID == "" {
		return
	}

	r.mu.Lock()
	rm, ok := r.rooms[room]
	r.mu.Unlock()
	if !ok {
		return
	}

	empty := rm.leave(sessionID)
	if !empty {
		return
	}

	// Re-check emptiness under the registry lock: a concurrent Join may have
	// raced the removal.
	r.mu.Lock()
	if cur, ok := r.rooms[room]; ok && cur == rm && cur.size() == 0 {
		delete(r.rooms, room)
	}
	r.mu.Unlock()
}

// Publish delivers ev to every current subscriber of the named room.
// Publishing to an absent or empty room is a silent no-op.
func (r *Registry) Publish(room string, ev Event) {
	if r == nil || room == "" {
		return
	}

	r.mu.Lock()
	rm, ok := r.rooms[room]
	r.mu.Unlock()
	if !ok {
		return
	}

	rm.publish(ev)
}

// Subscribers reports the current subscriber count of a room.
func (r *Registry) Subscribers(room string) int {
	if r == nil {
		return 0
	}

	r.mu.Lock()
	rm, ok := r.rooms[room]
	r.mu.Unlock()
	if !ok {
		return 0
	}
	return rm.size()
}

// Room is a subscriber set with FIFO publish order.
//
// Concurrency guarantees:
// - join/leave are safe under concurrent publish.
// - publish holds the room lock for the whole fanout, so for a single room
//   every subscriber observes events in publish order.
// - publish never blocks: a subscriber with a full queue is skipped.
type Room struct {
	log  *slog.Logger
	name string

	mu      sync.Mutex
	members map[string]*Client
}

func newRoom(log *slog.Logger, name string) *Room {
	return &Room{
		log:     log,
		name:    name,
		members: make(map[string]*Client),
	}
}

func (rm *Room) join(client *Client) {
	rm.mu.Lock()
	rm.members[client.SessionID] = client
	rm.mu.Unlock()

	rm.log.Info("room.member.join", "room", rm.name, "session_id", client.SessionID)
}

func (rm *Room) leave(sessionID string) (empty bool) {
	rm.mu.Lock()
	delete(rm.members, sessionID)
	empty = len(rm.members) == 0
	rm.mu.Unlock()

	rm.log.Info("room.member.leave", "room", rm.name, "session_id", sessionID)
	return empty
}

func (rm *Room) size() int {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return len(rm.members)
}

func (rm *Room) publish(ev Event) {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	for _, m := range rm.members {
		if m == nil {
			continue
		}

		select {
		case <-m.Done():
			// Skip clients that are shutting down.
			continue
		default:
		}

		select {
		case m.Send <- ev:
		default:
			// Drop rather than block the whole room.
		}
	}
}
