package hub

import (
	"errors"
	"sort"
	"sync"
)

// ErrMissingRoom is returned when a room operation names no room.
var ErrMissingRoom = errors.New("missing room")

// Registry tracks sessions and room membership. A session belongs to at most one room; rooms
// are created on first join and dropped when their last member leaves.
//
// Lock order is registry then session.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	rooms    map[string]map[string]*Session
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		rooms:    make(map[string]map[string]*Session),
	}
}

// Register adds a Connecting session under id. An existing session with the same id is
// detached and returned as replaced; the caller closes it.
func (r *Registry) Register(id, role string, ch Channel) (sess *Session, replaced *Session) {
	sess = newSession(id, role, ch)

	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.sessions[id]; ok {
		r.detachLocked(old)
		replaced = old
	}
	r.sessions[id] = sess
	return sess, replaced
}

// Remove drops whatever session is registered under id and closes it.
func (r *Registry) Remove(id string) *Session {
	r.mu.Lock()
	sess, ok := r.sessions[id]
	if ok {
		r.detachLocked(sess)
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	if !ok {
		return nil
	}
	sess.close()
	return sess
}

// RemoveSession drops sess only if it is still the session registered under its id, so a
// late close from a replaced connection cannot evict its successor. The session is closed
// either way; wasOpen is true only for the call that moved it from Open to Closed.
func (r *Registry) RemoveSession(sess *Session) (removed, wasOpen bool) {
	if sess == nil {
		return false, false
	}
	r.mu.Lock()
	current, ok := r.sessions[sess.ID]
	removed = ok && current == sess
	if removed {
		r.detachLocked(sess)
		delete(r.sessions, sess.ID)
	}
	r.mu.Unlock()

	_, wasOpen = sess.close()
	return removed, wasOpen
}

// Join moves the session into room, leaving its previous room. It returns the previous room.
func (r *Registry) Join(id, room string) (string, error) {
	if room == "" {
		return "", ErrMissingRoom
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions[id]
	if !ok {
		return "", ErrNoSuchClient
	}
	if sess.State() == StateClosed {
		return "", ErrSessionClosed
	}

	previous := sess.Room()
	if previous == room {
		return previous, nil
	}
	r.detachLocked(sess)

	members, ok := r.rooms[room]
	if !ok {
		members = make(map[string]*Session)
		r.rooms[room] = members
	}
	members[id] = sess
	sess.setRoom(room)
	return previous, nil
}

// Leave removes the session from its current room and returns that room ("" when none).
func (r *Registry) Leave(id string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions[id]
	if !ok {
		return "", ErrNoSuchClient
	}
	if sess.State() == StateClosed {
		return "", ErrSessionClosed
	}
	room := sess.Room()
	r.detachLocked(sess)
	return room, nil
}

// Get returns the session registered under id.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.sessions[id]
	return sess, ok
}

// Members snapshots the sessions in room.
func (r *Registry) Members(room string) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	members := r.rooms[room]
	out := make([]*Session, 0, len(members))
	for _, sess := range members {
		out = append(out, sess)
	}
	return out
}

// Sessions snapshots every registered session.
func (r *Registry) Sessions() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		out = append(out, sess)
	}
	return out
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Rooms snapshots room membership as sorted client ids.
func (r *Registry) Rooms() map[string][]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string][]string, len(r.rooms))
	for room, members := range r.rooms {
		ids := make([]string, 0, len(members))
		for id := range members {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		out[room] = ids
	}
	return out
}

// Snapshot returns session infos sorted by client id.
func (r *Registry) Snapshot() []SessionInfo {
	sessions := r.Sessions()
	infos := make([]SessionInfo, 0, len(sessions))
	for _, sess := range sessions {
		infos = append(infos, sess.Info())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ClientID < infos[j].ClientID })
	return infos
}

func (r *Registry) detachLocked(sess *Session) {
	room := sess.Room()
	if room == "" {
		return
	}
	if members, ok := r.rooms[room]; ok {
		if members[sess.ID] == sess {
			delete(members, sess.ID)
		}
		if len(members) == 0 {
			delete(r.rooms, room)
		}
	}
	sess.setRoom("")
}
