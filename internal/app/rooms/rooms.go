// Package rooms provides the room-based subscription manager for client
// sessions.
package rooms

import (
	"sort"
	"sync"

	"github.com/The-Open-Music-Box/theopenmusicbox-sub001/internal/domain/event"
)

// Room names.
const (
	RoomPlaylists = "playlists"
	RoomNfc       = "nfc"
)

// PlaylistRoom returns the room name for a playlist-scoped subscription.
func PlaylistRoom(playlistID string) string {
	return "playlist:" + playlistID
}

// Subscriber receives envelopes for the rooms its session has joined.
// Deliver must not block; implementations queue or drop.
type Subscriber interface {
	SessionID() string
	Deliver(env event.Envelope) error
}

// Manager tracks which sessions belong to which rooms.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]Subscriber          // session id -> subscriber
	rooms    map[string]map[string]struct{} // room -> session ids
	joined   map[string]map[string]struct{} // session id -> rooms
}

// NewManager creates an empty subscription manager.
func NewManager() *Manager {
	return &Manager{
		sessions: make(map[string]Subscriber),
		rooms:    make(map[string]map[string]struct{}),
		joined:   make(map[string]map[string]struct{}),
	}
}

// Register makes a session known to the manager. A session must be registered
// before it can join rooms or receive direct deliveries.
func (m *Manager) Register(sub Subscriber) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[sub.SessionID()] = sub
}

// Unregister removes the session and implicitly leaves all of its rooms.
func (m *Manager) Unregister(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for room := range m.joined[sessionID] {
		delete(m.rooms[room], sessionID)
		if len(m.rooms[room]) == 0 {
			delete(m.rooms, room)
		}
	}
	delete(m.joined, sessionID)
	delete(m.sessions, sessionID)
}

// Join adds the session to a room. It reports false for unknown sessions.
func (m *Manager) Join(sessionID, room string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[sessionID]; !ok {
		return false
	}
	if m.rooms[room] == nil {
		m.rooms[room] = make(map[string]struct{})
	}
	m.rooms[room][sessionID] = struct{}{}
	if m.joined[sessionID] == nil {
		m.joined[sessionID] = make(map[string]struct{})
	}
	m.joined[sessionID][room] = struct{}{}
	return true
}

// Leave removes the session from a room.
func (m *Manager) Leave(sessionID, room string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.rooms[room], sessionID)
	if len(m.rooms[room]) == 0 {
		delete(m.rooms, room)
	}
	delete(m.joined[sessionID], room)
}

// Rooms returns the sorted room names the session has joined.
func (m *Manager) Rooms(sessionID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]string, 0, len(m.joined[sessionID]))
	for room := range m.joined[sessionID] {
		out = append(out, room)
	}
	sort.Strings(out)
	return out
}

// Members returns the subscribers currently in the room.
func (m *Manager) Members(room string) []Subscriber {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Subscriber, 0, len(m.rooms[room]))
	for id := range m.rooms[room] {
		if sub, ok := m.sessions[id]; ok {
			out = append(out, sub)
		}
	}
	return out
}

// Session returns the subscriber for a session id, if registered.
func (m *Manager) Session(sessionID string) (Subscriber, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sub, ok := m.sessions[sessionID]
	return sub, ok
}

// All returns every registered subscriber.
func (m *Manager) All() []Subscriber {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Subscriber, 0, len(m.sessions))
	for _, sub := range m.sessions {
		out = append(out, sub)
	}
	return out
}
