// Package seq provides the monotonic sequence generator for envelopes.
package seq

import "sync"

// Generator issues monotonic global and per-playlist sequence numbers.
// All operations are linearizable.
type Generator struct {
	mu        sync.Mutex
	global    uint64
	playlists map[string]uint64
}

// New creates a generator starting at zero.
func New() *Generator {
	return &Generator{playlists: make(map[string]uint64)}
}

// Bootstrap seeds the counters from persisted maxima. Next* calls return the
// maximum plus one. Lower values than the current counters are ignored.
func (g *Generator) Bootstrap(global uint64, perPlaylist map[string]uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if global > g.global {
		g.global = global
	}
	for id, s := range perPlaylist {
		if s > g.playlists[id] {
			g.playlists[id] = s
		}
	}
}

// NextGlobal returns the next global sequence number.
func (g *Generator) NextGlobal() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.global++
	return g.global
}

// NextPlaylist returns the next sequence number for the given playlist.
func (g *Generator) NextPlaylist(playlistID string) uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.playlists[playlistID]++
	return g.playlists[playlistID]
}

// CurrentGlobal returns the last issued global sequence number.
func (g *Generator) CurrentGlobal() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.global
}

// CurrentPlaylist returns the last issued sequence number for the playlist.
func (g *Generator) CurrentPlaylist(playlistID string) uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.playlists[playlistID]
}

// DropPlaylist forgets the per-playlist counter, used after playlist deletion.
func (g *Generator) DropPlaylist(playlistID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.playlists, playlistID)
}
