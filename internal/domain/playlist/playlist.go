// Package playlist provides the Playlist domain entity.
package playlist

import (
	"errors"
	"time"

	"github.com/The-Open-Music-Box/theopenmusicbox-sub001/internal/domain/track"
)

// ErrMismatchedSet is returned by Reorder when the requested order is not a
// permutation of the playlist's current track ids.
var ErrMismatchedSet = errors.New("track order is not a permutation of the playlist")

// Playlist represents a playlist and its ordered tracks.
type Playlist struct {
	ID          string        `json:"id"`
	Title       string        `json:"title"`
	Description string        `json:"description,omitempty"`
	Path        string        `json:"path"`
	NfcTagID    string        `json:"nfc_tag_id,omitempty"` // empty means no tag bound
	PlaylistSeq uint64        `json:"playlist_seq"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
	Tracks      []track.Track `json:"tracks"`
}

// TrackIDs returns all track IDs in playback order.
func (p *Playlist) TrackIDs() []string {
	ids := make([]string, len(p.Tracks))
	for i, t := range p.Tracks {
		ids[i] = t.ID
	}
	return ids
}

// TrackByID returns the track with the given id, or false.
func (p *Playlist) TrackByID(id string) (*track.Track, bool) {
	for i := range p.Tracks {
		if p.Tracks[i].ID == id {
			return &p.Tracks[i], true
		}
	}
	return nil, false
}

// TrackByNumber returns the track with the given 1-based number, or false.
func (p *Playlist) TrackByNumber(n int) (*track.Track, bool) {
	for i := range p.Tracks {
		if p.Tracks[i].TrackNumber == n {
			return &p.Tracks[i], true
		}
	}
	return nil, false
}

// Renumber assigns dense 1-based track numbers following the current order.
func (p *Playlist) Renumber() {
	for i := range p.Tracks {
		p.Tracks[i].TrackNumber = i + 1
	}
}

// Reorder rearranges the tracks to match orderedIDs and renumbers them.
// orderedIDs must be a permutation of the current track ids.
func (p *Playlist) Reorder(orderedIDs []string) error {
	if len(orderedIDs) != len(p.Tracks) {
		return ErrMismatchedSet
	}
	byID := make(map[string]track.Track, len(p.Tracks))
	for _, t := range p.Tracks {
		byID[t.ID] = t
	}
	reordered := make([]track.Track, 0, len(orderedIDs))
	for _, id := range orderedIDs {
		t, ok := byID[id]
		if !ok {
			return ErrMismatchedSet
		}
		delete(byID, id)
		reordered = append(reordered, t)
	}
	p.Tracks = reordered
	p.Renumber()
	return nil
}

// RemoveByNumbers deletes the tracks with the given numbers and renumbers the
// remainder to close gaps. Unknown numbers are ignored. Returns the numbers
// actually removed.
func (p *Playlist) RemoveByNumbers(numbers []int) []int {
	drop := make(map[int]struct{}, len(numbers))
	for _, n := range numbers {
		drop[n] = struct{}{}
	}
	kept := p.Tracks[:0]
	var removed []int
	for _, t := range p.Tracks {
		if _, ok := drop[t.TrackNumber]; ok {
			removed = append(removed, t.TrackNumber)
			continue
		}
		kept = append(kept, t)
	}
	p.Tracks = kept
	p.Renumber()
	return removed
}

// ValidateNumbering reports whether track numbers form the dense set 1..len.
func (p *Playlist) ValidateNumbering() bool {
	seen := make(map[int]struct{}, len(p.Tracks))
	for _, t := range p.Tracks {
		if t.TrackNumber < 1 || t.TrackNumber > len(p.Tracks) {
			return false
		}
		if _, dup := seen[t.TrackNumber]; dup {
			return false
		}
		seen[t.TrackNumber] = struct{}{}
	}
	return true
}

// TotalDurationMs returns the total duration of all tracks in milliseconds.
func (p *Playlist) TotalDurationMs() int64 {
	var total int64
	for _, t := range p.Tracks {
		total += t.DurationMs
	}
	return total
}
