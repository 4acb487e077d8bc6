// Package outbox provides the bounded envelope log used to answer resync
// requests from reconnecting clients.
package outbox

import (
	"context"
	"errors"
	"sync"

	zlog "github.com/rs/zerolog/log"

	"github.com/The-Open-Music-Box/theopenmusicbox-sub001/internal/domain/event"
)

// ErrSnapshotRequired is returned by Since and SincePlaylist when the
// requested cursor is older than the retained window.
var ErrSnapshotRequired = errors.New("cursor outside retained window, snapshot required")

// Store persists appended envelopes. Persistence is best-effort; the in-memory
// ring remains authoritative for resync within a server generation.
type Store interface {
	AppendEnvelope(ctx context.Context, env event.Envelope, playlistID string) error
	TrimBelow(ctx context.Context, globalSeq uint64) error
}

// Outbox keeps the last N envelopes globally plus a longer per-playlist
// horizon. Ephemeral envelopes are never retained.
type Outbox struct {
	mu          sync.Mutex
	ring        []event.Envelope
	perPlaylist map[string][]event.Envelope
	globalCap   int
	playlistCap int
	store       Store

	// base is the lowest global_seq the ring can still serve; cursors older
	// than base-1 need a snapshot. plBase is the per-playlist equivalent,
	// with a missing entry meaning 1.
	base   uint64
	plBase map[string]uint64
}

// New creates an outbox with the given retention capacities.
// store may be nil to disable persistence.
func New(globalCap, playlistCap int, store Store) *Outbox {
	return &Outbox{
		perPlaylist: make(map[string][]event.Envelope),
		globalCap:   globalCap,
		playlistCap: playlistCap,
		store:       store,
		base:        1,
		plBase:      make(map[string]uint64),
	}
}

// Restored is one persisted envelope reloaded at startup.
type Restored struct {
	Envelope   event.Envelope
	PlaylistID string
}

// Bootstrap seeds the rings from the persisted trail of a previous server
// generation and records the resync floors. rows must be in ascending
// global_seq order; playlistSeqs carries the current per-playlist sequence
// maxima so playlists whose trail was trimmed away still force a snapshot.
func (o *Outbox) Bootstrap(rows []Restored, currentGlobal uint64, playlistSeqs map[string]uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()

	for _, r := range rows {
		if event.Ephemeral(r.Envelope.EventType) {
			continue
		}
		o.ring = append(o.ring, r.Envelope)
		if len(o.ring) > o.globalCap {
			o.ring = o.ring[len(o.ring)-o.globalCap:]
		}
		if pid := r.PlaylistID; pid != "" {
			ring := append(o.perPlaylist[pid], r.Envelope)
			if len(ring) > o.playlistCap {
				ring = ring[len(ring)-o.playlistCap:]
			}
			o.perPlaylist[pid] = ring
		}
	}

	if len(o.ring) > 0 {
		o.base = o.ring[0].GlobalSeq
	} else if currentGlobal > 0 {
		o.base = currentGlobal + 1
	}
	for pid, ring := range o.perPlaylist {
		if first := ring[0].PlaylistSeq; first != nil {
			o.plBase[pid] = *first
		}
	}
	for pid, cur := range playlistSeqs {
		if _, ok := o.perPlaylist[pid]; !ok && cur > 0 {
			o.plBase[pid] = cur + 1
		}
	}
}

// Append retains the envelope. playlistID scopes the envelope to a playlist
// horizon and may be empty for global events. Ephemeral envelope types are
// ignored.
func (o *Outbox) Append(env event.Envelope, playlistID string) {
	if event.Ephemeral(env.EventType) {
		return
	}

	o.mu.Lock()
	o.ring = append(o.ring, env)
	if len(o.ring) > o.globalCap {
		o.ring = o.ring[len(o.ring)-o.globalCap:]
		o.base = o.ring[0].GlobalSeq
	}
	if pid := playlistID; pid != "" {
		ring := append(o.perPlaylist[pid], env)
		if len(ring) > o.playlistCap {
			ring = ring[len(ring)-o.playlistCap:]
			if first := ring[0].PlaylistSeq; first != nil {
				o.plBase[pid] = *first
			}
		}
		o.perPlaylist[pid] = ring
	}
	oldest := o.ring[0].GlobalSeq
	o.mu.Unlock()

	if o.store != nil {
		ctx := context.Background()
		if err := o.store.AppendEnvelope(ctx, env, playlistID); err != nil {
			zlog.Warn().Err(err).Uint64("global_seq", env.GlobalSeq).Msg("outbox: persist append failed")
		}
		if err := o.store.TrimBelow(ctx, oldest); err != nil {
			zlog.Warn().Err(err).Msg("outbox: trim failed")
		}
	}
}

// Since returns all retained envelopes with global_seq > lastGlobalSeq in
// order. It returns ErrSnapshotRequired when the cursor predates the window.
func (o *Outbox) Since(lastGlobalSeq uint64) ([]event.Envelope, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if lastGlobalSeq+1 < o.base {
		return nil, ErrSnapshotRequired
	}
	var out []event.Envelope
	for _, env := range o.ring {
		if env.GlobalSeq > lastGlobalSeq {
			out = append(out, env)
		}
	}
	return out, nil
}

// SincePlaylist returns retained envelopes for the playlist with
// playlist_seq > lastPlaylistSeq, or ErrSnapshotRequired below the window.
func (o *Outbox) SincePlaylist(playlistID string, lastPlaylistSeq uint64) ([]event.Envelope, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if base := o.plBase[playlistID]; base > 0 && lastPlaylistSeq+1 < base {
		return nil, ErrSnapshotRequired
	}
	var out []event.Envelope
	for _, env := range o.perPlaylist[playlistID] {
		if env.PlaylistSeq != nil && *env.PlaylistSeq > lastPlaylistSeq {
			out = append(out, env)
		}
	}
	return out, nil
}

// DropPlaylist discards the per-playlist horizon after a playlist deletion.
// The global ring keeps the deletion envelope itself.
func (o *Outbox) DropPlaylist(playlistID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.perPlaylist, playlistID)
	delete(o.plBase, playlistID)
}

// Len returns the number of retained global envelopes.
func (o *Outbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.ring)
}
