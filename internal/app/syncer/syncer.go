// Package syncer reconciles reconnecting clients: it replays missed envelopes
// from the outbox or falls back to snapshots when the window has passed.
package syncer

import (
	"context"

	zlog "github.com/rs/zerolog/log"

	"github.com/The-Open-Music-Box/theopenmusicbox-sub001/internal/app/outbox"
	"github.com/The-Open-Music-Box/theopenmusicbox-sub001/internal/domain/event"
	"github.com/The-Open-Music-Box/theopenmusicbox-sub001/internal/domain/playlist"
)

// Bus is the slice of the broadcaster the controller needs.
type Bus interface {
	Seal(eventType string, data any) event.Envelope
	DeliverTo(sessionID string, env event.Envelope)
	CurrentSeqs(playlistID string) (uint64, uint64)
}

// Library provides the snapshot sources.
type Library interface {
	Snapshot(ctx context.Context) ([]playlist.Playlist, error)
	GetPlaylist(ctx context.Context, id string) (*playlist.Playlist, error)
}

// Player provides the current player state for snapshot fallback.
type Player interface {
	Snapshot() event.PlayerStatePayload
}

// Request is a client's sync:request payload.
type Request struct {
	LastGlobalSeq    uint64            `json:"last_global_seq"`
	LastPlaylistSeqs map[string]uint64 `json:"last_playlist_seqs,omitempty"`
}

// Controller answers sync requests for one server generation.
type Controller struct {
	bus     Bus
	outbox  *outbox.Outbox
	library Library
	player  Player
}

// NewController creates a sync controller.
func NewController(bus Bus, ob *outbox.Outbox, library Library, player Player) *Controller {
	return &Controller{bus: bus, outbox: ob, library: library, player: player}
}

// Sync reconciles the session against its cursors and terminates with
// sync:complete, or sync:error if reconciliation itself failed.
func (c *Controller) Sync(ctx context.Context, sessionID string, req Request) {
	if err := c.syncGlobal(ctx, sessionID, req.LastGlobalSeq); err != nil {
		c.fail(sessionID, err)
		return
	}
	for pid, last := range req.LastPlaylistSeqs {
		if err := c.syncPlaylist(ctx, sessionID, pid, last); err != nil {
			c.fail(sessionID, err)
			return
		}
	}

	global, _ := c.bus.CurrentSeqs("")
	c.bus.DeliverTo(sessionID, c.bus.Seal(event.TypeSyncComplete, map[string]any{
		"global_seq": global,
	}))
}

// syncGlobal replays the global horizon or falls back to the playlists and
// player snapshots.
func (c *Controller) syncGlobal(ctx context.Context, sessionID string, lastGlobalSeq uint64) error {
	envs, err := c.outbox.Since(lastGlobalSeq)
	if err == nil {
		for _, env := range envs {
			c.bus.DeliverTo(sessionID, env)
		}
		return nil
	}
	if err != outbox.ErrSnapshotRequired {
		return err
	}

	zlog.Debug().Str("session_id", sessionID).Uint64("last_global_seq", lastGlobalSeq).
		Msg("sync: cursor outside window, sending snapshots")

	playlists, err := c.library.Snapshot(ctx)
	if err != nil {
		return err
	}
	c.bus.DeliverTo(sessionID, c.bus.Seal(event.TypePlaylists, map[string]any{
		"playlists": playlists,
	}))
	c.bus.DeliverTo(sessionID, c.bus.Seal(event.TypePlayerState, c.player.Snapshot()))
	return nil
}

// syncPlaylist replays a per-playlist horizon or sends a state:playlist
// snapshot. A deleted playlist is skipped: its deletion envelope already
// travelled the global horizon.
func (c *Controller) syncPlaylist(ctx context.Context, sessionID, playlistID string, lastSeq uint64) error {
	envs, err := c.outbox.SincePlaylist(playlistID, lastSeq)
	if err == nil {
		for _, env := range envs {
			c.bus.DeliverTo(sessionID, env)
		}
		return nil
	}
	if err != outbox.ErrSnapshotRequired {
		return err
	}

	p, err := c.library.GetPlaylist(ctx, playlistID)
	if err != nil {
		return nil
	}
	c.bus.DeliverTo(sessionID, c.bus.Seal(event.TypePlaylistSnapshot, p))
	return nil
}

func (c *Controller) fail(sessionID string, cause error) {
	zlog.Error().Err(cause).Str("session_id", sessionID).Msg("sync failed")
	c.bus.DeliverTo(sessionID, c.bus.Seal(event.TypeSyncError, map[string]any{
		"message": "resynchronization failed",
	}))
}
