// Package ws exposes the WebSocket surface: room subscriptions, NFC link
// commands, resync and keepalive.
package ws

import (
	"context"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	zlog "github.com/rs/zerolog/log"

	"github.com/The-Open-Music-Box/theopenmusicbox-sub001/internal/app/ops"
	"github.com/The-Open-Music-Box/theopenmusicbox-sub001/internal/app/rooms"
	"github.com/The-Open-Music-Box/theopenmusicbox-sub001/internal/app/syncer"
	"github.com/The-Open-Music-Box/theopenmusicbox-sub001/internal/domain/apperr"
	"github.com/The-Open-Music-Box/theopenmusicbox-sub001/internal/domain/event"
	"github.com/The-Open-Music-Box/theopenmusicbox-sub001/internal/domain/playlist"
)

// Client message types.
const (
	msgJoinPlaylists  = "join:playlists"
	msgLeavePlaylists = "leave:playlists"
	msgJoinPlaylist   = "join:playlist"
	msgLeavePlaylist  = "leave:playlist"
	msgJoinNfc        = "join:nfc"
	msgStartNfcLink   = "start_nfc_link"
	msgStopNfcLink    = "stop_nfc_link"
	msgOverrideNfc    = "override_nfc_tag"
	msgSyncRequest    = "sync:request"
	msgClientPing     = "client_ping"
)

// clientMessage is the inbound wire format.
type clientMessage struct {
	Type             string            `json:"type"`
	PlaylistID       string            `json:"playlist_id,omitempty"`
	ClientOpID       string            `json:"client_op_id,omitempty"`
	LastGlobalSeq    uint64            `json:"last_global_seq,omitempty"`
	LastPlaylistSeqs map[string]uint64 `json:"last_playlist_seqs,omitempty"`
	Timestamp        int64             `json:"timestamp,omitempty"`
}

// Bus is the slice of the broadcaster the handler needs.
type Bus interface {
	Ack(opID string, result any) event.Envelope
	Nack(opID string, opErr error) event.Envelope
	Seal(eventType string, data any) event.Envelope
	DeliverTo(sessionID string, env event.Envelope)
	CurrentSeqs(playlistID string) (uint64, uint64)
}

// Nfc is the association surface driven over the socket.
type Nfc interface {
	StartAssociation(ctx context.Context, playlistID string, timeoutMs int64) error
	Override(ctx context.Context) error
	CancelAssociation()
}

// Library provides the snapshots sent on room joins.
type Library interface {
	Snapshot(ctx context.Context) ([]playlist.Playlist, error)
	GetPlaylist(ctx context.Context, id string) (*playlist.Playlist, error)
}

// Handler upgrades connections and dispatches client messages.
type Handler struct {
	rooms   *rooms.Manager
	bus     Bus
	syncer  *syncer.Controller
	nfc     Nfc
	library Library
	ops     *ops.Tracker

	upgrader websocket.Upgrader
}

// NewHandler creates the WebSocket handler.
func NewHandler(rm *rooms.Manager, bus Bus, sc *syncer.Controller, nfc Nfc, lib Library, tracker *ops.Tracker) *Handler {
	return &Handler{
		rooms:   rm,
		bus:     bus,
		syncer:  sc,
		nfc:     nfc,
		library: lib,
		ops:     tracker,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// the daemon serves a trusted LAN, same-origin enforcement is off
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// ServeHTTP upgrades the request and runs the session until disconnect.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		zlog.Debug().Err(err).Msg("ws: upgrade failed")
		return
	}

	s := newSession(conn)
	h.rooms.Register(s)
	go s.writePump()

	zlog.Info().Str("session_id", s.id).Msg("ws: session connected")
	h.readLoop(r.Context(), s)

	h.rooms.Unregister(s.id)
	s.close()
	zlog.Info().Str("session_id", s.id).Msg("ws: session disconnected")
}

func (h *Handler) readLoop(ctx context.Context, s *Session) {
	s.conn.SetReadLimit(1 << 16)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				zlog.Debug().Err(err).Str("session_id", s.id).Msg("ws: read failed")
			}
			return
		}
		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			zlog.Debug().Err(err).Str("session_id", s.id).Msg("ws: unparseable message")
			continue
		}
		h.dispatch(ctx, s, msg)
	}
}

func (h *Handler) dispatch(ctx context.Context, s *Session, msg clientMessage) {
	switch msg.Type {
	case msgJoinPlaylists:
		ok := h.rooms.Join(s.id, rooms.RoomPlaylists)
		h.ackRoom(s, event.TypeAckJoin, rooms.RoomPlaylists, "", ok)
		if ok {
			h.sendPlaylistsSnapshot(ctx, s)
		}
	case msgLeavePlaylists:
		h.rooms.Leave(s.id, rooms.RoomPlaylists)
		h.ackRoom(s, event.TypeAckLeave, rooms.RoomPlaylists, "", true)
	case msgJoinPlaylist:
		if msg.PlaylistID == "" {
			return
		}
		ok := h.rooms.Join(s.id, rooms.PlaylistRoom(msg.PlaylistID))
		h.ackRoom(s, event.TypeAckJoin, rooms.PlaylistRoom(msg.PlaylistID), msg.PlaylistID, ok)
		if ok {
			h.sendPlaylistSnapshot(ctx, s, msg.PlaylistID)
		}
	case msgLeavePlaylist:
		h.rooms.Leave(s.id, rooms.PlaylistRoom(msg.PlaylistID))
		h.ackRoom(s, event.TypeAckLeave, rooms.PlaylistRoom(msg.PlaylistID), msg.PlaylistID, true)
	case msgJoinNfc:
		ok := h.rooms.Join(s.id, rooms.RoomNfc)
		h.ackRoom(s, event.TypeAckJoin, rooms.RoomNfc, "", ok)
	case msgStartNfcLink:
		h.runOp(s, msg.ClientOpID, func() (any, error) {
			if err := h.nfc.StartAssociation(ctx, msg.PlaylistID, 0); err != nil {
				return nil, err
			}
			return map[string]any{"playlist_id": msg.PlaylistID, "state": "listening"}, nil
		})
	case msgStopNfcLink:
		h.runOp(s, msg.ClientOpID, func() (any, error) {
			h.nfc.CancelAssociation()
			return map[string]any{"state": "cancelled"}, nil
		})
	case msgOverrideNfc:
		h.runOp(s, msg.ClientOpID, func() (any, error) {
			if err := h.nfc.Override(ctx); err != nil {
				return nil, err
			}
			return map[string]any{"state": "completed"}, nil
		})
	case msgSyncRequest:
		h.syncer.Sync(ctx, s.id, syncer.Request{
			LastGlobalSeq:    msg.LastGlobalSeq,
			LastPlaylistSeqs: msg.LastPlaylistSeqs,
		})
	case msgClientPing:
		h.bus.DeliverTo(s.id, h.bus.Seal(event.TypeClientPong, map[string]any{
			"timestamp": msg.Timestamp,
		}))
	default:
		zlog.Debug().Str("type", msg.Type).Str("session_id", s.id).Msg("ws: unknown message type")
	}
}

// ackRoom confirms a subscription change, anchoring the client's resync
// cursors at the moment of the join.
func (h *Handler) ackRoom(s *Session, eventType, room, playlistID string, ok bool) {
	global, playlistSeq := h.bus.CurrentSeqs(playlistID)
	data := map[string]any{
		"room":       room,
		"success":    ok,
		"global_seq": global,
	}
	if playlistID != "" {
		data["playlist_id"] = playlistID
		data["playlist_seq"] = playlistSeq
	}
	h.bus.DeliverTo(s.id, h.bus.Seal(eventType, data))
}

// runOp executes a socket command with idempotent replay, delivering the
// terminal envelope only to this session.
func (h *Handler) runOp(s *Session, opID string, fn func() (any, error)) {
	reg, cached, err := h.ops.Register(opID, s.id)
	if err != nil {
		zlog.Debug().Err(err).Str("session_id", s.id).Msg("ws: rejected operation")
		h.bus.DeliverTo(s.id, h.bus.Seal(event.TypeErrOp, map[string]any{
			"client_op_id": opID,
			"error_type":   string(apperr.KindValidation),
			"message":      err.Error(),
		}))
		return
	}
	switch reg {
	case ops.RegisterReplay:
		if env, ok := cached.(event.Envelope); ok {
			h.bus.DeliverTo(s.id, env)
		}
		return
	case ops.RegisterPending:
		return
	}

	result, err := fn()
	if err != nil {
		h.bus.Nack(opID, err)
		return
	}
	h.bus.Ack(opID, result)
}

// sendPlaylistsSnapshot delivers the full playlist list to a fresh subscriber.
func (h *Handler) sendPlaylistsSnapshot(ctx context.Context, s *Session) {
	playlists, err := h.library.Snapshot(ctx)
	if err != nil {
		zlog.Error().Err(err).Msg("ws: playlists snapshot failed")
		return
	}
	h.bus.DeliverTo(s.id, h.bus.Seal(event.TypePlaylists, map[string]any{
		"playlists": playlists,
	}))
}

func (h *Handler) sendPlaylistSnapshot(ctx context.Context, s *Session, playlistID string) {
	p, err := h.library.GetPlaylist(ctx, playlistID)
	if err != nil {
		zlog.Debug().Err(err).Str("playlist_id", playlistID).Msg("ws: playlist snapshot failed")
		return
	}
	h.bus.DeliverTo(s.id, h.bus.Seal(event.TypePlaylistSnapshot, p))
}
