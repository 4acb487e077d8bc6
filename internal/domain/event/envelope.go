// Package event defines the domain events emitted by the core and the
// envelope format delivered to clients.
package event

// Envelope is a single immutable state/event message sent to clients.
type Envelope struct {
	EventType   string  `json:"event_type"`
	GlobalSeq   uint64  `json:"global_seq"`
	PlaylistSeq *uint64 `json:"playlist_seq,omitempty"`
	EventID     string  `json:"event_id"`
	TimestampMs int64   `json:"timestamp_ms"`
	Data        any     `json:"data"`
}

// Event types carried in Envelope.EventType.
const (
	TypePlayerState      = "state:player"
	TypeTrackPosition    = "state:track_position"
	TypePlaylists        = "state:playlists"
	TypePlaylistSnapshot = "state:playlist"
	TypePlaylistCreated  = "state:playlist_created"
	TypePlaylistUpdated  = "state:playlist_updated"
	TypePlaylistDeleted  = "state:playlist_deleted"
	TypeTrackAdded       = "state:track_added"
	TypeTrackDeleted     = "state:track_deleted"
	TypeVolumeChanged    = "state:volume_changed"
	TypeNfcState         = "state:nfc_state"
	TypeUploadProgress   = "upload:progress"
	TypeUploadComplete   = "upload:complete"
	TypeUploadError      = "upload:error"
	TypeAckOp            = "ack:op"
	TypeErrOp            = "err:op"
	TypeAckJoin          = "ack:join"
	TypeAckLeave         = "ack:leave"
	TypeSyncComplete     = "sync:complete"
	TypeSyncError        = "sync:error"
	TypeClientPong       = "client_pong"
)

// Ephemeral reports whether envelopes of the given type are excluded from the
// outbox replay horizon. Clients tolerate gaps for these.
func Ephemeral(eventType string) bool {
	switch eventType {
	case TypeTrackPosition, TypeAckOp, TypeErrOp, TypeAckJoin, TypeAckLeave,
		TypeSyncComplete, TypeSyncError, TypeClientPong:
		return true
	}
	return false
}
