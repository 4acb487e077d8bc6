package event

import (
	"github.com/The-Open-Music-Box/theopenmusicbox-sub001/internal/domain/playlist"
	"github.com/The-Open-Music-Box/theopenmusicbox-sub001/internal/domain/track"
)

// Domain is implemented by every domain event accepted by the broadcaster.
type Domain interface {
	// Type returns the wire event type.
	Type() string
	// PlaylistID returns the scoping playlist id, or "" for global events.
	PlaylistID() string
	// Payload returns the envelope data payload.
	Payload() any
}

// PlaylistCreated is emitted after a playlist has been created.
type PlaylistCreated struct {
	Playlist playlist.Playlist
}

func (e PlaylistCreated) Type() string       { return TypePlaylistCreated }
func (e PlaylistCreated) PlaylistID() string { return e.Playlist.ID }
func (e PlaylistCreated) Payload() any       { return e.Playlist }

// PlaylistUpdated is emitted after any mutation of a playlist or its tracks.
type PlaylistUpdated struct {
	Playlist playlist.Playlist
}

func (e PlaylistUpdated) Type() string       { return TypePlaylistUpdated }
func (e PlaylistUpdated) PlaylistID() string { return e.Playlist.ID }
func (e PlaylistUpdated) Payload() any       { return e.Playlist }

// PlaylistDeleted is emitted after a playlist has been deleted.
type PlaylistDeleted struct {
	ID string
}

func (e PlaylistDeleted) Type() string       { return TypePlaylistDeleted }
func (e PlaylistDeleted) PlaylistID() string { return e.ID }
func (e PlaylistDeleted) Payload() any {
	return map[string]any{"playlist_id": e.ID}
}

// PlaylistsSnapshot carries the full playlist list, emitted on initial join of
// the playlists room or after an outbox gap.
type PlaylistsSnapshot struct {
	Playlists []playlist.Playlist
}

func (e PlaylistsSnapshot) Type() string       { return TypePlaylists }
func (e PlaylistsSnapshot) PlaylistID() string { return "" }
func (e PlaylistsSnapshot) Payload() any {
	return map[string]any{"playlists": e.Playlists}
}

// TrackAdded is emitted after a track has been ingested into a playlist.
type TrackAdded struct {
	PlaylistRef string
	Track       track.Track
}

func (e TrackAdded) Type() string       { return TypeTrackAdded }
func (e TrackAdded) PlaylistID() string { return e.PlaylistRef }
func (e TrackAdded) Payload() any {
	return map[string]any{"playlist_id": e.PlaylistRef, "track": e.Track}
}

// TracksDeleted is emitted after tracks have been removed from a playlist.
type TracksDeleted struct {
	PlaylistRef  string
	TrackNumbers []int
}

func (e TracksDeleted) Type() string       { return TypeTrackDeleted }
func (e TracksDeleted) PlaylistID() string { return e.PlaylistRef }
func (e TracksDeleted) Payload() any {
	return map[string]any{"playlist_id": e.PlaylistRef, "track_numbers": e.TrackNumbers}
}

// PlayerStatePayload is the wire snapshot of the player.
type PlayerStatePayload struct {
	IsPlaying        bool   `json:"is_playing"`
	ActivePlaylistID string `json:"active_playlist_id,omitempty"`
	ActiveTrackID    string `json:"active_track_id,omitempty"`
	PositionMs       int64  `json:"position_ms"`
	Volume           int    `json:"volume"`
	Muted            bool   `json:"muted"`
	RepeatMode       string `json:"repeat_mode"`
	Shuffle          bool   `json:"shuffle"`
}

// PlayerState is emitted whenever the player state changes.
type PlayerState struct {
	State PlayerStatePayload
}

func (e PlayerState) Type() string       { return TypePlayerState }
func (e PlayerState) PlaylistID() string { return "" }
func (e PlayerState) Payload() any       { return e.State }

// TrackPosition is the lightweight progress event emitted while playing.
// It is best-effort and excluded from resync.
type TrackPosition struct {
	PositionMs int64  `json:"position_ms"`
	TrackID    string `json:"track_id"`
	IsPlaying  bool   `json:"is_playing"`
	DurationMs int64  `json:"duration_ms,omitempty"`
}

func (e TrackPosition) Type() string       { return TypeTrackPosition }
func (e TrackPosition) PlaylistID() string { return "" }
func (e TrackPosition) Payload() any       { return e }

// VolumeChanged is emitted after the volume has been set.
type VolumeChanged struct {
	Volume int
}

func (e VolumeChanged) Type() string       { return TypeVolumeChanged }
func (e VolumeChanged) PlaylistID() string { return "" }
func (e VolumeChanged) Payload() any {
	return map[string]any{"volume": e.Volume}
}

// NfcStatePayload is the wire snapshot of an NFC association session.
type NfcStatePayload struct {
	State                 string `json:"state"`
	PlaylistID            string `json:"playlist_id,omitempty"`
	ObservedTagID         string `json:"observed_tag_id,omitempty"`
	ConflictingPlaylistID string `json:"conflicting_playlist_id,omitempty"`
	Message               string `json:"message,omitempty"`
}

// NfcState is emitted on every association session transition and for
// unknown-tag detections.
type NfcState struct {
	State NfcStatePayload
}

func (e NfcState) Type() string       { return TypeNfcState }
func (e NfcState) PlaylistID() string { return "" }
func (e NfcState) Payload() any       { return e.State }

// UploadProgress is emitted after each accepted chunk.
type UploadProgress struct {
	SessionID      string  `json:"session_id"`
	PlaylistRef    string  `json:"playlist_id"`
	BytesUploaded  int64   `json:"bytes_uploaded"`
	FileSize       int64   `json:"file_size"`
	Progress       float64 `json:"progress"`
	ChunksReceived int     `json:"chunks_received"`
	TotalChunks    int     `json:"total_chunks"`
}

func (e UploadProgress) Type() string       { return TypeUploadProgress }
func (e UploadProgress) PlaylistID() string { return e.PlaylistRef }
func (e UploadProgress) Payload() any       { return e }

// UploadComplete is emitted after a finalized upload produced a track.
type UploadComplete struct {
	SessionID   string      `json:"session_id"`
	PlaylistRef string      `json:"playlist_id"`
	Track       track.Track `json:"track"`
}

func (e UploadComplete) Type() string       { return TypeUploadComplete }
func (e UploadComplete) PlaylistID() string { return e.PlaylistRef }
func (e UploadComplete) Payload() any       { return e }

// UploadError is emitted when an upload session fails.
type UploadError struct {
	SessionID   string `json:"session_id"`
	PlaylistRef string `json:"playlist_id"`
	ErrorType   string `json:"error_type"`
	Message     string `json:"message"`
}

func (e UploadError) Type() string       { return TypeUploadError }
func (e UploadError) PlaylistID() string { return e.PlaylistRef }
func (e UploadError) Payload() any       { return e }
