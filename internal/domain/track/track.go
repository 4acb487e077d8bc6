// Package track provides the Track domain entity.
package track

import (
	"path/filepath"
	"time"
)

// Track represents a single audio file belonging to a playlist.
type Track struct {
	ID          string    `json:"id"`
	PlaylistID  string    `json:"playlist_id"`
	TrackNumber int       `json:"track_number"` // 1-based, dense within the playlist
	Title       string    `json:"title"`
	Filename    string    `json:"filename"`
	DurationMs  int64     `json:"duration_ms"`
	FilePath    string    `json:"file_path,omitempty"`
	FileHash    string    `json:"file_hash,omitempty"`
	FileSize    int64     `json:"file_size,omitempty"`
	Artist      string    `json:"artist,omitempty"`
	Album       string    `json:"album,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// ResolvePath returns the track's file path, deriving it from the upload root
// and the playlist folder when FilePath is unset.
func (t *Track) ResolvePath(uploadRoot, playlistPath string) string {
	if t.FilePath != "" {
		return t.FilePath
	}
	return filepath.Join(uploadRoot, playlistPath, t.Filename)
}

// Duration returns the track duration as a time.Duration.
func (t *Track) Duration() time.Duration {
	return time.Duration(t.DurationMs) * time.Millisecond
}
