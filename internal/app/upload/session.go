package upload

import (
	"sync"
	"time"
)

// State is an upload session lifecycle state.
type State string

// Session states. Transitions are one-way except Failed -> Cancelled.
const (
	StateInitialized State = "initialized"
	StateUploading   State = "uploading"
	StateFinalizing  State = "finalizing"
	StateCompleted   State = "completed"
	StateFailed      State = "failed"
	StateCancelled   State = "cancelled"
)

// terminal reports whether no further chunks or finalize calls are accepted.
func (s State) terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// Session is one chunked upload of a single file into a playlist. All fields
// behind mu; the engine takes the session mutex before touching them.
type Session struct {
	mu sync.Mutex

	ID          string
	PlaylistID  string
	Filename    string
	FileSize    int64
	ChunkSize   int64
	TotalChunks int
	State       State
	CreatedAt   time.Time
	ExpiresAt   time.Time

	received *bitset
	tmpDir   string

	// inflight guards against concurrent writes of the same chunk index.
	inflight map[int]struct{}
}

// Status is a point-in-time snapshot of a session, safe to serialize.
type Status struct {
	SessionID      string    `json:"session_id"`
	PlaylistID     string    `json:"playlist_id"`
	Filename       string    `json:"filename"`
	FileSize       int64     `json:"file_size"`
	ChunkSize      int64     `json:"chunk_size"`
	TotalChunks    int       `json:"total_chunks"`
	ChunksReceived int       `json:"chunks_received"`
	BytesUploaded  int64     `json:"bytes_uploaded"`
	Progress       float64   `json:"progress"`
	State          State     `json:"state"`
	CreatedAt      time.Time `json:"created_at"`
	ExpiresAt      time.Time `json:"expires_at"`
}

// snapshotLocked builds a Status; caller holds s.mu.
func (s *Session) snapshotLocked() Status {
	return Status{
		SessionID:      s.ID,
		PlaylistID:     s.PlaylistID,
		Filename:       s.Filename,
		FileSize:       s.FileSize,
		ChunkSize:      s.ChunkSize,
		TotalChunks:    s.TotalChunks,
		ChunksReceived: s.received.Count(),
		BytesUploaded:  s.bytesUploadedLocked(),
		Progress:       s.progressLocked(),
		State:          s.State,
		CreatedAt:      s.CreatedAt,
		ExpiresAt:      s.ExpiresAt,
	}
}

// bytesUploadedLocked sums received chunk sizes, accounting for the short
// final chunk.
func (s *Session) bytesUploadedLocked() int64 {
	var n int64
	for i := 0; i < s.TotalChunks; i++ {
		if !s.received.Has(i) {
			continue
		}
		n += s.chunkLen(i)
	}
	return n
}

func (s *Session) progressLocked() float64 {
	if s.FileSize == 0 {
		return 1
	}
	return float64(s.bytesUploadedLocked()) / float64(s.FileSize)
}

// chunkLen returns the expected byte length of the chunk at index.
func (s *Session) chunkLen(index int) int64 {
	if index == s.TotalChunks-1 {
		if last := s.FileSize - int64(s.TotalChunks-1)*s.ChunkSize; last > 0 {
			return last
		}
	}
	return s.ChunkSize
}
