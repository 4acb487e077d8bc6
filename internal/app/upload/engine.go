// Package upload implements resumable chunked file uploads: a session per
// file, chunk acceptance into a temp directory, and finalization into a
// playlist track.
package upload

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/renameio/v2"
	"github.com/google/uuid"
	zlog "github.com/rs/zerolog/log"

	"github.com/The-Open-Music-Box/theopenmusicbox-sub001/internal/domain/apperr"
	"github.com/The-Open-Music-Box/theopenmusicbox-sub001/internal/domain/event"
	"github.com/The-Open-Music-Box/theopenmusicbox-sub001/internal/domain/playlist"
	"github.com/The-Open-Music-Box/theopenmusicbox-sub001/internal/domain/track"
	"github.com/The-Open-Music-Box/theopenmusicbox-sub001/internal/infra/metadata"
)

// Publisher publishes domain events to the broadcasting service.
type Publisher interface {
	Publish(ev event.Domain) event.Envelope
}

// Library is the slice of the playlist repository the engine needs.
type Library interface {
	GetPlaylist(ctx context.Context, id string) (*playlist.Playlist, error)
	AddTrack(ctx context.Context, playlistID string, t track.Track) (*track.Track, error)
}

// Options configures the engine.
type Options struct {
	UploadRoot        string
	ChunkSize         int64
	MaxUploadBytes    int64
	SessionTTL        time.Duration
	AllowedExtensions []string
}

const defaultChunkSize = 1 << 20

// Engine owns every upload session from creation to finalization.
type Engine struct {
	db      *sql.DB
	pub     Publisher
	library Library
	meta    metadata.Extractor
	opts    Options

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewEngine creates an upload engine.
func NewEngine(db *sql.DB, pub Publisher, library Library, meta metadata.Extractor, opts Options) *Engine {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = defaultChunkSize
	}
	if opts.SessionTTL <= 0 {
		opts.SessionTTL = time.Hour
	}
	return &Engine{
		db:       db,
		pub:      pub,
		library:  library,
		meta:     meta,
		opts:     opts,
		sessions: make(map[string]*Session),
	}
}

// RestoreSessions reloads persisted in-flight sessions after a restart so
// clients can keep uploading against chunks already on disk. It returns the
// number of sessions restored.
func (e *Engine) RestoreSessions(ctx context.Context) (int, error) {
	sessions, err := loadSessions(ctx, e.db, time.Now().UTC())
	if err != nil {
		return 0, apperr.Wrap(err, apperr.KindStorage, "failed to restore upload sessions")
	}

	e.mu.Lock()
	n := 0
	for _, s := range sessions {
		if _, ok := e.sessions[s.ID]; ok {
			continue
		}
		if s.State == StateFinalizing {
			// the previous finalize never completed, let the client retry
			s.State = StateUploading
		}
		s.tmpDir = filepath.Join(e.opts.UploadRoot, ".tmp", s.ID)
		e.sessions[s.ID] = s
		n++
	}
	e.mu.Unlock()

	if n > 0 {
		zlog.Info().Int("count", n).Msg("restored in-flight upload sessions")
	}
	return n, nil
}

// CreateSession opens a new upload session targeting the playlist.
func (e *Engine) CreateSession(ctx context.Context, playlistID, filename string, fileSize, chunkSize int64) (Status, error) {
	if err := e.validateFilename(filename); err != nil {
		return Status{}, err
	}
	if fileSize <= 0 {
		return Status{}, apperr.New(apperr.KindValidation, "file_size must be positive")
	}
	if fileSize > e.opts.MaxUploadBytes {
		return Status{}, apperr.Newf(apperr.KindValidation, "file_size exceeds limit of %d bytes", e.opts.MaxUploadBytes).
			WithDetails(map[string]any{"max_upload_bytes": e.opts.MaxUploadBytes})
	}
	if chunkSize <= 0 {
		chunkSize = e.opts.ChunkSize
	}

	if _, err := e.library.GetPlaylist(ctx, playlistID); err != nil {
		return Status{}, err
	}

	now := time.Now().UTC()
	s := &Session{
		ID:          uuid.New().String(),
		PlaylistID:  playlistID,
		Filename:    filename,
		FileSize:    fileSize,
		ChunkSize:   chunkSize,
		TotalChunks: int((fileSize + chunkSize - 1) / chunkSize),
		State:       StateInitialized,
		CreatedAt:   now,
		ExpiresAt:   now.Add(e.opts.SessionTTL),
		inflight:    make(map[int]struct{}),
	}
	s.received = newBitset(s.TotalChunks)
	s.tmpDir = filepath.Join(e.opts.UploadRoot, ".tmp", s.ID)

	if err := os.MkdirAll(filepath.Join(s.tmpDir, "chunks"), 0o755); err != nil {
		return Status{}, apperr.Wrap(err, apperr.KindStorage, "failed to reserve upload directory")
	}

	e.mu.Lock()
	e.sessions[s.ID] = s
	e.mu.Unlock()

	if err := insertSession(ctx, e.db, s); err != nil {
		zlog.Warn().Err(err).Str("session_id", s.ID).Msg("failed to persist upload session")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked(), nil
}

// UploadChunk accepts one chunk. Re-uploading an already received chunk is a
// no-op success. Returns the received count and total chunk count.
func (e *Engine) UploadChunk(ctx context.Context, sessionID string, chunkIndex int, data []byte) (int, int, error) {
	s, err := e.session(sessionID)
	if err != nil {
		return 0, 0, err
	}

	s.mu.Lock()
	if s.State != StateInitialized && s.State != StateUploading {
		state := s.State
		s.mu.Unlock()
		return 0, 0, apperr.Newf(apperr.KindConflict, "session is %s, not accepting chunks", state)
	}
	if chunkIndex < 0 || chunkIndex >= s.TotalChunks {
		s.mu.Unlock()
		return 0, 0, apperr.Newf(apperr.KindValidation, "chunk_index %d out of range [0, %d)", chunkIndex, s.TotalChunks)
	}
	want := s.chunkLen(chunkIndex)
	if final := chunkIndex == s.TotalChunks-1; final {
		if int64(len(data)) != want {
			s.mu.Unlock()
			return 0, 0, apperr.Newf(apperr.KindValidation, "final chunk must be %d bytes, got %d", want, len(data))
		}
	} else if int64(len(data)) != s.ChunkSize {
		s.mu.Unlock()
		return 0, 0, apperr.Newf(apperr.KindValidation, "chunk must be %d bytes, got %d", s.ChunkSize, len(data))
	}
	if s.received.Has(chunkIndex) {
		received := s.received.Count()
		total := s.TotalChunks
		s.mu.Unlock()
		return received, total, nil
	}
	if _, busy := s.inflight[chunkIndex]; busy {
		s.mu.Unlock()
		return 0, 0, apperr.Newf(apperr.KindBusy, "chunk %d is already being written", chunkIndex)
	}
	s.inflight[chunkIndex] = struct{}{}
	path := filepath.Join(s.tmpDir, "chunks", fmt.Sprintf("%06d", chunkIndex))
	s.mu.Unlock()

	// disk write outside the session mutex
	writeErr := renameio.WriteFile(path, data, 0o644)

	s.mu.Lock()
	delete(s.inflight, chunkIndex)
	if writeErr != nil {
		s.mu.Unlock()
		return 0, 0, apperr.Wrap(writeErr, apperr.KindStorage, "failed to write chunk")
	}
	s.received.Set(chunkIndex)
	if s.State == StateInitialized {
		s.State = StateUploading
	}
	s.ExpiresAt = time.Now().UTC().Add(e.opts.SessionTTL)
	progress := event.UploadProgress{
		SessionID:      s.ID,
		PlaylistRef:    s.PlaylistID,
		BytesUploaded:  s.bytesUploadedLocked(),
		FileSize:       s.FileSize,
		Progress:       s.progressLocked(),
		ChunksReceived: s.received.Count(),
		TotalChunks:    s.TotalChunks,
	}
	received := s.received.Count()
	total := s.TotalChunks
	e.persistLocked(ctx, s)
	s.mu.Unlock()

	e.pub.Publish(progress)
	return received, total, nil
}

// Finalize assembles the chunks into the playlist's folder, verifies the
// optional expected hash, and hands the produced track to the library.
func (e *Engine) Finalize(ctx context.Context, sessionID, expectedSHA256 string) (*track.Track, error) {
	s, err := e.session(sessionID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.State == StateFinalizing {
		s.mu.Unlock()
		return nil, apperr.New(apperr.KindBusy, "finalization already in progress")
	}
	if s.State.terminal() {
		state := s.State
		s.mu.Unlock()
		return nil, apperr.Newf(apperr.KindConflict, "session is already %s", state)
	}
	if !s.received.Full() {
		missing := s.TotalChunks - s.received.Count()
		s.mu.Unlock()
		return nil, apperr.Newf(apperr.KindValidation, "%d chunks still missing", missing)
	}
	s.State = StateFinalizing
	e.persistLocked(ctx, s)
	s.mu.Unlock()

	t, err := e.assemble(ctx, s, expectedSHA256)
	if err != nil {
		e.fail(ctx, s, err)
		return nil, err
	}

	s.mu.Lock()
	s.State = StateCompleted
	e.persistLocked(ctx, s)
	s.mu.Unlock()
	e.cleanup(s)

	e.pub.Publish(event.UploadComplete{SessionID: s.ID, PlaylistRef: s.PlaylistID, Track: *t})
	return t, nil
}

// assemble concatenates the chunks into the final file, hashing while writing,
// then extracts metadata and registers the track.
func (e *Engine) assemble(ctx context.Context, s *Session, expectedSHA256 string) (*track.Track, error) {
	p, err := e.library.GetPlaylist(ctx, s.PlaylistID)
	if err != nil {
		return nil, err
	}

	destDir := filepath.Join(e.opts.UploadRoot, p.Path)
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return nil, apperr.Wrap(err, apperr.KindStorage, "failed to create playlist directory")
	}
	destPath := filepath.Join(destDir, s.Filename)

	pf, err := renameio.NewPendingFile(destPath, renameio.WithPermissions(0o644))
	if err != nil {
		return nil, apperr.Wrap(err, apperr.KindStorage, "failed to open target file")
	}
	defer func() { _ = pf.Cleanup() }()

	hasher := sha256.New()
	out := io.MultiWriter(pf, hasher)
	for i := 0; i < s.TotalChunks; i++ {
		if err := copyChunk(out, filepath.Join(s.tmpDir, "chunks", fmt.Sprintf("%06d", i))); err != nil {
			return nil, apperr.Wrap(err, apperr.KindStorage, "failed to assemble chunks")
		}
	}

	sum := hex.EncodeToString(hasher.Sum(nil))
	if expectedSHA256 != "" && !strings.EqualFold(expectedSHA256, sum) {
		return nil, apperr.New(apperr.KindIntegrity, "sha256 mismatch between client and assembled file").
			WithDetails(map[string]any{"expected": strings.ToLower(expectedSHA256), "actual": sum})
	}

	if err := pf.CloseAtomicallyReplace(); err != nil {
		return nil, apperr.Wrap(err, apperr.KindStorage, "failed to commit target file")
	}

	meta, err := e.meta.Extract(destPath)
	if err != nil {
		zlog.Warn().Err(err).Str("file", s.Filename).Msg("metadata extraction failed, ingesting untagged")
		meta = metadata.Meta{}
	}

	t := track.Track{
		Title:      meta.Title,
		Filename:   s.Filename,
		FilePath:   destPath,
		FileHash:   sum,
		FileSize:   s.FileSize,
		DurationMs: meta.DurationMs,
		Artist:     meta.Artist,
		Album:      meta.Album,
	}
	added, err := e.library.AddTrack(ctx, s.PlaylistID, t)
	if err != nil {
		_ = os.Remove(destPath)
		return nil, err
	}
	return added, nil
}

// Cancel aborts the session and removes its temp directory. Idempotent.
func (e *Engine) Cancel(ctx context.Context, sessionID string) error {
	s, err := e.session(sessionID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.State == StateCancelled {
		s.mu.Unlock()
		return nil
	}
	if s.State == StateCompleted {
		s.mu.Unlock()
		return apperr.New(apperr.KindConflict, "session already completed")
	}
	s.State = StateCancelled
	e.persistLocked(ctx, s)
	s.mu.Unlock()

	e.cleanup(s)
	return nil
}

// GetStatus returns a snapshot of the session.
func (e *Engine) GetStatus(sessionID string) (Status, error) {
	s, err := e.session(sessionID)
	if err != nil {
		return Status{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked(), nil
}

// PurgeExpired fails every session whose deadline has passed and returns how
// many were purged.
func (e *Engine) PurgeExpired(ctx context.Context) int {
	now := time.Now().UTC()

	e.mu.Lock()
	var expired []*Session
	for _, s := range e.sessions {
		s.mu.Lock()
		if !s.State.terminal() && now.After(s.ExpiresAt) {
			expired = append(expired, s)
		}
		s.mu.Unlock()
	}
	e.mu.Unlock()

	for _, s := range expired {
		s.mu.Lock()
		if s.State.terminal() {
			s.mu.Unlock()
			continue
		}
		s.State = StateFailed
		e.persistLocked(ctx, s)
		s.mu.Unlock()
		e.cleanup(s)
		e.pub.Publish(event.UploadError{
			SessionID:   s.ID,
			PlaylistRef: s.PlaylistID,
			ErrorType:   string(apperr.KindTimeout),
			Message:     "upload session expired",
		})
		zlog.Info().Str("session_id", s.ID).Msg("purged expired upload session")
	}
	return len(expired)
}

// RunPurger purges expired sessions on the given cadence until ctx ends.
func (e *Engine) RunPurger(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.PurgeExpired(ctx)
		}
	}
}

// fail marks the session Failed, removes its temp dir and publishes
// upload:error.
func (e *Engine) fail(ctx context.Context, s *Session, cause error) {
	s.mu.Lock()
	s.State = StateFailed
	e.persistLocked(ctx, s)
	s.mu.Unlock()
	e.cleanup(s)

	e.pub.Publish(event.UploadError{
		SessionID:   s.ID,
		PlaylistRef: s.PlaylistID,
		ErrorType:   string(apperr.KindOf(cause)),
		Message:     apperr.MessageOf(cause),
	})
}

func (e *Engine) cleanup(s *Session) {
	if err := os.RemoveAll(s.tmpDir); err != nil {
		zlog.Warn().Err(err).Str("session_id", s.ID).Msg("failed to remove upload temp dir")
	}
}

func (e *Engine) session(id string) (*Session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.sessions[id]
	if !ok {
		return nil, apperr.Newf(apperr.KindNotFound, "upload session %s not found", id)
	}
	return s, nil
}

// validateFilename rejects path traversal and disallowed extensions.
func (e *Engine) validateFilename(name string) error {
	if name == "" {
		return apperr.New(apperr.KindValidation, "filename must not be empty")
	}
	if strings.ContainsAny(name, `/\`) || name != filepath.Base(name) {
		return apperr.New(apperr.KindValidation, "filename must not contain path separators")
	}
	if strings.HasPrefix(name, ".") {
		return apperr.New(apperr.KindValidation, "filename must not start with a dot")
	}
	ext := strings.ToLower(filepath.Ext(name))
	for _, allowed := range e.opts.AllowedExtensions {
		if ext == allowed {
			return nil
		}
	}
	return apperr.Newf(apperr.KindValidation, "file extension %q is not allowed", ext).
		WithDetails(map[string]any{"allowed_extensions": e.opts.AllowedExtensions})
}

func copyChunk(dst io.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	_, err = io.Copy(dst, f)
	return err
}
