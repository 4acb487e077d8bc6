package upload

import (
	"context"
	"database/sql"
	"time"

	zlog "github.com/rs/zerolog/log"
)

// insertSession persists a freshly created session.
func insertSession(ctx context.Context, db *sql.DB, s *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := db.ExecContext(ctx, `
		INSERT INTO upload_sessions (id, playlist_id, filename, file_size, chunk_size,
		                             total_chunks, received_chunks, state, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.PlaylistID, s.Filename, s.FileSize, s.ChunkSize,
		s.TotalChunks, s.received.Bytes(), string(s.State),
		s.CreatedAt.Format(time.RFC3339), s.ExpiresAt.Format(time.RFC3339))
	return err
}

// loadSessions returns persisted sessions that are neither terminal nor past
// their deadline, in creation order. Rows that fail to decode are skipped.
func loadSessions(ctx context.Context, db *sql.DB, now time.Time) ([]*Session, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, playlist_id, filename, file_size, chunk_size, total_chunks,
		       received_chunks, state, created_at, expires_at
		FROM upload_sessions
		WHERE state NOT IN (?, ?, ?)
		ORDER BY created_at`,
		string(StateCompleted), string(StateFailed), string(StateCancelled))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Session
	for rows.Next() {
		s := &Session{inflight: make(map[int]struct{})}
		var received []byte
		var state, createdAt, expiresAt string
		if err := rows.Scan(&s.ID, &s.PlaylistID, &s.Filename, &s.FileSize, &s.ChunkSize,
			&s.TotalChunks, &received, &state, &createdAt, &expiresAt); err != nil {
			return nil, err
		}
		s.State = State(state)
		if s.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
			zlog.Warn().Err(err).Str("session_id", s.ID).Msg("skipping undecodable upload session")
			continue
		}
		if s.ExpiresAt, err = time.Parse(time.RFC3339, expiresAt); err != nil {
			zlog.Warn().Err(err).Str("session_id", s.ID).Msg("skipping undecodable upload session")
			continue
		}
		if !now.Before(s.ExpiresAt) {
			continue
		}
		s.received = bitsetFromBytes(received, s.TotalChunks)
		out = append(out, s)
	}
	return out, rows.Err()
}

// persistLocked updates the session's mutable columns. Caller holds s.mu.
// Persistence is best-effort: the in-memory session stays authoritative.
func (e *Engine) persistLocked(ctx context.Context, s *Session) {
	_, err := e.db.ExecContext(ctx, `
		UPDATE upload_sessions SET received_chunks = ?, state = ?, expires_at = ?
		WHERE id = ?`,
		s.received.Bytes(), string(s.State), s.ExpiresAt.Format(time.RFC3339), s.ID)
	if err != nil {
		zlog.Warn().Err(err).Str("session_id", s.ID).Msg("failed to persist upload session state")
	}
}
