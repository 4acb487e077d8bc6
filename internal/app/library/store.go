package library

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/The-Open-Music-Box/theopenmusicbox-sub001/internal/domain/playlist"
	"github.com/The-Open-Music-Box/theopenmusicbox-sub001/internal/domain/track"
)

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func scanPlaylist(row *sql.Row) (*playlist.Playlist, error) {
	var p playlist.Playlist
	var nfcTag sql.NullString
	var createdAt, updatedAt string
	var seq int64

	err := row.Scan(&p.ID, &p.Title, &p.Description, &p.Path, &nfcTag, &seq, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	if nfcTag.Valid {
		p.NfcTagID = nfcTag.String
	}
	p.PlaylistSeq = uint64(seq)
	p.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	p.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return &p, nil
}

const playlistColumns = `id, title, description, path, nfc_tag_id, playlist_seq, created_at, updated_at`

func getPlaylistRow(ctx context.Context, q querier, id string) (*playlist.Playlist, error) {
	return scanPlaylist(q.QueryRowContext(ctx,
		`SELECT `+playlistColumns+` FROM playlists WHERE id = ?`, id))
}

func getPlaylistRowByTag(ctx context.Context, q querier, tagUID string) (*playlist.Playlist, error) {
	return scanPlaylist(q.QueryRowContext(ctx,
		`SELECT `+playlistColumns+` FROM playlists WHERE nfc_tag_id = ?`, tagUID))
}

func loadTracks(ctx context.Context, q querier, playlistID string) ([]track.Track, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, playlist_id, track_number, title, filename, file_path, file_hash,
		       file_size, duration_ms, artist, album, created_at
		FROM tracks WHERE playlist_id = ? ORDER BY track_number`, playlistID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	tracks := make([]track.Track, 0, 8)
	for rows.Next() {
		var t track.Track
		var createdAt string
		if err := rows.Scan(&t.ID, &t.PlaylistID, &t.TrackNumber, &t.Title, &t.Filename,
			&t.FilePath, &t.FileHash, &t.FileSize, &t.DurationMs, &t.Artist, &t.Album, &createdAt); err != nil {
			return nil, err
		}
		t.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		tracks = append(tracks, t)
	}
	return tracks, rows.Err()
}

func insertTrack(ctx context.Context, q querier, t *track.Track) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO tracks (id, playlist_id, track_number, title, filename, file_path,
		                    file_hash, file_size, duration_ms, artist, album, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.PlaylistID, t.TrackNumber, t.Title, t.Filename, t.FilePath,
		t.FileHash, t.FileSize, t.DurationMs, t.Artist, t.Album,
		t.CreatedAt.UTC().Format(time.RFC3339))
	return err
}

// replaceTracks rewrites the playlist's track rows to match the entity, used
// after renumbering or reordering.
func replaceTracks(ctx context.Context, q querier, p *playlist.Playlist) error {
	if _, err := q.ExecContext(ctx, `DELETE FROM tracks WHERE playlist_id = ?`, p.ID); err != nil {
		return err
	}
	for i := range p.Tracks {
		p.Tracks[i].PlaylistID = p.ID
		if err := insertTrack(ctx, q, &p.Tracks[i]); err != nil {
			return err
		}
	}
	return nil
}

// touch updates updated_at and the persisted playlist_seq.
func touch(ctx context.Context, q querier, p *playlist.Playlist) error {
	p.UpdatedAt = time.Now().UTC().Truncate(time.Second)
	_, err := q.ExecContext(ctx,
		`UPDATE playlists SET updated_at = ?, playlist_seq = ? WHERE id = ?`,
		p.UpdatedAt.Format(time.RFC3339), int64(p.PlaylistSeq), p.ID)
	return err
}

// persistSeq records the playlist sequence assigned by the broadcaster.
func persistSeq(ctx context.Context, q querier, playlistID string, seq uint64) error {
	_, err := q.ExecContext(ctx,
		`UPDATE playlists SET playlist_seq = ? WHERE id = ?`, int64(seq), playlistID)
	return err
}

// trackDurationByPath resolves a file path to its stored duration.
func trackDurationByPath(ctx context.Context, q querier, path string) (int64, error) {
	var d int64
	err := q.QueryRowContext(ctx,
		`SELECT duration_ms FROM tracks WHERE file_path = ? LIMIT 1`, path).Scan(&d)
	return d, err
}

func countPlaylists(ctx context.Context, q querier) (int, error) {
	var n int
	err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM playlists`).Scan(&n)
	return n, err
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	// modernc sqlite surfaces constraint failures in the error string
	return strings.Contains(err.Error(), "constraint failed")
}
