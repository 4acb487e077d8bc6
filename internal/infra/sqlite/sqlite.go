// Package sqlite provides the embedded database used for playlists, tracks,
// upload sessions and the event outbox.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	_ "modernc.org/sqlite" // SQLite driver (pure Go, no CGO)
)

// Open opens (creating if necessary) the database at dbPath and runs the
// schema migration. WAL mode and a busy timeout are set for concurrent use.
func Open(dbPath string) (*sql.DB, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrap(err, "create database dir")
		}
	}

	// busy_timeout avoids "database locked" errors
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_synchronous=NORMAL", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open database")
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "ping database")
	}

	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "run migrations")
	}

	return db, nil
}

var memSeq atomic.Uint64

// OpenMemory opens a private in-memory database, used by tests. Each call
// yields an independent database.
func OpenMemory() (*sql.DB, error) {
	name := fmt.Sprintf("memdb%d", memSeq.Add(1))
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?mode=memory&cache=shared&_busy_timeout=5000", name))
	if err != nil {
		return nil, errors.Wrap(err, "open database")
	}
	db.SetMaxOpenConns(1)
	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "run migrations")
	}
	return db, nil
}

// migrate runs database schema migrations.
func migrate(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS playlists (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		path TEXT NOT NULL,
		nfc_tag_id TEXT UNIQUE,
		playlist_seq INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS tracks (
		id TEXT PRIMARY KEY,
		playlist_id TEXT NOT NULL REFERENCES playlists(id) ON DELETE CASCADE,
		track_number INTEGER NOT NULL,
		title TEXT NOT NULL,
		filename TEXT NOT NULL,
		file_path TEXT NOT NULL DEFAULT '',
		file_hash TEXT NOT NULL DEFAULT '',
		file_size INTEGER NOT NULL DEFAULT 0,
		duration_ms INTEGER NOT NULL DEFAULT 0,
		artist TEXT NOT NULL DEFAULT '',
		album TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_tracks_playlist ON tracks(playlist_id, track_number);

	CREATE TABLE IF NOT EXISTS upload_sessions (
		id TEXT PRIMARY KEY,
		playlist_id TEXT NOT NULL,
		filename TEXT NOT NULL,
		file_size INTEGER NOT NULL,
		chunk_size INTEGER NOT NULL,
		total_chunks INTEGER NOT NULL,
		received_chunks BLOB,
		state TEXT NOT NULL,
		created_at TEXT NOT NULL,
		expires_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS outbox (
		global_seq INTEGER PRIMARY KEY,
		playlist_id TEXT,
		event_type TEXT NOT NULL,
		payload TEXT NOT NULL,
		created_at TEXT NOT NULL
	);
	`
	_, err := db.Exec(schema)
	return err
}

// MaxSeqs scans the persisted outbox and playlists for the sequence maxima
// used to bootstrap the generator on cold start.
func MaxSeqs(ctx context.Context, db *sql.DB) (uint64, map[string]uint64, error) {
	var global sql.NullInt64
	if err := db.QueryRowContext(ctx, `SELECT MAX(global_seq) FROM outbox`).Scan(&global); err != nil {
		return 0, nil, errors.Wrap(err, "scan outbox max seq")
	}

	rows, err := db.QueryContext(ctx, `SELECT id, playlist_seq FROM playlists`)
	if err != nil {
		return 0, nil, errors.Wrap(err, "scan playlist seqs")
	}
	defer func() { _ = rows.Close() }()

	perPlaylist := make(map[string]uint64)
	for rows.Next() {
		var id string
		var s int64
		if err := rows.Scan(&id, &s); err != nil {
			return 0, nil, err
		}
		perPlaylist[id] = uint64(s)
	}
	if err := rows.Err(); err != nil {
		return 0, nil, err
	}

	var g uint64
	if global.Valid {
		g = uint64(global.Int64)
	}
	return g, perPlaylist, nil
}
