// Package library provides the playlist repository: the exclusive owner of
// playlists and tracks, publishing a change event for every mutation.
package library

import (
	"context"
	"database/sql"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/The-Open-Music-Box/theopenmusicbox-sub001/internal/domain/apperr"
	"github.com/The-Open-Music-Box/theopenmusicbox-sub001/internal/domain/event"
	"github.com/The-Open-Music-Box/theopenmusicbox-sub001/internal/domain/playlist"
)

// Publisher publishes domain events to the broadcasting service.
type Publisher interface {
	Publish(ev event.Domain) event.Envelope
}

// Page is one page of a playlist listing.
type Page struct {
	Items []playlist.Playlist `json:"items"`
	Page  int                 `json:"page"`
	Limit int                 `json:"limit"`
	Total int                 `json:"total"`
}

const maxPageLimit = 100

// Repository persists playlists and tracks in sqlite.
type Repository struct {
	db  *sql.DB
	pub Publisher

	// per-playlist mutation locks
	mu    sync.Mutex
	locks map[string]*sync.Mutex

	// activeCheck reports whether a playlist is currently playing. Bound to
	// the playback coordinator after wiring.
	activeMu    sync.RWMutex
	activeCheck func(playlistID string) bool
}

// NewRepository creates a repository over the given database.
func NewRepository(db *sql.DB, pub Publisher) *Repository {
	return &Repository{
		db:    db,
		pub:   pub,
		locks: make(map[string]*sync.Mutex),
	}
}

// BindActiveCheck installs the is-playing probe used by DeletePlaylist.
func (r *Repository) BindActiveCheck(fn func(playlistID string) bool) {
	r.activeMu.Lock()
	defer r.activeMu.Unlock()
	r.activeCheck = fn
}

// CreatePlaylist creates an empty playlist and publishes state:playlist_created.
func (r *Repository) CreatePlaylist(ctx context.Context, title, description string) (*playlist.Playlist, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, apperr.New(apperr.KindValidation, "title must not be empty")
	}
	if len(title) > 255 {
		return nil, apperr.New(apperr.KindValidation, "title exceeds 255 characters")
	}

	now := time.Now().UTC().Truncate(time.Second)
	p := &playlist.Playlist{
		ID:          uuid.New().String(),
		Title:       title,
		Description: description,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	p.Path = folderFor(title, p.ID)

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO playlists (id, title, description, path, nfc_tag_id, playlist_seq, created_at, updated_at)
		VALUES (?, ?, ?, ?, NULL, 0, ?, ?)`,
		p.ID, p.Title, p.Description, p.Path,
		now.Format(time.RFC3339), now.Format(time.RFC3339))
	if err != nil {
		return nil, apperr.Wrap(err, apperr.KindStorage, "failed to create playlist")
	}

	env := r.pub.Publish(event.PlaylistCreated{Playlist: *p})
	if env.PlaylistSeq != nil {
		p.PlaylistSeq = *env.PlaylistSeq
		_ = persistSeq(ctx, r.db, p.ID, p.PlaylistSeq)
	}
	return p, nil
}

// UpdateInput carries the updatable playlist fields; nil means unchanged.
type UpdateInput struct {
	Title       *string
	Description *string
}

// UpdatePlaylist applies the given fields and publishes state:playlist_updated.
func (r *Repository) UpdatePlaylist(ctx context.Context, id string, in UpdateInput) (*playlist.Playlist, error) {
	unlock := r.lock(id)
	defer unlock()

	p, err := r.getFull(ctx, id)
	if err != nil {
		return nil, err
	}
	if in.Title != nil {
		t := strings.TrimSpace(*in.Title)
		if t == "" {
			return nil, apperr.New(apperr.KindValidation, "title must not be empty")
		}
		p.Title = t
	}
	if in.Description != nil {
		p.Description = *in.Description
	}

	if _, err := r.db.ExecContext(ctx,
		`UPDATE playlists SET title = ?, description = ? WHERE id = ?`,
		p.Title, p.Description, p.ID); err != nil {
		return nil, apperr.Wrap(err, apperr.KindStorage, "failed to update playlist")
	}
	return r.publishUpdated(ctx, p), nil
}

// DeletePlaylist removes the playlist and its tracks. It fails with a
// conflict while the playlist is playing.
func (r *Repository) DeletePlaylist(ctx context.Context, id string) error {
	unlock := r.lock(id)
	defer unlock()

	if _, err := r.getFull(ctx, id); err != nil {
		return err
	}
	if r.isActive(id) {
		return apperr.New(apperr.KindConflict, "playlist is currently playing").
			WithDetails(map[string]any{"reason": "in_use"})
	}

	if _, err := r.db.ExecContext(ctx, `DELETE FROM tracks WHERE playlist_id = ?`, id); err != nil {
		return apperr.Wrap(err, apperr.KindStorage, "failed to delete tracks")
	}
	if _, err := r.db.ExecContext(ctx, `DELETE FROM playlists WHERE id = ?`, id); err != nil {
		return apperr.Wrap(err, apperr.KindStorage, "failed to delete playlist")
	}

	r.pub.Publish(event.PlaylistDeleted{ID: id})
	return nil
}

// GetPlaylist returns the playlist with its tracks.
func (r *Repository) GetPlaylist(ctx context.Context, id string) (*playlist.Playlist, error) {
	return r.getFull(ctx, id)
}

// GetPlaylistByNfcTag resolves a tag uid to its bound playlist.
func (r *Repository) GetPlaylistByNfcTag(ctx context.Context, tagUID string) (*playlist.Playlist, error) {
	p, err := getPlaylistRowByTag(ctx, r.db, tagUID)
	if err == sql.ErrNoRows {
		return nil, apperr.Newf(apperr.KindNotFound, "no playlist bound to tag %s", tagUID)
	}
	if err != nil {
		return nil, apperr.Wrap(err, apperr.KindStorage, "failed to load playlist")
	}
	p.Tracks, err = loadTracks(ctx, r.db, p.ID)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.KindStorage, "failed to load tracks")
	}
	return p, nil
}

// ListPlaylists returns one page of playlists ordered by title.
func (r *Repository) ListPlaylists(ctx context.Context, page, limit int) (*Page, error) {
	if page < 1 {
		return nil, apperr.New(apperr.KindValidation, "page must be >= 1")
	}
	if limit < 1 || limit > maxPageLimit {
		return nil, apperr.Newf(apperr.KindValidation, "limit must be in [1, %d]", maxPageLimit)
	}

	total, err := countPlaylists(ctx, r.db)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.KindStorage, "failed to count playlists")
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT `+playlistColumns+` FROM playlists
		ORDER BY title, id LIMIT ? OFFSET ?`, limit, (page-1)*limit)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.KindStorage, "failed to list playlists")
	}
	defer func() { _ = rows.Close() }()

	items := make([]playlist.Playlist, 0, limit)
	for rows.Next() {
		var p playlist.Playlist
		var nfcTag sql.NullString
		var createdAt, updatedAt string
		var seq int64
		if err := rows.Scan(&p.ID, &p.Title, &p.Description, &p.Path, &nfcTag, &seq, &createdAt, &updatedAt); err != nil {
			return nil, apperr.Wrap(err, apperr.KindStorage, "failed to scan playlist")
		}
		if nfcTag.Valid {
			p.NfcTagID = nfcTag.String
		}
		p.PlaylistSeq = uint64(seq)
		p.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		p.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
		items = append(items, p)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Wrap(err, apperr.KindStorage, "failed to list playlists")
	}

	for i := range items {
		items[i].Tracks, err = loadTracks(ctx, r.db, items[i].ID)
		if err != nil {
			return nil, apperr.Wrap(err, apperr.KindStorage, "failed to load tracks")
		}
	}
	return &Page{Items: items, Page: page, Limit: limit, Total: total}, nil
}

// Snapshot returns every playlist with tracks, used for state:playlists.
func (r *Repository) Snapshot(ctx context.Context) ([]playlist.Playlist, error) {
	page, err := r.ListPlaylists(ctx, 1, maxPageLimit)
	if err != nil {
		return nil, err
	}
	items := page.Items
	for p := 2; len(items) < page.Total; p++ {
		next, err := r.ListPlaylists(ctx, p, maxPageLimit)
		if err != nil {
			return nil, err
		}
		if len(next.Items) == 0 {
			break
		}
		items = append(items, next.Items...)
	}
	return items, nil
}

// TrackDurationByPath returns the stored duration for the track at the given
// file path. Used by the simulated audio backend.
func (r *Repository) TrackDurationByPath(ctx context.Context, path string) (int64, error) {
	d, err := trackDurationByPath(ctx, r.db, path)
	if err == sql.ErrNoRows {
		return 0, apperr.Newf(apperr.KindNotFound, "no track at path %s", path)
	}
	if err != nil {
		return 0, apperr.Wrap(err, apperr.KindStorage, "failed to look up track duration")
	}
	return d, nil
}

// getFull loads a playlist and its tracks, mapping missing rows to not_found.
func (r *Repository) getFull(ctx context.Context, id string) (*playlist.Playlist, error) {
	p, err := getPlaylistRow(ctx, r.db, id)
	if err == sql.ErrNoRows {
		return nil, apperr.Newf(apperr.KindNotFound, "playlist %s not found", id)
	}
	if err != nil {
		return nil, apperr.Wrap(err, apperr.KindStorage, "failed to load playlist")
	}
	p.Tracks, err = loadTracks(ctx, r.db, id)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.KindStorage, "failed to load tracks")
	}
	return p, nil
}

// publishUpdated emits state:playlist_updated and persists the new seq.
func (r *Repository) publishUpdated(ctx context.Context, p *playlist.Playlist) *playlist.Playlist {
	_ = touch(ctx, r.db, p)
	env := r.pub.Publish(event.PlaylistUpdated{Playlist: *p})
	if env.PlaylistSeq != nil {
		p.PlaylistSeq = *env.PlaylistSeq
		_ = persistSeq(ctx, r.db, p.ID, p.PlaylistSeq)
	}
	return p
}

func (r *Repository) isActive(playlistID string) bool {
	r.activeMu.RLock()
	defer r.activeMu.RUnlock()
	if r.activeCheck == nil {
		return false
	}
	return r.activeCheck(playlistID)
}

// lock acquires the per-playlist mutation lock and returns its unlock func.
func (r *Repository) lock(playlistID string) func() {
	r.mu.Lock()
	m, ok := r.locks[playlistID]
	if !ok {
		m = &sync.Mutex{}
		r.locks[playlistID] = m
	}
	r.mu.Unlock()
	m.Lock()
	return m.Unlock
}

// lockPair acquires two playlist locks in a stable order.
func (r *Repository) lockPair(a, b string) func() {
	if a == b {
		return r.lock(a)
	}
	first, second := a, b
	if second < first {
		first, second = second, first
	}
	u1 := r.lock(first)
	u2 := r.lock(second)
	return func() {
		u2()
		u1()
	}
}

var folderUnsafe = regexp.MustCompile(`[^a-z0-9]+`)

// folderFor derives a unique on-disk folder name from the title.
func folderFor(title, id string) string {
	slug := folderUnsafe.ReplaceAllString(strings.ToLower(title), "-")
	slug = strings.Trim(slug, "-")
	if slug == "" {
		slug = "playlist"
	}
	if len(id) >= 8 {
		return slug + "-" + id[:8]
	}
	return slug + "-" + id
}
