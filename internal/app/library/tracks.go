package library

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/The-Open-Music-Box/theopenmusicbox-sub001/internal/domain/apperr"
	"github.com/The-Open-Music-Box/theopenmusicbox-sub001/internal/domain/event"
	"github.com/The-Open-Music-Box/theopenmusicbox-sub001/internal/domain/track"
)

// AddTrack appends the track to the playlist, assigning the next dense track
// number, and publishes state:track_added.
func (r *Repository) AddTrack(ctx context.Context, playlistID string, t track.Track) (*track.Track, error) {
	unlock := r.lock(playlistID)
	defer unlock()

	p, err := r.getFull(ctx, playlistID)
	if err != nil {
		return nil, err
	}

	if t.FileHash != "" {
		for _, existing := range p.Tracks {
			if existing.FileHash == t.FileHash {
				return nil, apperr.New(apperr.KindConflict, "a track with the same content already exists in this playlist").
					WithDetails(map[string]any{
						"reason":   "duplicate_hash",
						"track_id": existing.ID,
					})
			}
		}
	}

	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	t.PlaylistID = playlistID
	t.TrackNumber = len(p.Tracks) + 1
	if t.Title == "" {
		t.Title = t.Filename
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC().Truncate(time.Second)
	}

	if err := insertTrack(ctx, r.db, &t); err != nil {
		return nil, apperr.Wrap(err, apperr.KindStorage, "failed to insert track")
	}
	p.Tracks = append(p.Tracks, t)
	_ = touch(ctx, r.db, p)

	env := r.pub.Publish(event.TrackAdded{PlaylistRef: playlistID, Track: t})
	if env.PlaylistSeq != nil {
		_ = persistSeq(ctx, r.db, playlistID, *env.PlaylistSeq)
	}
	return &t, nil
}

// DeleteTracks removes the given track numbers and renumbers the remainder,
// publishing state:track_deleted followed by a single state:playlist_updated.
func (r *Repository) DeleteTracks(ctx context.Context, playlistID string, trackNumbers []int) error {
	if len(trackNumbers) == 0 {
		return apperr.New(apperr.KindValidation, "track_numbers must not be empty")
	}

	unlock := r.lock(playlistID)
	defer unlock()

	p, err := r.getFull(ctx, playlistID)
	if err != nil {
		return err
	}

	removed := p.RemoveByNumbers(trackNumbers)
	if len(removed) == 0 {
		return apperr.New(apperr.KindNotFound, "none of the given track numbers exist")
	}
	if err := replaceTracks(ctx, r.db, p); err != nil {
		return apperr.Wrap(err, apperr.KindStorage, "failed to renumber tracks")
	}

	r.pub.Publish(event.TracksDeleted{PlaylistRef: playlistID, TrackNumbers: removed})
	r.publishUpdated(ctx, p)
	return nil
}

// ReorderTracks rearranges the playlist to the given id order. The order must
// be a permutation of the current track ids.
func (r *Repository) ReorderTracks(ctx context.Context, playlistID string, orderedTrackIDs []string) error {
	unlock := r.lock(playlistID)
	defer unlock()

	p, err := r.getFull(ctx, playlistID)
	if err != nil {
		return err
	}
	if err := p.Reorder(orderedTrackIDs); err != nil {
		return apperr.New(apperr.KindValidation, "track_order must be a permutation of the playlist's tracks").
			WithDetails(map[string]any{"reason": "mismatched_set"})
	}
	if err := replaceTracks(ctx, r.db, p); err != nil {
		return apperr.Wrap(err, apperr.KindStorage, "failed to reorder tracks")
	}

	r.publishUpdated(ctx, p)
	return nil
}

// MoveTrack moves one track between playlists. targetPosition is 1-based;
// zero or out-of-range appends.
func (r *Repository) MoveTrack(ctx context.Context, srcPlaylistID, dstPlaylistID string, trackNumber, targetPosition int) error {
	if srcPlaylistID == dstPlaylistID {
		return apperr.New(apperr.KindValidation, "source and target playlists must differ")
	}

	unlock := r.lockPair(srcPlaylistID, dstPlaylistID)
	defer unlock()

	src, err := r.getFull(ctx, srcPlaylistID)
	if err != nil {
		return err
	}
	dst, err := r.getFull(ctx, dstPlaylistID)
	if err != nil {
		return err
	}

	moved, ok := src.TrackByNumber(trackNumber)
	if !ok {
		return apperr.Newf(apperr.KindNotFound, "track %d not found in playlist %s", trackNumber, srcPlaylistID)
	}
	t := *moved

	src.RemoveByNumbers([]int{trackNumber})

	t.PlaylistID = dstPlaylistID
	pos := targetPosition
	if pos < 1 || pos > len(dst.Tracks)+1 {
		pos = len(dst.Tracks) + 1
	}
	dst.Tracks = append(dst.Tracks, track.Track{})
	copy(dst.Tracks[pos:], dst.Tracks[pos-1:])
	dst.Tracks[pos-1] = t
	dst.Renumber()

	if err := replaceTracks(ctx, r.db, src); err != nil {
		return apperr.Wrap(err, apperr.KindStorage, "failed to update source playlist")
	}
	if err := replaceTracks(ctx, r.db, dst); err != nil {
		return apperr.Wrap(err, apperr.KindStorage, "failed to update target playlist")
	}

	r.publishUpdated(ctx, src)
	r.publishUpdated(ctx, dst)
	return nil
}

// AssociateNfcTag binds the tag to the playlist. A tag bound to another
// playlist yields a conflict carrying the conflicting playlist id.
func (r *Repository) AssociateNfcTag(ctx context.Context, playlistID, tagUID string) error {
	if tagUID == "" {
		return apperr.New(apperr.KindValidation, "tag_id must not be empty")
	}

	unlock := r.lock(playlistID)
	defer unlock()

	p, err := r.getFull(ctx, playlistID)
	if err != nil {
		return err
	}

	if existing, err := getPlaylistRowByTag(ctx, r.db, tagUID); err == nil && existing.ID != playlistID {
		return apperr.New(apperr.KindConflict, "tag is already bound to another playlist").
			WithDetails(map[string]any{"conflicting_playlist_id": existing.ID})
	}

	if _, err := r.db.ExecContext(ctx,
		`UPDATE playlists SET nfc_tag_id = ? WHERE id = ?`, tagUID, playlistID); err != nil {
		if isUniqueViolation(err) {
			// lost the race against a concurrent binding
			return apperr.New(apperr.KindConflict, "tag is already bound to another playlist")
		}
		return apperr.Wrap(err, apperr.KindStorage, "failed to bind tag")
	}
	p.NfcTagID = tagUID

	r.publishUpdated(ctx, p)
	return nil
}

// DissociateNfcTag clears the binding for the tag.
func (r *Repository) DissociateNfcTag(ctx context.Context, tagUID string) error {
	existing, err := r.GetPlaylistByNfcTag(ctx, tagUID)
	if err != nil {
		return err
	}

	unlock := r.lock(existing.ID)
	defer unlock()

	if _, err := r.db.ExecContext(ctx,
		`UPDATE playlists SET nfc_tag_id = NULL WHERE id = ?`, existing.ID); err != nil {
		return apperr.Wrap(err, apperr.KindStorage, "failed to unbind tag")
	}
	existing.NfcTagID = ""

	r.publishUpdated(ctx, existing)
	return nil
}

// ReassignNfcTag moves the tag from its current playlist to another in one
// step, publishing a state:playlist_updated for each playlist. Used by the
// NFC override flow.
func (r *Repository) ReassignNfcTag(ctx context.Context, fromPlaylistID, toPlaylistID, tagUID string) error {
	unlock := r.lockPair(fromPlaylistID, toPlaylistID)
	defer unlock()

	from, err := r.getFull(ctx, fromPlaylistID)
	if err != nil {
		return err
	}
	to, err := r.getFull(ctx, toPlaylistID)
	if err != nil {
		return err
	}

	if _, err := r.db.ExecContext(ctx,
		`UPDATE playlists SET nfc_tag_id = NULL WHERE id = ?`, from.ID); err != nil {
		return apperr.Wrap(err, apperr.KindStorage, "failed to unbind tag")
	}
	if _, err := r.db.ExecContext(ctx,
		`UPDATE playlists SET nfc_tag_id = ? WHERE id = ?`, tagUID, to.ID); err != nil {
		return apperr.Wrap(err, apperr.KindStorage, "failed to rebind tag")
	}
	from.NfcTagID = ""
	to.NfcTagID = tagUID

	r.publishUpdated(ctx, from)
	r.publishUpdated(ctx, to)
	return nil
}
