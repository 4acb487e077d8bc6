package outbox

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/The-Open-Music-Box/theopenmusicbox-sub001/internal/domain/event"
)

func env(globalSeq uint64, playlistSeq uint64) event.Envelope {
	e := event.Envelope{
		EventType: event.TypePlaylistUpdated,
		GlobalSeq: globalSeq,
	}
	if playlistSeq > 0 {
		e.PlaylistSeq = &playlistSeq
	}
	return e
}

func TestOutbox_Since(t *testing.T) {
	o := New(10, 10, nil)
	for i := uint64(1); i <= 5; i++ {
		o.Append(env(i, 0), "")
	}

	got, err := o.Since(2)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, uint64(3), got[0].GlobalSeq)
	assert.Equal(t, uint64(5), got[2].GlobalSeq)

	got, err = o.Since(5)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestOutbox_SnapshotRequiredAfterEviction(t *testing.T) {
	o := New(3, 3, nil)
	for i := uint64(1); i <= 5; i++ {
		o.Append(env(i, 0), "")
	}
	// window is now [3, 5]

	_, err := o.Since(1)
	assert.ErrorIs(t, err, ErrSnapshotRequired)

	got, err := o.Since(2)
	require.NoError(t, err, "cursor at the window edge still replays")
	assert.Len(t, got, 3)
}

func TestOutbox_SincePlaylist(t *testing.T) {
	o := New(10, 10, nil)
	o.Append(env(1, 1), "p1")
	o.Append(env(2, 1), "p2")
	o.Append(env(3, 2), "p1")

	got, err := o.SincePlaylist("p1", 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, uint64(3), got[0].GlobalSeq)
}

func TestOutbox_SincePlaylistSnapshotRequired(t *testing.T) {
	o := New(10, 2, nil)
	for i := uint64(1); i <= 4; i++ {
		o.Append(env(i, i), "p1")
	}
	// per-playlist window retains seqs 3 and 4

	_, err := o.SincePlaylist("p1", 1)
	assert.ErrorIs(t, err, ErrSnapshotRequired)
}

func TestOutbox_EphemeralExcluded(t *testing.T) {
	o := New(10, 10, nil)
	o.Append(event.Envelope{EventType: event.TypeTrackPosition, GlobalSeq: 1}, "")
	o.Append(event.Envelope{EventType: event.TypeAckOp, GlobalSeq: 2}, "")
	o.Append(env(3, 0), "")

	assert.Equal(t, 1, o.Len())
	got, err := o.Since(0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, uint64(3), got[0].GlobalSeq)
}

func TestOutbox_BootstrapRestoresWindow(t *testing.T) {
	rows := []Restored{
		{Envelope: env(98, 1), PlaylistID: "p1"},
		{Envelope: env(99, 0)},
		{Envelope: env(100, 2), PlaylistID: "p1"},
	}
	o := New(10, 10, nil)
	o.Bootstrap(rows, 100, map[string]uint64{"p1": 2})

	got, err := o.Since(97)
	require.NoError(t, err)
	assert.Len(t, got, 3, "the persisted trail is replayable again")

	_, err = o.Since(50)
	assert.ErrorIs(t, err, ErrSnapshotRequired, "cursors below the restored trail need a snapshot")

	got, err = o.SincePlaylist("p1", 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, uint64(100), got[0].GlobalSeq)
}

func TestOutbox_BootstrapEmptyTrailForcesSnapshot(t *testing.T) {
	o := New(10, 10, nil)
	o.Bootstrap(nil, 100, map[string]uint64{"p1": 7})

	_, err := o.Since(50)
	assert.ErrorIs(t, err, ErrSnapshotRequired,
		"a stale cursor over a lost trail must not get a silent empty replay")

	got, err := o.Since(100)
	require.NoError(t, err)
	assert.Empty(t, got, "an up-to-date cursor stays up to date")

	_, err = o.SincePlaylist("p1", 3)
	assert.ErrorIs(t, err, ErrSnapshotRequired)

	got, err = o.SincePlaylist("p1", 7)
	require.NoError(t, err)
	assert.Empty(t, got)

	got, err = o.SincePlaylist("unknown", 0)
	require.NoError(t, err)
	assert.Empty(t, got, "playlists created after the restart are unaffected")
}

func TestOutbox_DropPlaylist(t *testing.T) {
	o := New(10, 10, nil)
	o.Append(env(1, 1), "p1")
	o.DropPlaylist("p1")

	got, err := o.SincePlaylist("p1", 0)
	require.NoError(t, err)
	assert.Empty(t, got)

	// global horizon keeps the envelope
	global, err := o.Since(0)
	require.NoError(t, err)
	assert.Len(t, global, 1)
}
