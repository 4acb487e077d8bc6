package player

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/The-Open-Music-Box/theopenmusicbox-sub001/internal/domain/apperr"
	"github.com/The-Open-Music-Box/theopenmusicbox-sub001/internal/domain/event"
	"github.com/The-Open-Music-Box/theopenmusicbox-sub001/internal/domain/playlist"
	"github.com/The-Open-Music-Box/theopenmusicbox-sub001/internal/domain/track"
	"github.com/The-Open-Music-Box/theopenmusicbox-sub001/internal/infra/audio"
)

// fakePub records published events.
type fakePub struct {
	mu     sync.Mutex
	events []event.Domain
}

func (f *fakePub) Publish(ev event.Domain) event.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return event.Envelope{EventType: ev.Type()}
}

func (f *fakePub) lastPlayerState() (event.PlayerStatePayload, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.events) - 1; i >= 0; i-- {
		if st, ok := f.events[i].(event.PlayerState); ok {
			return st.State, true
		}
	}
	return event.PlayerStatePayload{}, false
}

// fakeLibrary serves fixed playlists.
type fakeLibrary struct {
	playlists map[string]*playlist.Playlist
}

func (f *fakeLibrary) GetPlaylist(_ context.Context, id string) (*playlist.Playlist, error) {
	p, ok := f.playlists[id]
	if !ok {
		return nil, apperr.Newf(apperr.KindNotFound, "playlist %s not found", id)
	}
	cp := *p
	return &cp, nil
}

func fixture(id string, durationsMs ...int64) *playlist.Playlist {
	p := &playlist.Playlist{ID: id, Title: id, Path: id}
	for i, d := range durationsMs {
		p.Tracks = append(p.Tracks, track.Track{
			ID:          id + "-t" + string(rune('a'+i)),
			PlaylistID:  id,
			TrackNumber: i + 1,
			Title:       "Track",
			Filename:    "track.mp3",
			DurationMs:  d,
		})
	}
	return p
}

func newCoordinator(t *testing.T, p *playlist.Playlist) (*Coordinator, *fakePub, *audio.ClockBackend) {
	t.Helper()
	backend := audio.NewClockBackend(audio.ClockSettings{DefaultDurationMs: 60_000}, func(string) int64 {
		if len(p.Tracks) > 0 {
			return p.Tracks[0].DurationMs
		}
		return 0
	})
	t.Cleanup(func() { _ = backend.Close() })

	pub := &fakePub{}
	lib := &fakeLibrary{playlists: map[string]*playlist.Playlist{p.ID: p}}
	c := NewCoordinator(backend, pub, lib, Options{
		UploadRoot:       t.TempDir(),
		PositionInterval: 10 * time.Millisecond,
		BackendTimeout:   time.Second,
	})
	return c, pub, backend
}

func TestCoordinator_StartPlaylist(t *testing.T) {
	p := fixture("p1", 60_000, 60_000)
	c, pub, _ := newCoordinator(t, p)

	require.NoError(t, c.StartPlaylist(context.Background(), "p1"))

	st, ok := pub.lastPlayerState()
	require.True(t, ok)
	assert.True(t, st.IsPlaying)
	assert.Equal(t, "p1", st.ActivePlaylistID)
	assert.Equal(t, p.Tracks[0].ID, st.ActiveTrackID)
	assert.True(t, c.IsActive("p1"))
	assert.False(t, c.IsActive("p2"))
}

func TestCoordinator_StartEmptyPlaylist(t *testing.T) {
	c, _, _ := newCoordinator(t, fixture("p1"))

	err := c.StartPlaylist(context.Background(), "p1")
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}

func TestCoordinator_LoadPlaylistClampsIndex(t *testing.T) {
	p := fixture("p1", 60_000, 60_000)
	c, pub, _ := newCoordinator(t, p)

	require.NoError(t, c.LoadPlaylist(context.Background(), "p1", 99))

	st, _ := pub.lastPlayerState()
	assert.Equal(t, p.Tracks[0].ID, st.ActiveTrackID, "out-of-range start index falls back to 0")
	assert.False(t, st.IsPlaying, "loading alone does not start playback")
}

func TestCoordinator_ToggleAndStop(t *testing.T) {
	p := fixture("p1", 60_000)
	c, pub, _ := newCoordinator(t, p)
	require.NoError(t, c.StartPlaylist(context.Background(), "p1"))

	require.NoError(t, c.Toggle())
	st, _ := pub.lastPlayerState()
	assert.False(t, st.IsPlaying)

	require.NoError(t, c.Toggle())
	st, _ = pub.lastPlayerState()
	assert.True(t, st.IsPlaying)

	require.NoError(t, c.Stop())
	st, _ = pub.lastPlayerState()
	assert.False(t, st.IsPlaying)
	assert.Equal(t, "p1", st.ActivePlaylistID, "stop keeps the playlist loaded")
}

func TestCoordinator_PlayWithoutPlaylist(t *testing.T) {
	c, _, _ := newCoordinator(t, fixture("p1", 60_000))

	err := c.Play()
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}

func TestCoordinator_SeekClamps(t *testing.T) {
	p := fixture("p1", 5_000)
	c, _, backend := newCoordinator(t, p)
	require.NoError(t, c.StartPlaylist(context.Background(), "p1"))

	require.NoError(t, c.Seek(1_000_000))
	pos, err := backend.Position()
	require.NoError(t, err)
	assert.Equal(t, int64(5_000), pos, "seek clamps to the track duration")

	require.NoError(t, c.Seek(-50))
	pos, err = backend.Position()
	require.NoError(t, err)
	assert.LessOrEqual(t, pos, int64(100), "negative seek clamps to 0")
}

func TestCoordinator_NextPrevious(t *testing.T) {
	p := fixture("p1", 60_000, 60_000, 60_000)
	c, pub, _ := newCoordinator(t, p)
	ctx := context.Background()
	require.NoError(t, c.LoadPlaylist(ctx, "p1", 0))

	require.NoError(t, c.Next(ctx))
	st, _ := pub.lastPlayerState()
	assert.Equal(t, p.Tracks[1].ID, st.ActiveTrackID)

	require.NoError(t, c.Previous(ctx))
	st, _ = pub.lastPlayerState()
	assert.Equal(t, p.Tracks[0].ID, st.ActiveTrackID)

	// previous at the first track stays put without repeat all
	require.NoError(t, c.Previous(ctx))
	st, _ = pub.lastPlayerState()
	assert.Equal(t, p.Tracks[0].ID, st.ActiveTrackID)

	require.NoError(t, c.SetRepeatMode(RepeatAll))
	require.NoError(t, c.Previous(ctx))
	st, _ = pub.lastPlayerState()
	assert.Equal(t, p.Tracks[2].ID, st.ActiveTrackID, "repeat all wraps backward")

	// manual next past the end always wraps
	require.NoError(t, c.SetRepeatMode(RepeatNone))
	require.NoError(t, c.Next(ctx))
	st, _ = pub.lastPlayerState()
	assert.Equal(t, p.Tracks[0].ID, st.ActiveTrackID)
}

func TestCoordinator_VolumeAndMute(t *testing.T) {
	p := fixture("p1", 60_000)
	c, pub, _ := newCoordinator(t, p)

	assert.Equal(t, apperr.KindValidation, apperr.KindOf(c.SetVolume(-1)))
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(c.SetVolume(101)))

	require.NoError(t, c.SetVolume(40))
	st, _ := pub.lastPlayerState()
	assert.Equal(t, 40, st.Volume)

	require.NoError(t, c.Mute())
	st, _ = pub.lastPlayerState()
	assert.True(t, st.Muted)

	require.NoError(t, c.Unmute())
	st, _ = pub.lastPlayerState()
	assert.False(t, st.Muted)
	assert.Equal(t, 40, st.Volume, "unmute restores the pre-mute volume")

	// setting a volume clears mute
	require.NoError(t, c.Mute())
	require.NoError(t, c.SetVolume(70))
	st, _ = pub.lastPlayerState()
	assert.False(t, st.Muted)
	assert.Equal(t, 70, st.Volume)
}

func TestCoordinator_SetRepeatModeRejectsUnknown(t *testing.T) {
	c, _, _ := newCoordinator(t, fixture("p1", 60_000))

	err := c.SetRepeatMode("sometimes")
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}

func TestCoordinator_ShuffleNeverRepicksCurrent(t *testing.T) {
	p := fixture("p1", 60_000, 60_000, 60_000, 60_000)
	c, pub, _ := newCoordinator(t, p)
	ctx := context.Background()
	require.NoError(t, c.LoadPlaylist(ctx, "p1", 0))
	require.NoError(t, c.SetShuffle(true))

	for i := 0; i < 20; i++ {
		before, _ := pub.lastPlayerState()
		require.NoError(t, c.Next(ctx))
		after, _ := pub.lastPlayerState()
		assert.NotEqual(t, before.ActiveTrackID, after.ActiveTrackID)
	}
}

func TestCoordinator_AutoAdvanceStopsAtEnd(t *testing.T) {
	p := fixture("p1", 40, 40)
	c, pub, _ := newCoordinator(t, p)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	require.NoError(t, c.StartPlaylist(ctx, "p1"))

	// both short tracks elapse, then playback halts without repeat
	assert.Eventually(t, func() bool {
		st, ok := pub.lastPlayerState()
		return ok && !st.IsPlaying && st.ActivePlaylistID == "p1"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestCoordinator_AutoAdvanceRepeatOne(t *testing.T) {
	p := fixture("p1", 40, 60_000)
	c, pub, _ := newCoordinator(t, p)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	require.NoError(t, c.SetRepeatMode(RepeatOne))
	require.NoError(t, c.StartPlaylist(ctx, "p1"))

	time.Sleep(200 * time.Millisecond)
	st, ok := pub.lastPlayerState()
	require.True(t, ok)
	assert.True(t, st.IsPlaying, "repeat one restarts the finished track")
	assert.Equal(t, p.Tracks[0].ID, st.ActiveTrackID)
}

func TestCoordinator_RefreshPlaylistKeepsCurrentTrack(t *testing.T) {
	p := fixture("p1", 60_000, 60_000, 60_000)
	c, pub, _ := newCoordinator(t, p)
	ctx := context.Background()
	require.NoError(t, c.LoadPlaylist(ctx, "p1", 2))

	// the first track is removed and the rest renumbered
	updated := *p
	updated.Tracks = append([]track.Track(nil), p.Tracks[1], p.Tracks[2])
	c.RefreshPlaylist(&updated)

	require.NoError(t, c.Next(ctx))
	st, _ := pub.lastPlayerState()
	assert.Equal(t, p.Tracks[1].ID, st.ActiveTrackID, "index follows the surviving track")
}

// hungBackend blocks on every command to exercise the timeout path.
type hungBackend struct {
	events chan audio.Event
}

func (h *hungBackend) Load(string) error      { select {} }
func (h *hungBackend) Play() error            { select {} }
func (h *hungBackend) Pause() error           { select {} }
func (h *hungBackend) Stop() error            { select {} }
func (h *hungBackend) Seek(int64) error       { select {} }
func (h *hungBackend) SetVolume(int) error    { select {} }
func (h *hungBackend) Position() (int64, error) { return 0, nil }
func (h *hungBackend) Events() <-chan audio.Event {
	return h.events
}
func (h *hungBackend) Close() error { return nil }

func TestCoordinator_BackendTimeoutMarksDegraded(t *testing.T) {
	p := fixture("p1", 60_000)
	pub := &fakePub{}
	lib := &fakeLibrary{playlists: map[string]*playlist.Playlist{"p1": p}}
	c := NewCoordinator(&hungBackend{events: make(chan audio.Event)}, pub, lib, Options{
		UploadRoot:     t.TempDir(),
		BackendTimeout: 20 * time.Millisecond,
	})

	err := c.StartPlaylist(context.Background(), "p1")
	assert.Equal(t, apperr.KindTimeout, apperr.KindOf(err))
	assert.True(t, c.Degraded())
}
