package bus

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/The-Open-Music-Box/theopenmusicbox-sub001/internal/app/ops"
	"github.com/The-Open-Music-Box/theopenmusicbox-sub001/internal/app/outbox"
	"github.com/The-Open-Music-Box/theopenmusicbox-sub001/internal/app/rooms"
	"github.com/The-Open-Music-Box/theopenmusicbox-sub001/internal/app/seq"
	"github.com/The-Open-Music-Box/theopenmusicbox-sub001/internal/domain/apperr"
	"github.com/The-Open-Music-Box/theopenmusicbox-sub001/internal/domain/event"
	"github.com/The-Open-Music-Box/theopenmusicbox-sub001/internal/domain/playlist"
)

// fakeSub collects delivered envelopes.
type fakeSub struct {
	id   string
	envs []event.Envelope
}

func (f *fakeSub) SessionID() string { return f.id }
func (f *fakeSub) Deliver(env event.Envelope) error {
	f.envs = append(f.envs, env)
	return nil
}

func newBus(t *testing.T) (*Broadcaster, *rooms.Manager, *ops.Tracker) {
	t.Helper()
	rm := rooms.NewManager()
	tracker := ops.NewTracker(time.Minute, time.Minute)
	t.Cleanup(tracker.Close)
	b := New(seq.New(), outbox.New(64, 64, nil), rm, tracker)
	return b, rm, tracker
}

func updated(id string) event.PlaylistUpdated {
	return event.PlaylistUpdated{Playlist: playlist.Playlist{ID: id, Title: "t"}}
}

func TestBroadcaster_SequencesAndRouting(t *testing.T) {
	b, rm, _ := newBus(t)

	inPlaylists := &fakeSub{id: "s1"}
	inRoom := &fakeSub{id: "s2"}
	elsewhere := &fakeSub{id: "s3"}
	rm.Register(inPlaylists)
	rm.Register(inRoom)
	rm.Register(elsewhere)
	rm.Join("s1", rooms.RoomPlaylists)
	rm.Join("s2", rooms.PlaylistRoom("p1"))
	rm.Join("s3", rooms.PlaylistRoom("p2"))

	env1 := b.Publish(updated("p1"))
	env2 := b.Publish(updated("p1"))

	assert.Equal(t, uint64(1), env1.GlobalSeq)
	assert.Equal(t, uint64(2), env2.GlobalSeq)
	require.NotNil(t, env1.PlaylistSeq)
	require.NotNil(t, env2.PlaylistSeq)
	assert.Equal(t, uint64(1), *env1.PlaylistSeq)
	assert.Equal(t, uint64(2), *env2.PlaylistSeq, "playlist_seq increases per playlist")
	assert.NotEmpty(t, env1.EventID)

	assert.Len(t, inPlaylists.envs, 2, "playlists room sees playlist mutations")
	assert.Len(t, inRoom.envs, 2, "playlist room sees its playlist's mutations")
	assert.Empty(t, elsewhere.envs, "other playlist rooms see nothing")
}

func TestBroadcaster_GlobalEventsReachAllSessions(t *testing.T) {
	b, rm, _ := newBus(t)

	a := &fakeSub{id: "a"}
	c := &fakeSub{id: "c"}
	rm.Register(a)
	rm.Register(c)

	b.Publish(event.PlayerState{State: event.PlayerStatePayload{IsPlaying: true}})

	assert.Len(t, a.envs, 1)
	assert.Len(t, c.envs, 1)
	assert.Equal(t, event.TypePlayerState, a.envs[0].EventType)
}

func TestBroadcaster_SessionDeduplicated(t *testing.T) {
	b, rm, _ := newBus(t)

	s := &fakeSub{id: "s1"}
	rm.Register(s)
	rm.Join("s1", rooms.RoomPlaylists)
	rm.Join("s1", rooms.PlaylistRoom("p1"))

	b.Publish(updated("p1"))

	assert.Len(t, s.envs, 1, "a session in both target rooms receives one copy")
}

func TestBroadcaster_AckDeliveredToOriginSessionOnly(t *testing.T) {
	b, rm, tracker := newBus(t)

	origin := &fakeSub{id: "origin"}
	other := &fakeSub{id: "other"}
	rm.Register(origin)
	rm.Register(other)

	_, _, err := tracker.Register("op-1", "origin")
	require.NoError(t, err)

	env := b.Ack("op-1", map[string]any{"done": true})

	assert.Equal(t, event.TypeAckOp, env.EventType)
	require.Len(t, origin.envs, 1)
	assert.Empty(t, other.envs, "acks never fan out to other sessions")

	rec, ok := tracker.Lookup("op-1")
	require.True(t, ok)
	assert.Equal(t, ops.StatusAcked, rec.Status)
	assert.Equal(t, env, rec.Result, "terminal envelope is cached for replay")
}

func TestBroadcaster_NackCarriesErrorKind(t *testing.T) {
	b, rm, tracker := newBus(t)

	origin := &fakeSub{id: "origin"}
	rm.Register(origin)
	_, _, err := tracker.Register("op-2", "origin")
	require.NoError(t, err)

	cause := apperr.New(apperr.KindConflict, "tag in use").
		WithDetails(map[string]any{"conflicting_playlist_id": "p9"})
	env := b.Nack("op-2", cause)

	assert.Equal(t, event.TypeErrOp, env.EventType)
	data, ok := env.Data.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "conflict", data["error_type"])
	assert.Equal(t, "tag in use", data["message"])
	require.Len(t, origin.envs, 1)
}

func TestBroadcaster_PlaylistDeletedDropsHorizon(t *testing.T) {
	b, _, _ := newBus(t)

	b.Publish(updated("p1"))
	b.Publish(event.PlaylistDeleted{ID: "p1"})

	// a fresh playlist_seq restarts at 1 after deletion
	env := b.Publish(updated("p1"))
	require.NotNil(t, env.PlaylistSeq)
	assert.Equal(t, uint64(1), *env.PlaylistSeq)
}

func TestBroadcaster_RoomOrderWithConcurrentPublishers(t *testing.T) {
	b, rm, _ := newBus(t)

	sub := &fakeSub{id: "watcher"}
	rm.Register(sub)
	rm.Join("watcher", rooms.RoomPlaylists)

	var wg sync.WaitGroup
	for _, pid := range []string{"a", "b"} {
		wg.Add(1)
		go func(pid string) {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				b.Publish(updated(pid))
			}
		}(pid)
	}
	wg.Wait()

	require.Len(t, sub.envs, 1000)
	for i := 1; i < len(sub.envs); i++ {
		require.GreaterOrEqual(t, sub.envs[i].GlobalSeq, sub.envs[i-1].GlobalSeq,
			"a room must observe envelopes in non-decreasing global_seq order")
	}
}

func TestBroadcaster_SealIsSequencedButNotRetained(t *testing.T) {
	b, _, _ := newBus(t)

	env := b.Seal(event.TypeSyncComplete, map[string]any{"global_seq": uint64(0)})
	assert.Equal(t, uint64(1), env.GlobalSeq)
	assert.NotEmpty(t, env.EventID)

	global, _ := b.CurrentSeqs("")
	assert.Equal(t, uint64(1), global)
}
