package ws

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/The-Open-Music-Box/theopenmusicbox-sub001/internal/app/ops"
	"github.com/The-Open-Music-Box/theopenmusicbox-sub001/internal/app/outbox"
	"github.com/The-Open-Music-Box/theopenmusicbox-sub001/internal/app/rooms"
	"github.com/The-Open-Music-Box/theopenmusicbox-sub001/internal/app/syncer"
	"github.com/The-Open-Music-Box/theopenmusicbox-sub001/internal/domain/apperr"
	"github.com/The-Open-Music-Box/theopenmusicbox-sub001/internal/domain/event"
	"github.com/The-Open-Music-Box/theopenmusicbox-sub001/internal/domain/playlist"
)

// fakeBus seals envelopes with a local counter and delivers through the room
// manager, mirroring the broadcaster's direct-delivery path.
type fakeBus struct {
	rm      *rooms.Manager
	tracker *ops.Tracker

	mu  sync.Mutex
	seq uint64
}

func (f *fakeBus) Seal(eventType string, data any) event.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	return event.Envelope{EventType: eventType, GlobalSeq: f.seq, Data: data}
}

func (f *fakeBus) DeliverTo(sessionID string, env event.Envelope) {
	if sub, ok := f.rm.Session(sessionID); ok {
		_ = sub.Deliver(env)
	}
}

func (f *fakeBus) CurrentSeqs(string) (uint64, uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.seq, 0
}

func (f *fakeBus) Ack(opID string, result any) event.Envelope {
	env := f.Seal(event.TypeAckOp, map[string]any{
		"client_op_id": opID,
		"status":       "success",
		"result":       result,
	})
	_ = f.tracker.Complete(opID, env)
	f.deliverToOp(opID, env)
	return env
}

func (f *fakeBus) Nack(opID string, opErr error) event.Envelope {
	env := f.Seal(event.TypeErrOp, map[string]any{
		"client_op_id": opID,
		"error_type":   string(apperr.KindOf(opErr)),
		"message":      apperr.MessageOf(opErr),
	})
	_ = f.tracker.Fail(opID, env)
	f.deliverToOp(opID, env)
	return env
}

func (f *fakeBus) deliverToOp(opID string, env event.Envelope) {
	if rec, ok := f.tracker.Lookup(opID); ok {
		f.DeliverTo(rec.SessionID, env)
	}
}

// fakeNfc counts association commands.
type fakeNfc struct {
	starts atomic.Int32
	stops  atomic.Int32
}

func (f *fakeNfc) StartAssociation(context.Context, string, int64) error {
	f.starts.Add(1)
	return nil
}
func (f *fakeNfc) Override(context.Context) error { return nil }
func (f *fakeNfc) CancelAssociation()             { f.stops.Add(1) }

// fakeLibrary serves fixed playlists.
type fakeLibrary struct {
	playlists []playlist.Playlist
}

func (f *fakeLibrary) Snapshot(context.Context) ([]playlist.Playlist, error) {
	return f.playlists, nil
}

func (f *fakeLibrary) GetPlaylist(_ context.Context, id string) (*playlist.Playlist, error) {
	for i := range f.playlists {
		if f.playlists[i].ID == id {
			return &f.playlists[i], nil
		}
	}
	return nil, apperr.Newf(apperr.KindNotFound, "playlist %s not found", id)
}

type fakePlayer struct{}

func (fakePlayer) Snapshot() event.PlayerStatePayload { return event.PlayerStatePayload{} }

type wsFixture struct {
	conn *websocket.Conn
	nfc  *fakeNfc
}

func dialHandler(t *testing.T, lib *fakeLibrary) *wsFixture {
	t.Helper()

	rm := rooms.NewManager()
	tracker := ops.NewTracker(time.Minute, time.Minute)
	t.Cleanup(tracker.Close)
	bus := &fakeBus{rm: rm, tracker: tracker}
	ob := outbox.New(64, 64, nil)
	n := &fakeNfc{}

	h := NewHandler(rm, bus, syncer.NewController(bus, ob, lib, fakePlayer{}), n, lib, tracker)
	ts := httptest.NewServer(h)
	t.Cleanup(ts.Close)

	url := "ws" + strings.TrimPrefix(ts.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	return &wsFixture{conn: conn, nfc: n}
}

func (f *wsFixture) send(t *testing.T, msg map[string]any) {
	t.Helper()
	require.NoError(t, f.conn.WriteJSON(msg))
}

func (f *wsFixture) read(t *testing.T) event.Envelope {
	t.Helper()
	require.NoError(t, f.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := f.conn.ReadMessage()
	require.NoError(t, err)
	var env event.Envelope
	require.NoError(t, json.Unmarshal(data, &env))
	return env
}

func TestHandler_ClientPing(t *testing.T) {
	f := dialHandler(t, &fakeLibrary{})

	f.send(t, map[string]any{"type": "client_ping", "timestamp": 12345})

	env := f.read(t)
	assert.Equal(t, event.TypeClientPong, env.EventType)
	data := env.Data.(map[string]any)
	assert.Equal(t, float64(12345), data["timestamp"])
}

func TestHandler_JoinPlaylistsAckedThenSnapshot(t *testing.T) {
	lib := &fakeLibrary{playlists: []playlist.Playlist{{ID: "p1", Title: "Mix"}}}
	f := dialHandler(t, lib)

	f.send(t, map[string]any{"type": "join:playlists"})

	ack := f.read(t)
	assert.Equal(t, event.TypeAckJoin, ack.EventType)
	ackData := ack.Data.(map[string]any)
	assert.Equal(t, "playlists", ackData["room"])
	assert.Equal(t, true, ackData["success"])
	assert.Contains(t, ackData, "global_seq", "the ack anchors the client's cursor")

	env := f.read(t)
	assert.Equal(t, event.TypePlaylists, env.EventType)
	data := env.Data.(map[string]any)
	assert.Len(t, data["playlists"], 1)
}

func TestHandler_JoinPlaylistAckedThenSnapshot(t *testing.T) {
	lib := &fakeLibrary{playlists: []playlist.Playlist{{ID: "p1", Title: "Mix"}}}
	f := dialHandler(t, lib)

	f.send(t, map[string]any{"type": "join:playlist", "playlist_id": "p1"})

	ack := f.read(t)
	assert.Equal(t, event.TypeAckJoin, ack.EventType)
	ackData := ack.Data.(map[string]any)
	assert.Equal(t, "playlist:p1", ackData["room"])
	assert.Equal(t, "p1", ackData["playlist_id"])
	assert.Contains(t, ackData, "playlist_seq")

	env := f.read(t)
	assert.Equal(t, event.TypePlaylistSnapshot, env.EventType)
	data := env.Data.(map[string]any)
	assert.Equal(t, "p1", data["id"])
}

func TestHandler_LeaveAcked(t *testing.T) {
	f := dialHandler(t, &fakeLibrary{})

	f.send(t, map[string]any{"type": "join:playlists"})
	f.read(t) // ack:join
	f.read(t) // snapshot

	f.send(t, map[string]any{"type": "leave:playlists"})
	ack := f.read(t)
	assert.Equal(t, event.TypeAckLeave, ack.EventType)
	data := ack.Data.(map[string]any)
	assert.Equal(t, "playlists", data["room"])
	assert.Equal(t, true, data["success"])
}

func TestHandler_SyncRequestCompletes(t *testing.T) {
	f := dialHandler(t, &fakeLibrary{})

	f.send(t, map[string]any{"type": "sync:request", "last_global_seq": 0})

	env := f.read(t)
	assert.Equal(t, event.TypeSyncComplete, env.EventType)
}

func TestHandler_NfcLinkOps(t *testing.T) {
	f := dialHandler(t, &fakeLibrary{})

	f.send(t, map[string]any{
		"type":         "start_nfc_link",
		"playlist_id":  "p1",
		"client_op_id": "op-link",
	})
	env := f.read(t)
	assert.Equal(t, event.TypeAckOp, env.EventType)

	// the same op id replays the cached ack without re-running the command
	f.send(t, map[string]any{
		"type":         "start_nfc_link",
		"playlist_id":  "p1",
		"client_op_id": "op-link",
	})
	replay := f.read(t)
	assert.Equal(t, env.GlobalSeq, replay.GlobalSeq)
	assert.Equal(t, int32(1), f.nfc.starts.Load())

	f.send(t, map[string]any{"type": "stop_nfc_link", "client_op_id": "op-stop"})
	env = f.read(t)
	assert.Equal(t, event.TypeAckOp, env.EventType)
	assert.Equal(t, int32(1), f.nfc.stops.Load())
}

func TestHandler_MissingOpIDRejected(t *testing.T) {
	f := dialHandler(t, &fakeLibrary{})

	f.send(t, map[string]any{"type": "start_nfc_link", "playlist_id": "p1"})

	env := f.read(t)
	assert.Equal(t, event.TypeErrOp, env.EventType)
	data := env.Data.(map[string]any)
	assert.Equal(t, "validation_error", data["error_type"])
	assert.Equal(t, int32(0), f.nfc.starts.Load(), "the command never runs")
}
