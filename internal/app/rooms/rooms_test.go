package rooms

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/The-Open-Music-Box/theopenmusicbox-sub001/internal/domain/event"
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

func TestManager_JoinLeave(t *testing.T) {
	m := NewManager()
	s := &fakeSub{id: "s1"}

	assert.False(t, m.Join("s1", RoomPlaylists), "unregistered sessions cannot join")

	m.Register(s)
	assert.True(t, m.Join("s1", RoomPlaylists))
	assert.True(t, m.Join("s1", PlaylistRoom("p1")))
	assert.Equal(t, []string{"playlist:p1", "playlists"}, m.Rooms("s1"))

	m.Leave("s1", RoomPlaylists)
	assert.Equal(t, []string{"playlist:p1"}, m.Rooms("s1"))
	assert.Empty(t, m.Members(RoomPlaylists))
}

func TestManager_UnregisterLeavesAllRooms(t *testing.T) {
	m := NewManager()
	s := &fakeSub{id: "s1"}
	m.Register(s)
	m.Join("s1", RoomPlaylists)
	m.Join("s1", RoomNfc)

	m.Unregister("s1")

	assert.Empty(t, m.Members(RoomPlaylists))
	assert.Empty(t, m.Members(RoomNfc))
	_, ok := m.Session("s1")
	assert.False(t, ok)
}

func TestManager_Members(t *testing.T) {
	m := NewManager()
	a := &fakeSub{id: "a"}
	b := &fakeSub{id: "b"}
	m.Register(a)
	m.Register(b)
	m.Join("a", RoomNfc)
	m.Join("b", RoomNfc)

	assert.Len(t, m.Members(RoomNfc), 2)
	assert.Len(t, m.All(), 2)
	assert.Empty(t, m.Members("playlist:unknown"))
}
