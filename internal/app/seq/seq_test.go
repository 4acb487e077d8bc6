package seq

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGenerator_Monotonic(t *testing.T) {
	g := New()

	var prev uint64
	for i := 0; i < 100; i++ {
		n := g.NextGlobal()
		assert.Equal(t, prev+1, n, "global sequence must be contiguous")
		prev = n
	}
	assert.Equal(t, prev, g.CurrentGlobal())
}

func TestGenerator_PerPlaylist(t *testing.T) {
	g := New()

	assert.Equal(t, uint64(1), g.NextPlaylist("a"))
	assert.Equal(t, uint64(2), g.NextPlaylist("a"))
	assert.Equal(t, uint64(1), g.NextPlaylist("b"), "playlists count independently")
	assert.Equal(t, uint64(2), g.CurrentPlaylist("a"))
	assert.Equal(t, uint64(0), g.CurrentPlaylist("missing"))
}

func TestGenerator_Bootstrap(t *testing.T) {
	tests := []struct {
		name       string
		global     uint64
		perList    map[string]uint64
		wantGlobal uint64
		wantA      uint64
	}{
		{
			name:       "Resume from persisted maxima",
			global:     41,
			perList:    map[string]uint64{"a": 7},
			wantGlobal: 42,
			wantA:      8,
		},
		{
			name:       "Lower values are ignored",
			global:     0,
			perList:    map[string]uint64{},
			wantGlobal: 1,
			wantA:      1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := New()
			g.Bootstrap(tt.global, tt.perList)
			assert.Equal(t, tt.wantGlobal, g.NextGlobal())
			assert.Equal(t, tt.wantA, g.NextPlaylist("a"))
		})
	}
}

func TestGenerator_DropPlaylist(t *testing.T) {
	g := New()
	g.NextPlaylist("a")
	g.DropPlaylist("a")
	assert.Equal(t, uint64(1), g.NextPlaylist("a"), "counter restarts after drop")
}

func TestGenerator_ConcurrentUnique(t *testing.T) {
	g := New()

	const n = 64
	seen := make(chan uint64, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			seen <- g.NextGlobal()
		}()
	}
	wg.Wait()
	close(seen)

	unique := make(map[uint64]struct{}, n)
	for s := range seen {
		unique[s] = struct{}{}
	}
	assert.Len(t, unique, n, "concurrent callers never share a sequence number")
	assert.Equal(t, uint64(n), g.CurrentGlobal())
}
