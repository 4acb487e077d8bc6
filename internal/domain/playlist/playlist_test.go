package playlist

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/The-Open-Music-Box/theopenmusicbox-sub001/internal/domain/track"
)

func listWith(ids ...string) *Playlist {
	p := &Playlist{ID: "p1"}
	for i, id := range ids {
		p.Tracks = append(p.Tracks, track.Track{ID: id, TrackNumber: i + 1, DurationMs: 1000})
	}
	return p
}

func TestPlaylist_Reorder(t *testing.T) {
	tests := []struct {
		name    string
		initial []string
		order   []string
		wantErr bool
	}{
		{
			name:    "Valid permutation",
			initial: []string{"a", "b", "c"},
			order:   []string{"c", "a", "b"},
		},
		{
			name:    "Missing id",
			initial: []string{"a", "b", "c"},
			order:   []string{"c", "a", "x"},
			wantErr: true,
		},
		{
			name:    "Wrong length",
			initial: []string{"a", "b", "c"},
			order:   []string{"a", "b"},
			wantErr: true,
		},
		{
			name:    "Duplicate id",
			initial: []string{"a", "b", "c"},
			order:   []string{"a", "a", "b"},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := listWith(tt.initial...)
			err := p.Reorder(tt.order)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrMismatchedSet)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.order, p.TrackIDs())
			assert.True(t, p.ValidateNumbering())
		})
	}
}

func TestPlaylist_RemoveByNumbers(t *testing.T) {
	p := listWith("a", "b", "c", "d")

	removed := p.RemoveByNumbers([]int{2, 4, 99})

	assert.Equal(t, []int{2, 4}, removed, "unknown numbers are ignored")
	assert.Equal(t, []string{"a", "c"}, p.TrackIDs())
	assert.True(t, p.ValidateNumbering(), "remaining tracks are renumbered densely")
}

func TestPlaylist_TrackLookup(t *testing.T) {
	p := listWith("a", "b")

	got, ok := p.TrackByID("b")
	require.True(t, ok)
	assert.Equal(t, 2, got.TrackNumber)

	got, ok = p.TrackByNumber(1)
	require.True(t, ok)
	assert.Equal(t, "a", got.ID)

	_, ok = p.TrackByID("zzz")
	assert.False(t, ok)
}

func TestPlaylist_ValidateNumbering(t *testing.T) {
	p := listWith("a", "b")
	assert.True(t, p.ValidateNumbering())

	p.Tracks[1].TrackNumber = 3
	assert.False(t, p.ValidateNumbering(), "gap breaks the dense invariant")

	p.Tracks[1].TrackNumber = 1
	assert.False(t, p.ValidateNumbering(), "duplicate breaks the dense invariant")
}

func TestPlaylist_TotalDurationMs(t *testing.T) {
	p := listWith("a", "b", "c")
	assert.Equal(t, int64(3000), p.TotalDurationMs())
}
