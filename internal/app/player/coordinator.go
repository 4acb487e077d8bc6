// Package player implements the playback coordinator: it owns the player
// state, drives the audio backend, and broadcasts every state change.
package player

import (
	"context"
	"math/rand"
	"sync"
	"time"

	zlog "github.com/rs/zerolog/log"

	"github.com/The-Open-Music-Box/theopenmusicbox-sub001/internal/domain/apperr"
	"github.com/The-Open-Music-Box/theopenmusicbox-sub001/internal/domain/event"
	"github.com/The-Open-Music-Box/theopenmusicbox-sub001/internal/domain/playlist"
	"github.com/The-Open-Music-Box/theopenmusicbox-sub001/internal/domain/track"
	"github.com/The-Open-Music-Box/theopenmusicbox-sub001/internal/infra/audio"
)

// Repeat modes.
const (
	RepeatNone = "none"
	RepeatOne  = "one"
	RepeatAll  = "all"
)

// maxRecent bounds the shuffle anti-repeat window.
const maxRecent = 16

// Publisher publishes domain events to the broadcasting service.
type Publisher interface {
	Publish(ev event.Domain) event.Envelope
}

// Library is the slice of the playlist repository the coordinator needs.
type Library interface {
	GetPlaylist(ctx context.Context, id string) (*playlist.Playlist, error)
}

// Options configures the coordinator.
type Options struct {
	UploadRoot       string
	PositionInterval time.Duration
	BackendTimeout   time.Duration
}

// Coordinator owns the player state. Every command takes the coordinator
// mutex, so state mutation and the emitted envelope are atomic.
type Coordinator struct {
	backend audio.Backend
	pub     Publisher
	library Library
	opts    Options

	mu       sync.Mutex
	active   *playlist.Playlist
	trackIdx int
	playing  bool
	volume   int
	muted    bool
	premute  int
	repeat   string
	shuffle  bool
	recent   []int
	degraded bool
}

// NewCoordinator creates a coordinator over the given backend.
func NewCoordinator(backend audio.Backend, pub Publisher, library Library, opts Options) *Coordinator {
	if opts.PositionInterval <= 0 {
		opts.PositionInterval = 200 * time.Millisecond
	}
	if opts.BackendTimeout <= 0 {
		opts.BackendTimeout = 2 * time.Second
	}
	return &Coordinator{
		backend: backend,
		pub:     pub,
		library: library,
		opts:    opts,
		volume:  100,
		repeat:  RepeatNone,
	}
}

// Run drives the position ticker and the backend event loop until ctx ends.
func (c *Coordinator) Run(ctx context.Context) {
	ticker := time.NewTicker(c.opts.PositionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.broadcastPosition()
		case ev, ok := <-c.backend.Events():
			if !ok {
				return
			}
			switch ev.Type {
			case audio.EventTrackEnded:
				c.autoAdvance(ctx)
			case audio.EventError:
				zlog.Error().Str("message", ev.Message).Msg("audio backend error")
				c.markDegraded()
			}
		}
	}
}

// LoadPlaylist loads the playlist and positions on startIndex (0-based). If
// something is already playing, playback continues with the new track.
func (c *Coordinator) LoadPlaylist(ctx context.Context, playlistID string, startIndex int) error {
	p, err := c.library.GetPlaylist(ctx, playlistID)
	if err != nil {
		return err
	}
	if len(p.Tracks) == 0 {
		return apperr.New(apperr.KindValidation, "playlist has no tracks")
	}
	if startIndex < 0 || startIndex >= len(p.Tracks) {
		startIndex = 0
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	wasPlaying := c.playing
	c.active = p
	c.trackIdx = startIndex
	c.recent = nil
	if err := c.loadCurrentLocked(); err != nil {
		c.playing = false
		c.publishStateLocked()
		return err
	}
	if wasPlaying {
		if err := c.call(c.backend.Play); err != nil {
			c.playing = false
			c.publishStateLocked()
			return err
		}
	}
	c.publishStateLocked()
	return nil
}

// StartPlaylist loads the playlist from track 1 and starts playing. Used by
// the NFC trigger and POST /playlists/{id}/start.
func (c *Coordinator) StartPlaylist(ctx context.Context, playlistID string) error {
	p, err := c.library.GetPlaylist(ctx, playlistID)
	if err != nil {
		return err
	}
	if len(p.Tracks) == 0 {
		return apperr.New(apperr.KindValidation, "playlist has no tracks")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.active = p
	c.trackIdx = 0
	c.recent = nil
	if err := c.loadCurrentLocked(); err != nil {
		c.playing = false
		c.publishStateLocked()
		return err
	}
	if err := c.call(c.backend.Play); err != nil {
		c.playing = false
		c.publishStateLocked()
		return err
	}
	c.playing = true
	c.publishStateLocked()
	return nil
}

// Play resumes playback of the active track.
func (c *Coordinator) Play() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.active == nil {
		return apperr.New(apperr.KindValidation, "no playlist loaded")
	}
	if c.playing {
		return nil
	}
	if err := c.call(c.backend.Play); err != nil {
		return err
	}
	c.playing = true
	c.publishStateLocked()
	return nil
}

// Pause freezes playback.
func (c *Coordinator) Pause() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.playing {
		return nil
	}
	if err := c.call(c.backend.Pause); err != nil {
		return err
	}
	c.playing = false
	c.publishStateLocked()
	return nil
}

// Toggle flips between playing and paused.
func (c *Coordinator) Toggle() error {
	c.mu.Lock()
	playing := c.playing
	c.mu.Unlock()
	if playing {
		return c.Pause()
	}
	return c.Play()
}

// Stop halts playback and resets the playhead; the active playlist stays
// loaded.
func (c *Coordinator) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.call(c.backend.Stop); err != nil {
		return err
	}
	c.playing = false
	c.publishStateLocked()
	return nil
}

// Next skips forward, honoring shuffle and repeat mode.
func (c *Coordinator) Next(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.advanceLocked(true)
}

// Previous skips backward. With shuffle on it behaves like Next.
func (c *Coordinator) Previous(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.active == nil {
		return apperr.New(apperr.KindValidation, "no playlist loaded")
	}
	if c.shuffle {
		return c.advanceLocked(true)
	}
	next := c.trackIdx - 1
	if next < 0 {
		if c.repeat == RepeatAll {
			next = len(c.active.Tracks) - 1
		} else {
			next = 0
		}
	}
	return c.jumpLocked(next)
}

// Seek moves the playhead, clamped to the current track's duration.
func (c *Coordinator) Seek(positionMs int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := c.currentLocked()
	if t == nil {
		return apperr.New(apperr.KindValidation, "no track loaded")
	}
	if positionMs < 0 {
		positionMs = 0
	}
	if t.DurationMs > 0 && positionMs > t.DurationMs {
		positionMs = t.DurationMs
	}
	if err := c.call(func() error { return c.backend.Seek(positionMs) }); err != nil {
		return err
	}
	c.publishStateLocked()
	return nil
}

// SetVolume sets output volume in [0, 100] and clears mute.
func (c *Coordinator) SetVolume(volume int) error {
	if volume < 0 || volume > 100 {
		return apperr.New(apperr.KindValidation, "volume must be in [0, 100]")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.call(func() error { return c.backend.SetVolume(volume) }); err != nil {
		return err
	}
	c.volume = volume
	c.muted = false
	c.pub.Publish(event.VolumeChanged{Volume: volume})
	c.publishStateLocked()
	return nil
}

// Mute silences output, remembering the current volume.
func (c *Coordinator) Mute() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.muted {
		return nil
	}
	if err := c.call(func() error { return c.backend.SetVolume(0) }); err != nil {
		return err
	}
	c.premute = c.volume
	c.muted = true
	c.publishStateLocked()
	return nil
}

// Unmute restores the pre-mute volume.
func (c *Coordinator) Unmute() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.muted {
		return nil
	}
	if err := c.call(func() error { return c.backend.SetVolume(c.premute) }); err != nil {
		return err
	}
	c.volume = c.premute
	c.muted = false
	c.publishStateLocked()
	return nil
}

// SetRepeatMode sets one of none, one or all.
func (c *Coordinator) SetRepeatMode(mode string) error {
	switch mode {
	case RepeatNone, RepeatOne, RepeatAll:
	default:
		return apperr.Newf(apperr.KindValidation, "unknown repeat mode %q", mode)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.repeat = mode
	c.publishStateLocked()
	return nil
}

// SetShuffle toggles random track selection.
func (c *Coordinator) SetShuffle(on bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.shuffle = on
	if !on {
		c.recent = nil
	}
	c.publishStateLocked()
	return nil
}

// ActivePlaylistID returns the loaded playlist id, or "".
func (c *Coordinator) ActivePlaylistID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == nil {
		return ""
	}
	return c.active.ID
}

// IsActive reports whether the playlist is loaded and currently playing.
func (c *Coordinator) IsActive(playlistID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.playing && c.active != nil && c.active.ID == playlistID
}

// Degraded reports whether the backend has stopped responding.
func (c *Coordinator) Degraded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.degraded
}

// Snapshot returns the current wire state, used for state:player snapshots.
func (c *Coordinator) Snapshot() event.PlayerStatePayload {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stateLocked()
}

// RefreshPlaylist swaps in a newer copy of the active playlist after its
// tracks changed. The current track is re-resolved by id.
func (c *Coordinator) RefreshPlaylist(p *playlist.Playlist) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.active == nil || c.active.ID != p.ID {
		return
	}
	currentID := ""
	if t := c.currentLocked(); t != nil {
		currentID = t.ID
	}
	c.active = p
	c.trackIdx = 0
	for i := range p.Tracks {
		if p.Tracks[i].ID == currentID {
			c.trackIdx = i
			break
		}
	}
}

// autoAdvance handles a backend track-ended signal.
func (c *Coordinator) autoAdvance(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.active == nil {
		return
	}
	if c.repeat == RepeatOne {
		if err := c.loadCurrentLocked(); err == nil {
			if err := c.call(c.backend.Play); err == nil {
				c.playing = true
				c.publishStateLocked()
				return
			}
		}
		c.playing = false
		c.publishStateLocked()
		return
	}
	if err := c.advanceLocked(false); err != nil {
		zlog.Error().Err(err).Msg("auto-advance failed")
	}
}

// advanceLocked moves to the next track. manual advances past the end always
// wrap; automatic ones stop unless repeat is all.
func (c *Coordinator) advanceLocked(manual bool) error {
	if c.active == nil {
		return apperr.New(apperr.KindValidation, "no playlist loaded")
	}

	n := len(c.active.Tracks)
	var next int
	switch {
	case c.shuffle && n > 1:
		next = c.pickShuffleLocked()
	default:
		next = c.trackIdx + 1
		if next >= n {
			if c.repeat == RepeatAll || manual {
				next = 0
			} else {
				// end of playlist
				_ = c.call(c.backend.Stop)
				c.playing = false
				c.publishStateLocked()
				return nil
			}
		}
	}
	return c.jumpLocked(next)
}

// jumpLocked loads the track at index and keeps the play/pause state.
func (c *Coordinator) jumpLocked(index int) error {
	wasPlaying := c.playing
	c.trackIdx = index
	if err := c.loadCurrentLocked(); err != nil {
		c.playing = false
		c.publishStateLocked()
		return err
	}
	if wasPlaying {
		if err := c.call(c.backend.Play); err != nil {
			c.playing = false
			c.publishStateLocked()
			return err
		}
	}
	c.publishStateLocked()
	return nil
}

// pickShuffleLocked selects a random track, avoiding the recent window.
func (c *Coordinator) pickShuffleLocked() int {
	n := len(c.active.Tracks)
	window := n - 1
	if window > maxRecent {
		window = maxRecent
	}

	avoid := make(map[int]bool, window+1)
	avoid[c.trackIdx] = true
	for _, i := range c.recent {
		avoid[i] = true
	}

	candidates := make([]int, 0, n)
	for i := 0; i < n; i++ {
		if !avoid[i] {
			candidates = append(candidates, i)
		}
	}
	if len(candidates) == 0 {
		// every track is recent, fall back to anything but the current one
		for i := 0; i < n; i++ {
			if i != c.trackIdx {
				candidates = append(candidates, i)
			}
		}
	}
	pick := candidates[rand.Intn(len(candidates))]

	c.recent = append(c.recent, pick)
	if len(c.recent) > window {
		c.recent = c.recent[len(c.recent)-window:]
	}
	return pick
}

// loadCurrentLocked loads the current track into the backend.
func (c *Coordinator) loadCurrentLocked() error {
	t := c.currentLocked()
	if t == nil {
		return apperr.New(apperr.KindValidation, "no track at current index")
	}
	path := t.ResolvePath(c.opts.UploadRoot, c.active.Path)
	return c.call(func() error { return c.backend.Load(path) })
}

// currentLocked returns the active track, or nil.
func (c *Coordinator) currentLocked() *track.Track {
	if c.active == nil || c.trackIdx < 0 || c.trackIdx >= len(c.active.Tracks) {
		return nil
	}
	return &c.active.Tracks[c.trackIdx]
}

// broadcastPosition emits state:track_position while playing.
func (c *Coordinator) broadcastPosition() {
	c.mu.Lock()
	if !c.playing || c.active == nil {
		c.mu.Unlock()
		return
	}
	t := c.currentLocked()
	if t == nil {
		c.mu.Unlock()
		return
	}
	pos, err := c.backend.Position()
	trackID := t.ID
	durationMs := t.DurationMs
	c.mu.Unlock()
	if err != nil {
		return
	}

	c.pub.Publish(event.TrackPosition{
		PositionMs: pos,
		TrackID:    trackID,
		IsPlaying:  true,
		DurationMs: durationMs,
	})
}

// publishStateLocked emits state:player for the current state.
func (c *Coordinator) publishStateLocked() {
	c.pub.Publish(event.PlayerState{State: c.stateLocked()})
}

func (c *Coordinator) stateLocked() event.PlayerStatePayload {
	st := event.PlayerStatePayload{
		IsPlaying:  c.playing,
		Volume:     c.volume,
		Muted:      c.muted,
		RepeatMode: c.repeat,
		Shuffle:    c.shuffle,
	}
	if c.active != nil {
		st.ActivePlaylistID = c.active.ID
		if t := c.currentLocked(); t != nil {
			st.ActiveTrackID = t.ID
		}
	}
	if pos, err := c.backend.Position(); err == nil {
		st.PositionMs = pos
	}
	return st
}

// markDegraded flags the backend as unavailable for health reporting.
func (c *Coordinator) markDegraded() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.degraded = true
}

// call runs a backend operation with the configured timeout. A hung backend
// marks the coordinator degraded.
func (c *Coordinator) call(fn func() error) error {
	done := make(chan error, 1)
	go func() { done <- fn() }()

	select {
	case err := <-done:
		if err != nil {
			return apperr.Wrap(err, apperr.KindHardware, "audio backend call failed")
		}
		c.degraded = false
		return nil
	case <-time.After(c.opts.BackendTimeout):
		c.degraded = true
		return apperr.New(apperr.KindTimeout, "audio backend did not respond")
	}
}
