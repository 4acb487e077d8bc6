package audio

import (
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/mitchellh/mapstructure"
)

// Errors
var (
	ErrNoTrackLoaded = errors.New("no track loaded")
	ErrClosed        = errors.New("backend closed")
)

// ClockSettings configures the clock backend.
type ClockSettings struct {
	// DefaultDurationMs is assumed for files whose duration is unknown.
	DefaultDurationMs int64 `mapstructure:"default_duration_ms"`
}

// ClockBackend simulates playback with a wall-clock timer: a loaded track
// "plays" for its duration and then emits a track_ended event. It stands in
// for a real audio pipeline on hosts without audio hardware and in tests.
type ClockBackend struct {
	mu sync.Mutex

	path       string
	durationMs int64
	playing    bool
	startedAt  time.Time
	elapsed    time.Duration
	volume     int
	closed     bool

	durationOf func(path string) int64
	defaultMs  int64
	timerStop  func()
	events     chan Event
}

// NewClockBackend creates a clock backend. durationOf resolves a file path to
// its duration in milliseconds and may be nil, in which case the configured
// default is used for every file.
func NewClockBackend(settings ClockSettings, durationOf func(path string) int64) *ClockBackend {
	defaultMs := settings.DefaultDurationMs
	if defaultMs <= 0 {
		defaultMs = 3 * 60 * 1000
	}
	return &ClockBackend{
		durationOf: durationOf,
		defaultMs:  defaultMs,
		volume:     100,
		events:     make(chan Event, 10),
	}
}

// NewClockBackendFromConfig decodes driver settings and creates the backend.
func NewClockBackendFromConfig(settings map[string]any, durationOf func(path string) int64) (*ClockBackend, error) {
	var s ClockSettings
	if err := mapstructure.Decode(settings, &s); err != nil {
		return nil, errors.Wrap(err, "failed to decode clock backend settings")
	}
	return NewClockBackend(s, durationOf), nil
}

// Load prepares the file for simulated playback.
func (b *ClockBackend) Load(filePath string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrClosed
	}
	b.stopTimerLocked()
	b.path = filePath
	b.durationMs = b.defaultMs
	if b.durationOf != nil {
		if d := b.durationOf(filePath); d > 0 {
			b.durationMs = d
		}
	}
	b.playing = false
	b.elapsed = 0
	return nil
}

// Play starts or resumes the simulated clock.
func (b *ClockBackend) Play() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrClosed
	}
	if b.path == "" {
		return ErrNoTrackLoaded
	}
	if b.playing {
		return nil
	}
	b.playing = true
	b.startedAt = time.Now()
	b.armTimerLocked()
	return nil
}

// Pause freezes the playhead.
func (b *ClockBackend) Pause() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.playing {
		return nil
	}
	b.elapsed += time.Since(b.startedAt)
	b.playing = false
	b.stopTimerLocked()
	return nil
}

// Stop resets the playhead and releases the simulated device.
func (b *ClockBackend) Stop() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.playing = false
	b.elapsed = 0
	b.stopTimerLocked()
	return nil
}

// Seek moves the playhead.
func (b *ClockBackend) Seek(positionMs int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.path == "" {
		return ErrNoTrackLoaded
	}
	if positionMs < 0 {
		positionMs = 0
	}
	if positionMs > b.durationMs {
		positionMs = b.durationMs
	}
	b.elapsed = time.Duration(positionMs) * time.Millisecond
	if b.playing {
		b.startedAt = time.Now()
		b.armTimerLocked()
	}
	return nil
}

// SetVolume records the output volume.
func (b *ClockBackend) SetVolume(volume int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.volume = volume
	return nil
}

// Position returns the playhead position in milliseconds.
func (b *ClockBackend) Position() (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	elapsed := b.elapsed
	if b.playing {
		elapsed += time.Since(b.startedAt)
	}
	pos := elapsed.Milliseconds()
	if pos > b.durationMs {
		pos = b.durationMs
	}
	return pos, nil
}

// Events returns the backend event channel.
func (b *ClockBackend) Events() <-chan Event {
	return b.events
}

// Close stops the clock and closes the event channel.
func (b *ClockBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	b.stopTimerLocked()
	close(b.events)
	return nil
}

// armTimerLocked schedules the track end for the remaining duration.
func (b *ClockBackend) armTimerLocked() {
	b.stopTimerLocked()

	remaining := time.Duration(b.durationMs)*time.Millisecond - b.elapsed
	if b.playing {
		remaining -= time.Since(b.startedAt)
	}
	if remaining < 0 {
		remaining = 0
	}

	timer := time.AfterFunc(remaining, func() {
		b.mu.Lock()
		if b.closed || !b.playing {
			b.mu.Unlock()
			return
		}
		b.playing = false
		b.elapsed = time.Duration(b.durationMs) * time.Millisecond
		b.mu.Unlock()

		select {
		case b.events <- Event{Type: EventTrackEnded}:
		default:
		}
	})
	b.timerStop = func() { timer.Stop() }
}

func (b *ClockBackend) stopTimerLocked() {
	if b.timerStop != nil {
		b.timerStop()
		b.timerStop = nil
	}
}
