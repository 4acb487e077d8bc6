// Package audio provides the audio backend contract and its local
// implementations.
package audio

// EventType classifies backend events.
type EventType int

const (
	EventTrackEnded EventType = iota // current track finished
	EventError                       // backend failure while playing
)

// Event is emitted by a backend while a track plays.
type Event struct {
	Type    EventType
	Message string
}

// Backend is the single-owner audio pipeline driven by the playback
// coordinator. Implementations must be safe for use from one goroutine at a
// time; the coordinator serializes all calls.
type Backend interface {
	// Load prepares the file for playback, implicitly stopping any track
	// that is already open.
	Load(filePath string) error
	Play() error
	Pause() error
	Stop() error
	// Seek moves the playhead, in milliseconds from the start.
	Seek(positionMs int64) error
	// SetVolume sets the output volume in [0, 100].
	SetVolume(volume int) error
	// Position returns the playhead position in milliseconds.
	Position() (int64, error)
	// Events yields track_ended and error notifications.
	Events() <-chan Event
	Close() error
}
