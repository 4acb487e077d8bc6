// Package nfchw provides the NFC hardware adapter contract and a stub
// implementation for hosts without a reader.
package nfchw

import (
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/mitchellh/mapstructure"
)

// TagEvent is a single reader observation.
type TagEvent struct {
	UID        string
	Removed    bool // true when the tag left the reader
	DetectedAt time.Time
}

// Adapter is the hardware event source consumed by the NFC service.
type Adapter interface {
	// Events yields tag_detected and tag_removed observations.
	Events() <-chan TagEvent
	// Available reports whether a reader is present and responding.
	Available() bool
	Close() error
}

// StubSettings configures the stub adapter.
type StubSettings struct {
	// Available controls what the stub reports to health checks.
	Available bool `mapstructure:"available"`
}

// StubAdapter is a software-only adapter. Detections are injected through
// Inject, which makes it usable both as a no-hardware default and as a test
// double.
type StubAdapter struct {
	mu        sync.Mutex
	events    chan TagEvent
	available bool
	closed    bool
}

// NewStubAdapter creates a stub adapter.
func NewStubAdapter(available bool) *StubAdapter {
	return &StubAdapter{
		events:    make(chan TagEvent, 16),
		available: available,
	}
}

// NewStubAdapterFromConfig decodes driver settings and creates the adapter.
func NewStubAdapterFromConfig(settings map[string]any) (*StubAdapter, error) {
	var s StubSettings
	if err := mapstructure.Decode(settings, &s); err != nil {
		return nil, errors.Wrap(err, "failed to decode nfc stub settings")
	}
	return NewStubAdapter(s.Available), nil
}

// Inject feeds an observation into the event stream.
func (a *StubAdapter) Inject(ev TagEvent) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	if ev.DetectedAt.IsZero() {
		ev.DetectedAt = time.Now()
	}
	select {
	case a.events <- ev:
	default:
	}
}

// Events returns the observation channel.
func (a *StubAdapter) Events() <-chan TagEvent {
	return a.events
}

// Available reports the configured availability.
func (a *StubAdapter) Available() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.available && !a.closed
}

// Close closes the observation channel.
func (a *StubAdapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	close(a.events)
	return nil
}
