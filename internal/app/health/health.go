// Package health aggregates subsystem readiness for the health endpoint.
package health

import (
	"sync"
	"time"
)

// Status of a single subsystem.
const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"
	StatusDown     = "down"
)

// Probe reports a subsystem's current status.
type Probe func() string

// Report is the aggregated health snapshot.
type Report struct {
	Status     string            `json:"status"`
	Subsystems map[string]string `json:"subsystems"`
	UptimeSec  int64             `json:"uptime_sec"`
}

// Reporter collects named probes and aggregates them.
type Reporter struct {
	mu      sync.RWMutex
	probes  map[string]Probe
	started time.Time
}

// NewReporter creates an empty reporter.
func NewReporter() *Reporter {
	return &Reporter{
		probes:  make(map[string]Probe),
		started: time.Now(),
	}
}

// Register adds a named subsystem probe, replacing any previous one.
func (r *Reporter) Register(name string, probe Probe) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.probes[name] = probe
}

// Check runs every probe. Overall status is the worst subsystem status: a
// degraded subsystem degrades the whole, a down one takes it down.
func (r *Reporter) Check() Report {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rep := Report{
		Status:     StatusOK,
		Subsystems: make(map[string]string, len(r.probes)),
		UptimeSec:  int64(time.Since(r.started).Seconds()),
	}
	for name, probe := range r.probes {
		s := probe()
		rep.Subsystems[name] = s
		switch {
		case s == StatusDown:
			rep.Status = StatusDown
		case s == StatusDegraded && rep.Status == StatusOK:
			rep.Status = StatusDegraded
		}
	}
	return rep
}

// BoolProbe maps a boolean check to ok/degraded.
func BoolProbe(fn func() bool) Probe {
	return func() string {
		if fn() {
			return StatusOK
		}
		return StatusDegraded
	}
}
