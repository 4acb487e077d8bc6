// Package ops provides at-most-once tracking of client operations keyed by
// client_op_id.
package ops

import (
	"errors"
	"sync"
	"time"
)

// Errors
var (
	ErrEmptyOpID  = errors.New("client_op_id must not be empty")
	ErrUnknownOp  = errors.New("unknown_operation")
	ErrNotPending = errors.New("operation already terminal")
)

// Status represents the lifecycle state of a tracked operation.
type Status int

const (
	StatusPending Status = iota
	StatusAcked
	StatusErrored
)

// String returns the string representation of the status.
func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusAcked:
		return "acked"
	case StatusErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// RegisterResult classifies the outcome of Register.
type RegisterResult int

const (
	// RegisterNew means the operation is fresh and must be executed.
	RegisterNew RegisterResult = iota
	// RegisterPending means the same operation is still executing; the caller
	// must not re-execute and no cached envelope exists yet.
	RegisterPending
	// RegisterReplay means the operation already finished; the cached terminal
	// envelope must be re-sent without re-executing.
	RegisterReplay
)

// Record is the tracked state of a single client operation.
type Record struct {
	OpID      string
	SessionID string
	Status    Status
	Result    any // terminal envelope, set by Complete/Fail
	CreatedAt time.Time
}

type entry struct {
	rec          Record
	timeoutTimer *time.Timer
	evictTimer   *time.Timer
}

// Tracker correlates inbound client_op_id values with their terminal acks.
type Tracker struct {
	mu        sync.Mutex
	records   map[string]*entry
	ttl       time.Duration
	opTimeout time.Duration

	// onTimeout is invoked outside the lock when a pending operation exceeds
	// opTimeout. Wired to the broadcaster at startup.
	onTimeout func(opID, sessionID string)
}

// NewTracker creates a tracker. ttl bounds idempotent replay; opTimeout bounds
// how long an operation may stay pending before it is surfaced as timed out.
func NewTracker(ttl, opTimeout time.Duration) *Tracker {
	return &Tracker{
		records:   make(map[string]*entry),
		ttl:       ttl,
		opTimeout: opTimeout,
	}
}

// SetTimeoutHandler installs the callback fired when a pending operation
// times out. Must be called before the first Register.
func (t *Tracker) SetTimeoutHandler(fn func(opID, sessionID string)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onTimeout = fn
}

// Register records an inbound operation. Registration is idempotent: a
// duplicate within the TTL yields RegisterPending or RegisterReplay and the
// cached terminal envelope when available.
func (t *Tracker) Register(opID, sessionID string) (RegisterResult, any, error) {
	if opID == "" {
		return RegisterNew, nil, ErrEmptyOpID
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if e, ok := t.records[opID]; ok {
		if e.rec.Status == StatusPending {
			return RegisterPending, nil, nil
		}
		return RegisterReplay, e.rec.Result, nil
	}

	e := &entry{rec: Record{
		OpID:      opID,
		SessionID: sessionID,
		Status:    StatusPending,
		CreatedAt: time.Now(),
	}}
	if t.opTimeout > 0 {
		e.timeoutTimer = time.AfterFunc(t.opTimeout, func() { t.expire(opID) })
	}
	t.records[opID] = e
	return RegisterNew, nil, nil
}

// Complete marks the operation acked, caching the terminal result for replay.
func (t *Tracker) Complete(opID string, result any) error {
	return t.finish(opID, StatusAcked, result)
}

// Fail marks the operation errored, caching the terminal result for replay.
func (t *Tracker) Fail(opID string, result any) error {
	return t.finish(opID, StatusErrored, result)
}

// Lookup returns the record for a client_op_id, if tracked.
func (t *Tracker) Lookup(opID string) (Record, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.records[opID]
	if !ok {
		return Record{}, false
	}
	return e.rec, true
}

// Len returns the number of tracked operations.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.records)
}

// Close stops all timers.
func (t *Tracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, e := range t.records {
		if e.timeoutTimer != nil {
			e.timeoutTimer.Stop()
		}
		if e.evictTimer != nil {
			e.evictTimer.Stop()
		}
	}
	t.records = make(map[string]*entry)
}

func (t *Tracker) finish(opID string, status Status, result any) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.records[opID]
	if !ok {
		return ErrUnknownOp
	}
	if e.rec.Status != StatusPending {
		return ErrNotPending
	}
	if e.timeoutTimer != nil {
		e.timeoutTimer.Stop()
		e.timeoutTimer = nil
	}
	e.rec.Status = status
	e.rec.Result = result
	e.evictTimer = time.AfterFunc(t.ttl, func() { t.evict(opID) })
	return nil
}

// expire surfaces a pending operation as timed out and discards the record so
// a retry executes fresh.
func (t *Tracker) expire(opID string) {
	t.mu.Lock()
	e, ok := t.records[opID]
	if !ok || e.rec.Status != StatusPending {
		t.mu.Unlock()
		return
	}
	sessionID := e.rec.SessionID
	delete(t.records, opID)
	fn := t.onTimeout
	t.mu.Unlock()

	if fn != nil {
		fn(opID, sessionID)
	}
}

func (t *Tracker) evict(opID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.records, opID)
}
