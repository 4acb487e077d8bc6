// Package bus provides the broadcasting service: it turns domain events into
// sequenced envelopes, persists them to the outbox and fans them out to
// subscribed sessions.
package bus

import (
	"sync"
	"time"

	"github.com/google/uuid"
	zlog "github.com/rs/zerolog/log"

	"github.com/The-Open-Music-Box/theopenmusicbox-sub001/internal/app/ops"
	"github.com/The-Open-Music-Box/theopenmusicbox-sub001/internal/app/outbox"
	"github.com/The-Open-Music-Box/theopenmusicbox-sub001/internal/app/rooms"
	"github.com/The-Open-Music-Box/theopenmusicbox-sub001/internal/app/seq"
	"github.com/The-Open-Music-Box/theopenmusicbox-sub001/internal/domain/apperr"
	"github.com/The-Open-Music-Box/theopenmusicbox-sub001/internal/domain/event"
)

// Broadcaster implements the event pathway: sequence assignment, outbox
// persistence and room fan-out happen atomically per published event.
type Broadcaster struct {
	seq    *seq.Generator
	outbox *outbox.Outbox
	rooms  *rooms.Manager
	ops    *ops.Tracker

	// emitMu serializes sequence assignment and delivery so every room
	// observes envelopes in global_seq order.
	emitMu sync.Mutex

	// per-playlist publish locks
	plMu   sync.Mutex
	plocks map[string]*sync.Mutex
	global sync.Mutex
}

// New creates a broadcaster wired to its collaborators.
func New(g *seq.Generator, ob *outbox.Outbox, rm *rooms.Manager, tracker *ops.Tracker) *Broadcaster {
	b := &Broadcaster{
		seq:    g,
		outbox: ob,
		rooms:  rm,
		ops:    tracker,
		plocks: make(map[string]*sync.Mutex),
	}
	tracker.SetTimeoutHandler(b.nackTimeout)
	return b
}

// Publish serializes the domain event into an envelope, persists it and
// delivers it to the target rooms. It returns the emitted envelope.
func (b *Broadcaster) Publish(ev event.Domain) event.Envelope {
	lock := b.resourceLock(ev.PlaylistID())
	lock.Lock()
	defer lock.Unlock()

	b.emitMu.Lock()
	env := b.buildLocked(ev)
	b.outbox.Append(env, ev.PlaylistID())
	if ev.Type() == event.TypePlaylistDeleted {
		// the deletion envelope stays on the global horizon only
		b.outbox.DropPlaylist(ev.PlaylistID())
		b.seq.DropPlaylist(ev.PlaylistID())
	}
	// fan-out stays under emitMu so rooms observe non-decreasing global_seq;
	// Deliver never blocks, slow sessions queue or drop
	deliver(b.targets(ev), env)
	b.emitMu.Unlock()

	return env
}

// Ack emits the terminal ack:op envelope for a completed operation and caches
// it for idempotent replay. It must be called after the state envelope
// reflecting the operation has been published.
func (b *Broadcaster) Ack(opID string, result any) event.Envelope {
	env := b.Seal(event.TypeAckOp, map[string]any{
		"client_op_id": opID,
		"status":       "success",
		"result":       result,
	})
	b.deliverToOp(opID, env)
	if err := b.ops.Complete(opID, env); err != nil {
		zlog.Warn().Err(err).Str("client_op_id", opID).Msg("bus: ack for untracked operation")
	}
	return env
}

// Nack emits the terminal err:op envelope for a failed operation.
func (b *Broadcaster) Nack(opID string, opErr error) event.Envelope {
	data := map[string]any{
		"client_op_id": opID,
		"error_type":   string(apperr.KindOf(opErr)),
		"message":      apperr.MessageOf(opErr),
	}
	if details := apperr.DetailsOf(opErr); details != nil {
		data["details"] = details
	}
	env := b.Seal(event.TypeErrOp, data)
	b.deliverToOp(opID, env)
	if err := b.ops.Fail(opID, env); err != nil {
		zlog.Warn().Err(err).Str("client_op_id", opID).Msg("bus: nack for untracked operation")
	}
	return env
}

// DeliverTo sends an envelope to a single session, bypassing rooms. Used by
// the sync controller for replay and snapshots.
func (b *Broadcaster) DeliverTo(sessionID string, env event.Envelope) {
	if sub, ok := b.rooms.Session(sessionID); ok {
		if err := sub.Deliver(env); err != nil {
			zlog.Debug().Err(err).Str("session_id", sessionID).Msg("bus: direct delivery failed")
		}
	}
}

// Seal builds a sequenced envelope for a session-scoped event without
// retaining it. Used for sync:complete, sync:error and client_pong.
func (b *Broadcaster) Seal(eventType string, data any) event.Envelope {
	b.emitMu.Lock()
	defer b.emitMu.Unlock()
	return event.Envelope{
		EventType:   eventType,
		GlobalSeq:   b.seq.NextGlobal(),
		EventID:     uuid.New().String(),
		TimestampMs: time.Now().UnixMilli(),
		Data:        data,
	}
}

// CurrentSeqs returns the current global sequence and the playlist sequence
// for the given playlist id (zero when the id is empty).
func (b *Broadcaster) CurrentSeqs(playlistID string) (uint64, uint64) {
	if playlistID == "" {
		return b.seq.CurrentGlobal(), 0
	}
	return b.seq.CurrentGlobal(), b.seq.CurrentPlaylist(playlistID)
}

// nackTimeout surfaces an operation that never reached a terminal state.
func (b *Broadcaster) nackTimeout(opID, sessionID string) {
	env := b.Seal(event.TypeErrOp, map[string]any{
		"client_op_id": opID,
		"error_type":   string(apperr.KindTimeout),
		"message":      "operation timed out",
	})
	b.DeliverTo(sessionID, env)
}

func (b *Broadcaster) deliverToOp(opID string, env event.Envelope) {
	rec, ok := b.ops.Lookup(opID)
	if !ok || rec.SessionID == "" {
		return
	}
	b.DeliverTo(rec.SessionID, env)
}

// buildLocked assigns sequences and stamps identity. emitMu must be held.
func (b *Broadcaster) buildLocked(ev event.Domain) event.Envelope {
	env := event.Envelope{
		EventType:   ev.Type(),
		GlobalSeq:   b.seq.NextGlobal(),
		EventID:     uuid.New().String(),
		TimestampMs: time.Now().UnixMilli(),
		Data:        ev.Payload(),
	}
	if pid := ev.PlaylistID(); pid != "" {
		ps := b.seq.NextPlaylist(pid)
		env.PlaylistSeq = &ps
	}
	return env
}

// targets resolves the subscriber set for the event, deduplicated by session.
func (b *Broadcaster) targets(ev event.Domain) []rooms.Subscriber {
	var subs []rooms.Subscriber
	switch ev.Type() {
	case event.TypePlaylistCreated, event.TypePlaylistUpdated, event.TypePlaylistDeleted:
		subs = append(b.rooms.Members(rooms.RoomPlaylists), b.rooms.Members(rooms.PlaylistRoom(ev.PlaylistID()))...)
	case event.TypePlaylists:
		subs = b.rooms.Members(rooms.RoomPlaylists)
	case event.TypeTrackAdded, event.TypeTrackDeleted,
		event.TypeUploadProgress, event.TypeUploadComplete, event.TypeUploadError:
		subs = b.rooms.Members(rooms.PlaylistRoom(ev.PlaylistID()))
	case event.TypeNfcState:
		subs = b.rooms.Members(rooms.RoomNfc)
	default:
		subs = b.rooms.All()
	}

	seen := make(map[string]struct{}, len(subs))
	out := subs[:0]
	for _, sub := range subs {
		if _, dup := seen[sub.SessionID()]; dup {
			continue
		}
		seen[sub.SessionID()] = struct{}{}
		out = append(out, sub)
	}
	return out
}

// deliver pushes the envelope to each subscriber. A failing session never
// blocks the others.
func deliver(subs []rooms.Subscriber, env event.Envelope) {
	for _, sub := range subs {
		if err := sub.Deliver(env); err != nil {
			zlog.Debug().Err(err).
				Str("session_id", sub.SessionID()).
				Str("event_type", env.EventType).
				Msg("bus: delivery failed")
		}
	}
}

func (b *Broadcaster) resourceLock(playlistID string) *sync.Mutex {
	if playlistID == "" {
		return &b.global
	}
	b.plMu.Lock()
	defer b.plMu.Unlock()
	lock, ok := b.plocks[playlistID]
	if !ok {
		lock = &sync.Mutex{}
		b.plocks[playlistID] = lock
	}
	return lock
}
