// Package nfc runs the tag reader loop and the association state machine that
// binds tags to playlists.
package nfc

import (
	"context"
	"sync"
	"time"

	zlog "github.com/rs/zerolog/log"

	"github.com/The-Open-Music-Box/theopenmusicbox-sub001/internal/domain/apperr"
	"github.com/The-Open-Music-Box/theopenmusicbox-sub001/internal/domain/event"
	"github.com/The-Open-Music-Box/theopenmusicbox-sub001/internal/domain/playlist"
	"github.com/The-Open-Music-Box/theopenmusicbox-sub001/internal/infra/nfchw"
)

// Association session states, published verbatim in state:nfc_state.
const (
	StateListening         = "listening"
	StateDuplicateDetected = "duplicate_detected"
	StateCompleted         = "completed"
	StateCancelled         = "cancelled"
	StateTimedOut          = "timed_out"
	StateError             = "error"
	StateUnknownTag        = "unknown_tag"
)

// Publisher publishes domain events to the broadcasting service.
type Publisher interface {
	Publish(ev event.Domain) event.Envelope
}

// Library is the slice of the playlist repository the service needs.
type Library interface {
	GetPlaylist(ctx context.Context, id string) (*playlist.Playlist, error)
	GetPlaylistByNfcTag(ctx context.Context, tagUID string) (*playlist.Playlist, error)
	AssociateNfcTag(ctx context.Context, playlistID, tagUID string) error
	ReassignNfcTag(ctx context.Context, fromPlaylistID, toPlaylistID, tagUID string) error
}

// Player is the playback trigger used when a known tag is detected outside an
// association session.
type Player interface {
	ActivePlaylistID() string
	StartPlaylist(ctx context.Context, playlistID string) error
}

// Options configures the service.
type Options struct {
	Debounce       time.Duration
	DefaultTimeout time.Duration
	TimeoutCap     time.Duration
}

// association is the single in-flight association session.
type association struct {
	playlistID            string
	state                 string
	observedTag           string
	conflictingPlaylistID string
	timer                 *time.Timer
}

// Service owns the reader loop and at most one association session.
type Service struct {
	adapter nfchw.Adapter
	pub     Publisher
	library Library
	player  Player
	opts    Options

	mu       sync.Mutex
	active   *association
	lastUID  string
	lastSeen time.Time
}

// NewService creates the NFC service.
func NewService(adapter nfchw.Adapter, pub Publisher, library Library, player Player, opts Options) *Service {
	if opts.Debounce <= 0 {
		opts.Debounce = 500 * time.Millisecond
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = 60 * time.Second
	}
	return &Service{
		adapter: adapter,
		pub:     pub,
		library: library,
		player:  player,
		opts:    opts,
	}
}

// Run consumes adapter events until ctx ends or the adapter closes.
func (s *Service) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-s.adapter.Events():
			if !ok {
				return
			}
			if ev.Removed {
				s.tagRemoved(ev.UID)
				continue
			}
			if s.debounced(ev) {
				continue
			}
			s.handleTag(ctx, ev.UID)
		}
	}
}

// Available reports whether the reader hardware responds, for health checks.
func (s *Service) Available() bool {
	return s.adapter.Available()
}

// StartAssociation opens a session that binds the next detected tag to the
// playlist. Only one session may run at a time.
func (s *Service) StartAssociation(ctx context.Context, playlistID string, timeoutMs int64) error {
	if _, err := s.library.GetPlaylist(ctx, playlistID); err != nil {
		return err
	}
	timeout := s.clampTimeout(timeoutMs)

	s.mu.Lock()
	if s.active != nil {
		current := s.active.playlistID
		s.mu.Unlock()
		return apperr.New(apperr.KindBusy, "an association session is already active").
			WithDetails(map[string]any{"playlist_id": current})
	}
	a := &association{playlistID: playlistID, state: StateListening}
	a.timer = time.AfterFunc(timeout, func() { s.expire(a) })
	s.active = a
	s.mu.Unlock()

	s.publishState(StateListening, playlistID, "", "", "")
	return nil
}

// Override confirms rebinding after a duplicate was detected. The tag moves
// from the conflicting playlist to the session's playlist.
func (s *Service) Override(ctx context.Context) error {
	s.mu.Lock()
	a := s.active
	if a == nil || a.state != StateDuplicateDetected {
		s.mu.Unlock()
		return apperr.New(apperr.KindConflict, "no duplicate awaiting override")
	}
	playlistID, tag, from := a.playlistID, a.observedTag, a.conflictingPlaylistID
	s.mu.Unlock()

	if err := s.library.ReassignNfcTag(ctx, from, playlistID, tag); err != nil {
		s.fail(err.Error())
		return err
	}

	if s.teardown(a) {
		s.publishState(StateCompleted, playlistID, tag, "", "")
	}
	return nil
}

// CancelAssociation ends the active session, if any. Idempotent.
func (s *Service) CancelAssociation() {
	s.mu.Lock()
	a := s.active
	s.active = nil
	s.mu.Unlock()
	if a == nil {
		return
	}
	if a.timer != nil {
		a.timer.Stop()
	}
	s.publishState(StateCancelled, a.playlistID, "", "", "")
}

// StatusSnapshot describes the service for the status endpoint.
type StatusSnapshot struct {
	HardwareAvailable bool   `json:"hardware_available"`
	SessionActive     bool   `json:"session_active"`
	State             string `json:"state,omitempty"`
	PlaylistID        string `json:"playlist_id,omitempty"`
}

// Status returns a point-in-time snapshot.
func (s *Service) Status() StatusSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := StatusSnapshot{HardwareAvailable: s.adapter.Available()}
	if s.active != nil {
		st.SessionActive = true
		st.State = s.active.state
		st.PlaylistID = s.active.playlistID
	}
	return st
}

// handleTag routes a debounced detection to the association session or the
// playback trigger.
func (s *Service) handleTag(ctx context.Context, uid string) {
	s.mu.Lock()
	a := s.active
	s.mu.Unlock()

	if a != nil {
		s.associateTag(ctx, a, uid)
		return
	}
	s.triggerPlayback(ctx, uid)
}

// associateTag advances the session with a tag observation.
func (s *Service) associateTag(ctx context.Context, a *association, uid string) {
	s.mu.Lock()
	if s.active != a || a.state != StateListening {
		s.mu.Unlock()
		return
	}
	a.observedTag = uid
	s.mu.Unlock()

	bound, err := s.library.GetPlaylistByNfcTag(ctx, uid)
	switch {
	case err == nil && bound.ID != a.playlistID:
		// tag belongs to another playlist, wait for override or cancel
		s.mu.Lock()
		a.state = StateDuplicateDetected
		a.conflictingPlaylistID = bound.ID
		s.mu.Unlock()
		s.publishState(StateDuplicateDetected, a.playlistID, uid, bound.ID, "")
		return
	case err != nil && apperr.KindOf(err) != apperr.KindNotFound:
		s.fail(err.Error())
		return
	}

	if err := s.library.AssociateNfcTag(ctx, a.playlistID, uid); err != nil {
		s.fail(err.Error())
		return
	}
	if s.teardown(a) {
		s.publishState(StateCompleted, a.playlistID, uid, "", "")
	}
}

// triggerPlayback starts the playlist bound to the tag, if any.
func (s *Service) triggerPlayback(ctx context.Context, uid string) {
	p, err := s.library.GetPlaylistByNfcTag(ctx, uid)
	if err != nil {
		if apperr.KindOf(err) == apperr.KindNotFound {
			s.publishState(StateUnknownTag, "", uid, "", "tag is not bound to any playlist")
			return
		}
		zlog.Error().Err(err).Str("tag_uid", uid).Msg("tag lookup failed")
		return
	}
	if s.player.ActivePlaylistID() == p.ID {
		return
	}
	if err := s.player.StartPlaylist(ctx, p.ID); err != nil {
		zlog.Error().Err(err).Str("playlist_id", p.ID).Msg("tag-triggered playback failed")
	}
}

// debounced suppresses repeats of the same tag within the debounce window.
func (s *Service) debounced(ev nfchw.TagEvent) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ev.UID == s.lastUID && ev.DetectedAt.Sub(s.lastSeen) < s.opts.Debounce {
		s.lastSeen = ev.DetectedAt
		return true
	}
	s.lastUID = ev.UID
	s.lastSeen = ev.DetectedAt
	return false
}

// tagRemoved resets the debounce so the same tag re-triggers after being
// lifted off the reader.
func (s *Service) tagRemoved(uid string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastUID == uid {
		s.lastUID = ""
	}
}

// expire moves the session to TimedOut, unless it already ended.
func (s *Service) expire(a *association) {
	s.mu.Lock()
	if s.active != a {
		s.mu.Unlock()
		return
	}
	s.active = nil
	s.mu.Unlock()
	s.publishState(StateTimedOut, a.playlistID, "", "", "no tag detected before the deadline")
}

// fail ends the active session in the Error state.
func (s *Service) fail(message string) {
	s.mu.Lock()
	a := s.active
	s.active = nil
	s.mu.Unlock()
	if a == nil {
		return
	}
	if a.timer != nil {
		a.timer.Stop()
	}
	s.publishState(StateError, a.playlistID, a.observedTag, "", message)
}

// teardown removes the session if it is still the active one and reports
// whether this caller won the removal. Only the winner publishes the terminal
// state, so a detect racing a cancel emits exactly one.
func (s *Service) teardown(a *association) bool {
	s.mu.Lock()
	owned := s.active == a
	if owned {
		s.active = nil
	}
	s.mu.Unlock()
	if a.timer != nil {
		a.timer.Stop()
	}
	return owned
}

func (s *Service) publishState(state, playlistID, tag, conflicting, message string) {
	s.pub.Publish(event.NfcState{State: event.NfcStatePayload{
		State:                 state,
		PlaylistID:            playlistID,
		ObservedTagID:         tag,
		ConflictingPlaylistID: conflicting,
		Message:               message,
	}})
}

func (s *Service) clampTimeout(requestedMs int64) time.Duration {
	if requestedMs <= 0 {
		return s.opts.DefaultTimeout
	}
	d := time.Duration(requestedMs) * time.Millisecond
	if s.opts.TimeoutCap > 0 && d > s.opts.TimeoutCap {
		return s.opts.TimeoutCap
	}
	return d
}
