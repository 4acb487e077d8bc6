// Package httpapi exposes the REST surface of the music box daemon.
package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	zlog "github.com/rs/zerolog/log"

	"github.com/The-Open-Music-Box/theopenmusicbox-sub001/internal/app/health"
	"github.com/The-Open-Music-Box/theopenmusicbox-sub001/internal/app/library"
	"github.com/The-Open-Music-Box/theopenmusicbox-sub001/internal/app/nfc"
	"github.com/The-Open-Music-Box/theopenmusicbox-sub001/internal/app/ops"
	"github.com/The-Open-Music-Box/theopenmusicbox-sub001/internal/app/player"
	"github.com/The-Open-Music-Box/theopenmusicbox-sub001/internal/app/upload"
	"github.com/The-Open-Music-Box/theopenmusicbox-sub001/internal/domain/apperr"
	"github.com/The-Open-Music-Box/theopenmusicbox-sub001/internal/domain/event"
)

// Bus is the slice of the broadcaster the API needs.
type Bus interface {
	Ack(opID string, result any) event.Envelope
	Nack(opID string, opErr error) event.Envelope
	CurrentSeqs(playlistID string) (uint64, uint64)
}

// Server carries the wired application services behind the REST routes.
type Server struct {
	library *library.Repository
	uploads *upload.Engine
	player  *player.Coordinator
	nfc     *nfc.Service
	health  *health.Reporter
	bus     Bus
	ops     *ops.Tracker
}

// NewServer creates the API server.
func NewServer(lib *library.Repository, up *upload.Engine, pl *player.Coordinator,
	n *nfc.Service, h *health.Reporter, bus Bus, tracker *ops.Tracker) *Server {
	return &Server{
		library: lib,
		uploads: up,
		player:  pl,
		nfc:     n,
		health:  h,
		bus:     bus,
		ops:     tracker,
	}
}

// Router builds the chi route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.Route("/playlists", func(r chi.Router) {
			r.Get("/", s.handleListPlaylists)
			r.Post("/", s.handleCreatePlaylist)
			r.Post("/move-track", s.handleMoveTrack)
			r.Route("/{playlistID}", func(r chi.Router) {
				r.Get("/", s.handleGetPlaylist)
				r.Put("/", s.handleUpdatePlaylist)
				r.Delete("/", s.handleDeletePlaylist)
				r.Post("/start", s.handleStartPlaylist)
				r.Post("/reorder", s.handleReorderTracks)
				r.Delete("/tracks", s.handleDeleteTracks)
				r.Route("/uploads", func(r chi.Router) {
					r.Post("/session", s.handleCreateUpload)
					r.Route("/{sessionID}", func(r chi.Router) {
						r.Get("/", s.handleUploadStatus)
						r.Put("/chunks/{chunkIndex}", s.handleUploadChunk)
						r.Post("/finalize", s.handleFinalizeUpload)
						r.Delete("/", s.handleCancelUpload)
					})
				})
			})
		})

		r.Route("/player", func(r chi.Router) {
			r.Get("/status", s.handlePlayerStatus)
			r.Post("/play", s.playerCommand("play", func() error { return s.player.Play() }))
			r.Post("/pause", s.playerCommand("pause", func() error { return s.player.Pause() }))
			r.Post("/stop", s.playerCommand("stop", func() error { return s.player.Stop() }))
			r.Post("/toggle", s.playerCommand("toggle", func() error { return s.player.Toggle() }))
			r.Post("/next", s.handleNext)
			r.Post("/previous", s.handlePrevious)
			r.Post("/seek", s.handleSeek)
			r.Post("/volume", s.handleVolume)
		})

		r.Route("/nfc", func(r chi.Router) {
			r.Get("/status", s.handleNfcStatus)
			r.Post("/associate", s.handleNfcAssociate)
			r.Delete("/associate/{tagID}", s.handleNfcDissociate)
		})
	})

	return r
}

// runOp executes a client operation with idempotent replay: a duplicate
// client_op_id within the TTL returns the cached terminal result without
// re-executing.
func (s *Server) runOp(w http.ResponseWriter, r *http.Request, opID, message string, fn func() (any, error)) {
	if opID == "" {
		writeError(w, r, apperr.New(apperr.KindValidation, "client_op_id must not be empty"))
		return
	}

	reg, cached, err := s.ops.Register(opID, "")
	if err != nil {
		writeError(w, r, apperr.Wrap(err, apperr.KindValidation, "invalid client_op_id"))
		return
	}
	switch reg {
	case ops.RegisterReplay:
		s.replay(w, r, message, cached)
		return
	case ops.RegisterPending:
		writeError(w, r, apperr.New(apperr.KindBusy, "operation is still in progress"))
		return
	}

	result, err := fn()
	if err != nil {
		s.bus.Nack(opID, err)
		writeError(w, r, err)
		return
	}
	s.bus.Ack(opID, result)
	s.writeSuccess(w, message, result)
}

// replay re-sends the cached terminal envelope as an HTTP response.
func (s *Server) replay(w http.ResponseWriter, r *http.Request, message string, cached any) {
	env, ok := cached.(event.Envelope)
	if !ok {
		writeError(w, r, apperr.New(apperr.KindInternal, "cached operation result is unreadable"))
		return
	}
	if env.EventType == event.TypeErrOp {
		data, _ := env.Data.(map[string]any)
		kind := apperr.KindInternal
		if et, ok := data["error_type"].(string); ok {
			kind = apperr.Kind(et)
		}
		msg, _ := data["message"].(string)
		writeError(w, r, apperr.New(kind, msg))
		return
	}
	var result any
	if data, ok := env.Data.(map[string]any); ok {
		result = data["result"]
	}
	s.writeSuccess(w, message, result)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	rep := s.health.Check()
	status := http.StatusOK
	if rep.Status == health.StatusDown {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, rep)
}

// requestLogger logs each request with zerolog.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		zlog.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("elapsed", time.Since(start)).
			Msg("http request")
	})
}
