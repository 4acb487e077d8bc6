package httpapi

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/The-Open-Music-Box/theopenmusicbox-sub001/internal/app/library"
)

func (s *Server) handleListPlaylists(w http.ResponseWriter, r *http.Request) {
	page := queryInt(r, "page", 1)
	limit := queryInt(r, "limit", 50)

	result, err := s.library.ListPlaylists(r.Context(), page, limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	s.writeSuccess(w, "playlists listed", result)
}

func (s *Server) handleCreatePlaylist(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Title       string `json:"title"`
		Description string `json:"description"`
		ClientOpID  string `json:"client_op_id"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	s.runOp(w, r, body.ClientOpID, "playlist created", func() (any, error) {
		p, err := s.library.CreatePlaylist(r.Context(), body.Title, body.Description)
		if err != nil {
			return nil, err
		}
		return p, nil
	})
}

func (s *Server) handleGetPlaylist(w http.ResponseWriter, r *http.Request) {
	p, err := s.library.GetPlaylist(r.Context(), chi.URLParam(r, "playlistID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	s.writeSuccess(w, "playlist", p)
}

func (s *Server) handleUpdatePlaylist(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Title       *string `json:"title"`
		Description *string `json:"description"`
		ClientOpID  string  `json:"client_op_id"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	id := chi.URLParam(r, "playlistID")
	s.runOp(w, r, body.ClientOpID, "playlist updated", func() (any, error) {
		p, err := s.library.UpdatePlaylist(r.Context(), id, library.UpdateInput{
			Title:       body.Title,
			Description: body.Description,
		})
		if err != nil {
			return nil, err
		}
		return p, nil
	})
}

func (s *Server) handleDeletePlaylist(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ClientOpID string `json:"client_op_id"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	id := chi.URLParam(r, "playlistID")
	s.runOp(w, r, body.ClientOpID, "playlist deleted", func() (any, error) {
		if err := s.library.DeletePlaylist(r.Context(), id); err != nil {
			return nil, err
		}
		return map[string]any{"playlist_id": id}, nil
	})
}

func (s *Server) handleStartPlaylist(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ClientOpID string `json:"client_op_id"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	id := chi.URLParam(r, "playlistID")
	s.runOp(w, r, body.ClientOpID, "playback started", func() (any, error) {
		if err := s.player.StartPlaylist(r.Context(), id); err != nil {
			return nil, err
		}
		return s.player.Snapshot(), nil
	})
}

func (s *Server) handleReorderTracks(w http.ResponseWriter, r *http.Request) {
	var body struct {
		TrackOrder []string `json:"track_order"`
		ClientOpID string   `json:"client_op_id"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	id := chi.URLParam(r, "playlistID")
	s.runOp(w, r, body.ClientOpID, "tracks reordered", func() (any, error) {
		if err := s.library.ReorderTracks(r.Context(), id, body.TrackOrder); err != nil {
			return nil, err
		}
		return s.refreshed(r, id)
	})
}

func (s *Server) handleDeleteTracks(w http.ResponseWriter, r *http.Request) {
	var body struct {
		TrackNumbers []int  `json:"track_numbers"`
		ClientOpID   string `json:"client_op_id"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	id := chi.URLParam(r, "playlistID")
	s.runOp(w, r, body.ClientOpID, "tracks deleted", func() (any, error) {
		if err := s.library.DeleteTracks(r.Context(), id, body.TrackNumbers); err != nil {
			return nil, err
		}
		return s.refreshed(r, id)
	})
}

func (s *Server) handleMoveTrack(w http.ResponseWriter, r *http.Request) {
	var body struct {
		SourcePlaylistID string `json:"source_playlist_id"`
		TargetPlaylistID string `json:"target_playlist_id"`
		TrackNumber      int    `json:"track_number"`
		TargetPosition   int    `json:"target_position"`
		ClientOpID       string `json:"client_op_id"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	s.runOp(w, r, body.ClientOpID, "track moved", func() (any, error) {
		err := s.library.MoveTrack(r.Context(), body.SourcePlaylistID, body.TargetPlaylistID,
			body.TrackNumber, body.TargetPosition)
		if err != nil {
			return nil, err
		}
		if _, err := s.refreshed(r, body.SourcePlaylistID); err != nil {
			return nil, err
		}
		return s.refreshed(r, body.TargetPlaylistID)
	})
}

// refreshed reloads the playlist and pushes the fresh copy to the player in
// case it is the active one.
func (s *Server) refreshed(r *http.Request, playlistID string) (any, error) {
	p, err := s.library.GetPlaylist(r.Context(), playlistID)
	if err != nil {
		return nil, err
	}
	s.player.RefreshPlaylist(p)
	return p, nil
}

func queryInt(r *http.Request, key string, fallback int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return -1
	}
	return n
}
