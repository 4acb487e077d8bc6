package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// handleNfcAssociate binds a tag directly when tag_id is given, otherwise
// starts an observation session that waits for the next detected tag.
func (s *Server) handleNfcAssociate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		PlaylistID string `json:"playlist_id"`
		TagID      string `json:"tag_id"`
		TimeoutMs  int64  `json:"timeout_ms"`
		ClientOpID string `json:"client_op_id"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, r, err)
		return
	}

	s.runOp(w, r, body.ClientOpID, "nfc association", func() (any, error) {
		if body.TagID != "" {
			if err := s.library.AssociateNfcTag(r.Context(), body.PlaylistID, body.TagID); err != nil {
				return nil, err
			}
			return s.refreshed(r, body.PlaylistID)
		}
		if err := s.nfc.StartAssociation(r.Context(), body.PlaylistID, body.TimeoutMs); err != nil {
			return nil, err
		}
		return s.nfc.Status(), nil
	})
}

func (s *Server) handleNfcDissociate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ClientOpID string `json:"client_op_id"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	tagID := chi.URLParam(r, "tagID")
	s.runOp(w, r, body.ClientOpID, "nfc dissociated", func() (any, error) {
		if err := s.library.DissociateNfcTag(r.Context(), tagID); err != nil {
			return nil, err
		}
		return map[string]any{"tag_id": tagID}, nil
	})
}

func (s *Server) handleNfcStatus(w http.ResponseWriter, r *http.Request) {
	s.writeSuccess(w, "nfc status", s.nfc.Status())
}
