package httpapi

import (
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/The-Open-Music-Box/theopenmusicbox-sub001/internal/domain/apperr"
)

func (s *Server) handleCreateUpload(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Filename   string `json:"filename"`
		FileSize   int64  `json:"file_size"`
		ChunkSize  int64  `json:"chunk_size"`
		ClientOpID string `json:"client_op_id"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	id := chi.URLParam(r, "playlistID")
	s.runOp(w, r, body.ClientOpID, "upload session created", func() (any, error) {
		st, err := s.uploads.CreateSession(r.Context(), id, body.Filename, body.FileSize, body.ChunkSize)
		if err != nil {
			return nil, err
		}
		return st, nil
	})
}

// handleUploadChunk accepts a raw-bytes chunk body. Content-Length is
// mandatory so the chunk can be size-checked before reading.
func (s *Server) handleUploadChunk(w http.ResponseWriter, r *http.Request) {
	if r.ContentLength < 0 {
		writeError(w, r, apperr.New(apperr.KindValidation, "Content-Length is required"))
		return
	}
	index, err := strconv.Atoi(chi.URLParam(r, "chunkIndex"))
	if err != nil {
		writeError(w, r, apperr.New(apperr.KindValidation, "chunk index must be an integer"))
		return
	}

	data, err := io.ReadAll(io.LimitReader(r.Body, r.ContentLength))
	if err != nil {
		writeError(w, r, apperr.Wrap(err, apperr.KindValidation, "failed to read chunk body"))
		return
	}

	received, total, err := s.uploads.UploadChunk(r.Context(), chi.URLParam(r, "sessionID"), index, data)
	if err != nil {
		writeError(w, r, err)
		return
	}
	s.writeSuccess(w, "chunk accepted", map[string]any{
		"received":     received,
		"total_chunks": total,
	})
}

func (s *Server) handleFinalizeUpload(w http.ResponseWriter, r *http.Request) {
	var body struct {
		SHA256     string `json:"sha256"`
		ClientOpID string `json:"client_op_id"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	sid := chi.URLParam(r, "sessionID")
	s.runOp(w, r, body.ClientOpID, "upload finalized", func() (any, error) {
		t, err := s.uploads.Finalize(r.Context(), sid, body.SHA256)
		if err != nil {
			return nil, err
		}
		if _, err := s.refreshed(r, t.PlaylistID); err != nil {
			return nil, err
		}
		return t, nil
	})
}

func (s *Server) handleUploadStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.uploads.GetStatus(chi.URLParam(r, "sessionID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	s.writeSuccess(w, "upload status", st)
}

func (s *Server) handleCancelUpload(w http.ResponseWriter, r *http.Request) {
	if err := s.uploads.Cancel(r.Context(), chi.URLParam(r, "sessionID")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
