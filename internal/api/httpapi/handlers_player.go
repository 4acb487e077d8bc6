package httpapi

import (
	"net/http"
)

// playerCommand wraps a parameterless player command as an op-tracked handler.
func (s *Server) playerCommand(name string, fn func() error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			ClientOpID string `json:"client_op_id"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, r, err)
			return
		}
		s.runOp(w, r, body.ClientOpID, "player "+name, func() (any, error) {
			if err := fn(); err != nil {
				return nil, err
			}
			return s.player.Snapshot(), nil
		})
	}
}

func (s *Server) handleNext(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ClientOpID string `json:"client_op_id"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	s.runOp(w, r, body.ClientOpID, "player next", func() (any, error) {
		if err := s.player.Next(r.Context()); err != nil {
			return nil, err
		}
		return s.player.Snapshot(), nil
	})
}

func (s *Server) handlePrevious(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ClientOpID string `json:"client_op_id"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	s.runOp(w, r, body.ClientOpID, "player previous", func() (any, error) {
		if err := s.player.Previous(r.Context()); err != nil {
			return nil, err
		}
		return s.player.Snapshot(), nil
	})
}

func (s *Server) handleSeek(w http.ResponseWriter, r *http.Request) {
	var body struct {
		PositionMs int64  `json:"position_ms"`
		ClientOpID string `json:"client_op_id"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	s.runOp(w, r, body.ClientOpID, "player seek", func() (any, error) {
		if err := s.player.Seek(body.PositionMs); err != nil {
			return nil, err
		}
		return s.player.Snapshot(), nil
	})
}

func (s *Server) handleVolume(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Volume     int    `json:"volume"`
		ClientOpID string `json:"client_op_id"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	s.runOp(w, r, body.ClientOpID, "volume set", func() (any, error) {
		if err := s.player.SetVolume(body.Volume); err != nil {
			return nil, err
		}
		return s.player.Snapshot(), nil
	})
}

func (s *Server) handlePlayerStatus(w http.ResponseWriter, r *http.Request) {
	s.writeSuccess(w, "player status", s.player.Snapshot())
}
