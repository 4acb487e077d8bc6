package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	zlog "github.com/rs/zerolog/log"

	"github.com/The-Open-Music-Box/theopenmusicbox-sub001/internal/domain/apperr"
)

// successBody is the uniform 200 response.
type successBody struct {
	Status    string `json:"status"`
	Message   string `json:"message"`
	Data      any    `json:"data,omitempty"`
	ServerSeq uint64 `json:"server_seq"`
	Timestamp int64  `json:"timestamp"`
}

// errorBody is the uniform 4xx/5xx response.
type errorBody struct {
	Status    string         `json:"status"`
	Message   string         `json:"message"`
	ErrorType string         `json:"error_type"`
	Details   map[string]any `json:"details,omitempty"`
	RequestID string         `json:"request_id"`
}

func (s *Server) writeSuccess(w http.ResponseWriter, message string, data any) {
	seq, _ := s.bus.CurrentSeqs("")
	writeJSON(w, http.StatusOK, successBody{
		Status:    "success",
		Message:   message,
		Data:      data,
		ServerSeq: seq,
		Timestamp: time.Now().UnixMilli(),
	})
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := apperr.KindOf(err)
	status := apperr.HTTPStatus(kind)
	if status >= 500 {
		zlog.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	}
	writeJSON(w, status, errorBody{
		Status:    "error",
		Message:   apperr.MessageOf(err),
		ErrorType: string(kind),
		Details:   apperr.DetailsOf(err),
		RequestID: middleware.GetReqID(r.Context()),
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		zlog.Debug().Err(err).Msg("response encoding failed")
	}
}

// decodeBody parses a JSON request body into dst.
func decodeBody(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return apperr.New(apperr.KindValidation, "request body is not valid JSON")
	}
	return nil
}
