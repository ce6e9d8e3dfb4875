package httpapi

import (
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"

	"audiobookd/internal/engine"
	"audiobookd/internal/runner"
	"audiobookd/internal/store"
	"audiobookd/pkg/types"
)

// statusForError folds the engine/store error taxonomy into HTTP status
// codes in one place.
func statusForError(err error) int {
	var startTimeout *runner.StartTimeoutError
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return http.StatusNotFound
	case engine.IsClientInvalid(err):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrConflict):
		return http.StatusConflict
	case engine.IsHostUnavailable(err):
		return http.StatusServiceUnavailable
	case engine.IsLoading(err):
		return http.StatusServiceUnavailable
	case errors.As(err, &startTimeout):
		return http.StatusBadGateway
	case engine.IsServerFault(err):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusForError(err)
	if status >= 500 {
		s.log.Error().Err(err).Str("path", r.URL.Path).Int("status", status).Msg("request failed")
	}
	writeJSONError(w, status, err.Error())
}

// writeJSONError writes a consistent JSON error payload.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(types.ErrorResponse{Error: msg, Code: status})
}
