package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/nerrad567/replica-core/internal/ingest"
	"github.com/nerrad567/replica-core/internal/replica"
	"github.com/nerrad567/replica-core/internal/schema"
	"github.com/nerrad567/replica-core/internal/store"
	"github.com/nerrad567/replica-core/internal/twin"
)

// Error represents a structured error response.
type Error struct {
	Status  int      `json:"status"`
	Code    string   `json:"code"`
	Message string   `json:"message"`
	Fields  []string `json:"fields,omitempty"`
}

// Common error codes.
const (
	ErrCodeBadRequest  = "bad_request"
	ErrCodeNotFound    = "not_found"
	ErrCodeConflict    = "conflict"
	ErrCodeInternal    = "internal_error"
	ErrCodeValidation  = "validation_error"
	ErrCodeUnavailable = "unavailable"
)

// writeJSON writes a JSON response with the given status code and payload.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		//nolint:errcheck // Best-effort write to response; connection may be closed
		json.NewEncoder(w).Encode(v)
	}
}

// writeError writes a structured error response.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, Error{
		Status:  status,
		Code:    code,
		Message: message,
	})
}

// writeBadRequest writes a 400 error response.
func writeBadRequest(w http.ResponseWriter, message string) {
	writeError(w, http.StatusBadRequest, ErrCodeBadRequest, message)
}

// writeNotFound writes a 404 error response.
func writeNotFound(w http.ResponseWriter, message string) {
	writeError(w, http.StatusNotFound, ErrCodeNotFound, message)
}

// writeInternalError writes a 500 error response.
func writeInternalError(w http.ResponseWriter, message string) {
	writeError(w, http.StatusInternalServerError, ErrCodeInternal, message)
}

// writeUnavailable writes a 503 error response for an unconfigured feature.
func writeUnavailable(w http.ResponseWriter, message string) {
	writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, message)
}

// writeDomainError maps a domain error onto the HTTP taxonomy. Errors it
// does not recognise are logged and reported as internal errors with
// fallback as the message.
func (s *Server) writeDomainError(w http.ResponseWriter, err error, fallback string) {
	var verr *replica.ValidationError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, Error{
			Status:  http.StatusBadRequest,
			Code:    ErrCodeValidation,
			Message: verr.Error(),
			Fields:  verr.Fields,
		})
	case errors.Is(err, store.ErrInvalidDocument):
		writeError(w, http.StatusBadRequest, ErrCodeValidation, err.Error())
	case errors.Is(err, schema.ErrSchemaNotFound),
		errors.Is(err, store.ErrNotFound),
		errors.Is(err, ingest.ErrRoomNotFound),
		errors.Is(err, ingest.ErrActorNotFound),
		errors.Is(err, ingest.ErrBottleNotFound),
		errors.Is(err, twin.ErrTwinNotFound),
		errors.Is(err, twin.ErrServiceNotFound):
		writeNotFound(w, err.Error())
	case errors.Is(err, store.ErrDuplicate),
		errors.Is(err, ingest.ErrRoomOccupied):
		writeError(w, http.StatusConflict, ErrCodeConflict, err.Error())
	case errors.Is(err, store.ErrInvalidPath),
		errors.Is(err, ingest.ErrMalformedPayload),
		errors.Is(err, twin.ErrInvalidTwin),
		errors.Is(err, twin.ErrInvalidParams),
		errors.Is(err, twin.ErrBottleNotFound),
		errors.Is(err, twin.ErrNoOptimalTemperature):
		writeBadRequest(w, err.Error())
	default:
		s.logger.Error(fallback, "error", err)
		writeInternalError(w, fallback)
	}
}
