package api

import (
	"encoding/json"
	"net/http"
	"slices"

	"github.com/nerrad567/replica-core/internal/twin"
)

// resetConfirmation must be sent verbatim to reset record types.
const resetConfirmation = "DELETE ALL"

// ResetRequest selects the record types to empty.
type ResetRequest struct {
	Types   []string `json:"types"`
	Confirm string   `json:"confirm"`
}

// ResetResponse reports what was deleted.
type ResetResponse struct {
	Status  string           `json:"status"`
	Deleted map[string]int64 `json:"deleted"`
}

// handleReset deletes every record of the selected types. Collections and
// their validators are kept.
//
// This is a destructive operation; the request must include an exact
// confirmation string.
func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	var req ResetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	if req.Confirm != resetConfirmation {
		writeBadRequest(w, `confirm field must be exactly "`+resetConfirmation+`"`)
		return
	}
	if len(req.Types) == 0 {
		writeBadRequest(w, "at least one type is required")
		return
	}

	known := s.schemas.Types()
	for _, recordType := range req.Types {
		if !slices.Contains(known, recordType) {
			writeNotFound(w, "unknown record type: "+recordType)
			return
		}
	}

	deleted := make(map[string]int64, len(req.Types))
	for _, recordType := range req.Types {
		n, err := s.store.DeleteAll(r.Context(), recordType)
		if err != nil {
			s.writeDomainError(w, err, "failed to reset "+recordType)
			return
		}
		deleted[recordType] = n
		s.logger.Warn("record type reset", "type", recordType, "deleted", n)
	}
	if s.hub != nil && slices.Contains(req.Types, twin.RecordType) {
		s.hub.ForgetTwins()
	}

	writeJSON(w, http.StatusOK, ResetResponse{Status: "ok", Deleted: deleted})
}
