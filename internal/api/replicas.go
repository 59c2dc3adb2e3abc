package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/replica-core/internal/ingest"
	"github.com/nerrad567/replica-core/internal/store"
)

// immutableFields cannot be changed through PATCH.
var immutableFields = []string{"_id", "id", "type"}

// editableMetadata lists the metadata keys clients may change. The rest
// belongs to the store.
var editableMetadata = map[string]bool{"privacy_level": true}

// checkMetadataChanges rejects PATCH bodies that touch store-owned
// metadata, written either as a nested object or as a dotted key.
func checkMetadataChanges(changes store.Document) string {
	for key, value := range changes {
		if key == "metadata" {
			obj, ok := value.(map[string]any)
			if !ok {
				return "metadata must be an object"
			}
			for sub := range obj {
				if !editableMetadata[sub] {
					return "metadata." + sub + " cannot be changed"
				}
			}
			continue
		}
		if sub, ok := strings.CutPrefix(key, "metadata."); ok && !editableMetadata[sub] {
			return key + " cannot be changed"
		}
	}
	return ""
}

// requireType answers 404 for record types without a loaded schema.
func (s *Server) requireType(w http.ResponseWriter, r *http.Request) (string, bool) {
	recordType := chi.URLParam(r, "type")
	if !s.schemas.Has(recordType) {
		writeNotFound(w, "unknown record type: "+recordType)
		return "", false
	}
	return recordType, true
}

// handleListReplicas returns the replicas of a type, oldest first.
//
// Query parameters:
//   - status: filter by data.status
//   - floor: filter by profile.floor (integer)
func (s *Server) handleListReplicas(w http.ResponseWriter, r *http.Request) {
	recordType, ok := s.requireType(w, r)
	if !ok {
		return
	}

	filter := store.Filter{}
	if status := r.URL.Query().Get("status"); status != "" {
		filter["data.status"] = status
	}
	if floorStr := r.URL.Query().Get("floor"); floorStr != "" {
		floor, err := strconv.Atoi(floorStr)
		if err != nil {
			writeBadRequest(w, "floor must be an integer")
			return
		}
		filter["profile.floor"] = float64(floor)
	}

	docs, err := s.store.Query(r.Context(), recordType, filter)
	if err != nil {
		s.writeDomainError(w, err, "failed to list replicas")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"replicas": docs, "count": len(docs)})
}

// handleCreateReplica validates the body through the replica factory and
// saves the result.
func (s *Server) handleCreateReplica(w http.ResponseWriter, r *http.Request) {
	recordType, ok := s.requireType(w, r)
	if !ok {
		return
	}

	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body == nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	dr, err := s.factory.Create(recordType, body)
	if err != nil {
		s.writeDomainError(w, err, "failed to create replica")
		return
	}
	doc := dr.Document()
	id, err := s.store.Save(r.Context(), recordType, doc)
	if err != nil {
		s.writeDomainError(w, err, "failed to save replica")
		return
	}

	s.logger.Info("replica created", "type", recordType, "id", id)
	s.broadcast(EventReplicaCreated, doc)
	writeJSON(w, http.StatusCreated, doc)
}

// handleGetReplica returns a single replica by ID.
func (s *Server) handleGetReplica(w http.ResponseWriter, r *http.Request) {
	recordType, ok := s.requireType(w, r)
	if !ok {
		return
	}

	doc, err := s.store.Get(r.Context(), recordType, chi.URLParam(r, "id"))
	if err != nil {
		s.writeDomainError(w, err, "failed to get replica")
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

// handleUpdateReplica merges the body into a stored replica. Top-level
// objects are merged one key deep, so {"data": {"status": "x"}} leaves the
// rest of data untouched.
func (s *Server) handleUpdateReplica(w http.ResponseWriter, r *http.Request) {
	recordType, ok := s.requireType(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")

	var changes store.Document
	if err := json.NewDecoder(r.Body).Decode(&changes); err != nil || len(changes) == 0 {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	for _, field := range immutableFields {
		if _, present := changes[field]; present {
			writeBadRequest(w, field+" cannot be changed")
			return
		}
	}
	if msg := checkMetadataChanges(changes); msg != "" {
		writeBadRequest(w, msg)
		return
	}

	ctx := r.Context()
	if err := s.store.Update(ctx, recordType, id, changes); err != nil {
		s.writeDomainError(w, err, "failed to update replica")
		return
	}
	doc, err := s.store.Get(ctx, recordType, id)
	if err != nil {
		s.writeDomainError(w, err, "failed to get replica")
		return
	}

	s.broadcast(EventReplicaUpdated, doc)
	writeJSON(w, http.StatusOK, doc)
}

// handleDeleteReplica removes a replica by ID.
func (s *Server) handleDeleteReplica(w http.ResponseWriter, r *http.Request) {
	recordType, ok := s.requireType(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")

	if s.recorder != nil && recordType == s.recorder.Types().Room {
		room, err := s.store.Get(r.Context(), recordType, id)
		if err != nil {
			s.writeDomainError(w, err, "failed to get replica")
			return
		}
		if ingest.Occupied(room) {
			s.writeDomainError(w, fmt.Errorf("%w: remove all bottles and devices from %s first", ingest.ErrRoomOccupied, id), "failed to delete replica")
			return
		}
	}

	if err := s.store.Delete(r.Context(), recordType, id); err != nil {
		s.writeDomainError(w, err, "failed to delete replica")
		return
	}

	s.logger.Info("replica deleted", "type", recordType, "id", id)
	s.broadcast(EventReplicaDeleted, map[string]any{"type": recordType, "_id": id})
	w.WriteHeader(http.StatusNoContent)
}

// measurementRequest is the body of POST .../measurements. Value is a
// number, or an RFID tag string for rfid reads on rooms.
type measurementRequest struct {
	MeasureType string     `json:"measure_type"`
	Value       any        `json:"value"`
	DeviceID    string     `json:"device_id"`
	Timestamp   *time.Time `json:"timestamp"`
}

// handleAppendMeasurement appends one reading to a replica's
// data.measurements. An rfid read on a room carrying a tag string moves
// the tagged bottle into that room and answers with the relocation.
func (s *Server) handleAppendMeasurement(w http.ResponseWriter, r *http.Request) {
	recordType, ok := s.requireType(w, r)
	if !ok {
		return
	}
	if s.recorder == nil {
		writeUnavailable(w, "measurement recording is not configured")
		return
	}

	var req measurementRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.MeasureType == "" || req.Value == nil {
		writeBadRequest(w, "measure_type and value are required")
		return
	}

	id := chi.URLParam(r, "id")
	if tag, isTag := req.Value.(string); isTag && req.MeasureType == ingest.MeasureRFID && recordType == s.recorder.Types().Room {
		moved, err := s.recorder.RelocateBottle(r.Context(), id, tag)
		if err != nil {
			s.writeDomainError(w, err, "failed to relocate bottle")
			return
		}
		writeJSON(w, http.StatusOK, moved)
		return
	}
	value, isNum := req.Value.(float64)
	if !isNum {
		writeBadRequest(w, "value must be a number")
		return
	}

	m := ingest.Measurement{MeasureType: req.MeasureType, Value: value, DeviceID: req.DeviceID}
	if req.Timestamp != nil {
		m.Timestamp = *req.Timestamp
	}
	if err := s.recorder.RecordMeasurement(r.Context(), recordType, id, m); err != nil {
		s.writeDomainError(w, err, "failed to record measurement")
		return
	}
	w.WriteHeader(http.StatusCreated)
}

// roomAccessRequest is the body of POST /rooms/{id}/access.
type roomAccessRequest struct {
	RFIDTag    string `json:"rfid_tag"`
	AccessType string `json:"access_type"`
}

// handleRoomAccess records an access to a room by the actor carrying the
// given RFID tag, exactly as the ingestion pipeline does for badge reads.
func (s *Server) handleRoomAccess(w http.ResponseWriter, r *http.Request) {
	if s.recorder == nil {
		writeUnavailable(w, "access recording is not configured")
		return
	}

	var req roomAccessRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.RFIDTag == "" {
		writeBadRequest(w, "rfid_tag is required")
		return
	}

	event, err := s.recorder.RecordAccess(r.Context(), chi.URLParam(r, "id"), req.RFIDTag, req.AccessType)
	if err != nil {
		s.writeDomainError(w, err, "failed to record access")
		return
	}
	writeJSON(w, http.StatusOK, event)
}

// broadcast publishes an event to WebSocket clients when the hub runs.
func (s *Server) broadcast(channel string, payload any) {
	if s.hub != nil {
		s.hub.Broadcast(channel, payload)
	}
}
