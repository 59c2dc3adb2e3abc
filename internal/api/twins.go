package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// createTwinRequest is the body of POST /twins.
type createTwinRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// addMemberRequest is the body of POST /twins/{id}/members.
type addMemberRequest struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// addServiceRequest is the body of POST /twins/{id}/services.
type addServiceRequest struct {
	Name string `json:"name"`
}

// requireTwins answers 503 when no twin runtime is configured.
func (s *Server) requireTwins(w http.ResponseWriter) bool {
	if s.twins == nil {
		writeUnavailable(w, "digital twin runtime is not configured")
		return false
	}
	return true
}

// handleListTwins returns every digital twin.
func (s *Server) handleListTwins(w http.ResponseWriter, r *http.Request) {
	if !s.requireTwins(w) {
		return
	}
	twins, err := s.twins.List(r.Context())
	if err != nil {
		s.writeDomainError(w, err, "failed to list digital twins")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"twins":    twins,
		"count":    len(twins),
		"services": s.twins.Services().Names(),
	})
}

// handleCreateTwin creates an empty digital twin.
func (s *Server) handleCreateTwin(w http.ResponseWriter, r *http.Request) {
	if !s.requireTwins(w) {
		return
	}

	var req createTwinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	ctx := r.Context()
	id, err := s.twins.CreateTwin(ctx, req.Name, req.Description)
	if err != nil {
		s.writeDomainError(w, err, "failed to create digital twin")
		return
	}
	s.writeTwin(w, r, id, http.StatusCreated)
}

// handleGetTwin returns a single digital twin.
func (s *Server) handleGetTwin(w http.ResponseWriter, r *http.Request) {
	if !s.requireTwins(w) {
		return
	}
	s.writeTwin(w, r, chi.URLParam(r, "id"), http.StatusOK)
}

// handleAddMember adds a replica reference to a twin.
func (s *Server) handleAddMember(w http.ResponseWriter, r *http.Request) {
	if !s.requireTwins(w) {
		return
	}

	var req addMemberRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	id := chi.URLParam(r, "id")
	if err := s.twins.AddMember(r.Context(), id, req.Type, req.ID); err != nil {
		s.writeDomainError(w, err, "failed to add member")
		return
	}
	if s.hub != nil {
		s.hub.AddTwinMember(id, req.Type, req.ID)
	}
	s.writeTwin(w, r, id, http.StatusOK)
}

// handleAddService makes a service invocable on a twin.
func (s *Server) handleAddService(w http.ResponseWriter, r *http.Request) {
	if !s.requireTwins(w) {
		return
	}

	var req addServiceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	id := chi.URLParam(r, "id")
	if err := s.twins.AddService(r.Context(), id, req.Name); err != nil {
		s.writeDomainError(w, err, "failed to add service")
		return
	}
	s.writeTwin(w, r, id, http.StatusOK)
}

// handleInvokeService runs a service on a twin. The body, if any, is the
// parameter object passed to the service.
func (s *Server) handleInvokeService(w http.ResponseWriter, r *http.Request) {
	if !s.requireTwins(w) {
		return
	}

	params := map[string]any{}
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil && !errors.Is(err, io.EOF) {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	id, name := chi.URLParam(r, "id"), chi.URLParam(r, "name")
	result, err := s.twins.Invoke(r.Context(), id, name, params)
	if err != nil {
		s.writeDomainError(w, err, "service invocation failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"digital_twin": id,
		"service":      name,
		"result":       result,
	})
}

// writeTwin loads a twin and writes it with the given status.
func (s *Server) writeTwin(w http.ResponseWriter, r *http.Request, id string, status int) {
	dt, err := s.twins.Get(r.Context(), id)
	if err != nil {
		s.writeDomainError(w, err, "failed to get digital twin")
		return
	}
	writeJSON(w, status, dt)
}
