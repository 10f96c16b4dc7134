package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/convoflow/convoflow/flow"
	"github.com/convoflow/convoflow/flowstore"
)

// flowRequest carries an authoring request: a name plus the full flow
// definition.
type flowRequest struct {
	Name       string          `json:"name"`
	Definition json.RawMessage `json:"definition"`
}

// decodeFlowRequest parses and validates the submitted definition. The
// repository never stores a flow that fails validation.
func decodeFlowRequest(r *http.Request) (string, *flow.Config, error) {
	var req flowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return "", nil, fmt.Errorf("decode request: %w", err)
	}
	if len(req.Definition) == 0 {
		return "", nil, errors.New("definition is required")
	}
	cfg, err := flow.ParseJSON(req.Definition)
	if err != nil {
		return "", nil, err
	}
	if res := flow.Validate(cfg); !res.Valid() {
		return "", nil, res.Err()
	}
	name := req.Name
	if name == "" {
		name = cfg.Meta.Name
	}
	if name == "" {
		return "", nil, errors.New("name is required")
	}
	return name, cfg, nil
}

func (s *Server) handleListFlows(w http.ResponseWriter, r *http.Request) {
	recs, err := s.flows.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if recs == nil {
		recs = []*flowstore.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"flows": recs})
}

func (s *Server) handleCreateFlow(w http.ResponseWriter, r *http.Request) {
	name, cfg, err := decodeFlowRequest(r)
	if errors.Is(err, flow.ErrInvalid) {
		writeError(w, http.StatusUnprocessableEntity, err)
		return
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	rec, err := s.flows.Create(r.Context(), name, cfg)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleGetFlow(w http.ResponseWriter, r *http.Request) {
	rec, err := s.flows.Get(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, flowstore.ErrNotFound) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleUpdateFlow(w http.ResponseWriter, r *http.Request) {
	name, cfg, err := decodeFlowRequest(r)
	if errors.Is(err, flow.ErrInvalid) {
		writeError(w, http.StatusUnprocessableEntity, err)
		return
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	_ = name // the record keeps its original name across versions
	rec, err := s.flows.Update(r.Context(), chi.URLParam(r, "id"), cfg)
	if errors.Is(err, flowstore.ErrNotFound) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleDeleteFlow(w http.ResponseWriter, r *http.Request) {
	err := s.flows.Delete(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, flowstore.ErrNotFound) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePublishFlow(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Version int `json:"version"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	if req.Version <= 0 {
		writeError(w, http.StatusBadRequest, errors.New("version must be positive"))
		return
	}
	rec, err := s.flows.Publish(r.Context(), chi.URLParam(r, "id"), req.Version)
	if errors.Is(err, flowstore.ErrNotFound) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleFlowVersions(w http.ResponseWriter, r *http.Request) {
	versions, err := s.flows.Versions(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, flowstore.ErrNotFound) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"versions": versions})
}

// handleValidateFlow checks a definition without storing it. The response
// always reports 200 with the findings; only malformed JSON is a 400.
func (s *Server) handleValidateFlow(w http.ResponseWriter, r *http.Request) {
	var req flowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	raw := req.Definition
	if len(raw) == 0 {
		writeError(w, http.StatusBadRequest, errors.New("definition is required"))
		return
	}
	cfg, err := flow.ParseJSON(raw)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"valid": false, "errors": []string{err.Error()}})
		return
	}
	res := flow.Validate(cfg)
	writeJSON(w, http.StatusOK, map[string]any{
		"valid":    res.Valid(),
		"errors":   res.Errors,
		"warnings": res.Warnings,
	})
}
