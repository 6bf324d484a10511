package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kestrelsec/kestrel/pkg/scan"
	"github.com/kestrelsec/kestrel/pkg/toolbox"
)

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error struct {
		Kind    string `json:"kind"`
		Message string `json:"message"`
	} `json:"error"`
}

func (s *Server) handleCreateScan(w http.ResponseWriter, r *http.Request) {
	var req scan.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, &scan.RequestError{
			Kind:    scan.ErrKindValidation,
			Message: "request body is not valid JSON: " + err.Error(),
		})
		return
	}

	created, err := s.ctrl.CreateScan(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, created)
}

func (s *Server) handleListScans(w http.ResponseWriter, r *http.Request) {
	scans, err := s.ctrl.List(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"scans": scans})
}

func (s *Server) handleGetScan(w http.ResponseWriter, r *http.Request) {
	got, err := s.ctrl.Get(r.Context(), chi.URLParam(r, "scanID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, got)
}

func (s *Server) handleCancelScan(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "scanID")
	status, err := s.ctrl.Cancel(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"id":     id,
		"status": status,
	})
}

func (s *Server) handleScanSteps(w http.ResponseWriter, r *http.Request) {
	steps, err := s.ctrl.Steps(r.Context(), chi.URLParam(r, "scanID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"steps": steps})
}

func (s *Server) handleScanFindings(w http.ResponseWriter, r *http.Request) {
	found, err := s.ctrl.Findings(r.Context(), chi.URLParam(r, "scanID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"findings": found})
}

func (s *Server) handleTools(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"tools":          s.toolbox.Catalog(),
		"finding_schema": toolbox.FindingSchema(),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"time":   time.Now().UTC(),
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("failed to encode response", "error", err)
	}
}

// writeError maps RequestError kinds to HTTP statuses; anything else is
// a 500.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	var reqErr *scan.RequestError
	if !errors.As(err, &reqErr) {
		reqErr = &scan.RequestError{Kind: scan.ErrKindInternal, Message: err.Error()}
	}

	status := http.StatusInternalServerError
	switch reqErr.Kind {
	case scan.ErrKindValidation:
		status = http.StatusBadRequest
	case scan.ErrKindNotFound:
		status = http.StatusNotFound
	case scan.ErrKindProvider:
		status = http.StatusBadGateway
	case scan.ErrKindTimeout:
		status = http.StatusGatewayTimeout
	}

	var body errorBody
	body.Error.Kind = reqErr.Kind
	body.Error.Message = reqErr.Message
	s.writeJSON(w, status, body)
}
