package api

import (
	"io"
	"net/http"

	"github.com/odvcencio/threadline/pkg/conversation"
	apperrors "github.com/odvcencio/threadline/pkg/errors"
)

func (s *Server) requireHistory(w http.ResponseWriter) bool {
	if s.history == nil {
		respondJSON(w, http.StatusServiceUnavailable, errorBody{
			Error:  "history is not configured",
			Status: http.StatusServiceUnavailable,
		})
		return false
	}
	return true
}

func (s *Server) handleListHistory(w http.ResponseWriter, r *http.Request) {
	if !s.requireHistory(w) {
		return
	}
	summaries, err := s.history.List(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"threads": summaries})
}

func (s *Server) handleGetHistory(w http.ResponseWriter, r *http.Request) {
	if !s.requireHistory(w) {
		return
	}
	t, err := s.history.Load(r.Context(), threadID(r))
	if err != nil {
		respondError(w, err)
		return
	}
	if r.URL.Query().Get("format") != "" {
		writeExport(w, r, t)
		return
	}
	respondJSON(w, http.StatusOK, t)
}

func (s *Server) handleDeleteHistory(w http.ResponseWriter, r *http.Request) {
	if !s.requireHistory(w) {
		return
	}
	if err := s.history.Delete(r.Context(), threadID(r)); err != nil {
		respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleRestoreHistory makes a stored thread the active one. A thread that
// is still open in the arena is activated as-is.
func (s *Server) handleRestoreHistory(w http.ResponseWriter, r *http.Request) {
	if !s.requireHistory(w) {
		return
	}
	t, err := s.history.Load(r.Context(), threadID(r))
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, s.view(s.orch.RestoreChat(t)))
}

// handleRollbackHistory resets a stored thread to the log sent with its
// last request.
func (s *Server) handleRollbackHistory(w http.ResponseWriter, r *http.Request) {
	if !s.requireHistory(w) {
		return
	}
	t, err := s.history.Rollback(r.Context(), threadID(r))
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, t)
}

// handleImportHistory stores a thread exported as JSON. With ?restore=true
// it is activated as well.
func (s *Server) handleImportHistory(w http.ResponseWriter, r *http.Request) {
	if !s.requireHistory(w) {
		return
	}
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	if err != nil {
		respondError(w, apperrors.Wrap(err, apperrors.ErrCodeInvalidInput, "reading request body"))
		return
	}
	t, err := conversation.ImportJSON(data)
	if err != nil {
		respondError(w, apperrors.Wrap(err, apperrors.ErrCodeInvalidInput, "invalid thread export"))
		return
	}
	if err := s.history.Save(r.Context(), t); err != nil {
		respondError(w, err)
		return
	}
	if r.URL.Query().Get("restore") == "true" {
		respondJSON(w, http.StatusCreated, s.view(s.orch.RestoreChat(t)))
		return
	}
	respondJSON(w, http.StatusCreated, t.Summarize())
}
