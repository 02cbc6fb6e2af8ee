package api

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/odvcencio/threadline/pkg/approval"
	"github.com/odvcencio/threadline/pkg/conversation"
	apperrors "github.com/odvcencio/threadline/pkg/errors"
	"github.com/odvcencio/threadline/pkg/thread"
	"github.com/odvcencio/threadline/pkg/tool"
)

// threadView is a thread state with its derived phase.
type threadView struct {
	thread.State
	Phase  thread.Phase `json:"phase"`
	Active bool         `json:"active"`
}

func (s *Server) view(st thread.State) threadView {
	return threadView{State: st, Phase: st.Phase(), Active: st.Thread.ID == s.orch.Store().ActiveID()}
}

func threadID(r *http.Request) string {
	return strings.TrimSpace(chi.URLParam(r, "threadID"))
}

func notFound(id string) error {
	return apperrors.New(apperrors.ErrCodeThreadNotFound, "thread not found").WithContext("thread_id", id)
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.orch.Snapshot())
}

type settingsRequest struct {
	ToolUse      *string `json:"tool_use,omitempty"`
	Model        *string `json:"model,omitempty"`
	SystemPrompt *string `json:"system_prompt,omitempty"`
}

func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	var req settingsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, err)
		return
	}
	if req.ToolUse != nil {
		if err := s.orch.SetToolUse(tool.Mode(*req.ToolUse)); err != nil {
			respondError(w, err)
			return
		}
	}
	if req.Model != nil {
		s.orch.SetModel(strings.TrimSpace(*req.Model))
	}
	if req.SystemPrompt != nil {
		s.orch.SetSystemPrompt(*req.SystemPrompt)
	}
	s.handleSession(w, r)
}

func (s *Server) handleNewThread(w http.ResponseWriter, r *http.Request) {
	st := s.orch.NewChat()
	respondJSON(w, http.StatusCreated, s.view(st))
}

func (s *Server) handleGetThread(w http.ResponseWriter, r *http.Request) {
	id := threadID(r)
	st, ok := s.orch.Store().Get(id)
	if !ok {
		respondError(w, notFound(id))
		return
	}
	respondJSON(w, http.StatusOK, s.view(st))
}

func (s *Server) handleEvictThread(w http.ResponseWriter, r *http.Request) {
	if err := s.orch.Evict(r.Context(), threadID(r)); err != nil {
		respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type submitRequest struct {
	Content string `json:"content"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, err)
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		badRequest(w, "content is required")
		return
	}
	s.accepted(w, threadID(r), s.orch.Submit(r.Context(), threadID(r), req.Content))
}

type messagesRequest struct {
	Messages conversation.Messages `json:"messages"`
}

func (s *Server) handleSendMessages(w http.ResponseWriter, r *http.Request) {
	var req messagesRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, err)
		return
	}
	if len(req.Messages) == 0 {
		badRequest(w, "messages are required")
		return
	}
	s.accepted(w, threadID(r), s.orch.SendMessages(r.Context(), threadID(r), req.Messages))
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	var req messagesRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, err)
		return
	}
	s.accepted(w, threadID(r), s.orch.Retry(r.Context(), threadID(r), req.Messages))
}

func (s *Server) handleAbort(w http.ResponseWriter, r *http.Request) {
	id := threadID(r)
	if _, ok := s.orch.Store().Get(id); !ok {
		respondError(w, notFound(id))
		return
	}
	respondJSON(w, http.StatusOK, map[string]bool{"aborted": s.orch.Abort(id)})
}

func (s *Server) handleEnableSend(w http.ResponseWriter, r *http.Request) {
	id := threadID(r)
	if err := s.orch.EnableSend(id); err != nil {
		respondError(w, err)
		return
	}
	s.handleGetThread(w, r)
}

type pauseView struct {
	approval.Summary
	ToolCallIDs []string `json:"tool_call_ids"`
	PatchOnly   bool     `json:"patch_only"`
	CanConfirm  bool     `json:"can_confirm"`
	Text        string   `json:"text"`
}

func (s *Server) handlePauseSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := s.orch.PauseSummary(threadID(r))
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, pauseView{
		Summary:     summary,
		ToolCallIDs: summary.ToolCallIDs(),
		PatchOnly:   summary.PatchOnly(),
		CanConfirm:  summary.CanConfirm(),
		Text:        summary.Text(),
	})
}

func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	s.accepted(w, threadID(r), s.orch.ConfirmToolUsage(r.Context(), threadID(r)))
}

type rejectRequest struct {
	ToolCallIDs []string `json:"tool_call_ids"`
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	var req rejectRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, err)
		return
	}
	s.accepted(w, threadID(r), s.orch.RejectToolUsage(r.Context(), threadID(r), req.ToolCallIDs))
}

type patchRequest struct {
	Choice string `json:"choice"`
}

func (s *Server) handlePatchChoice(w http.ResponseWriter, r *http.Request) {
	var req patchRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, err)
		return
	}
	choice, err := approval.ParsePatchChoice(req.Choice)
	if err != nil {
		respondError(w, apperrors.Wrap(err, apperrors.ErrCodeInvalidInput, "invalid patch choice"))
		return
	}
	s.accepted(w, threadID(r), s.orch.ConfirmPatch(r.Context(), threadID(r), choice))
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	id := threadID(r)
	st, ok := s.orch.Store().Get(id)
	if !ok {
		respondError(w, notFound(id))
		return
	}
	writeExport(w, r, st.Thread)
}

func writeExport(w http.ResponseWriter, r *http.Request, t conversation.Thread) {
	q := r.URL.Query()
	format, err := conversation.ParseExportFormat(q.Get("format"))
	if err != nil {
		respondError(w, apperrors.Wrap(err, apperrors.ErrCodeInvalidInput, "invalid export format"))
		return
	}
	data, err := conversation.Export(t, conversation.ExportOptions{
		Format:           format,
		IncludeSystem:    q.Get("system") == "true",
		IncludeToolCalls: q.Get("tools") != "false",
		IncludeContext:   q.Get("context") == "true",
	})
	if err != nil {
		respondError(w, err)
		return
	}
	if format == conversation.ExportJSON {
		w.Header().Set("Content-Type", "application/json")
	} else {
		w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// accepted answers a command that started a round. The reply streams over
// /events; the body is the thread as it stands now.
func (s *Server) accepted(w http.ResponseWriter, id string, err error) {
	if err != nil {
		respondError(w, err)
		return
	}
	st, ok := s.orch.Store().Get(id)
	if !ok {
		respondError(w, notFound(id))
		return
	}
	respondJSON(w, http.StatusAccepted, s.view(st))
}
