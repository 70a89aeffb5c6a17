package rest

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/pyamooz/pyamooz-chat/internal/audit"
	"github.com/pyamooz/pyamooz-chat/internal/auth"
	"github.com/pyamooz/pyamooz-chat/internal/db"
)

// loadConversation fetches the path conversation and checks the caller may
// see it. It writes the error response itself and returns nil on failure.
// Conversations of other callers are reported as missing.
func (h *Handler) loadConversation(w http.ResponseWriter, r *http.Request) *db.ConversationRecord {
	id, ok := pathID(r)
	if !ok {
		respondError(w, http.StatusBadRequest, "Invalid conversation id")
		return nil
	}
	conv, err := h.store.GetConversation(r.Context(), id)
	if errors.Is(err, db.ErrNotFound) {
		respondError(w, http.StatusNotFound, "Conversation not found")
		return nil
	}
	if err != nil {
		h.internalError(w, r, "get_conversation", err)
		return nil
	}
	if !auth.IdentityFromContext(r.Context()).CanAccess(conv.OwnerID, conv.GuestSession) {
		respondError(w, http.StatusNotFound, "Conversation not found")
		return nil
	}
	return conv
}

// ListConversations handles GET /conversations
func (h *Handler) ListConversations(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := page(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	id := auth.IdentityFromContext(r.Context())
	convs, err := h.store.ListConversations(r.Context(), id.UserID, id.GuestSession, limit, offset)
	if err != nil {
		h.internalError(w, r, "list_conversations", err)
		return
	}
	if convs == nil {
		convs = []*db.ConversationRecord{}
	}
	respondJSON(w, http.StatusOK, convs)
}

// GetConversation handles GET /conversations/{id}
func (h *Handler) GetConversation(w http.ResponseWriter, r *http.Request) {
	if conv := h.loadConversation(w, r); conv != nil {
		respondJSON(w, http.StatusOK, conv)
	}
}

// RenameConversation handles PATCH /conversations/{id}
func (h *Handler) RenameConversation(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Title string `json:"title"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	title := strings.Join(strings.Fields(req.Title), " ")
	if title == "" {
		respondError(w, http.StatusBadRequest, "title is required")
		return
	}
	if utf8.RuneCountInString(title) > maxTitleRunes {
		respondError(w, http.StatusBadRequest, "title is too long")
		return
	}

	conv := h.loadConversation(w, r)
	if conv == nil {
		return
	}
	if err := h.store.RenameConversation(r.Context(), conv.ID, title); err != nil {
		h.internalError(w, r, "rename_conversation", err)
		return
	}
	id := auth.IdentityFromContext(r.Context())
	_ = h.audit.Log(r.Context(), audit.NewEvent(audit.EventConversationRenamed).
		WithUser(id.UserID, id.GuestSession).
		WithSourceIP(auth.ClientIP(r)).
		WithConversation(conv.ID).
		WithResult(audit.ResultSuccess))

	conv.Title = title
	respondJSON(w, http.StatusOK, conv)
}

// DeleteConversation handles DELETE /conversations/{id}
func (h *Handler) DeleteConversation(w http.ResponseWriter, r *http.Request) {
	conv := h.loadConversation(w, r)
	if conv == nil {
		return
	}
	if err := h.store.DeleteConversation(r.Context(), conv.ID); err != nil && !errors.Is(err, db.ErrNotFound) {
		h.internalError(w, r, "delete_conversation", err)
		return
	}
	id := auth.IdentityFromContext(r.Context())
	_ = h.audit.Log(r.Context(), audit.NewEvent(audit.EventConversationDeleted).
		WithUser(id.UserID, id.GuestSession).
		WithSourceIP(auth.ClientIP(r)).
		WithConversation(conv.ID).
		WithResult(audit.ResultSuccess))
	w.WriteHeader(http.StatusNoContent)
}

// ListMessages handles GET /conversations/{id}/messages
func (h *Handler) ListMessages(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := page(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	conv := h.loadConversation(w, r)
	if conv == nil {
		return
	}
	msgs, err := h.store.ListMessages(r.Context(), conv.ID, limit, offset)
	if err != nil {
		h.internalError(w, r, "list_messages", err)
		return
	}
	if msgs == nil {
		msgs = []*db.MessageRecord{}
	}
	respondJSON(w, http.StatusOK, msgs)
}
