package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/convo/internal/chat"
	"github.com/convo/internal/config"
	"github.com/convo/internal/middleware"
	"github.com/convo/internal/model"
)

type ConversationHandler struct {
	engine *chat.Engine
	cfg    config.ChatConfig
}

func NewConversationHandler(engine *chat.Engine, cfg config.ChatConfig) *ConversationHandler {
	return &ConversationHandler{engine: engine, cfg: cfg}
}

type conversationsResponse struct {
	Conversations []model.ConversationWithUnread `json:"conversations"`
	HasMore       bool                           `json:"hasMore"`
}

// ListConversations returns the caller's active conversations, most recent first.
func (h *ConversationHandler) ListConversations(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	limit := clamp(queryInt(r, "limit", h.cfg.HistoryLimit), 1, h.cfg.HistoryMaxLimit)
	offset := queryInt(r, "offset", 0)
	if offset < 0 {
		offset = 0
	}
	list, err := h.engine.ListConversations(r.Context(), userID, limit, offset)
	if err != nil {
		writeChatError(w, err)
		return
	}
	if list == nil {
		list = []model.ConversationWithUnread{}
	}
	writeJSON(w, http.StatusOK, conversationsResponse{Conversations: list, HasMore: len(list) == limit})
}

type messagesResponse struct {
	Messages []model.Message `json:"messages"`
	HasMore  bool            `json:"hasMore"`
}

func parseCursor(r *http.Request, key string) (*time.Time, bool) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return nil, true
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return nil, false
	}
	return &t, true
}

// GetMessages pages history with exclusive before/after cursors (RFC 3339).
func (h *ConversationHandler) GetMessages(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	convID := chi.URLParam(r, "id")

	before, ok := parseCursor(r, "before")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid before")
		return
	}
	after, ok := parseCursor(r, "after")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid after")
		return
	}
	limit := clamp(queryInt(r, "limit", h.cfg.HistoryLimit), 1, h.cfg.HistoryMaxLimit)

	msgs, err := h.engine.History(r.Context(), userID, convID, model.HistoryQuery{Limit: limit, Before: before, After: after})
	if err != nil {
		writeChatError(w, err)
		return
	}
	if msgs == nil {
		msgs = []model.Message{}
	}
	writeJSON(w, http.StatusOK, messagesResponse{Messages: msgs, HasMore: len(msgs) == limit})
}

func (h *ConversationHandler) GetUnread(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	convID := chi.URLParam(r, "id")
	n, err := h.engine.UnreadCount(r.Context(), userID, convID)
	if err != nil {
		writeChatError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversationId": convID, "unreadCount": n})
}

func (h *ConversationHandler) GetTyping(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	convID := chi.URLParam(r, "id")
	list, err := h.engine.TypingUsers(r.Context(), userID, convID)
	if err != nil {
		writeChatError(w, err)
		return
	}
	if list == nil {
		list = []model.Typing{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversationId": convID, "typing": list})
}
