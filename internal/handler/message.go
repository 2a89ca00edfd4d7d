package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/convo/internal/chat"
	"github.com/convo/internal/middleware"
	"github.com/convo/internal/model"
)

type MessageHandler struct {
	engine *chat.Engine
}

func NewMessageHandler(engine *chat.Engine) *MessageHandler {
	return &MessageHandler{engine: engine}
}

// GetEdits returns the edit history of a message, oldest first.
func (h *MessageHandler) GetEdits(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	edits, err := h.engine.Edits(r.Context(), userID, chi.URLParam(r, "id"))
	if err != nil {
		writeChatError(w, err)
		return
	}
	if edits == nil {
		edits = []model.MessageEdit{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"edits": edits})
}

func (h *MessageHandler) GetReceipts(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	receipts, err := h.engine.Receipts(r.Context(), userID, chi.URLParam(r, "id"))
	if err != nil {
		writeChatError(w, err)
		return
	}
	if receipts == nil {
		receipts = []model.ReadReceipt{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"receipts": receipts})
}
