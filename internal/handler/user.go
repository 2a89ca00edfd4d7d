package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/convo/internal/chat"
	"github.com/convo/internal/middleware"
)

type UserHandler struct {
	engine *chat.Engine
}

func NewUserHandler(engine *chat.Engine) *UserHandler {
	return &UserHandler{engine: engine}
}

func (h *UserHandler) GetProfile(w http.ResponseWriter, r *http.Request) {
	h.writeUser(w, r, middleware.GetUserID(r.Context()))
}

func (h *UserHandler) GetUser(w http.ResponseWriter, r *http.Request) {
	h.writeUser(w, r, chi.URLParam(r, "id"))
}

func (h *UserHandler) writeUser(w http.ResponseWriter, r *http.Request, id string) {
	user, err := h.engine.User(r.Context(), id)
	if err != nil {
		writeChatError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// GetPresence lists users with at least one live connection on this node.
func (h *UserHandler) GetPresence(w http.ResponseWriter, r *http.Request) {
	ids := h.engine.OnlineUserIDs()
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"online": ids})
}
