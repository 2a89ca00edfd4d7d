package handler

import (
	"net/http"

	"github.com/convo/internal/ws"
)

// InternalHandler serves service-to-service endpoints behind InternalOnly.
type InternalHandler struct {
	hub *ws.Hub
}

func NewInternalHandler(hub *ws.Hub) *InternalHandler {
	return &InternalHandler{hub: hub}
}

func (h *InternalHandler) Stats(w http.ResponseWriter, r *http.Request) {
	conns, users := h.hub.Stats()
	writeJSON(w, http.StatusOK, map[string]int{"connections": conns, "users": users})
}
