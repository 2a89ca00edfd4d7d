package handler

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/convo/internal/chat"
	"github.com/convo/internal/logger"
)

type errorResponse struct {
	Error string    `json:"error"`
	Code  chat.Code `json:"code,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Errorf("writeJSON encode: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

var statusByCode = map[chat.Code]int{
	chat.CodeUnauthorized: http.StatusUnauthorized,
	chat.CodeForbidden:    http.StatusForbidden,
	chat.CodeNotFound:     http.StatusNotFound,
	chat.CodeBadRequest:   http.StatusBadRequest,
	chat.CodeInternal:     http.StatusInternalServerError,
}

// writeChatError maps an engine error onto its HTTP status.
func writeChatError(w http.ResponseWriter, err error) {
	e := chat.AsError(err)
	status, ok := statusByCode[e.Code]
	if !ok {
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, errorResponse{Error: e.Message, Code: e.Code})
}

func queryInt(r *http.Request, key string, defaultVal int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return n
}

func clamp(n, lo, hi int) int {
	if n < lo {
		return lo
	}
	if n > hi {
		return hi
	}
	return n
}
