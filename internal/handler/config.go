package handler

import (
	"context"
	"net/http"
	"sync"

	"github.com/convo/internal/config"
	"github.com/convo/internal/logger"
)

// PublicKeySource yields the VAPID public key of the push service.
type PublicKeySource interface {
	Enabled() bool
	PublicKey(ctx context.Context) (string, error)
}

// ConfigHandler serves the public part of the configuration.
type ConfigHandler struct {
	cfg  *config.Config
	push PublicKeySource

	mu        sync.Mutex
	publicKey string
}

func NewConfigHandler(cfg *config.Config, push PublicKeySource) *ConfigHandler {
	return &ConfigHandler{cfg: cfg, push: push, publicKey: cfg.PushVAPIDPublicKey}
}

// vapidPublicKey returns the configured key, or asks the push service once it
// has answered successfully.
func (h *ConfigHandler) vapidPublicKey(ctx context.Context) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.publicKey != "" || h.push == nil || !h.push.Enabled() {
		return h.publicKey
	}
	key, err := h.push.PublicKey(ctx)
	if err != nil {
		logger.Warnf("config: vapid public key: %v", err)
		return ""
	}
	h.publicKey = key
	return key
}

// GetPushConfig returns the VAPID public key when push is enabled.
func (h *ConfigHandler) GetPushConfig(w http.ResponseWriter, r *http.Request) {
	key := ""
	if h.cfg.PushServiceURL != "" {
		key = h.vapidPublicKey(r.Context())
	}
	if key == "" {
		writeJSON(w, http.StatusOK, map[string]any{"enabled": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"enabled":          true,
		"vapid_public_key": key,
	})
}

// GetClientConfig exposes the limits clients need for validation and paging.
func (h *ConfigHandler) GetClientConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int{
		"maxContentLength": h.cfg.Chat.MaxContentLength,
		"historyLimit":     h.cfg.Chat.HistoryLimit,
		"typingTtlSeconds": int(h.cfg.Chat.TypingTTL.Seconds()),
	})
}
