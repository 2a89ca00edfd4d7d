package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/convo/internal/logger"
)

// Sender delivers one encrypted payload and reports the push endpoint's status.
type Sender func(ctx context.Context, payload []byte, sub Subscription) (int, error)

// WebPushSender signs deliveries with the VAPID key pair.
func WebPushSender(keys *VAPIDKeys, subscriber string) Sender {
	opts := &webpush.Options{
		Subscriber:      subscriber,
		VAPIDPublicKey:  keys.PublicKey,
		VAPIDPrivateKey: keys.PrivateKey,
		TTL:             30,
	}
	return func(ctx context.Context, payload []byte, sub Subscription) (int, error) {
		resp, err := webpush.SendNotificationWithContext(ctx, payload, &webpush.Subscription{
			Endpoint: sub.Endpoint,
			Keys:     webpush.Keys{P256dh: sub.Keys.P256dh, Auth: sub.Keys.Auth},
		}, opts)
		if err != nil {
			return 0, err
		}
		resp.Body.Close()
		return resp.StatusCode, nil
	}
}

// Server is the push service: it stores subscriptions and fans a notification
// out to every browser a user registered. A nil Sender keeps subscriptions
// but delivers nothing.
type Server struct {
	store     SubscriptionStore
	send      Sender
	publicKey string
}

func NewServer(store SubscriptionStore, send Sender, publicKey string) *Server {
	return &Server{store: store, send: send, publicKey: publicKey}
}

// VAPIDKeys is the Web Push key pair; the public half is handed to browsers.
type VAPIDKeys struct {
	PublicKey  string `json:"publicKey"`
	PrivateKey string `json:"privateKey"`
}

const DefaultKeysFile = "config/vapid.json"

// Config is how New obtains its key pair. An explicit pair wins; otherwise
// KeysFile is read, and created with a fresh pair when it does not exist.
type Config struct {
	PublicKey  string
	PrivateKey string
	KeysFile   string
	Subscriber string
}

// New builds a server that signs deliveries with the configured key pair.
// Without usable keys the server still runs, with delivery disabled.
func New(store SubscriptionStore, cfg Config) *Server {
	keys, err := cfg.loadKeys()
	if err != nil {
		logger.Warnf("push: vapid keys unavailable, delivery disabled: %v", err)
		return NewServer(store, nil, "")
	}
	if cfg.Subscriber == "" {
		cfg.Subscriber = "convo-push"
	}
	return NewServer(store, WebPushSender(keys, cfg.Subscriber), keys.PublicKey)
}

func (c Config) loadKeys() (*VAPIDKeys, error) {
	if c.PublicKey != "" && c.PrivateKey != "" {
		return &VAPIDKeys{PublicKey: c.PublicKey, PrivateKey: c.PrivateKey}, nil
	}
	path := c.KeysFile
	if path == "" {
		path = DefaultKeysFile
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		var keys VAPIDKeys
		if err := json.Unmarshal(data, &keys); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		if keys.PublicKey == "" || keys.PrivateKey == "" {
			return nil, fmt.Errorf("%s: incomplete key pair", path)
		}
		return &keys, nil
	case !errors.Is(err, fs.ErrNotExist):
		return nil, err
	}

	priv, pub, err := webpush.GenerateVAPIDKeys()
	if err != nil {
		return nil, fmt.Errorf("generate: %w", err)
	}
	keys := &VAPIDKeys{PublicKey: pub, PrivateKey: priv}
	data, err = json.MarshalIndent(keys, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	// O_EXCL: a concurrent first start must not overwrite the pair we lose to.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return nil, err
	}
	if err := f.Close(); err != nil {
		return nil, err
	}
	logger.Infof("push: generated vapid keys in %s", path)
	return keys, nil
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/api/vapid-public", s.handleVAPIDPublic)
	r.Route("/api", func(r chi.Router) {
		r.Post("/subscribe", s.handleSubscribe)
		r.Delete("/subscribe", s.handleUnsubscribe)
		r.Post("/notify", s.handleNotify)
	})
	return r
}

func (s *Server) handleVAPIDPublic(w http.ResponseWriter, r *http.Request) {
	if s.publicKey == "" {
		http.Error(w, "push not configured", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	_, _ = w.Write([]byte(s.publicKey))
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	var req SubscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	req.UserID = strings.TrimSpace(req.UserID)
	if req.UserID == "" || req.Subscription.Endpoint == "" || req.Subscription.Keys.P256dh == "" || req.Subscription.Keys.Auth == "" {
		http.Error(w, "user_id and subscription (endpoint, keys.p256dh, keys.auth) required", http.StatusBadRequest)
		return
	}
	if err := s.store.Add(r.Context(), req.UserID, req.Subscription); err != nil {
		logger.Errorf("subscribe user=%s: %v", req.UserID, err)
		http.Error(w, "failed to save subscription", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	var req UnsubscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	req.UserID = strings.TrimSpace(req.UserID)
	if req.UserID == "" || req.Endpoint == "" {
		http.Error(w, "user_id and endpoint required", http.StatusBadRequest)
		return
	}
	if err := s.store.Remove(r.Context(), req.UserID, req.Endpoint); err != nil {
		logger.Errorf("unsubscribe user=%s: %v", req.UserID, err)
		http.Error(w, "failed to remove subscription", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleNotify(w http.ResponseWriter, r *http.Request) {
	var req NotifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	req.UserID = strings.TrimSpace(req.UserID)
	if req.UserID == "" {
		http.Error(w, "user_id required", http.StatusBadRequest)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()
	if err := s.Deliver(ctx, req); err != nil {
		logger.Errorf("notify user=%s: %v", req.UserID, err)
		http.Error(w, "failed to get subscriptions", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Deliver sends req to every subscription of the user. Only a store failure is
// returned; per-endpoint send errors are logged and stale endpoints dropped.
func (s *Server) Deliver(ctx context.Context, req NotifyRequest) error {
	subs, err := s.store.List(ctx, req.UserID)
	if err != nil {
		return err
	}
	if s.send == nil {
		return nil
	}
	payload, err := json.Marshal(map[string]any{"title": req.Title, "body": req.Body, "data": req.Data})
	if err != nil {
		return err
	}
	for _, sub := range subs {
		status, err := s.send(ctx, payload, sub)
		if err != nil {
			logger.Errorf("push send %s: %v", truncate(sub.Endpoint, 50), err)
			continue
		}
		// Gone or unknown endpoints never come back.
		if status == http.StatusGone || status == http.StatusNotFound {
			if err := s.store.Remove(ctx, req.UserID, sub.Endpoint); err != nil {
				logger.Warnf("drop stale subscription user=%s: %v", req.UserID, err)
			}
		}
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
