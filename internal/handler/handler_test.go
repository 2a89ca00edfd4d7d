package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/convo/internal/chat"
	"github.com/convo/internal/config"
	"github.com/convo/internal/middleware"
	"github.com/convo/internal/model"
	"github.com/convo/internal/storage/memory"
)

var base = time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

type testServer struct {
	store *memory.Gateway
	srv   *httptest.Server
}

// newTestServer seeds a dm "c1" between alice and bob with three messages
// from bob, and a conversation "c2" alice is not part of.
func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ctx := context.Background()
	store := memory.NewGateway()
	for _, id := range []string{"alice", "bob", "carol"} {
		if err := store.CreateUser(ctx, &model.User{ID: id, DisplayName: id, Status: model.UserStatusOffline, CreatedAt: base}); err != nil {
			t.Fatal(err)
		}
	}
	mustConv := func(id string, users ...string) {
		ps := make([]model.Participant, 0, len(users))
		for _, u := range users {
			ps = append(ps, model.Participant{UserID: u, Role: model.RoleMember, JoinedAt: base, IsActive: true})
		}
		c := &model.Conversation{ID: id, Type: model.ConversationTypeDM, CreatedAt: base, UpdatedAt: base}
		if err := store.CreateConversation(ctx, c, ps); err != nil {
			t.Fatal(err)
		}
	}
	mustConv("c1", "alice", "bob")
	mustConv("c2", "bob", "carol")
	for i, id := range []string{"m1", "m2", "m3"} {
		at := base.Add(time.Duration(i+1) * time.Minute)
		m := &model.Message{ID: id, ConversationID: "c1", SenderID: "bob", Content: "hi " + id, CreatedAt: at, UpdatedAt: at}
		if err := store.CreateMessage(ctx, m); err != nil {
			t.Fatal(err)
		}
	}

	eng := chat.NewEngine(store, memory.NewEphemeral(0, 0, 0), chat.Options{})
	if err := eng.Start(ctx); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(eng.Stop)

	cfg := config.ChatConfig{HistoryLimit: 2, HistoryMaxLimit: 10}
	convs := NewConversationHandler(eng, cfg)
	msgs := NewMessageHandler(eng)
	users := NewUserHandler(eng)

	r := chi.NewRouter()
	// Tests authenticate with ?as=<user>.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := middleware.WithUserID(r.Context(), r.URL.Query().Get("as"))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	r.Get("/api/conversations", convs.ListConversations)
	r.Get("/api/conversations/{id}/messages", convs.GetMessages)
	r.Get("/api/conversations/{id}/unread", convs.GetUnread)
	r.Get("/api/conversations/{id}/typing", convs.GetTyping)
	r.Get("/api/messages/{id}/edits", msgs.GetEdits)
	r.Get("/api/messages/{id}/receipts", msgs.GetReceipts)
	r.Get("/api/users/me", users.GetProfile)
	r.Get("/api/users/{id}", users.GetUser)
	r.Get("/api/presence", users.GetPresence)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &testServer{store: store, srv: srv}
}

func (s *testServer) get(t *testing.T, path string, out any) int {
	t.Helper()
	resp, err := http.Get(s.srv.URL + path)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", path, err)
		}
	}
	return resp.StatusCode
}

func TestGetMessagesPaging(t *testing.T) {
	s := newTestServer(t)

	var page messagesResponse
	if code := s.get(t, "/api/conversations/c1/messages?as=alice", &page); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if len(page.Messages) != 2 || !page.HasMore {
		t.Fatalf("got %d messages hasMore=%v, want 2 and true", len(page.Messages), page.HasMore)
	}

	after := url.QueryEscape(base.Add(time.Minute).Format(time.RFC3339Nano))
	var rest messagesResponse
	s.get(t, "/api/conversations/c1/messages?as=alice&limit=10&after="+after, &rest)
	if len(rest.Messages) != 2 || rest.Messages[0].ID != "m2" || rest.Messages[1].ID != "m3" {
		t.Fatalf("after cursor = %+v", rest.Messages)
	}
	if rest.HasMore {
		t.Fatal("hasMore should be false on a short page")
	}
}

func TestGetMessagesErrors(t *testing.T) {
	s := newTestServer(t)

	var body errorResponse
	if code := s.get(t, "/api/conversations/c2/messages?as=alice", &body); code != http.StatusForbidden {
		t.Fatalf("non-participant status = %d", code)
	}
	if body.Code != chat.CodeForbidden {
		t.Fatalf("code = %q", body.Code)
	}
	if code := s.get(t, "/api/conversations/c1/messages?as=alice&before=yesterday", nil); code != http.StatusBadRequest {
		t.Fatalf("bad cursor status = %d", code)
	}
}

func TestListConversationsWithUnread(t *testing.T) {
	s := newTestServer(t)

	var resp conversationsResponse
	if code := s.get(t, "/api/conversations?as=alice", &resp); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if len(resp.Conversations) != 1 || resp.Conversations[0].ID != "c1" {
		t.Fatalf("conversations = %+v", resp.Conversations)
	}
	if resp.Conversations[0].UnreadCount != 3 {
		t.Fatalf("unread = %d, want 3", resp.Conversations[0].UnreadCount)
	}

	var unread struct {
		UnreadCount int `json:"unreadCount"`
	}
	s.get(t, "/api/conversations/c1/unread?as=bob", &unread)
	if unread.UnreadCount != 0 {
		t.Fatalf("own messages counted as unread: %d", unread.UnreadCount)
	}
}

func TestMessageEditsAndReceipts(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	if _, err := s.store.UpdateMessageContent(ctx, "m1", "bob", "edited", base.Add(time.Hour), "e1"); err != nil {
		t.Fatal(err)
	}
	m2, err := s.store.GetMessage(ctx, "m2")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.store.MarkRead(ctx, "c1", "alice", m2, base.Add(time.Hour)); err != nil {
		t.Fatal(err)
	}

	var edits struct {
		Edits []model.MessageEdit `json:"edits"`
	}
	s.get(t, "/api/messages/m1/edits?as=alice", &edits)
	if len(edits.Edits) != 1 || edits.Edits[0].PreviousContent != "hi m1" {
		t.Fatalf("edits = %+v", edits.Edits)
	}

	var receipts struct {
		Receipts []model.ReadReceipt `json:"receipts"`
	}
	s.get(t, "/api/messages/m1/receipts?as=bob", &receipts)
	if len(receipts.Receipts) != 1 || receipts.Receipts[0].UserID != "alice" {
		t.Fatalf("receipts = %+v", receipts.Receipts)
	}

	if code := s.get(t, "/api/messages/m1/edits?as=carol", nil); code != http.StatusForbidden {
		t.Fatalf("outsider status = %d", code)
	}
	if code := s.get(t, "/api/messages/missing/receipts?as=alice", nil); code != http.StatusNotFound {
		t.Fatalf("missing message status = %d", code)
	}
}

func TestUserAndPresence(t *testing.T) {
	s := newTestServer(t)

	var u model.User
	if code := s.get(t, "/api/users/me?as=alice", &u); code != http.StatusOK || u.ID != "alice" {
		t.Fatalf("me = %d %+v", code, u)
	}
	if u.Status != model.UserStatusOffline {
		t.Fatalf("status = %q without a connection", u.Status)
	}
	if code := s.get(t, "/api/users/nobody?as=alice", nil); code != http.StatusNotFound {
		t.Fatalf("unknown user status = %d", code)
	}

	var p struct {
		Online []string `json:"online"`
	}
	s.get(t, "/api/presence?as=alice", &p)
	if p.Online == nil || len(p.Online) != 0 {
		t.Fatalf("online = %v, want empty list", p.Online)
	}
}

func TestTypingEndpoint(t *testing.T) {
	s := newTestServer(t)

	var resp struct {
		Typing []model.Typing `json:"typing"`
	}
	if code := s.get(t, "/api/conversations/c1/typing?as=alice", &resp); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if resp.Typing == nil || len(resp.Typing) != 0 {
		t.Fatalf("typing = %v", resp.Typing)
	}
	if code := s.get(t, "/api/conversations/c2/typing?as=alice", nil); code != http.StatusForbidden {
		t.Fatalf("outsider status = %d", code)
	}
}

func TestCheckOrigin(t *testing.T) {
	h := NewWSHandler(nil, "https://a.example, https://b.example")
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	if !h.checkOrigin(req) {
		t.Fatal("missing origin should pass")
	}
	req.Header.Set("Origin", "https://b.example")
	if !h.checkOrigin(req) {
		t.Fatal("listed origin rejected")
	}
	req.Header.Set("Origin", "https://evil.example")
	if h.checkOrigin(req) {
		t.Fatal("unlisted origin accepted")
	}
}

type stubKeys struct {
	key   string
	err   error
	calls int
}

func (s *stubKeys) Enabled() bool { return true }
func (s *stubKeys) PublicKey(ctx context.Context) (string, error) {
	s.calls++
	return s.key, s.err
}

func TestPushConfigAsksPushServiceOnce(t *testing.T) {
	keys := &stubKeys{key: "from-push"}
	h := NewConfigHandler(&config.Config{PushServiceURL: "http://push"}, keys)

	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		h.GetPushConfig(rec, httptest.NewRequest(http.MethodGet, "/api/config/push", nil))
		var body struct {
			Enabled bool   `json:"enabled"`
			Key     string `json:"vapid_public_key"`
		}
		if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
			t.Fatal(err)
		}
		if !body.Enabled || body.Key != "from-push" {
			t.Fatalf("push config = %+v", body)
		}
	}
	if keys.calls != 1 {
		t.Fatalf("push service asked %d times", keys.calls)
	}
}

func TestPushConfigDisabledWithoutKey(t *testing.T) {
	keys := &stubKeys{err: errors.New("unavailable")}
	for _, cfg := range []*config.Config{{}, {PushServiceURL: "http://push"}} {
		rec := httptest.NewRecorder()
		NewConfigHandler(cfg, keys).GetPushConfig(rec, httptest.NewRequest(http.MethodGet, "/api/config/push", nil))
		var body map[string]any
		if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
			t.Fatal(err)
		}
		if body["enabled"] != false {
			t.Fatalf("push config = %v", body)
		}
	}
}
