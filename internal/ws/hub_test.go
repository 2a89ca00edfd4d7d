package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/convo/internal/chat"
	"github.com/convo/internal/model"
	"github.com/convo/internal/storage/memory"
)

type testFrame struct {
	Event string          `json:"event"`
	AckID string          `json:"ack_id"`
	Data  json.RawMessage `json:"data"`
	Error *chat.Error     `json:"error"`
}

type testEnv struct {
	srv    *httptest.Server
	hub    *Hub
	store  *memory.Gateway
	cancel context.CancelFunc
}

func newTestEnv(t *testing.T, opts Options) *testEnv {
	t.Helper()
	ctx := context.Background()
	store := memory.NewGateway()
	now := time.Now()
	for _, id := range []string{"alice", "bob", "carol"} {
		if err := store.CreateUser(ctx, &model.User{ID: id, DisplayName: id, CreatedAt: now}); err != nil {
			t.Fatal(err)
		}
	}
	if err := store.CreateConversation(ctx, &model.Conversation{ID: "c1", Type: model.ConversationTypeDM, CreatedAt: now, UpdatedAt: now},
		[]model.Participant{
			{UserID: "alice", Role: model.RoleMember, JoinedAt: now, IsActive: true},
			{UserID: "bob", Role: model.RoleMember, JoinedAt: now, IsActive: true},
		}); err != nil {
		t.Fatal(err)
	}

	engine := chat.NewEngine(store, memory.NewEphemeral(0, 0, 0), chat.Options{})
	hub := NewHub(engine, opts)
	runCtx, cancel := context.WithCancel(context.Background())
	go hub.Run(runCtx)

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		hub.Accept(conn, r.URL.Query().Get("user"))
	}))
	t.Cleanup(func() {
		cancel()
		<-hub.Done()
		srv.Close()
		engine.Stop()
	})
	return &testEnv{srv: srv, hub: hub, store: store, cancel: cancel}
}

func (e *testEnv) dial(t *testing.T, user string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/ws?user=" + user
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", user, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// session dials and waits for session:ready.
func (e *testEnv) session(t *testing.T, user string) *websocket.Conn {
	t.Helper()
	conn := e.dial(t, user)
	readUntil(t, conn, "session:ready")
	return conn
}

func readUntil(t *testing.T, conn *websocket.Conn, event string) testFrame {
	t.Helper()
	for {
		_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
		var f testFrame
		if err := conn.ReadJSON(&f); err != nil {
			t.Fatalf("waiting for %s: %v", event, err)
		}
		if f.Event == event {
			return f
		}
	}
}

func send(t *testing.T, conn *websocket.Conn, event, ackID string, data any) {
	t.Helper()
	raw, _ := json.Marshal(data)
	if err := conn.WriteJSON(map[string]any{"event": event, "ack_id": ackID, "data": json.RawMessage(raw)}); err != nil {
		t.Fatal(err)
	}
}

func TestSendAckThenBroadcast(t *testing.T) {
	env := newTestEnv(t, Options{})
	alice := env.session(t, "alice")
	bob := env.session(t, "bob")

	send(t, alice, "message:send", "1", map[string]string{"conversationId": "c1", "content": "hi", "temporaryId": "t1"})

	// the first frame alice sees after sending is her ack
	var ack testFrame
	for {
		_ = alice.SetReadDeadline(time.Now().Add(3 * time.Second))
		if err := alice.ReadJSON(&ack); err != nil {
			t.Fatal(err)
		}
		if ack.Event == "message:received" {
			t.Fatal("broadcast reached sender before the ack")
		}
		if ack.Event == EventAck {
			break
		}
	}
	if ack.AckID != "1" || ack.Error != nil {
		t.Fatalf("ack = %+v", ack)
	}
	var res chat.SendResult
	if err := json.Unmarshal(ack.Data, &res); err != nil {
		t.Fatal(err)
	}
	if res.TemporaryID != "t1" || res.Message.Content != "hi" || res.Message.ID == "" {
		t.Fatalf("send result = %+v", res)
	}

	got := readUntil(t, bob, "message:received")
	var m model.Message
	if err := json.Unmarshal(got.Data, &m); err != nil {
		t.Fatal(err)
	}
	if m.ID != res.Message.ID || m.Sender == nil || m.Sender.ID != "alice" {
		t.Fatalf("broadcast = %+v", m)
	}
	mine := readUntil(t, alice, "message:received")
	if !strings.Contains(string(mine.Data), res.Message.ID) {
		t.Fatal("sender's own connection missed the broadcast")
	}
}

func TestErrorsGoToOriginOnly(t *testing.T) {
	env := newTestEnv(t, Options{})
	carol := env.session(t, "carol")

	send(t, carol, "message:send", "x", map[string]string{"conversationId": "c1", "content": "intrude"})
	ack := readUntil(t, carol, EventAck)
	if ack.Error == nil || ack.Error.Code != chat.CodeForbidden {
		t.Fatalf("ack = %+v", ack)
	}

	if err := carol.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatal(err)
	}
	f := readUntil(t, carol, EventError)
	if f.Error == nil || f.Error.Code != chat.CodeBadRequest {
		t.Fatalf("error frame = %+v", f)
	}

	send(t, carol, "message:delete", "y", map[string]string{"messageId": "m"})
	ack = readUntil(t, carol, EventAck)
	if ack.AckID != "y" || ack.Error == nil || ack.Error.Code != chat.CodeBadRequest {
		t.Fatalf("unknown event ack = %+v", ack)
	}

	msgs, _ := env.store.ListMessages(context.Background(), "c1", model.HistoryQuery{Limit: 10})
	if len(msgs) != 0 {
		t.Fatal("forbidden send persisted")
	}
}

func TestJoinTypingAndRead(t *testing.T) {
	env := newTestEnv(t, Options{})
	alice := env.session(t, "alice")
	bob := env.session(t, "bob")

	send(t, alice, "conversation:join", "j", map[string]string{"conversationId": "c1"})
	if ack := readUntil(t, alice, EventAck); ack.Error != nil {
		t.Fatalf("join ack = %+v", ack)
	}

	send(t, alice, "user:typing", "", map[string]any{"conversationId": "c1", "isTyping": true})
	typing := readUntil(t, bob, "user:typing")
	if !strings.Contains(string(typing.Data), `"isTyping":true`) {
		t.Fatalf("typing = %s", typing.Data)
	}

	send(t, bob, "message:send", "s", map[string]string{"conversationId": "c1", "content": "yo"})
	ack := readUntil(t, bob, EventAck)
	var res chat.SendResult
	_ = json.Unmarshal(ack.Data, &res)

	send(t, alice, "message:read", "r", map[string]string{"conversationId": "c1", "messageId": res.Message.ID})
	read := readUntil(t, bob, "message:read")
	if !strings.Contains(string(read.Data), res.Message.ID) || !strings.Contains(string(read.Data), `"userId":"alice"`) {
		t.Fatalf("receipt = %s", read.Data)
	}
}

func TestDisconnectBroadcastsOffline(t *testing.T) {
	env := newTestEnv(t, Options{})
	bob := env.session(t, "bob")
	alice := env.session(t, "alice")

	alice.Close()
	for {
		f := readUntil(t, bob, "user:status")
		if strings.Contains(string(f.Data), `"userId":"alice"`) && strings.Contains(string(f.Data), `"status":"offline"`) {
			return
		}
	}
}

func TestConnectionLimit(t *testing.T) {
	env := newTestEnv(t, Options{MaxConnections: 1})
	env.session(t, "alice")

	extra := env.dial(t, "bob")
	_ = extra.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, _, err := extra.ReadMessage()
	if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Fatalf("expected policy violation close, got %v", err)
	}
	if conns, _ := env.hub.Stats(); conns != 1 {
		t.Fatalf("connections = %d", conns)
	}
}

func TestShutdownClosesConnections(t *testing.T) {
	env := newTestEnv(t, Options{})
	alice := env.session(t, "alice")

	env.cancel()
	<-env.hub.Done()
	for {
		_ = alice.SetReadDeadline(time.Now().Add(3 * time.Second))
		if _, _, err := alice.ReadMessage(); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				t.Fatalf("expected normal close, got %v", err)
			}
			return
		}
	}
}

func TestAcceptAfterShutdownIsRejected(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.cancel()
	<-env.hub.Done()

	late := env.dial(t, "alice")
	_ = late.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, _, err := late.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseGoingAway) {
		t.Fatalf("expected going away close, got %v", err)
	}
	if conns, _ := env.hub.Stats(); conns != 0 {
		t.Fatalf("connections = %d", conns)
	}
	select {
	case c := <-env.hub.register:
		t.Fatalf("client %s left in register queue", c.userID)
	default:
	}
}

func TestDecode(t *testing.T) {
	in, err := Decode([]byte(`{"event":"message:send","ack_id":"a","data":{"conversationId":"c1","content":"hi","temporaryId":"t","parentId":" "}}`))
	if err != nil {
		t.Fatal(err)
	}
	cmd, ok := in.Cmd.(SendCommand)
	if !ok || in.AckID != "a" || cmd.ParentID != nil {
		t.Fatalf("decoded %+v", in)
	}

	bad := []string{
		`[]`,
		`{"event":"message:send","ack_id":"b"}`,
		`{"event":"message:send","ack_id":"b","data":{"content":"hi"}}`,
		`{"event":"message:read","data":{"conversationId":"c1"}}`,
		`{"event":"user:typing","data":{"conversationId":5}}`,
		`{"event":"nope","data":{}}`,
	}
	for _, raw := range bad {
		if _, err := Decode([]byte(raw)); chat.AsError(err).Code != chat.CodeBadRequest {
			t.Fatalf("%s: expected BAD_REQUEST, got %v", raw, err)
		}
	}
	_, err = Decode([]byte(`{"event":"message:read","data":{"conversationId":"c1"}}`))
	if msg := chat.AsError(err).Message; msg != "messageId is required" {
		t.Fatalf("message = %q, want the wire field name", msg)
	}
	in, _ = Decode([]byte(`{"event":"message:send","ack_id":"b"}`))
	if in.AckID != "b" {
		t.Fatal("ack id lost on decode error")
	}
}
