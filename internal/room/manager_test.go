package room

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/convo/internal/event"
	"github.com/convo/internal/model"
	"github.com/convo/internal/storage/memory"
)

type fakeSub struct {
	id, user string

	mu  sync.Mutex
	got []event.Event
}

func (f *fakeSub) ID() string     { return f.id }
func (f *fakeSub) UserID() string { return f.user }
func (f *fakeSub) Deliver(ev event.Event) bool {
	f.mu.Lock()
	f.got = append(f.got, ev)
	f.mu.Unlock()
	return true
}

func (f *fakeSub) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.got)
}

func seed(t *testing.T) *memory.Gateway {
	t.Helper()
	g := memory.NewGateway()
	ctx := context.Background()
	now := time.Now()
	for _, id := range []string{"alice", "bob", "carol"} {
		if err := g.CreateUser(ctx, &model.User{ID: id, DisplayName: id, Status: model.UserStatusOffline, CreatedAt: now}); err != nil {
			t.Fatal(err)
		}
	}
	name := "team"
	conv := &model.Conversation{ID: "c1", Type: model.ConversationTypeGroup, Name: &name, CreatedAt: now, UpdatedAt: now}
	parts := []model.Participant{
		{UserID: "alice", Role: model.RoleAdmin, JoinedAt: now, IsActive: true},
		{UserID: "bob", Role: model.RoleMember, JoinedAt: now, IsActive: true},
	}
	if err := g.CreateConversation(ctx, conv, parts); err != nil {
		t.Fatal(err)
	}
	return g
}

func TestJoinRequiresActiveParticipant(t *testing.T) {
	g := seed(t)
	m := NewManager(g)
	carol := &fakeSub{id: "k1", user: "carol"}
	if _, err := m.Open(context.Background(), carol, nil); err != nil {
		t.Fatal(err)
	}

	if err := m.Join(context.Background(), carol, "c1"); !errors.Is(err, ErrNotParticipant) {
		t.Fatalf("expected ErrNotParticipant, got %v", err)
	}
	if m.IsMember("k1", "c1") {
		t.Fatal("rejected join must not add membership")
	}

	if err := g.LeaveConversation(context.Background(), "c1", "bob", time.Now()); err != nil {
		t.Fatal(err)
	}
	bob := &fakeSub{id: "b1", user: "bob"}
	if _, err := m.Open(context.Background(), bob, nil); err != nil {
		t.Fatal(err)
	}
	if err := m.Join(context.Background(), bob, "c1"); !errors.Is(err, ErrNotParticipant) {
		t.Fatalf("left participant should be rejected, got %v", err)
	}
}

func TestJoinIsIdempotentAndLeaveAlwaysSucceeds(t *testing.T) {
	m := NewManager(seed(t))
	a := &fakeSub{id: "a1", user: "alice"}
	ctx := context.Background()
	if _, err := m.Open(ctx, a, nil); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 3; i++ {
		if err := m.Join(ctx, a, "c1"); err != nil {
			t.Fatal(err)
		}
	}
	if got := m.Members(Conversation("c1")); len(got) != 1 || got[0] != "a1" {
		t.Fatalf("members = %v", got)
	}
	if n := m.Publish(Conversation("c1"), event.Event{Name: event.UserTyping}); n != 1 {
		t.Fatalf("expected one delivery, got %d", n)
	}

	m.Leave(a, "c1")
	m.Leave(a, "c1")
	m.Leave(a, "unknown")
	if m.IsMember("a1", "c1") {
		t.Fatal("still a member after leave")
	}
	if got := m.Members(Conversation("c1")); len(got) != 0 {
		t.Fatalf("members after leave = %v", got)
	}
}

func TestOpenJoinsPersonalAndConversationRooms(t *testing.T) {
	g := seed(t)
	m := NewManager(g)
	a := &fakeSub{id: "a1", user: "alice"}

	ids, err := m.Open(context.Background(), a, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 1 || ids[0] != "c1" {
		t.Fatalf("ids = %v", ids)
	}
	if !m.IsMember("a1", "c1") {
		t.Fatal("expected conversation membership")
	}
	if got := m.Members(Personal("alice")); len(got) != 1 {
		t.Fatalf("personal room members = %v", got)
	}
	// personal rooms and conversation rooms never collide
	if got := m.Members(Conversation("alice")); len(got) != 0 {
		t.Fatalf("conversation room named alice = %v", got)
	}
}

func TestOpenResyncsFromDirectory(t *testing.T) {
	g := seed(t)
	m := NewManager(g)
	b := &fakeSub{id: "b1", user: "bob"}
	ctx := context.Background()

	if _, err := m.Open(ctx, b, nil); err != nil {
		t.Fatal(err)
	}
	if err := g.LeaveConversation(ctx, "c1", "bob", time.Now()); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Open(ctx, b, nil); err != nil {
		t.Fatal(err)
	}
	if m.IsMember("b1", "c1") {
		t.Fatal("stale membership survived resync")
	}
}

func TestDetachRemovesEveryMembership(t *testing.T) {
	m := NewManager(seed(t))
	a := &fakeSub{id: "a1", user: "alice"}
	ctx := context.Background()
	if _, err := m.Open(ctx, a, nil); err != nil {
		t.Fatal(err)
	}

	if n := m.Detach(a); n != 2 {
		t.Fatalf("expected 2 rooms left, got %d", n)
	}
	if m.Publish(Conversation("c1"), event.Event{Name: event.MessageReceived}) != 0 {
		t.Fatal("detached subscriber still receives conversation events")
	}
	if m.PublishAll(event.Event{Name: event.UserStatus}) != 0 {
		t.Fatal("detached subscriber still receives global events")
	}

	// join after detach is dropped
	if err := m.Join(ctx, a, "c1"); err != nil {
		t.Fatal(err)
	}
	if m.IsMember("a1", "c1") {
		t.Fatal("join after detach left a dangling membership")
	}
	if a.count() != 0 {
		t.Fatalf("unexpected deliveries: %d", a.count())
	}
}

func TestOpenGreetsBeforeAnyPublish(t *testing.T) {
	m := NewManager(seed(t))
	ctx := context.Background()
	a := &fakeSub{id: "a1", user: "alice"}
	if _, err := m.Open(ctx, a, func(ids []string) event.Event {
		return event.Event{Name: event.SessionReady, Data: ids}
	}); err != nil {
		t.Fatal(err)
	}
	m.Publish(Conversation("c1"), event.Event{Name: event.MessageReceived})

	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.got) != 2 || a.got[0].Name != event.SessionReady {
		t.Fatalf("events = %+v", a.got)
	}
	if ids := a.got[0].Data.([]string); len(ids) != 1 || ids[0] != "c1" {
		t.Fatalf("greeting ids = %v", ids)
	}
}

func TestPublishReachesEveryConnectionOfRoom(t *testing.T) {
	m := NewManager(seed(t))
	ctx := context.Background()
	a1 := &fakeSub{id: "a1", user: "alice"}
	a2 := &fakeSub{id: "a2", user: "alice"}
	b1 := &fakeSub{id: "b1", user: "bob"}
	for _, s := range []*fakeSub{a1, a2, b1} {
		if _, err := m.Open(ctx, s, nil); err != nil {
			t.Fatal(err)
		}
	}
	if n := m.Publish(Conversation("c1"), event.Event{Name: event.MessageReceived}); n != 3 {
		t.Fatalf("expected 3 deliveries, got %d", n)
	}
	if n := m.Publish(Personal("alice"), event.Event{Name: event.NotificationMessage}); n != 2 {
		t.Fatalf("expected 2 personal deliveries, got %d", n)
	}
	if b1.count() != 1 || a1.count() != 2 || a2.count() != 2 {
		t.Fatalf("counts a1=%d a2=%d b1=%d", a1.count(), a2.count(), b1.count())
	}
}
