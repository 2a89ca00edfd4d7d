// Package room maps broadcast rooms (one per conversation, one per user) to the
// connections subscribed to them.
package room

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/convo/internal/event"
	"github.com/convo/internal/model"
	"github.com/convo/internal/storage"
)

// ErrNotParticipant is returned by Join when the connection's user is not an
// active participant of the conversation.
var ErrNotParticipant = errors.New("not an active participant")

// Room is a broadcast group key. Conversation and personal rooms live in
// separate namespaces.
type Room string

func Conversation(id string) Room { return Room("conv:" + id) }

// Personal is the room named by the user id, used for cross-conversation notifications.
func Personal(userID string) Room { return Room("user:" + userID) }

// Subscriber is one live connection. Deliver must not block; it reports
// whether the event was queued.
type Subscriber interface {
	ID() string
	UserID() string
	Deliver(ev event.Event) bool
}

// Directory is the subset of the gateway the manager authorizes against.
type Directory interface {
	GetParticipant(ctx context.Context, conversationID, userID string) (*model.Participant, error)
	ActiveConversationIDs(ctx context.Context, userID string) ([]string, error)
}

type Manager struct {
	dir Directory

	mu          sync.RWMutex
	subs        map[string]Subscriber          // connID -> subscriber
	rooms       map[Room]map[string]Subscriber // room -> connID -> subscriber
	memberships map[string]map[Room]struct{}   // connID -> rooms
}

func NewManager(dir Directory) *Manager {
	return &Manager{
		dir:         dir,
		subs:        make(map[string]Subscriber),
		rooms:       make(map[Room]map[string]Subscriber),
		memberships: make(map[string]map[Room]struct{}),
	}
}

// Detach removes sub from every room it joined and stops tracking it. It
// returns the number of rooms it was removed from.
func (m *Manager) Detach(sub Subscriber) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	rooms := m.memberships[sub.ID()]
	n := len(rooms)
	for r := range rooms {
		m.leaveLocked(r, sub.ID())
	}
	delete(m.memberships, sub.ID())
	delete(m.subs, sub.ID())
	return n
}

// Join authorizes sub's user against the conversation and adds it to the room.
// Joining an already joined room is a no-op.
func (m *Manager) Join(ctx context.Context, sub Subscriber, conversationID string) error {
	p, err := m.dir.GetParticipant(ctx, conversationID, sub.UserID())
	if errors.Is(err, storage.ErrNotFound) {
		return ErrNotParticipant
	}
	if err != nil {
		return fmt.Errorf("room.Join: %w", err)
	}
	if !p.IsActive {
		return ErrNotParticipant
	}
	m.mu.Lock()
	m.joinLocked(Conversation(conversationID), sub)
	m.mu.Unlock()
	return nil
}

// Leave removes sub from the conversation room. Always succeeds.
func (m *Manager) Leave(sub Subscriber, conversationID string) {
	m.mu.Lock()
	m.leaveLocked(Conversation(conversationID), sub.ID())
	m.mu.Unlock()
}

// Open starts tracking sub and makes its memberships match the directory
// exactly: the personal room plus every active conversation. Nothing cached
// from an earlier connection is reused. The directory read happens first; the
// attach, the joins and the greeting built by greet then share one critical
// section. Publishes snapshot their targets under the same lock, so nothing
// reaches sub ahead of the greeting. greet may be nil and must not call back
// into the manager.
//
// Joins of subscribers that are not open are ignored, so a join racing with a
// disconnect cannot leave a dangling membership.
func (m *Manager) Open(ctx context.Context, sub Subscriber, greet func(ids []string) event.Event) ([]string, error) {
	ids, err := m.dir.ActiveConversationIDs(ctx, sub.UserID())
	if err != nil {
		return nil, fmt.Errorf("room.Open: %w", err)
	}
	want := make(map[Room]struct{}, len(ids)+1)
	want[Personal(sub.UserID())] = struct{}{}
	for _, id := range ids {
		want[Conversation(id)] = struct{}{}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[sub.ID()] = sub
	if m.memberships[sub.ID()] == nil {
		m.memberships[sub.ID()] = make(map[Room]struct{})
	}
	for r := range m.memberships[sub.ID()] {
		if _, ok := want[r]; !ok {
			m.leaveLocked(r, sub.ID())
		}
	}
	for r := range want {
		m.joinLocked(r, sub)
	}
	if greet != nil {
		sub.Deliver(greet(ids))
	}
	return ids, nil
}

// IsMember reports whether connection connID has joined the conversation room.
func (m *Manager) IsMember(connID, conversationID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.memberships[connID][Conversation(conversationID)]
	return ok
}

// Members returns the connection ids subscribed to r, sorted.
func (m *Manager) Members(r Room) []string {
	m.mu.RLock()
	ids := make([]string, 0, len(m.rooms[r]))
	for id := range m.rooms[r] {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Publish fans ev out to every subscriber of r and returns how many accepted it.
func (m *Manager) Publish(r Room, ev event.Event) int {
	m.mu.RLock()
	targets := make([]Subscriber, 0, len(m.rooms[r]))
	for _, s := range m.rooms[r] {
		targets = append(targets, s)
	}
	m.mu.RUnlock()
	return deliver(targets, ev)
}

// PublishAll fans ev out to every tracked connection.
func (m *Manager) PublishAll(ev event.Event) int {
	m.mu.RLock()
	targets := make([]Subscriber, 0, len(m.subs))
	for _, s := range m.subs {
		targets = append(targets, s)
	}
	m.mu.RUnlock()
	return deliver(targets, ev)
}

func deliver(targets []Subscriber, ev event.Event) int {
	n := 0
	for _, s := range targets {
		if s.Deliver(ev) {
			n++
		}
	}
	return n
}

func (m *Manager) joinLocked(r Room, sub Subscriber) {
	if _, tracked := m.subs[sub.ID()]; !tracked {
		return
	}
	members := m.rooms[r]
	if members == nil {
		members = make(map[string]Subscriber)
		m.rooms[r] = members
	}
	members[sub.ID()] = sub
	m.memberships[sub.ID()][r] = struct{}{}
}

func (m *Manager) leaveLocked(r Room, connID string) {
	if members := m.rooms[r]; members != nil {
		delete(members, connID)
		if len(members) == 0 {
			delete(m.rooms, r)
		}
	}
	if rooms := m.memberships[connID]; rooms != nil {
		delete(rooms, r)
	}
}
