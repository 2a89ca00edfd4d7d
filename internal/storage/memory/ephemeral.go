package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/convo/internal/model"
)

const (
	defaultTypingTTL  = 10 * time.Second
	defaultRateWindow = 10 * time.Second
	defaultRateMax    = 50
)

type typingItem struct {
	val model.Typing
	exp time.Time
}

// Ephemeral is the in-process storage.Ephemeral used without Redis.
type Ephemeral struct {
	mu         sync.RWMutex
	typing     map[string]map[string]typingItem
	lastActive map[string]time.Time
	limit      map[string][]time.Time

	typingTTL  time.Duration
	rateWindow time.Duration
	rateMax    int
}

// NewEphemeral builds the store; zero values fall back to defaults.
func NewEphemeral(typingTTL, rateWindow time.Duration, rateMax int) *Ephemeral {
	if typingTTL <= 0 {
		typingTTL = defaultTypingTTL
	}
	if rateWindow <= 0 {
		rateWindow = defaultRateWindow
	}
	if rateMax <= 0 {
		rateMax = defaultRateMax
	}
	return &Ephemeral{
		typing:     make(map[string]map[string]typingItem),
		lastActive: make(map[string]time.Time),
		limit:      make(map[string][]time.Time),
		typingTTL:  typingTTL,
		rateWindow: rateWindow,
		rateMax:    rateMax,
	}
}

func (e *Ephemeral) Close() error { return nil }

func (e *Ephemeral) SetTyping(ctx context.Context, t model.Typing) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	users := e.typing[t.ConversationID]
	if !t.IsTyping {
		delete(users, t.UserID)
		if len(users) == 0 {
			delete(e.typing, t.ConversationID)
		}
		return nil
	}
	if users == nil {
		users = make(map[string]typingItem)
		e.typing[t.ConversationID] = users
	}
	users[t.UserID] = typingItem{val: t, exp: time.Now().Add(e.typingTTL)}
	return nil
}

func (e *Ephemeral) TypingUsers(ctx context.Context, conversationID string) ([]model.Typing, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	now := time.Now()
	out := make([]model.Typing, 0, len(e.typing[conversationID]))
	for _, it := range e.typing[conversationID] {
		if now.After(it.exp) {
			continue
		}
		out = append(out, it.val)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (e *Ephemeral) SetLastActive(ctx context.Context, userID string, at time.Time) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastActive[userID] = at
	return nil
}

func (e *Ephemeral) LastActive(ctx context.Context, userID string) (time.Time, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastActive[userID], nil
}

func (e *Ephemeral) AllowCommand(ctx context.Context, userID string) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := time.Now()
	cut := now.Add(-e.rateWindow)
	kept := e.limit[userID][:0]
	for _, t := range e.limit[userID] {
		if t.After(cut) {
			kept = append(kept, t)
		}
	}
	if len(kept) >= e.rateMax {
		e.limit[userID] = kept
		return false, nil
	}
	e.limit[userID] = append(kept, now)
	return true, nil
}
