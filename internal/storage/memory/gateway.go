// Package memory keeps the storage contracts in process memory. Gateway stands in
// for PostgreSQL in tests and local runs; Ephemeral stands in for Redis.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/convo/internal/model"
	"github.com/convo/internal/storage"
)

// Gateway is a storage.Gateway guarded by a single mutex. Every write is
// applied atomically, which matches the transactional guarantees of the
// PostgreSQL gateway.
type Gateway struct {
	mu           sync.RWMutex
	users        map[string]*model.User
	convs        map[string]*model.Conversation
	participants map[string]map[string]*model.Participant
	messages     map[string]*model.Message
	convMessages map[string][]string
	edits        map[string][]model.MessageEdit
	receipts     map[string]map[string]model.ReadReceipt

	// FailWrites, when set, makes message writes fail. Used to exercise the
	// InternalError path.
	FailWrites error
}

func NewGateway() *Gateway {
	return &Gateway{
		users:        make(map[string]*model.User),
		convs:        make(map[string]*model.Conversation),
		participants: make(map[string]map[string]*model.Participant),
		messages:     make(map[string]*model.Message),
		convMessages: make(map[string][]string),
		edits:        make(map[string][]model.MessageEdit),
		receipts:     make(map[string]map[string]model.ReadReceipt),
	}
}

func (g *Gateway) Close() error { return nil }

func (g *Gateway) CreateUser(ctx context.Context, u *model.User) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.users[u.ID]; ok {
		return fmt.Errorf("memory.CreateUser: user %s exists", u.ID)
	}
	cp := *u
	g.users[u.ID] = &cp
	return nil
}

func (g *Gateway) GetUser(ctx context.Context, id string) (*model.User, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	u, ok := g.users[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (g *Gateway) SetUserStatus(ctx context.Context, userID string, status model.UserStatus, at time.Time) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	u, ok := g.users[userID]
	if !ok {
		return storage.ErrNotFound
	}
	u.Status = status
	u.LastActiveAt = at
	return nil
}

func (g *Gateway) ResetPresence(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, u := range g.users {
		u.Status = model.UserStatusOffline
	}
	return nil
}

func (g *Gateway) CreateConversation(ctx context.Context, c *model.Conversation, participants []model.Participant) error {
	active := 0
	for _, p := range participants {
		if p.IsActive {
			active++
		}
	}
	if err := c.Validate(active); err != nil {
		return fmt.Errorf("memory.CreateConversation: %w", err)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.convs[c.ID]; ok {
		return fmt.Errorf("memory.CreateConversation: conversation %s exists", c.ID)
	}
	cp := *c
	g.convs[c.ID] = &cp
	members := make(map[string]*model.Participant, len(participants))
	for i := range participants {
		p := participants[i]
		p.ConversationID = c.ID
		members[p.UserID] = &p
	}
	g.participants[c.ID] = members
	return nil
}

func (g *Gateway) GetConversation(ctx context.Context, id string) (*model.Conversation, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	c, ok := g.convs[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (g *Gateway) ListConversations(ctx context.Context, userID string, limit, offset int) ([]model.Conversation, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	all := make([]model.Conversation, 0, 16)
	for id, members := range g.participants {
		if p, ok := members[userID]; ok && p.IsActive {
			all = append(all, *g.convs[id])
		}
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].UpdatedAt.Equal(all[j].UpdatedAt) {
			return all[i].ID < all[j].ID
		}
		return all[i].UpdatedAt.After(all[j].UpdatedAt)
	})
	if offset >= len(all) {
		return []model.Conversation{}, nil
	}
	all = all[offset:]
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

func (g *Gateway) GetParticipant(ctx context.Context, conversationID, userID string) (*model.Participant, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	p, ok := g.participants[conversationID][userID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (g *Gateway) AddParticipant(ctx context.Context, p *model.Participant) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	members, ok := g.participants[p.ConversationID]
	if !ok {
		return storage.ErrNotFound
	}
	if existing, ok := members[p.UserID]; ok {
		existing.IsActive = true
		existing.LeftAt = nil
		existing.Role = p.Role
		return nil
	}
	cp := *p
	cp.IsActive = true
	members[p.UserID] = &cp
	return nil
}

func (g *Gateway) LeaveConversation(ctx context.Context, conversationID, userID string, at time.Time) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	p, ok := g.participants[conversationID][userID]
	if !ok {
		return storage.ErrNotFound
	}
	p.IsActive = false
	left := at
	p.LeftAt = &left
	return nil
}

func (g *Gateway) ActiveConversationIDs(ctx context.Context, userID string) ([]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	ids := make([]string, 0, 8)
	for id, members := range g.participants {
		if p, ok := members[userID]; ok && p.IsActive {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (g *Gateway) ActiveParticipantIDs(ctx context.Context, conversationID string) ([]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	ids := make([]string, 0, 8)
	for uid, p := range g.participants[conversationID] {
		if p.IsActive {
			ids = append(ids, uid)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (g *Gateway) CreateMessage(ctx context.Context, m *model.Message) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.FailWrites != nil {
		return fmt.Errorf("memory.CreateMessage: %w", g.FailWrites)
	}
	c, ok := g.convs[m.ConversationID]
	if !ok {
		return storage.ErrNotFound
	}
	cp := *m
	cp.Sender = nil
	g.messages[m.ID] = &cp
	g.convMessages[m.ConversationID] = append(g.convMessages[m.ConversationID], m.ID)
	id := m.ID
	c.LastMessageID = &id
	c.UpdatedAt = m.CreatedAt
	return nil
}

func (g *Gateway) GetMessage(ctx context.Context, id string) (*model.Message, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	m, ok := g.messages[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return g.withSender(m), nil
}

// withSender copies m and attaches the sender summary. Caller holds g.mu.
func (g *Gateway) withSender(m *model.Message) *model.Message {
	cp := *m
	if u, ok := g.users[m.SenderID]; ok {
		s := u.Summary()
		cp.Sender = &s
	}
	return &cp
}

func (g *Gateway) ListMessages(ctx context.Context, conversationID string, q model.HistoryQuery) ([]model.Message, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	ids := g.convMessages[conversationID]
	matched := make([]*model.Message, 0, len(ids))
	for _, id := range ids {
		m := g.messages[id]
		if q.Before != nil && !m.CreatedAt.Before(*q.Before) {
			continue
		}
		if q.After != nil && !m.CreatedAt.After(*q.After) {
			continue
		}
		matched = append(matched, m)
	}
	if q.Limit > 0 && len(matched) > q.Limit {
		if q.After != nil && q.Before == nil {
			matched = matched[:q.Limit]
		} else {
			matched = matched[len(matched)-q.Limit:]
		}
	}
	out := make([]model.Message, 0, len(matched))
	for _, m := range matched {
		out = append(out, *g.withSender(m))
	}
	return out, nil
}

func (g *Gateway) UpdateMessageContent(ctx context.Context, messageID, editorID, content string, at time.Time, editID string) (*model.MessageEdit, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.FailWrites != nil {
		return nil, fmt.Errorf("memory.UpdateMessageContent: %w", g.FailWrites)
	}
	m, ok := g.messages[messageID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	edit := model.MessageEdit{
		ID:              editID,
		MessageID:       messageID,
		EditorID:        editorID,
		PreviousContent: m.Content,
		EditedAt:        at,
	}
	g.edits[messageID] = append(g.edits[messageID], edit)
	m.Content = content
	m.IsEdited = true
	m.UpdatedAt = at
	return &edit, nil
}

func (g *Gateway) ListEdits(ctx context.Context, messageID string) ([]model.MessageEdit, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]model.MessageEdit, len(g.edits[messageID]))
	copy(out, g.edits[messageID])
	return out, nil
}

func (g *Gateway) MarkRead(ctx context.Context, conversationID, userID string, upTo *model.Message, at time.Time) (model.MarkReadResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	var res model.MarkReadResult
	if g.FailWrites != nil {
		return res, fmt.Errorf("memory.MarkRead: %w", g.FailWrites)
	}
	p, ok := g.participants[conversationID][userID]
	if !ok {
		return res, storage.ErrNotFound
	}
	for _, id := range g.convMessages[conversationID] {
		m := g.messages[id]
		if m.CreatedAt.After(upTo.CreatedAt) || m.SenderID == userID {
			continue
		}
		readers := g.receipts[id]
		if readers == nil {
			readers = make(map[string]model.ReadReceipt)
			g.receipts[id] = readers
		}
		if _, done := readers[userID]; done {
			continue
		}
		readers[userID] = model.ReadReceipt{MessageID: id, UserID: userID, ReadAt: at}
		res.ReceiptsCreated++
	}
	advance := p.LastReadMessageID == nil
	if !advance && *p.LastReadMessageID != upTo.ID {
		cur, ok := g.messages[*p.LastReadMessageID]
		advance = !ok || !upTo.CreatedAt.Before(cur.CreatedAt)
	}
	if advance {
		id := upTo.ID
		p.LastReadMessageID = &id
		res.Advanced = true
	}
	return res, nil
}

func (g *Gateway) UnreadCount(ctx context.Context, conversationID, userID string) (int, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	p, ok := g.participants[conversationID][userID]
	if !ok {
		return 0, storage.ErrNotFound
	}
	var since *time.Time
	if p.LastReadMessageID != nil {
		if m, ok := g.messages[*p.LastReadMessageID]; ok {
			since = &m.CreatedAt
		}
	}
	n := 0
	for _, id := range g.convMessages[conversationID] {
		m := g.messages[id]
		if m.SenderID == userID {
			continue
		}
		if since != nil && !m.CreatedAt.After(*since) {
			continue
		}
		n++
	}
	return n, nil
}

func (g *Gateway) ListReceipts(ctx context.Context, messageID string) ([]model.ReadReceipt, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]model.ReadReceipt, 0, len(g.receipts[messageID]))
	for _, r := range g.receipts[messageID] {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}
