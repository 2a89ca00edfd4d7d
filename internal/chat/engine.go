// Package chat is the conversation engine: presence, room membership and the
// send, edit, read and typing pipelines. Transports drive it through Engine.
package chat

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/convo/internal/event"
	"github.com/convo/internal/logger"
	"github.com/convo/internal/model"
	"github.com/convo/internal/presence"
	"github.com/convo/internal/room"
	"github.com/convo/internal/storage"
)

const (
	defaultOpTimeout     = 5 * time.Second
	defaultMaxContentLen = 4000
	previewLen           = 100
)

// Notifier delivers out-of-band notifications to users without an open connection.
type Notifier interface {
	Notify(ctx context.Context, userID, title, body string, data map[string]string)
}

type Options struct {
	// OpTimeout bounds every gateway call made on behalf of one command.
	OpTimeout time.Duration
	// MaxContentLen caps message content in runes.
	MaxContentLen int
	Now           func() time.Time
	NewID         func() string
	Push          Notifier
}

type Engine struct {
	store    storage.Gateway
	eph      storage.Ephemeral
	presence *presence.Registry
	rooms    *room.Manager

	clock     *clock
	convLocks *keyedMutex
	userLocks *keyedMutex
	opts      Options

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewEngine(store storage.Gateway, eph storage.Ephemeral, opts Options) *Engine {
	if opts.OpTimeout <= 0 {
		opts.OpTimeout = defaultOpTimeout
	}
	if opts.MaxContentLen <= 0 {
		opts.MaxContentLen = defaultMaxContentLen
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		store:     store,
		eph:       eph,
		presence:  presence.NewRegistry(),
		rooms:     room.NewManager(store),
		clock:     newClock(opts.Now),
		convLocks: newKeyedMutex(),
		userLocks: newKeyedMutex(),
		opts:      opts,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start marks every user offline. Presence is per process, so whatever a
// previous process recorded is stale.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.store.ResetPresence(ctx); err != nil {
		return err
	}
	logger.Info("chat engine started")
	return nil
}

// Stop cancels background deliveries and waits for them.
func (e *Engine) Stop() {
	e.cancel()
	e.wg.Wait()
	logger.Info("chat engine stopped")
}

func (e *Engine) Rooms() *room.Manager { return e.rooms }

func (e *Engine) IsOnline(userID string) bool { return e.presence.IsOnline(userID) }

func (e *Engine) OnlineUserIDs() []string { return e.presence.OnlineUserIDs() }

// User returns a user with live presence: Status reports online exactly when
// the user holds a connection to this process.
func (e *Engine) User(ctx context.Context, userID string) (*model.User, error) {
	ctx, cancel := e.opContext(ctx)
	defer cancel()
	u, err := e.store.GetUser(ctx, userID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, newError(CodeNotFound, "user not found")
	}
	if err != nil {
		logger.Errorf("chat.User user=%s: %v", userID, err)
		return nil, ErrInternal
	}
	switch {
	case e.presence.IsOnline(userID):
		u.Status = model.UserStatusOnline
	case u.Status == model.UserStatusOnline:
		u.Status = model.UserStatusOffline
	}
	if t, err := e.eph.LastActive(ctx, userID); err == nil && t.After(u.LastActiveAt) {
		u.LastActiveAt = t
	}
	e.fillTyping(ctx, u)
	return u, nil
}

// fillTyping sets the conversation u most recently started typing in, if any.
// Typing flags are keyed by conversation, so this walks u's active ones.
func (e *Engine) fillTyping(ctx context.Context, u *model.User) {
	ids, err := e.store.ActiveConversationIDs(ctx, u.ID)
	if err != nil {
		logger.Warnf("chat.User typing user=%s: %v", u.ID, err)
		return
	}
	for _, id := range ids {
		flags, err := e.eph.TypingUsers(ctx, id)
		if err != nil {
			logger.Warnf("chat.User typing user=%s conversation=%s: %v", u.ID, id, err)
			continue
		}
		for _, t := range flags {
			if t.UserID != u.ID || !t.IsTyping {
				continue
			}
			if u.TypingUpdatedAt == nil || t.UpdatedAt.After(*u.TypingUpdatedAt) {
				conv, at := t.ConversationID, t.UpdatedAt
				u.IsTypingIn, u.TypingUpdatedAt = &conv, &at
			}
		}
	}
}

func (e *Engine) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, e.opts.OpTimeout)
}

// Connect registers a freshly authenticated connection: it joins the personal
// room and every room of the user's active conversations, read from the
// gateway, then records the presence transition if this is the user's first
// connection. session:ready is queued in the same step that joins the rooms,
// so it is always the first event sub sees.
func (e *Engine) Connect(ctx context.Context, sub room.Subscriber) (*event.Ready, error) {
	defer logger.DeferLogDuration("chat.Connect", time.Now())()
	ctx, cancel := e.opContext(ctx)
	defer cancel()

	unlock := e.userLocks.Lock(sub.UserID())
	defer unlock()
	var (
		first bool
		ready *event.Ready
	)
	_, err := e.rooms.Open(ctx, sub, func(ids []string) event.Event {
		first = e.presence.Connect(sub.UserID(), sub.ID())
		ready = &event.Ready{
			UserID:          sub.UserID(),
			ConnectionID:    sub.ID(),
			ConversationIDs: ids,
			OnlineUserIDs:   e.presence.OnlineUserIDs(),
		}
		return event.Event{Name: event.SessionReady, Data: ready}
	})
	if err != nil {
		logger.Errorf("chat.Connect user=%s conn=%s: %v", sub.UserID(), sub.ID(), err)
		return nil, ErrInternal
	}
	if first {
		e.transition(ctx, sub.UserID(), model.UserStatusOnline)
	}
	return ready, nil
}

// Disconnect removes the connection from every room and from presence. The
// user goes offline when this was their last connection. Safe to call twice.
func (e *Engine) Disconnect(sub room.Subscriber) {
	e.rooms.Detach(sub)

	unlock := e.userLocks.Lock(sub.UserID())
	defer unlock()
	if !e.presence.Disconnect(sub.UserID(), sub.ID()) {
		return
	}
	ctx, cancel := e.opContext(context.Background())
	defer cancel()
	e.transition(ctx, sub.UserID(), model.UserStatusOffline)
}

// transition persists a presence change and broadcasts it process wide.
// Caller holds the user's lock.
func (e *Engine) transition(ctx context.Context, userID string, status model.UserStatus) {
	at := e.clock.Now()
	if err := e.store.SetUserStatus(ctx, userID, status, at); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			logger.Warnf("chat: presence for unknown user=%s", userID)
		} else {
			logger.Errorf("chat: set status user=%s status=%s: %v", userID, status, err)
		}
	}
	if err := e.eph.SetLastActive(ctx, userID, at); err != nil {
		logger.Warnf("chat: last active user=%s: %v", userID, err)
	}
	n := e.rooms.PublishAll(event.StatusChanged(event.Status{UserID: userID, Status: status, Timestamp: at}))
	logger.Debugf("chat: user=%s %s, notified %d connections", userID, status, n)
}

// JoinConversation adds the connection to a conversation room after checking
// the user is an active participant.
func (e *Engine) JoinConversation(ctx context.Context, sub room.Subscriber, conversationID string) error {
	if conversationID == "" {
		return newError(CodeBadRequest, "conversationId is required")
	}
	ctx, cancel := e.opContext(ctx)
	defer cancel()
	err := e.rooms.Join(ctx, sub, conversationID)
	if errors.Is(err, room.ErrNotParticipant) {
		return ErrForbidden
	}
	if err != nil {
		logger.Errorf("chat.JoinConversation conn=%s conversation=%s: %v", sub.ID(), conversationID, err)
		return ErrInternal
	}
	return nil
}

// LeaveConversation drops the room subscription. Participation is untouched.
func (e *Engine) LeaveConversation(sub room.Subscriber, conversationID string) {
	e.rooms.Leave(sub, conversationID)
}

// AllowCommand applies the per-user command rate window. A failing ephemeral
// store lets the command through.
func (e *Engine) AllowCommand(ctx context.Context, userID string) error {
	ok, err := e.eph.AllowCommand(ctx, userID)
	if err != nil {
		logger.Warnf("chat: rate limit user=%s: %v", userID, err)
		return nil
	}
	if !ok {
		return ErrRateLimited
	}
	return nil
}

// activeParticipant returns ErrForbidden unless userID actively participates.
func (e *Engine) activeParticipant(ctx context.Context, conversationID, userID string) (*model.Participant, error) {
	p, err := e.store.GetParticipant(ctx, conversationID, userID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrForbidden
	}
	if err != nil {
		logger.Errorf("chat: participant conversation=%s user=%s: %v", conversationID, userID, err)
		return nil, ErrInternal
	}
	if !p.IsActive {
		return nil, ErrForbidden
	}
	return p, nil
}
