package chat

import (
	"context"

	"github.com/convo/internal/event"
	"github.com/convo/internal/logger"
	"github.com/convo/internal/model"
	"github.com/convo/internal/room"
)

type TypingInput struct {
	ConversationID string
	IsTyping       bool
}

// SetTyping records the flag and broadcasts it to the room. Only connections
// joined to the conversation room may signal typing there.
func (e *Engine) SetTyping(ctx context.Context, sub room.Subscriber, in TypingInput) error {
	if in.ConversationID == "" {
		return newError(CodeBadRequest, "conversationId is required")
	}
	if !e.rooms.IsMember(sub.ID(), in.ConversationID) {
		return ErrForbidden
	}
	ctx, cancel := e.opContext(ctx)
	defer cancel()
	e.publishTyping(ctx, sub.UserID(), in.ConversationID, in.IsTyping)
	return nil
}

// stopTyping clears the sender's flag after a send. Caller holds the
// conversation lock so the stop follows the message in every queue.
func (e *Engine) stopTyping(ctx context.Context, userID, conversationID string) {
	e.publishTyping(ctx, userID, conversationID, false)
}

func (e *Engine) publishTyping(ctx context.Context, userID, conversationID string, typing bool) {
	t := model.Typing{UserID: userID, ConversationID: conversationID, IsTyping: typing, UpdatedAt: e.clock.Now()}
	if err := e.eph.SetTyping(ctx, t); err != nil {
		logger.Warnf("chat: typing user=%s conversation=%s: %v", userID, conversationID, err)
	}
	e.rooms.Publish(room.Conversation(conversationID), event.TypingChanged(event.Typing{
		UserID:         userID,
		ConversationID: conversationID,
		IsTyping:       typing,
		Timestamp:      t.UpdatedAt,
	}))
}

// TypingUsers lists who is currently typing in the conversation.
func (e *Engine) TypingUsers(ctx context.Context, userID, conversationID string) ([]model.Typing, error) {
	ctx, cancel := e.opContext(ctx)
	defer cancel()
	if _, err := e.activeParticipant(ctx, conversationID, userID); err != nil {
		return nil, err
	}
	users, err := e.eph.TypingUsers(ctx, conversationID)
	if err != nil {
		logger.Errorf("chat.TypingUsers conversation=%s: %v", conversationID, err)
		return nil, ErrInternal
	}
	return users, nil
}
