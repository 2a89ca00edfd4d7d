package chat

import (
	"context"
	"errors"
	"time"

	"github.com/convo/internal/event"
	"github.com/convo/internal/logger"
	"github.com/convo/internal/model"
	"github.com/convo/internal/room"
	"github.com/convo/internal/storage"
)

type ReadInput struct {
	ConversationID string
	MessageID      string
}

// MarkRead receipts every message of the conversation up to and including
// in.MessageID and advances the read position when it moves forward. Marking
// an older message is a no-op for the read position. The room only hears
// about calls that changed something.
func (e *Engine) MarkRead(ctx context.Context, sub room.Subscriber, in ReadInput) (model.MarkReadResult, error) {
	defer logger.DeferLogDuration("chat.MarkRead", time.Now())()
	var res model.MarkReadResult
	if in.ConversationID == "" || in.MessageID == "" {
		return res, newError(CodeBadRequest, "conversationId and messageId are required")
	}
	ctx, cancel := e.opContext(ctx)
	defer cancel()

	userID := sub.UserID()
	if _, err := e.activeParticipant(ctx, in.ConversationID, userID); err != nil {
		return res, err
	}
	m, err := e.store.GetMessage(ctx, in.MessageID)
	if errors.Is(err, storage.ErrNotFound) || (err == nil && m.ConversationID != in.ConversationID) {
		return res, newError(CodeNotFound, "message not found")
	}
	if err != nil {
		logger.Errorf("chat.MarkRead message=%s: %v", in.MessageID, err)
		return res, ErrInternal
	}

	unlock := e.convLocks.Lock(in.ConversationID)
	defer unlock()
	at := e.clock.Now()
	res, err = e.store.MarkRead(ctx, in.ConversationID, userID, m, at)
	if err != nil {
		logger.Errorf("chat.MarkRead conversation=%s user=%s: %v", in.ConversationID, userID, err)
		return res, ErrInternal
	}
	if res.ReceiptsCreated > 0 || res.Advanced {
		e.rooms.Publish(room.Conversation(in.ConversationID), event.Read(event.ReadReceipt{
			UserID:         userID,
			MessageID:      m.ID,
			ConversationID: in.ConversationID,
			ReadAt:         at,
		}))
	}
	return res, nil
}

// UnreadCount counts messages from others after the user's read position.
func (e *Engine) UnreadCount(ctx context.Context, userID, conversationID string) (int, error) {
	ctx, cancel := e.opContext(ctx)
	defer cancel()
	if _, err := e.activeParticipant(ctx, conversationID, userID); err != nil {
		return 0, err
	}
	n, err := e.store.UnreadCount(ctx, conversationID, userID)
	if err != nil {
		logger.Errorf("chat.UnreadCount conversation=%s user=%s: %v", conversationID, userID, err)
		return 0, ErrInternal
	}
	return n, nil
}

// ListConversations pages the user's active conversations, newest activity
// first, each with its unread count.
func (e *Engine) ListConversations(ctx context.Context, userID string, limit, offset int) ([]model.ConversationWithUnread, error) {
	ctx, cancel := e.opContext(ctx)
	defer cancel()
	convs, err := e.store.ListConversations(ctx, userID, limit, offset)
	if err != nil {
		logger.Errorf("chat.ListConversations user=%s: %v", userID, err)
		return nil, ErrInternal
	}
	out := make([]model.ConversationWithUnread, 0, len(convs))
	for _, c := range convs {
		n, err := e.store.UnreadCount(ctx, c.ID, userID)
		if err != nil {
			logger.Errorf("chat.ListConversations unread conversation=%s: %v", c.ID, err)
			return nil, ErrInternal
		}
		out = append(out, model.ConversationWithUnread{Conversation: c, UnreadCount: n})
	}
	return out, nil
}

// History pages a conversation's messages in ascending createdAt order.
func (e *Engine) History(ctx context.Context, userID, conversationID string, q model.HistoryQuery) ([]model.Message, error) {
	ctx, cancel := e.opContext(ctx)
	defer cancel()
	if _, err := e.activeParticipant(ctx, conversationID, userID); err != nil {
		return nil, err
	}
	msgs, err := e.store.ListMessages(ctx, conversationID, q)
	if err != nil {
		logger.Errorf("chat.History conversation=%s: %v", conversationID, err)
		return nil, ErrInternal
	}
	return msgs, nil
}

// Edits returns a message's edit history, oldest first.
func (e *Engine) Edits(ctx context.Context, userID, messageID string) ([]model.MessageEdit, error) {
	ctx, cancel := e.opContext(ctx)
	defer cancel()
	m, err := e.store.GetMessage(ctx, messageID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, newError(CodeNotFound, "message not found")
	}
	if err != nil {
		logger.Errorf("chat.Edits message=%s: %v", messageID, err)
		return nil, ErrInternal
	}
	if _, err := e.activeParticipant(ctx, m.ConversationID, userID); err != nil {
		return nil, err
	}
	edits, err := e.store.ListEdits(ctx, messageID)
	if err != nil {
		logger.Errorf("chat.Edits message=%s: %v", messageID, err)
		return nil, ErrInternal
	}
	return edits, nil
}

// Receipts lists who has read a message.
func (e *Engine) Receipts(ctx context.Context, userID, messageID string) ([]model.ReadReceipt, error) {
	ctx, cancel := e.opContext(ctx)
	defer cancel()
	m, err := e.store.GetMessage(ctx, messageID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, newError(CodeNotFound, "message not found")
	}
	if err != nil {
		logger.Errorf("chat.Receipts message=%s: %v", messageID, err)
		return nil, ErrInternal
	}
	if _, err := e.activeParticipant(ctx, m.ConversationID, userID); err != nil {
		return nil, err
	}
	rs, err := e.store.ListReceipts(ctx, messageID)
	if err != nil {
		logger.Errorf("chat.Receipts message=%s: %v", messageID, err)
		return nil, ErrInternal
	}
	return rs, nil
}
