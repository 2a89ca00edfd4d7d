package chat

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/convo/internal/event"
	"github.com/convo/internal/logger"
	"github.com/convo/internal/model"
	"github.com/convo/internal/room"
	"github.com/convo/internal/storage"
)

type SendInput struct {
	ConversationID string
	Content        string
	TemporaryID    string
	ParentID       *string
}

// SendResult is the acknowledgement of a send. TemporaryID echoes the client's
// correlation id so it can replace its optimistic copy.
type SendResult struct {
	TemporaryID string         `json:"temporaryId"`
	Message     *model.Message `json:"message"`
}

type EditInput struct {
	MessageID  string
	NewContent string
}

func (e *Engine) validContent(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", newError(CodeBadRequest, "content must not be empty")
	}
	if utf8.RuneCountInString(s) > e.opts.MaxContentLen {
		return "", newError(CodeBadRequest, "content exceeds %d characters", e.opts.MaxContentLen)
	}
	return s, nil
}

// SendMessage runs the message pipeline for sub. On success ack is called with
// the persisted message before it is broadcast to the conversation room, so
// the originating connection always sees its acknowledgement first. A returned
// error means nothing was broadcast and, unless it is INTERNAL_ERROR from the
// write itself, nothing was persisted.
func (e *Engine) SendMessage(ctx context.Context, sub room.Subscriber, in SendInput, ack func(SendResult)) error {
	defer logger.DeferLogDuration("chat.SendMessage", time.Now())()
	if in.ConversationID == "" {
		return newError(CodeBadRequest, "conversationId is required")
	}
	content, err := e.validContent(in.Content)
	if err != nil {
		return err
	}
	ctx, cancel := e.opContext(ctx)
	defer cancel()

	userID := sub.UserID()
	if _, err := e.activeParticipant(ctx, in.ConversationID, userID); err != nil {
		return err
	}
	if in.ParentID != nil {
		if err := e.checkParent(ctx, in.ConversationID, *in.ParentID); err != nil {
			return err
		}
	}
	sender := model.UserSummary{ID: userID}
	if u, err := e.store.GetUser(ctx, userID); err == nil {
		sender = u.Summary()
	} else if !errors.Is(err, storage.ErrNotFound) {
		logger.Warnf("chat.SendMessage sender user=%s: %v", userID, err)
	}

	unlock := e.convLocks.Lock(in.ConversationID)
	now := e.clock.Now()
	msg := &model.Message{
		ID:             e.opts.NewID(),
		ConversationID: in.ConversationID,
		SenderID:       userID,
		Content:        content,
		ParentID:       in.ParentID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := e.store.CreateMessage(ctx, msg); err != nil {
		unlock()
		logger.Errorf("chat.SendMessage conversation=%s user=%s: %v", in.ConversationID, userID, err)
		return ErrInternal
	}
	msg.Sender = &sender

	if ack != nil {
		ack(SendResult{TemporaryID: in.TemporaryID, Message: msg})
	}
	convRoom := room.Conversation(in.ConversationID)
	if n := e.rooms.Publish(convRoom, event.Received(msg)); n == 0 {
		logger.Warnf("chat.SendMessage message=%s reached no connection", msg.ID)
	}
	e.stopTyping(ctx, userID, in.ConversationID)
	unlock()

	e.notifyParticipants(ctx, msg, sender)
	return nil
}

func (e *Engine) checkParent(ctx context.Context, conversationID, parentID string) error {
	p, err := e.store.GetMessage(ctx, parentID)
	if errors.Is(err, storage.ErrNotFound) {
		return newError(CodeNotFound, "parent message not found")
	}
	if err != nil {
		logger.Errorf("chat: parent message=%s: %v", parentID, err)
		return ErrInternal
	}
	if p.ConversationID != conversationID {
		return newError(CodeBadRequest, "parent message belongs to another conversation")
	}
	return nil
}

// notifyParticipants pings every other participant's personal room and pushes
// to those with no open connection. Failures here never fail the send.
func (e *Engine) notifyParticipants(ctx context.Context, msg *model.Message, sender model.UserSummary) {
	ids, err := e.store.ActiveParticipantIDs(ctx, msg.ConversationID)
	if err != nil {
		logger.Errorf("chat: notify conversation=%s: %v", msg.ConversationID, err)
		return
	}
	note := event.Event{Name: event.NotificationMessage, Data: event.MessageNotification{
		ConversationID: msg.ConversationID,
		MessageID:      msg.ID,
		SenderID:       msg.SenderID,
		Preview:        preview(msg.Content),
	}}
	var offline []string
	for _, id := range ids {
		if id == msg.SenderID {
			continue
		}
		if e.presence.IsOnline(id) {
			e.rooms.Publish(room.Personal(id), note)
		} else {
			offline = append(offline, id)
		}
	}
	if e.opts.Push == nil || len(offline) == 0 {
		return
	}
	title := sender.DisplayName
	if title == "" {
		title = "New message"
	}
	data := map[string]string{"conversationId": msg.ConversationID, "messageId": msg.ID}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ctx, cancel := e.opContext(e.ctx)
		defer cancel()
		for _, id := range offline {
			e.opts.Push.Notify(ctx, id, title, preview(msg.Content), data)
		}
	}()
}

func preview(s string) string {
	if utf8.RuneCountInString(s) <= previewLen {
		return s
	}
	r := []rune(s)
	return string(r[:previewLen]) + "…"
}

// EditMessage lets the original sender replace a message's content. The
// pre-edit content is appended to the edit history before the overwrite.
func (e *Engine) EditMessage(ctx context.Context, sub room.Subscriber, in EditInput, ack func(event.MessageEdited)) error {
	defer logger.DeferLogDuration("chat.EditMessage", time.Now())()
	if in.MessageID == "" {
		return newError(CodeBadRequest, "messageId is required")
	}
	content, err := e.validContent(in.NewContent)
	if err != nil {
		return err
	}
	ctx, cancel := e.opContext(ctx)
	defer cancel()

	m, err := e.store.GetMessage(ctx, in.MessageID)
	if errors.Is(err, storage.ErrNotFound) {
		return newError(CodeNotFound, "message not found")
	}
	if err != nil {
		logger.Errorf("chat.EditMessage message=%s: %v", in.MessageID, err)
		return ErrInternal
	}
	editor := sub.UserID()
	if m.SenderID != editor {
		return newError(CodeForbidden, "only the sender can edit a message")
	}
	if _, err := e.activeParticipant(ctx, m.ConversationID, editor); err != nil {
		return err
	}

	unlock := e.convLocks.Lock(m.ConversationID)
	defer unlock()
	at := e.clock.Now()
	rec, err := e.store.UpdateMessageContent(ctx, m.ID, editor, content, at, e.opts.NewID())
	if errors.Is(err, storage.ErrNotFound) {
		return newError(CodeNotFound, "message not found")
	}
	if err != nil {
		logger.Errorf("chat.EditMessage message=%s: %v", m.ID, err)
		return ErrInternal
	}
	delta := event.MessageEdited{
		MessageID:       m.ID,
		ConversationID:  m.ConversationID,
		NewContent:      content,
		PreviousContent: rec.PreviousContent,
		UpdatedAt:       at,
		EditorID:        editor,
	}
	if ack != nil {
		ack(delta)
	}
	e.rooms.Publish(room.Conversation(m.ConversationID), event.Edited(delta))
	return nil
}
