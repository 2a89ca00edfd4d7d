// Package storage declares the contracts the conversation engine consumes:
// the durable Gateway and the Ephemeral store for short-lived state.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/convo/internal/model"
)

var ErrNotFound = errors.New("not found")

// Gateway owns all durable state. Implementations: repository.Gateway
// (PostgreSQL) and memory.Gateway (tests, local runs).
type Gateway interface {
	CreateUser(ctx context.Context, u *model.User) error
	GetUser(ctx context.Context, id string) (*model.User, error)
	// SetUserStatus records a presence transition and its lastActiveAt.
	SetUserStatus(ctx context.Context, userID string, status model.UserStatus, at time.Time) error
	// ResetPresence marks every user offline; called on process start.
	ResetPresence(ctx context.Context) error

	// CreateConversation stores c and its initial participants in one step.
	CreateConversation(ctx context.Context, c *model.Conversation, participants []model.Participant) error
	GetConversation(ctx context.Context, id string) (*model.Conversation, error)
	ListConversations(ctx context.Context, userID string, limit, offset int) ([]model.Conversation, error)
	GetParticipant(ctx context.Context, conversationID, userID string) (*model.Participant, error)
	AddParticipant(ctx context.Context, p *model.Participant) error
	// LeaveConversation soft-deletes the participant (isActive=false, leftAt=at).
	LeaveConversation(ctx context.Context, conversationID, userID string, at time.Time) error
	ActiveConversationIDs(ctx context.Context, userID string) ([]string, error)
	ActiveParticipantIDs(ctx context.Context, conversationID string) ([]string, error)

	// CreateMessage persists m and points the conversation's lastMessageId at it
	// as one logical operation.
	CreateMessage(ctx context.Context, m *model.Message) error
	GetMessage(ctx context.Context, id string) (*model.Message, error)
	ListMessages(ctx context.Context, conversationID string, q model.HistoryQuery) ([]model.Message, error)
	// UpdateMessageContent appends an edit record holding the pre-edit content,
	// then overwrites content, sets isEdited and updatedAt. The returned edit
	// carries the content that was replaced.
	UpdateMessageContent(ctx context.Context, messageID, editorID, content string, at time.Time, editID string) (*model.MessageEdit, error)
	ListEdits(ctx context.Context, messageID string) ([]model.MessageEdit, error)

	// MarkRead creates receipts for every message of the conversation created at
	// or before upTo, not sent by userID and not yet receipted, as one batch, and
	// advances lastReadMessageId only when upTo is not older than the current one.
	MarkRead(ctx context.Context, conversationID, userID string, upTo *model.Message, at time.Time) (model.MarkReadResult, error)
	UnreadCount(ctx context.Context, conversationID, userID string) (int, error)
	ListReceipts(ctx context.Context, messageID string) ([]model.ReadReceipt, error)

	Close() error
}

// Ephemeral holds state that may be lost without harm: typing flags, the
// lastActiveAt mirror and per-user command rate windows.
// Implementations: redis.Client and memory.Ephemeral.
type Ephemeral interface {
	// SetTyping stores t; IsTyping=false removes the flag.
	SetTyping(ctx context.Context, t model.Typing) error
	TypingUsers(ctx context.Context, conversationID string) ([]model.Typing, error)
	SetLastActive(ctx context.Context, userID string, at time.Time) error
	LastActive(ctx context.Context, userID string) (time.Time, error)
	// AllowCommand counts one command for userID and reports whether it fits the window.
	AllowCommand(ctx context.Context, userID string) (bool, error)
	Close() error
}
