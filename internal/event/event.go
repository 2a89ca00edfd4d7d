// Package event is the closed catalog of server-to-client events.
package event

import (
	"time"

	"github.com/convo/internal/model"
)

type Name string

const (
	MessageReceived     Name = "message:received"
	MessageEdit         Name = "message:edit"
	MessageRead         Name = "message:read"
	UserTyping          Name = "user:typing"
	UserStatus          Name = "user:status"
	NotificationMessage Name = "notification:message"
	SessionReady        Name = "session:ready"
)

// Event is one outbound publication. Data is one of the payload types below
// or *model.Message for MessageReceived.
type Event struct {
	Name Name `json:"event"`
	Data any  `json:"data"`
}

// MessageEdited is the delta broadcast after an edit.
type MessageEdited struct {
	MessageID       string    `json:"messageId"`
	ConversationID  string    `json:"conversationId"`
	NewContent      string    `json:"newContent"`
	PreviousContent string    `json:"previousContent"`
	UpdatedAt       time.Time `json:"updatedAt"`
	EditorID        string    `json:"editorId"`
}

type ReadReceipt struct {
	UserID         string    `json:"userId"`
	MessageID      string    `json:"messageId"`
	ConversationID string    `json:"conversationId"`
	ReadAt         time.Time `json:"readAt"`
}

type Typing struct {
	UserID         string    `json:"userId"`
	ConversationID string    `json:"conversationId"`
	IsTyping       bool      `json:"isTyping"`
	Timestamp      time.Time `json:"timestamp"`
}

type Status struct {
	UserID    string           `json:"userId"`
	Status    model.UserStatus `json:"status"`
	Timestamp time.Time        `json:"timestamp"`
}

// MessageNotification goes to a participant's personal room.
type MessageNotification struct {
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId"`
	SenderID       string `json:"senderId"`
	Preview        string `json:"preview"`
}

// Ready is sent to a connection once its rooms are bootstrapped.
type Ready struct {
	UserID          string   `json:"userId"`
	ConnectionID    string   `json:"connectionId"`
	ConversationIDs []string `json:"conversationIds"`
	OnlineUserIDs   []string `json:"onlineUserIds"`
}

func Received(m *model.Message) Event { return Event{Name: MessageReceived, Data: m} }

func Edited(p MessageEdited) Event { return Event{Name: MessageEdit, Data: p} }

func Read(p ReadReceipt) Event { return Event{Name: MessageRead, Data: p} }

func TypingChanged(p Typing) Event { return Event{Name: UserTyping, Data: p} }

func StatusChanged(p Status) Event { return Event{Name: UserStatus, Data: p} }
