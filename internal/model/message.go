package model

import "time"

type Message struct {
	ID             string       `json:"id"`
	ConversationID string       `json:"conversationId"`
	SenderID       string       `json:"senderId"`
	Content        string       `json:"content"`
	ParentID       *string      `json:"parentId,omitempty"`
	IsEdited       bool         `json:"isEdited"`
	CreatedAt      time.Time    `json:"createdAt"`
	UpdatedAt      time.Time    `json:"updatedAt"`
	Sender         *UserSummary `json:"sender,omitempty"`
}

// MessageEdit is an append-only record of the content a message had before an edit.
type MessageEdit struct {
	ID              string    `json:"id"`
	MessageID       string    `json:"messageId"`
	EditorID        string    `json:"editorId"`
	PreviousContent string    `json:"previousContent"`
	EditedAt        time.Time `json:"editedAt"`
}

type ReadReceipt struct {
	MessageID string    `json:"messageId"`
	UserID    string    `json:"userId"`
	ReadAt    time.Time `json:"readAt"`
}

// MarkReadResult reports what a mark-read call changed.
type MarkReadResult struct {
	ReceiptsCreated int  `json:"receiptsCreated"`
	Advanced        bool `json:"advanced"`
}

// HistoryQuery pages message history by created_at. Before and After are exclusive.
type HistoryQuery struct {
	Limit  int
	Before *time.Time
	After  *time.Time
}
