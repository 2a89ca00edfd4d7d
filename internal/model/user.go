package model

import "time"

type UserStatus string

const (
	UserStatusOnline  UserStatus = "online"
	UserStatusOffline UserStatus = "offline"
	UserStatusAway    UserStatus = "away"
	UserStatusBusy    UserStatus = "busy"
)

// User is never deleted; presence transitions only touch Status and LastActiveAt.
type User struct {
	ID           string     `json:"id"`
	DisplayName  string     `json:"displayName"`
	AvatarURL    string     `json:"avatarUrl,omitempty"`
	Status       UserStatus `json:"status"`
	LastActiveAt time.Time  `json:"lastActiveAt"`
	CreatedAt    time.Time  `json:"createdAt"`

	// IsTypingIn and TypingUpdatedAt are filled from the ephemeral store on
	// read, never persisted.
	IsTypingIn      *string    `json:"isTypingIn,omitempty"`
	TypingUpdatedAt *time.Time `json:"typingUpdatedAt,omitempty"`
}

// UserSummary is the denormalized sender attached to broadcast messages.
type UserSummary struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
}

func (u *User) Summary() UserSummary {
	return UserSummary{ID: u.ID, DisplayName: u.DisplayName, AvatarURL: u.AvatarURL}
}

// Typing is the ephemeral composing flag of one user in one conversation.
// Last write wins; it is kept by the ephemeral store, not the gateway.
type Typing struct {
	UserID         string    `json:"userId"`
	ConversationID string    `json:"conversationId"`
	IsTyping       bool      `json:"isTyping"`
	UpdatedAt      time.Time `json:"timestamp"`
}
