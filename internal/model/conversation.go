package model

import (
	"errors"
	"strings"
	"time"
)

type ConversationType string

const (
	ConversationTypeDM     ConversationType = "dm"
	ConversationTypeGroup  ConversationType = "group"
	ConversationTypePublic ConversationType = "public"
)

type ParticipantRole string

const (
	RoleMember ParticipantRole = "member"
	RoleAdmin  ParticipantRole = "admin"
)

var (
	ErrInvalidConversationType = errors.New("invalid conversation type")
	ErrDMNamed                 = errors.New("dm conversation cannot have a name or avatar")
	ErrNameRequired            = errors.New("group and public conversations require a name")
	ErrDMParticipants          = errors.New("dm conversation requires exactly two participants")
)

type Conversation struct {
	ID            string           `json:"id"`
	Type          ConversationType `json:"type"`
	Name          *string          `json:"name,omitempty"`
	AvatarURL     *string          `json:"avatarUrl,omitempty"`
	LastMessageID *string          `json:"lastMessageId,omitempty"`
	CreatedAt     time.Time        `json:"createdAt"`
	UpdatedAt     time.Time        `json:"updatedAt"`
}

// Validate checks the type/name invariants. activeParticipants is only
// checked for dm conversations.
func (c *Conversation) Validate(activeParticipants int) error {
	switch c.Type {
	case ConversationTypeDM:
		if c.Name != nil || c.AvatarURL != nil {
			return ErrDMNamed
		}
		if activeParticipants != 2 {
			return ErrDMParticipants
		}
	case ConversationTypeGroup, ConversationTypePublic:
		if c.Name == nil || strings.TrimSpace(*c.Name) == "" {
			return ErrNameRequired
		}
	default:
		return ErrInvalidConversationType
	}
	return nil
}

// Participant is soft-deleted: IsActive=false plus LeftAt, never removed.
type Participant struct {
	ConversationID    string          `json:"conversationId"`
	UserID            string          `json:"userId"`
	Role              ParticipantRole `json:"role"`
	JoinedAt          time.Time       `json:"joinedAt"`
	LeftAt            *time.Time      `json:"leftAt,omitempty"`
	IsActive          bool            `json:"isActive"`
	IsMuted           bool            `json:"isMuted"`
	LastReadMessageID *string         `json:"lastReadMessageId,omitempty"`
}

// ConversationWithUnread is one row of the conversation list.
type ConversationWithUnread struct {
	Conversation
	UnreadCount int `json:"unreadCount"`
}
