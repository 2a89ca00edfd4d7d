package ws

import (
	"encoding/json"
	"errors"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/convo/internal/chat"
)

type CommandName string

const (
	CmdJoin   CommandName = "conversation:join"
	CmdLeave  CommandName = "conversation:leave"
	CmdSend   CommandName = "message:send"
	CmdEdit   CommandName = "message:edit"
	CmdRead   CommandName = "message:read"
	CmdTyping CommandName = "user:typing"
)

const (
	EventAck   = "ack"
	EventError = "error"
)

// envelope is the raw inbound frame.
type envelope struct {
	Event CommandName     `json:"event"`
	AckID string          `json:"ack_id,omitempty"`
	Data  json.RawMessage `json:"data"`
}

// Inbound is one decoded client command. Cmd is exactly one of the *Command
// types below.
type Inbound struct {
	AckID string
	Cmd   any
}

type JoinCommand struct {
	ConversationID string `json:"conversationId" validate:"required"`
}

type LeaveCommand struct {
	ConversationID string `json:"conversationId" validate:"required"`
}

type SendCommand struct {
	ConversationID string  `json:"conversationId" validate:"required"`
	Content        string  `json:"content"`
	TemporaryID    string  `json:"temporaryId" validate:"max=128"`
	ParentID       *string `json:"parentId,omitempty"`
}

type EditCommand struct {
	MessageID  string `json:"messageId" validate:"required"`
	NewContent string `json:"newContent"`
}

type ReadCommand struct {
	ConversationID string `json:"conversationId" validate:"required"`
	MessageID      string `json:"messageId" validate:"required"`
}

type TypingCommand struct {
	ConversationID string `json:"conversationId" validate:"required"`
	IsTyping       bool   `json:"isTyping"`
}

var validate = newValidator()

// newValidator reports fields by their wire names.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

func badRequest(msg string) error {
	return &chat.Error{Code: chat.CodeBadRequest, Message: msg}
}

func invalid(event CommandName, err error) error {
	var fields validator.ValidationErrors
	if errors.As(err, &fields) && len(fields) > 0 {
		f := fields[0]
		if f.Tag() == "required" {
			return badRequest(f.Field() + " is required")
		}
		return badRequest(f.Field() + " is invalid")
	}
	return badRequest("malformed " + string(event) + " payload")
}

func decodeCommand[T any](event CommandName, data json.RawMessage) (T, error) {
	var c T
	if err := json.Unmarshal(data, &c); err != nil {
		return c, invalid(event, err)
	}
	if err := validate.Struct(c); err != nil {
		return c, invalid(event, err)
	}
	return c, nil
}

// Decode parses and shape-checks one frame. Content rules (trimming, length)
// stay with the engine. The returned Inbound carries the ack id even when err
// is set, so the error can be correlated.
func Decode(raw []byte) (Inbound, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Inbound{}, badRequest("malformed frame")
	}
	in := Inbound{AckID: env.AckID}
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return in, badRequest("data is required")
	}

	var err error
	switch env.Event {
	case CmdJoin:
		in.Cmd, err = decodeCommand[JoinCommand](env.Event, env.Data)
	case CmdLeave:
		in.Cmd, err = decodeCommand[LeaveCommand](env.Event, env.Data)
	case CmdSend:
		var c SendCommand
		c, err = decodeCommand[SendCommand](env.Event, env.Data)
		if c.ParentID != nil && strings.TrimSpace(*c.ParentID) == "" {
			c.ParentID = nil
		}
		in.Cmd = c
	case CmdEdit:
		in.Cmd, err = decodeCommand[EditCommand](env.Event, env.Data)
	case CmdRead:
		in.Cmd, err = decodeCommand[ReadCommand](env.Event, env.Data)
	case CmdTyping:
		in.Cmd, err = decodeCommand[TypingCommand](env.Event, env.Data)
	default:
		return in, badRequest("unknown event")
	}
	if err != nil {
		return in, err
	}
	return in, nil
}

// Frame is what the server writes: room events, acks and errors.
type Frame struct {
	Event string      `json:"event"`
	AckID string      `json:"ack_id,omitempty"`
	Data  any         `json:"data,omitempty"`
	Error *chat.Error `json:"error,omitempty"`
}

type okPayload struct {
	OK bool `json:"ok"`
}
