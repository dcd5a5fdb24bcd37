package signal

import (
	"encoding/json"
	"fmt"

	"meshroom/native/internal/domain"
)

// MessageType is the "type" field of the wire envelope.
type MessageType string

const (
	TypeJoinRoom    MessageType = "join-room"
	TypeLeaveRoom   MessageType = "leave-room"
	TypeUserJoined  MessageType = "user-joined"
	TypeUserLeft    MessageType = "user-left"
	TypeChatMessage MessageType = "chat-message"
	TypeReaction    MessageType = "reaction"
	TypeSignaling   MessageType = "signaling"
)

// envelope is the JSON object carried by every frame.
type envelope struct {
	Type   MessageType     `json:"type"`
	RoomID string          `json:"roomId,omitempty"`
	UserID string          `json:"userId,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// Message is one decoded frame. The concrete type is selected by the
// envelope type.
type Message interface {
	Type() MessageType
}

type JoinRoom struct {
	RoomID string
	User   domain.User
}

type LeaveRoom struct {
	RoomID string
}

type UserJoined struct {
	RoomID string
	User   domain.User
}

type UserLeft struct {
	RoomID string
	UserID string
}

type Chat struct {
	RoomID string
	domain.ChatMessage
}

type Reaction struct {
	RoomID string
	domain.Reaction
}

// Signaling carries a negotiation payload. On the way out UserID is the
// target participant; on the way in it is the participant the payload
// concerns.
type Signaling struct {
	RoomID  string
	UserID  string
	Payload domain.NegotiationPayload
}

func (JoinRoom) Type() MessageType   { return TypeJoinRoom }
func (LeaveRoom) Type() MessageType  { return TypeLeaveRoom }
func (UserJoined) Type() MessageType { return TypeUserJoined }
func (UserLeft) Type() MessageType   { return TypeUserLeft }
func (Chat) Type() MessageType       { return TypeChatMessage }
func (Reaction) Type() MessageType   { return TypeReaction }
func (Signaling) Type() MessageType  { return TypeSignaling }

type userLeftData struct {
	UserID string `json:"userId"`
}

// Encode marshals m into a wire frame.
func Encode(m Message) ([]byte, error) {
	env := envelope{Type: m.Type()}
	var data any

	switch m := m.(type) {
	case JoinRoom:
		env.RoomID, data = m.RoomID, m.User
	case LeaveRoom:
		env.RoomID = m.RoomID
	case UserJoined:
		env.RoomID, data = m.RoomID, m.User
	case UserLeft:
		env.RoomID, data = m.RoomID, userLeftData{UserID: m.UserID}
	case Chat:
		env.RoomID, data = m.RoomID, m.ChatMessage
	case Reaction:
		env.RoomID, data = m.RoomID, m.Reaction
	case Signaling:
		env.RoomID, env.UserID, data = m.RoomID, m.UserID, m.Payload
	default:
		return nil, fmt.Errorf("encode: unsupported message %T", m)
	}

	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("encode %s data: %w", env.Type, err)
		}
		env.Data = raw
	}
	return json.Marshal(env)
}

// Decode parses and validates a wire frame. Every failure wraps
// domain.ErrProtocolViolation.
func Decode(frame []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, violation("malformed frame: %v", err)
	}

	switch env.Type {
	case TypeJoinRoom:
		var u domain.User
		if err := decodeData(env, &u); err != nil {
			return nil, err
		}
		if env.RoomID == "" || u.ID == "" {
			return nil, violation("join-room needs roomId and user id")
		}
		return JoinRoom{RoomID: env.RoomID, User: u}, nil

	case TypeLeaveRoom:
		if env.RoomID == "" {
			return nil, violation("leave-room needs roomId")
		}
		return LeaveRoom{RoomID: env.RoomID}, nil

	case TypeUserJoined:
		var u domain.User
		if err := decodeData(env, &u); err != nil {
			return nil, err
		}
		if u.ID == "" {
			return nil, violation("user-joined without user id")
		}
		return UserJoined{RoomID: env.RoomID, User: u}, nil

	case TypeUserLeft:
		var d userLeftData
		if err := decodeData(env, &d); err != nil {
			return nil, err
		}
		if d.UserID == "" {
			return nil, violation("user-left without userId")
		}
		return UserLeft{RoomID: env.RoomID, UserID: d.UserID}, nil

	case TypeChatMessage:
		var c domain.ChatMessage
		if err := decodeData(env, &c); err != nil {
			return nil, err
		}
		if c.UserID == "" {
			return nil, violation("chat-message without userId")
		}
		return Chat{RoomID: env.RoomID, ChatMessage: c}, nil

	case TypeReaction:
		var r domain.Reaction
		if err := decodeData(env, &r); err != nil {
			return nil, err
		}
		if r.Emoji == "" {
			return nil, violation("reaction without emoji")
		}
		return Reaction{RoomID: env.RoomID, Reaction: r}, nil

	case TypeSignaling:
		if env.UserID == "" {
			return nil, violation("signaling without userId")
		}
		var p domain.NegotiationPayload
		if err := decodeData(env, &p); err != nil {
			return nil, err
		}
		if err := p.Validate(); err != nil {
			return nil, err
		}
		return Signaling{RoomID: env.RoomID, UserID: env.UserID, Payload: p}, nil

	case "":
		return nil, violation("frame without type")
	default:
		return nil, violation("unknown message type %q", env.Type)
	}
}

func decodeData(env envelope, v any) error {
	if len(env.Data) == 0 {
		return violation("%s without data", env.Type)
	}
	if err := json.Unmarshal(env.Data, v); err != nil {
		return violation("%s data: %v", env.Type, err)
	}
	return nil
}

func violation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", domain.ErrProtocolViolation, fmt.Sprintf(format, args...))
}
