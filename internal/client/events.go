package client

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/npezzotti/go-chatsync/internal/types"
	"github.com/teris-io/shortid"
)

// Event names delivered by the chat server.
const (
	EventOnlineUsers    = "online_users"
	EventUserStatus     = "user_status"
	EventUserTyping     = "user_typing"
	EventReceiveMessage = "receive_message"
	EventDeleteMessage  = "delete_message"
	EventDeleteForMe    = "delete_for_me"
	EventLastMessage    = "last_message"
	EventUserCreated    = "user_created"
)

// Event names emitted to the chat server.
const (
	EventJoinConversation = "join_conversation"
	EventTyping           = "typing"
)

// Envelope is the wire frame for every event in either direction. The
// payload format is owned by the server; Data is decoded per event kind.
type Envelope struct {
	Id        string          `json:"id,omitempty"`
	Event     string          `json:"event"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp,omitempty"`
}

type OnlineUsers struct {
	Users []string `json:"users"`
}

type UserStatusUpdate struct {
	UserId string           `json:"user_id"`
	Status types.UserStatus `json:"status"`
}

type TypingEvent struct {
	ConversationId string `json:"conversation_id"`
	UserId         string `json:"user_id"`
}

type MessageEvent struct {
	ConversationId string `json:"conversation_id"`
	MessageId      string `json:"message_id,omitempty"`
	UserId         string `json:"user_id,omitempty"`
}

type LastMessageEvent struct {
	ConversationId string    `json:"conversation_id"`
	Text           string    `json:"text"`
	UpdatedAt      time.Time `json:"updated_at"`
	UserId         string    `json:"user_id"`
}

type UserCreatedEvent struct {
	User types.User `json:"user"`
}

type JoinConversationSignal struct {
	ConversationId string `json:"conversation_id"`
}

type TypingSignal struct {
	ConversationId string `json:"conversation_id"`
	UserId         string `json:"user_id"`
}

// newEnvelope wraps an outbound payload in an Envelope with a generated
// correlation id.
func newEnvelope(event string, payload any) (*Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", event, err)
	}

	id, err := shortid.Generate()
	if err != nil {
		return nil, fmt.Errorf("generate id: %w", err)
	}

	return &Envelope{
		Id:        id,
		Event:     event,
		Data:      data,
		Timestamp: Now(),
	}, nil
}

func Now() time.Time {
	return time.Now().UTC().Round(time.Millisecond)
}
