package types

import (
	"time"
)

type UserStatus string

const (
	UserStatusOnline  UserStatus = "online"
	UserStatusOffline UserStatus = "offline"
)

type ConversationType string

const (
	ConversationTypePrivate   ConversationType = "private"
	ConversationTypeGroup     ConversationType = "group"
	ConversationTypeBroadcast ConversationType = "broadcast"
)

type User struct {
	Id           string    `json:"id"`
	Username     string    `json:"username"`
	EmailAddress string    `json:"email_address,omitempty"`
	CreatedAt    time.Time `json:"created_at,omitempty"`
	UpdatedAt    time.Time `json:"updated_at,omitempty"`
}

// ConversationSummary is the denormalized preview of a conversation
// shown in a conversation list without loading full message history.
type ConversationSummary struct {
	Id            string           `json:"id"`
	Type          ConversationType `json:"type"`
	Name          string           `json:"name,omitempty"`
	LastMessage   string           `json:"last_message,omitempty"`
	LastMessageAt time.Time        `json:"last_message_at,omitempty"`
	LastSenderId  string           `json:"last_sender_id,omitempty"`
}
