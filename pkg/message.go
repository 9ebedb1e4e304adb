package pkg

import (
	"encoding/json"
	"errors"
	"fmt"
)

var ErrMalformedEnvelope = errors.New("malformed envelope")

type MessageType string

const (
	// Client to server.
	TypeClientPublicKey MessageType = "client-public-key"
	TypeSetUsername     MessageType = "set-username"
	TypeChat            MessageType = "chat"
	TypeTyping          MessageType = "typing"

	// Server to client.
	TypeServerPublicKey MessageType = "server-public-key"
	TypeUserList        MessageType = "user-list"
	TypeUserJoined      MessageType = "user-joined"
	TypeUserLeft        MessageType = "user-left"
	TypeUserTyping      MessageType = "user-typing"
	TypeChatMessage     MessageType = "chat-message"
)

// Envelope is one inbound record. Only the fields for the given Type are
// expected to be present; Tag is a pointer because its absence selects the
// trailing-tag ciphertext convention.
type Envelope struct {
	Type     MessageType `json:"type"`
	Key      string      `json:"key,omitempty"`
	Username string      `json:"username,omitempty"`
	IV       string      `json:"iv,omitempty"`
	Data     string      `json:"data,omitempty"`
	Tag      *string     `json:"tag,omitempty"`
	IsTyping bool        `json:"isTyping,omitempty"`
}

func decodeEnvelope(message []byte) (*Envelope, error) {
	var envelope Envelope
	if err := json.Unmarshal(message, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}

	if envelope.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformedEnvelope)
	}

	return &envelope, nil
}

// UserSummary is the public identity of a session in presence payloads.
type UserSummary struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Color    string `json:"color"`
}

type ServerPublicKeyMessage struct {
	Type MessageType `json:"type"`
	Key  string      `json:"key"`
}

type UserListMessage struct {
	Type  MessageType   `json:"type"`
	Users []UserSummary `json:"users"`
}

type UserJoinedMessage struct {
	Type MessageType `json:"type"`
	User UserSummary `json:"user"`
}

type UserLeftMessage struct {
	Type     MessageType `json:"type"`
	UserID   string      `json:"userId"`
	Username string      `json:"username"`
}

type UserTypingMessage struct {
	Type     MessageType `json:"type"`
	UserID   string      `json:"userId"`
	Username string      `json:"username"`
	IsTyping bool        `json:"isTyping"`
}

type ChatBroadcastMessage struct {
	Type      MessageType `json:"type"`
	Sender    UserSummary `json:"sender"`
	Message   string      `json:"message"`
	Timestamp string      `json:"timestamp"`
}
