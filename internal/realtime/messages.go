package realtime

import (
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// Message types exchanged over the editor transport.
const (
	MessageTypeInit       = "init"
	MessageTypeUpdate     = "update"
	MessageTypeUserJoined = "user_joined"
	MessageTypeUserLeft   = "user_left"
	MessageTypeSaved      = "saved"
	MessageTypeError      = "error"
)

const timestampLayout = time.RFC3339Nano

var (
	errMalformedMessage   = errors.New("malformed message")
	errMissingMessageType = errors.New("message type is required")
	errMissingContent     = errors.New("update requires content")
	errInvalidTimestamp   = errors.New("update timestamp must be an integer")
)

// UpdateRequest is an inbound edit carrying the full document content.
type UpdateRequest struct {
	Content string
	// Timestamp is the client clock in epoch milliseconds; nil when the client omitted it.
	Timestamp *int64
}

type inboundEnvelope struct {
	Type      string       `json:"type"`
	Content   *string      `json:"content"`
	Timestamp *json.Number `json:"timestamp"`
}

func decodeInbound(payload []byte) (inboundEnvelope, error) {
	var envelope inboundEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return inboundEnvelope{}, errMalformedMessage
	}
	envelope.Type = strings.TrimSpace(envelope.Type)
	if envelope.Type == "" {
		return inboundEnvelope{}, errMissingMessageType
	}
	return envelope, nil
}

func (envelope inboundEnvelope) updateRequest() (UpdateRequest, error) {
	if envelope.Content == nil {
		return UpdateRequest{}, errMissingContent
	}
	request := UpdateRequest{Content: *envelope.Content}
	if envelope.Timestamp != nil {
		timestamp, err := envelope.Timestamp.Int64()
		if err != nil {
			return UpdateRequest{}, errInvalidTimestamp
		}
		request.Timestamp = &timestamp
	}
	return request, nil
}

type initMessage struct {
	Type         string   `json:"type"`
	Content      string   `json:"content"`
	Users        []string `json:"users"`
	LastEditedBy *string  `json:"lastEditedBy"`
	LastEditedAt *string  `json:"lastEditedAt"`
}

type updateMessage struct {
	Type      string `json:"type"`
	Content   string `json:"content"`
	UserID    string `json:"userId"`
	Timestamp int64  `json:"timestamp"`
}

type presenceMessage struct {
	Type   string   `json:"type"`
	UserID string   `json:"userId"`
	Users  []string `json:"users"`
}

type savedMessage struct {
	Type      string `json:"type"`
	Timestamp string `json:"timestamp"`
}

type errorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func newInitMessage(snapshot Snapshot) initMessage {
	message := initMessage{
		Type:    MessageTypeInit,
		Content: snapshot.Content,
		Users:   nonNilUsers(snapshot.Users),
	}
	if snapshot.LastEditedBy != "" {
		editor := snapshot.LastEditedBy.String()
		message.LastEditedBy = &editor
	}
	if !snapshot.LastEditedAt.IsZero() {
		editedAt := formatTimestamp(snapshot.LastEditedAt)
		message.LastEditedAt = &editedAt
	}
	return message
}

func newPresenceMessage(messageType string, userID string, users []string) presenceMessage {
	return presenceMessage{Type: messageType, UserID: userID, Users: nonNilUsers(users)}
}

func formatTimestamp(value time.Time) string {
	return value.UTC().Format(timestampLayout)
}

func nonNilUsers(users []string) []string {
	if users == nil {
		return []string{}
	}
	return users
}
