// Package chat defines the chat wire shapes and the destination naming
// convention shared by every transport.
package chat

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// RoomID identifies a chat room on the history service.
type RoomID int64

func (r RoomID) String() string {
	return strconv.FormatInt(int64(r), 10)
}

// ParseRoomID parses the decimal form used in paths and topics.
func ParseRoomID(s string) (RoomID, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid room id %q: %w", s, err)
	}
	return RoomID(id), nil
}

// MessageType is the kind of payload a message carries.
type MessageType string

const (
	MessageText  MessageType = "text"
	MessageImage MessageType = "image"
	MessageFile  MessageType = "file"
)

func (t MessageType) Valid() bool {
	switch t {
	case MessageText, MessageImage, MessageFile:
		return true
	}
	return false
}

// Message is a chat message as it travels on room topics.
type Message struct {
	ID           string      `json:"id"`
	RoomID       RoomID      `json:"roomId"`
	SenderID     string      `json:"senderId"`
	SenderName   string      `json:"senderName"`
	SenderAvatar string      `json:"senderAvatar,omitempty"`
	Content      string      `json:"content"`
	Timestamp    string      `json:"timestamp"`
	IsRead       bool        `json:"isRead"`
	Type         MessageType `json:"type"`
}

var (
	ErrMissingID      = errors.New("message id is required")
	ErrMissingRoom    = errors.New("message room id is required")
	ErrInvalidType    = errors.New("message type must be text, image or file")
	ErrMissingContent = errors.New("message content is required")
)

// Validate checks the fields every inbound message must carry.
func (m *Message) Validate() error {
	if m.ID == "" {
		return ErrMissingID
	}
	if m.RoomID == 0 {
		return ErrMissingRoom
	}
	if m.Type != "" && !m.Type.Valid() {
		return ErrInvalidType
	}
	if m.Content == "" {
		return ErrMissingContent
	}
	return nil
}

// Time parses Timestamp. Both RFC 3339 and the server's zone-less
// "2006-01-02T15:04:05" form are accepted.
func (m *Message) Time() (time.Time, error) {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999999", "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, m.Timestamp); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable timestamp %q", m.Timestamp)
}

// RoomSummary is a row of the user's room list.
type RoomSummary struct {
	RoomID                RoomID `json:"roomId"`
	RoomName              string `json:"roomName"`
	MemberCount           int    `json:"memberCount"`
	LastMessageID         string `json:"lastMessageId,omitempty"`
	LastMessageSenderName string `json:"lastMessageSenderName,omitempty"`
	LastMessageContent    string `json:"lastMessageContent,omitempty"`
	LastMessageCreatedAt  string `json:"lastMessageCreatedAt,omitempty"`
	UnreadCount           int    `json:"unreadCount"`
	CreatedAt             string `json:"createdAt,omitempty"`
	UpdatedAt             string `json:"updatedAt,omitempty"`
}

// ApplyMessage records msg as the room's latest message.
func (s *RoomSummary) ApplyMessage(msg *Message) {
	s.LastMessageID = msg.ID
	s.LastMessageSenderName = msg.SenderName
	s.LastMessageContent = msg.Content
	s.LastMessageCreatedAt = msg.Timestamp
	s.UpdatedAt = msg.Timestamp
}

const (
	topicPrefix   = "/topic/"
	publishPrefix = "/publish/"
	userPrefix    = "/user/"
	notifySuffix  = "/notifications"
)

// RoomTopic is where messages for a room are delivered.
func RoomTopic(id RoomID) string {
	return topicPrefix + id.String()
}

// RoomDestination is where a client sends messages for a room.
func RoomDestination(id RoomID) string {
	return publishPrefix + id.String()
}

// UserNotifications is the per-user notification topic.
func UserNotifications(userID string) string {
	return userPrefix + userID + notifySuffix
}

// ParseRoomTopic extracts the room id from a RoomTopic value.
func ParseRoomTopic(topic string) (RoomID, bool) {
	rest, ok := strings.CutPrefix(topic, topicPrefix)
	if !ok || rest == "" || strings.Contains(rest, "/") {
		return 0, false
	}
	id, err := ParseRoomID(rest)
	if err != nil {
		return 0, false
	}
	return id, true
}
