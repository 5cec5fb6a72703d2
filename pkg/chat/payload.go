package chat

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

const timestampLayout = "2006-01-02T15:04:05.000Z07:00"

// NewTextMessage builds an outbound text message with a fresh id.
func NewTextMessage(roomID RoomID, senderID, senderName, content string) *Message {
	return &Message{
		ID:         uuid.NewString(),
		RoomID:     roomID,
		SenderID:   senderID,
		SenderName: senderName,
		Content:    content,
		Timestamp:  time.Now().UTC().Format(timestampLayout),
		Type:       MessageText,
	}
}

// Stamp fills in "id" and "timestamp" on a raw JSON message when they are
// missing, leaving every other field byte-for-byte intact.
func Stamp(raw []byte) ([]byte, error) {
	if !gjson.ValidBytes(raw) {
		return nil, fmt.Errorf("payload is not valid JSON")
	}
	out := raw
	var err error
	if !gjson.GetBytes(out, "id").Exists() {
		if out, err = sjson.SetBytes(out, "id", uuid.NewString()); err != nil {
			return nil, err
		}
	}
	if !gjson.GetBytes(out, "timestamp").Exists() {
		if out, err = sjson.SetBytes(out, "timestamp", time.Now().UTC().Format(timestampLayout)); err != nil {
			return nil, err
		}
	}
	if !gjson.GetBytes(out, "type").Exists() {
		if out, err = sjson.SetBytes(out, "type", string(MessageText)); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// DecodeMessage reads a message from a frame body. Numeric and string room
// ids are both accepted.
func DecodeMessage(body []byte) (*Message, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("message body is not valid JSON")
	}
	doc := gjson.ParseBytes(body)
	if !doc.IsObject() {
		return nil, fmt.Errorf("message body is not a JSON object")
	}

	msg := &Message{
		ID:           doc.Get("id").String(),
		RoomID:       RoomID(doc.Get("roomId").Int()),
		SenderID:     doc.Get("senderId").String(),
		SenderName:   doc.Get("senderName").String(),
		SenderAvatar: doc.Get("senderAvatar").String(),
		Content:      doc.Get("content").String(),
		Timestamp:    doc.Get("timestamp").String(),
		IsRead:       doc.Get("isRead").Bool(),
		Type:         MessageType(doc.Get("type").String()),
	}
	if msg.Type == "" {
		msg.Type = MessageText
	}
	return msg, nil
}

// DecodeRoomSummary reads one room list row.
func DecodeRoomSummary(r gjson.Result) RoomSummary {
	return RoomSummary{
		RoomID:                RoomID(r.Get("roomId").Int()),
		RoomName:              r.Get("roomName").String(),
		MemberCount:           int(r.Get("memberCount").Int()),
		LastMessageID:         r.Get("lastMessageId").String(),
		LastMessageSenderName: r.Get("lastMessageSenderName").String(),
		LastMessageContent:    r.Get("lastMessageContent").String(),
		LastMessageCreatedAt:  r.Get("lastMessageCreatedAt").String(),
		UnreadCount:           int(r.Get("unreadCount").Int()),
		CreatedAt:             r.Get("createdAt").String(),
		UpdatedAt:             r.Get("updatedAt").String(),
	}
}
