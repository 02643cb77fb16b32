package domain

import "time"

// InboundMessage is one chat message as delivered by the queue.
// MessageID is a per-conversation monotonic integer assigned by the chat
// platform; (ConversationID, MessageID) uniquely identifies a message.
type InboundMessage struct {
	ConversationID string `json:"conversationId"`
	MessageID      int64  `json:"messageId"`
	SenderID       string `json:"senderId"`
	SenderName     string `json:"senderName"`
	Text           string `json:"text"`
	SentAt         int64  `json:"sentAt"` // unix seconds
}

// SentTime returns the message timestamp as a time.Time.
func (m InboundMessage) SentTime() time.Time {
	return time.Unix(m.SentAt, 0)
}

// RawMessageRecord is a persisted inbound message. One row per
// (ConversationID, MessageID); the conditional insert of this row is the
// pipeline's sole dedup point and the row is never overwritten.
type RawMessageRecord struct {
	PK             string
	SK             string
	ConversationID string
	MessageID      int64
	SenderID       string
	SenderName     string
	Text           string
	SentAt         int64
	RecordedAt     string
	TTL            int64
}

// ChatMessage is the provider-agnostic chat message shape used by the
// classification integration.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}
