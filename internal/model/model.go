// Package model holds the entities shared between the engines and the
// durable store: chat messages, chats, call-history records and
// notifications.
package model

import (
	"sort"
	"strings"
	"time"
)

// DeliveryState is the lifecycle position of a chat message.
type DeliveryState int

const (
	Queued DeliveryState = iota
	Sent
	Delivered
	Read
	Failed
)

func (s DeliveryState) String() string {
	switch s {
	case Queued:
		return "queued"
	case Sent:
		return "sent"
	case Delivered:
		return "delivered"
	case Read:
		return "read"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// ParseDeliveryState is the inverse of String. Unknown names map to Queued.
func ParseDeliveryState(s string) DeliveryState {
	switch s {
	case "sent":
		return Sent
	case "delivered":
		return Delivered
	case "read":
		return Read
	case "failed":
		return Failed
	}
	return Queued
}

// Advance returns the state a message ends up in when next is applied to cur.
// States only move forward: Queued → Sent → Delivered → Read, and Failed is
// reachable from Queued only. Anything else leaves cur unchanged.
func Advance(cur, next DeliveryState) DeliveryState {
	if cur == Failed || next == Failed {
		if cur == Queued && next == Failed {
			return Failed
		}
		return cur
	}
	if next > cur {
		return next
	}
	return cur
}

// ChatMessage is one message in a chat. LocalID is generated by the sending
// client and is the idempotency key for storage; ServerID and
// ServerTimestamp are assigned once the message is durably stored.
type ChatMessage struct {
	ServerID        string        `json:"server_id,omitempty"`
	LocalID         string        `json:"local_id"`
	ChatID          string        `json:"chat_id"`
	SenderID        string        `json:"sender_id"`
	Content         string        `json:"content"`
	State           DeliveryState `json:"state"`
	CreatedAt       time.Time     `json:"created_at"`
	ServerTimestamp int64         `json:"server_ts,omitempty"` // unix millis
}

// Confirmed reports whether the message has a server position.
func (m ChatMessage) Confirmed() bool { return m.ServerID != "" }

// Chat is a direct (two participants) or group conversation.
type Chat struct {
	ID            string    `json:"id"`
	Name          string    `json:"name,omitempty"`
	Participants  []string  `json:"participants"`
	Direct        bool      `json:"direct"`
	Pinned        bool      `json:"pinned"` // for the viewer that loaded it
	LastMessageID string    `json:"last_message_id,omitempty"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// DirectChatID canonicalizes an unordered pair of user ids into the single
// chat id shared by both sides.
func DirectChatID(a, b string) string {
	pair := []string{a, b}
	sort.Strings(pair)
	return "dm:" + strings.Join(pair, ":")
}

// Receipt kinds.
const (
	ReceiptDelivered = "delivered"
	ReceiptRead      = "read"
)

// Receipt acknowledges a message on behalf of AckerID.
type Receipt struct {
	MessageID string    `json:"message_id"`
	Type      string    `json:"type"`
	AckerID   string    `json:"acker_id"`
	At        time.Time `json:"at"`
}

// EndReason explains how a call ended.
type EndReason string

const (
	ReasonCompleted EndReason = "completed"
	ReasonMissed    EndReason = "missed"
	ReasonDeclined  EndReason = "declined"
	ReasonFailed    EndReason = "failed"
	ReasonCancelled EndReason = "cancelled"
)

// CallRecord is the call-history row written when a call reaches a terminal
// state. Each participant writes its own record (Owner).
type CallRecord struct {
	CallID       string        `json:"call_id"`
	Owner        string        `json:"owner"`
	Participants []string      `json:"participants"`
	Reason       EndReason     `json:"reason"`
	StartedAt    time.Time     `json:"started_at"`
	ConnectedAt  time.Time     `json:"connected_at,omitempty"`
	EndedAt      time.Time     `json:"ended_at"`
	Duration     time.Duration `json:"duration"`
}

// NotificationType classifies a notification.
type NotificationType string

const (
	NotifyFriendRequest NotificationType = "friend_request"
	NotifyMessage       NotificationType = "message"
	NotifyPing          NotificationType = "ping"
	NotifyCall          NotificationType = "call"
)

// Notification is a durable record created by the notification router.
type Notification struct {
	ID          string           `json:"id"`
	Type        NotificationType `json:"type"`
	RecipientID string           `json:"recipient_id"`
	EntityID    string           `json:"entity_id"`
	Payload     string           `json:"payload,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	ReadAt      *time.Time       `json:"read_at,omitempty"`
}
