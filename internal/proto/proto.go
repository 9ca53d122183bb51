// Package proto defines the topic names and wire payloads exchanged over the
// realtime transport. Every payload is a single JSON object routed by its
// "type" field.
package proto

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// ── Topics ───────────────────────────────────────────────────────────────────
const (
	// TopicPresence carries heartbeats from every client.
	TopicPresence = "presence"

	// TopicSignalPrefix + userID is a user's call inbox; offers land here.
	TopicSignalPrefix = "signal:"

	// TopicCallPrefix + callID carries everything after the initial offer.
	TopicCallPrefix = "call:"

	// TopicChatPrefix + chatID carries messages, receipts and typing.
	TopicChatPrefix = "chat:"

	// TopicInboxPrefix + userID carries pings, friend requests and
	// chat-created hints.
	TopicInboxPrefix = "inbox:"
)

func SignalTopic(userID string) string { return TopicSignalPrefix + userID }
func CallTopic(callID string) string   { return TopicCallPrefix + callID }
func ChatTopic(chatID string) string   { return TopicChatPrefix + chatID }
func InboxTopic(userID string) string  { return TopicInboxPrefix + userID }

// ── Call signaling ───────────────────────────────────────────────────────────
//
//   caller                           callee
//   ──────────────────────────────────────────────────────────────
//   offer (signal:callee) ─────────► Incoming
//                      ◄─────────── answer | decline   (call:id)
//   candidate ◄────────────────────► candidate         (trickle, seq per side)
//   bye ◄──────────────────────────► bye               (either side)
//   cancel ────────────────────────► (no answer in time)
//
// An offer on call:id for a live session is an ICE restart.
const (
	SignalOffer     = "offer"
	SignalAnswer    = "answer"
	SignalCandidate = "candidate"
	SignalBye       = "bye"
	SignalDecline   = "decline"
	SignalCancel    = "cancel"
)

// Candidate is the RTCIceCandidateInit shape.
type Candidate struct {
	Candidate        string  `json:"candidate" validate:"required"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// Signal is one call signaling message.
type Signal struct {
	Type         string     `json:"type" validate:"required,oneof=offer answer candidate bye decline cancel"`
	CallID       string     `json:"callId" validate:"required"`
	SenderID     string     `json:"senderId" validate:"required"`
	Seq          uint64     `json:"seq,omitempty" validate:"required_if=Type candidate"`
	SDP          string     `json:"sdp,omitempty" validate:"required_if=Type offer,required_if=Type answer"`
	Candidate    *Candidate `json:"candidate,omitempty" validate:"required_if=Type candidate"`
	Restart      bool       `json:"restart,omitempty"`
	Participants []string   `json:"participants,omitempty"`
}

// ── Chat ─────────────────────────────────────────────────────────────────────
const (
	ChatMessage = "message"
	ChatReceipt = "receipt"
	ChatTyping  = "typing"
	// ChatSync asks the other participants to republish their own messages
	// newer than Timestamp. Sent after (re)joining a chat.
	ChatSync = "sync"
)

// ChatFrame is one chat protocol message. For "message" frames Timestamp is
// the authoritative server timestamp; for receipts and typing it is the
// sender's clock.
type ChatFrame struct {
	Type        string `json:"type" validate:"required,oneof=message receipt typing sync"`
	ChatID      string `json:"chatId" validate:"required"`
	LocalID     string `json:"localId,omitempty" validate:"required_if=Type message"`
	ServerID    string `json:"serverId,omitempty" validate:"required_if=Type message,required_if=Type receipt"`
	SenderID    string `json:"senderId" validate:"required"`
	Content     string `json:"content,omitempty"`
	ReceiptType string `json:"receiptType,omitempty" validate:"required_if=Type receipt"`
	Active      bool   `json:"active,omitempty"`
	CreatedAt   int64  `json:"createdAt,omitempty"`
	Timestamp   int64  `json:"timestamp"`
}

// ── Presence ─────────────────────────────────────────────────────────────────
const (
	PresenceHeartbeat = "heartbeat"
	PresenceOffline   = "offline"
)

type PresenceFrame struct {
	Type   string `json:"type" validate:"required,oneof=heartbeat offline"`
	UserID string `json:"userId" validate:"required"`
	Status string `json:"status,omitempty"`
	TS     int64  `json:"ts"`
}

// ── Inbox ────────────────────────────────────────────────────────────────────
const (
	InboxPing          = "ping"
	InboxFriendRequest = "friend_request"
	InboxChatCreated   = "chat_created"
)

type InboxFrame struct {
	Type         string   `json:"type" validate:"required,oneof=ping friend_request chat_created"`
	ID           string   `json:"id" validate:"required"`
	From         string   `json:"from" validate:"required"`
	To           string   `json:"to" validate:"required"`
	ChatID       string   `json:"chatId,omitempty" validate:"required_if=Type chat_created"`
	Name         string   `json:"name,omitempty"`
	Participants []string `json:"participants,omitempty"`
	Note         string   `json:"note,omitempty"`
	TS           int64    `json:"ts"`
}

// ── Codec ────────────────────────────────────────────────────────────────────

var validate = validator.New()

// Encode marshals a payload for publishing.
func Encode(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("proto: encode: %w", err)
	}
	return b, nil
}

// Decode unmarshals and validates a payload. Malformed or incomplete
// messages return an error and should be dropped by the caller.
func Decode[T any](data []byte) (T, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return v, fmt.Errorf("proto: decode: %w", err)
	}
	if err := validate.Struct(v); err != nil {
		return v, fmt.Errorf("proto: invalid: %w", err)
	}
	return v, nil
}

func NowMillis() int64 { return time.Now().UnixMilli() }
