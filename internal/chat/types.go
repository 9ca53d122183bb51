// Package chat delivers chat messages over the realtime transport. Sends are
// queued locally and confirmed by the durable store; each chat has its own
// sender worker so the visible order within a chat never depends on another
// chat's traffic.
package chat

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/dp2ptrade/rolenet-sub003/internal/model"
)

var log = logging.Logger("chat")

var (
	ErrChatNotOpen   = errors.New("chat: chat is not open")
	ErrEmptyMessage  = errors.New("chat: message is empty")
	ErrNotFailed     = errors.New("chat: message is not in failed state")
	ErrBadCursor     = errors.New("chat: invalid history cursor")
	ErrNotMember     = errors.New("chat: not a participant")
	ErrTooFewMembers = errors.New("chat: a group needs at least one other participant")
)

const (
	DefaultTypingDebounce = 3 * time.Second
	DefaultTypingTrailing = 5 * time.Second
	DefaultHistoryPage    = 50
	syncLimit             = 200
)

// Store is the durable side of chat delivery.
type Store interface {
	UpsertMessage(ctx context.Context, m model.ChatMessage) (model.ChatMessage, error)
	SaveRemoteMessage(ctx context.Context, m model.ChatMessage) (bool, error)
	MarkMessageFailed(ctx context.Context, localID string) error
	ApplyDeliveryState(ctx context.Context, serverID string, next model.DeliveryState) (model.DeliveryState, error)
	InsertReceipt(ctx context.Context, r model.Receipt) (bool, error)
	ListMessagesBefore(ctx context.Context, chatID string, beforeTS int64, beforeID string, limit int) ([]model.ChatMessage, error)
	ListMessagesAfter(ctx context.Context, chatID string, afterTS int64, limit int) ([]model.ChatMessage, error)

	CreateOrGetDirectChat(ctx context.Context, a, b string) (model.Chat, bool, error)
	CreateGroupChat(ctx context.Context, id, name string, participants []string) (model.Chat, error)
	GetChat(ctx context.Context, id, viewer string) (model.Chat, error)
	ListChats(ctx context.Context, viewer string) ([]model.Chat, error)
	SetPinned(ctx context.Context, chatID, viewer string, pinned bool) error
}

// EventKind classifies an Event.
type EventKind int

const (
	EventQueued EventKind = iota
	EventUpdated
	EventReceived
	EventFailed
	EventTyping
	EventChatOpened
)

func (k EventKind) String() string {
	switch k {
	case EventQueued:
		return "queued"
	case EventUpdated:
		return "updated"
	case EventReceived:
		return "received"
	case EventFailed:
		return "failed"
	case EventTyping:
		return "typing"
	case EventChatOpened:
		return "chat_opened"
	}
	return "unknown"
}

// Event is published on the engine's event stream.
type Event struct {
	Kind    EventKind
	ChatID  string
	Message model.ChatMessage // message events
	UserID  string            // typing
	Active  bool              // typing
	Chat    model.Chat        // chat_opened
}

// Page is one history page, newest first. Next is empty on the last page.
type Page struct {
	Messages []model.ChatMessage `json:"messages"`
	Next     string              `json:"next,omitempty"`
}

// cursor encodes the position of the oldest message of a page.
func encodeCursor(m model.ChatMessage) string {
	raw := strconv.FormatInt(m.ServerTimestamp, 10) + ":" + m.ServerID
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

func decodeCursor(c string) (int64, string, error) {
	if c == "" {
		return 0, "", nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(c)
	if err != nil {
		return 0, "", fmt.Errorf("%w: %v", ErrBadCursor, err)
	}
	tsPart, id, ok := strings.Cut(string(raw), ":")
	if !ok || id == "" {
		return 0, "", ErrBadCursor
	}
	ts, err := strconv.ParseInt(tsPart, 10, 64)
	if err != nil || ts <= 0 {
		return 0, "", ErrBadCursor
	}
	return ts, id, nil
}
