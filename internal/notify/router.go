// Package notify turns missed calls, unseen messages, pings and friend
// requests into durable notifications. Each (type, entity, recipient)
// produces at most one notification, and only the first one is pushed.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"

	"github.com/dp2ptrade/rolenet-sub003/internal/call"
	"github.com/dp2ptrade/rolenet-sub003/internal/fault"
	"github.com/dp2ptrade/rolenet-sub003/internal/model"
	"github.com/dp2ptrade/rolenet-sub003/internal/proto"
	"github.com/dp2ptrade/rolenet-sub003/internal/realtime"
	"github.com/dp2ptrade/rolenet-sub003/internal/util"
)

var log = logging.Logger("notify")

const previewLen = 80

// Store is the durable side of the router.
type Store interface {
	InsertNotification(ctx context.Context, n model.Notification) (model.Notification, bool, error)
	GetNotification(ctx context.Context, id string) (model.Notification, error)
	MarkNotificationRead(ctx context.Context, id string, at time.Time) (bool, error)
	MarkAllNotificationsRead(ctx context.Context, recipient string, at time.Time) (int64, error)
	CountUnread(ctx context.Context, recipient string) (int, error)
	ListNotifications(ctx context.Context, recipient string, limit int) ([]model.Notification, error)
}

type Options struct {
	SelfID    string
	Store     Store
	Pusher    Pusher
	Transport realtime.Transport // inbox sends and ConsumeInbox; optional
	Clock     clock.Clock
	PushRetry fault.Policy
}

// Payload is the JSON body stored with each notification.
type Payload struct {
	From    string `json:"from,omitempty"`
	ChatID  string `json:"chat_id,omitempty"`
	Preview string `json:"preview,omitempty"`
	Note    string `json:"note,omitempty"`
}

// Router creates notifications and keeps per-recipient unread counters.
type Router struct {
	opts Options
	clk  clock.Clock

	mu        sync.Mutex
	unread    map[string]int
	viewing   map[string]string // recipient -> chat id on screen
	listeners map[chan model.Notification]struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewRouter(opts Options) (*Router, error) {
	if opts.Store == nil {
		return nil, errors.New("notify: store is required")
	}
	if opts.Pusher == nil {
		opts.Pusher = NopPusher{}
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Router{
		opts:      opts,
		clk:       opts.Clock,
		unread:    make(map[string]int),
		viewing:   make(map[string]string),
		listeners: make(map[chan model.Notification]struct{}),
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

// Close abandons outstanding pushes and closes subscriber channels.
func (r *Router) Close() error {
	r.cancel()
	r.wg.Wait()
	r.mu.Lock()
	for ch := range r.listeners {
		close(ch)
	}
	r.listeners = nil
	r.mu.Unlock()
	return nil
}

// Subscribe streams freshly created notifications.
func (r *Router) Subscribe() (<-chan model.Notification, func()) {
	ch := make(chan model.Notification, 32)
	r.mu.Lock()
	if r.listeners != nil {
		r.listeners[ch] = struct{}{}
	}
	r.mu.Unlock()
	return ch, func() {
		r.mu.Lock()
		if _, ok := r.listeners[ch]; ok {
			delete(r.listeners, ch)
			close(ch)
		}
		r.mu.Unlock()
	}
}

// SetViewing records that recipient currently has chatID on screen. An
// empty chatID clears it.
func (r *Router) SetViewing(recipient, chatID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if chatID == "" {
		delete(r.viewing, recipient)
		return
	}
	r.viewing[recipient] = chatID
}

func (r *Router) isViewing(recipient, chatID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.viewing[recipient] == chatID
}

// ── Sources ──────────────────────────────────────────────────────────────────

// CallEnded notifies the owner of a missed incoming call. Other outcomes are
// ignored.
func (r *Router) CallEnded(ctx context.Context, e call.CallEnded) (bool, error) {
	if !e.Missed() {
		return false, nil
	}
	return r.create(ctx, model.Notification{
		Type:        model.NotifyCall,
		RecipientID: e.Owner,
		EntityID:    e.CallID,
	}, Payload{From: e.Caller})
}

// MessageReceived notifies recipient of m unless they are looking at its
// chat or sent it.
func (r *Router) MessageReceived(ctx context.Context, recipient string, m model.ChatMessage) (bool, error) {
	if m.SenderID == recipient || r.isViewing(recipient, m.ChatID) {
		return false, nil
	}
	entity := m.ServerID
	if entity == "" {
		entity = m.LocalID
	}
	return r.create(ctx, model.Notification{
		Type:        model.NotifyMessage,
		RecipientID: recipient,
		EntityID:    entity,
	}, Payload{From: m.SenderID, ChatID: m.ChatID, Preview: preview(m.Content)})
}

// PingReceived notifies the ping's addressee.
func (r *Router) PingReceived(ctx context.Context, f proto.InboxFrame) (bool, error) {
	return r.create(ctx, model.Notification{
		Type:        model.NotifyPing,
		RecipientID: f.To,
		EntityID:    f.ID,
	}, Payload{From: f.From, Note: f.Note})
}

// FriendRequestReceived notifies the addressee once per requester.
func (r *Router) FriendRequestReceived(ctx context.Context, f proto.InboxFrame) (bool, error) {
	return r.create(ctx, model.Notification{
		Type:        model.NotifyFriendRequest,
		RecipientID: f.To,
		EntityID:    f.From,
	}, Payload{From: f.From, Note: f.Note})
}

func preview(s string) string {
	rs := []rune(s)
	if len(rs) <= previewLen {
		return s
	}
	return string(rs[:previewLen]) + "…"
}

// create stores n and, if it is new, bumps the unread counter, fans it out
// and pushes it in the background. It reports whether n was new.
func (r *Router) create(ctx context.Context, n model.Notification, p Payload) (bool, error) {
	if n.RecipientID == "" || n.EntityID == "" {
		return false, fmt.Errorf("notify: %s needs a recipient and an entity", n.Type)
	}
	body, err := json.Marshal(p)
	if err != nil {
		return false, err
	}
	n.Payload = string(body)
	n.CreatedAt = r.clk.Now()

	// Make sure the counter is seeded from the store before it is bumped.
	if _, err := r.Unread(ctx, n.RecipientID); err != nil {
		return false, err
	}
	stored, fresh, err := r.opts.Store.InsertNotification(ctx, n)
	if err != nil {
		return false, fmt.Errorf("notify: insert: %w", err)
	}
	if !fresh {
		log.Debugf("NOTIFY [%s]: duplicate %s for %s", n.EntityID, n.Type, n.RecipientID)
		return false, nil
	}

	r.mu.Lock()
	r.unread[n.RecipientID]++
	for ch := range r.listeners {
		select {
		case ch <- stored:
		default:
		}
	}
	r.mu.Unlock()

	log.Infof("NOTIFY [%s]: %s for %s", stored.ID, stored.Type, stored.RecipientID)
	r.push(stored)
	return true, nil
}

func (r *Router) push(n model.Notification) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		err := fault.Retry(r.ctx, r.opts.PushRetry, func() error {
			ctx, cancel := context.WithTimeout(r.ctx, util.OpTimeout)
			defer cancel()
			return r.opts.Pusher.Notify(ctx, n.RecipientID, n)
		})
		if err != nil {
			log.Warnf("NOTIFY [%s]: push gave up: %v", n.ID, err)
		}
	}()
}

// ── Reading ──────────────────────────────────────────────────────────────────

// Unread returns recipient's unread count.
func (r *Router) Unread(ctx context.Context, recipient string) (int, error) {
	r.mu.Lock()
	n, ok := r.unread[recipient]
	r.mu.Unlock()
	if ok {
		return n, nil
	}
	count, err := r.opts.Store.CountUnread(ctx, recipient)
	if err != nil {
		return 0, fmt.Errorf("notify: count unread: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if n, ok := r.unread[recipient]; ok {
		return n, nil
	}
	r.unread[recipient] = count
	return count, nil
}

// MarkRead marks one notification read. Repeating it is a no-op.
func (r *Router) MarkRead(ctx context.Context, id string) error {
	n, err := r.opts.Store.GetNotification(ctx, id)
	if err != nil {
		return fmt.Errorf("notify: mark read %s: %w", id, err)
	}
	if _, err := r.Unread(ctx, n.RecipientID); err != nil {
		return err
	}
	changed, err := r.opts.Store.MarkNotificationRead(ctx, id, r.clk.Now())
	if err != nil {
		return err
	}
	if changed {
		r.mu.Lock()
		if r.unread[n.RecipientID] > 0 {
			r.unread[n.RecipientID]--
		}
		r.mu.Unlock()
	}
	return nil
}

// MarkAllRead marks every notification of recipient read.
func (r *Router) MarkAllRead(ctx context.Context, recipient string) error {
	if _, err := r.opts.Store.MarkAllNotificationsRead(ctx, recipient, r.clk.Now()); err != nil {
		return err
	}
	r.mu.Lock()
	r.unread[recipient] = 0
	r.mu.Unlock()
	return nil
}

// List returns recipient's notifications, newest first.
func (r *Router) List(ctx context.Context, recipient string, limit int) ([]model.Notification, error) {
	if limit <= 0 {
		limit = 50
	}
	return r.opts.Store.ListNotifications(ctx, recipient, limit)
}

// ── Inbox ────────────────────────────────────────────────────────────────────

// ErrNoTransport is returned by inbox operations when the router was built
// without a transport.
var ErrNoTransport = errors.New("notify: no transport")

// SendPing pings another user.
func (r *Router) SendPing(ctx context.Context, to, note string) error {
	return r.sendInbox(ctx, proto.InboxPing, to, note)
}

// SendFriendRequest asks another user to connect.
func (r *Router) SendFriendRequest(ctx context.Context, to, note string) error {
	return r.sendInbox(ctx, proto.InboxFriendRequest, to, note)
}

func (r *Router) sendInbox(ctx context.Context, typ, to, note string) error {
	if r.opts.Transport == nil {
		return ErrNoTransport
	}
	if to == "" || to == r.opts.SelfID {
		return fmt.Errorf("notify: invalid recipient %q", to)
	}
	data, err := proto.Encode(proto.InboxFrame{
		Type: typ,
		ID:   uuid.NewString(),
		From: r.opts.SelfID,
		To:   to,
		Note: note,
		TS:   r.clk.Now().UnixMilli(),
	})
	if err != nil {
		return err
	}
	return r.opts.Transport.Publish(ctx, proto.InboxTopic(to), data)
}

// ConsumeInbox reads the local user's inbox until ctx is done. Pings and
// friend requests become notifications; chat invites go to onChatCreated.
func (r *Router) ConsumeInbox(ctx context.Context, onChatCreated func(proto.InboxFrame)) error {
	if r.opts.Transport == nil {
		return ErrNoTransport
	}
	self := r.opts.SelfID
	sub, err := r.opts.Transport.Subscribe(ctx, proto.InboxTopic(self))
	if err != nil {
		return fmt.Errorf("notify: subscribe inbox: %w", err)
	}
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-sub.Messages():
			if !ok {
				return nil
			}
			f, err := proto.Decode[proto.InboxFrame](m.Data)
			if err != nil {
				log.Debugf("NOTIFY: dropping inbox frame: %v", err)
				continue
			}
			if f.To != self || f.From == self {
				continue
			}
			fault.Guard("NOTIFY inbox", func() {
				switch f.Type {
				case proto.InboxPing:
					_, err = r.PingReceived(ctx, f)
				case proto.InboxFriendRequest:
					_, err = r.FriendRequestReceived(ctx, f)
				case proto.InboxChatCreated:
					if onChatCreated != nil {
						onChatCreated(f)
					}
				}
				if err != nil {
					log.Warnf("NOTIFY: %s from %s: %v", f.Type, f.From, err)
				}
			})
		}
	}
}
