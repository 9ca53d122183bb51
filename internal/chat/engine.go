package chat

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/dp2ptrade/rolenet-sub003/internal/fault"
	"github.com/dp2ptrade/rolenet-sub003/internal/model"
	"github.com/dp2ptrade/rolenet-sub003/internal/proto"
	"github.com/dp2ptrade/rolenet-sub003/internal/realtime"
	"github.com/dp2ptrade/rolenet-sub003/internal/util"
)

type Options struct {
	SelfID    string
	Transport realtime.Transport
	Store     Store
	Clock     clock.Clock

	// Retry paces redelivery of queued messages. After MaxAttempts failed
	// attempts a message becomes Failed.
	Retry          fault.Policy
	TypingDebounce time.Duration
	TypingTrailing time.Duration
	HistoryPage    int
}

// Engine delivers the local user's chats.
type Engine struct {
	opts  Options
	self  string
	tr    realtime.Transport
	store Store
	clk   clock.Clock

	mu        sync.RWMutex
	rooms     map[string]*room
	connected bool
	started   bool

	events   fanout
	received hooks[model.ChatMessage]
	failed   hooks[model.ChatMessage]
	typing   hooks[Event]

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewEngine(opts Options) (*Engine, error) {
	if opts.SelfID == "" || opts.Transport == nil || opts.Store == nil {
		return nil, errors.New("chat: self id, transport and store are required")
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Retry.Initial <= 0 {
		opts.Retry = fault.DefaultPolicy
	}
	if opts.Retry.MaxAttempts <= 0 {
		opts.Retry.MaxAttempts = fault.DefaultPolicy.MaxAttempts
	}
	if opts.TypingDebounce <= 0 {
		opts.TypingDebounce = DefaultTypingDebounce
	}
	if opts.TypingTrailing <= 0 {
		opts.TypingTrailing = DefaultTypingTrailing
	}
	if opts.HistoryPage <= 0 {
		opts.HistoryPage = DefaultHistoryPage
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		opts:      opts,
		self:      opts.SelfID,
		tr:        opts.Transport,
		store:     opts.Store,
		clk:       opts.Clock,
		rooms:     make(map[string]*room),
		connected: opts.Transport.State() == realtime.Connected,
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

// Start follows transport state so reconnects flush queues and backfill
// open chats.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return nil
	}
	e.started = true
	e.mu.Unlock()

	states, cancel := e.tr.States()
	e.setConnected(e.tr.State() == realtime.Connected)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer cancel()
		for {
			select {
			case <-e.ctx.Done():
				return
			case st, ok := <-states:
				if !ok {
					return
				}
				if e.setConnected(st == realtime.Connected) && st == realtime.Connected {
					log.Infof("CHAT: transport back, resyncing %d chats", len(e.allRooms()))
					for _, r := range e.allRooms() {
						r.wake()
						e.reconcile(r)
					}
				}
			}
		}
	}()
	return nil
}

// Close stops every worker and subscription.
func (e *Engine) Close() error {
	e.cancel()
	for _, r := range e.allRooms() {
		r.mu.Lock()
		sub := r.sub
		r.sub = nil
		r.open = false
		r.stopTypingLocked()
		r.mu.Unlock()
		if sub != nil {
			sub.Close()
		}
	}
	e.wg.Wait()
	e.events.closeAll()
	return nil
}

// Subscribe streams engine events until cancel is called.
func (e *Engine) Subscribe() (<-chan Event, func()) { return e.events.subscribe() }

// OnReceived runs fn for every new inbound message.
func (e *Engine) OnReceived(fn func(model.ChatMessage)) func() { return e.received.add(fn) }

// OnFailed runs fn when a queued message exhausts its attempts.
func (e *Engine) OnFailed(fn func(model.ChatMessage)) func() { return e.failed.add(fn) }

// OnTyping runs fn for inbound typing indicators.
func (e *Engine) OnTyping(fn func(Event)) func() { return e.typing.add(fn) }

func (e *Engine) Connected() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.connected
}

func (e *Engine) setConnected(up bool) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	changed := e.connected != up
	e.connected = up
	return changed
}

func (e *Engine) allRooms() []*room {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return lo.Values(e.rooms)
}

func (e *Engine) lookup(chatID string) (*room, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	r, ok := e.rooms[chatID]
	return r, ok
}

// roomFor returns the room of chat, creating it and its sender worker.
func (e *Engine) roomFor(chat model.Chat) *room {
	e.mu.Lock()
	defer e.mu.Unlock()
	if r, ok := e.rooms[chat.ID]; ok {
		r.mu.Lock()
		r.chat = chat
		r.mu.Unlock()
		return r
	}
	r := newRoom(chat)
	e.rooms[chat.ID] = r
	e.wg.Add(1)
	go e.sendLoop(r)
	return r
}

func (e *Engine) opCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(e.ctx, util.OpTimeout)
}

// ── Chats ────────────────────────────────────────────────────────────────────

// Open subscribes to a chat and loads its latest history page.
func (e *Engine) Open(ctx context.Context, chatID string) (model.Chat, error) {
	chat, err := e.store.GetChat(ctx, chatID, e.self)
	if err != nil {
		return chat, fmt.Errorf("chat: open %s: %w", chatID, err)
	}
	if !slices.Contains(chat.Participants, e.self) {
		return chat, ErrNotMember
	}
	r := e.roomFor(chat)
	r.openMu.Lock()
	defer r.openMu.Unlock()
	if r.isOpen() {
		return chat, nil
	}

	sub, err := e.tr.Subscribe(ctx, proto.ChatTopic(chatID))
	if err != nil {
		return chat, fmt.Errorf("chat: subscribe %s: %w", chatID, err)
	}
	hist, err := e.store.ListMessagesBefore(ctx, chatID, 0, "", e.opts.HistoryPage)
	if err != nil {
		sub.Close()
		return chat, fmt.Errorf("chat: bootstrap %s: %w", chatID, err)
	}

	rctx, stop := context.WithCancel(e.ctx)
	r.mu.Lock()
	r.open = true
	r.sub = sub
	r.stopRead = stop
	for _, m := range hist {
		r.restoreLocked(m, e.self)
	}
	r.mu.Unlock()

	e.wg.Add(1)
	go e.readLoop(rctx, r, sub)
	e.requestSync(r)
	log.Debugf("CHAT [%s]: opened with %d messages", chatID, len(hist))
	e.events.emit(Event{Kind: EventChatOpened, ChatID: chatID, Chat: chat})
	return chat, nil
}

// Leave stops receiving for chatID and drops its in-memory log. Messages
// already queued are still delivered.
func (e *Engine) Leave(chatID string) {
	r, ok := e.lookup(chatID)
	if !ok {
		return
	}
	r.openMu.Lock()
	defer r.openMu.Unlock()

	r.mu.Lock()
	if !r.open {
		r.mu.Unlock()
		return
	}
	r.open = false
	sub, stop := r.sub, r.stopRead
	r.sub, r.stopRead = nil, nil
	r.confirmed = nil
	r.seen = make(map[string]struct{})
	r.early = make(map[string]model.DeliveryState)
	r.stopTypingLocked()
	r.typing.active = false
	r.mu.Unlock()

	if stop != nil {
		stop()
	}
	if sub != nil {
		sub.Close()
	}
	log.Debugf("CHAT [%s]: left", chatID)
}

// OpenDirect returns the direct chat with peerID, creating it on first use,
// and opens it.
func (e *Engine) OpenDirect(ctx context.Context, peerID string) (model.Chat, error) {
	if peerID == "" || peerID == e.self {
		return model.Chat{}, ErrTooFewMembers
	}
	chat, created, err := e.store.CreateOrGetDirectChat(ctx, e.self, peerID)
	if err != nil {
		return chat, err
	}
	if created {
		e.announce(chat)
	}
	return e.Open(ctx, chat.ID)
}

// CreateGroup creates a group chat with the local user and participants.
func (e *Engine) CreateGroup(ctx context.Context, name string, participants []string) (model.Chat, error) {
	members := lo.Uniq(append([]string{e.self}, participants...))
	members = lo.Filter(members, func(id string, _ int) bool { return id != "" })
	if len(members) < 2 {
		return model.Chat{}, ErrTooFewMembers
	}
	chat, err := e.store.CreateGroupChat(ctx, "grp:"+uuid.NewString(), name, members)
	if err != nil {
		return chat, err
	}
	e.announce(chat)
	return e.Open(ctx, chat.ID)
}

// Join materializes a chat another user created and opens it.
func (e *Engine) Join(ctx context.Context, f proto.InboxFrame) (model.Chat, error) {
	if f.Type != proto.InboxChatCreated {
		return model.Chat{}, fmt.Errorf("chat: %s is not a chat invite", f.Type)
	}
	if strings.HasPrefix(f.ChatID, "dm:") {
		if f.ChatID != model.DirectChatID(e.self, f.From) {
			return model.Chat{}, ErrNotMember
		}
		chat, _, err := e.store.CreateOrGetDirectChat(ctx, e.self, f.From)
		if err != nil {
			return chat, err
		}
		return e.Open(ctx, chat.ID)
	}
	if !slices.Contains(f.Participants, e.self) {
		return model.Chat{}, ErrNotMember
	}
	if _, err := e.store.CreateGroupChat(ctx, f.ChatID, f.Name, f.Participants); err != nil {
		return model.Chat{}, err
	}
	return e.Open(ctx, f.ChatID)
}

// announce tells the other participants about a new chat on their inbox
// topics. Delivery is retried in the background.
func (e *Engine) announce(chat model.Chat) {
	for _, to := range chat.Participants {
		if to == e.self {
			continue
		}
		f := proto.InboxFrame{
			Type:         proto.InboxChatCreated,
			ID:           chat.ID,
			From:         e.self,
			To:           to,
			ChatID:       chat.ID,
			Name:         chat.Name,
			Participants: chat.Participants,
			TS:           e.clk.Now().UnixMilli(),
		}
		data, err := proto.Encode(f)
		if err != nil {
			continue
		}
		topic := proto.InboxTopic(to)
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			err := fault.Retry(e.ctx, e.opts.Retry, func() error {
				ctx, cancel := e.opCtx()
				defer cancel()
				return e.tr.Publish(ctx, topic, data)
			})
			if err != nil {
				log.Warnf("CHAT [%s]: invite to %s not delivered: %v", chat.ID, to, err)
			}
		}()
	}
}

// Chats lists the local user's chats, pinned first.
func (e *Engine) Chats(ctx context.Context) ([]model.Chat, error) {
	return e.store.ListChats(ctx, e.self)
}

// Pin pins or unpins chatID for the local user only.
func (e *Engine) Pin(ctx context.Context, chatID string, pinned bool) error {
	return e.store.SetPinned(ctx, chatID, e.self, pinned)
}

// Messages returns the visible order of an open chat.
func (e *Engine) Messages(chatID string) []model.ChatMessage {
	r, ok := e.lookup(chatID)
	if !ok {
		return nil
	}
	return r.visible()
}

// ── Sending ──────────────────────────────────────────────────────────────────

// Send queues content for delivery and returns the queued message
// immediately.
func (e *Engine) Send(ctx context.Context, chatID, content string) (model.ChatMessage, error) {
	if strings.TrimSpace(content) == "" {
		return model.ChatMessage{}, ErrEmptyMessage
	}
	r, ok := e.lookup(chatID)
	if !ok || !r.isOpen() {
		return model.ChatMessage{}, ErrChatNotOpen
	}
	return e.enqueue(r, content), nil
}

// Resend puts a Failed message back in the queue. It keeps its local id, so
// a row the store already holds is reused rather than duplicated.
func (e *Engine) Resend(ctx context.Context, chatID, localID string) (model.ChatMessage, error) {
	r, ok := e.lookup(chatID)
	if !ok {
		return model.ChatMessage{}, ErrChatNotOpen
	}
	m, ok := r.requeue(localID)
	if !ok {
		return model.ChatMessage{}, ErrNotFailed
	}
	log.Debugf("CHAT [%s]: resending %s", chatID, localID)
	e.events.emit(Event{Kind: EventQueued, ChatID: r.id, Message: m})
	return m, nil
}

func (e *Engine) enqueue(r *room, content string) model.ChatMessage {
	m := model.ChatMessage{
		LocalID:   uuid.NewString(),
		ChatID:    r.id,
		SenderID:  e.self,
		Content:   content,
		State:     model.Queued,
		CreatedAt: e.clk.Now(),
	}
	r.enqueue(m)
	e.events.emit(Event{Kind: EventQueued, ChatID: r.id, Message: m})
	return m
}

// sendLoop delivers r's queue one message at a time in generation order.
func (e *Engine) sendLoop(r *room) {
	defer e.wg.Done()
	b := e.opts.Retry.NewBackOff()
	for {
		m, ok := r.head()
		if !ok || !e.Connected() {
			select {
			case <-e.ctx.Done():
				return
			case <-r.kick:
			}
			continue
		}

		err := e.deliver(r, m)
		if err == nil {
			b.Reset()
			continue
		}
		if e.ctx.Err() != nil {
			return
		}

		wait := b.NextBackOff()
		if errors.Is(err, realtime.ErrDisconnected) {
			// Not an attempt: nothing was tried. Wait for the transport.
			log.Debugf("CHAT [%s]: %s waiting for transport", r.id, m.LocalID)
		} else if n := r.bumpAttempt(m.LocalID); fault.IsTerminal(err) || n >= e.opts.Retry.MaxAttempts {
			log.Warnf("CHAT [%s]: %s failed after %d attempts: %v", r.id, m.LocalID, n, err)
			e.storeFailed(m.LocalID)
			if failed, ok := r.markFailed(m.LocalID); ok {
				e.events.emit(Event{Kind: EventFailed, ChatID: r.id, Message: failed})
				e.failed.fire(failed)
			}
			b.Reset()
			continue
		} else {
			log.Debugf("CHAT [%s]: attempt %d for %s: %v (retry in %s)", r.id, n, m.LocalID, err, wait)
		}

		select {
		case <-e.ctx.Done():
			return
		case <-r.kick:
		case <-e.clk.After(wait):
		}
	}
}

// storeFailed keeps a row that was stored but never published out of sync
// answers until it is resent.
func (e *Engine) storeFailed(localID string) {
	ctx, cancel := e.opCtx()
	defer cancel()
	if err := e.store.MarkMessageFailed(ctx, localID); err != nil {
		log.Warnf("CHAT: %s: %v", localID, err)
	}
}

// deliver stores m (idempotent by local id) and then publishes it with its
// server position.
func (e *Engine) deliver(r *room, m model.ChatMessage) error {
	ctx, cancel := e.opCtx()
	defer cancel()

	stored, err := e.store.UpsertMessage(ctx, m)
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	data, err := proto.Encode(messageFrame(stored))
	if err != nil {
		return fault.Terminal(err)
	}
	if err := e.tr.Publish(ctx, proto.ChatTopic(r.id), data); err != nil {
		return err
	}
	r.confirm(stored)
	e.events.emit(Event{Kind: EventUpdated, ChatID: r.id, Message: stored})
	return nil
}

func messageFrame(m model.ChatMessage) proto.ChatFrame {
	return proto.ChatFrame{
		Type:      proto.ChatMessage,
		ChatID:    m.ChatID,
		LocalID:   m.LocalID,
		ServerID:  m.ServerID,
		SenderID:  m.SenderID,
		Content:   m.Content,
		CreatedAt: m.CreatedAt.UnixMilli(),
		Timestamp: m.ServerTimestamp,
	}
}

func (e *Engine) publishFrame(r *room, f proto.ChatFrame) error {
	f.ChatID = r.id
	f.SenderID = e.self
	data, err := proto.Encode(f)
	if err != nil {
		return err
	}
	ctx, cancel := e.opCtx()
	defer cancel()
	return e.tr.Publish(ctx, proto.ChatTopic(r.id), data)
}

// ── Receiving ────────────────────────────────────────────────────────────────

func (e *Engine) readLoop(ctx context.Context, r *room, sub realtime.Subscription) {
	defer e.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-sub.Messages():
			if !ok {
				return
			}
			fault.Guard("CHAT "+r.id, func() { e.handleFrame(r, m.Data) })
		}
	}
}

func (e *Engine) handleFrame(r *room, data []byte) {
	f, err := proto.Decode[proto.ChatFrame](data)
	if err != nil {
		log.Debugf("CHAT [%s]: dropping frame: %v", r.id, err)
		return
	}
	if f.ChatID != r.id || f.SenderID == e.self {
		return
	}
	if !r.member(f.SenderID) {
		log.Warnf("CHAT [%s]: ignoring %s from non-participant %s", r.id, f.Type, f.SenderID)
		return
	}
	switch f.Type {
	case proto.ChatMessage:
		e.receive(r, f)
	case proto.ChatReceipt:
		e.applyReceipt(r, f)
	case proto.ChatTyping:
		ev := Event{Kind: EventTyping, ChatID: r.id, UserID: f.SenderID, Active: f.Active}
		e.events.emit(ev)
		e.typing.fire(ev)
	case proto.ChatSync:
		e.answerSync(r, f.Timestamp)
	}
}

func (e *Engine) receive(r *room, f proto.ChatFrame) {
	m := model.ChatMessage{
		ServerID:        f.ServerID,
		LocalID:         f.LocalID,
		ChatID:          f.ChatID,
		SenderID:        f.SenderID,
		Content:         f.Content,
		State:           model.Delivered,
		CreatedAt:       time.UnixMilli(f.CreatedAt),
		ServerTimestamp: f.Timestamp,
	}
	e.accept(r, m)
}

// accept merges a message from another participant into the log, stores it
// and acknowledges delivery.
func (e *Engine) accept(r *room, m model.ChatMessage) {
	if !r.addConfirmed(m) {
		return
	}
	ctx, cancel := e.opCtx()
	if _, err := e.store.SaveRemoteMessage(ctx, m); err != nil {
		log.Warnf("CHAT [%s]: store inbound %s: %v", r.id, m.ServerID, err)
	}
	cancel()

	if err := e.publishFrame(r, proto.ChatFrame{
		Type:        proto.ChatReceipt,
		ServerID:    m.ServerID,
		ReceiptType: model.ReceiptDelivered,
		Timestamp:   e.clk.Now().UnixMilli(),
	}); err != nil {
		log.Debugf("CHAT [%s]: delivered receipt for %s: %v", r.id, m.ServerID, err)
	}
	e.events.emit(Event{Kind: EventReceived, ChatID: r.id, Message: m})
	e.received.fire(m)
}

func (e *Engine) applyReceipt(r *room, f proto.ChatFrame) {
	var next model.DeliveryState
	switch f.ReceiptType {
	case model.ReceiptDelivered:
		next = model.Delivered
	case model.ReceiptRead:
		next = model.Read
	default:
		return
	}
	ctx, cancel := e.opCtx()
	defer cancel()

	fresh, err := e.store.InsertReceipt(ctx, model.Receipt{
		MessageID: f.ServerID,
		Type:      f.ReceiptType,
		AckerID:   f.SenderID,
		At:        time.UnixMilli(f.Timestamp),
	})
	if err != nil {
		log.Warnf("CHAT [%s]: receipt: %v", r.id, err)
		return
	}
	if !fresh {
		return
	}
	if st, err := e.store.ApplyDeliveryState(ctx, f.ServerID, next); err == nil {
		next = st
	} else {
		log.Debugf("CHAT [%s]: receipt for unknown message %s: %v", r.id, f.ServerID, err)
	}
	if m, changed := r.advance(f.ServerID, next); changed {
		e.events.emit(Event{Kind: EventUpdated, ChatID: r.id, Message: m})
	}
}

// MarkRead sends read receipts for messages the user has seen.
func (e *Engine) MarkRead(ctx context.Context, chatID string, serverIDs ...string) error {
	r, ok := e.lookup(chatID)
	if !ok || !r.isOpen() {
		return ErrChatNotOpen
	}
	var errs []error
	for _, id := range lo.Uniq(serverIDs) {
		m, ok := r.find(id)
		if !ok || m.SenderID == e.self || m.State == model.Read {
			continue
		}
		if err := e.publishFrame(r, proto.ChatFrame{
			Type:        proto.ChatReceipt,
			ServerID:    id,
			ReceiptType: model.ReceiptRead,
			Timestamp:   e.clk.Now().UnixMilli(),
		}); err != nil {
			errs = append(errs, fmt.Errorf("read receipt %s: %w", id, err))
			continue
		}
		if _, err := e.store.ApplyDeliveryState(ctx, id, model.Read); err != nil {
			log.Debugf("CHAT [%s]: local read state %s: %v", chatID, id, err)
		}
		if updated, changed := r.advance(id, model.Read); changed {
			e.events.emit(Event{Kind: EventUpdated, ChatID: chatID, Message: updated})
		}
	}
	return errors.Join(errs...)
}

// ── Reconnect ────────────────────────────────────────────────────────────────

// reconcile pulls anything the store has beyond the last known server
// timestamp and asks the other participants to republish what was missed.
func (e *Engine) reconcile(r *room) {
	if !r.isOpen() {
		return
	}
	ctx, cancel := e.opCtx()
	msgs, err := e.store.ListMessagesAfter(ctx, r.id, r.since(), syncLimit)
	cancel()
	if err != nil {
		log.Warnf("CHAT [%s]: reconcile: %v", r.id, err)
	}
	for _, m := range msgs {
		if m.SenderID == e.self {
			r.mu.Lock()
			r.restoreLocked(m, e.self)
			r.mu.Unlock()
			continue
		}
		e.accept(r, m)
	}
	e.requestSync(r)
}

func (e *Engine) requestSync(r *room) {
	if !e.Connected() {
		return
	}
	if err := e.publishFrame(r, proto.ChatFrame{Type: proto.ChatSync, Timestamp: r.since()}); err != nil {
		log.Debugf("CHAT [%s]: sync request: %v", r.id, err)
	}
}

// answerSync republishes the local user's own messages newer than since.
func (e *Engine) answerSync(r *room, since int64) {
	ctx, cancel := e.opCtx()
	msgs, err := e.store.ListMessagesAfter(ctx, r.id, since, syncLimit)
	cancel()
	if err != nil {
		log.Warnf("CHAT [%s]: sync: %v", r.id, err)
		return
	}
	n := 0
	for _, m := range msgs {
		if m.SenderID != e.self || m.State == model.Failed {
			continue
		}
		data, err := proto.Encode(messageFrame(m))
		if err != nil {
			continue
		}
		pctx, pcancel := e.opCtx()
		err = e.tr.Publish(pctx, proto.ChatTopic(r.id), data)
		pcancel()
		if err != nil {
			log.Debugf("CHAT [%s]: sync publish: %v", r.id, err)
			return
		}
		n++
	}
	if n > 0 {
		log.Debugf("CHAT [%s]: republished %d messages", r.id, n)
	}
}

// ── History ──────────────────────────────────────────────────────────────────

// History returns the page of messages older than cursor, newest first. An
// empty cursor starts from the newest message. The same cursor always yields
// the same page.
func (e *Engine) History(ctx context.Context, chatID, cursor string, limit int) (Page, error) {
	ts, id, err := decodeCursor(cursor)
	if err != nil {
		return Page{}, err
	}
	if limit <= 0 {
		limit = e.opts.HistoryPage
	}
	msgs, err := e.store.ListMessagesBefore(ctx, chatID, ts, id, limit)
	if err != nil {
		return Page{}, err
	}
	page := Page{Messages: msgs}
	if len(msgs) == limit {
		page.Next = encodeCursor(msgs[len(msgs)-1])
	}
	return page, nil
}
