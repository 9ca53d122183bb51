package chat

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"github.com/dp2ptrade/rolenet-sub003/internal/fault"
	"github.com/dp2ptrade/rolenet-sub003/internal/model"
	"github.com/dp2ptrade/rolenet-sub003/internal/proto"
	"github.com/dp2ptrade/rolenet-sub003/internal/realtime"
	"github.com/dp2ptrade/rolenet-sub003/internal/storage"
)

const wait = 2 * time.Second

type peer struct {
	id  string
	eng *Engine
	db  *storage.DB
}

type harness struct {
	broker *realtime.Broker
	clk    *clock.Mock
}

func newHarness() *harness {
	return &harness{broker: realtime.NewBroker(), clk: clock.NewMock()}
}

func (h *harness) peer(t *testing.T, id string, wrap func(*storage.DB) Store) *peer {
	t.Helper()
	return h.peerOver(t, id, wrap, h.broker.Connect(id))
}

func (h *harness) peerOver(t *testing.T, id string, wrap func(*storage.DB) Store, tr realtime.Transport) *peer {
	t.Helper()
	db, err := storage.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	var store Store = db
	if wrap != nil {
		store = wrap(db)
	}
	eng, err := NewEngine(Options{
		SelfID:    id,
		Transport: tr,
		Store:     store,
		Clock:     h.clk,
		Retry:     fault.Policy{Initial: 10 * time.Millisecond, Max: 10 * time.Millisecond, MaxAttempts: 3},
	})
	require.NoError(t, err)
	require.NoError(t, eng.Start(context.Background()))
	t.Cleanup(func() { _ = eng.Close() })
	return &peer{id: id, eng: eng, db: db}
}

func (h *harness) setOnline(t *testing.T, p *peer, online bool) {
	t.Helper()
	h.broker.SetOnline(p.id, online)
	require.Eventually(t, func() bool { return p.eng.Connected() == online }, wait, time.Millisecond)
}

// direct opens the alice/bob direct chat on both sides.
func direct(t *testing.T, a, b *peer) string {
	t.Helper()
	ctx := context.Background()
	chat, err := a.eng.OpenDirect(ctx, b.id)
	require.NoError(t, err)
	other, err := b.eng.OpenDirect(ctx, a.id)
	require.NoError(t, err)
	require.Equal(t, chat.ID, other.ID, "both sides converge on one chat")
	return chat.ID
}

func contents(msgs []model.ChatMessage) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Content
	}
	return out
}

func waitContents(t *testing.T, p *peer, chatID string, want ...string) {
	t.Helper()
	require.Eventually(t, func() bool {
		got := contents(p.eng.Messages(chatID))
		return len(got) == len(want) && equal(got, want)
	}, wait, time.Millisecond, "%s: have %v", p.id, contents(p.eng.Messages(chatID)))
}

func equal(a, b []string) bool {
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// spy collects chat frames published on a topic.
type spy struct {
	mu     sync.Mutex
	frames []proto.ChatFrame
}

func watch(t *testing.T, b *realtime.Broker, topic string) *spy {
	t.Helper()
	sub, err := b.Connect("spy").Subscribe(context.Background(), topic)
	require.NoError(t, err)
	t.Cleanup(sub.Close)
	s := &spy{}
	go func() {
		for m := range sub.Messages() {
			f, err := proto.Decode[proto.ChatFrame](m.Data)
			if err != nil {
				continue
			}
			s.mu.Lock()
			s.frames = append(s.frames, f)
			s.mu.Unlock()
		}
	}()
	return s
}

func (s *spy) count(match func(proto.ChatFrame) bool) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, f := range s.frames {
		if match(f) {
			n++
		}
	}
	return n
}

func isType(typ string) func(proto.ChatFrame) bool {
	return func(f proto.ChatFrame) bool { return f.Type == typ }
}

// ── Tests ────────────────────────────────────────────────────────────────────

func TestOfflineSendsFlushOnceInOrder(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	alice, bob := h.peer(t, "alice", nil), h.peer(t, "bob", nil)
	chatID := direct(t, alice, bob)
	s := watch(t, h.broker, proto.ChatTopic(chatID))

	h.setOnline(t, alice, false)
	first, err := alice.eng.Send(ctx, chatID, "hi")
	require.NoError(t, err)
	require.Equal(t, model.Queued, first.State)
	_, err = alice.eng.Send(ctx, chatID, "there")
	require.NoError(t, err)
	waitContents(t, alice, chatID, "hi", "there")
	require.Zero(t, s.count(isType(proto.ChatMessage)))

	h.setOnline(t, alice, true)
	waitContents(t, bob, chatID, "hi", "there")
	waitContents(t, alice, chatID, "hi", "there")

	require.Eventually(t, func() bool {
		msgs := alice.eng.Messages(chatID)
		return len(msgs) == 2 && msgs[0].Confirmed() && msgs[1].Confirmed()
	}, wait, time.Millisecond)
	msgs := alice.eng.Messages(chatID)
	require.Less(t, msgs[0].ServerTimestamp, msgs[1].ServerTimestamp)

	n, err := alice.db.CountMessagesByLocalID(ctx, first.LocalID)
	require.NoError(t, err)
	require.Equal(t, 1, n, "stored exactly once")
	require.Equal(t, 2, s.count(isType(proto.ChatMessage)))
}

func TestSendRequiresOpenChatAndContent(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	alice, bob := h.peer(t, "alice", nil), h.peer(t, "bob", nil)
	chatID := direct(t, alice, bob)

	_, err := alice.eng.Send(ctx, chatID, "   ")
	require.ErrorIs(t, err, ErrEmptyMessage)
	_, err = alice.eng.Send(ctx, "dm:nobody:else", "hi")
	require.ErrorIs(t, err, ErrChatNotOpen)

	alice.eng.Leave(chatID)
	_, err = alice.eng.Send(ctx, chatID, "hi")
	require.ErrorIs(t, err, ErrChatNotOpen)
}

func TestReceiptsAdvanceMonotonically(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	alice, bob := h.peer(t, "alice", nil), h.peer(t, "bob", nil)
	chatID := direct(t, alice, bob)

	_, err := alice.eng.Send(ctx, chatID, "hello")
	require.NoError(t, err)
	waitContents(t, bob, chatID, "hello")

	stateOf := func() model.DeliveryState {
		msgs := alice.eng.Messages(chatID)
		if len(msgs) != 1 {
			return model.Queued
		}
		return msgs[0].State
	}
	require.Eventually(t, func() bool { return stateOf() == model.Delivered }, wait, time.Millisecond)

	serverID := bob.eng.Messages(chatID)[0].ServerID
	require.NoError(t, bob.eng.MarkRead(ctx, chatID, serverID))
	require.Eventually(t, func() bool { return stateOf() == model.Read }, wait, time.Millisecond)

	// A late delivered receipt must not move the message back.
	late, err := proto.Encode(proto.ChatFrame{
		Type: proto.ChatReceipt, ChatID: chatID, SenderID: "bob", ServerID: serverID,
		ReceiptType: model.ReceiptDelivered, Timestamp: h.clk.Now().UnixMilli() + 1,
	})
	require.NoError(t, err)
	h.broker.Deliver(proto.ChatTopic(chatID), "bob", late)
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, model.Read, stateOf())

	stored, err := alice.db.GetMessage(ctx, serverID)
	require.NoError(t, err)
	require.Equal(t, model.Read, stored.State)

	receipts, err := alice.db.ListReceipts(ctx, serverID)
	require.NoError(t, err)
	require.Len(t, receipts, 2, "one delivered and one read from bob")
}

func TestRedeliveredMessageShownOnce(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	alice, bob := h.peer(t, "alice", nil), h.peer(t, "bob", nil)
	chatID := direct(t, alice, bob)

	var received atomic.Int32
	bob.eng.OnReceived(func(model.ChatMessage) { received.Add(1) })

	_, err := alice.eng.Send(ctx, chatID, "once")
	require.NoError(t, err)
	waitContents(t, bob, chatID, "once")

	m := bob.eng.Messages(chatID)[0]
	dup, err := proto.Encode(messageFrame(m))
	require.NoError(t, err)
	h.broker.Deliver(proto.ChatTopic(chatID), "alice", dup)
	time.Sleep(20 * time.Millisecond)

	require.Len(t, bob.eng.Messages(chatID), 1)
	require.EqualValues(t, 1, received.Load())
}

func TestNonParticipantFramesIgnored(t *testing.T) {
	h := newHarness()
	alice, bob := h.peer(t, "alice", nil), h.peer(t, "bob", nil)
	chatID := direct(t, alice, bob)

	intruder, err := proto.Encode(proto.ChatFrame{
		Type: proto.ChatMessage, ChatID: chatID, SenderID: "mallory",
		LocalID: "x", ServerID: "x", Content: "psst", Timestamp: 1,
	})
	require.NoError(t, err)
	h.broker.Deliver(proto.ChatTopic(chatID), "mallory", intruder)
	time.Sleep(20 * time.Millisecond)
	require.Empty(t, bob.eng.Messages(chatID))
}

func TestHistoryCursorIsStable(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	alice, bob := h.peer(t, "alice", nil), h.peer(t, "bob", nil)
	chatID := direct(t, alice, bob)

	for _, c := range []string{"1", "2", "3", "4", "5"} {
		_, err := alice.eng.Send(ctx, chatID, c)
		require.NoError(t, err)
	}
	waitContents(t, bob, chatID, "1", "2", "3", "4", "5")

	first, err := alice.eng.History(ctx, chatID, "", 2)
	require.NoError(t, err)
	require.Equal(t, []string{"5", "4"}, contents(first.Messages))
	require.NotEmpty(t, first.Next)

	second, err := alice.eng.History(ctx, chatID, first.Next, 2)
	require.NoError(t, err)
	again, err := alice.eng.History(ctx, chatID, first.Next, 2)
	require.NoError(t, err)
	require.Equal(t, []string{"3", "2"}, contents(second.Messages))
	require.Equal(t, second, again)

	last, err := alice.eng.History(ctx, chatID, second.Next, 2)
	require.NoError(t, err)
	require.Equal(t, []string{"1"}, contents(last.Messages))
	require.Empty(t, last.Next)

	_, err = alice.eng.History(ctx, chatID, "%%%", 2)
	require.ErrorIs(t, err, ErrBadCursor)
}

func TestTypingIsThrottled(t *testing.T) {
	h := newHarness()
	alice, bob := h.peer(t, "alice", nil), h.peer(t, "bob", nil)
	chatID := direct(t, alice, bob)
	s := watch(t, h.broker, proto.ChatTopic(chatID))

	var active, idle atomic.Int32
	bob.eng.OnTyping(func(ev Event) {
		if ev.Active {
			active.Add(1)
		} else {
			idle.Add(1)
		}
	})

	require.NoError(t, alice.eng.Typing(chatID))
	h.clk.Add(time.Second)
	require.NoError(t, alice.eng.Typing(chatID))
	h.clk.Add(time.Second)
	require.NoError(t, alice.eng.Typing(chatID))

	require.Eventually(t, func() bool { return active.Load() == 1 }, wait, time.Millisecond)
	require.Zero(t, idle.Load())

	h.clk.Add(DefaultTypingTrailing)
	require.Eventually(t, func() bool { return idle.Load() == 1 }, wait, time.Millisecond)
	require.Equal(t, 2, s.count(isType(proto.ChatTyping)))
}

type flakyStore struct {
	*storage.DB
	fail atomic.Bool
}

func (f *flakyStore) UpsertMessage(ctx context.Context, m model.ChatMessage) (model.ChatMessage, error) {
	if f.fail.Load() {
		return model.ChatMessage{}, errors.New("disk unavailable")
	}
	return f.DB.UpsertMessage(ctx, m)
}

func TestFailedAfterMaxAttemptsThenResend(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	var flaky *flakyStore
	alice := h.peer(t, "alice", func(db *storage.DB) Store {
		flaky = &flakyStore{DB: db}
		flaky.fail.Store(true)
		return flaky
	})
	bob := h.peer(t, "bob", nil)
	chatID := direct(t, alice, bob)

	failed := make(chan model.ChatMessage, 1)
	alice.eng.OnFailed(func(m model.ChatMessage) { failed <- m })

	sent, err := alice.eng.Send(ctx, chatID, "retry me")
	require.NoError(t, err)

	var gotFailed model.ChatMessage
	require.Eventually(t, func() bool {
		select {
		case gotFailed = <-failed:
			return true
		default:
			h.clk.Add(10 * time.Millisecond)
			return false
		}
	}, wait, time.Millisecond)
	require.Equal(t, sent.LocalID, gotFailed.LocalID)
	require.Equal(t, model.Failed, gotFailed.State)
	require.Equal(t, model.Failed, alice.eng.Messages(chatID)[0].State)

	_, err = alice.eng.Resend(ctx, chatID, "unknown")
	require.ErrorIs(t, err, ErrNotFailed)

	flaky.fail.Store(false)
	again, err := alice.eng.Resend(ctx, chatID, sent.LocalID)
	require.NoError(t, err)
	require.Equal(t, sent.LocalID, again.LocalID)
	waitContents(t, bob, chatID, "retry me")
	waitContents(t, alice, chatID, "retry me")
}

// gatedTransport fails chat publishes while closed, staying connected.
type gatedTransport struct {
	realtime.Transport
	closed atomic.Bool
}

func (g *gatedTransport) Publish(ctx context.Context, topic string, data []byte) error {
	if g.closed.Load() && strings.HasPrefix(topic, "chat:") {
		return errors.New("publish timeout")
	}
	return g.Transport.Publish(ctx, topic, data)
}

func TestResendReusesStoredRow(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	gate := &gatedTransport{Transport: h.broker.Connect("alice")}
	alice := h.peerOver(t, "alice", nil, gate)
	bob := h.peer(t, "bob", nil)
	chatID := direct(t, alice, bob)

	failed := make(chan model.ChatMessage, 1)
	alice.eng.OnFailed(func(m model.ChatMessage) { failed <- m })

	gate.closed.Store(true)
	sent, err := alice.eng.Send(ctx, chatID, "hi")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		select {
		case <-failed:
			return true
		default:
			h.clk.Add(10 * time.Millisecond)
			return false
		}
	}, wait, time.Millisecond)

	n, err := alice.db.CountMessagesByLocalID(ctx, sent.LocalID)
	require.NoError(t, err)
	require.Equal(t, 1, n, "stored before the publish failed")
	stored, err := alice.db.ListMessagesAfter(ctx, chatID, 0, 10)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	require.Equal(t, model.Failed, stored[0].State)

	gate.closed.Store(false)
	r, ok := alice.eng.lookup(chatID)
	require.True(t, ok)
	alice.eng.answerSync(r, 0)
	require.Never(t, func() bool { return len(bob.eng.Messages(chatID)) > 0 }, 100*time.Millisecond, 5*time.Millisecond,
		"a failed message is not offered to peers")

	again, err := alice.eng.Resend(ctx, chatID, sent.LocalID)
	require.NoError(t, err)
	require.Equal(t, sent.LocalID, again.LocalID)
	waitContents(t, bob, chatID, "hi")
	waitContents(t, alice, chatID, "hi")

	n, err = alice.db.CountMessagesByLocalID(ctx, sent.LocalID)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	page, err := alice.eng.History(ctx, chatID, "", 10)
	require.NoError(t, err)
	require.Equal(t, []string{"hi"}, contents(page.Messages))
	require.NotEqual(t, model.Failed, page.Messages[0].State)
}

func TestLeaveIsScopedToOneChat(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	alice, bob, carol := h.peer(t, "alice", nil), h.peer(t, "bob", nil), h.peer(t, "carol", nil)
	withBob := direct(t, alice, bob)
	withCarol := direct(t, alice, carol)
	bobSpy := watch(t, h.broker, proto.ChatTopic(withBob))
	carolSpy := watch(t, h.broker, proto.ChatTopic(withCarol))

	typing := func(active bool) func(proto.ChatFrame) bool {
		return func(f proto.ChatFrame) bool { return f.Type == proto.ChatTyping && f.Active == active }
	}

	require.NoError(t, alice.eng.Typing(withBob))
	require.NoError(t, alice.eng.Typing(withCarol))
	require.Eventually(t, func() bool {
		return bobSpy.count(typing(true)) == 1 && carolSpy.count(typing(true)) == 1
	}, wait, time.Millisecond)

	alice.eng.Leave(withBob)
	require.Empty(t, alice.eng.Messages(withBob))
	_, err := alice.eng.Send(ctx, withBob, "gone")
	require.ErrorIs(t, err, ErrChatNotOpen)
	require.ErrorIs(t, alice.eng.Typing(withBob), ErrChatNotOpen)

	h.clk.Add(DefaultTypingTrailing)
	require.Eventually(t, func() bool { return carolSpy.count(typing(false)) == 1 }, wait, time.Millisecond)
	require.Zero(t, bobSpy.count(typing(false)), "left chat keeps no typing timer")

	_, err = alice.eng.Send(ctx, withCarol, "still here")
	require.NoError(t, err)
	waitContents(t, carol, withCarol, "still here")
	_, err = carol.eng.Send(ctx, withCarol, "me too")
	require.NoError(t, err)
	waitContents(t, alice, withCarol, "still here", "me too")
}

func TestSyncBackfillsOfflineReceiver(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	alice, bob := h.peer(t, "alice", nil), h.peer(t, "bob", nil)
	chatID := direct(t, alice, bob)

	h.setOnline(t, bob, false)
	for _, c := range []string{"while", "away"} {
		_, err := alice.eng.Send(ctx, chatID, c)
		require.NoError(t, err)
	}
	require.Eventually(t, func() bool {
		msgs := alice.eng.Messages(chatID)
		return len(msgs) == 2 && msgs[1].Confirmed()
	}, wait, time.Millisecond)
	require.Empty(t, bob.eng.Messages(chatID))

	h.setOnline(t, bob, true)
	waitContents(t, bob, chatID, "while", "away")

	stored, err := bob.db.ListMessagesAfter(ctx, chatID, 0, 10)
	require.NoError(t, err)
	require.Equal(t, []string{"while", "away"}, contents(stored))
}

func TestGroupInviteJoin(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	alice, bob, carol := h.peer(t, "alice", nil), h.peer(t, "bob", nil), h.peer(t, "carol", nil)

	inbox, err := h.broker.Connect("carol").Subscribe(ctx, proto.InboxTopic("carol"))
	require.NoError(t, err)
	defer inbox.Close()

	_, err = alice.eng.CreateGroup(ctx, "trio", nil)
	require.ErrorIs(t, err, ErrTooFewMembers)

	group, err := alice.eng.CreateGroup(ctx, "trio", []string{"bob", "carol", "bob"})
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"alice", "bob", "carol"}, group.Participants)

	var invite proto.InboxFrame
	select {
	case m := <-inbox.Messages():
		invite, err = proto.Decode[proto.InboxFrame](m.Data)
		require.NoError(t, err)
	case <-time.After(wait):
		t.Fatal("no invite")
	}
	require.Equal(t, proto.InboxChatCreated, invite.Type)
	require.Equal(t, "trio", invite.Name)

	joined, err := carol.eng.Join(ctx, invite)
	require.NoError(t, err)
	require.Equal(t, group.ID, joined.ID)

	_, err = bob.eng.Join(ctx, proto.InboxFrame{
		Type: proto.InboxChatCreated, ID: "x", From: "alice", To: "bob",
		ChatID: "grp:other", Participants: []string{"alice", "carol"},
	})
	require.ErrorIs(t, err, ErrNotMember)

	_, err = alice.eng.Send(ctx, group.ID, "hey all")
	require.NoError(t, err)
	waitContents(t, carol, group.ID, "hey all")

	chats, err := carol.eng.Chats(ctx)
	require.NoError(t, err)
	require.Len(t, chats, 1)
}
