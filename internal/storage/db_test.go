package storage

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"github.com/dp2ptrade/rolenet-sub003/internal/model"
)

func openTest(t *testing.T) *DB {
	t.Helper()
	db, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestUpsertMessageIsIdempotent(t *testing.T) {
	ctx := context.Background()
	db := openTest(t)
	_, _, err := db.CreateOrGetDirectChat(ctx, "alice", "bob")
	require.NoError(t, err)

	msg := model.ChatMessage{LocalID: "m1", ChatID: model.DirectChatID("alice", "bob"), SenderID: "alice", Content: "hi", CreatedAt: time.Now()}
	first, err := db.UpsertMessage(ctx, msg)
	require.NoError(t, err)
	require.NotEmpty(t, first.ServerID)
	require.NotZero(t, first.ServerTimestamp)
	require.Equal(t, model.Sent, first.State)

	again, err := db.UpsertMessage(ctx, msg)
	require.NoError(t, err)
	require.Equal(t, first.ServerID, again.ServerID)
	require.Equal(t, first.ServerTimestamp, again.ServerTimestamp)

	n, err := db.CountMessagesByLocalID(ctx, "m1")
	require.NoError(t, err)
	require.Equal(t, 1, n)

	chat, err := db.GetChat(ctx, msg.ChatID, "alice")
	require.NoError(t, err)
	require.Equal(t, first.ServerID, chat.LastMessageID)
}

func TestFailedMessageRevivedByUpsert(t *testing.T) {
	ctx := context.Background()
	db := openTest(t)
	chatID := model.DirectChatID("alice", "bob")
	msg := model.ChatMessage{LocalID: "m1", ChatID: chatID, SenderID: "alice", Content: "hi", CreatedAt: time.Now()}
	first, err := db.UpsertMessage(ctx, msg)
	require.NoError(t, err)

	require.NoError(t, db.MarkMessageFailed(ctx, "m1"))
	require.NoError(t, db.MarkMessageFailed(ctx, "unknown"))
	got, err := db.GetMessage(ctx, first.ServerID)
	require.NoError(t, err)
	require.Equal(t, model.Failed, got.State)

	again, err := db.UpsertMessage(ctx, msg)
	require.NoError(t, err)
	require.Equal(t, first.ServerID, again.ServerID)
	require.Equal(t, model.Sent, again.State)
	got, err = db.GetMessage(ctx, first.ServerID)
	require.NoError(t, err)
	require.Equal(t, model.Sent, got.State)

	_, err = db.ApplyDeliveryState(ctx, first.ServerID, model.Delivered)
	require.NoError(t, err)
	require.NoError(t, db.MarkMessageFailed(ctx, "m1"))
	got, err = db.GetMessage(ctx, first.ServerID)
	require.NoError(t, err)
	require.Equal(t, model.Delivered, got.State, "only sent rows can fail")
}

func TestServerTimestampStrictlyIncreases(t *testing.T) {
	ctx := context.Background()
	db := openTest(t)
	mock := clock.NewMock()
	mock.Set(time.UnixMilli(1_000_000))
	db.SetClock(mock) // frozen: every insert lands on the same millisecond

	var last int64
	for _, id := range []string{"a", "b", "c"} {
		m, err := db.UpsertMessage(ctx, model.ChatMessage{LocalID: id, ChatID: "g", SenderID: "x", Content: id})
		require.NoError(t, err)
		require.Greater(t, m.ServerTimestamp, last)
		last = m.ServerTimestamp
	}
}

func TestDeliveryStateIsMonotonic(t *testing.T) {
	ctx := context.Background()
	db := openTest(t)
	m, err := db.UpsertMessage(ctx, model.ChatMessage{LocalID: "m", ChatID: "c", SenderID: "a", Content: "x"})
	require.NoError(t, err)

	st, err := db.ApplyDeliveryState(ctx, m.ServerID, model.Read)
	require.NoError(t, err)
	require.Equal(t, model.Read, st)

	st, err = db.ApplyDeliveryState(ctx, m.ServerID, model.Delivered)
	require.NoError(t, err)
	require.Equal(t, model.Read, st, "no regression")

	_, err = db.ApplyDeliveryState(ctx, "missing", model.Read)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestReceiptsDedup(t *testing.T) {
	ctx := context.Background()
	db := openTest(t)
	r := model.Receipt{MessageID: "s1", Type: model.ReceiptDelivered, AckerID: "bob", At: time.Now()}

	fresh, err := db.InsertReceipt(ctx, r)
	require.NoError(t, err)
	require.True(t, fresh)

	fresh, err = db.InsertReceipt(ctx, r)
	require.NoError(t, err)
	require.False(t, fresh)

	list, err := db.ListReceipts(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, list, 1)
}

func TestHistoryPages(t *testing.T) {
	ctx := context.Background()
	db := openTest(t)
	for _, id := range []string{"1", "2", "3", "4", "5"} {
		_, err := db.UpsertMessage(ctx, model.ChatMessage{LocalID: id, ChatID: "c", SenderID: "a", Content: id})
		require.NoError(t, err)
	}

	page, err := db.ListMessagesBefore(ctx, "c", 0, "", 2)
	require.NoError(t, err)
	require.Equal(t, []string{"5", "4"}, contents(page))

	tail := page[len(page)-1]
	next, err := db.ListMessagesBefore(ctx, "c", tail.ServerTimestamp, tail.ServerID, 2)
	require.NoError(t, err)
	require.Equal(t, []string{"3", "2"}, contents(next))

	again, err := db.ListMessagesBefore(ctx, "c", tail.ServerTimestamp, tail.ServerID, 2)
	require.NoError(t, err)
	require.Equal(t, next, again)

	after, err := db.ListMessagesAfter(ctx, "c", next[0].ServerTimestamp, 10)
	require.NoError(t, err)
	require.Equal(t, []string{"4", "5"}, contents(after))
}

func contents(ms []model.ChatMessage) []string {
	out := make([]string, len(ms))
	for i, m := range ms {
		out[i] = m.Content
	}
	return out
}

func TestDirectChatConvergence(t *testing.T) {
	ctx := context.Background()
	db := openTest(t)

	var wg sync.WaitGroup
	ids := make([]string, 8)
	created := make([]bool, 8)
	errs := make([]error, 8)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a, b := "alice", "bob"
			if i%2 == 1 {
				a, b = b, a
			}
			c, ok, err := db.CreateOrGetDirectChat(ctx, a, b)
			ids[i], created[i], errs[i] = c.ID, ok, err
		}(i)
	}
	wg.Wait()

	for i, id := range ids {
		require.NoError(t, errs[i])
		require.Equal(t, "dm:alice:bob", id)
	}
	n := 0
	for _, c := range created {
		if c {
			n++
		}
	}
	require.Equal(t, 1, n, "exactly one creator wins")

	chats, err := db.ListChats(ctx, "bob")
	require.NoError(t, err)
	require.Len(t, chats, 1)
	require.Equal(t, []string{"alice", "bob"}, chats[0].Participants)
	require.True(t, chats[0].Direct)
}

func TestPinsArePerViewer(t *testing.T) {
	ctx := context.Background()
	db := openTest(t)
	_, err := db.CreateGroupChat(ctx, "g1", "team", []string{"alice", "bob", "carol"})
	require.NoError(t, err)
	_, _, err = db.CreateOrGetDirectChat(ctx, "alice", "bob")
	require.NoError(t, err)

	require.NoError(t, db.SetPinned(ctx, "g1", "alice", true))
	require.NoError(t, db.SetPinned(ctx, "g1", "alice", true))

	chats, err := db.ListChats(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, chats, 2)
	require.Equal(t, "g1", chats[0].ID)
	require.True(t, chats[0].Pinned)

	bobView, err := db.GetChat(ctx, "g1", "bob")
	require.NoError(t, err)
	require.False(t, bobView.Pinned)

	require.NoError(t, db.SetPinned(ctx, "g1", "alice", false))
	c, err := db.GetChat(ctx, "g1", "alice")
	require.NoError(t, err)
	require.False(t, c.Pinned)
}

func TestCallRecordOncePerOwner(t *testing.T) {
	ctx := context.Background()
	db := openTest(t)
	rec := model.CallRecord{
		CallID: "c1", Owner: "alice", Participants: []string{"alice", "bob"},
		Reason: model.ReasonDeclined, StartedAt: time.UnixMilli(1000), EndedAt: time.UnixMilli(5000),
	}
	ok, err := db.InsertCallRecord(ctx, rec)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = db.InsertCallRecord(ctx, rec)
	require.NoError(t, err)
	require.False(t, ok)

	rec.Owner = "bob"
	ok, err = db.InsertCallRecord(ctx, rec)
	require.NoError(t, err)
	require.True(t, ok)

	n, err := db.CountCallRecords(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, 2, n)

	list, err := db.ListCallRecords(ctx, "alice", 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, model.ReasonDeclined, list[0].Reason)
	require.Equal(t, []string{"alice", "bob"}, list[0].Participants)
}

func TestNotificationsDedupAndRead(t *testing.T) {
	ctx := context.Background()
	db := openTest(t)
	n := model.Notification{Type: model.NotifyPing, RecipientID: "bob", EntityID: "p1"}

	first, inserted, err := db.InsertNotification(ctx, n)
	require.NoError(t, err)
	require.True(t, inserted)

	dup, inserted, err := db.InsertNotification(ctx, n)
	require.NoError(t, err)
	require.False(t, inserted)
	require.Equal(t, first.ID, dup.ID)

	_, _, err = db.InsertNotification(ctx, model.Notification{Type: model.NotifyMessage, RecipientID: "bob", EntityID: "s1"})
	require.NoError(t, err)

	unread, err := db.CountUnread(ctx, "bob")
	require.NoError(t, err)
	require.Equal(t, 2, unread)

	changed, err := db.MarkNotificationRead(ctx, first.ID, time.Now())
	require.NoError(t, err)
	require.True(t, changed)
	changed, err = db.MarkNotificationRead(ctx, first.ID, time.Now())
	require.NoError(t, err)
	require.False(t, changed)

	got, err := db.GetNotification(ctx, first.ID)
	require.NoError(t, err)
	require.NotNil(t, got.ReadAt)

	count, err := db.MarkAllNotificationsRead(ctx, "bob", time.Now())
	require.NoError(t, err)
	require.EqualValues(t, 1, count)
	unread, err = db.CountUnread(ctx, "bob")
	require.NoError(t, err)
	require.Zero(t, unread)

	list, err := db.ListNotifications(ctx, "bob", 10)
	require.NoError(t, err)
	require.Len(t, list, 2)
}

func TestPresenceCache(t *testing.T) {
	ctx := context.Background()
	db := openTest(t)
	require.NoError(t, db.UpsertPresence(ctx, CachedPresence{UserID: "bob", Status: "online", LastSeen: time.UnixMilli(2000)}))
	require.NoError(t, db.UpsertPresence(ctx, CachedPresence{UserID: "bob", Status: "offline", LastSeen: time.UnixMilli(1000)}))

	list, err := db.ListPresence(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, "offline", list[0].Status)
	require.Equal(t, int64(2000), list[0].LastSeen.UnixMilli(), "last seen never goes back")

	require.NoError(t, db.DeletePresence(ctx, "bob"))
	list, err = db.ListPresence(ctx)
	require.NoError(t, err)
	require.Empty(t, list)
}

func TestSaveRemoteMessageKeepsServerPosition(t *testing.T) {
	ctx := context.Background()
	db := openTest(t)
	chat, _, err := db.CreateOrGetDirectChat(ctx, "alice", "bob")
	require.NoError(t, err)

	remote := model.ChatMessage{
		ServerID: "srv-1", LocalID: "l1", ChatID: chat.ID, SenderID: "bob",
		Content: "yo", State: model.Delivered, ServerTimestamp: 77,
	}
	ok, err := db.SaveRemoteMessage(ctx, remote)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = db.SaveRemoteMessage(ctx, remote)
	require.NoError(t, err)
	require.False(t, ok)

	got, err := db.GetMessage(ctx, "srv-1")
	require.NoError(t, err)
	require.Equal(t, int64(77), got.ServerTimestamp)
	require.Equal(t, model.Delivered, got.State)

	_, err = db.SaveRemoteMessage(ctx, model.ChatMessage{LocalID: "x", ChatID: chat.ID})
	require.Error(t, err)
}
