package presence

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"github.com/dp2ptrade/rolenet-sub003/internal/proto"
	"github.com/dp2ptrade/rolenet-sub003/internal/realtime"
	"github.com/dp2ptrade/rolenet-sub003/internal/storage"
)

const wait = time.Second

func newTracker(t *testing.T) (*Tracker, *clock.Mock) {
	t.Helper()
	mock := clock.NewMock()
	return NewTracker(Options{TTL: 30 * time.Second, FlapWindow: 5 * time.Second, Clock: mock}), mock
}

func TestUnknownUserIsOffline(t *testing.T) {
	tr, _ := newTracker(t)
	rec := tr.Status("ghost")
	require.Equal(t, Offline, rec.Status)
	require.True(t, rec.LastSeen.IsZero())
}

func TestHeartbeatMarksOnlineAndAway(t *testing.T) {
	tr, mock := newTracker(t)
	tr.Heartbeat("bob", Online)
	require.Equal(t, Online, tr.Status("bob").Status)
	require.Equal(t, mock.Now(), tr.Status("bob").LastSeen)

	tr.Heartbeat("bob", Away)
	require.Equal(t, Away, tr.Status("bob").Status)
}

func TestFlapWindowAbsorbsQuickReconnect(t *testing.T) {
	tr, mock := newTracker(t)
	events, cancel := tr.Subscribe("bob")
	defer cancel()

	tr.Heartbeat("bob", Online)
	require.Equal(t, Online, (<-events).Status)

	tr.Disconnect("bob")
	mock.Add(3 * time.Second)
	tr.Heartbeat("bob", Online)
	mock.Add(10 * time.Second)

	require.Never(t, func() bool { return tr.Status("bob").Status == Offline }, 50*time.Millisecond, 5*time.Millisecond)
	select {
	case e := <-events:
		t.Fatalf("unexpected event %+v", e)
	default:
	}
}

func TestDisconnectBecomesOfflineAfterWindow(t *testing.T) {
	tr, mock := newTracker(t)
	events, cancel := tr.Subscribe("bob")
	defer cancel()

	tr.Heartbeat("bob", Online)
	<-events

	tr.Disconnect("bob")
	mock.Add(4 * time.Second)
	require.Equal(t, Online, tr.Status("bob").Status, "still inside the flap window")

	mock.Add(time.Second)
	require.Eventually(t, func() bool { return tr.Status("bob").Status == Offline }, wait, time.Millisecond)

	e := <-events
	require.Equal(t, Offline, e.Status)
	require.Equal(t, Online, e.Previous)
}

func TestSweepExpiresSilentUsers(t *testing.T) {
	tr, mock := newTracker(t)
	tr.Heartbeat("bob", Online)
	tr.Heartbeat("carol", Online)

	mock.Add(20 * time.Second)
	tr.Heartbeat("carol", Online)
	mock.Add(11 * time.Second)
	tr.Sweep()

	mock.Add(5 * time.Second)
	require.Eventually(t, func() bool { return tr.Status("bob").Status == Offline }, wait, time.Millisecond)
	require.Equal(t, Online, tr.Status("carol").Status)

	snap := tr.Snapshot()
	require.Len(t, snap, 2)
}

func TestSeedFromCache(t *testing.T) {
	ctx := context.Background()
	db, err := storage.Open(t.TempDir())
	require.NoError(t, err)
	defer db.Close()

	seen := time.UnixMilli(5_000)
	require.NoError(t, db.UpsertPresence(ctx, storage.CachedPresence{UserID: "bob", Status: "online", LastSeen: seen}))

	tr := NewTracker(Options{Clock: clock.NewMock(), Cache: db})
	require.NoError(t, tr.Seed(ctx))
	rec := tr.Status("bob")
	require.Equal(t, Offline, rec.Status)
	require.Equal(t, seen.UnixMilli(), rec.LastSeen.UnixMilli())

	tr.Heartbeat("bob", Away)
	rows, err := db.ListPresence(ctx)
	require.NoError(t, err)
	require.Equal(t, "away", rows[0].Status)
}

func TestConsumeReducesFrames(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := realtime.NewBroker()
	tr, _ := newTracker(t)
	done := make(chan error, 1)
	go func() { done <- tr.Consume(ctx, b.Connect("alice"), "alice") }()
	require.Eventually(t, func() bool { return b.SubscriberCount(proto.TopicPresence) == 1 }, wait, time.Millisecond)

	pub := b.Connect("bob")
	hb, _ := proto.Encode(proto.PresenceFrame{Type: proto.PresenceHeartbeat, UserID: "bob", Status: "away"})
	self, _ := proto.Encode(proto.PresenceFrame{Type: proto.PresenceHeartbeat, UserID: "alice"})
	require.NoError(t, pub.Publish(ctx, proto.TopicPresence, []byte(`{"type":"bogus"}`)))
	require.NoError(t, pub.Publish(ctx, proto.TopicPresence, self))
	require.NoError(t, pub.Publish(ctx, proto.TopicPresence, hb))

	require.Eventually(t, func() bool { return tr.Status("bob").Status == Away }, wait, time.Millisecond)
	require.Equal(t, Offline, tr.Status("alice").Status)

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}

func TestAnnounceSendsOfflineOnShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	b := realtime.NewBroker()
	sub, err := b.Connect("watcher").Subscribe(context.Background(), proto.TopicPresence)
	require.NoError(t, err)

	mock := clock.NewMock()
	done := make(chan struct{})
	go func() {
		Announce(ctx, b.Connect("alice"), mock, "alice", 10*time.Second, func() Status { return Online })
		close(done)
	}()

	first := <-sub.Messages()
	f, err := proto.Decode[proto.PresenceFrame](first.Data)
	require.NoError(t, err)
	require.Equal(t, proto.PresenceHeartbeat, f.Type)
	require.Equal(t, "online", f.Status)

	cancel()
	<-done
	last := <-sub.Messages()
	f, err = proto.Decode[proto.PresenceFrame](last.Data)
	require.NoError(t, err)
	require.Equal(t, proto.PresenceOffline, f.Type)
}
