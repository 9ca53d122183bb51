package app

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dp2ptrade/rolenet-sub003/internal/config"
	"github.com/dp2ptrade/rolenet-sub003/internal/model"
	"github.com/dp2ptrade/rolenet-sub003/internal/proto"
	"github.com/dp2ptrade/rolenet-sub003/internal/realtime"
)

const wait = 3 * time.Second

func startPeer(t *testing.T, ctx context.Context, id string, dial realtime.Dialer) *Peer {
	t.Helper()
	dir := filepath.Join(t.TempDir(), id)
	cfg := config.Default()
	cfg.Log.Level = "error"
	p, err := Start(ctx, Options{PeerDir: dir, Cfg: cfg, Dial: dial})
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	require.Equal(t, id, p.ID, "user id falls back to the folder name")
	return p
}

func TestPeersChatAndNotify(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	broker := realtime.NewBroker()
	alice := startPeer(t, ctx, "alice", broker.Dialer("alice"))
	bob := startPeer(t, ctx, "bob", broker.Dialer("bob"))
	require.Eventually(t, func() bool { return broker.SubscriberCount(proto.InboxTopic("bob")) == 1 }, wait, 5*time.Millisecond)

	chat, err := alice.Chat.OpenDirect(ctx, "bob")
	require.NoError(t, err)
	_, err = alice.Chat.Send(ctx, chat.ID, "are you free?")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		msgs := bob.Chat.Messages(chat.ID)
		return len(msgs) == 1 && msgs[0].Content == "are you free?"
	}, wait, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		list, err := bob.Notify.List(ctx, "bob", 10)
		return err == nil && len(list) == 1 && list[0].Type == model.NotifyMessage
	}, wait, 5*time.Millisecond)

	require.NoError(t, alice.Notify.SendPing(ctx, "bob", "ping"))
	require.Eventually(t, func() bool {
		n, err := bob.Notify.Unread(ctx, "bob")
		return err == nil && n == 2
	}, wait, 5*time.Millisecond)
}

func TestRelayServesHealthAndStops(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ServeRelay(ctx, ln) }()
	require.NoError(t, WaitTCP(ln.Addr().String(), wait))

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(wait):
		t.Fatal("relay did not stop")
	}
}
