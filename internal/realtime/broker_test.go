package realtime

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func recv(t *testing.T, sub Subscription) Message {
	t.Helper()
	select {
	case m, ok := <-sub.Messages():
		require.True(t, ok, "subscription closed")
		return m
	case <-time.After(time.Second):
		t.Fatalf("no message on %s", sub.Topic())
	}
	return Message{}
}

func TestBrokerFIFOWithinTopic(t *testing.T) {
	ctx := context.Background()
	b := NewBroker()
	alice, bob := b.Connect("alice"), b.Connect("bob")

	sub, err := bob.Subscribe(ctx, "chat:x")
	require.NoError(t, err)
	defer sub.Close()

	for _, s := range []string{"1", "2", "3"} {
		require.NoError(t, alice.Publish(ctx, "chat:x", []byte(s)))
	}
	for _, want := range []string{"1", "2", "3"} {
		m := recv(t, sub)
		require.Equal(t, want, string(m.Data))
		require.Equal(t, "alice", m.From)
	}
}

func TestBrokerOffline(t *testing.T) {
	ctx := context.Background()
	b := NewBroker()
	alice, bob := b.Connect("alice"), b.Connect("bob")

	states, cancel := alice.States()
	defer cancel()

	sub, err := bob.Subscribe(ctx, "t")
	require.NoError(t, err)

	b.SetOnline("alice", false)
	require.Equal(t, Disconnected, <-states)
	require.Equal(t, Disconnected, alice.State())
	require.ErrorIs(t, alice.Publish(ctx, "t", []byte("x")), ErrDisconnected)

	// offline subscribers miss traffic
	b.SetOnline("bob", false)
	b.SetOnline("alice", true)
	require.Equal(t, Connected, <-states)
	require.NoError(t, alice.Publish(ctx, "t", []byte("lost")))
	b.SetOnline("bob", true)
	require.NoError(t, alice.Publish(ctx, "t", []byte("seen")))
	require.Equal(t, "seen", string(recv(t, sub).Data))
}

func TestBrokerSubscriptionClose(t *testing.T) {
	ctx := context.Background()
	b := NewBroker()
	tr := b.Connect("alice")

	s1, err := tr.Subscribe(ctx, "a")
	require.NoError(t, err)
	s2, err := tr.Subscribe(ctx, "b")
	require.NoError(t, err)

	s1.Close()
	s1.Close()
	require.Equal(t, 0, b.SubscriberCount("a"))
	require.Equal(t, 1, b.SubscriberCount("b"))

	_, ok := <-s1.Messages()
	require.False(t, ok)

	require.NoError(t, tr.Close())
	require.Equal(t, 0, b.SubscriberCount("b"))
	_, ok = <-s2.Messages()
	require.False(t, ok)
	require.ErrorIs(t, tr.Publish(ctx, "a", nil), ErrClosed)
}

func TestBrokerDeliverReplaysDuplicates(t *testing.T) {
	ctx := context.Background()
	b := NewBroker()
	sub, err := b.Connect("bob").Subscribe(ctx, "t")
	require.NoError(t, err)

	b.Deliver("t", "alice", []byte("dup"))
	b.Deliver("t", "alice", []byte("dup"))
	require.Equal(t, "dup", string(recv(t, sub).Data))
	require.Equal(t, "dup", string(recv(t, sub).Data))
}
