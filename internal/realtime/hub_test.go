package realtime

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestHubReferenceCounting(t *testing.T) {
	ctx := context.Background()
	b := NewBroker()
	h := NewHub(b.Dialer("alice"))

	require.Equal(t, 0, h.Dials())

	s1, err := h.Subscribe(ctx, "a")
	require.NoError(t, err)
	s2, err := h.Subscribe(ctx, "b")
	require.NoError(t, err)
	require.Equal(t, 1, h.Dials(), "subscriptions share one connection")
	require.Equal(t, 2, h.Refs())

	s1.Close()
	s1.Close()
	require.Equal(t, 1, h.Refs())
	require.Equal(t, 0, b.SubscriberCount("a"))
	require.Equal(t, 1, b.SubscriberCount("b"), "closing one topic leaves others alone")

	s2.Close()
	require.Equal(t, 0, h.Refs())
	require.Equal(t, 0, b.SubscriberCount("b"))

	s3, err := h.Subscribe(ctx, "c")
	require.NoError(t, err)
	defer s3.Close()
	require.Equal(t, 2, h.Dials(), "next subscribe re-dials")
}

func TestHubPublishWithoutSubscribers(t *testing.T) {
	ctx := context.Background()
	b := NewBroker()
	sub, err := b.Connect("bob").Subscribe(ctx, "t")
	require.NoError(t, err)

	h := NewHub(b.Dialer("alice"))
	require.NoError(t, h.Publish(ctx, "t", []byte("hi")))
	require.Equal(t, 0, h.Refs())
	require.Equal(t, "hi", string(recv(t, sub).Data))
}

func TestHubForwardsStates(t *testing.T) {
	ctx := context.Background()
	b := NewBroker()
	h := NewHub(b.Dialer("alice"))

	states, cancel := h.States()
	defer cancel()

	sub, err := h.Subscribe(ctx, "t")
	require.NoError(t, err)
	defer sub.Close()
	require.Equal(t, Connected, h.State())

	b.SetOnline("alice", false)
	require.Equal(t, Disconnected, <-states)
	require.Eventually(t, func() bool { return h.State() == Disconnected }, time.Second, 5*time.Millisecond)

	b.SetOnline("alice", true)
	require.Equal(t, Connected, <-states)
}

func TestHubDialError(t *testing.T) {
	boom := errors.New("refused")
	h := NewHub(func(context.Context) (Transport, error) { return nil, boom })

	_, err := h.Subscribe(context.Background(), "t")
	require.ErrorIs(t, err, boom)
	require.Equal(t, 0, h.Refs())

	require.NoError(t, h.Close())
	_, err = h.Subscribe(context.Background(), "t")
	require.ErrorIs(t, err, ErrClosed)
}
