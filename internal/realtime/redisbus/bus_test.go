package redisbus

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dp2ptrade/rolenet-sub003/internal/realtime"
)

// Set ROLENET_TEST_REDIS=redis://localhost:6379/0 to run against a server.
func redisURL(t *testing.T) string {
	url := os.Getenv("ROLENET_TEST_REDIS")
	if url == "" {
		t.Skip("ROLENET_TEST_REDIS not set")
	}
	return url
}

func TestNewRejectsBadURL(t *testing.T) {
	_, err := New(context.Background(), Options{URL: "http://nope"})
	require.Error(t, err)
}

func TestPublishSubscribe(t *testing.T) {
	url := redisURL(t)
	ctx := context.Background()

	b, err := New(ctx, Options{URL: url})
	require.NoError(t, err)
	defer b.Close()
	require.Equal(t, realtime.Connected, b.State())

	sub, err := b.Subscribe(ctx, "chat:redisbus-test")
	require.NoError(t, err)
	defer sub.Close()

	for _, s := range []string{"a", "b"} {
		require.NoError(t, b.Publish(ctx, "chat:redisbus-test", []byte(s)))
	}
	for _, want := range []string{"a", "b"} {
		select {
		case m := <-sub.Messages():
			require.Equal(t, want, string(m.Data))
		case <-time.After(2 * time.Second):
			t.Fatal("timeout")
		}
	}
}
