// Package redisbus runs the realtime transport over Redis PUBLISH/SUBSCRIBE,
// the shape a managed backend's realtime layer usually has.
package redisbus

import (
	"context"
	"fmt"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/redis/go-redis/v9"

	"github.com/dp2ptrade/rolenet-sub003/internal/realtime"
)

var log = logging.Logger("realtime")

const (
	subBuffer             = 256
	defaultHealthInterval = 2 * time.Second
)

// Options configures a Bus.
type Options struct {
	URL            string // redis://[:password@]host:port/db
	HealthInterval time.Duration
}

// Bus is a realtime.Transport backed by a Redis client.
type Bus struct {
	client *redis.Client
	ctx    context.Context
	cancel context.CancelFunc
	fan    realtime.StateFanout

	mu     sync.Mutex
	state  realtime.ConnState
	closed bool
}

// New connects to Redis. The first ping must succeed; later outages are
// reported as state changes.
func New(ctx context.Context, opts Options) (*Bus, error) {
	ro, err := redis.ParseURL(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("redisbus: parse url: %w", err)
	}
	client := redis.NewClient(ro)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redisbus: ping %s: %w", ro.Addr, err)
	}

	bctx, cancel := context.WithCancel(context.Background())
	b := &Bus{client: client, ctx: bctx, cancel: cancel, state: realtime.Connected}

	interval := opts.HealthInterval
	if interval <= 0 {
		interval = defaultHealthInterval
	}
	go b.healthLoop(interval)

	log.Infof("redisbus: connected to %s", ro.Addr)
	return b, nil
}

func (b *Bus) healthLoop(interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-b.ctx.Done():
			return
		case <-t.C:
			ctx, cancel := context.WithTimeout(b.ctx, interval)
			err := b.client.Ping(ctx).Err()
			cancel()
			if err != nil {
				b.setState(realtime.Reconnecting)
			} else {
				b.setState(realtime.Connected)
			}
		}
	}
}

func (b *Bus) setState(s realtime.ConnState) {
	b.mu.Lock()
	changed := b.state != s && !b.closed
	b.state = s
	b.mu.Unlock()
	if changed {
		log.Infof("redisbus: %s", s)
		b.fan.Emit(s)
	}
}

func (b *Bus) Publish(ctx context.Context, topic string, data []byte) error {
	if b.State() != realtime.Connected {
		return realtime.ErrDisconnected
	}
	if err := b.client.Publish(ctx, topic, data).Err(); err != nil {
		return fmt.Errorf("%w: %v", realtime.ErrDisconnected, err)
	}
	return nil
}

func (b *Bus) Subscribe(ctx context.Context, topic string) (realtime.Subscription, error) {
	ps := b.client.Subscribe(ctx, topic)
	// Receive blocks until the server has confirmed the subscription.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("redisbus: subscribe %s: %w", topic, err)
	}

	sub := realtime.NewChanSubscription(topic, subBuffer, func() {
		_ = ps.Close()
	})
	go func() {
		for m := range ps.Channel() {
			if !sub.Deliver(realtime.Message{Topic: m.Channel, Data: []byte(m.Payload)}) {
				return
			}
		}
	}()
	return sub, nil
}

func (b *Bus) State() realtime.ConnState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Bus) States() (<-chan realtime.ConnState, func()) {
	return b.fan.Subscribe()
}

func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	b.cancel()
	b.fan.CloseAll()
	return b.client.Close()
}
