package realtime

import (
	"context"
	"fmt"
	"sync"
)

// Hub shares one underlying transport between every subscriber in the
// process. Each Subscribe holds a reference until its Subscription is
// closed; the connection is torn down when the last reference goes and
// re-dialed on the next Subscribe or Publish.
type Hub struct {
	dial Dialer
	fan  StateFanout

	mu      sync.Mutex
	conn    Transport
	refs    int
	dials   int
	state   ConnState
	stopFwd func()
	closed  bool
}

// NewHub creates an idle hub. Nothing is dialed until first use.
func NewHub(dial Dialer) *Hub {
	return &Hub{dial: dial, state: Disconnected}
}

func (h *Hub) acquire(ctx context.Context) (Transport, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrClosed
	}
	if h.conn == nil {
		t, err := h.dial(ctx)
		if err != nil {
			return nil, fmt.Errorf("realtime: dial: %w", err)
		}
		h.conn = t
		h.dials++
		h.state = t.State()
		states, stop := t.States()
		h.stopFwd = stop
		go h.forward(t, states)
		if h.dials > 1 && h.state == Connected {
			log.Debugf("hub: re-dialed (%d)", h.dials)
			h.fan.Emit(Connected)
		}
	}
	h.refs++
	return h.conn, nil
}

func (h *Hub) release() {
	h.mu.Lock()
	h.refs--
	if h.refs > 0 || h.conn == nil {
		h.mu.Unlock()
		return
	}
	conn, stop := h.conn, h.stopFwd
	h.conn, h.stopFwd = nil, nil
	h.refs = 0
	h.mu.Unlock()

	stop()
	if err := conn.Close(); err != nil {
		log.Warnf("hub: close idle transport: %v", err)
	}
	log.Debugf("hub: last reference released, transport closed")
}

func (h *Hub) forward(t Transport, states <-chan ConnState) {
	for s := range states {
		h.mu.Lock()
		current := h.conn == t
		if current {
			h.state = s
		}
		h.mu.Unlock()
		if current {
			h.fan.Emit(s)
		}
	}
}

func (h *Hub) Publish(ctx context.Context, topic string, data []byte) error {
	t, err := h.acquire(ctx)
	if err != nil {
		return err
	}
	defer h.release()
	return t.Publish(ctx, topic, data)
}

func (h *Hub) Subscribe(ctx context.Context, topic string) (Subscription, error) {
	t, err := h.acquire(ctx)
	if err != nil {
		return nil, err
	}
	sub, err := t.Subscribe(ctx, topic)
	if err != nil {
		h.release()
		return nil, err
	}
	return &hubSub{Subscription: sub, hub: h}, nil
}

// State reports the last known state of the current (or most recent)
// underlying transport.
func (h *Hub) State() ConnState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *Hub) States() (<-chan ConnState, func()) {
	return h.fan.Subscribe()
}

// Refs returns the number of live references.
func (h *Hub) Refs() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.refs
}

// Dials returns how many times the underlying transport has been opened.
func (h *Hub) Dials() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dials
}

func (h *Hub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	conn, stop := h.conn, h.stopFwd
	h.conn, h.stopFwd = nil, nil
	h.refs = 0
	h.mu.Unlock()

	var err error
	if conn != nil {
		stop()
		err = conn.Close()
	}
	h.fan.CloseAll()
	return err
}

type hubSub struct {
	Subscription
	hub  *Hub
	once sync.Once
}

func (s *hubSub) Close() {
	s.once.Do(func() {
		s.Subscription.Close()
		s.hub.release()
	})
}
