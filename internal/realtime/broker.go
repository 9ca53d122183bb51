package realtime

import (
	"context"
	"sync"
)

const subBuffer = 256

// Broker is an in-process realtime backend. Every Connect returns an
// independent Transport for a peer; online state is tracked per peer so a
// reconnecting Hub sees the same connectivity its previous transport had.
type Broker struct {
	mu      sync.Mutex
	subs    map[string]map[*memSub]struct{} // topic -> subscriptions
	offline map[string]bool                 // peerID -> offline
	conns   map[string]map[*memTransport]struct{}
}

type memSub struct {
	*ChanSubscription
	owner string
}

// NewBroker creates an empty broker with every peer online.
func NewBroker() *Broker {
	return &Broker{
		subs:    make(map[string]map[*memSub]struct{}),
		offline: make(map[string]bool),
		conns:   make(map[string]map[*memTransport]struct{}),
	}
}

// Connect opens a transport for peerID.
func (b *Broker) Connect(peerID string) Transport {
	t := &memTransport{broker: b, peerID: peerID, subs: make(map[*memSub]struct{})}
	b.mu.Lock()
	if b.conns[peerID] == nil {
		b.conns[peerID] = make(map[*memTransport]struct{})
	}
	b.conns[peerID][t] = struct{}{}
	b.mu.Unlock()
	return t
}

// Dialer returns a Dialer that connects peerID, for use with NewHub.
func (b *Broker) Dialer(peerID string) Dialer {
	return func(context.Context) (Transport, error) {
		return b.Connect(peerID), nil
	}
}

// SetOnline simulates connectivity loss and recovery for peerID. While
// offline the peer can neither publish nor receive.
func (b *Broker) SetOnline(peerID string, online bool) {
	b.mu.Lock()
	was := !b.offline[peerID]
	b.offline[peerID] = !online
	conns := make([]*memTransport, 0, len(b.conns[peerID]))
	for t := range b.conns[peerID] {
		conns = append(conns, t)
	}
	b.mu.Unlock()

	if was == online {
		return
	}
	st := Disconnected
	if online {
		st = Connected
	}
	for _, t := range conns {
		t.states.Emit(st)
	}
}

// Deliver injects a message on topic as if it had been published by from,
// bypassing connectivity checks. Tests use it to replay duplicates.
func (b *Broker) Deliver(topic, from string, data []byte) {
	b.fanout(Message{Topic: topic, From: from, Data: data})
}

func (b *Broker) online(peerID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.offline[peerID]
}

func (b *Broker) fanout(msg Message) {
	b.mu.Lock()
	targets := make([]*memSub, 0, len(b.subs[msg.Topic]))
	for s := range b.subs[msg.Topic] {
		if !b.offline[s.owner] {
			targets = append(targets, s)
		}
	}
	b.mu.Unlock()

	for _, s := range targets {
		cp := make([]byte, len(msg.Data))
		copy(cp, msg.Data)
		s.Deliver(Message{Topic: msg.Topic, From: msg.From, Data: cp})
	}
}

func (b *Broker) addSub(s *memSub) {
	b.mu.Lock()
	if b.subs[s.topic] == nil {
		b.subs[s.topic] = make(map[*memSub]struct{})
	}
	b.subs[s.topic][s] = struct{}{}
	b.mu.Unlock()
}

func (b *Broker) removeSub(s *memSub) {
	b.mu.Lock()
	delete(b.subs[s.topic], s)
	if len(b.subs[s.topic]) == 0 {
		delete(b.subs, s.topic)
	}
	b.mu.Unlock()
}

func (b *Broker) removeConn(t *memTransport) {
	b.mu.Lock()
	delete(b.conns[t.peerID], t)
	b.mu.Unlock()
}

// SubscriberCount returns the number of live subscriptions on topic.
func (b *Broker) SubscriberCount(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[topic])
}

type memTransport struct {
	broker *Broker
	peerID string
	states StateFanout

	mu     sync.Mutex
	subs   map[*memSub]struct{}
	closed bool
}

func (t *memTransport) Publish(ctx context.Context, topic string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if !t.broker.online(t.peerID) {
		return ErrDisconnected
	}
	t.broker.fanout(Message{Topic: topic, From: t.peerID, Data: data})
	return nil
}

func (t *memTransport) Subscribe(_ context.Context, topic string) (Subscription, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrClosed
	}
	s := &memSub{owner: t.peerID}
	s.ChanSubscription = NewChanSubscription(topic, subBuffer, func() {
		t.broker.removeSub(s)
		t.mu.Lock()
		delete(t.subs, s)
		t.mu.Unlock()
	})
	t.subs[s] = struct{}{}
	t.broker.addSub(s)
	return s, nil
}

func (t *memTransport) State() ConnState {
	if t.broker.online(t.peerID) {
		return Connected
	}
	return Disconnected
}

func (t *memTransport) States() (<-chan ConnState, func()) {
	return t.states.Subscribe()
}

func (t *memTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	subs := make([]*memSub, 0, len(t.subs))
	for s := range t.subs {
		subs = append(subs, s)
	}
	t.mu.Unlock()

	for _, s := range subs {
		s.Close()
	}
	t.broker.removeConn(t)
	t.states.CloseAll()
	return nil
}
