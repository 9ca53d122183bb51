// Package realtime defines the topic-addressed publish/subscribe transport
// that call signaling and chat delivery run on, a reference-counted Hub that
// shares one underlying connection between all subscriptions, and an
// in-memory Broker used by tests and single-process setups.
//
// Delivery is at-least-once and FIFO within one topic. Nothing is promised
// across topics.
package realtime

import (
	"context"
	"errors"
	"sync"

	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("realtime")

var (
	// ErrDisconnected is returned by Publish while the connection is down.
	ErrDisconnected = errors.New("realtime: disconnected")
	// ErrClosed is returned once a transport has been closed.
	ErrClosed = errors.New("realtime: closed")
)

// ConnState is the transport's view of its connection.
type ConnState int

const (
	Disconnected ConnState = iota
	Reconnecting
	Connected
)

func (s ConnState) String() string {
	switch s {
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	}
	return "disconnected"
}

// Message is one payload received on a topic.
type Message struct {
	Topic string
	From  string // transport-level sender, may be empty
	Data  []byte
}

// Subscription is an open topic stream. Messages is closed after Close.
type Subscription interface {
	Topic() string
	Messages() <-chan Message
	Close()
}

// Transport is the realtime layer.
type Transport interface {
	Publish(ctx context.Context, topic string, data []byte) error
	Subscribe(ctx context.Context, topic string) (Subscription, error)
	// State returns the current connection state.
	State() ConnState
	// States streams connection-state changes until cancel is called.
	States() (<-chan ConnState, func())
	Close() error
}

// Dialer opens a fresh underlying transport.
type Dialer func(ctx context.Context) (Transport, error)

// StateFanout is the connection-state listener registry shared by the
// transports in this package and its sub-packages.
type StateFanout struct {
	mu        sync.RWMutex
	listeners map[chan ConnState]struct{}
}

func (f *StateFanout) Subscribe() (<-chan ConnState, func()) {
	ch := make(chan ConnState, 16)
	f.mu.Lock()
	if f.listeners == nil {
		f.listeners = make(map[chan ConnState]struct{})
	}
	f.listeners[ch] = struct{}{}
	f.mu.Unlock()

	cancel := func() {
		f.mu.Lock()
		if _, ok := f.listeners[ch]; ok {
			delete(f.listeners, ch)
			close(ch)
		}
		f.mu.Unlock()
	}
	return ch, cancel
}

func (f *StateFanout) Emit(s ConnState) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for ch := range f.listeners {
		select {
		case ch <- s:
		default:
			log.Warnf("state listener full, dropping %s", s)
		}
	}
}

func (f *StateFanout) CloseAll() {
	f.mu.Lock()
	for ch := range f.listeners {
		close(ch)
	}
	f.listeners = nil
	f.mu.Unlock()
}

// ChanSubscription is a Subscription backed by a buffered channel. Deliver
// never blocks; a full buffer drops the message (the engines recover through
// history reconciliation).
type ChanSubscription struct {
	topic   string
	mu      sync.Mutex
	ch      chan Message
	closed  bool
	onClose func()
}

// NewChanSubscription creates a subscription whose Close runs onClose once.
func NewChanSubscription(topic string, buf int, onClose func()) *ChanSubscription {
	return &ChanSubscription{topic: topic, ch: make(chan Message, buf), onClose: onClose}
}

func (s *ChanSubscription) Topic() string            { return s.topic }
func (s *ChanSubscription) Messages() <-chan Message { return s.ch }

// Deliver hands msg to the subscriber. It reports false once closed.
func (s *ChanSubscription) Deliver(msg Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.ch <- msg:
	default:
		log.Warnf("subscription %s full, dropping message", s.topic)
	}
	return true
}

func (s *ChanSubscription) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.ch)
	fn := s.onClose
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
}
