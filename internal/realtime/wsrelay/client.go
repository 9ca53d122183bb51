package wsrelay

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"

	"github.com/dp2ptrade/rolenet-sub003/internal/fault"
	"github.com/dp2ptrade/rolenet-sub003/internal/realtime"
)

const subBuffer = 256

// ClientOptions tunes the reconnect loop.
type ClientOptions struct {
	Backoff fault.Policy
	Clock   clock.Clock
}

// Client is a realtime.Transport talking to a relay Server.
type Client struct {
	url    string
	opts   ClientOptions
	ctx    context.Context
	cancel context.CancelFunc
	fan    realtime.StateFanout
	done   chan struct{}

	writeMu sync.Mutex

	mu     sync.Mutex
	conn   *websocket.Conn
	state  realtime.ConnState
	subs   map[string]map[*realtime.ChanSubscription]struct{}
	closed bool
}

// Dial connects to the relay at rawURL (ws:// or wss://) as peer id. The
// first connection must succeed; afterwards the client reconnects on its own.
func Dial(ctx context.Context, rawURL, id string, opts ClientOptions) (*Client, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("wsrelay: parse url: %w", err)
	}
	q := u.Query()
	q.Set("id", id)
	u.RawQuery = q.Encode()

	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("wsrelay: dial %s: %w", rawURL, err)
	}

	cctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		url:    u.String(),
		opts:   opts,
		ctx:    cctx,
		cancel: cancel,
		done:   make(chan struct{}),
		conn:   conn,
		state:  realtime.Connected,
		subs:   make(map[string]map[*realtime.ChanSubscription]struct{}),
	}
	go c.run(conn)
	return c, nil
}

func (c *Client) run(conn *websocket.Conn) {
	defer close(c.done)
	for {
		c.readLoop(conn)
		if c.ctx.Err() != nil {
			return
		}
		c.setConn(nil, realtime.Reconnecting)
		log.Infof("wsrelay: connection lost, reconnecting")

		var ok bool
		conn, ok = c.reconnect()
		if !ok {
			return
		}
	}
}

func (c *Client) reconnect() (*websocket.Conn, bool) {
	b := c.opts.Backoff.NewBackOff()
	for {
		select {
		case <-c.ctx.Done():
			return nil, false
		case <-c.opts.Clock.After(b.NextBackOff()):
		}
		conn, _, err := websocket.DefaultDialer.DialContext(c.ctx, c.url, nil)
		if err != nil {
			log.Debugf("wsrelay: redial: %v", err)
			continue
		}
		// Subscribe calls racing this see Connected and send their own sub
		// frame; the server treats repeats as no-ops.
		c.setConn(conn, realtime.Connected)
		if err := c.resubscribe(conn); err != nil {
			log.Debugf("wsrelay: resubscribe: %v", err)
			c.setConn(nil, realtime.Reconnecting)
			_ = conn.Close()
			continue
		}
		log.Infof("wsrelay: reconnected")
		return conn, true
	}
}

func (c *Client) resubscribe(conn *websocket.Conn) error {
	c.mu.Lock()
	topics := make([]string, 0, len(c.subs))
	for t := range c.subs {
		topics = append(topics, t)
	}
	c.mu.Unlock()
	for _, t := range topics {
		if err := c.write(conn, Frame{Op: OpSub, Topic: t}); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) readLoop(conn *websocket.Conn) {
	defer conn.Close()
	for {
		var f Frame
		if err := conn.ReadJSON(&f); err != nil {
			return
		}
		if f.Op != OpMsg {
			continue
		}
		c.mu.Lock()
		targets := make([]*realtime.ChanSubscription, 0, len(c.subs[f.Topic]))
		for s := range c.subs[f.Topic] {
			targets = append(targets, s)
		}
		c.mu.Unlock()
		for _, s := range targets {
			s.Deliver(realtime.Message{Topic: f.Topic, From: f.From, Data: f.Data})
		}
	}
}

func (c *Client) setConn(conn *websocket.Conn, s realtime.ConnState) {
	c.mu.Lock()
	c.conn = conn
	changed := c.state != s && !c.closed
	c.state = s
	c.mu.Unlock()
	if changed {
		c.fan.Emit(s)
	}
}

func (c *Client) write(conn *websocket.Conn, f Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(f)
}

func (c *Client) current() *websocket.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != realtime.Connected {
		return nil
	}
	return c.conn
}

func (c *Client) Publish(ctx context.Context, topic string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	conn := c.current()
	if conn == nil {
		return realtime.ErrDisconnected
	}
	if err := c.write(conn, Frame{Op: OpPub, Topic: topic, Data: data}); err != nil {
		return fmt.Errorf("%w: %v", realtime.ErrDisconnected, err)
	}
	return nil
}

func (c *Client) Subscribe(_ context.Context, topic string) (realtime.Subscription, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, realtime.ErrClosed
	}
	var sub *realtime.ChanSubscription
	sub = realtime.NewChanSubscription(topic, subBuffer, func() { c.unsubscribe(topic, sub) })
	first := len(c.subs[topic]) == 0
	if first {
		c.subs[topic] = make(map[*realtime.ChanSubscription]struct{})
	}
	c.subs[topic][sub] = struct{}{}
	conn := c.conn
	connected := c.state == realtime.Connected
	c.mu.Unlock()

	// A failed write here is repaired by resubscribe after reconnect.
	if first && connected && conn != nil {
		if err := c.write(conn, Frame{Op: OpSub, Topic: topic}); err != nil {
			log.Debugf("wsrelay: sub %s: %v", topic, err)
		}
	}
	return sub, nil
}

func (c *Client) unsubscribe(topic string, sub *realtime.ChanSubscription) {
	c.mu.Lock()
	delete(c.subs[topic], sub)
	last := len(c.subs[topic]) == 0
	if last {
		delete(c.subs, topic)
	}
	conn := c.conn
	connected := c.state == realtime.Connected && !c.closed
	c.mu.Unlock()

	if last && connected && conn != nil {
		_ = c.write(conn, Frame{Op: OpUnsub, Topic: topic})
	}
}

func (c *Client) State() realtime.ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) States() (<-chan realtime.ConnState, func()) {
	return c.fan.Subscribe()
}

func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	var subs []*realtime.ChanSubscription
	for _, set := range c.subs {
		for s := range set {
			subs = append(subs, s)
		}
	}
	c.mu.Unlock()

	c.cancel()
	if conn != nil {
		c.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		c.writeMu.Unlock()
		_ = conn.Close()
	}
	<-c.done
	for _, s := range subs {
		s.Close()
	}
	c.fan.CloseAll()
	return nil
}
