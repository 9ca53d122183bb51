// Package p2pbus runs the realtime transport over libp2p GossipSub. Every
// topic maps to one gossip topic; peers find each other through mDNS on the
// LAN and through bootstrap multiaddrs elsewhere.
package p2pbus

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	logging "github.com/ipfs/go-log/v2"
	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/dp2ptrade/rolenet-sub003/internal/fault"
	"github.com/dp2ptrade/rolenet-sub003/internal/realtime"
	"github.com/dp2ptrade/rolenet-sub003/internal/util"
)

var log = logging.Logger("realtime")

func init() {
	logging.SetLogLevel("swarm2", "error")
	logging.SetLogLevel("autonat", "warn")
	logging.SetLogLevel("pubsub", "warn")
}

const subBuffer = 256

// Options configures a Bus.
type Options struct {
	ListenPort int
	KeyFile    string
	Bootstrap  []string
	MdnsTag    string // empty disables LAN discovery
}

// Bus is a realtime.Transport backed by GossipSub.
type Bus struct {
	host   host.Host
	ps     *pubsub.PubSub
	ctx    context.Context
	cancel context.CancelFunc
	fan    realtime.StateFanout

	mu     sync.Mutex
	topics map[string]*pubsub.Topic
	state  realtime.ConnState
	closed bool
}

type mdnsNotifee struct {
	h host.Host
}

func (n *mdnsNotifee) HandlePeerFound(pi peer.AddrInfo) {
	if pi.ID == n.h.ID() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), util.DialTimeout)
	defer cancel()
	_ = n.h.Connect(ctx, pi)
}

// loadOrCreateKey loads the node identity from keyFile, creating an Ed25519
// key on first run.
func loadOrCreateKey(keyFile string) (crypto.PrivKey, bool, error) {
	data, err := os.ReadFile(keyFile)
	if err == nil {
		priv, err := crypto.UnmarshalPrivateKey(data)
		if err == nil {
			return priv, false, nil
		}
		log.Warnf("corrupt identity key at %s: %v (generating new key)", keyFile, err)
	}

	priv, _, err := crypto.GenerateEd25519Key(nil)
	if err != nil {
		return nil, false, err
	}
	raw, err := crypto.MarshalPrivateKey(priv)
	if err != nil {
		return nil, false, fmt.Errorf("marshal identity key: %w", err)
	}
	if dir := filepath.Dir(keyFile); dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, false, fmt.Errorf("create key directory: %w", err)
		}
	}
	if err := os.WriteFile(keyFile, raw, 0600); err != nil {
		return nil, false, fmt.Errorf("save identity key: %w", err)
	}
	return priv, true, nil
}

// New starts a libp2p host and joins the gossip mesh.
func New(ctx context.Context, opts Options) (*Bus, error) {
	hopts := []libp2p.Option{
		libp2p.ListenAddrStrings(fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", opts.ListenPort)),
	}
	if opts.KeyFile != "" {
		priv, isNew, err := loadOrCreateKey(opts.KeyFile)
		if err != nil {
			return nil, err
		}
		if isNew {
			log.Infof("generated new identity key: %s", opts.KeyFile)
		}
		hopts = append(hopts, libp2p.Identity(priv))
	}

	h, err := libp2p.New(hopts...)
	if err != nil {
		return nil, err
	}

	bctx, cancel := context.WithCancel(ctx)
	ps, err := pubsub.NewGossipSub(bctx, h)
	if err != nil {
		cancel()
		_ = h.Close()
		return nil, err
	}

	b := &Bus{
		host:   h,
		ps:     ps,
		ctx:    bctx,
		cancel: cancel,
		topics: make(map[string]*pubsub.Topic),
		state:  realtime.Disconnected,
	}

	h.Network().Notify(&network.NotifyBundle{
		ConnectedF:    func(network.Network, network.Conn) { b.refreshState() },
		DisconnectedF: func(network.Network, network.Conn) { b.refreshState() },
	})

	if opts.MdnsTag != "" {
		md := mdns.NewMdnsService(h, opts.MdnsTag, &mdnsNotifee{h: h})
		if err := md.Start(); err != nil {
			_ = b.Close()
			return nil, err
		}
	}

	for _, s := range opts.Bootstrap {
		ai, err := parseBootstrap(s)
		if err != nil {
			log.Warnf("bootstrap %q: %v", s, err)
			continue
		}
		go b.connectBootstrap(*ai)
	}

	log.Infof("p2pbus: host %s listening on %v", h.ID(), h.Addrs())
	return b, nil
}

func parseBootstrap(s string) (*peer.AddrInfo, error) {
	addr, err := ma.NewMultiaddr(s)
	if err != nil {
		return nil, err
	}
	return peer.AddrInfoFromP2pAddr(addr)
}

func (b *Bus) connectBootstrap(ai peer.AddrInfo) {
	err := fault.Retry(b.ctx, fault.Policy{}, func() error {
		ctx, cancel := context.WithTimeout(b.ctx, util.DialTimeout)
		defer cancel()
		return b.host.Connect(ctx, ai)
	})
	if err != nil {
		log.Warnf("bootstrap %s unreachable: %v", ai.ID, err)
	}
}

func (b *Bus) refreshState() {
	next := realtime.Disconnected
	if len(b.host.Network().Peers()) > 0 {
		next = realtime.Connected
	}
	b.mu.Lock()
	changed := b.state != next && !b.closed
	b.state = next
	b.mu.Unlock()
	if changed {
		b.fan.Emit(next)
	}
}

// ID returns the host's peer id.
func (b *Bus) ID() string { return b.host.ID().String() }

func (b *Bus) join(topic string) (*pubsub.Topic, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, realtime.ErrClosed
	}
	if t, ok := b.topics[topic]; ok {
		return t, nil
	}
	t, err := b.ps.Join(topic)
	if err != nil {
		return nil, fmt.Errorf("p2pbus: join %s: %w", topic, err)
	}
	b.topics[topic] = t
	return t, nil
}

func (b *Bus) Publish(ctx context.Context, topic string, data []byte) error {
	if b.State() != realtime.Connected {
		return realtime.ErrDisconnected
	}
	t, err := b.join(topic)
	if err != nil {
		return err
	}
	return t.Publish(ctx, data)
}

func (b *Bus) Subscribe(_ context.Context, topic string) (realtime.Subscription, error) {
	t, err := b.join(topic)
	if err != nil {
		return nil, err
	}
	ps, err := t.Subscribe()
	if err != nil {
		return nil, fmt.Errorf("p2pbus: subscribe %s: %w", topic, err)
	}

	sctx, cancel := context.WithCancel(b.ctx)
	sub := realtime.NewChanSubscription(topic, subBuffer, func() {
		cancel()
		ps.Cancel()
	})
	go func() {
		for {
			m, err := ps.Next(sctx)
			if err != nil {
				return
			}
			if !sub.Deliver(realtime.Message{Topic: topic, From: m.GetFrom().String(), Data: m.Data}) {
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
	topics := b.topics
	b.topics = nil
	b.mu.Unlock()

	b.cancel()
	for name, t := range topics {
		if err := t.Close(); err != nil {
			log.Debugf("p2pbus: close topic %s: %v", name, err)
		}
	}
	b.fan.CloseAll()
	return b.host.Close()
}
