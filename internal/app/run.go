// Package app wires the engines of one client process together.
package app

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/benbjohnson/clock"
	logging "github.com/ipfs/go-log/v2"

	"github.com/dp2ptrade/rolenet-sub003/internal/call"
	"github.com/dp2ptrade/rolenet-sub003/internal/chat"
	"github.com/dp2ptrade/rolenet-sub003/internal/config"
	"github.com/dp2ptrade/rolenet-sub003/internal/fault"
	"github.com/dp2ptrade/rolenet-sub003/internal/model"
	"github.com/dp2ptrade/rolenet-sub003/internal/notify"
	"github.com/dp2ptrade/rolenet-sub003/internal/presence"
	"github.com/dp2ptrade/rolenet-sub003/internal/proto"
	"github.com/dp2ptrade/rolenet-sub003/internal/realtime"
	"github.com/dp2ptrade/rolenet-sub003/internal/realtime/p2pbus"
	"github.com/dp2ptrade/rolenet-sub003/internal/realtime/redisbus"
	"github.com/dp2ptrade/rolenet-sub003/internal/realtime/wsrelay"
	"github.com/dp2ptrade/rolenet-sub003/internal/storage"
	"github.com/dp2ptrade/rolenet-sub003/internal/util"
)

var log = logging.Logger("app")

type Options struct {
	PeerDir string
	CfgPath string
	Cfg     config.Config

	// Optional overrides, mainly for tests.
	Dial   realtime.Dialer
	Media  call.MediaFactory
	Pusher notify.Pusher
	Clock  clock.Clock
}

// Peer is a running client.
type Peer struct {
	ID       string
	Store    *storage.DB
	Hub      *realtime.Hub
	Presence *presence.Tracker
	Calls    *call.Engine
	Chat     *chat.Engine
	Notify   *notify.Router

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Run starts a client and blocks until ctx is done.
func Run(ctx context.Context, opt Options) error {
	p, err := Start(ctx, opt)
	if err != nil {
		return err
	}
	<-ctx.Done()
	log.Info("shutting down")
	return p.Close()
}

// Start brings up storage, transport and every engine. The returned Peer
// runs until Close or until ctx is done.
func Start(ctx context.Context, opt Options) (*Peer, error) {
	cfg := opt.Cfg
	if cfg.Identity.UserID == "" {
		id, err := util.ValidateUserID(filepath.Base(opt.PeerDir))
		if err != nil {
			return nil, fmt.Errorf("identity.user_id is not set and the peer folder name is unusable: %w", err)
		}
		cfg.Identity.UserID = id
	}
	if err := setLogLevel(cfg.Log.Level); err != nil {
		return nil, err
	}
	logBanner(opt.PeerDir, opt.CfgPath, cfg)

	clk := opt.Clock
	if clk == nil {
		clk = clock.New()
	}
	self := cfg.Identity.UserID
	ctx, cancel := context.WithCancel(ctx)
	p := &Peer{ID: self, cancel: cancel}

	fail := func(err error) (*Peer, error) {
		cancel()
		_ = p.Close()
		return nil, err
	}

	// ── Storage
	db, err := storage.OpenFile(util.ResolvePath(opt.PeerDir, cfg.Storage.DBPath))
	if err != nil {
		return fail(fmt.Errorf("open store: %w", err))
	}
	p.Store = db

	// ── Transport
	dial := opt.Dial
	if dial == nil {
		dial, err = dialer(ctx, opt.PeerDir, self, cfg)
		if err != nil {
			return fail(err)
		}
	}
	p.Hub = realtime.NewHub(dial)

	// ── Presence
	p.Presence = presence.NewTracker(presence.Options{
		TTL:        cfg.Presence.TTL(),
		FlapWindow: cfg.Presence.Flap(),
		Clock:      clk,
		Cache:      db,
	})
	if err := p.Presence.Seed(ctx); err != nil {
		log.Warnf("presence cache: %v", err)
	}
	p.spawn(func() {
		if err := p.Presence.Consume(ctx, p.Hub, self); err != nil {
			log.Errorf("presence: %v", err)
		}
	})
	p.spawn(func() { p.Presence.Run(ctx, cfg.Presence.Heartbeat()) })
	p.spawn(func() {
		presence.Announce(ctx, p.Hub, clk, self, cfg.Presence.Heartbeat(), func() presence.Status { return presence.Online })
	})

	// ── Notifications
	pusher := opt.Pusher
	if pusher == nil {
		pusher = notify.NopPusher{}
	}
	p.Notify, err = notify.NewRouter(notify.Options{
		SelfID:    self,
		Store:     db,
		Pusher:    pusher,
		Transport: p.Hub,
		Clock:     clk,
		PushRetry: fault.Policy{
			Initial:     cfg.Chat.RetryInitial(),
			Max:         cfg.Chat.RetryMax(),
			Multiplier:  2,
			Jitter:      0.3,
			MaxAttempts: cfg.Notify.PushAttempts,
		},
	})
	if err != nil {
		return fail(err)
	}

	// ── Calls
	media := opt.Media
	if media == nil {
		media = call.NewPionFactory()
	}
	p.Calls, err = call.NewEngine(call.Options{
		SelfID:             self,
		Transport:          p.Hub,
		Presence:           p.Presence,
		Media:              media,
		Store:              db,
		Clock:              clk,
		ICEServers:         iceServers(cfg.Call.ICEServers),
		NoAnswerTimeout:    cfg.Call.NoAnswer(),
		NegotiationTimeout: cfg.Call.Negotiation(),
		ReconnectWindow:    cfg.Call.Reconnect(),
	})
	if err != nil {
		return fail(err)
	}
	p.Calls.OnIncoming(func(c *call.IncomingCall) {
		log.Infof("CALL [%s]: incoming from %s", c.CallID, c.From)
	})
	p.Calls.OnEnded(func(e call.CallEnded) {
		if _, err := p.Notify.CallEnded(ctx, e); err != nil {
			log.Warnf("CALL [%s]: notification: %v", e.CallID, err)
		}
	})
	if err := p.Calls.Start(ctx); err != nil {
		return fail(err)
	}

	// ── Chat
	p.Chat, err = chat.NewEngine(chat.Options{
		SelfID:    self,
		Transport: p.Hub,
		Store:     db,
		Clock:     clk,
		Retry: fault.Policy{
			Initial:     cfg.Chat.RetryInitial(),
			Max:         cfg.Chat.RetryMax(),
			Multiplier:  2,
			Jitter:      0.3,
			MaxAttempts: cfg.Chat.MaxSendAttempts,
		},
		TypingDebounce: cfg.Chat.TypingDebounce(),
		TypingTrailing: cfg.Chat.TypingTrailing(),
		HistoryPage:    cfg.Chat.HistoryPage,
	})
	if err != nil {
		return fail(err)
	}
	p.Chat.OnReceived(func(m model.ChatMessage) {
		if _, err := p.Notify.MessageReceived(ctx, self, m); err != nil {
			log.Warnf("CHAT [%s]: notification: %v", m.ChatID, err)
		}
	})
	if err := p.Chat.Start(ctx); err != nil {
		return fail(err)
	}
	if chats, err := p.Chat.Chats(ctx); err != nil {
		log.Warnf("list chats: %v", err)
	} else {
		for _, c := range chats {
			if _, err := p.Chat.Open(ctx, c.ID); err != nil {
				log.Warnf("CHAT [%s]: reopen: %v", c.ID, err)
			}
		}
	}

	p.spawn(func() {
		err := p.Notify.ConsumeInbox(ctx, func(f proto.InboxFrame) {
			if _, err := p.Chat.Join(ctx, f); err != nil {
				log.Warnf("CHAT [%s]: join: %v", f.ChatID, err)
			}
		})
		if err != nil {
			log.Errorf("inbox: %v", err)
		}
	})

	// ── Config hot reload
	if opt.CfgPath != "" {
		p.spawn(func() {
			err := config.Watch(ctx, opt.CfgPath, func(next config.Config) {
				p.Calls.SetICEServers(iceServers(next.Call.ICEServers))
				if err := setLogLevel(next.Log.Level); err != nil {
					log.Warnf("log level: %v", err)
				}
			})
			if err != nil {
				log.Warnf("config watch: %v", err)
			}
		})
	}

	log.Infof("client %s up", self)
	return p, nil
}

func (p *Peer) spawn(fn func()) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		fault.Guard("app", fn)
	}()
}

// Close stops the engines first and the transport and store last.
func (p *Peer) Close() error {
	p.cancel()
	var errs []error
	if p.Calls != nil {
		errs = append(errs, p.Calls.Close())
	}
	if p.Chat != nil {
		errs = append(errs, p.Chat.Close())
	}
	if p.Notify != nil {
		errs = append(errs, p.Notify.Close())
	}
	p.wg.Wait()
	if p.Hub != nil {
		errs = append(errs, p.Hub.Close())
	}
	if p.Store != nil {
		errs = append(errs, p.Store.Close())
	}
	return errors.Join(errs...)
}

// dialer returns the Dialer for the configured transport kind. Transports
// are bound to the process context rather than to the context of the call
// that happened to trigger the dial.
func dialer(ctx context.Context, peerDir, self string, cfg config.Config) (realtime.Dialer, error) {
	t := cfg.Transport
	switch t.Kind {
	case config.TransportP2P:
		opts := p2pbus.Options{
			ListenPort: t.ListenPort,
			KeyFile:    util.ResolvePath(peerDir, cfg.Identity.KeyFile),
			Bootstrap:  t.Bootstrap,
			MdnsTag:    t.MdnsTag,
		}
		return func(context.Context) (realtime.Transport, error) {
			return p2pbus.New(ctx, opts)
		}, nil
	case config.TransportRedis:
		return func(dctx context.Context) (realtime.Transport, error) {
			return redisbus.New(dctx, redisbus.Options{URL: t.RedisURL})
		}, nil
	case config.TransportWS:
		opts := wsrelay.ClientOptions{Backoff: fault.Policy{
			Initial:    t.ReconnectInitial(),
			Max:        t.ReconnectMax(),
			Multiplier: 2,
			Jitter:     0.3,
		}}
		return func(dctx context.Context) (realtime.Transport, error) {
			return wsrelay.Dial(dctx, t.RelayURL, self, opts)
		}, nil
	}
	return nil, fmt.Errorf("unknown transport kind %q", t.Kind)
}
