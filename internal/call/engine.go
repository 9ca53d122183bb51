package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/dp2ptrade/rolenet-sub003/internal/fault"
	"github.com/dp2ptrade/rolenet-sub003/internal/model"
	"github.com/dp2ptrade/rolenet-sub003/internal/presence"
	"github.com/dp2ptrade/rolenet-sub003/internal/proto"
	"github.com/dp2ptrade/rolenet-sub003/internal/realtime"
	"github.com/dp2ptrade/rolenet-sub003/internal/util"
)

const (
	DefaultNoAnswerTimeout    = 30 * time.Second
	DefaultNegotiationTimeout = 20 * time.Second
	DefaultReconnectWindow    = 15 * time.Second
)

// DefaultSignalRetry paces republishing of signaling frames after a publish
// fails on a live connection.
var DefaultSignalRetry = fault.Policy{Initial: 250 * time.Millisecond, Max: 5 * time.Second, Multiplier: 2, Jitter: 0.2}

type Options struct {
	SelfID    string
	Transport realtime.Transport
	Presence  presence.Source // nil skips the online check
	Media     MediaFactory
	Store     Recorder // nil disables call history
	Clock     clock.Clock

	ICEServers         []ICEServer
	NoAnswerTimeout    time.Duration
	NegotiationTimeout time.Duration
	ReconnectWindow    time.Duration
	StoreRetry         fault.Policy
	SignalRetry        fault.Policy
}

// Engine owns every call session of the local user.
type Engine struct {
	opts Options
	self string
	tr   realtime.Transport
	clk  clock.Clock

	mu        sync.RWMutex
	sessions  map[string]*Session
	archived  map[string]struct{}
	ice       []ICEServer
	incoming  []func(*IncomingCall)
	ended     []func(CallEnded)
	connected bool
	started   bool

	// frames that outlived their session, guarded by mu
	orphans     []outMsg
	flushing    bool
	orphanTimer *clock.Timer
	orphanRetry backoff.BackOff

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewEngine(opts Options) (*Engine, error) {
	if opts.SelfID == "" {
		return nil, errors.New("call: self id required")
	}
	if opts.Transport == nil || opts.Media == nil {
		return nil, errors.New("call: transport and media factory required")
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.NoAnswerTimeout <= 0 {
		opts.NoAnswerTimeout = DefaultNoAnswerTimeout
	}
	if opts.NegotiationTimeout <= 0 {
		opts.NegotiationTimeout = DefaultNegotiationTimeout
	}
	if opts.ReconnectWindow <= 0 {
		opts.ReconnectWindow = DefaultReconnectWindow
	}
	if opts.SignalRetry.Initial <= 0 {
		opts.SignalRetry = DefaultSignalRetry
	}
	return &Engine{
		opts:        opts,
		self:        opts.SelfID,
		tr:          opts.Transport,
		clk:         opts.Clock,
		sessions:    make(map[string]*Session),
		archived:    make(map[string]struct{}),
		ice:         opts.ICEServers,
		orphanRetry: opts.SignalRetry.NewBackOff(),
	}, nil
}

// Start subscribes to the local signal topic and follows transport state.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return nil
	}
	e.started = true
	e.mu.Unlock()

	sub, err := e.tr.Subscribe(ctx, proto.SignalTopic(e.self))
	if err != nil {
		return fmt.Errorf("call: subscribe signal topic: %w", err)
	}
	states, cancelStates := e.tr.States()

	e.ctx, e.cancel = context.WithCancel(context.Background())
	e.mu.Lock()
	e.connected = e.tr.State() == realtime.Connected
	e.mu.Unlock()

	e.wg.Add(2)
	go func() {
		defer e.wg.Done()
		defer sub.Close()
		e.dispatchLoop(sub)
	}()
	go func() {
		defer e.wg.Done()
		defer cancelStates()
		e.stateLoop(states)
	}()
	log.Infof("CALL: engine started for %s", e.self)
	return nil
}

// Close hangs up every live session and stops the engine.
func (e *Engine) Close() error {
	for _, s := range e.live() {
		_ = s.HangUp()
	}
	if e.cancel != nil {
		e.cancel()
	}
	e.mu.Lock()
	if e.orphanTimer != nil {
		e.orphanTimer.Stop()
		e.orphanTimer = nil
	}
	e.mu.Unlock()
	e.wg.Wait()
	return nil
}

// OnIncoming registers a handler for incoming calls. Handlers run on their
// own goroutine.
func (e *Engine) OnIncoming(fn func(*IncomingCall)) {
	e.mu.Lock()
	e.incoming = append(e.incoming, fn)
	e.mu.Unlock()
}

// OnEnded registers a handler that runs after each call's history record is
// written.
func (e *Engine) OnEnded(fn func(CallEnded)) {
	e.mu.Lock()
	e.ended = append(e.ended, fn)
	e.mu.Unlock()
}

// SetICEServers replaces the STUN/TURN list used by calls started later.
func (e *Engine) SetICEServers(servers []ICEServer) {
	e.mu.Lock()
	e.ice = servers
	e.mu.Unlock()
}

// Connected reports the last transport state seen by the engine.
func (e *Engine) Connected() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.connected
}

// PlaceCall starts an outgoing call to callee.
func (e *Engine) PlaceCall(ctx context.Context, callee string) (*Session, error) {
	if callee == e.self {
		return nil, fault.Terminal(ErrSelfCall)
	}
	if e.opts.Presence != nil && e.opts.Presence.Status(callee).Status == presence.Offline {
		return nil, fault.Terminal(ErrPresenceUnavailable)
	}
	if e.activeWith(callee) != nil {
		return nil, fault.Terminal(ErrSessionExists)
	}

	m, err := e.openMedia(ctx)
	if err != nil {
		return nil, err
	}
	id := uuid.NewString()
	sub, err := e.tr.Subscribe(ctx, proto.CallTopic(id))
	if err != nil {
		_ = m.Close()
		return nil, fmt.Errorf("call: subscribe: %w", err)
	}

	s := newSession(e, id, callee, true)
	e.mu.Lock()
	if e.activeWithLocked(callee) != nil {
		e.mu.Unlock()
		sub.Close()
		_ = m.Close()
		return nil, fault.Terminal(ErrSessionExists)
	}
	e.sessions[id] = s
	e.mu.Unlock()

	s.start(sub)
	if err := s.do(func() error {
		s.attach(m)
		return s.placeOffer()
	}); err != nil {
		return nil, err
	}
	log.Infof("CALL [%s]: calling %s", id, callee)
	return s, nil
}

// Session returns a live session by id.
func (e *Engine) Session(callID string) (*Session, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	s, ok := e.sessions[callID]
	return s, ok
}

// Sessions snapshots every live session.
func (e *Engine) Sessions() []Snapshot {
	live := e.live()
	out := make([]Snapshot, 0, len(live))
	for _, s := range live {
		out = append(out, s.Snapshot())
	}
	return out
}

// History returns the local user's call records, newest first.
func (e *Engine) History(ctx context.Context, limit int) ([]model.CallRecord, error) {
	if e.opts.Store == nil {
		return nil, nil
	}
	return e.opts.Store.ListCallRecords(ctx, e.self, limit)
}

func (e *Engine) live() []*Session {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*Session, 0, len(e.sessions))
	for _, s := range e.sessions {
		out = append(out, s)
	}
	return out
}

func (e *Engine) activeWith(peer string) *Session {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.activeWithLocked(peer)
}

func (e *Engine) activeWithLocked(peer string) *Session {
	for _, s := range e.sessions {
		if s.peer == peer {
			return s
		}
	}
	return nil
}

func (e *Engine) openMedia(ctx context.Context) (MediaPath, error) {
	e.mu.RLock()
	ice := e.ice
	e.mu.RUnlock()
	m, err := e.opts.Media.Open(ctx, ice)
	if err != nil {
		if !errors.Is(err, ErrMicrophoneDenied) {
			err = fmt.Errorf("%w: %v", ErrMicrophoneDenied, err)
		}
		return nil, fault.Terminal(err)
	}
	return m, nil
}

func (e *Engine) publish(m outMsg) error {
	data, err := proto.Encode(m.sig)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), util.OpTimeout)
	defer cancel()
	return e.tr.Publish(ctx, m.topic, data)
}

// ── Inbound ──────────────────────────────────────────────────────────────────

func (e *Engine) dispatchLoop(sub realtime.Subscription) {
	for {
		select {
		case <-e.ctx.Done():
			return
		case m, ok := <-sub.Messages():
			if !ok {
				return
			}
			fault.Guard("CALL dispatch", func() { e.handleInbox(m.Data) })
		}
	}
}

func (e *Engine) handleInbox(data []byte) {
	sig, err := proto.Decode[proto.Signal](data)
	if err != nil {
		log.Debugf("CALL: dropping signal: %v", err)
		return
	}
	if sig.Type != proto.SignalOffer || sig.SenderID == e.self || sig.Restart {
		return
	}
	if len(sig.Participants) == 2 && (sig.Participants[0] != sig.SenderID || sig.Participants[1] != e.self) {
		log.Warnf("CALL [%s]: offer participants %v do not match", sig.CallID, sig.Participants)
		return
	}

	e.mu.Lock()
	if _, ok := e.sessions[sig.CallID]; ok {
		e.mu.Unlock()
		return
	}
	if _, ok := e.archived[sig.CallID]; ok {
		e.mu.Unlock()
		return
	}
	busy := e.activeWithLocked(sig.SenderID) != nil
	e.mu.Unlock()

	if busy {
		log.Infof("CALL [%s]: already in a call with %s, declining", sig.CallID, sig.SenderID)
		e.sendDetached(outMsg{topic: proto.CallTopic(sig.CallID), sig: proto.Signal{
			Type: proto.SignalDecline, CallID: sig.CallID, SenderID: e.self,
		}})
		return
	}

	sub, err := e.tr.Subscribe(e.ctx, proto.CallTopic(sig.CallID))
	if err != nil {
		log.Warnf("CALL [%s]: subscribe: %v", sig.CallID, err)
		return
	}
	s := newSession(e, sig.CallID, sig.SenderID, false)
	e.mu.Lock()
	e.sessions[s.id] = s
	handlers := append([]func(*IncomingCall){}, e.incoming...)
	e.mu.Unlock()

	sdp := sig.SDP
	s.post(func() { s.ring(sdp) })
	s.start(sub)
	log.Infof("CALL [%s]: incoming from %s", s.id, s.peer)

	call := &IncomingCall{CallID: s.id, From: s.peer, Session: s}
	go func() {
		for _, h := range handlers {
			fault.Guard("CALL incoming handler", func() { h(call) })
		}
	}()
}

func (e *Engine) stateLoop(states <-chan realtime.ConnState) {
	for {
		select {
		case <-e.ctx.Done():
			return
		case st, ok := <-states:
			if !ok {
				return
			}
			up := st == realtime.Connected
			e.mu.Lock()
			changed := e.connected != up
			e.connected = up
			e.mu.Unlock()
			if !changed {
				continue
			}
			log.Infof("CALL: transport %s", st)
			if up {
				e.flushOrphans()
			}
			for _, s := range e.live() {
				if up {
					s.post(s.transportUp)
				} else {
					s.post(s.transportDown)
				}
			}
		}
	}
}

// sendDetached publishes a message that belongs to no live session. It is
// queued when the transport is down or the publish fails.
func (e *Engine) sendDetached(m outMsg) {
	e.mu.Lock()
	direct := e.connected && len(e.orphans) == 0 && !e.flushing
	if !direct {
		e.orphans = append(e.orphans, m)
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()

	err := e.publish(m)
	if err == nil {
		return
	}
	log.Debugf("CALL [%s]: queueing %s: %v", m.sig.CallID, m.sig.Type, err)
	e.mu.Lock()
	e.orphans = append([]outMsg{m}, e.orphans...)
	e.mu.Unlock()
	e.retryOrphans(err)
}

// flushOrphans publishes queued orphans in order. The lock is not held
// while publishing.
func (e *Engine) flushOrphans() {
	e.mu.Lock()
	if e.flushing {
		e.mu.Unlock()
		return
	}
	e.flushing = true
	e.mu.Unlock()

	for {
		e.mu.Lock()
		if len(e.orphans) == 0 {
			e.flushing = false
			e.orphanRetry.Reset()
			e.mu.Unlock()
			return
		}
		m := e.orphans[0]
		e.mu.Unlock()

		if err := e.publish(m); err != nil {
			log.Debugf("CALL: orphan flush stopped: %v", err)
			e.mu.Lock()
			e.flushing = false
			e.mu.Unlock()
			e.retryOrphans(err)
			return
		}
		e.mu.Lock()
		e.orphans = e.orphans[1:]
		e.mu.Unlock()
	}
}

// retryOrphans schedules another flush unless the failure was the transport
// going away; reconnecting flushes in that case.
func (e *Engine) retryOrphans(err error) {
	if errors.Is(err, realtime.ErrDisconnected) || (e.ctx != nil && e.ctx.Err() != nil) {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.connected || e.orphanTimer != nil {
		return
	}
	e.orphanTimer = e.clk.AfterFunc(e.orphanRetry.NextBackOff(), func() {
		e.mu.Lock()
		e.orphanTimer = nil
		e.mu.Unlock()
		e.flushOrphans()
	})
}

// ── Terminal side effects ────────────────────────────────────────────────────

// finish runs on the session loop when it reaches Ended.
func (e *Engine) finish(s *Session, ev CallEnded, leftover []outMsg) {
	e.record(ev)

	e.mu.Lock()
	delete(e.sessions, s.id)
	e.archived[s.id] = struct{}{}
	handlers := append([]func(CallEnded){}, e.ended...)
	e.mu.Unlock()

	for _, m := range leftover {
		e.sendDetached(m)
	}

	go func() {
		for _, h := range handlers {
			fault.Guard("CALL ended handler", func() { h(ev) })
		}
	}()
}

func (e *Engine) record(ev CallEnded) {
	if e.opts.Store == nil {
		return
	}
	rec := model.CallRecord{
		CallID:       ev.CallID,
		Owner:        ev.Owner,
		Participants: ev.Participants,
		Reason:       ev.Reason,
		StartedAt:    ev.StartedAt,
		ConnectedAt:  ev.ConnectedAt,
		EndedAt:      ev.EndedAt,
		Duration:     ev.Duration,
	}
	ctx, cancel := context.WithTimeout(context.Background(), util.OpTimeout)
	_, err := e.opts.Store.InsertCallRecord(ctx, rec)
	cancel()
	if err == nil {
		return
	}
	log.Warnf("CALL [%s]: history write failed, retrying: %v", ev.CallID, err)
	go func() {
		err := fault.Retry(context.Background(), e.opts.StoreRetry, func() error {
			ctx, cancel := context.WithTimeout(context.Background(), util.OpTimeout)
			defer cancel()
			_, err := e.opts.Store.InsertCallRecord(ctx, rec)
			return err
		})
		if err != nil {
			log.Errorf("CALL [%s]: history record lost: %v", ev.CallID, err)
		}
	}()
}
