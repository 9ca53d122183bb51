package call

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
	"github.com/samber/lo"

	"github.com/dp2ptrade/rolenet-sub003/internal/fault"
	"github.com/dp2ptrade/rolenet-sub003/internal/model"
	"github.com/dp2ptrade/rolenet-sub003/internal/proto"
	"github.com/dp2ptrade/rolenet-sub003/internal/realtime"
	"github.com/dp2ptrade/rolenet-sub003/internal/util"
)

// ringGrace is added to the no-answer timeout on the callee side so the
// caller's cancel normally wins.
const ringGrace = 5 * time.Second

type outMsg struct {
	topic string
	sig   proto.Signal
}

// Session is one call. All mutable call state is owned by the session's own
// goroutine; public methods post work into it.
type Session struct {
	id           string
	e            *Engine
	peer         string
	caller       string
	participants []string
	outgoing     bool

	ops  chan func()
	done chan struct{}

	// loop-owned
	state       State
	reason      model.EndReason
	media       MediaPath
	remoteOffer string
	remoteSet   bool
	restarting  bool
	restarts    int
	sendSeq     uint64
	lastApplied uint64
	pending     map[uint64]proto.Candidate
	held        []proto.Candidate
	outbox      []outMsg
	ringTimer   *clock.Timer
	negTimer    *clock.Timer
	reconnTimer *clock.Timer
	retryTimer  *clock.Timer
	retry       backoff.BackOff
	startedAt   time.Time
	connectedAt time.Time
	muted       bool
	speaker     bool
	sub         realtime.Subscription

	mu        sync.RWMutex
	snap      Snapshot
	listeners map[chan StateChange]struct{}
	trace     *util.RingBuffer[StateChange]
}

func newSession(e *Engine, id, peer string, outgoing bool) *Session {
	caller := e.self
	if !outgoing {
		caller = peer
	}
	participants := []string{caller, lo.Ternary(outgoing, peer, e.self)}
	s := &Session{
		id:           id,
		e:            e,
		peer:         peer,
		caller:       caller,
		participants: participants,
		outgoing:     outgoing,
		ops:          make(chan func(), 64),
		done:         make(chan struct{}),
		state:        StateIdle,
		startedAt:    e.clk.Now(),
		listeners:    make(map[chan StateChange]struct{}),
		trace:        util.NewRingBuffer[StateChange](32),
		retry:        e.opts.SignalRetry.NewBackOff(),
	}
	s.snap = Snapshot{CallID: id, Peer: peer, Outgoing: outgoing, State: StateIdle, StartedAt: s.startedAt}
	return s
}

func (s *Session) ID() string   { return s.id }
func (s *Session) Peer() string { return s.peer }

// Done is closed once the session has ended.
func (s *Session) Done() <-chan struct{} { return s.done }

// Snapshot returns the latest published view.
func (s *Session) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap
}

// Trace returns the most recent transitions, oldest first.
func (s *Session) Trace() []StateChange { return s.trace.Snapshot() }

// LastChange returns the latest transition, if any happened yet.
func (s *Session) LastChange() (StateChange, bool) { return s.trace.Last() }

// Events streams state changes. The channel is closed after Ended.
func (s *Session) Events() (<-chan StateChange, func()) {
	ch := make(chan StateChange, 16)
	s.mu.Lock()
	if s.snap.State.Terminal() {
		s.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	s.listeners[ch] = struct{}{}
	s.mu.Unlock()

	cancel := func() {
		s.mu.Lock()
		if _, ok := s.listeners[ch]; ok {
			delete(s.listeners, ch)
			close(ch)
		}
		s.mu.Unlock()
	}
	return ch, cancel
}

// ── Loop plumbing ────────────────────────────────────────────────────────────

func (s *Session) start(sub realtime.Subscription) {
	s.sub = sub
	go s.run()
	go func() {
		for m := range sub.Messages() {
			data := m.Data
			if !s.post(func() { s.handleRaw(data) }) {
				return
			}
		}
	}()
}

func (s *Session) run() {
	defer close(s.done)
	for fn := range s.ops {
		fault.Guard("CALL "+s.id, fn)
		if s.state.Terminal() {
			return
		}
	}
}

func (s *Session) post(fn func()) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.ops <- fn:
		return true
	case <-s.done:
		return false
	}
}

func (s *Session) do(fn func() error) error {
	errc := make(chan error, 1)
	if !s.post(func() { errc <- fn() }) {
		return ErrSessionEnded
	}
	select {
	case err := <-errc:
		return err
	case <-s.done:
		select {
		case err := <-errc:
			return err
		default:
			return ErrSessionEnded
		}
	}
}

// arm replaces the timer in slot. A timer that fires after being replaced or
// disarmed is ignored.
func (s *Session) arm(slot **clock.Timer, d time.Duration, fn func()) {
	s.disarm(slot)
	var t *clock.Timer
	t = s.e.clk.AfterFunc(d, func() {
		s.post(func() {
			if *slot != t {
				return
			}
			*slot = nil
			fn()
		})
	})
	*slot = t
}

func (s *Session) disarm(slot **clock.Timer) {
	if *slot != nil {
		(*slot).Stop()
		*slot = nil
	}
}

// ── Public operations ────────────────────────────────────────────────────────

// Accept answers an incoming call: the microphone is acquired, the stored
// offer applied and an answer published.
func (s *Session) Accept(ctx context.Context) error {
	return s.do(func() error {
		if s.state != StateIncoming {
			return ErrInvalidState
		}
		m, err := s.e.openMedia(ctx)
		if err != nil {
			log.Warnf("CALL [%s]: accept: %v", s.id, err)
			s.send(proto.CallTopic(s.id), proto.Signal{Type: proto.SignalDecline})
			s.end(model.ReasonFailed)
			return err
		}
		s.attach(m)
		if err := m.SetRemote(proto.SignalOffer, s.remoteOffer); err != nil {
			s.abort("set remote offer", err)
			return err
		}
		s.remoteSet = true
		sdp, err := m.CreateAnswer()
		if err != nil {
			s.abort("create answer", err)
			return err
		}
		s.send(proto.CallTopic(s.id), proto.Signal{Type: proto.SignalAnswer, SDP: sdp})
		s.disarm(&s.ringTimer)
		s.transition(StateNegotiating, "")
		s.arm(&s.negTimer, s.e.opts.NegotiationTimeout, s.negotiationTimeout)
		s.applyPending()
		return nil
	})
}

// Decline rejects an incoming call.
func (s *Session) Decline() error {
	return s.do(func() error {
		if s.state != StateIncoming {
			return ErrInvalidState
		}
		s.send(proto.CallTopic(s.id), proto.Signal{Type: proto.SignalDecline})
		s.end(model.ReasonDeclined)
		return nil
	})
}

// HangUp ends the call from any non-terminal state. Calling it again is a
// no-op.
func (s *Session) HangUp() error {
	err := s.do(func() error {
		if s.state.Terminal() {
			return nil
		}
		s.send(proto.CallTopic(s.id), proto.Signal{Type: proto.SignalBye})
		s.transition(StateEnding, "")
		s.end(s.localEndReason())
		return nil
	})
	if errors.Is(err, ErrSessionEnded) {
		return nil
	}
	return err
}

// SetMuted stops or resumes sending microphone audio.
func (s *Session) SetMuted(muted bool) error {
	return s.do(func() error {
		s.muted = muted
		if s.media != nil {
			if err := s.media.SetMuted(muted); err != nil {
				return err
			}
		}
		s.refresh()
		return nil
	})
}

// ToggleMute flips the mute flag and returns the new value.
func (s *Session) ToggleMute() (bool, error) {
	var muted bool
	err := s.do(func() error {
		muted = !s.muted
		if s.media != nil {
			if err := s.media.SetMuted(muted); err != nil {
				return err
			}
		}
		s.muted = muted
		s.refresh()
		return nil
	})
	return muted, err
}

// SetSpeaker switches local audio output routing.
func (s *Session) SetSpeaker(on bool) error {
	return s.do(func() error {
		s.speaker = on
		if s.media != nil {
			if err := s.media.SetSpeaker(on); err != nil {
				return err
			}
		}
		s.refresh()
		return nil
	})
}

// ── Loop handlers ────────────────────────────────────────────────────────────

func (s *Session) attach(m MediaPath) {
	s.media = m
	m.OnCandidate(func(c proto.Candidate) {
		s.post(func() { s.localCandidate(c) })
	})
	m.OnState(func(st MediaState) {
		s.post(func() { s.mediaState(st) })
	})
	if s.muted {
		_ = m.SetMuted(true)
	}
	if s.speaker {
		_ = m.SetSpeaker(true)
	}
}

// placeOffer runs on the loop right after the session starts.
func (s *Session) placeOffer() error {
	sdp, err := s.media.CreateOffer(false)
	if err != nil {
		s.end(model.ReasonFailed)
		return err
	}
	s.send(proto.SignalTopic(s.peer), proto.Signal{
		Type:         proto.SignalOffer,
		SDP:          sdp,
		Participants: s.participants,
	})
	s.transition(StateOutgoing, "")
	s.arm(&s.ringTimer, s.e.opts.NoAnswerTimeout, s.noAnswer)
	if !s.e.Connected() {
		s.transportDown()
	}
	return nil
}

// ring runs on the loop for a freshly received offer.
func (s *Session) ring(sdp string) {
	s.remoteOffer = sdp
	s.transition(StateIncoming, "")
	s.arm(&s.ringTimer, s.e.opts.NoAnswerTimeout+ringGrace, func() {
		log.Infof("CALL [%s]: caller never cancelled, marking missed", s.id)
		s.end(model.ReasonMissed)
	})
	if !s.e.Connected() {
		s.transportDown()
	}
}

func (s *Session) noAnswer() {
	if s.state != StateOutgoing {
		return
	}
	log.Infof("CALL [%s]: no answer", s.id)
	s.send(proto.CallTopic(s.id), proto.Signal{Type: proto.SignalCancel})
	s.end(model.ReasonMissed)
}

func (s *Session) handleRaw(data []byte) {
	sig, err := proto.Decode[proto.Signal](data)
	if err != nil {
		log.Debugf("CALL [%s]: dropping frame: %v", s.id, err)
		return
	}
	s.handleSignal(sig)
}

func (s *Session) handleSignal(sig proto.Signal) {
	if sig.CallID != s.id || sig.SenderID == s.e.self {
		return
	}
	if !slices.Contains(s.participants, sig.SenderID) {
		log.Warnf("CALL [%s]: ignoring %s from non-participant %s", s.id, sig.Type, sig.SenderID)
		return
	}
	if s.state.Terminal() {
		return
	}

	switch sig.Type {
	case proto.SignalOffer:
		if sig.Restart {
			s.restartOffer(sig.SDP)
		}
	case proto.SignalAnswer:
		s.answer(sig.SDP)
	case proto.SignalCandidate:
		s.remoteCandidate(sig.Seq, *sig.Candidate)
	case proto.SignalBye:
		if s.state == StateIncoming {
			s.end(model.ReasonMissed)
			return
		}
		s.end(s.localEndReason())
	case proto.SignalCancel:
		if s.outgoing {
			return
		}
		if s.state == StateIncoming {
			s.end(model.ReasonMissed)
			return
		}
		s.end(model.ReasonCancelled)
	case proto.SignalDecline:
		if s.outgoing && s.state == StateOutgoing {
			s.end(model.ReasonDeclined)
		}
	}
}

func (s *Session) answer(sdp string) {
	if !s.outgoing {
		return
	}
	switch {
	case s.state == StateOutgoing:
		if err := s.media.SetRemote(proto.SignalAnswer, sdp); err != nil {
			s.abort("set remote answer", err)
			return
		}
		s.remoteSet = true
		s.disarm(&s.ringTimer)
		s.transition(StateNegotiating, "")
		s.arm(&s.negTimer, s.e.opts.NegotiationTimeout, s.negotiationTimeout)
		// The callee is subscribed to the call topic once it answers.
		held := s.held
		s.held = nil
		for _, c := range held {
			s.sendCandidate(c)
		}
		s.applyPending()
	case s.restarting && (s.state == StateNegotiating || s.state == StateActive):
		if err := s.media.SetRemote(proto.SignalAnswer, sdp); err != nil {
			s.abort("set restart answer", err)
		}
	}
}

func (s *Session) restartOffer(sdp string) {
	if s.outgoing || (s.state != StateNegotiating && s.state != StateActive) {
		return
	}
	log.Infof("CALL [%s]: ICE restart requested by caller", s.id)
	if s.restarts == 0 {
		s.restarts = 1
	}
	s.restarting = true
	if err := s.media.SetRemote(proto.SignalOffer, sdp); err != nil {
		s.abort("set restart offer", err)
		return
	}
	answer, err := s.media.CreateAnswer()
	if err != nil {
		s.abort("create restart answer", err)
		return
	}
	s.send(proto.CallTopic(s.id), proto.Signal{Type: proto.SignalAnswer, SDP: answer})
	s.arm(&s.negTimer, s.e.opts.NegotiationTimeout, s.negotiationTimeout)
	s.refresh()
}

func (s *Session) localCandidate(c proto.Candidate) {
	switch s.state {
	case StateOutgoing:
		s.held = append(s.held, c)
	case StateIncoming, StateNegotiating, StateActive:
		s.sendCandidate(c)
	}
}

func (s *Session) sendCandidate(c proto.Candidate) {
	s.sendSeq++
	s.send(proto.CallTopic(s.id), proto.Signal{Type: proto.SignalCandidate, Seq: s.sendSeq, Candidate: &c})
}

func (s *Session) remoteCandidate(seq uint64, c proto.Candidate) {
	if seq <= s.lastApplied {
		return
	}
	if !s.remoteSet {
		if s.pending == nil {
			s.pending = make(map[uint64]proto.Candidate)
		}
		s.pending[seq] = c
		return
	}
	s.applyCandidate(seq, c)
}

func (s *Session) applyPending() {
	if len(s.pending) == 0 {
		return
	}
	seqs := lo.Keys(s.pending)
	slices.Sort(seqs)
	for _, seq := range seqs {
		if seq > s.lastApplied {
			s.applyCandidate(seq, s.pending[seq])
		}
	}
	s.pending = nil
}

func (s *Session) applyCandidate(seq uint64, c proto.Candidate) {
	if err := s.media.AddCandidate(c); err != nil {
		log.Debugf("CALL [%s]: candidate %d: %v", s.id, seq, err)
	}
	s.lastApplied = seq
}

func (s *Session) mediaState(st MediaState) {
	if s.state.Terminal() {
		return
	}
	log.Debugf("CALL [%s]: media %s", s.id, st)
	switch st {
	case MediaConnected:
		if s.state != StateNegotiating && s.state != StateActive {
			return
		}
		s.disarm(&s.negTimer)
		s.restarting = false
		if s.connectedAt.IsZero() {
			s.connectedAt = s.e.clk.Now()
		}
		s.transition(StateActive, "")
	case MediaDisconnected:
		if s.state == StateActive && s.negTimer == nil {
			s.arm(&s.negTimer, s.e.opts.NegotiationTimeout, s.negotiationTimeout)
		}
	case MediaFailed:
		s.mediaFailure()
	}
}

func (s *Session) negotiationTimeout() {
	if s.state == StateNegotiating || s.state == StateActive {
		log.Warnf("CALL [%s]: media did not connect in time", s.id)
		s.mediaFailure()
	}
}

// mediaFailure allows one ICE restart. The caller re-offers; the callee
// waits for it under the negotiation timer.
func (s *Session) mediaFailure() {
	if s.state != StateNegotiating && s.state != StateActive {
		return
	}
	if s.restarts >= 1 {
		log.Warnf("CALL [%s]: media failed after restart", s.id)
		s.send(proto.CallTopic(s.id), proto.Signal{Type: proto.SignalBye})
		s.end(model.ReasonFailed)
		return
	}
	s.restarts++
	s.restarting = true
	s.arm(&s.negTimer, s.e.opts.NegotiationTimeout, s.negotiationTimeout)
	s.refresh()
	if !s.outgoing {
		return
	}
	sdp, err := s.media.CreateOffer(true)
	if err != nil {
		s.abort("create restart offer", err)
		return
	}
	log.Infof("CALL [%s]: ICE restart", s.id)
	s.send(proto.CallTopic(s.id), proto.Signal{Type: proto.SignalOffer, SDP: sdp, Restart: true})
}

func (s *Session) abort(what string, err error) {
	log.Warnf("CALL [%s]: %s: %v", s.id, what, err)
	s.send(proto.CallTopic(s.id), proto.Signal{Type: proto.SignalBye})
	s.end(model.ReasonFailed)
}

func (s *Session) transportDown() {
	s.disarm(&s.retryTimer)
	if s.state.Terminal() || s.reconnTimer != nil {
		return
	}
	s.arm(&s.reconnTimer, s.e.opts.ReconnectWindow, func() {
		log.Warnf("CALL [%s]: transport did not come back", s.id)
		s.send(proto.CallTopic(s.id), proto.Signal{Type: proto.SignalBye})
		s.end(model.ReasonFailed)
	})
}

func (s *Session) transportUp() {
	s.disarm(&s.reconnTimer)
	s.disarm(&s.retryTimer)
	s.retry.Reset()
	s.flush()
}

func (s *Session) localEndReason() model.EndReason {
	if !s.connectedAt.IsZero() {
		return model.ReasonCompleted
	}
	return model.ReasonCancelled
}

// ── Outbox ───────────────────────────────────────────────────────────────────

// send publishes in order, queueing behind anything not yet flushed.
func (s *Session) send(topic string, sig proto.Signal) {
	sig.CallID = s.id
	sig.SenderID = s.e.self
	msg := outMsg{topic: topic, sig: sig}
	if len(s.outbox) > 0 || !s.e.Connected() {
		s.outbox = append(s.outbox, msg)
		return
	}
	if err := s.e.publish(msg); err != nil {
		log.Debugf("CALL [%s]: queueing %s: %v", s.id, sig.Type, err)
		s.outbox = append(s.outbox, msg)
		s.retryLater(err)
	}
}

func (s *Session) flush() {
	for len(s.outbox) > 0 {
		if err := s.e.publish(s.outbox[0]); err != nil {
			log.Debugf("CALL [%s]: flush stopped: %v", s.id, err)
			s.retryLater(err)
			return
		}
		s.outbox = s.outbox[1:]
	}
	s.retry.Reset()
}

// retryLater arms a backoff flush for a publish that failed on a live
// connection. A failure caused by the disconnect waits for transportUp.
func (s *Session) retryLater(err error) {
	if s.state.Terminal() || s.retryTimer != nil || errors.Is(err, realtime.ErrDisconnected) || !s.e.Connected() {
		return
	}
	s.arm(&s.retryTimer, s.retry.NextBackOff(), s.flush)
}

// ── Transitions ──────────────────────────────────────────────────────────────

func (s *Session) transition(to State, reason model.EndReason) {
	from := s.state
	if from == to {
		return
	}
	s.state = to
	change := StateChange{CallID: s.id, From: from, To: to, Reason: reason, At: s.e.clk.Now()}
	s.trace.Push(change)
	log.Debugf("CALL [%s]: %s -> %s", s.id, from, to)

	s.mu.Lock()
	s.fillSnap()
	for ch := range s.listeners {
		select {
		case ch <- change:
		default:
		}
	}
	s.mu.Unlock()
}

func (s *Session) refresh() {
	s.mu.Lock()
	s.fillSnap()
	s.mu.Unlock()
}

// fillSnap must be called with s.mu held.
func (s *Session) fillSnap() {
	s.snap.State = s.state
	s.snap.Reason = s.reason
	s.snap.Muted = s.muted
	s.snap.Speaker = s.speaker
	s.snap.ConnectedAt = s.connectedAt
	s.snap.Restarts = s.restarts
}

// end moves the session to Ended exactly once and hands it to the engine.
func (s *Session) end(reason model.EndReason) {
	if s.state.Terminal() {
		return
	}
	s.disarm(&s.ringTimer)
	s.disarm(&s.negTimer)
	s.disarm(&s.reconnTimer)
	s.disarm(&s.retryTimer)
	if s.media != nil {
		if err := s.media.Close(); err != nil {
			log.Debugf("CALL [%s]: media close: %v", s.id, err)
		}
	}
	s.pending = nil
	s.held = nil

	if s.state != StateEnding {
		s.transition(StateEnding, "")
	}
	s.reason = reason
	endedAt := s.e.clk.Now()
	s.transition(StateEnded, reason)

	if s.sub != nil {
		s.sub.Close()
	}
	// Unsent candidates are useless once the call is over; control messages
	// still have to reach the peer.
	leftover := lo.Filter(s.outbox, func(m outMsg, _ int) bool { return m.sig.Type != proto.SignalCandidate })
	s.outbox = nil

	s.mu.Lock()
	for ch := range s.listeners {
		close(ch)
	}
	s.listeners = map[chan StateChange]struct{}{}
	s.mu.Unlock()

	var dur time.Duration
	if !s.connectedAt.IsZero() {
		dur = endedAt.Sub(s.connectedAt)
	}
	log.Infof("CALL [%s]: ended (%s)", s.id, reason)
	s.e.finish(s, CallEnded{
		CallID:       s.id,
		Owner:        s.e.self,
		Caller:       s.caller,
		Peer:         s.peer,
		Participants: slices.Clone(s.participants),
		Reason:       reason,
		StartedAt:    s.startedAt,
		ConnectedAt:  s.connectedAt,
		EndedAt:      endedAt,
		Duration:     dur,
	}, leftover)
}
