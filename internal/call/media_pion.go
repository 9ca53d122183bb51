package call

import (
	"context"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/samber/lo"

	"github.com/dp2ptrade/rolenet-sub003/internal/proto"
)

// PionFactory opens audio paths backed by pion/webrtc.
type PionFactory struct{}

func NewPionFactory() *PionFactory { return &PionFactory{} }

// Open captures the local microphone and returns a path ready to negotiate.
func (f *PionFactory) Open(ctx context.Context, ice []ICEServer) (MediaPath, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	servers := lo.Map(ice, func(s ICEServer, _ int) webrtc.ICEServer {
		return webrtc.ICEServer{URLs: s.URLs, Username: s.Username, Credential: s.Credential}
	})
	pc, track, release, err := newAudioPC("open", servers)
	if err != nil {
		return nil, err
	}
	sender, err := pc.AddTrack(track)
	if err != nil {
		_ = pc.Close()
		if release != nil {
			release()
		}
		return nil, fmt.Errorf("%w: add track: %v", ErrMicrophoneDenied, err)
	}

	p := &pionPath{pc: pc, track: track, sender: sender, release: release}
	go p.drainRTCP()

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return // gathering complete
		}
		init := c.ToJSON()
		p.mu.Lock()
		fn := p.onCandidate
		p.mu.Unlock()
		if fn != nil {
			fn(proto.Candidate{
				Candidate:        init.Candidate,
				SDPMid:           init.SDPMid,
				SDPMLineIndex:    init.SDPMLineIndex,
				UsernameFragment: init.UsernameFragment,
			})
		}
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		var st MediaState
		switch s {
		case webrtc.PeerConnectionStateConnected:
			st = MediaConnected
		case webrtc.PeerConnectionStateDisconnected:
			st = MediaDisconnected
		case webrtc.PeerConnectionStateFailed:
			st = MediaFailed
		case webrtc.PeerConnectionStateClosed:
			st = MediaClosed
		default:
			st = MediaConnecting
		}
		p.mu.Lock()
		fn := p.onState
		p.mu.Unlock()
		if fn != nil {
			fn(st)
		}
	})
	pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		log.Debugf("CALL: remote %s track %s", remote.Kind(), remote.Codec().MimeType)
	})
	return p, nil
}

type pionPath struct {
	pc      *webrtc.PeerConnection
	track   webrtc.TrackLocal
	sender  *webrtc.RTPSender
	release func()

	mu          sync.Mutex
	onCandidate func(proto.Candidate)
	onState     func(MediaState)
	speaker     bool
	closed      bool
}

// drainRTCP keeps the interceptors fed; pion stalls senders whose RTCP is
// never read.
func (p *pionPath) drainRTCP() {
	buf := make([]byte, 1500)
	for {
		if _, _, err := p.sender.Read(buf); err != nil {
			return
		}
	}
}

func (p *pionPath) CreateOffer(iceRestart bool) (string, error) {
	offer, err := p.pc.CreateOffer(&webrtc.OfferOptions{ICERestart: iceRestart})
	if err != nil {
		return "", err
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return "", err
	}
	return offer.SDP, nil
}

func (p *pionPath) CreateAnswer() (string, error) {
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return "", err
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return "", err
	}
	return answer.SDP, nil
}

func (p *pionPath) SetRemote(sdpType, sdp string) error {
	desc := webrtc.SessionDescription{SDP: sdp}
	switch sdpType {
	case proto.SignalOffer:
		desc.Type = webrtc.SDPTypeOffer
	case proto.SignalAnswer:
		desc.Type = webrtc.SDPTypeAnswer
	default:
		return fmt.Errorf("unknown sdp type %q", sdpType)
	}
	return p.pc.SetRemoteDescription(desc)
}

func (p *pionPath) AddCandidate(c proto.Candidate) error {
	return p.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	})
}

func (p *pionPath) OnCandidate(fn func(proto.Candidate)) {
	p.mu.Lock()
	p.onCandidate = fn
	p.mu.Unlock()
}

func (p *pionPath) OnState(fn func(MediaState)) {
	p.mu.Lock()
	p.onState = fn
	p.mu.Unlock()
}

// SetMuted swaps the outgoing track for silence without renegotiating.
func (p *pionPath) SetMuted(muted bool) error {
	if muted {
		return p.sender.ReplaceTrack(nil)
	}
	return p.sender.ReplaceTrack(p.track)
}

// SetSpeaker records the routing preference. Output device selection belongs
// to the embedding application's audio sink.
func (p *pionPath) SetSpeaker(on bool) error {
	p.mu.Lock()
	p.speaker = on
	p.mu.Unlock()
	return nil
}

func (p *pionPath) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.onCandidate = nil
	p.onState = nil
	p.mu.Unlock()

	err := p.pc.Close()
	if p.release != nil {
		p.release()
	}
	return err
}
