package call

import (
	"context"

	"github.com/dp2ptrade/rolenet-sub003/internal/proto"
)

// MediaState mirrors the peer connection state the engine cares about.
type MediaState int

const (
	MediaConnecting MediaState = iota
	MediaConnected
	MediaDisconnected
	MediaFailed
	MediaClosed
)

func (s MediaState) String() string {
	switch s {
	case MediaConnecting:
		return "connecting"
	case MediaConnected:
		return "connected"
	case MediaDisconnected:
		return "disconnected"
	case MediaFailed:
		return "failed"
	case MediaClosed:
		return "closed"
	}
	return "unknown"
}

// MediaPath is the local end of one call's audio path. Callbacks may fire
// from any goroutine.
type MediaPath interface {
	// CreateOffer sets and returns the local offer SDP.
	CreateOffer(iceRestart bool) (string, error)
	// CreateAnswer sets and returns the local answer SDP. The remote offer
	// must already be set.
	CreateAnswer() (string, error)
	// SetRemote applies a remote description; sdpType is proto.SignalOffer
	// or proto.SignalAnswer.
	SetRemote(sdpType, sdp string) error
	AddCandidate(c proto.Candidate) error

	OnCandidate(fn func(proto.Candidate))
	OnState(fn func(MediaState))

	SetMuted(muted bool) error
	SetSpeaker(on bool) error
	Close() error
}

// MediaFactory acquires the microphone and builds a MediaPath.
type MediaFactory interface {
	Open(ctx context.Context, ice []ICEServer) (MediaPath, error)
}
