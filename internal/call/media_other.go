//go:build !linux

package call

import (
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
)

// newAudioPC builds a PeerConnection with a local Opus track. Device capture
// through pion/mediadevices needs the Linux drivers; elsewhere the embedding
// application writes samples into the returned track.
func newAudioPC(tag string, ice []webrtc.ICEServer) (*webrtc.PeerConnection, webrtc.TrackLocal, func(), error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, nil, nil, err
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, nil, nil, err
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
	)

	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio", "rolenet-"+tag,
	)
	if err != nil {
		return nil, nil, nil, err
	}

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: ice})
	if err != nil {
		return nil, nil, nil, err
	}
	log.Debugf("CALL [%s]: static opus track ready", tag)
	return pc, track, nil, nil
}
