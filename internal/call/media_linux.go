//go:build linux

package call

import (
	"fmt"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/webrtc/v4"
)

// newAudioPC builds a PeerConnection with Opus negotiated and the default
// microphone attached through pion/mediadevices (malgo on Linux). A missing
// or busy microphone is an error; calls never fall back to receive-only.
func newAudioPC(tag string, ice []webrtc.ICEServer) (*webrtc.PeerConnection, webrtc.TrackLocal, func(), error) {
	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, nil, nil, err
	}
	codecSelector := mediadevices.NewCodecSelector(
		mediadevices.WithAudioEncoders(&opusParams),
	)

	mediaEngine := &webrtc.MediaEngine{}
	codecSelector.Populate(mediaEngine)

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, nil, nil, err
	}

	// Short relay outages during failover must not look like a failed path.
	se := webrtc.SettingEngine{}
	se.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	)

	devices := mediadevices.EnumerateDevices()
	for _, d := range devices {
		log.Debugf("CALL [%s]: media device kind=%v label=%q", tag, d.Kind, d.Label)
	}

	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Codec: codecSelector,
		Audio: func(_ *mediadevices.MediaTrackConstraints) {},
	})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("%w: %v", ErrMicrophoneDenied, err)
	}
	tracks := stream.GetAudioTracks()
	if len(tracks) == 0 {
		return nil, nil, nil, fmt.Errorf("%w: no audio track", ErrMicrophoneDenied)
	}
	mic := tracks[0]
	mic.OnEnded(func(err error) {
		if err != nil {
			log.Warnf("CALL [%s]: microphone ended: %v", tag, err)
		}
	})
	release := func() {
		for _, t := range stream.GetTracks() {
			t.Close()
		}
	}

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: ice})
	if err != nil {
		release()
		return nil, nil, nil, err
	}
	log.Debugf("CALL [%s]: microphone captured", tag)
	return pc, mic, release, nil
}
