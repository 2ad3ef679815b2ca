//go:build !linux

package call

import (
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
)

// initMediaPC creates a receive-only peer connection on non-Linux
// platforms. Microphone capture via pion/mediadevices needs the Linux
// driver stack (malgo); elsewhere the call still carries remote audio.
func initMediaPC(opts MediaOptions, callID string) (*webrtc.PeerConnection, func(), error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, nil, err
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, nil, err
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(newSettingEngine()),
	)

	pc, err := api.NewPeerConnection(peerConfig(opts))
	if err != nil {
		return nil, nil, err
	}

	addRecvOnlyAudio(callID, pc)
	log.Infof("CALL [%s]: receive-only, no local capture on this platform", callID)
	return pc, nil, nil
}
