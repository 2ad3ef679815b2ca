//go:build linux

package call

import (
	"fmt"
	"strings"

	"github.com/pion/interceptor"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/webrtc/v4"
)

// initMediaPC creates the per-call peer connection with an Opus codec and
// captures the local microphone via pion/mediadevices (malgo on Linux). A
// capture failure is fatal to the call unless capture is disabled, in which
// case the connection is receive-only.
func initMediaPC(opts MediaOptions, callID string) (*webrtc.PeerConnection, func(), error) {
	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, nil, fmt.Errorf("opus params: %w", err)
	}
	codecSelector := mediadevices.NewCodecSelector(
		mediadevices.WithAudioEncoders(&opusParams),
	)

	mediaEngine := &webrtc.MediaEngine{}
	codecSelector.Populate(mediaEngine)

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

	if opts.DisableCapture {
		addRecvOnlyAudio(callID, pc)
		log.Infof("CALL [%s]: capture disabled, receive-only", callID)
		return pc, nil, nil
	}

	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Codec: codecSelector,
		Audio: func(_ *mediadevices.MediaTrackConstraints) {},
	})
	if err != nil {
		pc.Close()
		return nil, nil, mapCaptureError(err)
	}

	tracks := stream.GetTracks()
	for _, track := range tracks {
		track.OnEnded(func(err error) {
			if err != nil {
				log.Warnf("CALL [%s]: local track ended: %v", callID, err)
			}
		})
		sender, err := pc.AddTrack(track)
		if err != nil {
			log.Errorf("CALL [%s]: add track: %v", callID, err)
			continue
		}
		drainSenderRTCP(callID, sender)
	}
	log.Infof("CALL [%s]: microphone captured, %d track(s)", callID, len(tracks))

	cleanup := func() {
		for _, t := range tracks {
			t.Close()
		}
	}
	return pc, cleanup, nil
}

// mapCaptureError folds driver error text into the exported sentinels so
// callers can present a precise reason.
func mapCaptureError(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "permission") || strings.Contains(msg, "denied"):
		return fmt.Errorf("%w: %v", ErrMicPermission, err)
	case strings.Contains(msg, "busy") || strings.Contains(msg, "in use"):
		return fmt.Errorf("%w: %v", ErrAudioDeviceBusy, err)
	case strings.Contains(msg, "not found") || strings.Contains(msg, "no device") ||
		strings.Contains(msg, "failed to find"):
		return fmt.Errorf("%w: %v", ErrNoAudioDevice, err)
	default:
		return fmt.Errorf("audio capture: %w", err)
	}
}
