package call

import (
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
)

const defaultStunURL = "stun:stun.l.google.com:19302"

// newSettingEngine configures generous ICE timeouts. The default
// disconnectedTimeout of 5s is far too short for relay paths that see brief
// outages during re-keying or failover; 30s gives ICE time to recover
// before the disconnect machinery kicks in.
func newSettingEngine() webrtc.SettingEngine {
	se := webrtc.SettingEngine{}
	se.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)
	return se
}

func peerConfig(opts MediaOptions) webrtc.Configuration {
	stun := opts.StunURL
	if stun == "" {
		stun = defaultStunURL
	}
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{URLs: []string{stun}},
		},
	}
}

// addRecvOnlyAudio adds a recvonly audio transceiver so CreateOffer and
// CreateAnswer always produce a valid m-line with ICE credentials, even
// with no local capture.
func addRecvOnlyAudio(callID string, pc *webrtc.PeerConnection) {
	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		log.Warnf("CALL [%s]: add audio transceiver: %v", callID, err)
	}
}

// drainSenderRTCP keeps reading the sender's RTCP stream so the interceptor
// chain (NACK, reports) stays fed. Exits when the sender closes.
func drainSenderRTCP(callID string, sender *webrtc.RTPSender) {
	go func() {
		buf := make([]byte, 1500)
		for {
			n, _, err := sender.Read(buf)
			if err != nil {
				return
			}
			if _, err := rtcp.Unmarshal(buf[:n]); err != nil {
				log.Debugf("CALL [%s]: rtcp decode: %v", callID, err)
			}
		}
	}()
}

// drainReceiverRTCP does the same for a receiver's report stream.
func drainReceiverRTCP(callID string, receiver *webrtc.RTPReceiver) {
	go func() {
		buf := make([]byte, 1500)
		for {
			n, _, err := receiver.Read(buf)
			if err != nil {
				return
			}
			if _, err := rtcp.Unmarshal(buf[:n]); err != nil {
				log.Debugf("CALL [%s]: rtcp decode: %v", callID, err)
			}
		}
	}()
}
