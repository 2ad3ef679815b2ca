package call

import (
	"errors"
	"io"
	"sync"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// RemoteAudioSink fans remote Opus RTP payloads out to subscribers. The
// payloads are the raw encoded frames; rendering (decode + playback) is the
// subscriber's business. Non-audio tracks are ignored.
type RemoteAudioSink struct {
	callID string

	mu      sync.Mutex
	subs    map[int]chan []byte
	nextSub int
	closed  bool
}

func newRemoteAudioSink(callID string) *RemoteAudioSink {
	return &RemoteAudioSink{
		callID: callID,
		subs:   map[int]chan []byte{},
	}
}

// Subscribe returns a channel of encoded audio payloads and a cancel func.
// Slow subscribers drop packets rather than stall the read loop.
func (s *RemoteAudioSink) Subscribe() (<-chan []byte, func()) {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	ch := make(chan []byte, 64)
	if !s.closed {
		s.subs[id] = ch
	} else {
		close(ch)
	}
	s.mu.Unlock()
	cancel := func() {
		s.mu.Lock()
		if c, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(c)
		}
		s.mu.Unlock()
	}
	return ch, cancel
}

// AttachTrack starts draining one remote track. Called from the peer
// connection's OnTrack handler.
func (s *RemoteAudioSink) AttachTrack(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
	if track.Kind() != webrtc.RTPCodecTypeAudio {
		log.Debugf("CALL [%s]: ignoring remote %s track", s.callID, track.Kind())
		return
	}
	log.Infof("CALL [%s]: remote audio track %s (%s)", s.callID, track.ID(), track.Codec().MimeType)
	if receiver != nil {
		drainReceiverRTCP(s.callID, receiver)
	}
	go s.readLoop(track)
}

func (s *RemoteAudioSink) readLoop(track *webrtc.TrackRemote) {
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Debugf("CALL [%s]: remote track read: %v", s.callID, err)
			}
			return
		}
		s.broadcast(pkt)
	}
}

func (s *RemoteAudioSink) broadcast(pkt *rtp.Packet) {
	if len(pkt.Payload) == 0 {
		return
	}
	payload := make([]byte, len(pkt.Payload))
	copy(payload, pkt.Payload)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	for _, ch := range s.subs {
		select {
		case ch <- payload:
		default:
		}
	}
}

// Close drops all subscribers. Track read loops exit on their own when the
// peer connection closes.
func (s *RemoteAudioSink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for id, ch := range s.subs {
		delete(s.subs, id)
		close(ch)
	}
}
