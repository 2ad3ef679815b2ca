// Package ringtone synthesizes the two call ring cues with a gated
// oscillator — no audio assets. The outgoing "calling" tone sits lower than
// the incoming one, and both are pulsed at a fixed cadence.
package ringtone

import (
	"encoding/binary"
	"math"
	"sync"

	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("parley:ringtone")

// Tone selects which cue to play.
type Tone int

const (
	// ToneOutgoing is the lower-pitched cue heard while dialing.
	ToneOutgoing Tone = iota
	// ToneIncoming is the higher-pitched cue for an inbound invite.
	ToneIncoming
)

func (t Tone) String() string {
	if t == ToneIncoming {
		return "incoming"
	}
	return "outgoing"
}

const (
	sampleRate = 48000
	channels   = 1

	freqOutgoing = 440.0
	freqIncoming = 880.0

	// gateSamples is the on/off pulse length: 250 ms at 48 kHz, i.e. the
	// tone toggles at roughly 2 Hz.
	gateSamples = sampleRate / 4

	amplitude = 0.25
)

// Sink plays S16 mono PCM pulled from a fill callback. The production sink
// is a malgo playback device; tests substitute a capture fake.
type Sink interface {
	Start(sampleRate, channels uint32, fill func(out []byte, frames uint32)) error
	Stop() error
}

// Controller plays one ring cue at a time.
type Controller struct {
	sink Sink

	mu      sync.Mutex
	playing bool
	current Tone
}

// New creates a ring tone controller on the given sink.
func New(sink Sink) *Controller {
	return &Controller{sink: sink}
}

// Play starts the cue for t, replacing whatever was playing.
func (c *Controller) Play(t Tone) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.playing {
		if c.current == t {
			return nil
		}
		if err := c.sink.Stop(); err != nil {
			log.Debugf("sink stop before retune: %v", err)
		}
		c.playing = false
	}

	gen := newGenerator(t)
	if err := c.sink.Start(sampleRate, channels, gen.fill); err != nil {
		return err
	}
	c.playing = true
	c.current = t
	log.Debugf("ring tone %s started", t)
	return nil
}

// Stop tears the audio path down. Idempotent; double-stop errors from the
// sink are swallowed.
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.playing {
		return
	}
	if err := c.sink.Stop(); err != nil {
		log.Debugf("sink stop: %v", err)
	}
	c.playing = false
	log.Debugf("ring tone stopped")
}

// Playing reports whether a cue is currently audible.
func (c *Controller) Playing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.playing
}

// generator produces the gated sine. fill is called from the audio thread;
// the generator is used by exactly one device at a time so it needs no lock.
type generator struct {
	freq  float64
	phase float64
	pos   uint64
}

func newGenerator(t Tone) *generator {
	freq := freqOutgoing
	if t == ToneIncoming {
		freq = freqIncoming
	}
	return &generator{freq: freq}
}

// fill writes little-endian S16 mono frames into out.
func (g *generator) fill(out []byte, frames uint32) {
	step := 2 * math.Pi * g.freq / sampleRate
	for i := uint32(0); i < frames; i++ {
		var sample float64
		if (g.pos/gateSamples)%2 == 0 {
			sample = amplitude * math.Sin(g.phase)
		}
		g.phase += step
		if g.phase > 2*math.Pi {
			g.phase -= 2 * math.Pi
		}
		g.pos++
		binary.LittleEndian.PutUint16(out[2*i:], uint16(int16(sample*math.MaxInt16)))
	}
}
