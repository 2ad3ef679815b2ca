package ringtone

import (
	"encoding/binary"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSink captures the fill callback instead of opening a device.
type fakeSink struct {
	mu     sync.Mutex
	starts int
	stops  int
	fill   func(out []byte, frames uint32)
}

func (f *fakeSink) Start(_, _ uint32, fill func(out []byte, frames uint32)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	f.fill = fill
	return nil
}

func (f *fakeSink) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	return nil
}

func TestPlayStopLifecycle(t *testing.T) {
	sink := &fakeSink{}
	c := New(sink)

	require.NoError(t, c.Play(ToneOutgoing))
	assert.True(t, c.Playing())
	assert.Equal(t, 1, sink.starts)

	// Same tone again is a no-op.
	require.NoError(t, c.Play(ToneOutgoing))
	assert.Equal(t, 1, sink.starts)

	// A different tone retunes: stop then start.
	require.NoError(t, c.Play(ToneIncoming))
	assert.Equal(t, 2, sink.starts)
	assert.Equal(t, 1, sink.stops)

	c.Stop()
	assert.False(t, c.Playing())
	assert.Equal(t, 2, sink.stops)

	// Double stop is silent.
	c.Stop()
	assert.Equal(t, 2, sink.stops)
}

func TestGeneratorGating(t *testing.T) {
	g := newGenerator(ToneOutgoing)

	// One full gate period on, one off.
	frames := uint32(2 * gateSamples)
	out := make([]byte, 2*frames)
	g.fill(out, frames)

	sampleAt := func(i int) int16 {
		return int16(binary.LittleEndian.Uint16(out[2*i:]))
	}

	var onEnergy, offEnergy int64
	for i := 0; i < gateSamples; i++ {
		v := int64(sampleAt(i))
		onEnergy += v * v
	}
	for i := gateSamples; i < 2*gateSamples; i++ {
		v := int64(sampleAt(i))
		offEnergy += v * v
	}
	assert.Positive(t, onEnergy, "first gate period must carry the tone")
	assert.Zero(t, offEnergy, "second gate period must be silent")
}

func TestGeneratorFrequencies(t *testing.T) {
	countZeroCrossings := func(tone Tone) int {
		g := newGenerator(tone)
		frames := uint32(sampleRate / 8) // inside the first on-period
		out := make([]byte, 2*frames)
		g.fill(out, frames)
		crossings := 0
		prev := int16(binary.LittleEndian.Uint16(out[0:]))
		for i := 1; i < int(frames); i++ {
			cur := int16(binary.LittleEndian.Uint16(out[2*i:]))
			if (prev < 0 && cur >= 0) || (prev >= 0 && cur < 0) {
				crossings++
			}
			prev = cur
		}
		return crossings
	}

	// A sine at f Hz crosses zero 2f times per second.
	out := countZeroCrossings(ToneOutgoing)
	in := countZeroCrossings(ToneIncoming)
	assert.InDelta(t, 2*freqOutgoing/8, float64(out), 2)
	assert.InDelta(t, 2*freqIncoming/8, float64(in), 2)
}
