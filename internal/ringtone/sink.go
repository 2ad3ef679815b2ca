package ringtone

import (
	"fmt"
	"sync"

	"github.com/gen2brain/malgo"
)

// DeviceSink plays PCM on the default output device via malgo (miniaudio).
// The audio context and device are created on Start and fully torn down on
// Stop so no audio graph outlives a call state.
type DeviceSink struct {
	mu  sync.Mutex
	ctx *malgo.AllocatedContext
	dev *malgo.Device
}

// NewDeviceSink returns an idle device sink.
func NewDeviceSink() *DeviceSink {
	return &DeviceSink{}
}

// Start opens the playback device and begins pulling samples from fill.
func (s *DeviceSink) Start(rate, ch uint32, fill func(out []byte, frames uint32)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dev != nil {
		return fmt.Errorf("ringtone sink already started")
	}

	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(message string) {
		log.Debugf("malgo: %s", message)
	})
	if err != nil {
		return fmt.Errorf("init audio context: %w", err)
	}

	cfg := malgo.DefaultDeviceConfig(malgo.Playback)
	cfg.Playback.Format = malgo.FormatS16
	cfg.Playback.Channels = ch
	cfg.SampleRate = rate
	cfg.Alsa.NoMMap = 1

	dev, err := malgo.InitDevice(ctx.Context, cfg, malgo.DeviceCallbacks{
		Data: func(out, _ []byte, frames uint32) {
			fill(out, frames)
		},
	})
	if err != nil {
		_ = ctx.Uninit()
		ctx.Free()
		return fmt.Errorf("init playback device: %w", err)
	}
	if err := dev.Start(); err != nil {
		dev.Uninit()
		_ = ctx.Uninit()
		ctx.Free()
		return fmt.Errorf("start playback device: %w", err)
	}

	s.ctx = ctx
	s.dev = dev
	return nil
}

// Stop halts playback and releases the device and context. Safe to call
// repeatedly; stopping an already-stopped sink is a no-op.
func (s *DeviceSink) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dev == nil {
		return nil
	}
	s.dev.Uninit()
	s.dev = nil
	_ = s.ctx.Uninit()
	s.ctx.Free()
	s.ctx = nil
	return nil
}
