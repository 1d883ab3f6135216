// Package audio binds the local sound card through miniaudio: a playback
// device that acts as the audio context and a capture device feeding the
// microphone track.
package audio

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gen2brain/malgo"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/voicelink/internal/core"
)

var (
	_ core.AudioContext = (*Device)(nil)
	_ core.AudioSource  = (*Device)(nil)
)

const (
	DefaultSampleRate = 48000
	channels          = 1
)

var errNotInitialized = errors.New("audio: device not initialized")

// Device owns one malgo context with a playback and a capture device.
// Playback starts suspended until Resume.
type Device struct {
	sampleRate int
	ctx        *malgo.AllocatedContext

	mu       sync.Mutex
	playback *malgo.Device
	capture  *malgo.Device
	onAudio  atomic.Pointer[func([]byte)]

	logger zerolog.Logger
}

func Open(sampleRate int) (*Device, error) {
	if sampleRate <= 0 {
		sampleRate = DefaultSampleRate
	}
	d := &Device{
		sampleRate: sampleRate,
		logger:     log.With().Str("module", "adapters.audio").Logger(),
	}

	var err error
	d.ctx, err = malgo.InitContext(nil, malgo.ContextConfig{}, func(message string) {
		d.logger.Debug().Str("malgo", message).Msg("backend")
	})
	if err != nil {
		return nil, fmt.Errorf("init audio context: %w", err)
	}

	if err := d.initPlayback(); err != nil {
		d.Close()
		return nil, err
	}
	if err := d.initCapture(); err != nil {
		d.Close()
		return nil, err
	}
	return d, nil
}

func (d *Device) initPlayback() error {
	cfg := malgo.DefaultDeviceConfig(malgo.Playback)
	cfg.SampleRate = uint32(d.sampleRate)
	cfg.Playback.Format = malgo.FormatS16
	cfg.Playback.Channels = channels
	cfg.Alsa.NoMMap = 1
	cfg.PeriodSizeInFrames = uint32(d.sampleRate / 10)
	cfg.Periods = 4

	dev, err := malgo.InitDevice(d.ctx.Context, cfg, malgo.DeviceCallbacks{
		Data: func(out, _ []byte, _ uint32) { clear(out) },
	})
	if err != nil {
		return fmt.Errorf("init playback device: %w", err)
	}
	d.playback = dev
	return nil
}

func (d *Device) initCapture() error {
	format := malgo.FormatS16
	bytesPerFrame := malgo.SampleSizeInBytes(format) * channels

	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.SampleRate = uint32(d.sampleRate)
	cfg.Capture.Format = format
	cfg.Capture.Channels = channels
	cfg.Alsa.NoMMap = 1
	cfg.PerformanceProfile = malgo.LowLatency
	cfg.PeriodSizeInFrames = uint32(d.sampleRate / 100)
	cfg.Periods = 3

	dev, err := malgo.InitDevice(d.ctx.Context, cfg, malgo.DeviceCallbacks{
		Data: func(_, in []byte, frames uint32) {
			n := int(frames) * bytesPerFrame
			if n == 0 || len(in) < n {
				return
			}
			if fn := d.onAudio.Load(); fn != nil {
				(*fn)(in[:n])
			}
		},
	})
	if err != nil {
		return fmt.Errorf("init capture device: %w", err)
	}
	d.capture = dev
	return nil
}

// Resume starts the playback device.
func (d *Device) Resume(_ context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.playback == nil {
		return errNotInitialized
	}
	if d.playback.IsStarted() {
		return nil
	}
	if err := d.playback.Start(); err != nil {
		return fmt.Errorf("start playback device: %w", err)
	}
	d.logger.Debug().Msg("playback resumed")
	return nil
}

func (d *Device) Suspended() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.playback == nil || !d.playback.IsStarted()
}

// StartCapture delivers 16-bit mono PCM frames to onAudio until
// StopCapture.
func (d *Device) StartCapture(onAudio func([]byte)) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.capture == nil {
		return errNotInitialized
	}
	d.onAudio.Store(&onAudio)
	if d.capture.IsStarted() {
		return nil
	}
	if err := d.capture.Start(); err != nil {
		d.onAudio.Store(nil)
		return fmt.Errorf("start capture device: %w", err)
	}
	d.logger.Info().Int("sample_rate", d.sampleRate).Msg("capture started")
	return nil
}

func (d *Device) StopCapture() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onAudio.Store(nil)
	if d.capture == nil || !d.capture.IsStarted() {
		return nil
	}
	if err := d.capture.Stop(); err != nil {
		return fmt.Errorf("stop capture device: %w", err)
	}
	d.logger.Info().Msg("capture stopped")
	return nil
}

func (d *Device) SampleRate() int { return d.sampleRate }

func (d *Device) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.capture != nil {
		d.capture.Uninit()
		d.capture = nil
	}
	if d.playback != nil {
		d.playback.Uninit()
		d.playback = nil
	}
	if d.ctx != nil {
		_ = d.ctx.Uninit()
		d.ctx.Free()
		d.ctx = nil
	}
}
