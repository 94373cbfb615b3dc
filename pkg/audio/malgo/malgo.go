// Package malgo implements audio.Capture on top of miniaudio via
// github.com/gen2brain/malgo. It works with the native backend of each
// platform (WASAPI, CoreAudio, PulseAudio/ALSA).
package malgo

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gen2brain/malgo"

	"github.com/MrWong99/murmur/pkg/audio"
)

// Capture implements audio.Capture. A single miniaudio context is shared by
// device enumeration and all streams opened through it.
type Capture struct {
	mu     sync.Mutex
	mctx   *malgo.AllocatedContext
	closed bool
}

var _ audio.Capture = (*Capture)(nil)

// New initialises the miniaudio context.
func New() (*Capture, error) {
	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(msg string) {
		slog.Debug("malgo", "msg", msg)
	})
	if err != nil {
		return nil, fmt.Errorf("malgo: init context: %w", err)
	}
	return &Capture{mctx: mctx}, nil
}

// InputDevices implements audio.Capture.
func (c *Capture) InputDevices(_ context.Context) ([]audio.Device, error) {
	return c.devices(malgo.Capture)
}

// OutputDevices implements audio.Capture.
func (c *Capture) OutputDevices(_ context.Context) ([]audio.Device, error) {
	return c.devices(malgo.Playback)
}

func (c *Capture) devices(kind malgo.DeviceType) ([]audio.Device, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, fmt.Errorf("malgo: capture closed")
	}
	infos, err := c.mctx.Devices(kind)
	if err != nil {
		return nil, fmt.Errorf("malgo: enumerate devices: %w", err)
	}
	out := make([]audio.Device, 0, len(infos))
	for _, info := range infos {
		out = append(out, audio.Device{
			ID:        deviceID(info),
			Name:      info.Name(),
			IsDefault: info.IsDefault > 0,
		})
	}
	return out, nil
}

// Open implements audio.Capture. When cfg.DeviceID names a device that no
// longer exists, the default input is used instead.
func (c *Capture) Open(_ context.Context, cfg audio.StreamConfig, sink func(audio.Frame)) (audio.Stream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, fmt.Errorf("malgo: capture closed: %w", audio.ErrDeviceUnavailable)
	}

	channels := cfg.Channels
	if channels <= 0 {
		channels = 1
	}

	devCfg := malgo.DefaultDeviceConfig(malgo.Capture)
	devCfg.Capture.Format = malgo.FormatS16
	devCfg.Capture.Channels = uint32(channels)
	if cfg.SampleRate > 0 {
		devCfg.SampleRate = uint32(cfg.SampleRate)
	}
	if cfg.PeriodMs > 0 {
		devCfg.PeriodSizeInMilliseconds = uint32(cfg.PeriodMs)
	}

	if cfg.DeviceID != "" {
		info, ok, err := c.findLocked(cfg.DeviceID)
		switch {
		case err != nil:
			return nil, fmt.Errorf("malgo: enumerate devices: %w: %w", audio.ErrDeviceUnavailable, err)
		case ok:
			devCfg.Capture.DeviceID = info.ID.Pointer()
		default:
			slog.Warn("malgo: configured input device not found, using default", "device", cfg.DeviceID)
		}
	}

	s := &stream{started: time.Now()}
	callbacks := malgo.DeviceCallbacks{
		Data: func(_, input []byte, _ uint32) {
			if len(input) == 0 {
				return
			}
			data := make([]byte, len(input))
			copy(data, input)
			sink(audio.Frame{
				Data:       data,
				SampleRate: s.format.SampleRate,
				Channels:   s.format.Channels,
				Timestamp:  time.Since(s.started),
			})
		},
	}

	dev, err := malgo.InitDevice(c.mctx.Context, devCfg, callbacks)
	if err != nil {
		return nil, fmt.Errorf("malgo: init device: %w: %w", audio.ErrDeviceUnavailable, err)
	}
	s.device = dev
	s.format = audio.Format{
		SampleRate: int(dev.SampleRate()),
		Channels:   int(dev.CaptureChannels()),
	}
	if err := dev.Start(); err != nil {
		dev.Uninit()
		return nil, fmt.Errorf("malgo: start device: %w: %w", audio.ErrDeviceUnavailable, err)
	}

	slog.Info("malgo: capture started", "format", s.format, "device", cfg.DeviceID)
	return s, nil
}

func (c *Capture) findLocked(id string) (malgo.DeviceInfo, bool, error) {
	infos, err := c.mctx.Devices(malgo.Capture)
	if err != nil {
		return malgo.DeviceInfo{}, false, err
	}
	for _, info := range infos {
		if deviceID(info) == id || info.Name() == id {
			return info, true, nil
		}
	}
	return malgo.DeviceInfo{}, false, nil
}

// Close releases the miniaudio context. Streams must be closed first.
func (c *Capture) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if err := c.mctx.Uninit(); err != nil {
		c.mctx.Free()
		return fmt.Errorf("malgo: uninit context: %w", err)
	}
	c.mctx.Free()
	return nil
}

// deviceID renders the opaque backend identifier as a stable string.
func deviceID(info malgo.DeviceInfo) string {
	return hex.EncodeToString(info.ID[:])
}

type stream struct {
	device    *malgo.Device
	format    audio.Format
	started   time.Time
	closeOnce sync.Once
}

func (s *stream) Format() audio.Format { return s.format }

func (s *stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if stopErr := s.device.Stop(); stopErr != nil {
			err = fmt.Errorf("malgo: stop device: %w", stopErr)
		}
		s.device.Uninit()
	})
	return err
}
