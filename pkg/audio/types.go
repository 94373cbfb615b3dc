// Package audio holds the capture-side audio types and PCM helpers shared by
// the recording pipeline: frames, devices, the capture interface, a bounded
// frame queue, streaming and whole-buffer resampling, and WAV I/O.
//
// All PCM in this package is little-endian signed 16-bit, interleaved when
// multi-channel.
package audio

import (
	"context"
	"errors"
	"time"
)

// ErrDeviceUnavailable is returned when no usable input device can be opened.
var ErrDeviceUnavailable = errors.New("audio: device unavailable")

// Frame is a single chunk of captured audio. Frames are ephemeral: the
// capture layer owns one until it is pushed into a [FrameQueue].
type Frame struct {
	// Data is little-endian int16 PCM, interleaved when Channels > 1.
	Data []byte

	// SampleRate in Hz (e.g. 48000 for most microphones, 16000 for whisper).
	SampleRate int

	// Channels is the number of interleaved channels in Data.
	Channels int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Format returns the frame's sample format.
func (f Frame) Format() Format {
	return Format{SampleRate: f.SampleRate, Channels: f.Channels}
}

// Duration returns the playback length of the frame.
func (f Frame) Duration() time.Duration {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return 0
	}
	samples := len(f.Data) / 2 / f.Channels
	return time.Duration(samples) * time.Second / time.Duration(f.SampleRate)
}

// Device describes an audio endpoint as reported by the OS.
type Device struct {
	// ID is the backend-specific identifier used to open the device.
	ID string `json:"id"`

	// Name is the human-readable device name.
	Name string `json:"name"`

	// IsDefault reports whether the OS marks this as the default device.
	IsDefault bool `json:"isDefault"`
}

// StreamConfig describes how a capture stream should be opened.
type StreamConfig struct {
	// DeviceID selects the input device. Empty means the OS default.
	DeviceID string

	// SampleRate requested from the device. Zero lets the backend choose the
	// device's native rate.
	SampleRate int

	// Channels requested from the device. Zero means mono.
	Channels int

	// PeriodMs is the capture callback period in milliseconds.
	PeriodMs int
}

// Stream is an open capture stream. Frames are delivered to the sink passed to
// [Capture.Open] until Close is called.
type Stream interface {
	// Format reports the negotiated sample format of delivered frames.
	Format() Format

	// Close stops the device and releases it. Safe to call more than once.
	Close() error
}

// Capture enumerates devices and opens input streams.
//
// The sink passed to Open is called from the backend's audio thread and must
// not block; [FrameQueue.Push] is the intended sink.
//
// Implementations must be safe for concurrent use.
type Capture interface {
	InputDevices(ctx context.Context) ([]Device, error)
	OutputDevices(ctx context.Context) ([]Device, error)
	Open(ctx context.Context, cfg StreamConfig, sink func(Frame)) (Stream, error)
}
