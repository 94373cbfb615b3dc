// Package mock provides an in-memory implementation of [audio.Capture] for
// unit tests.
//
// The mock is safe for concurrent use. It records every method call so that
// tests can assert on call counts and arguments, and it exposes exported
// fields that the test can set to control return values. Frames are injected
// with [Capture.Emit], which calls the sink of every open stream exactly as a
// real audio thread would.
//
// Typical usage:
//
//	capt := &mock.Capture{Format: audio.Format{SampleRate: 48000, Channels: 1}}
//	stream, _ := capt.Open(ctx, audio.StreamConfig{}, queue.Push)
//	capt.Emit(audio.Frame{Data: pcm, SampleRate: 48000, Channels: 1})
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/murmur/pkg/audio"
)

// OpenCall records a single invocation of [Capture.Open].
type OpenCall struct {
	Config audio.StreamConfig
}

// Capture is a mock implementation of [audio.Capture].
type Capture struct {
	mu sync.Mutex

	// Inputs is returned by InputDevices.
	Inputs []audio.Device

	// Outputs is returned by OutputDevices.
	Outputs []audio.Device

	// DevicesErr, if non-nil, is returned by InputDevices and OutputDevices.
	DevicesErr error

	// OpenErr, if non-nil, is returned by Open instead of a stream.
	OpenErr error

	// Format is reported by streams returned from Open. Defaults to 16 kHz mono.
	Format audio.Format

	// OpenCalls records every Open invocation in order.
	OpenCalls []OpenCall

	streams []*Stream
}

var _ audio.Capture = (*Capture)(nil)

// InputDevices implements audio.Capture.
func (c *Capture) InputDevices(_ context.Context) ([]audio.Device, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Inputs, c.DevicesErr
}

// OutputDevices implements audio.Capture.
func (c *Capture) OutputDevices(_ context.Context) ([]audio.Device, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Outputs, c.DevicesErr
}

// Open implements audio.Capture.
func (c *Capture) Open(_ context.Context, cfg audio.StreamConfig, sink func(audio.Frame)) (audio.Stream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.OpenCalls = append(c.OpenCalls, OpenCall{Config: cfg})
	if c.OpenErr != nil {
		return nil, c.OpenErr
	}
	format := c.Format
	if format.SampleRate == 0 {
		format = audio.Format{SampleRate: 16000, Channels: 1}
	}
	s := &Stream{format: format, sink: sink}
	c.streams = append(c.streams, s)
	return s, nil
}

// Emit delivers f to every stream that is still open.
func (c *Capture) Emit(f audio.Frame) {
	c.mu.Lock()
	streams := make([]*Stream, len(c.streams))
	copy(streams, c.streams)
	c.mu.Unlock()
	for _, s := range streams {
		s.emit(f)
	}
}

// OpenCount returns the number of Open calls.
func (c *Capture) OpenCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.OpenCalls)
}

// OpenStreams returns the number of streams not yet closed.
func (c *Capture) OpenStreams() int {
	c.mu.Lock()
	streams := make([]*Stream, len(c.streams))
	copy(streams, c.streams)
	c.mu.Unlock()
	n := 0
	for _, s := range streams {
		if !s.Closed() {
			n++
		}
	}
	return n
}

// Stream is the mock stream returned by [Capture.Open].
type Stream struct {
	mu     sync.Mutex
	format audio.Format
	sink   func(audio.Frame)
	closed bool

	// CloseCount records how many times Close was called.
	CloseCount int
}

// Format implements audio.Stream.
func (s *Stream) Format() audio.Format { return s.format }

// Close implements audio.Stream.
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCount++
	s.closed = true
	return nil
}

// Closed reports whether Close has been called.
func (s *Stream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Stream) emit(f audio.Frame) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if !closed && s.sink != nil {
		s.sink(f)
	}
}
