// Package mock provides test doubles for the stt package interfaces.
//
// Use Loader to control which Model a path resolves to and to count loads.
// Use Model to return scripted transcripts and inspect the samples and
// options each call received.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/murmur/pkg/provider/stt"
)

// TranscribeCall records a single invocation of Model.Transcribe.
type TranscribeCall struct {
	Samples []float32
	Opts    stt.Options
}

// Model is a mock implementation of stt.Model.
type Model struct {
	mu sync.Mutex

	// Result is returned by Transcribe when TranscribeErr is nil.
	Result stt.Transcript

	// TranscribeErr, if non-nil, is returned from Transcribe.
	TranscribeErr error

	// Block makes Transcribe wait until ctx is cancelled and return ctx.Err().
	Block bool

	// Started, if non-nil, receives a value each time Transcribe begins.
	Started chan struct{}

	// Caps is returned by Capabilities.
	Caps stt.Capabilities

	// CloseErr, if non-nil, is returned from Close.
	CloseErr error

	TranscribeCalls []TranscribeCall
	CloseCount      int
}

var _ stt.Model = (*Model)(nil)

// Transcribe implements stt.Model.
func (m *Model) Transcribe(ctx context.Context, samples []float32, opts stt.Options) (stt.Transcript, error) {
	m.mu.Lock()
	m.TranscribeCalls = append(m.TranscribeCalls, TranscribeCall{
		Samples: append([]float32(nil), samples...),
		Opts:    opts,
	})
	block, started := m.Block, m.Started
	res, err := m.Result, m.TranscribeErr
	m.mu.Unlock()

	if started != nil {
		select {
		case started <- struct{}{}:
		default:
		}
	}
	if block {
		<-ctx.Done()
		return stt.Transcript{}, ctx.Err()
	}
	if err := ctx.Err(); err != nil {
		return stt.Transcript{}, err
	}
	if err != nil {
		return stt.Transcript{}, err
	}
	return res, nil
}

// Capabilities implements stt.Model.
func (m *Model) Capabilities() stt.Capabilities {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Caps
}

// Close implements stt.Model.
func (m *Model) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CloseCount++
	return m.CloseErr
}

// Calls returns a snapshot of the recorded Transcribe calls.
func (m *Model) Calls() []TranscribeCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]TranscribeCall(nil), m.TranscribeCalls...)
}

// Closed reports how many times Close was called.
func (m *Model) Closed() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.CloseCount
}

// Reset clears all recorded calls.
func (m *Model) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.TranscribeCalls = nil
	m.CloseCount = 0
}

// Loader is a mock implementation of stt.Loader.
type Loader struct {
	mu sync.Mutex

	// Model is returned by Load when Models has no entry for the path. If both
	// are empty, Load returns a fresh *Model.
	Model stt.Model

	// Models maps paths to the model returned for them.
	Models map[string]stt.Model

	// LoadErr, if non-nil, is returned from Load.
	LoadErr error

	// Gate, if non-nil, makes Load wait for a receive (or ctx cancellation)
	// before returning.
	Gate chan struct{}

	LoadCalls []string
}

var _ stt.Loader = (*Loader)(nil)

// Load implements stt.Loader.
func (l *Loader) Load(ctx context.Context, path string) (stt.Model, error) {
	l.mu.Lock()
	l.LoadCalls = append(l.LoadCalls, path)
	gate := l.Gate
	l.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.LoadErr != nil {
		return nil, l.LoadErr
	}
	if m, ok := l.Models[path]; ok {
		return m, nil
	}
	if l.Model != nil {
		return l.Model, nil
	}
	return &Model{}, nil
}

// Loads returns a snapshot of the paths passed to Load.
func (l *Loader) Loads() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.LoadCalls...)
}

// Reset clears all recorded calls.
func (l *Loader) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.LoadCalls = nil
}
