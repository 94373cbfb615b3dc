package vad

import (
	"errors"
	"fmt"
)

// ErrSessionClosed is returned by ProcessFrame after Close.
var ErrSessionClosed = errors.New("vad: session closed")

// Hysteresis debounces a Classifier into speech start and end events. Speech
// starts after StartFrames consecutive speech windows and ends after
// EndFrames consecutive silence windows.
type Hysteresis struct {
	cls    Classifier
	cfg    Config
	window int

	carry      []byte
	inSpeech   bool
	speechRun  int
	silenceRun int
	closed     bool
}

var _ SessionHandle = (*Hysteresis)(nil)

// NewHysteresis wraps cls into a session using cfg. The classifier is closed
// together with the session.
func NewHysteresis(cls Classifier, cfg Config) (*Hysteresis, error) {
	if cls == nil {
		return nil, fmt.Errorf("vad: classifier must not be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	w := cfg.WindowBytes()
	if w <= 0 {
		return nil, fmt.Errorf("vad: window of %d ms at %d Hz is empty", cfg.FrameSizeMs, cfg.SampleRate)
	}
	return &Hysteresis{cls: cls, cfg: cfg, window: w, carry: make([]byte, 0, w)}, nil
}

// ProcessFrame implements SessionHandle. When a call crosses a boundary the
// transition is reported; if speech both starts and ends within one call,
// SpeechEnd wins so callers never miss an end of utterance.
func (h *Hysteresis) ProcessFrame(frame []byte) (VADEvent, error) {
	if h.closed {
		return VADEvent{}, ErrSessionClosed
	}

	var (
		prob       float64
		sawStart   bool
		sawEnd     bool
		classified bool
	)

	data := frame
	if len(h.carry) > 0 {
		need := h.window - len(h.carry)
		if len(data) < need {
			h.carry = append(h.carry, data...)
			return h.steady(0), nil
		}
		h.carry = append(h.carry, data[:need]...)
		p, start, end, err := h.step(h.carry)
		h.carry = h.carry[:0]
		if err != nil {
			return VADEvent{}, err
		}
		prob, sawStart, sawEnd, classified = p, start, end, true
		data = data[need:]
	}

	for len(data) >= h.window {
		p, start, end, err := h.step(data[:h.window])
		if err != nil {
			return VADEvent{}, err
		}
		prob, classified = p, true
		sawStart = sawStart || start
		sawEnd = sawEnd || end
		data = data[h.window:]
	}
	h.carry = append(h.carry, data...)

	switch {
	case sawEnd:
		return VADEvent{Type: VADSpeechEnd, Probability: prob}, nil
	case sawStart:
		return VADEvent{Type: VADSpeechStart, Probability: prob}, nil
	case !classified:
		return h.steady(0), nil
	default:
		return h.steady(prob), nil
	}
}

func (h *Hysteresis) steady(prob float64) VADEvent {
	if h.inSpeech {
		return VADEvent{Type: VADSpeechContinue, Probability: prob}
	}
	return VADEvent{Type: VADSilence, Probability: prob}
}

func (h *Hysteresis) step(window []byte) (prob float64, started, ended bool, err error) {
	prob, err = h.cls.Classify(window)
	if err != nil {
		return 0, false, false, fmt.Errorf("vad: classify: %w", err)
	}
	speech := prob >= h.cfg.SpeechThreshold

	if !h.inSpeech {
		if !speech {
			h.speechRun = 0
			return prob, false, false, nil
		}
		h.speechRun++
		if h.speechRun >= h.cfg.StartFrames {
			h.inSpeech = true
			h.silenceRun = 0
			return prob, true, false, nil
		}
		return prob, false, false, nil
	}

	if speech {
		h.silenceRun = 0
		return prob, false, false, nil
	}
	h.silenceRun++
	if h.silenceRun >= h.cfg.EndFrames {
		h.inSpeech = false
		h.speechRun = 0
		h.silenceRun = 0
		return prob, false, true, nil
	}
	return prob, false, false, nil
}

// InSpeech reports whether the session currently considers speech active.
func (h *Hysteresis) InSpeech() bool { return h.inSpeech }

// Reset implements SessionHandle.
func (h *Hysteresis) Reset() {
	h.carry = h.carry[:0]
	h.inSpeech = false
	h.speechRun = 0
	h.silenceRun = 0
}

// Close implements SessionHandle.
func (h *Hysteresis) Close() error {
	if h.closed {
		return nil
	}
	h.closed = true
	return h.cls.Close()
}
