package webrtc_test

import (
	"testing"

	"github.com/MrWong99/murmur/pkg/provider/vad"
	"github.com/MrWong99/murmur/pkg/provider/vad/webrtc"
)

func TestNewSession_RejectsUnsupportedFormats(t *testing.T) {
	t.Parallel()

	base := vad.Config{SampleRate: 16000, FrameSizeMs: 30, SpeechThreshold: 0.5, StartFrames: 3, EndFrames: 20}
	tests := []struct {
		name   string
		mutate func(*vad.Config)
	}{
		{"44.1 kHz", func(c *vad.Config) { c.SampleRate = 44100 }},
		{"25 ms window", func(c *vad.Config) { c.FrameSizeMs = 25 }},
		{"end not after start", func(c *vad.Config) { c.EndFrames = 3 }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c := base
			tc.mutate(&c)
			if _, err := webrtc.New().NewSession(c); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestSession_SilenceNeverStarts(t *testing.T) {
	t.Parallel()

	for _, rate := range webrtc.SupportedRates {
		sess, err := webrtc.New(webrtc.WithMode(3)).NewSession(vad.Config{
			SampleRate:      rate,
			FrameSizeMs:     20,
			SpeechThreshold: 0.5,
			StartFrames:     3,
			EndFrames:       20,
		})
		if err != nil {
			t.Fatalf("NewSession(%d): %v", rate, err)
		}
		frame := make([]byte, rate/1000*20*2)
		for i := range 100 {
			ev, err := sess.ProcessFrame(frame)
			if err != nil {
				t.Fatalf("rate %d frame %d: %v", rate, i, err)
			}
			if ev.Type == vad.VADSpeechStart {
				t.Fatalf("rate %d frame %d: speech start on digital silence", rate, i)
			}
		}
		_ = sess.Close()
	}
}
