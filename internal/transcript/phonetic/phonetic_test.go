package phonetic_test

import (
	"testing"

	"github.com/MrWong99/murmur/internal/transcript/phonetic"
)

func TestNormalize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in, want string
	}{
		{"Kubernetes", "kubernetes"},
		{"  Open-AI,  GPT ", "openai gpt"},
		{"C3PO!", "c3po"},
		{"...", ""},
	}
	for _, tc := range tests {
		if got := phonetic.Normalize(tc.in); got != tc.want {
			t.Errorf("Normalize(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestPrepare(t *testing.T) {
	t.Parallel()

	term := phonetic.Prepare(" Tower of Whispers ")
	if term.Canonical != "Tower of Whispers" || term.Norm != "tower of whispers" || term.Words != 3 {
		t.Errorf("Prepare = %+v", term)
	}
}

func TestScore(t *testing.T) {
	t.Parallel()

	m := phonetic.New()
	tests := []struct {
		name       string
		heard      string
		term       string
		minSim     float64
		soundsLike bool
	}{
		{"exact", "kubernetes", "Kubernetes", 1, true},
		{"sound-alike", "entropic", "Anthropic", 0.7, true},
		{"split compound", "chat gpt", "ChatGPT", 0.9, true},
		{"unrelated", "banana", "Kubernetes", 0, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			sim, sounds := m.Score(tc.heard, phonetic.Prepare(tc.term))
			if sim < tc.minSim {
				t.Errorf("similarity = %v, want >= %v", sim, tc.minSim)
			}
			if sounds != tc.soundsLike {
				t.Errorf("soundsLike = %v, want %v (similarity %v)", sounds, tc.soundsLike, sim)
			}
		})
	}
}

func TestScore_FloorGatesSoundsLike(t *testing.T) {
	t.Parallel()

	m := phonetic.New(phonetic.WithSoundsLikeFloor(0.99))
	if _, sounds := m.Score("entropic", phonetic.Prepare("Anthropic")); sounds {
		t.Error("floor 0.99 should suppress the phonetic agreement")
	}
}

func TestScore_Empty(t *testing.T) {
	t.Parallel()

	m := phonetic.New()
	if sim, sounds := m.Score("", phonetic.Prepare("x")); sim != 0 || sounds {
		t.Errorf("empty heard: %v %v", sim, sounds)
	}
	if sim, sounds := m.Score("x", phonetic.Prepare("!!")); sim != 0 || sounds {
		t.Errorf("empty term: %v %v", sim, sounds)
	}
}
