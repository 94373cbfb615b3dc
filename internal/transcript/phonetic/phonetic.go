// Package phonetic scores how closely a heard word or phrase resembles a
// vocabulary term. It combines Jaro-Winkler similarity over normalised text
// with Double Metaphone codes, so that "entropic" can be recognised as
// "Anthropic" even when the spelling drifts.
package phonetic

import (
	"strings"
	"unicode"

	"github.com/antzucaro/matchr"
)

const defaultSoundsLikeFloor = 0.70

// Option is a functional option for configuring a [Matcher].
type Option func(*Matcher)

// WithSoundsLikeFloor sets the minimum Jaro-Winkler similarity a candidate
// needs before a Double Metaphone agreement counts as "sounds like".
// Default: 0.70.
func WithSoundsLikeFloor(f float64) Option {
	return func(m *Matcher) {
		m.floor = f
	}
}

// Matcher scores candidates against prepared [Term] values. It is read-only
// after construction and safe for concurrent use.
type Matcher struct {
	floor float64
}

// New returns a [Matcher] configured with the supplied options.
func New(opts ...Option) *Matcher {
	m := &Matcher{floor: defaultSoundsLikeFloor}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Term is a vocabulary entry with its comparison forms computed once.
type Term struct {
	// Canonical is the spelling the user configured.
	Canonical string

	// Norm is the normalised form used for comparison.
	Norm string

	// Words is the number of whitespace-separated words in Norm.
	Words int

	codes map[string]struct{}
}

// Prepare computes the comparison forms for canonical.
func Prepare(canonical string) Term {
	norm := Normalize(canonical)
	return Term{
		Canonical: strings.TrimSpace(canonical),
		Norm:      norm,
		Words:     len(strings.Fields(norm)),
		codes:     codes(norm),
	}
}

// Normalize lower-cases s, drops everything that is not a letter, digit or
// space, and collapses runs of whitespace.
func Normalize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range strings.ToLower(s) {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r):
			b.WriteRune(r)
		case unicode.IsSpace(r):
			b.WriteByte(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// Score compares the normalised heard text with term. similarity is the
// Jaro-Winkler score of the two strings. soundsLike reports that their
// Double Metaphone codes agree and the similarity is at least the matcher's
// floor.
func (m *Matcher) Score(heard string, term Term) (similarity float64, soundsLike bool) {
	if heard == "" || term.Norm == "" {
		return 0, false
	}
	if heard == term.Norm {
		return 1, true
	}
	similarity = matchr.JaroWinkler(heard, term.Norm, false)

	// Spoken compounds are often split or joined differently from the
	// canonical form.
	if strings.Contains(heard, " ") || strings.Contains(term.Norm, " ") {
		joined := strings.ReplaceAll(heard, " ", "")
		if s := matchr.JaroWinkler(joined, strings.ReplaceAll(term.Norm, " ", ""), false); s > similarity {
			similarity = s
		}
	}

	if similarity < m.floor {
		return similarity, false
	}
	return similarity, overlap(codes(heard), term.codes)
}

// codes returns the primary and secondary Double Metaphone codes of s with
// spaces removed. Empty codes are omitted.
func codes(s string) map[string]struct{} {
	out := make(map[string]struct{}, 2)
	joined := strings.ReplaceAll(s, " ", "")
	if joined == "" {
		return out
	}
	p, sec := matchr.DoubleMetaphone(joined)
	if p != "" {
		out[p] = struct{}{}
	}
	if sec != "" {
		out[sec] = struct{}{}
	}
	return out
}

func overlap(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for code := range a {
		if _, ok := b[code]; ok {
			return true
		}
	}
	return false
}
