// Package transcript corrects speech-to-text output towards a user-supplied
// vocabulary of custom words.
//
// Whisper models frequently mishear proper nouns, product names and jargon.
// [CustomWords] scans a transcript with n-gram windows sized to each custom
// word and rewrites windows that are close enough to a configured spelling,
// scoring candidates with [phonetic.Matcher].
//
// CustomWords is immutable after construction and safe for concurrent use.
package transcript

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/MrWong99/murmur/internal/transcript/phonetic"
)

// Method names the rule that produced a [Correction].
type Method string

const (
	// MethodExact is a case-insensitive exact match rewritten to the
	// canonical spelling.
	MethodExact Method = "exact"

	// MethodFuzzy is a match on Jaro-Winkler similarity alone.
	MethodFuzzy Method = "fuzzy"

	// MethodPhonetic is a match that needed the Double Metaphone boost.
	MethodPhonetic Method = "phonetic"
)

// Correction captures a single substitution.
type Correction struct {
	// Original is the text as produced by the model, punctuation included.
	Original string

	// Corrected is the replacement written to the output.
	Corrected string

	// Similarity is the score that admitted the match (0.0–1.0).
	Similarity float64

	Method Method
}

// CustomWords rewrites transcripts towards a fixed vocabulary.
//
// The threshold t controls how far a heard phrase may drift from a custom
// word:
//
//   - t <= 0 disables correction.
//   - t >= 1 rewrites only case-insensitive exact matches.
//   - otherwise a window is replaced when its similarity is at least 1-t.
//     When the Double Metaphone codes agree, the similarity is raised to at
//     least 1-t/2. Windows much shorter or longer than the term are skipped.
//
// For 0 < t < 1, raising t never lowers the number of corrections. The
// step to t >= 1 is the exception: fuzzy and phonetic matches stop and only
// exact matches remain.
type CustomWords struct {
	matcher   *phonetic.Matcher
	terms     []phonetic.Term
	maxWords  int
	threshold float64
}

// NewCustomWords prepares words for matching at the given threshold. Blank
// entries and duplicates are ignored.
func NewCustomWords(words []string, threshold float64, opts ...phonetic.Option) *CustomWords {
	c := &CustomWords{
		matcher:   phonetic.New(opts...),
		threshold: threshold,
	}
	seen := make(map[string]struct{}, len(words))
	for _, w := range words {
		term := phonetic.Prepare(w)
		if term.Words == 0 {
			continue
		}
		if _, dup := seen[term.Canonical]; dup {
			continue
		}
		seen[term.Canonical] = struct{}{}
		c.terms = append(c.terms, term)
		c.maxWords = max(c.maxWords, term.Words)
	}
	return c
}

// Empty reports whether no usable custom word is configured.
func (c *CustomWords) Empty() bool { return c == nil || len(c.terms) == 0 }

// Threshold returns the configured threshold.
func (c *CustomWords) Threshold() float64 { return c.threshold }

// Apply returns text with custom-word corrections applied, and the list of
// substitutions made. Whitespace between words is normalised to single
// spaces when any correction is applied; otherwise text is returned as is.
func (c *CustomWords) Apply(text string) (string, []Correction) {
	if c.Empty() || c.threshold <= 0 {
		return text, nil
	}
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return text, nil
	}
	toks := make([]token, len(fields))
	for i, f := range fields {
		toks[i] = splitToken(f)
	}

	plan := c.plan(toks)
	var (
		out         = make([]string, 0, len(toks))
		corrections []Correction
	)
	for i := 0; i < len(toks); {
		cd := plan[i]
		if cd == nil {
			out = append(out, toks[i].raw)
			i++
			continue
		}
		out = append(out, cd.replaced)
		if cd.changes() {
			corrections = append(corrections, Correction{
				Original:   cd.original,
				Corrected:  cd.replaced,
				Similarity: cd.sim,
				Method:     cd.method,
			})
		}
		i += cd.size
	}
	if len(corrections) == 0 {
		return text, nil
	}
	return strings.Join(out, " "), corrections
}

// candidate is a window of tokens that one term accepts.
type candidate struct {
	size     int
	sim      float64
	method   Method
	original string
	replaced string
}

func (cd *candidate) changes() bool { return cd.replaced != cd.original }

// score ranks selections of non-overlapping candidates: more corrections
// first, then more exact matches, then higher total similarity, then more
// (and so smaller) windows.
type score struct {
	corrections int
	exact       int
	windows     int
	sim         float64
}

func (a score) beats(b score) bool {
	switch {
	case a.corrections != b.corrections:
		return a.corrections > b.corrections
	case a.exact != b.exact:
		return a.exact > b.exact
	case a.sim != b.sim:
		return a.sim > b.sim
	}
	return a.windows > b.windows
}

func (a score) with(cd *candidate) score {
	if cd.changes() {
		a.corrections++
	}
	if cd.method == MethodExact {
		a.exact++
	}
	a.windows++
	a.sim += cd.sim
	return a
}

// plan picks the best set of non-overlapping candidates for toks. plan[i] is
// the candidate starting at token i, or nil when toks[i] is kept as is or
// covered by an earlier candidate.
//
// Candidates only accumulate as the threshold rises below 1, so maximising
// the correction count keeps that count monotonic in the threshold. A fuzzy
// window never covers a token that is part of an exact match.
func (c *CustomWords) plan(toks []token) []*candidate {
	cands := c.candidates(toks)

	best := make([]score, len(toks)+1)
	choice := make([]*candidate, len(toks)+1)
	for i := len(toks) - 1; i >= 0; i-- {
		best[i] = best[i+1]
		for _, cd := range cands[i] {
			if s := best[i+cd.size].with(cd); s.beats(best[i]) {
				best[i], choice[i] = s, cd
			}
		}
	}

	plan := make([]*candidate, len(toks))
	for i := 0; i < len(toks); {
		if choice[i] == nil {
			i++
			continue
		}
		plan[i] = choice[i]
		i += choice[i].size
	}
	return plan
}

// candidates lists, for every start index, the windows a term accepts. Per
// window only the best term is kept: an exact match, else the most similar.
func (c *CustomWords) candidates(toks []token) [][]*candidate {
	found := make([][]termMatch, len(toks))
	inExact := make([]bool, len(toks))
	for i := range toks {
		for size := 1; size <= min(c.maxWords, len(toks)-i); size++ {
			span := toks[i : i+size]
			if !contiguous(span) {
				break
			}
			heard := phonetic.Normalize(joinCores(span))
			if heard == "" {
				continue
			}
			w, ok := c.bestTerm(heard, size)
			if !ok {
				continue
			}
			if w.m == MethodExact {
				for j := i; j < i+size; j++ {
					inExact[j] = true
				}
			}
			found[i] = append(found[i], w)
		}
	}

	cands := make([][]*candidate, len(toks))
	for i, ws := range found {
	next:
		for _, w := range ws {
			size := w.term.Words
			if w.m != MethodExact {
				for j := i; j < i+size; j++ {
					if inExact[j] {
						continue next
					}
				}
			}
			span := toks[i : i+size]
			cands[i] = append(cands[i], &candidate{
				size:     size,
				sim:      w.sim,
				method:   w.m,
				original: joinRaw(span),
				replaced: span[0].lead + matchCase(joinCores(span), w.term.Canonical) + span[size-1].trail,
			})
		}
	}
	return cands
}

type termMatch struct {
	term phonetic.Term
	sim  float64
	m    Method
}

// bestTerm returns the accepted term with size words that best matches
// heard. An exact match always wins.
func (c *CustomWords) bestTerm(heard string, size int) (termMatch, bool) {
	var (
		best  termMatch
		found bool
	)
	for _, t := range c.terms {
		if t.Words != size {
			continue
		}
		s, m, ok := c.accept(heard, t)
		if !ok {
			continue
		}
		if m == MethodExact {
			return termMatch{term: t, sim: s, m: m}, true
		}
		if !found || s > best.sim {
			best, found = termMatch{term: t, sim: s, m: m}, true
		}
	}
	return best, found
}

func (c *CustomWords) accept(heard string, t phonetic.Term) (float64, Method, bool) {
	if heard == t.Norm {
		return 1, MethodExact, true
	}
	if c.threshold >= 1 || !comparableLength(heard, t.Norm) {
		return 0, "", false
	}
	sim, soundsLike := c.matcher.Score(heard, t)
	method := MethodFuzzy
	if soundsLike && sim < 1-c.threshold/2 {
		sim = 1 - c.threshold/2
		method = MethodPhonetic
	}
	return sim, method, sim >= 1-c.threshold
}

// minLengthRatio keeps short prefixes such as "chat" from matching longer
// terms such as "ChatGPT" on Jaro-Winkler's prefix bonus alone.
const minLengthRatio = 0.8

func comparableLength(a, b string) bool {
	la, lb := utf8.RuneCountInString(a), utf8.RuneCountInString(b)
	return float64(min(la, lb)) >= minLengthRatio*float64(max(la, lb))
}

// token is one whitespace-separated field split into its surrounding
// punctuation and the word itself.
type token struct {
	raw   string
	lead  string
	core  string
	trail string
}

func splitToken(s string) token {
	start := strings.IndexFunc(s, isWordRune)
	if start < 0 {
		return token{raw: s, lead: s}
	}
	end := strings.LastIndexFunc(s, isWordRune)
	_, size := utf8.DecodeRuneInString(s[end:])
	end += size
	return token{raw: s, lead: s[:start], core: s[start:end], trail: s[end:]}
}

func isWordRune(r rune) bool { return unicode.IsLetter(r) || unicode.IsDigit(r) }

// contiguous reports whether window can be read as one phrase: every token
// has a word and no punctuation separates adjacent tokens.
func contiguous(window []token) bool {
	for i, t := range window {
		if t.core == "" {
			return false
		}
		if i > 0 && t.lead != "" {
			return false
		}
		if i < len(window)-1 && t.trail != "" {
			return false
		}
	}
	return true
}

func joinCores(window []token) string {
	parts := make([]string, len(window))
	for i, t := range window {
		parts[i] = t.core
	}
	return strings.Join(parts, " ")
}

func joinRaw(window []token) string {
	parts := make([]string, len(window))
	for i, t := range window {
		parts[i] = t.raw
	}
	return strings.Join(parts, " ")
}

// matchCase renders canonical in the capitalisation style of heard: all caps
// stays all caps and a capitalised sentence start stays capitalised.
func matchCase(heard, canonical string) string {
	if isAllUpper(heard) {
		return strings.ToUpper(canonical)
	}
	first, _ := utf8.DecodeRuneInString(heard)
	cFirst, cSize := utf8.DecodeRuneInString(canonical)
	if unicode.IsUpper(first) && unicode.IsLower(cFirst) {
		return string(unicode.ToUpper(cFirst)) + canonical[cSize:]
	}
	return canonical
}

func isAllUpper(s string) bool {
	letters := 0
	for _, r := range s {
		if !unicode.IsLetter(r) {
			continue
		}
		if !unicode.IsUpper(r) {
			return false
		}
		letters++
	}
	return letters > 1
}
