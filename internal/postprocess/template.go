package postprocess

import "regexp"

// placeholderRe matches every form of the transcript placeholder in one pass:
// the editor's mention link "[label](mention:output)", the legacy "${output}"
// and the short "@output". The optional trailing word character lets
// Substitute leave identifiers such as "@outputter" alone.
var placeholderRe = regexp.MustCompile(`\[[^\]\n]*\]\(mention:output\)|\$\{output\}|@output[\p{L}\p{N}_]?`)

const shortPlaceholder = "@output"

// Substitute replaces every transcript placeholder in template with
// transcript. Placeholders inside the transcript itself are not expanded.
func Substitute(template, transcript string) string {
	return placeholderRe.ReplaceAllStringFunc(template, func(m string) string {
		if len(m) > len(shortPlaceholder) && m[:len(shortPlaceholder)] == shortPlaceholder {
			return m
		}
		return transcript
	})
}

// HasPlaceholder reports whether template references the transcript.
func HasPlaceholder(template string) bool {
	return Substitute(template, "\x00") != template
}
