package postprocess

import "testing"

func TestSubstitute(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		template string
		want     string
	}{
		{"mention", "Fix: [output](mention:output)", "Fix: hello world"},
		{"mention with custom label", "Fix: [Transcript](mention:output).", "Fix: hello world."},
		{"legacy", "Fix: ${output}", "Fix: hello world"},
		{"short", "Fix: @output", "Fix: hello world"},
		{"short before punctuation", "(@output)", "(hello world)"},
		{"short as prefix of identifier", "@outputter and @output_x", "@outputter and @output_x"},
		{"short before unicode letter", "@outputé", "@outputé"},
		{"all forms", "[o](mention:output) ${output} @output", "hello world hello world hello world"},
		{"no placeholder", "Summarise the text.", "Summarise the text."},
		{"other mention", "[x](mention:input)", "[x](mention:input)"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := Substitute(tc.template, "hello world"); got != tc.want {
				t.Errorf("Substitute(%q) = %q, want %q", tc.template, got, tc.want)
			}
		})
	}
}

func TestSubstitute_TranscriptIsNotExpanded(t *testing.T) {
	t.Parallel()

	got := Substitute("A: ${output}", "says ${output} and @output")
	if got != "A: says ${output} and @output" {
		t.Errorf("got %q", got)
	}
}

func TestHasPlaceholder(t *testing.T) {
	t.Parallel()

	if !HasPlaceholder("x @output") || !HasPlaceholder("[a](mention:output)") {
		t.Error("expected placeholder")
	}
	if HasPlaceholder("@outputs only") {
		t.Error("unexpected placeholder")
	}
}
