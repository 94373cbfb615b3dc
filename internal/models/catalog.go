package models

import (
	"cmp"
	"slices"

	"github.com/MrWong99/murmur/internal/config"
	"github.com/MrWong99/murmur/pkg/provider/stt"
)

// Descriptor describes a model murmur can download and load.
type Descriptor struct {
	ID            string           `json:"id"`
	Name          string           `json:"name"`
	Description   string           `json:"description"`
	Filename      string           `json:"filename"`
	URL           string           `json:"url"`
	SizeMB        int              `json:"sizeMb"`
	SHA256        string           `json:"sha256,omitempty"`
	AccuracyScore float64          `json:"accuracyScore"`
	SpeedScore    float64          `json:"speedScore"`
	Capabilities  stt.Capabilities `json:"capabilities"`

	// Archive marks models that ship as a .zip or .tar.gz and extract to a
	// directory named after the ID.
	Archive bool `json:"archive"`

	// Path is where the model lives once downloaded.
	Path string `json:"path"`

	IsDownloaded  bool `json:"isDownloaded"`
	IsDownloading bool `json:"isDownloading"`
}

const hfBase = "https://huggingface.co/ggerganov/whisper.cpp/resolve/main/"

// builtinCatalog lists the whisper.cpp ggml models offered out of the box.
// Entries carry no checksum; downloads are verified against Content-Length.
var builtinCatalog = []Descriptor{
	{
		ID:            "small",
		Name:          "Whisper Small",
		Description:   "Fast and fairly accurate.",
		Filename:      "ggml-small.bin",
		URL:           hfBase + "ggml-small.bin",
		SizeMB:        487,
		AccuracyScore: 0.60,
		SpeedScore:    0.85,
		Capabilities:  stt.Capabilities{SupportsTranslation: true, SupportsLanguageSelection: true},
	},
	{
		ID:            "medium",
		Name:          "Whisper Medium",
		Description:   "Good accuracy, medium speed.",
		Filename:      "ggml-medium-q4_1.bin",
		URL:           hfBase + "ggml-medium-q4_1.bin",
		SizeMB:        492,
		AccuracyScore: 0.75,
		SpeedScore:    0.60,
		Capabilities:  stt.Capabilities{SupportsTranslation: true, SupportsLanguageSelection: true},
	},
	{
		ID:            "turbo",
		Name:          "Whisper Turbo",
		Description:   "Balanced accuracy and speed. Cannot translate.",
		Filename:      "ggml-large-v3-turbo.bin",
		URL:           hfBase + "ggml-large-v3-turbo.bin",
		SizeMB:        1549,
		AccuracyScore: 0.80,
		SpeedScore:    0.40,
		Capabilities:  stt.Capabilities{SupportsTranslation: false, SupportsLanguageSelection: true},
	},
	{
		ID:            "large",
		Name:          "Whisper Large",
		Description:   "Good accuracy, but slow.",
		Filename:      "ggml-large-v3-q5_0.bin",
		URL:           hfBase + "ggml-large-v3-q5_0.bin",
		SizeMB:        1031,
		AccuracyScore: 0.85,
		SpeedScore:    0.30,
		Capabilities:  stt.Capabilities{SupportsTranslation: true, SupportsLanguageSelection: true},
	},
}

// BuiltinCatalog returns a copy of the built-in model list.
func BuiltinCatalog() []Descriptor {
	return slices.Clone(builtinCatalog)
}

// MergeCatalog overlays config entries onto base. An entry whose ID already
// exists replaces it; new IDs are appended. The result is sorted by accuracy
// then ID so listings are stable.
func MergeCatalog(base []Descriptor, entries []config.ModelEntry) []Descriptor {
	out := slices.Clone(base)
	for _, e := range entries {
		d := Descriptor{
			ID:            e.ID,
			Name:          cmp.Or(e.Name, e.ID),
			Description:   e.Description,
			Filename:      e.Filename,
			URL:           e.URL,
			SizeMB:        e.SizeMB,
			SHA256:        e.SHA256,
			Archive:       e.Archive,
			AccuracyScore: e.AccuracyScore,
			SpeedScore:    e.SpeedScore,
			Capabilities: stt.Capabilities{
				SupportsTranslation:       e.SupportsTranslation,
				SupportsLanguageSelection: e.SupportsLanguageSelection,
			},
		}
		if i := slices.IndexFunc(out, func(x Descriptor) bool { return x.ID == e.ID }); i >= 0 {
			out[i] = d
		} else {
			out = append(out, d)
		}
	}
	slices.SortStableFunc(out, func(a, b Descriptor) int {
		return cmp.Or(cmp.Compare(a.AccuracyScore, b.AccuracyScore), cmp.Compare(a.ID, b.ID))
	})
	return out
}
