package transcribe

import (
	"fmt"
	"strings"
	"sync"

	"github.com/longbridgeapp/opencc"
)

// OpenCC dictionaries are parsed on first use.
var (
	toSimplified  = sync.OnceValues(func() (*opencc.OpenCC, error) { return opencc.New("tw2sp") })
	toTraditional = sync.OnceValues(func() (*opencc.OpenCC, error) { return opencc.New("s2twp") })
)

// ConvertScript rewrites Chinese text into the script the language setting
// asks for: Simplified for "zh-Hans" and Taiwan Traditional for "zh-Hant".
// It reports whether a conversion applied. Other languages are returned
// unchanged.
func ConvertScript(language, text string) (string, bool, error) {
	var conv func() (*opencc.OpenCC, error)
	switch {
	case strings.EqualFold(language, "zh-Hans"):
		conv = toSimplified
	case strings.EqualFold(language, "zh-Hant"):
		conv = toTraditional
	default:
		return text, false, nil
	}
	cc, err := conv()
	if err != nil {
		return text, false, fmt.Errorf("transcribe: load opencc: %w", err)
	}
	out, err := cc.Convert(text)
	if err != nil {
		return text, false, fmt.Errorf("transcribe: convert script: %w", err)
	}
	return out, true, nil
}
