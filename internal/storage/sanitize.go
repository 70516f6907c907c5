package storage

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// UnknownSender replaces names that sanitize to nothing.
const UnknownSender = "unknown"

// stripMarks returns a fresh chain; transformers carry buffers and are not
// safe for concurrent use.
func stripMarks() transform.Transformer {
	return transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)))
}

// SanitizeSender turns an arbitrary sender name into a single safe path segment.
// Accents fold to ASCII, whitespace runs become "_", anything outside
// [A-Za-z0-9._-] is dropped, and leading/trailing dots and underscores are trimmed.
func SanitizeSender(name string) string {
	folded, _, err := transform.String(stripMarks(), name)
	if err != nil {
		folded = name
	}
	folded = strings.NewReplacer("/", " ", `\`, " ").Replace(folded)
	folded = strings.Join(strings.Fields(folded), "_")

	var b strings.Builder
	for _, r := range folded {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			b.WriteRune(r)
		}
	}

	out := strings.Trim(b.String(), "._")
	if out == "" {
		return UnknownSender
	}
	return out
}
